package node

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cubefs/contentrepo/acl"
	"github.com/cubefs/contentrepo/common/kvstore"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/idgenerator"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/txn"
)

// DAO stores nodes, their aspects, properties and associations. Calls join
// the transaction bound to ctx or run in a new one.
type DAO struct {
	kv        kvstore.Store
	helper    *txn.Helper
	ids       idgenerator.IDGenerator
	qnames    *qname.DAO
	acls      *acl.DAO
	singleRun *singleflight.Group

	// committed stores by id, stores are never removed
	stores sync.Map
}

func NewDAO(kv kvstore.Store, helper *txn.Helper, ids idgenerator.IDGenerator, qnames *qname.DAO, acls *acl.DAO) *DAO {
	return &DAO{
		kv:        kv,
		helper:    helper,
		ids:       ids,
		qnames:    qnames,
		acls:      acls,
		singleRun: &singleflight.Group{},
	}
}

func (d *DAO) QNames() *qname.DAO {
	return d.qnames
}

func (d *DAO) ACLs() *acl.DAO {
	return d.acls
}

func (d *DAO) do(ctx context.Context, readOnly bool, fn func(ctx context.Context, s *store) error) error {
	return d.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		s, err := storeFrom(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, s)
	}, readOnly, false)
}

func (d *DAO) qnameID(ctx context.Context, q qname.QName) (uint64, error) {
	e, err := d.qnames.GetOrCreateQName(ctx, q)
	if err != nil {
		return 0, err
	}
	return e.ID, nil
}

// CreateStore creates the store and its root node. The root carries a
// fresh DEFINING ACL that its descendants inherit.
func (d *DAO) CreateStore(ctx context.Context, ref StoreRef) (root *Node, err error) {
	span := trace.SpanFromContextSafe(ctx)
	if ref.Protocol == "" || ref.Identifier == "" {
		return nil, apierrors.ErrInvalidArgs
	}
	rootAspect, err := d.qnameID(ctx, qname.AspectRoot)
	if err != nil {
		return nil, err
	}
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		storeID, err := d.ids.Next(ctx, storeScope)
		if err != nil {
			return err
		}
		if err = s.t.Insert(ctx, CF, storeKey(ref), encodeID(storeID)); err != nil {
			if err == apierrors.ErrUniqueConflict {
				return apierrors.ErrStoreExists
			}
			return err
		}
		srow := &storeRow{ID: storeID, Protocol: ref.Protocol, Identifier: ref.Identifier}
		row, err := d.newNode(ctx, s, srow, "", qname.TypeStoreRoot)
		if err != nil {
			return err
		}
		if err = s.t.Put(CF, encodeKey(aspectPrefix, row.ID, rootAspect), nil); err != nil {
			return err
		}
		aclID, err := d.acls.CreateACL(ctx, &acl.Properties{
			Type:      acl.ACLTypeDefining,
			Inherits:  acl.BoolPtr(true),
			Versioned: acl.BoolPtr(false),
		})
		if err != nil {
			return err
		}
		row.AclID = aclID
		if err = s.putNodeRow(row); err != nil {
			return err
		}
		srow.RootNodeID = row.ID
		if err = s.putJSON(encodeKey(storePrefix, storeID), srow); err != nil {
			return err
		}
		root, err = d.toNode(ctx, s, row)
		return err
	})
	if err != nil {
		// a racing creator loses the unique insert at commit time
		if err == apierrors.ErrUniqueConflict {
			err = apierrors.ErrStoreExists
		}
		return nil, err
	}
	span.Infof("store %s created, root node %d", ref, root.ID)
	return root, nil
}

func (d *DAO) GetStores(ctx context.Context) (refs []StoreRef, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		kvs, err := s.t.List(ctx, CF, storePrefix)
		if err != nil {
			return err
		}
		refs = make([]StoreRef, 0, len(kvs))
		for _, kv := range kvs {
			row := &storeRow{}
			if err = json.Unmarshal(kv.Value, row); err != nil {
				return errors.Info(err, "json unmarshal store failed")
			}
			refs = append(refs, StoreRef{Protocol: row.Protocol, Identifier: row.Identifier})
		}
		return nil
	})
	return
}

func (d *DAO) GetRootNode(ctx context.Context, ref StoreRef) (root *Node, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		srow, err := d.getStoreRow(ctx, s, ref)
		if err != nil {
			return err
		}
		if srow.RootNodeID == 0 {
			return apierrors.ErrStoreHasNoRoot
		}
		row, err := s.getNodeRow(ctx, srow.RootNodeID)
		if err != nil {
			return err
		}
		root, err = d.toNode(ctx, s, row)
		return err
	})
	return
}

func (d *DAO) getStoreRow(ctx context.Context, s *store, ref StoreRef) (*storeRow, error) {
	if v, ok := d.stores.Load(ref.String()); ok {
		return v.(*storeRow), nil
	}
	id, err := s.lookupID(ctx, storeKey(ref))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrStoreNotFound
		}
		return nil, err
	}
	row, err := s.getStoreRowByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cacheCommittedStore(ctx, ref, id)
	return row, nil
}

// cacheCommittedStore caches the store once it is visible outside the
// current transaction.
func (d *DAO) cacheCommittedStore(ctx context.Context, ref StoreRef, id uint64) {
	key := ref.String()
	d.singleRun.Do(key, func() (interface{}, error) {
		raw, err := d.kv.GetRaw(ctx, CF, encodeKey(storePrefix, id), nil)
		if err != nil {
			return nil, err
		}
		row := &storeRow{}
		if err = json.Unmarshal(raw, row); err != nil {
			return nil, err
		}
		if row.RootNodeID != 0 {
			d.stores.Store(key, row)
		}
		return row, nil
	})
}

func (d *DAO) storeRefOf(ctx context.Context, s *store, storeID uint64) (StoreRef, error) {
	row, err := s.getStoreRowByID(ctx, storeID)
	if err != nil {
		return StoreRef{}, err
	}
	return StoreRef{Protocol: row.Protocol, Identifier: row.Identifier}, nil
}

func (d *DAO) toNode(ctx context.Context, s *store, row *nodeRow) (*Node, error) {
	ref, err := d.storeRefOf(ctx, s, row.StoreID)
	if err != nil {
		return nil, err
	}
	typ, err := d.qnames.GetQName(ctx, row.TypeQNameID)
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:      row.ID,
		Ref:     NodeRef{Store: ref, ID: row.UUID},
		Type:    typ,
		AclID:   row.AclID,
		Deleted: row.Deleted,
		TxnID:   row.TxnID,
	}, nil
}

// NewNode creates a node, or revives a deleted node with the same uuid. An
// empty uuid generates one.
func (d *DAO) NewNode(ctx context.Context, ref StoreRef, id string, typ qname.QName) (n *Node, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		srow, err := d.getStoreRow(ctx, s, ref)
		if err != nil {
			return err
		}
		row, err := d.newNode(ctx, s, srow, id, typ)
		if err != nil {
			return err
		}
		n, err = d.toNode(ctx, s, row)
		return err
	})
	return
}

func (d *DAO) newNode(ctx context.Context, s *store, srow *storeRow, id string, typ qname.QName) (*nodeRow, error) {
	typeID, err := d.qnameID(ctx, typ)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	} else {
		existing, err := s.lookupID(ctx, nodeUUIDKey(srow.ID, id))
		if err == nil {
			row, err := s.getNodeRow(ctx, existing)
			if err != nil {
				return nil, err
			}
			if !row.Deleted {
				return nil, apierrors.ErrInvalidNodeRef
			}
			row.TypeQNameID = typeID
			row.Deleted = false
			row.AclID = 0
			row.TxnID = s.t.ID()
			return row, s.putNodeRow(row)
		}
		if err != kvstore.ErrNotFound {
			return nil, err
		}
	}

	nodeID, err := d.ids.Next(ctx, nodeScope)
	if err != nil {
		return nil, err
	}
	if err = s.t.Insert(ctx, CF, nodeUUIDKey(srow.ID, id), encodeID(nodeID)); err != nil {
		if err == apierrors.ErrUniqueConflict {
			return nil, apierrors.ErrInvalidNodeRef
		}
		return nil, err
	}
	row := &nodeRow{ID: nodeID, StoreID: srow.ID, UUID: id, TypeQNameID: typeID, TxnID: s.t.ID()}
	if err = s.t.Put(CF, encodeKey(nodeByStorePrefix, srow.ID, nodeID), nil); err != nil {
		return nil, err
	}
	return row, s.putNodeRow(row)
}

// GetNode resolves a live node.
func (d *DAO) GetNode(ctx context.Context, ref NodeRef) (n *Node, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		row, err := d.resolve(ctx, s, ref)
		if err != nil {
			return err
		}
		n, err = d.toNode(ctx, s, row)
		return err
	})
	return
}

func (d *DAO) resolve(ctx context.Context, s *store, ref NodeRef) (*nodeRow, error) {
	srow, err := d.getStoreRow(ctx, s, ref.Store)
	if err != nil {
		if err == apierrors.ErrStoreNotFound {
			return nil, apierrors.ErrNodeNotFound
		}
		return nil, err
	}
	id, err := s.lookupID(ctx, nodeUUIDKey(srow.ID, ref.ID))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrNodeNotFound
		}
		return nil, err
	}
	return s.getLiveNodeRow(ctx, id)
}

func (d *DAO) GetNodeByID(ctx context.Context, id uint64) (n *Node, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		n, err = d.toNode(ctx, s, row)
		return err
	})
	return
}

// GetNodeStatus returns nil when the reference never existed.
func (d *DAO) GetNodeStatus(ctx context.Context, ref NodeRef) (status *Status, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		srow, err := d.getStoreRow(ctx, s, ref.Store)
		if err == apierrors.ErrStoreNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := s.lookupID(ctx, nodeUUIDKey(srow.ID, ref.ID))
		if err == kvstore.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		row, err := s.getNodeRow(ctx, id)
		if err == apierrors.ErrNodeNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		status = &Status{Ref: ref, NodeID: row.ID, TxnID: row.TxnID, Deleted: row.Deleted}
		return nil
	})
	return
}

func (d *DAO) SetNodeType(ctx context.Context, id uint64, typ qname.QName) error {
	typeID, err := d.qnameID(ctx, typ)
	if err != nil {
		return err
	}
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		row.TypeQNameID = typeID
		return d.touch(s, row)
	})
}

// touch records the node change against the current transaction.
func (d *DAO) touch(s *store, row *nodeRow) error {
	row.TxnID = s.t.ID()
	return s.putNodeRow(row)
}

func (d *DAO) GetNodeACL(ctx context.Context, id uint64) (aclID uint64, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		aclID = row.AclID
		return nil
	})
	return
}

// SetNodeACL points the node at the ACL, 0 clears it.
func (d *DAO) SetNodeACL(ctx context.Context, id, aclID uint64) error {
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		if aclID != 0 {
			if _, err := d.acls.GetAccessControlListProperties(ctx, aclID); err != nil {
				return err
			}
		}
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		if row.AclID == aclID {
			return nil
		}
		row.AclID = aclID
		return d.touch(s, row)
	})
}

func (d *DAO) GetAspects(ctx context.Context, id uint64) (aspects []qname.QName, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		if _, err := s.getLiveNodeRow(ctx, id); err != nil {
			return err
		}
		qnameIDs, err := s.listIDs(ctx, encodeKey(aspectPrefix, id), 0)
		if err != nil {
			return err
		}
		aspects = make([]qname.QName, 0, len(qnameIDs))
		for _, qid := range qnameIDs {
			q, err := d.qnames.GetQName(ctx, qid)
			if err != nil {
				return err
			}
			aspects = append(aspects, q)
		}
		return nil
	})
	return
}

func (d *DAO) HasAspect(ctx context.Context, id uint64, aspect qname.QName) (has bool, err error) {
	qid, err := d.qnames.GetQNameID(ctx, aspect)
	if err == apierrors.ErrQNameNotFound || err == apierrors.ErrNamespaceMissing {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		if _, err := s.getLiveNodeRow(ctx, id); err != nil {
			return err
		}
		has, err = s.t.Exists(ctx, CF, encodeKey(aspectPrefix, id, qid))
		return err
	})
	return
}

func (d *DAO) AddAspects(ctx context.Context, id uint64, aspects ...qname.QName) error {
	qids := make([]uint64, 0, len(aspects))
	for _, a := range aspects {
		qid, err := d.qnameID(ctx, a)
		if err != nil {
			return err
		}
		qids = append(qids, qid)
	}
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		for _, qid := range qids {
			if err = s.t.Put(CF, encodeKey(aspectPrefix, id, qid), nil); err != nil {
				return err
			}
		}
		return d.touch(s, row)
	})
}

func (d *DAO) RemoveAspects(ctx context.Context, id uint64, aspects ...qname.QName) error {
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		for _, a := range aspects {
			qid, err := d.qnames.GetQNameID(ctx, a)
			if err == apierrors.ErrQNameNotFound || err == apierrors.ErrNamespaceMissing {
				continue
			}
			if err != nil {
				return err
			}
			if err = s.t.Delete(CF, encodeKey(aspectPrefix, id, qid)); err != nil {
				return err
			}
		}
		return d.touch(s, row)
	})
}

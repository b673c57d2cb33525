package node

import (
	"context"
	"sort"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/contentrepo/common/kvstore"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/qname"
)

// randomNameCRC marks generated child names, they never clash.
const randomNameCRC = -1

// NewChildAssoc links child under parent with a generated name. A primary
// child takes the ACL its parent hands down.
func (d *DAO) NewChildAssoc(ctx context.Context, parentID, childID uint64, isPrimary bool, typ, q qname.QName) (assoc *ChildAssoc, err error) {
	typeID, err := d.qnameID(ctx, typ)
	if err != nil {
		return nil, err
	}
	qid, err := d.qnameID(ctx, q)
	if err != nil {
		return nil, err
	}
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		parent, err := s.getLiveNodeRow(ctx, parentID)
		if err != nil {
			return err
		}
		child, err := s.getLiveNodeRow(ctx, childID)
		if err != nil {
			return err
		}
		if err = d.checkCycle(ctx, s, parentID, childID); err != nil {
			return err
		}
		if isPrimary {
			primary, err := d.primaryParentRow(ctx, s, childID)
			if err != nil {
				return err
			}
			if primary != nil {
				return apierrors.ErrAssocExists
			}
		}

		assocID, err := d.ids.Next(ctx, childScope)
		if err != nil {
			return err
		}
		row := &childAssocRow{
			ID:          assocID,
			ParentID:    parentID,
			ChildID:     childID,
			TypeQNameID: typeID,
			QNameID:     qid,
			ChildName:   uuid.NewString(),
			NameCRC:     randomNameCRC,
			IsPrimary:   isPrimary,
			Index:       -1,
		}
		if err = s.putJSON(encodeKey(childAssocPrefix, assocID), row); err != nil {
			return err
		}
		if err = s.t.Put(CF, encodeKey(childByParentPrefix, parentID, assocID), nil); err != nil {
			return err
		}
		if err = s.t.Put(CF, encodeKey(parentByChildPrefix, childID, assocID), nil); err != nil {
			return err
		}

		if isPrimary && parent.AclID != 0 {
			inherited, err := d.acls.GetInheritedAccessControlList(ctx, parent.AclID)
			if err != nil {
				return err
			}
			if inherited != 0 {
				child.AclID = inherited
			}
		}
		if err = d.touch(s, child); err != nil {
			return err
		}
		assoc, err = d.toChildAssoc(ctx, s, row)
		return err
	})
	return
}

// checkCycle fails when child is parent or one of parent's ancestors.
func (d *DAO) checkCycle(ctx context.Context, s *store, parentID, childID uint64) error {
	visited := map[uint64]bool{}
	queue := []uint64{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == childID {
			return apierrors.ErrCyclicAssoc
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		assocIDs, err := s.listIDs(ctx, encodeKey(parentByChildPrefix, id), 0)
		if err != nil {
			return err
		}
		for _, assocID := range assocIDs {
			row, err := s.getChildAssocRow(ctx, assocID)
			if err != nil {
				return err
			}
			queue = append(queue, row.ParentID)
		}
	}
	return nil
}

// SetChildNameUnique names the association so that no sibling of the same
// type holds the same name, ignoring case. An empty name reverts to a
// generated one.
func (d *DAO) SetChildNameUnique(ctx context.Context, assocID uint64, name string) error {
	span := trace.SpanFromContextSafe(ctx)
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getChildAssocRow(ctx, assocID)
		if err != nil {
			return err
		}
		var oldKey []byte
		if row.NameCRC != randomNameCRC {
			oldKey = childNameKey(row.ParentID, row.TypeQNameID, row.ChildName, uint32(row.NameCRC))
		}

		if name == "" {
			if oldKey == nil {
				return nil
			}
			if err = s.t.Delete(CF, oldKey); err != nil {
				return err
			}
			row.ChildName = uuid.NewString()
			row.NameCRC = randomNameCRC
			return s.putJSON(encodeKey(childAssocPrefix, assocID), row)
		}

		short, crc := qname.CrcPair(name)
		newKey := childNameKey(row.ParentID, row.TypeQNameID, short, crc)
		if oldKey != nil && string(oldKey) == string(newKey) {
			return nil
		}
		if err = s.t.Insert(ctx, CF, newKey, encodeID(assocID)); err != nil {
			if err == apierrors.ErrUniqueConflict {
				span.Debugf("duplicate child name %q under node %d", name, row.ParentID)
				return apierrors.ErrDuplicateChildName
			}
			return err
		}
		if oldKey != nil {
			if err = s.t.Delete(CF, oldKey); err != nil {
				return err
			}
		}
		row.ChildName = short
		row.NameCRC = int64(crc)
		return s.putJSON(encodeKey(childAssocPrefix, assocID), row)
	})
}

func (d *DAO) nodeRef(ctx context.Context, s *store, id uint64) (NodeRef, error) {
	row, err := s.getNodeRow(ctx, id)
	if err != nil {
		return NodeRef{}, err
	}
	ref, err := d.storeRefOf(ctx, s, row.StoreID)
	if err != nil {
		return NodeRef{}, err
	}
	return NodeRef{Store: ref, ID: row.UUID}, nil
}

func (d *DAO) toChildAssoc(ctx context.Context, s *store, row *childAssocRow) (*ChildAssoc, error) {
	parent, err := d.nodeRef(ctx, s, row.ParentID)
	if err != nil {
		return nil, err
	}
	child, err := d.nodeRef(ctx, s, row.ChildID)
	if err != nil {
		return nil, err
	}
	typ, err := d.qnames.GetQName(ctx, row.TypeQNameID)
	if err != nil {
		return nil, err
	}
	q, err := d.qnames.GetQName(ctx, row.QNameID)
	if err != nil {
		return nil, err
	}
	return &ChildAssoc{
		ID:        row.ID,
		Parent:    parent,
		ParentID:  row.ParentID,
		Child:     child,
		ChildID:   row.ChildID,
		Type:      typ,
		QName:     q,
		IsPrimary: row.IsPrimary,
		Index:     row.Index,
	}, nil
}

func (d *DAO) childAssocRows(ctx context.Context, s *store, prefix []byte) ([]*childAssocRow, error) {
	assocIDs, err := s.listIDs(ctx, prefix, 0)
	if err != nil {
		return nil, err
	}
	rows := make([]*childAssocRow, 0, len(assocIDs))
	for _, assocID := range assocIDs {
		row, err := s.getChildAssocRow(ctx, assocID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Index != rows[j].Index {
			return rows[i].Index < rows[j].Index
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

func (d *DAO) GetChildAssocs(ctx context.Context, parentID uint64, filter *ChildAssocFilter) (assocs []*ChildAssoc, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		if _, err := s.getLiveNodeRow(ctx, parentID); err != nil {
			return err
		}
		rows, err := d.childAssocRows(ctx, s, encodeKey(childByParentPrefix, parentID))
		if err != nil {
			return err
		}
		assocs = make([]*ChildAssoc, 0, len(rows))
		for _, row := range rows {
			a, err := d.toChildAssoc(ctx, s, row)
			if err != nil {
				return err
			}
			if filter.match(a) {
				assocs = append(assocs, a)
			}
		}
		return nil
	})
	return
}

// GetChildByName finds the child named name ignoring case, nil when absent.
func (d *DAO) GetChildByName(ctx context.Context, parentID uint64, typ qname.QName, name string) (assoc *ChildAssoc, err error) {
	typeID, err := d.qnames.GetQNameID(ctx, typ)
	if err == apierrors.ErrQNameNotFound || err == apierrors.ErrNamespaceMissing {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		short, crc := qname.CrcPair(name)
		assocID, err := s.lookupID(ctx, childNameKey(parentID, typeID, short, crc))
		if err == kvstore.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		row, err := s.getChildAssocRow(ctx, assocID)
		if err != nil {
			return err
		}
		if row.ChildName != short {
			return nil
		}
		assoc, err = d.toChildAssoc(ctx, s, row)
		return err
	})
	return
}

func (d *DAO) GetParentAssocs(ctx context.Context, childID uint64) (assocs []*ChildAssoc, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		rows, err := d.childAssocRows(ctx, s, encodeKey(parentByChildPrefix, childID))
		if err != nil {
			return err
		}
		assocs = make([]*ChildAssoc, 0, len(rows))
		for _, row := range rows {
			a, err := d.toChildAssoc(ctx, s, row)
			if err != nil {
				return err
			}
			assocs = append(assocs, a)
		}
		return nil
	})
	return
}

// GetPrimaryParent returns nil for a store root.
func (d *DAO) GetPrimaryParent(ctx context.Context, childID uint64) (assoc *ChildAssoc, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		row, err := d.primaryParentRow(ctx, s, childID)
		if err != nil || row == nil {
			return err
		}
		assoc, err = d.toChildAssoc(ctx, s, row)
		return err
	})
	return
}

func (d *DAO) primaryParentRow(ctx context.Context, s *store, childID uint64) (*childAssocRow, error) {
	rows, err := d.childAssocRows(ctx, s, encodeKey(parentByChildPrefix, childID))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.IsPrimary {
			return row, nil
		}
	}
	return nil, nil
}

func (d *DAO) DeleteChildAssoc(ctx context.Context, assocID uint64) error {
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getChildAssocRow(ctx, assocID)
		if err != nil {
			return err
		}
		return d.deleteChildAssocRow(s, row)
	})
}

func (d *DAO) deleteChildAssocRow(s *store, row *childAssocRow) error {
	keys := [][]byte{
		encodeKey(childAssocPrefix, row.ID),
		encodeKey(childByParentPrefix, row.ParentID, row.ID),
		encodeKey(parentByChildPrefix, row.ChildID, row.ID),
	}
	if row.NameCRC != randomNameCRC {
		keys = append(keys, childNameKey(row.ParentID, row.TypeQNameID, row.ChildName, uint32(row.NameCRC)))
	}
	return s.deleteKeys(keys...)
}

// GetPath follows primary parents up to the store root.
func (d *DAO) GetPath(ctx context.Context, nodeID uint64) (path Path, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		if _, err := s.getLiveNodeRow(ctx, nodeID); err != nil {
			return err
		}
		visited := map[uint64]bool{}
		for id := nodeID; ; {
			if visited[id] {
				return apierrors.ErrCyclicAssoc
			}
			visited[id] = true
			row, err := d.primaryParentRow(ctx, s, id)
			if err != nil {
				return err
			}
			if row == nil {
				break
			}
			a, err := d.toChildAssoc(ctx, s, row)
			if err != nil {
				return err
			}
			path = append(path, a)
			id = row.ParentID
		}
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
		return nil
	})
	return
}

func (d *DAO) NewNodeAssoc(ctx context.Context, sourceID, targetID uint64, typ qname.QName) (assoc *NodeAssoc, err error) {
	typeID, err := d.qnameID(ctx, typ)
	if err != nil {
		return nil, err
	}
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		if _, err := s.getLiveNodeRow(ctx, sourceID); err != nil {
			return err
		}
		if _, err := s.getLiveNodeRow(ctx, targetID); err != nil {
			return err
		}
		assocID, err := d.ids.Next(ctx, nodeAssocScope)
		if err != nil {
			return err
		}
		if err = s.t.Insert(ctx, CF, encodeKey(nodeAssocKeyPrefix, sourceID, targetID, typeID), encodeID(assocID)); err != nil {
			if err == apierrors.ErrUniqueConflict {
				return apierrors.ErrAssocExists
			}
			return err
		}
		row := &nodeAssocRow{ID: assocID, SourceID: sourceID, TargetID: targetID, TypeQNameID: typeID}
		if err = s.putJSON(encodeKey(nodeAssocPrefix, assocID), row); err != nil {
			return err
		}
		if err = s.t.Put(CF, encodeKey(assocBySourcePrefix, sourceID, assocID), nil); err != nil {
			return err
		}
		if err = s.t.Put(CF, encodeKey(assocByTargetPrefix, targetID, assocID), nil); err != nil {
			return err
		}
		assoc, err = d.toNodeAssoc(ctx, s, row)
		return err
	})
	return
}

func (d *DAO) toNodeAssoc(ctx context.Context, s *store, row *nodeAssocRow) (*NodeAssoc, error) {
	source, err := d.nodeRef(ctx, s, row.SourceID)
	if err != nil {
		return nil, err
	}
	target, err := d.nodeRef(ctx, s, row.TargetID)
	if err != nil {
		return nil, err
	}
	typ, err := d.qnames.GetQName(ctx, row.TypeQNameID)
	if err != nil {
		return nil, err
	}
	return &NodeAssoc{ID: row.ID, Source: source, SourceID: row.SourceID, Target: target, TargetID: row.TargetID, Type: typ}, nil
}

func (d *DAO) nodeAssocs(ctx context.Context, prefix []byte, typ qname.QName) (assocs []*NodeAssoc, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		assocIDs, err := s.listIDs(ctx, prefix, 0)
		if err != nil {
			return err
		}
		for _, assocID := range assocIDs {
			row, err := s.getNodeAssocRow(ctx, assocID)
			if err != nil {
				return err
			}
			a, err := d.toNodeAssoc(ctx, s, row)
			if err != nil {
				return err
			}
			if typ.IsZero() || a.Type == typ {
				assocs = append(assocs, a)
			}
		}
		return nil
	})
	return
}

// GetTargetAssocs lists associations from the source, of any type when typ
// is zero.
func (d *DAO) GetTargetAssocs(ctx context.Context, sourceID uint64, typ qname.QName) ([]*NodeAssoc, error) {
	return d.nodeAssocs(ctx, encodeKey(assocBySourcePrefix, sourceID), typ)
}

func (d *DAO) GetSourceAssocs(ctx context.Context, targetID uint64, typ qname.QName) ([]*NodeAssoc, error) {
	return d.nodeAssocs(ctx, encodeKey(assocByTargetPrefix, targetID), typ)
}

func (d *DAO) DeleteNodeAssoc(ctx context.Context, assocID uint64) error {
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getNodeAssocRow(ctx, assocID)
		if err != nil {
			return err
		}
		return d.deleteNodeAssocRow(s, row)
	})
}

func (d *DAO) deleteNodeAssocRow(s *store, row *nodeAssocRow) error {
	return s.deleteKeys(
		encodeKey(nodeAssocPrefix, row.ID),
		encodeKey(assocBySourcePrefix, row.SourceID, row.ID),
		encodeKey(assocByTargetPrefix, row.TargetID, row.ID),
		encodeKey(nodeAssocKeyPrefix, row.SourceID, row.TargetID, row.TypeQNameID),
	)
}

package node

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/contentrepo/acl"
	apierrors "github.com/cubefs/contentrepo/errors"
)

// DeleteNode marks the node and its primary descendants deleted. Their
// associations, properties and aspects are dropped and a DEFINING ACL is
// deleted with its node. The rows stay until purged.
func (d *DAO) DeleteNode(ctx context.Context, id uint64) error {
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getLiveNodeRow(ctx, id)
		if err != nil {
			return err
		}
		return d.deleteNode(ctx, s, row)
	})
}

func (d *DAO) deleteNode(ctx context.Context, s *store, row *nodeRow) error {
	span := trace.SpanFromContextSafe(ctx)
	children, err := d.childAssocRows(ctx, s, encodeKey(childByParentPrefix, row.ID))
	if err != nil {
		return err
	}
	for _, assoc := range children {
		if err = d.deleteChildAssocRow(s, assoc); err != nil {
			return err
		}
		if !assoc.IsPrimary {
			continue
		}
		child, err := s.getNodeRow(ctx, assoc.ChildID)
		if err != nil {
			return err
		}
		if child.Deleted {
			continue
		}
		if err = d.deleteNode(ctx, s, child); err != nil {
			return err
		}
	}

	parents, err := d.childAssocRows(ctx, s, encodeKey(parentByChildPrefix, row.ID))
	if err != nil {
		return err
	}
	for _, assoc := range parents {
		if err = d.deleteChildAssocRow(s, assoc); err != nil {
			return err
		}
	}

	for _, prefix := range [][]byte{encodeKey(assocBySourcePrefix, row.ID), encodeKey(assocByTargetPrefix, row.ID)} {
		assocIDs, err := s.listIDs(ctx, prefix, 0)
		if err != nil {
			return err
		}
		for _, assocID := range assocIDs {
			assoc, err := s.getNodeAssocRow(ctx, assocID)
			if err != nil {
				return err
			}
			if err = d.deleteNodeAssocRow(s, assoc); err != nil {
				return err
			}
		}
	}

	for _, prefix := range [][]byte{encodeKey(propertyPrefix, row.ID), encodeKey(aspectPrefix, row.ID)} {
		kvs, err := s.t.List(ctx, CF, prefix)
		if err != nil {
			return err
		}
		for _, kv := range kvs {
			if err = s.t.Delete(CF, kv.Key); err != nil {
				return err
			}
		}
	}

	if row.AclID != 0 {
		props, err := d.acls.GetAccessControlListProperties(ctx, row.AclID)
		if err != nil && err != apierrors.ErrAclNotFound {
			return err
		}
		if err == nil && props.Type == acl.ACLTypeDefining && props.Latest {
			if _, err = d.acls.DeleteAccessControlList(ctx, row.AclID); err != nil {
				return err
			}
		}
	}

	row.AclID = 0
	row.Deleted = true
	span.Debugf("node %d deleted", row.ID)
	return d.touch(s, row)
}

// PurgeNode removes a deleted node for good.
func (d *DAO) PurgeNode(ctx context.Context, id uint64) error {
	return d.do(ctx, false, func(ctx context.Context, s *store) error {
		row, err := s.getNodeRow(ctx, id)
		if err != nil {
			return err
		}
		if !row.Deleted {
			return apierrors.ErrInvalidArgs
		}
		return d.purge(s, row)
	})
}

func (d *DAO) purge(s *store, row *nodeRow) error {
	return s.deleteKeys(
		encodeKey(nodePrefix, row.ID),
		nodeUUIDKey(row.StoreID, row.UUID),
		encodeKey(nodeByStorePrefix, row.StoreID, row.ID),
	)
}

// PurgeDeleted removes every deleted node of the store and returns how many
// were removed.
func (d *DAO) PurgeDeleted(ctx context.Context, ref StoreRef) (purged int, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		purged = 0
		srow, err := d.getStoreRow(ctx, s, ref)
		if err != nil {
			return err
		}
		nodeIDs, err := s.listIDs(ctx, encodeKey(nodeByStorePrefix, srow.ID), 0)
		if err != nil {
			return err
		}
		for _, id := range nodeIDs {
			row, err := s.getNodeRow(ctx, id)
			if err != nil {
				return err
			}
			if !row.Deleted {
				continue
			}
			if err = d.purge(s, row); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return
}

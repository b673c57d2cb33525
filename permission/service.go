// Package permission attaches ACLs to nodes and keeps them in step with
// the node tree.
package permission

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/contentrepo/acl"
	"github.com/cubefs/contentrepo/common/auth"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/txn"
)

type Service struct {
	helper *txn.Helper
	nodes  *node.DAO
	acls   *acl.DAO
}

func NewService(helper *txn.Helper, nodes *node.DAO) *Service {
	return &Service{helper: helper, nodes: nodes, acls: nodes.ACLs()}
}

func (s *Service) do(ctx context.Context, readOnly bool, fn txn.Callback) error {
	return s.helper.DoInTransaction(ctx, fn, readOnly, false)
}

// DefaultProperties describe the ACL a node gets when it first needs one
// of its own.
func DefaultProperties() *acl.Properties {
	return &acl.Properties{Type: acl.ACLTypeDefining, Inherits: acl.BoolPtr(true), Versioned: acl.BoolPtr(false)}
}

// CreateNodeACL makes sure the node holds a DEFINING ACL and returns it.
// A node without one gets a fresh list, a node sharing an inherited list
// gets a DEFINING copy that keeps inheriting from it.
func (s *Service) CreateNodeACL(ctx context.Context, nodeID uint64, inherit bool) (aclID uint64, err error) {
	err = s.do(ctx, false, func(ctx context.Context) error {
		aclID, err = s.createNodeACL(ctx, nodeID, inherit)
		return err
	})
	return
}

func (s *Service) createNodeACL(ctx context.Context, nodeID uint64, inherit bool) (uint64, error) {
	span := trace.SpanFromContextSafe(ctx)
	existing, err := s.nodes.GetNodeACL(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	if existing == 0 {
		props := DefaultProperties()
		props.Inherits = acl.BoolPtr(inherit)
		id, err := s.acls.CreateACL(ctx, props)
		if err != nil {
			return 0, err
		}
		if err = s.nodes.SetNodeACL(ctx, nodeID, id); err != nil {
			return 0, err
		}
		inherited, err := s.acls.GetInheritedAccessControlList(ctx, id)
		if err != nil {
			return 0, err
		}
		if _, err = s.setInheritanceForChildren(ctx, nodeID, inherited); err != nil {
			return 0, err
		}
		span.Debugf("node %d takes new acl %d", nodeID, id)
		return id, nil
	}

	props, err := s.acls.GetAccessControlListProperties(ctx, existing)
	if err != nil {
		return 0, err
	}
	switch props.Type {
	case acl.ACLTypeOld:
		return 0, apierrors.ErrInvalidAclType
	case acl.ACLTypeDefining:
		return existing, nil
	case acl.ACLTypeLayered:
		return 0, apierrors.ErrUnsupportedAclType
	}

	newProps := DefaultProperties()
	newProps.Inherits = acl.BoolPtr(props.Inherits)
	id, err := s.acls.CreateACL(ctx, newProps)
	if err != nil {
		return 0, err
	}
	if _, err = s.acls.MergeInheritedAccessControlList(ctx, existing, id); err != nil {
		return 0, err
	}
	if err = s.nodes.SetNodeACL(ctx, nodeID, id); err != nil {
		return 0, err
	}
	inherited, err := s.acls.GetInheritedAccessControlList(ctx, id)
	if err != nil {
		return 0, err
	}
	if _, err = s.setInheritanceForChildren(ctx, nodeID, inherited); err != nil {
		return 0, err
	}
	span.Debugf("node %d %s acl %d replaced by %d", nodeID, props.Type, existing, id)
	return id, nil
}

// SetInheritanceForChildren hands inherited down the primary children.
// Children without an ACL or sharing one take it and pass it on, children
// with their own inheriting ACL merge it.
func (s *Service) SetInheritanceForChildren(ctx context.Context, nodeID, inherited uint64) (changes []acl.AclChange, err error) {
	err = s.do(ctx, false, func(ctx context.Context) error {
		changes, err = s.setInheritanceForChildren(ctx, nodeID, inherited)
		return err
	})
	return
}

func (s *Service) setInheritanceForChildren(ctx context.Context, nodeID, inherited uint64) ([]acl.AclChange, error) {
	var changes []acl.AclChange
	err := s.setFixedAcls(ctx, nodeID, inherited, false, &changes)
	return changes, err
}

func (s *Service) setFixedAcls(ctx context.Context, nodeID, inherited uint64, set bool, changes *[]acl.AclChange) error {
	if set {
		if err := s.nodes.SetNodeACL(ctx, nodeID, inherited); err != nil {
			return err
		}
	}
	children, err := s.nodes.GetChildAssocs(ctx, nodeID, &node.ChildAssocFilter{PrimaryOnly: true})
	if err != nil {
		return err
	}
	for _, child := range children {
		aclID, err := s.nodes.GetNodeACL(ctx, child.ChildID)
		if err == apierrors.ErrNodeNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if aclID == 0 {
			if err = s.setFixedAcls(ctx, child.ChildID, inherited, true, changes); err != nil {
				return err
			}
			continue
		}
		props, err := s.acls.GetAccessControlListProperties(ctx, aclID)
		if err != nil {
			return err
		}
		switch props.Type {
		case acl.ACLTypeLayered:
			return apierrors.ErrUnsupportedAclType
		case acl.ACLTypeDefining:
			if !props.Inherits {
				continue
			}
			merged, err := s.acls.MergeInheritedAccessControlList(ctx, inherited, aclID)
			if err != nil {
				return err
			}
			*changes = append(*changes, merged...)
		case acl.ACLTypeShared:
			if err = s.setFixedAcls(ctx, child.ChildID, inherited, true, changes); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateChangedAcls repoints the node and its primary descendants at the
// versions written by changes.
func (s *Service) UpdateChangedAcls(ctx context.Context, nodeID uint64, changes []acl.AclChange) error {
	moved := make(map[uint64]uint64)
	for _, c := range changes {
		if c.Before != 0 && c.Before != c.After {
			moved[c.Before] = c.After
		}
	}
	if len(moved) == 0 {
		return nil
	}
	return s.do(ctx, false, func(ctx context.Context) error {
		return s.updateChangedAcls(ctx, nodeID, moved)
	})
}

func (s *Service) updateChangedAcls(ctx context.Context, nodeID uint64, moved map[uint64]uint64) error {
	aclID, err := s.nodes.GetNodeACL(ctx, nodeID)
	if err != nil {
		return err
	}
	if after, ok := moved[aclID]; ok {
		if err = s.nodes.SetNodeACL(ctx, nodeID, after); err != nil {
			return err
		}
	}
	children, err := s.nodes.GetChildAssocs(ctx, nodeID, &node.ChildAssocFilter{PrimaryOnly: true})
	if err != nil {
		return err
	}
	for _, child := range children {
		if err = s.updateChangedAcls(ctx, child.ChildID, moved); err != nil {
			return err
		}
	}
	return nil
}

func localEntry(authority string, perm acl.PermissionReference, allow bool) *acl.Entry {
	status := acl.Denied
	if allow {
		status = acl.Allowed
	}
	return &acl.Entry{Authority: authority, Permission: perm, AccessStatus: status, AceType: acl.AceTypeAll}
}

// SetPermission grants or denies perm to authority directly on the node.
func (s *Service) SetPermission(ctx context.Context, nodeID uint64, authority string, perm acl.PermissionReference, allow bool) error {
	return s.do(ctx, false, func(ctx context.Context) error {
		aclID, err := s.createNodeACL(ctx, nodeID, true)
		if err != nil {
			return err
		}
		changes, err := s.acls.SetAccessControlEntry(ctx, aclID, localEntry(authority, perm, allow))
		if err != nil {
			return err
		}
		return s.UpdateChangedAcls(ctx, nodeID, changes)
	})
}

// deleteLocal removes the node's local entries matching pattern. Nodes
// sharing an inherited list have none.
func (s *Service) deleteLocal(ctx context.Context, nodeID uint64, pattern *acl.Pattern) error {
	return s.do(ctx, false, func(ctx context.Context) error {
		aclID, err := s.nodes.GetNodeACL(ctx, nodeID)
		if err != nil || aclID == 0 {
			return err
		}
		props, err := s.acls.GetAccessControlListProperties(ctx, aclID)
		if err != nil {
			return err
		}
		if props.Type != acl.ACLTypeDefining {
			return nil
		}
		pattern.Position = acl.IntPtr(0)
		changes, err := s.acls.DeleteAccessControlEntries(ctx, aclID, pattern)
		if err != nil {
			return err
		}
		return s.UpdateChangedAcls(ctx, nodeID, changes)
	})
}

func (s *Service) DeletePermission(ctx context.Context, nodeID uint64, authority string, perm acl.PermissionReference) error {
	return s.deleteLocal(ctx, nodeID, &acl.Pattern{Authority: authority, Permission: &perm})
}

func (s *Service) DeletePermissionsForAuthority(ctx context.Context, nodeID uint64, authority string) error {
	if authority == "" {
		return apierrors.ErrInvalidArgs
	}
	return s.deleteLocal(ctx, nodeID, &acl.Pattern{Authority: authority})
}

// DeletePermissions drops the node's own ACL. An inheriting node goes back
// to the list it inherited from, otherwise it gets an empty list that does
// not inherit.
func (s *Service) DeletePermissions(ctx context.Context, nodeID uint64) error {
	return s.do(ctx, false, func(ctx context.Context) error {
		aclID, err := s.nodes.GetNodeACL(ctx, nodeID)
		if err != nil || aclID == 0 {
			return err
		}
		props, err := s.acls.GetAccessControlListProperties(ctx, aclID)
		if err != nil {
			return err
		}
		switch props.Type {
		case acl.ACLTypeShared:
			return nil
		case acl.ACLTypeDefining:
		default:
			return apierrors.ErrInvalidAclType
		}

		if props.InheritsFrom != 0 {
			if err = s.nodes.SetNodeACL(ctx, nodeID, props.InheritsFrom); err != nil {
				return err
			}
			if _, err = s.setInheritanceForChildren(ctx, nodeID, props.InheritsFrom); err != nil {
				return err
			}
		} else {
			newProps := DefaultProperties()
			newProps.Inherits = acl.BoolPtr(false)
			id, err := s.acls.CreateACL(ctx, newProps)
			if err != nil {
				return err
			}
			if err = s.nodes.SetNodeACL(ctx, nodeID, id); err != nil {
				return err
			}
			inherited, err := s.acls.GetInheritedAccessControlList(ctx, id)
			if err != nil {
				return err
			}
			if _, err = s.setInheritanceForChildren(ctx, nodeID, inherited); err != nil {
				return err
			}
		}
		changes, err := s.acls.DeleteAccessControlList(ctx, aclID)
		if err != nil {
			return err
		}
		return s.UpdateChangedAcls(ctx, nodeID, changes)
	})
}

// SetInheritParentPermissions switches inheritance from the primary parent
// on or off for the node.
func (s *Service) SetInheritParentPermissions(ctx context.Context, nodeID uint64, inherit bool) error {
	return s.do(ctx, false, func(ctx context.Context) error {
		aclID, err := s.nodes.GetNodeACL(ctx, nodeID)
		if err != nil {
			return err
		}
		if aclID != 0 {
			props, err := s.acls.GetAccessControlListProperties(ctx, aclID)
			if err != nil {
				return err
			}
			if props.Type == acl.ACLTypeShared {
				aclID = 0
			}
		}
		if aclID == 0 {
			if inherit {
				return nil
			}
			if aclID, err = s.createNodeACL(ctx, nodeID, true); err != nil {
				return err
			}
		}

		var changes []acl.AclChange
		if inherit {
			var parentACL uint64
			parent, err := s.nodes.GetPrimaryParent(ctx, nodeID)
			if err != nil {
				return err
			}
			if parent != nil {
				if parentACL, err = s.nodes.GetNodeACL(ctx, parent.ParentID); err != nil {
					return err
				}
			}
			changes, err = s.acls.EnableInheritance(ctx, aclID, parentACL)
			if err != nil {
				return err
			}
		} else if changes, err = s.acls.DisableInheritance(ctx, aclID, false); err != nil {
			return err
		}
		return s.UpdateChangedAcls(ctx, nodeID, changes)
	})
}

func (s *Service) GetInheritParentPermissions(ctx context.Context, nodeID uint64) (inherits bool, err error) {
	err = s.do(ctx, true, func(ctx context.Context) error {
		aclID, err := s.nodes.GetNodeACL(ctx, nodeID)
		if err != nil {
			return err
		}
		if aclID == 0 {
			inherits = true
			return nil
		}
		props, err := s.acls.GetAccessControlListProperties(ctx, aclID)
		if err != nil {
			return err
		}
		inherits = props.Inherits
		return nil
	})
	return
}

// GetAllSetPermissions returns the entries in force on the node, local
// ones at position 0.
func (s *Service) GetAllSetPermissions(ctx context.Context, nodeID uint64) (entries []acl.Entry, err error) {
	err = s.do(ctx, true, func(ctx context.Context) error {
		aclID, err := s.nodes.GetNodeACL(ctx, nodeID)
		if err != nil || aclID == 0 {
			return err
		}
		list, err := s.acls.GetAccessControlList(ctx, aclID)
		if err != nil {
			return err
		}
		entries = list.Entries
		return nil
	})
	return
}

// HasPermission evaluates perm for authority. The nearest position holding
// an entry for the authority, or for everyone, decides and a denial beats
// an allowance at the same position. The system user is always allowed.
func (s *Service) HasPermission(ctx context.Context, nodeID uint64, authority string, perm acl.PermissionReference) (bool, error) {
	if authority == auth.SystemUser {
		return true, nil
	}
	entries, err := s.GetAllSetPermissions(ctx, nodeID)
	if err != nil {
		return false, err
	}
	decided, allowed := false, false
	position := -1
	for _, e := range entries {
		if decided && e.Position != position {
			break
		}
		if e.Authority != authority && e.Authority != auth.AllAuthorities {
			continue
		}
		if e.Permission != perm {
			continue
		}
		if !decided {
			decided, position, allowed = true, e.Position, true
		}
		if e.AccessStatus == acl.Denied {
			allowed = false
		}
	}
	return decided && allowed, nil
}

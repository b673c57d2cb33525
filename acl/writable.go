package acl

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/contentrepo/metrics"
)

type inheritedMember struct {
	aceID    uint64
	position int
}

type writeRequest struct {
	exclude      *Pattern
	toAdd        []uint64
	inheritsFrom uint64
	inherited    []inheritedMember
	mode         writeMode
}

// getWritable returns a writable version of the ACL and, when cascade is
// set, of every ACL that inherits from it. Changes are appended in visiting
// order, the ACL itself first.
func (d *DAO) getWritable(ctx context.Context, s *store, id, parent uint64, exclude *Pattern, toAdd []uint64,
	inheritsFrom uint64, cascade bool, mode writeMode) ([]AclChange, error) {
	req := &writeRequest{exclude: exclude, toAdd: toAdd, inheritsFrom: inheritsFrom, mode: mode}
	if parent != 0 && (mode == modeAddInherited || mode == modeInsertInherited || mode == modeChangeInherited) {
		members, err := s.members(ctx, parent)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			req.inherited = append(req.inherited, inheritedMember{aceID: m.AceID, position: m.Position})
		}
	}
	var changes []AclChange
	err := d.getWritableTree(ctx, s, id, parent, req, cascade, 0, false, &changes)
	return changes, err
}

func (d *DAO) getWritableTree(ctx context.Context, s *store, id, parent uint64, req *writeRequest,
	cascade bool, depth int, requiresVersion bool, changes *[]AclChange) error {
	current, err := d.getWritableOne(ctx, s, id, parent, req, depth, requiresVersion)
	if err != nil {
		return err
	}
	*changes = append(*changes, current)
	if !cascade {
		return nil
	}

	cascadeVersion := requiresVersion || current.Before != current.After
	inheritors, err := s.inheritors(ctx, id)
	if err != nil {
		return err
	}
	for _, next := range inheritors {
		if next == id {
			continue
		}
		child := *req
		child.inheritsFrom = current.After
		if err = d.getWritableTree(ctx, s, next, current.After, &child, cascade, depth+1, cascadeVersion, changes); err != nil {
			return err
		}
	}
	return nil
}

// getWritableOne mutates the ACL in place while it is unversioned or was
// already copied in this change set, otherwise it writes a new version and
// retires the current one.
func (d *DAO) getWritableOne(ctx context.Context, s *store, id, parent uint64, req *writeRequest,
	depth int, requiresVersion bool) (AclChange, error) {
	span := trace.SpanFromContextSafe(ctx)
	acl, err := s.getAcl(ctx, id)
	if err != nil {
		return AclChange{}, err
	}
	if !acl.Latest {
		return AclChange{Before: id, After: id, TypeBefore: acl.Type, TypeAfter: acl.Type}, nil
	}

	changeSet, err := d.currentChangeSet(ctx, s)
	if err != nil {
		return AclChange{}, err
	}
	if !acl.Versioned || (acl.ChangeSet == changeSet && !requiresVersion && !acl.RequiresVersion) {
		if err = d.applyMode(ctx, s, acl.ID, req, depth); err != nil {
			return AclChange{}, err
		}
		if req.inheritsFrom != 0 && acl.InheritsFrom != req.inheritsFrom {
			prev := *acl
			acl.InheritsFrom = req.inheritsFrom
			if err = s.putAcl(&prev, acl); err != nil {
				return AclChange{}, err
			}
		}
		metrics.AclChanges.WithLabelValues("in_place").Inc()
		return AclChange{Before: id, After: id, TypeBefore: acl.Type, TypeAfter: acl.Type}, nil
	}

	newID, err := d.ids.Next(ctx, aclScope)
	if err != nil {
		return AclChange{}, err
	}
	copied := *acl
	copied.ID = newID
	copied.Version = acl.Version + 1
	copied.InheritedAclID = 0
	copied.Latest = true
	copied.Versioned = true
	copied.RequiresVersion = false
	copied.ChangeSet = changeSet
	if req.inheritsFrom != 0 {
		copied.InheritsFrom = req.inheritsFrom
	}
	if err = s.putAcl(nil, &copied); err != nil {
		return AclChange{}, err
	}

	members, err := s.members(ctx, id)
	if err != nil {
		return AclChange{}, err
	}
	for _, m := range members {
		if err = d.addMember(ctx, s, newID, m.AceID, m.Position); err != nil {
			return AclChange{}, err
		}
	}
	if err = d.applyMode(ctx, s, newID, req, depth); err != nil {
		return AclChange{}, err
	}

	if copied.Type == ACLTypeShared && parent != 0 {
		parentChange, err := d.getWritableOne(ctx, s, parent, 0, &writeRequest{mode: modeCopyOnly}, 0, false)
		if err != nil {
			return AclChange{}, err
		}
		writableParent, err := s.getAcl(ctx, parentChange.After)
		if err != nil {
			return AclChange{}, err
		}
		writableParent.InheritedAclID = newID
		if err = s.putAcl(nil, writableParent); err != nil {
			return AclChange{}, err
		}
	}

	prev := *acl
	acl.Latest = false
	acl.RequiresVersion = false
	if err = s.putAcl(&prev, acl); err != nil {
		return AclChange{}, err
	}
	metrics.AclChanges.WithLabelValues("versioned").Inc()
	span.Debugf("acl %d copied to version %d as %d", id, copied.Version, newID)
	return AclChange{Before: id, After: newID, TypeBefore: acl.Type, TypeAfter: copied.Type}, nil
}

func (d *DAO) applyMode(ctx context.Context, s *store, id uint64, req *writeRequest, depth int) error {
	switch req.mode {
	case modeCopyUpdateAndInherit:
		if err := d.removeMatching(ctx, s, id, req.exclude, depth); err != nil {
			return err
		}
		for _, aceID := range req.toAdd {
			if err := d.addMember(ctx, s, id, aceID, depth); err != nil {
				return err
			}
		}
	case modeChangeInherited:
		if err := d.truncate(ctx, s, id, depth); err != nil {
			return err
		}
		return d.addInherited(ctx, s, id, req.inherited, depth)
	case modeTruncateInherited:
		return d.truncate(ctx, s, id, depth)
	case modeAddInherited:
		return d.addInherited(ctx, s, id, req.inherited, depth)
	case modeInsertInherited:
		if err := d.shift(ctx, s, id, func(pos int) bool { return pos > depth }, 1); err != nil {
			return err
		}
		return d.addInherited(ctx, s, id, req.inherited, depth)
	case modeRemoveInherited:
		members, err := s.members(ctx, id)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.Position == depth+1 {
				if err = s.deleteMember(m); err != nil {
					return err
				}
			}
		}
		return d.shift(ctx, s, id, func(pos int) bool { return pos > depth+1 }, -1)
	case modeCopyOnly:
	}
	return nil
}

func (d *DAO) addMember(ctx context.Context, s *store, aclID, aceID uint64, position int) error {
	memberID, err := d.ids.Next(ctx, memberScope)
	if err != nil {
		return err
	}
	return s.putMember(&memberRow{ID: memberID, AclID: aclID, AceID: aceID, Position: position})
}

func (d *DAO) addInherited(ctx context.Context, s *store, id uint64, inherited []inheritedMember, depth int) error {
	for _, m := range inherited {
		if err := d.addMember(ctx, s, id, m.aceID, m.position+depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (d *DAO) truncate(ctx context.Context, s *store, id uint64, depth int) error {
	members, err := s.members(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.Position > depth {
			if err = s.deleteMember(m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *DAO) shift(ctx context.Context, s *store, id uint64, selected func(pos int) bool, delta int) error {
	members, err := s.members(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range members {
		if selected(m.Position) {
			m.Position += delta
			if err = s.putMember(m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *DAO) removeMatching(ctx context.Context, s *store, id uint64, exclude *Pattern, depth int) error {
	if exclude == nil {
		return nil
	}
	members, err := s.members(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range members {
		entry, err := d.entry(ctx, s, m.AceID, m.Position)
		if err != nil {
			return err
		}
		if exclude.Matches(entry, depth, m.Position) {
			if err = s.deleteMember(m); err != nil {
				return err
			}
		}
	}
	return nil
}

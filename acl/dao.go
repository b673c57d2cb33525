package acl

import (
	"context"
	"hash/crc32"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/cubefs/contentrepo/common/kvstore"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/idgenerator"
	"github.com/cubefs/contentrepo/qname"
	"github.com/cubefs/contentrepo/txn"
)

type changeSetKey struct{}

// DAO keeps versioned access control lists. Every call joins the
// transaction bound to ctx or runs in a new one.
type DAO struct {
	helper *txn.Helper
	ids    idgenerator.IDGenerator
	qnames *qname.DAO
}

func NewDAO(helper *txn.Helper, ids idgenerator.IDGenerator, qnames *qname.DAO) *DAO {
	return &DAO{helper: helper, ids: ids, qnames: qnames}
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

// currentChangeSet returns the change set of the transaction, allocating
// one on first use.
func (d *DAO) currentChangeSet(ctx context.Context, s *store) (uint64, error) {
	if v := s.t.GetResource(changeSetKey{}); v != nil {
		return v.(uint64), nil
	}
	id, err := d.ids.Next(ctx, changeSetScope)
	if err != nil {
		return 0, err
	}
	s.t.BindResource(changeSetKey{}, id)
	return id, nil
}

func (d *DAO) CreateACL(ctx context.Context, props *Properties) (id uint64, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		id, err = d.createACL(ctx, s, props)
		return err
	})
	return
}

func (d *DAO) createACL(ctx context.Context, s *store, props *Properties) (uint64, error) {
	if props == nil || props.Type == 0 {
		return 0, apierrors.ErrInvalidAclType
	}
	if props.Type == ACLTypeOld && props.Versioned != nil && *props.Versioned {
		return 0, apierrors.ErrOldAclVersioned
	}
	if props.Type == ACLTypeShared {
		return 0, apierrors.ErrSharedAclCreate
	}
	if (props.Type == ACLTypeFixed || props.Type == ACLTypeGlobal) && props.Inherits != nil && *props.Inherits {
		return 0, apierrors.ErrInvalidAclType
	}
	return d.insertACL(ctx, s, props)
}

func (d *DAO) insertACL(ctx context.Context, s *store, props *Properties) (uint64, error) {
	changeSet, err := d.currentChangeSet(ctx, s)
	if err != nil {
		return 0, err
	}
	id, err := d.ids.Next(ctx, aclScope)
	if err != nil {
		return 0, err
	}
	row := &aclRow{
		ID:        id,
		AclID:     props.AclID,
		Version:   1,
		Type:      props.Type,
		Latest:    true,
		Inherits:  props.Type != ACLTypeFixed && props.Type != ACLTypeGlobal,
		Versioned: props.Type != ACLTypeOld,
		ChangeSet: changeSet,
	}
	if row.AclID == "" {
		row.AclID = uuid.NewString()
	}
	if props.Inherits != nil {
		row.Inherits = *props.Inherits
	}
	if props.Versioned != nil {
		row.Versioned = *props.Versioned
	}
	if err = s.putAcl(nil, row); err != nil {
		return 0, err
	}
	trace.SpanFromContextSafe(ctx).Debugf("create %s acl %d", row.Type, id)
	return id, nil
}

func (d *DAO) GetAccessControlListProperties(ctx context.Context, id uint64) (props *ListProperties, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		row, err := s.getAcl(ctx, id)
		if err != nil {
			return err
		}
		p := row.properties()
		props = &p
		return nil
	})
	return
}

func (d *DAO) GetAccessControlList(ctx context.Context, id uint64) (acl *AccessControlList, err error) {
	err = d.do(ctx, true, func(ctx context.Context, s *store) error {
		row, err := s.getAcl(ctx, id)
		if err != nil {
			return err
		}
		entries, err := d.entries(ctx, s, id)
		if err != nil {
			return err
		}
		acl = &AccessControlList{Properties: row.properties(), Entries: entries}
		return nil
	})
	return
}

func (d *DAO) entries(ctx context.Context, s *store, id uint64) ([]Entry, error) {
	members, err := s.members(ctx, id)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		e, err := d.entry(ctx, s, m.AceID, m.Position)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	SortEntries(entries)
	return entries, nil
}

func (d *DAO) entry(ctx context.Context, s *store, aceID uint64, position int) (*Entry, error) {
	ace, err := s.getAce(ctx, aceID)
	if err != nil {
		return nil, err
	}
	auth, err := s.getAuthority(ctx, ace.AuthorityID)
	if err != nil {
		return nil, err
	}
	perm, err := s.getPermission(ctx, ace.PermissionID)
	if err != nil {
		return nil, err
	}
	q, err := d.qnames.GetQName(ctx, perm.QNameID)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Authority:    auth.Authority,
		Permission:   PermissionReference{QName: q, Name: perm.Name},
		AccessStatus: ace.AccessStatus,
		AceType:      ace.AceType,
		Position:     position,
	}, nil
}

func (d *DAO) SetAccessControlEntry(ctx context.Context, id uint64, entry *Entry) (changes []AclChange, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		changes, err = d.setAccessControlEntry(ctx, s, id, entry)
		return err
	})
	return
}

func (d *DAO) setAccessControlEntry(ctx context.Context, s *store, id uint64, entry *Entry) ([]AclChange, error) {
	target, err := s.getAcl(ctx, id)
	if err != nil {
		return nil, err
	}
	if target.Type == ACLTypeShared {
		return nil, apierrors.ErrAclImmutable
	}
	if entry.Position != 0 {
		return nil, apierrors.ErrInvalidAcePosition
	}
	if entry.Authority == "" || entry.Permission.QName.IsZero() || entry.Permission.Name == "" {
		return nil, apierrors.ErrInvalidArgs
	}
	authID, err := d.getOrCreateAuthority(ctx, s, entry.Authority)
	if err != nil {
		return nil, err
	}
	permID, err := d.getOrCreatePermission(ctx, s, entry.Permission)
	if err != nil {
		return nil, err
	}
	aceID, err := d.getOrCreateAce(ctx, s, permID, authID, entry.AccessStatus, entry.AceType)
	if err != nil {
		return nil, err
	}

	aceType := entry.AceType
	perm := entry.Permission
	exclude := &Pattern{AceType: &aceType, Authority: entry.Authority, Permission: &perm, Position: IntPtr(0)}
	return d.getWritable(ctx, s, id, 0, exclude, []uint64{aceID}, 0, true, modeCopyUpdateAndInherit)
}

func (d *DAO) getOrCreateAuthority(ctx context.Context, s *store, authority string) (uint64, error) {
	key := authorityUniqueKey(authority)
	id, err := s.lookupID(ctx, key)
	if err != kvstore.ErrNotFound {
		return id, err
	}
	if id, err = d.ids.Next(ctx, authorityScope); err != nil {
		return 0, err
	}
	if err = s.t.Insert(ctx, CF, key, encodeID(id)); err != nil {
		return 0, err
	}
	row := &authorityRow{ID: id, Authority: authority, CRC: crc32.ChecksumIEEE([]byte(authority))}
	return id, s.putJSON(encodeKey(authorityPrefix, id), row)
}

func (d *DAO) getOrCreatePermission(ctx context.Context, s *store, ref PermissionReference) (uint64, error) {
	entity, err := d.qnames.GetOrCreateQName(ctx, ref.QName)
	if err != nil {
		return 0, err
	}
	key := permissionUniqueKey(entity.ID, ref.Name)
	id, err := s.lookupID(ctx, key)
	if err != kvstore.ErrNotFound {
		return id, err
	}
	if id, err = d.ids.Next(ctx, permScope); err != nil {
		return 0, err
	}
	if err = s.t.Insert(ctx, CF, key, encodeID(id)); err != nil {
		return 0, err
	}
	return id, s.putJSON(encodeKey(permPrefix, id), &permissionRow{ID: id, QNameID: entity.ID, Name: ref.Name})
}

func (d *DAO) getOrCreateAce(ctx context.Context, s *store, permID, authID uint64, status AccessStatus, aceType AceType) (uint64, error) {
	key := aceUniqueKey(permID, authID, status, aceType)
	id, err := s.lookupID(ctx, key)
	if err != kvstore.ErrNotFound {
		return id, err
	}
	if id, err = d.ids.Next(ctx, aceScope); err != nil {
		return 0, err
	}
	if err = s.t.Insert(ctx, CF, key, encodeID(id)); err != nil {
		return 0, err
	}
	if err = s.t.Put(CF, encodeKey(aceByAuthPrefix, authID, id), nil); err != nil {
		return 0, err
	}
	row := &aceRow{ID: id, PermissionID: permID, AuthorityID: authID, AccessStatus: status, AceType: aceType}
	return id, s.putJSON(encodeKey(acePrefix, id), row)
}

func (d *DAO) DeleteAccessControlEntries(ctx context.Context, id uint64, pattern *Pattern) (changes []AclChange, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		changes, err = d.getWritable(ctx, s, id, 0, pattern, nil, 0, true, modeCopyUpdateAndInherit)
		return err
	})
	return
}

func (d *DAO) DeleteLocalAccessControlEntries(ctx context.Context, id uint64) ([]AclChange, error) {
	return d.DeleteAccessControlEntries(ctx, id, &Pattern{Position: IntPtr(0)})
}

func (d *DAO) DeleteInheritedAccessControlEntries(ctx context.Context, id uint64) ([]AclChange, error) {
	return d.DeleteAccessControlEntries(ctx, id, &Pattern{Position: IntPtr(-1)})
}

// DeleteAccessControlEntriesForAuthority drops every entry of the authority
// from every ACL, in place, and forgets the authority.
func (d *DAO) DeleteAccessControlEntriesForAuthority(ctx context.Context, authority string) (changes []AclChange, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		changes = changes[:0]
		key := authorityUniqueKey(authority)
		authID, err := s.lookupID(ctx, key)
		if err == kvstore.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		acesPrefix := encodeKey(aceByAuthPrefix, authID)
		aces, err := s.t.List(ctx, CF, acesPrefix)
		if err != nil {
			return err
		}
		touched := make(map[uint64]bool)
		for _, kv := range aces {
			aceID := decodeKeyID(kv.Key, acesPrefix, 0)
			membersPrefix := encodeKey(memberByAcePrefix, aceID)
			refs, err := s.t.List(ctx, CF, membersPrefix)
			if err != nil {
				return err
			}
			for _, ref := range refs {
				aclID := decodeKeyID(ref.Key, membersPrefix, 0)
				memberID := decodeKeyID(ref.Key, membersPrefix, 1)
				if err = s.deleteMember(&memberRow{ID: memberID, AclID: aclID, AceID: aceID}); err != nil {
					return err
				}
				if !touched[aclID] {
					touched[aclID] = true
					row, err := s.getAcl(ctx, aclID)
					if err != nil {
						return err
					}
					changes = append(changes, AclChange{Before: aclID, After: aclID, TypeBefore: row.Type, TypeAfter: row.Type})
				}
			}
			ace, err := s.getAce(ctx, aceID)
			if err != nil {
				return err
			}
			for _, k := range [][]byte{
				aceUniqueKey(ace.PermissionID, ace.AuthorityID, ace.AccessStatus, ace.AceType),
				encodeKey(acePrefix, aceID),
				kv.Key,
			} {
				if err = s.t.Delete(CF, k); err != nil {
					return err
				}
			}
		}
		if err = s.t.Delete(CF, key); err != nil {
			return err
		}
		return s.t.Delete(CF, encodeKey(authorityPrefix, authID))
	})
	return
}

func (d *DAO) GetInheritedAccessControlList(ctx context.Context, id uint64) (inherited uint64, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		inherited, err = d.getInheritedAccessControlList(ctx, s, id)
		return err
	})
	return
}

// getInheritedAccessControlList returns the ACL children should inherit.
// DEFINING and LAYERED lists hand out a shared copy, created on demand,
// other types hand out themselves and OLD lists nothing.
func (d *DAO) getInheritedAccessControlList(ctx context.Context, s *store, id uint64) (uint64, error) {
	acl, err := s.getAcl(ctx, id)
	if err != nil {
		return 0, err
	}
	if acl.Type == ACLTypeOld {
		return 0, nil
	}
	if acl.InheritedAclID != 0 {
		return acl.InheritedAclID, nil
	}
	if acl.Type != ACLTypeDefining && acl.Type != ACLTypeLayered {
		acl.InheritedAclID = acl.ID
		return acl.ID, s.putAcl(nil, acl)
	}

	sharedID, err := d.insertACL(ctx, s, &Properties{
		Type:      ACLTypeShared,
		Inherits:  BoolPtr(true),
		Versioned: BoolPtr(acl.Versioned),
	})
	if err != nil {
		return 0, err
	}
	if _, err = d.getWritable(ctx, s, sharedID, id, nil, nil, id, true, modeAddInherited); err != nil {
		return 0, err
	}
	if acl, err = s.getAcl(ctx, id); err != nil {
		return 0, err
	}
	acl.InheritedAclID = sharedID
	return sharedID, s.putAcl(nil, acl)
}

func (d *DAO) MergeInheritedAccessControlList(ctx context.Context, inherited, target uint64) (changes []AclChange, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		changes, err = d.mergeInherited(ctx, s, inherited, target)
		return err
	})
	return
}

// mergeInherited replaces the inherited entries of target with those of
// inherited, or with those of target's current parent when inherited is 0.
func (d *DAO) mergeInherited(ctx context.Context, s *store, inherited, target uint64) ([]AclChange, error) {
	targetAcl, err := s.getAcl(ctx, target)
	if err != nil {
		return nil, err
	}
	var inheritedAcl *aclRow
	switch {
	case inherited != 0:
		if inheritedAcl, err = s.getAcl(ctx, inherited); err != nil {
			return nil, err
		}
	case targetAcl.InheritsFrom != 0:
		if inheritedAcl, err = s.getAcl(ctx, targetAcl.InheritsFrom); err != nil {
			return nil, err
		}
		if !inheritedAcl.Latest {
			if inheritedAcl, err = s.latestByGUID(ctx, inheritedAcl.AclID); err != nil {
				return nil, err
			}
		}
	default:
		return nil, nil
	}

	visited := make(map[uint64]bool)
	for test := inheritedAcl; test != nil; {
		if test.ID == target || visited[test.ID] {
			return nil, apierrors.ErrCyclicalAcl
		}
		visited[test.ID] = true
		if test.InheritsFrom == 0 {
			break
		}
		next, err := s.getAcl(ctx, test.InheritsFrom)
		if err == apierrors.ErrAclNotFound {
			break
		}
		if err != nil {
			return nil, err
		}
		test = next
	}

	if targetAcl.Type != ACLTypeDefining && targetAcl.Type != ACLTypeLayered {
		return nil, apierrors.ErrInvalidAclType
	}
	if !targetAcl.Inherits {
		return nil, nil
	}
	actual := inheritedAcl.ID
	if inheritedAcl.Type == ACLTypeDefining || inheritedAcl.Type == ACLTypeLayered {
		if actual, err = d.getInheritedAccessControlList(ctx, s, actual); err != nil {
			return nil, err
		}
	}
	return d.getWritable(ctx, s, target, actual, nil, nil, actual, true, modeChangeInherited)
}

func (d *DAO) EnableInheritance(ctx context.Context, id, parent uint64) (changes []AclChange, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		acl, err := s.getAcl(ctx, id)
		if err != nil {
			return err
		}
		switch acl.Type {
		case ACLTypeFixed, ACLTypeGlobal, ACLTypeShared:
			return apierrors.ErrInvalidAclType
		case ACLTypeOld:
			acl.Inherits = true
			changes = []AclChange{{Before: id, After: id, TypeBefore: acl.Type, TypeAfter: acl.Type}}
			return s.putAcl(nil, acl)
		}

		if changes, err = d.getWritable(ctx, s, id, 0, nil, nil, 0, false, modeCopyOnly); err != nil {
			return err
		}
		after := changes[0].After
		writable, err := s.getAcl(ctx, after)
		if err != nil {
			return err
		}
		if !writable.Inherits {
			writable.Inherits = true
			if err = s.putAcl(nil, writable); err != nil {
				return err
			}
		}
		merged, err := d.mergeInherited(ctx, s, parent, after)
		if err != nil {
			return err
		}
		changes = append(changes, merged...)
		return nil
	})
	return
}

func (d *DAO) DisableInheritance(ctx context.Context, id uint64, setInheritedOnAcl bool) (changes []AclChange, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		changes = nil
		acl, err := s.getAcl(ctx, id)
		if err != nil {
			return err
		}
		switch acl.Type {
		case ACLTypeFixed, ACLTypeGlobal:
			changes = []AclChange{{Before: id, After: id, TypeBefore: acl.Type, TypeAfter: acl.Type}}
			return nil
		case ACLTypeShared:
			return apierrors.ErrInvalidAclType
		case ACLTypeOld:
			acl.Inherits = false
			changes = []AclChange{{Before: id, After: id, TypeBefore: acl.Type, TypeAfter: acl.Type}}
			return s.putAcl(nil, acl)
		}
		if !acl.Inherits {
			return nil
		}

		if changes, err = d.getWritable(ctx, s, id, 0, nil, nil, 0, false, modeCopyOnly); err != nil {
			return err
		}
		writable, err := s.getAcl(ctx, changes[0].After)
		if err != nil {
			return err
		}
		inheritsFrom := writable.InheritsFrom
		writable.Inherits = false
		if err = s.putAcl(nil, writable); err != nil {
			return err
		}
		truncated, err := d.getWritable(ctx, s, writable.ID, 0, nil, nil, 0, true, modeTruncateInherited)
		if err != nil {
			return err
		}
		changes = append(changes, truncated...)

		if inheritsFrom == 0 || !setInheritedOnAcl {
			return nil
		}
		entries, err := d.entries(ctx, s, inheritsFrom)
		if err != nil {
			return err
		}
		for i := range entries {
			entries[i].Position = 0
			set, err := d.setAccessControlEntry(ctx, s, writable.ID, &entries[i])
			if err != nil {
				return err
			}
			changes = append(changes, set...)
		}
		return nil
	})
	return
}

// DeleteAccessControlList retires the ACL and removes the entries it passed
// down to its inheritors.
func (d *DAO) DeleteAccessControlList(ctx context.Context, id uint64) (changes []AclChange, err error) {
	err = d.do(ctx, false, func(ctx context.Context, s *store) error {
		changes = nil
		acl, err := s.getAcl(ctx, id)
		if err != nil {
			return err
		}
		if !acl.Latest {
			return apierrors.ErrAclNotLatest
		}
		if acl.Type == ACLTypeShared {
			return apierrors.ErrAclImmutable
		}

		removeFromInheritors := func(from uint64) error {
			inheritors, err := s.inheritors(ctx, from)
			if err != nil {
				return err
			}
			for _, next := range inheritors {
				removed, err := d.getWritable(ctx, s, next, acl.InheritsFrom, nil, nil, acl.InheritsFrom, true, modeRemoveInherited)
				if err != nil {
					return err
				}
				changes = append(changes, removed...)
			}
			return nil
		}

		if (acl.Type == ACLTypeDefining || acl.Type == ACLTypeLayered) && acl.InheritedAclID != 0 && acl.InheritedAclID != acl.ID {
			inheritedID := acl.InheritedAclID
			removed, err := d.getWritable(ctx, s, inheritedID, acl.InheritsFrom, nil, nil, 0, true, modeRemoveInherited)
			if err != nil {
				return err
			}
			changes = append(changes, removed...)
			unusedID := removed[0].After
			if err = removeFromInheritors(unusedID); err != nil {
				return err
			}
			if err = d.dropACL(ctx, s, unusedID); err != nil {
				return err
			}
			if unusedID != inheritedID {
				inherited, err := s.getAcl(ctx, inheritedID)
				if err != nil {
					return err
				}
				if inherited.Versioned {
					inherited.Latest = false
					if err = s.putAcl(nil, inherited); err != nil {
						return err
					}
				} else if err = d.dropACL(ctx, s, inheritedID); err != nil {
					return err
				}
			}
		} else if err = removeFromInheritors(id); err != nil {
			return err
		}

		if acl, err = s.getAcl(ctx, id); err != nil {
			return err
		}
		if acl.Versioned {
			acl.Latest = false
			if err = s.putAcl(nil, acl); err != nil {
				return err
			}
		} else if err = d.dropACL(ctx, s, id); err != nil {
			return err
		}
		changes = append(changes, AclChange{Before: id, TypeBefore: acl.Type})
		return nil
	})
	return
}

func (d *DAO) dropACL(ctx context.Context, s *store, id uint64) error {
	row, err := s.getAcl(ctx, id)
	if err != nil {
		return err
	}
	members, err := s.members(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range members {
		if err = s.deleteMember(m); err != nil {
			return err
		}
	}
	return s.deleteAcl(row)
}

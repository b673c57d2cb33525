package acl

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/common/kvstore"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/txn"
)

var CF = kvstore.CF("acl")

const (
	aclScope       = "acl"
	memberScope    = "acl_member"
	aceScope       = "ace"
	authorityScope = "authority"
	permScope      = "permission"
	changeSetScope = "acl_changeset"
)

var (
	aclPrefix          = []byte("a/")
	aclGUIDPrefix      = []byte("g/")
	inheritorPrefix    = []byte("f/")
	memberPrefix       = []byte("m/")
	memberByAcePrefix  = []byte("x/")
	acePrefix          = []byte("e/")
	aceKeyPrefix       = []byte("ek/")
	aceByAuthPrefix    = []byte("ea/")
	authorityPrefix    = []byte("u/")
	authorityKeyPrefix = []byte("uk/")
	permPrefix         = []byte("p/")
	permKeyPrefix      = []byte("pk/")
)

type (
	aclRow struct {
		ID              uint64  `json:"id"`
		AclID           string  `json:"acl_id"`
		Version         uint64  `json:"version"`
		Type            ACLType `json:"type"`
		Latest          bool    `json:"latest"`
		Versioned       bool    `json:"versioned"`
		Inherits        bool    `json:"inherits"`
		InheritsFrom    uint64  `json:"inherits_from"`
		InheritedAclID  uint64  `json:"inherited_acl_id"`
		ChangeSet       uint64  `json:"change_set"`
		RequiresVersion bool    `json:"requires_version"`
	}
	memberRow struct {
		ID       uint64 `json:"id"`
		AclID    uint64 `json:"acl_id"`
		AceID    uint64 `json:"ace_id"`
		Position int    `json:"position"`
	}
	aceRow struct {
		ID           uint64       `json:"id"`
		PermissionID uint64       `json:"permission_id"`
		AuthorityID  uint64       `json:"authority_id"`
		AccessStatus AccessStatus `json:"access_status"`
		AceType      AceType      `json:"ace_type"`
	}
	authorityRow struct {
		ID        uint64 `json:"id"`
		Authority string `json:"authority"`
		CRC       uint32 `json:"crc"`
	}
	permissionRow struct {
		ID      uint64 `json:"id"`
		QNameID uint64 `json:"qname_id"`
		Name    string `json:"name"`
	}
)

func (r *aclRow) properties() ListProperties {
	return ListProperties{
		ID:             r.ID,
		AclID:          r.AclID,
		Type:           r.Type,
		Version:        r.Version,
		Inherits:       r.Inherits,
		Latest:         r.Latest,
		Versioned:      r.Versioned,
		InheritsFrom:   r.InheritsFrom,
		InheritedAclID: r.InheritedAclID,
	}
}

func encodeKey(prefix []byte, ids ...uint64) []byte {
	key := make([]byte, len(prefix), len(prefix)+8*len(ids))
	copy(key, prefix)
	for _, id := range ids {
		key = appendUint64(key, id)
	}
	return key
}

func appendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func encodeID(id uint64) []byte {
	return appendUint64(nil, id)
}

func decodeID(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}

// decodeKeyID returns the n-th id following the prefix.
func decodeKeyID(key []byte, prefix []byte, n int) uint64 {
	off := len(prefix) + 8*n
	return binary.BigEndian.Uint64(key[off : off+8])
}

func aceUniqueKey(permID, authID uint64, status AccessStatus, aceType AceType) []byte {
	key := encodeKey(aceKeyPrefix, permID, authID)
	return append(key, byte(status), byte(aceType))
}

func authorityUniqueKey(authority string) []byte {
	key := make([]byte, len(authorityKeyPrefix)+4, len(authorityKeyPrefix)+4+len(authority))
	copy(key, authorityKeyPrefix)
	binary.BigEndian.PutUint32(key[len(authorityKeyPrefix):], crc32.ChecksumIEEE([]byte(authority)))
	return append(key, authority...)
}

func permissionUniqueKey(qnameID uint64, name string) []byte {
	return append(encodeKey(permKeyPrefix, qnameID), name...)
}

// store reads and writes rows through the transaction bound to ctx.
type store struct {
	t *txn.Txn
}

func storeFrom(ctx context.Context) (*store, error) {
	t, err := txn.MustFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return &store{t: t}, nil
}

func (s *store) getJSON(ctx context.Context, key []byte, v interface{}) error {
	raw, err := s.t.Get(ctx, CF, key)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return errors.Info(err, "json unmarshal failed")
	}
	return nil
}

func (s *store) putJSON(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.t.Put(CF, key, raw)
}

func (s *store) getAcl(ctx context.Context, id uint64) (*aclRow, error) {
	row := &aclRow{}
	if err := s.getJSON(ctx, encodeKey(aclPrefix, id), row); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrAclNotFound
		}
		return nil, err
	}
	return row, nil
}

// putAcl saves the row and keeps the guid and inheritor indexes in step
// with the previous state.
func (s *store) putAcl(prev, row *aclRow) error {
	guidKey := append(append([]byte(nil), aclGUIDPrefix...), row.AclID...)
	if prev != nil && prev.InheritsFrom != 0 && prev.InheritsFrom != row.InheritsFrom {
		if err := s.t.Delete(CF, encodeKey(inheritorPrefix, prev.InheritsFrom, prev.ID)); err != nil {
			return err
		}
	}
	if row.InheritsFrom != 0 {
		if err := s.t.Put(CF, encodeKey(inheritorPrefix, row.InheritsFrom, row.ID), nil); err != nil {
			return err
		}
	}
	if row.Latest {
		if err := s.t.Put(CF, guidKey, encodeID(row.ID)); err != nil {
			return err
		}
	}
	return s.putJSON(encodeKey(aclPrefix, row.ID), row)
}

func (s *store) deleteAcl(row *aclRow) error {
	if row.InheritsFrom != 0 {
		if err := s.t.Delete(CF, encodeKey(inheritorPrefix, row.InheritsFrom, row.ID)); err != nil {
			return err
		}
	}
	if row.Latest {
		if err := s.t.Delete(CF, append(append([]byte(nil), aclGUIDPrefix...), row.AclID...)); err != nil {
			return err
		}
	}
	return s.t.Delete(CF, encodeKey(aclPrefix, row.ID))
}

func (s *store) latestByGUID(ctx context.Context, guid string) (*aclRow, error) {
	raw, err := s.t.Get(ctx, CF, append(append([]byte(nil), aclGUIDPrefix...), guid...))
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrAclNotFound
		}
		return nil, err
	}
	return s.getAcl(ctx, decodeID(raw))
}

// inheritors lists the latest ACLs that inherit from id.
func (s *store) inheritors(ctx context.Context, id uint64) ([]uint64, error) {
	prefix := encodeKey(inheritorPrefix, id)
	kvs, err := s.t.List(ctx, CF, prefix)
	if err != nil {
		return nil, err
	}
	ret := make([]uint64, 0, len(kvs))
	for _, kv := range kvs {
		aclID := decodeKeyID(kv.Key, prefix, 0)
		row, err := s.getAcl(ctx, aclID)
		if err == apierrors.ErrAclNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if row.Latest && row.Inherits && row.InheritsFrom == id {
			ret = append(ret, aclID)
		}
	}
	return ret, nil
}

func (s *store) members(ctx context.Context, aclID uint64) ([]*memberRow, error) {
	kvs, err := s.t.List(ctx, CF, encodeKey(memberPrefix, aclID))
	if err != nil {
		return nil, err
	}
	ret := make([]*memberRow, 0, len(kvs))
	for _, kv := range kvs {
		m := &memberRow{}
		if err = json.Unmarshal(kv.Value, m); err != nil {
			return nil, errors.Info(err, "json unmarshal member failed")
		}
		ret = append(ret, m)
	}
	return ret, nil
}

func (s *store) putMember(m *memberRow) error {
	if err := s.t.Put(CF, encodeKey(memberByAcePrefix, m.AceID, m.AclID, m.ID), nil); err != nil {
		return err
	}
	return s.putJSON(encodeKey(memberPrefix, m.AclID, m.ID), m)
}

func (s *store) deleteMember(m *memberRow) error {
	if err := s.t.Delete(CF, encodeKey(memberByAcePrefix, m.AceID, m.AclID, m.ID)); err != nil {
		return err
	}
	return s.t.Delete(CF, encodeKey(memberPrefix, m.AclID, m.ID))
}

func (s *store) getAce(ctx context.Context, id uint64) (*aceRow, error) {
	row := &aceRow{}
	return row, s.getJSON(ctx, encodeKey(acePrefix, id), row)
}

func (s *store) getAuthority(ctx context.Context, id uint64) (*authorityRow, error) {
	row := &authorityRow{}
	return row, s.getJSON(ctx, encodeKey(authorityPrefix, id), row)
}

func (s *store) getPermission(ctx context.Context, id uint64) (*permissionRow, error) {
	row := &permissionRow{}
	return row, s.getJSON(ctx, encodeKey(permPrefix, id), row)
}

func (s *store) lookupID(ctx context.Context, key []byte) (uint64, error) {
	raw, err := s.t.Get(ctx, CF, key)
	if err != nil {
		return 0, err
	}
	return decodeID(raw), nil
}

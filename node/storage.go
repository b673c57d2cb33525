package node

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/contentrepo/common/kvstore"
	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/txn"
)

var CF = kvstore.CF("node")

const (
	storeScope     = "store"
	nodeScope      = "node"
	childScope     = "child_assoc"
	nodeAssocScope = "node_assoc"
)

var (
	storePrefix         = []byte("s/i/")
	storeKeyPrefix      = []byte("s/k/")
	nodePrefix          = []byte("n/")
	nodeUUIDPrefix      = []byte("u/")
	nodeByStorePrefix   = []byte("ns/")
	aspectPrefix        = []byte("a/")
	propertyPrefix      = []byte("p/")
	childAssocPrefix    = []byte("c/")
	childByParentPrefix = []byte("cp/")
	parentByChildPrefix = []byte("cc/")
	childNamePrefix     = []byte("cn/")
	nodeAssocPrefix     = []byte("r/")
	assocBySourcePrefix = []byte("rs/")
	assocByTargetPrefix = []byte("rt/")
	nodeAssocKeyPrefix  = []byte("ru/")
)

type (
	storeRow struct {
		ID         uint64 `json:"id"`
		Protocol   string `json:"protocol"`
		Identifier string `json:"identifier"`
		RootNodeID uint64 `json:"root_node_id"`
	}
	nodeRow struct {
		ID          uint64 `json:"id"`
		StoreID     uint64 `json:"store_id"`
		UUID        string `json:"uuid"`
		TypeQNameID uint64 `json:"type_qname_id"`
		AclID       uint64 `json:"acl_id"`
		Deleted     bool   `json:"deleted"`
		TxnID       string `json:"txn_id"`
	}
	childAssocRow struct {
		ID          uint64 `json:"id"`
		ParentID    uint64 `json:"parent_id"`
		ChildID     uint64 `json:"child_id"`
		TypeQNameID uint64 `json:"type_qname_id"`
		QNameID     uint64 `json:"qname_id"`
		ChildName   string `json:"child_name"`
		NameCRC     int64  `json:"name_crc"`
		IsPrimary   bool   `json:"is_primary"`
		Index       int    `json:"index"`
	}
	nodeAssocRow struct {
		ID          uint64 `json:"id"`
		SourceID    uint64 `json:"source_id"`
		TargetID    uint64 `json:"target_id"`
		TypeQNameID uint64 `json:"type_qname_id"`
	}
)

func appendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func encodeKey(prefix []byte, ids ...uint64) []byte {
	key := make([]byte, len(prefix), len(prefix)+8*len(ids))
	copy(key, prefix)
	for _, id := range ids {
		key = appendUint64(key, id)
	}
	return key
}

func encodeID(id uint64) []byte {
	return appendUint64(nil, id)
}

func decodeID(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}

func decodeKeyID(key []byte, prefix []byte, n int) uint64 {
	off := len(prefix) + 8*n
	return binary.BigEndian.Uint64(key[off : off+8])
}

func storeKey(ref StoreRef) []byte {
	return append(append([]byte(nil), storeKeyPrefix...), ref.String()...)
}

func nodeUUIDKey(storeID uint64, uuid string) []byte {
	return append(encodeKey(nodeUUIDPrefix, storeID), uuid...)
}

// propertyKey orders rows by qname, list index, then locale. The index is
// shifted by one so that single values (-1) sort first.
func propertyKey(nodeID, qnameID uint64, index int, localeID uint64) []byte {
	key := encodeKey(propertyPrefix, nodeID, qnameID)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(index+1))
	key = append(key, buf[:]...)
	return appendUint64(key, localeID)
}

func decodePropertyKey(key []byte) (qnameID uint64, index int, localeID uint64) {
	off := len(propertyPrefix) + 8
	qnameID = binary.BigEndian.Uint64(key[off:])
	index = int(binary.BigEndian.Uint32(key[off+8:])) - 1
	localeID = binary.BigEndian.Uint64(key[off+12:])
	return
}

func childNameKey(parentID, typeQNameID uint64, short string, crc uint32) []byte {
	key := encodeKey(childNamePrefix, parentID, typeQNameID)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], crc)
	key = append(key, buf[:]...)
	return append(key, short...)
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

func (s *store) lookupID(ctx context.Context, key []byte) (uint64, error) {
	raw, err := s.t.Get(ctx, CF, key)
	if err != nil {
		return 0, err
	}
	return decodeID(raw), nil
}

func (s *store) getNodeRow(ctx context.Context, id uint64) (*nodeRow, error) {
	row := &nodeRow{}
	if err := s.getJSON(ctx, encodeKey(nodePrefix, id), row); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrNodeNotFound
		}
		return nil, err
	}
	return row, nil
}

// getLiveNodeRow hides deleted nodes.
func (s *store) getLiveNodeRow(ctx context.Context, id uint64) (*nodeRow, error) {
	row, err := s.getNodeRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if row.Deleted {
		return nil, apierrors.ErrNodeNotFound
	}
	return row, nil
}

func (s *store) putNodeRow(row *nodeRow) error {
	return s.putJSON(encodeKey(nodePrefix, row.ID), row)
}

func (s *store) getStoreRowByID(ctx context.Context, id uint64) (*storeRow, error) {
	row := &storeRow{}
	if err := s.getJSON(ctx, encodeKey(storePrefix, id), row); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrStoreNotFound
		}
		return nil, err
	}
	return row, nil
}

func (s *store) getChildAssocRow(ctx context.Context, id uint64) (*childAssocRow, error) {
	row := &childAssocRow{}
	if err := s.getJSON(ctx, encodeKey(childAssocPrefix, id), row); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrAssocNotFound
		}
		return nil, err
	}
	return row, nil
}

func (s *store) getNodeAssocRow(ctx context.Context, id uint64) (*nodeAssocRow, error) {
	row := &nodeAssocRow{}
	if err := s.getJSON(ctx, encodeKey(nodeAssocPrefix, id), row); err != nil {
		if err == kvstore.ErrNotFound {
			return nil, apierrors.ErrAssocNotFound
		}
		return nil, err
	}
	return row, nil
}

// listIDs returns the n-th id after prefix of every key under prefix.
func (s *store) listIDs(ctx context.Context, prefix []byte, n int) ([]uint64, error) {
	kvs, err := s.t.List(ctx, CF, prefix)
	if err != nil {
		return nil, err
	}
	ret := make([]uint64, 0, len(kvs))
	for _, kv := range kvs {
		ret = append(ret, decodeKeyID(kv.Key, prefix, n))
	}
	return ret, nil
}

func (s *store) deleteKeys(keys ...[]byte) error {
	for _, key := range keys {
		if err := s.t.Delete(CF, key); err != nil {
			return err
		}
	}
	return nil
}

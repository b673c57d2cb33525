package qname

import (
	"encoding/binary"

	"github.com/cubefs/contentrepo/common/kvstore"
)

var CF = kvstore.CF("qname")

const (
	namespaceScope = "namespace"
	qnameScope     = "qname"
	localeScope    = "locale"
)

var (
	namespaceIDPrefix  = []byte("n/i/")
	namespaceKeyPrefix = []byte("n/k/")
	qnameIDPrefix      = []byte("q/i/")
	qnameKeyPrefix     = []byte("q/k/")
	localeIDPrefix     = []byte("l/i/")
	localeKeyPrefix    = []byte("l/k/")
)

func encodeIDKey(prefix []byte, id uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], id)
	return key
}

// encodeUniqueKey builds prefix | scope id | crc | short string.
func encodeUniqueKey(prefix []byte, scopeID uint64, value string) []byte {
	short, crc := CrcPair(value)
	key := make([]byte, len(prefix)+12, len(prefix)+12+len(short))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], scopeID)
	binary.BigEndian.PutUint32(key[len(prefix)+8:], crc)
	return append(key, short...)
}

func encodeID(id uint64) []byte {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, id)
	return raw
}

func decodeID(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}

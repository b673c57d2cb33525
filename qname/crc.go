package qname

import (
	"hash/crc32"
	"strings"

	"github.com/cubefs/contentrepo/util"
)

const (
	ShortStringLength = 50
	shortStringSuffix = "~~~"
)

// CrcPair returns the case folded short form of s and the CRC32 of the
// case folded UTF-8 bytes. The pair identifies s case-insensitively in
// unique indexes that only hold bounded strings.
func CrcPair(s string) (short string, crc uint32) {
	lower := strings.ToLower(s)
	crc = crc32.ChecksumIEEE(util.StringsToBytes(lower))
	runes := []rune(lower)
	if len(runes) <= ShortStringLength {
		return lower, crc
	}
	return string(runes[:ShortStringLength-len(shortStringSuffix)]) + shortStringSuffix, crc
}

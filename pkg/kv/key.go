package kv

import (
	"encoding/binary"
	"math"
)

// Key space layout. Block records are keyed so that a byte-ascending scan of
// a (name, index) prefix yields the newest version first. Versions are
// non-positive integers where more-negative means newer, and the encoding
// flips the sign bit to preserve that order under unsigned comparison.
const (
	keyKindBlock  = 'b'
	keyKindMeta   = 'm'
	keyKindPurge  = 'p'
	keySeparator  = 0x00
	versionOffset = uint64(1) << 63
)

// Encode a version integer into its order-preserving unsigned form.
func EncodeVersion(version int64) uint64 {
	return uint64(version) ^ versionOffset
}

// Decode the unsigned key form of a version back into an integer.
func DecodeVersion(encoded uint64) int64 {
	return int64(encoded ^ versionOffset)
}

// BlockKey returns the full composite key for a block record.
func BlockKey(name string, index int64, version int64) []byte {
	key := make([]byte, 0, len(name)+14)
	key = append(key, keyKindBlock)
	key = append(key, name...)
	key = append(key, keySeparator)
	key = binary.BigEndian.AppendUint32(key, uint32(index))
	key = binary.BigEndian.AppendUint64(key, EncodeVersion(version))

	return key
}

// BlockIndexPrefix returns the key prefix covering every version of a single
// block index.
func BlockIndexPrefix(name string, index int64) []byte {
	key := make([]byte, 0, len(name)+6)
	key = append(key, keyKindBlock)
	key = append(key, name...)
	key = append(key, keySeparator)
	key = binary.BigEndian.AppendUint32(key, uint32(index))

	return key
}

// FilePrefix returns the key prefix covering every block record of a file.
func FilePrefix(name string) []byte {
	key := make([]byte, 0, len(name)+2)
	key = append(key, keyKindBlock)
	key = append(key, name...)
	key = append(key, keySeparator)

	return key
}

// PurgeKey returns the key of the purge record for a file.
func PurgeKey(name string) []byte {
	key := make([]byte, 0, len(name)+1)
	key = append(key, keyKindPurge)
	key = append(key, name...)

	return key
}

func schemaKey() []byte {
	return []byte{keyKindMeta, 's', 'c', 'h', 'e', 'm', 'a'}
}

// NextKey returns the smallest key strictly greater than the given key,
// used to turn an inclusive bound into an exclusive one.
func NextKey(key []byte) []byte {
	next := make([]byte, len(key))
	copy(next, key)

	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != math.MaxUint8 {
			next[i]++
			return next[:i+1]
		}
	}

	return append(next, 0)
}

// ParseBlockKey decodes a block record key into its components. The second
// return value is false when the key is not a block key for the given name.
func ParseBlockKey(name string, key []byte) (index int64, version int64, ok bool) {
	prefix := FilePrefix(name)

	if len(key) != len(prefix)+12 {
		return 0, 0, false
	}

	for i := range prefix {
		if key[i] != prefix[i] {
			return 0, 0, false
		}
	}

	index = int64(binary.BigEndian.Uint32(key[len(prefix):]))
	version = DecodeVersion(binary.BigEndian.Uint64(key[len(prefix)+4:]))

	return index, version, true
}

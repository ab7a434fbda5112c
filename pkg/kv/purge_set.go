package kv

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
)

// A PurgeSet maps block indexes to version thresholds. An entry means every
// version of that block strictly older than the threshold may be deleted.
type PurgeSet map[int64]int64

func (p PurgeSet) encode() []byte {
	value := make([]byte, 0, 4+len(p)*12)
	value = binary.BigEndian.AppendUint32(value, uint32(len(p)))

	for index, version := range p {
		value = binary.BigEndian.AppendUint32(value, uint32(index))
		value = binary.BigEndian.AppendUint64(value, uint64(version))
	}

	return value
}

func decodePurgeSet(value []byte) (PurgeSet, error) {
	if len(value) < 4 {
		return nil, ErrInvalidRecord
	}

	count := int(binary.BigEndian.Uint32(value))

	if len(value) != 4+count*12 {
		return nil, ErrInvalidRecord
	}

	set := make(PurgeSet, count)

	for i := 0; i < count; i++ {
		offset := 4 + i*12
		index := int64(binary.BigEndian.Uint32(value[offset:]))
		version := int64(binary.BigEndian.Uint64(value[offset+4:]))
		set[index] = version
	}

	return set, nil
}

// GetPurgeSet loads the purge record for a file, returning an empty set when
// none exists.
func (b *Batch) GetPurgeSet(name string) (PurgeSet, error) {
	item, err := b.store.txn.Get(PurgeKey(name))

	if err == badger.ErrKeyNotFound {
		return PurgeSet{}, nil
	}

	if err != nil {
		return nil, err
	}

	value, err := item.ValueCopy(nil)

	if err != nil {
		return nil, err
	}

	return decodePurgeSet(value)
}

func (b *Batch) PutPurgeSet(name string, set PurgeSet) error {
	return b.set(PurgeKey(name), set.encode())
}

func (b *Batch) DeletePurgeSet(name string) error {
	return b.delete(PurgeKey(name))
}

package kv

import (
	"bytes"

	"github.com/dgraph-io/badger/v4"
)

// A Batch is a handle to the store's open transaction. It is only valid for
// the duration of the Run callback that produced it.
type Batch struct {
	store *Store
}

func (b *Batch) set(key, value []byte) error {
	err := b.store.txn.Set(key, value)

	if err == badger.ErrTxnTooBig {
		err = b.store.rotateTxn()

		if err != nil {
			return err
		}

		return b.store.txn.Set(key, value)
	}

	return err
}

func (b *Batch) delete(key []byte) error {
	err := b.store.txn.Delete(key)

	if err == badger.ErrTxnTooBig {
		err = b.store.rotateTxn()

		if err != nil {
			return err
		}

		return b.store.txn.Delete(key)
	}

	return err
}

// seek returns a copy of the first key at or after seek that still carries
// the prefix, along with its value. A nil key means no match.
func (b *Batch) seek(prefix, seek []byte) ([]byte, []byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := b.store.txn.NewIterator(opts)
	defer it.Close()

	it.Seek(seek)

	if !it.ValidForPrefix(prefix) {
		return nil, nil, nil
	}

	item := it.Item()
	key := item.KeyCopy(nil)

	value, err := item.ValueCopy(nil)

	if err != nil {
		return nil, nil, err
	}

	return key, value, nil
}

// keysInRange collects every key at or after seek that carries the prefix.
func (b *Batch) keysInRange(prefix, seek []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := b.store.txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte

	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}

	return keys, nil
}

// deleteRange removes every key at or after seek that carries the prefix.
func (b *Batch) deleteRange(prefix, seek []byte) error {
	keys, err := b.keysInRange(prefix, seek)

	if err != nil {
		return err
	}

	for _, key := range keys {
		err = b.delete(key)

		if err != nil {
			return err
		}
	}

	return nil
}

// GetBlock resolves the newest visible version of a block: the first record
// of (name, index) whose version is no newer than the given version.
func (b *Batch) GetBlock(name string, index, version int64) (*Record, bool, error) {
	prefix := BlockIndexPrefix(name, index)

	key, value, err := b.seek(prefix, BlockKey(name, index, version))

	if err != nil {
		return nil, false, err
	}

	if key == nil {
		return nil, false, nil
	}

	foundIndex, foundVersion, ok := ParseBlockKey(name, key)

	if !ok {
		return nil, false, ErrInvalidRecord
	}

	record, err := decodeRecord(name, foundIndex, foundVersion, value)

	if err != nil {
		return nil, false, err
	}

	return record, true, nil
}

// GetBlockOlderThan resolves the newest version of a block that is strictly
// older than the given version. This is what reconstructs pre-transaction
// page contents for journal reads.
func (b *Batch) GetBlockOlderThan(name string, index, version int64) (*Record, bool, error) {
	prefix := BlockIndexPrefix(name, index)

	key, value, err := b.seek(prefix, NextKey(BlockKey(name, index, version)))

	if err != nil {
		return nil, false, err
	}

	if key == nil {
		return nil, false, nil
	}

	foundIndex, foundVersion, ok := ParseBlockKey(name, key)

	if !ok {
		return nil, false, ErrInvalidRecord
	}

	record, err := decodeRecord(name, foundIndex, foundVersion, value)

	if err != nil {
		return nil, false, err
	}

	return record, true, nil
}

// NewestBlock returns the newest stored version of a block regardless of the
// caller's visible version.
func (b *Batch) NewestBlock(name string, index int64) (*Record, bool, error) {
	return b.GetBlock(name, index, DecodeVersion(0))
}

func (b *Batch) PutBlock(record *Record) error {
	return b.set(
		BlockKey(record.Name, record.Index, record.Version),
		record.encode(b.store.opts.CompressionThreshold),
	)
}

// DeleteBlocksFrom removes every record of the file at block indexes greater
// than or equal to the given index.
func (b *Batch) DeleteBlocksFrom(name string, index int64) error {
	return b.deleteRange(FilePrefix(name), BlockIndexPrefix(name, index))
}

// DeleteVersionsOlderThan removes every version of a block strictly older
// than the given version.
func (b *Batch) DeleteVersionsOlderThan(name string, index, version int64) error {
	return b.deleteRange(
		BlockIndexPrefix(name, index),
		NextKey(BlockKey(name, index, version)),
	)
}

// DeleteVersionsNewerThan sweeps the whole file and removes every record
// whose version is strictly newer than the given version. This serves the
// reserved-lock cleanup of abandoned transactions.
func (b *Batch) DeleteVersionsNewerThan(name string, version int64) error {
	prefix := FilePrefix(name)

	keys, err := b.keysInRange(prefix, prefix)

	if err != nil {
		return err
	}

	for _, key := range keys {
		_, foundVersion, ok := ParseBlockKey(name, key)

		if !ok {
			continue
		}

		if EncodeVersion(foundVersion) < EncodeVersion(version) {
			err = b.delete(key)

			if err != nil {
				return err
			}
		}
	}

	return nil
}

// DeleteFile removes every record of the file, including its purge record.
func (b *Batch) DeleteFile(name string) error {
	prefix := FilePrefix(name)

	err := b.deleteRange(prefix, prefix)

	if err != nil {
		return err
	}

	return b.delete(PurgeKey(name))
}

// HasFile reports whether any block 0 record exists for the file.
func (b *Batch) HasFile(name string) (bool, error) {
	prefix := BlockIndexPrefix(name, 0)

	key, _, err := b.seek(prefix, prefix)

	if err != nil {
		return false, err
	}

	return key != nil, nil
}

// FileBlocks lists every (index, version) pair stored for the file, in key
// order.
func (b *Batch) FileBlocks(name string) (indexes []int64, versions []int64, err error) {
	prefix := FilePrefix(name)

	keys, err := b.keysInRange(prefix, prefix)

	if err != nil {
		return nil, nil, err
	}

	for _, key := range keys {
		index, version, ok := ParseBlockKey(name, key)

		if !ok {
			continue
		}

		indexes = append(indexes, index)
		versions = append(versions, version)
	}

	return indexes, versions, nil
}

// FileNames lists every distinct file name that has block records.
func (b *Batch) FileNames() ([]string, error) {
	prefix := []byte{keyKindBlock}

	keys, err := b.keysInRange(prefix, prefix)

	if err != nil {
		return nil, err
	}

	var names []string
	var last string

	for _, key := range keys {
		end := bytes.IndexByte(key[1:], keySeparator)

		if end < 0 {
			continue
		}

		name := string(key[1 : 1+end])

		if name != last {
			names = append(names, name)
			last = name
		}
	}

	return names, nil
}

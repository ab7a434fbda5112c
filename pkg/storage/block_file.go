// Package storage maintains multi-version block records for database files
// and synthesizes their rollback journals. The newest committed version of
// block 0 is the atomic commit point for a file.
package storage

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"blockfs/pkg/block"
	"blockfs/pkg/kv"
)

const DefaultBlockSize = 4096

var (
	ErrFileNotFound = errors.New("no block records exist for the file")
)

// A Purger is notified when a sync leaves obsolete block versions behind.
type Purger interface {
	Notify(path string, pendingEntries int)
}

// A BlockFile is the opened-file entry for a database file. Block 0 is owned
// by this entry and only published to the store on Sync; all other blocks
// are written at the file's current version as they arrive.
type BlockFile struct {
	block0        *kv.Record
	blockSize     int64
	changedPages  map[int64]struct{}
	inTransaction bool
	journalPages  []int64
	mutex         *sync.Mutex
	path          string
	purger        Purger
	store         *kv.Store
}

// OpenBlockFile loads the file's block 0 from the store. When the file does
// not exist and create is set, a fresh zero-filled block 0 is persisted.
func OpenBlockFile(store *kv.Store, path string, blockSize int64, create bool) (*BlockFile, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	f := &BlockFile{
		blockSize:    blockSize,
		changedPages: make(map[int64]struct{}),
		mutex:        &sync.Mutex{},
		path:         path,
		store:        store,
	}

	err := store.Run(kv.ReadOnly, func(b *kv.Batch) error {
		record, found, err := b.NewestBlock(path, 0)

		if err != nil {
			return err
		}

		if found {
			f.block0 = record
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	if f.block0 == nil {
		if !create {
			return nil, ErrFileNotFound
		}

		f.block0 = &kv.Record{
			Name:        path,
			Index:       0,
			Version:     0,
			Data:        make([]byte, blockSize),
			HasFileSize: true,
		}

		err = store.Run(kv.ReadWrite, func(b *kv.Batch) error {
			return b.PutBlock(f.block0)
		})

		if err != nil {
			return nil, err
		}
	}

	return f, nil
}

// NewBlockFile constructs an in-memory entry without touching the store.
// Used for journal-kind files, which are never persisted.
func NewBlockFile(store *kv.Store, path string, blockSize int64) *BlockFile {
	return &BlockFile{
		block0: &kv.Record{
			Name:        path,
			Index:       0,
			Version:     0,
			Data:        make([]byte, blockSize),
			HasFileSize: true,
		},
		blockSize:    blockSize,
		changedPages: make(map[int64]struct{}),
		mutex:        &sync.Mutex{},
		path:         path,
		store:        store,
	}
}

func (f *BlockFile) SetPurger(purger Purger) {
	f.purger = purger
}

func (f *BlockFile) Path() string {
	return f.path
}

func (f *BlockFile) BlockSize() int64 {
	return f.blockSize
}

func (f *BlockFile) Size() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.block0.FileSize
}

func (f *BlockFile) Version() int64 {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.block0.Version
}

func (f *BlockFile) InTransaction() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.inTransaction
}

// Adopt the stored block 0 when it is newer than the cached copy. Another
// connection may have committed since this entry last looked.
func (f *BlockFile) reconcileBlock0(b *kv.Batch) error {
	record, found, err := b.NewestBlock(f.path, 0)

	if err != nil || !found {
		return err
	}

	if kv.EncodeVersion(record.Version) < kv.EncodeVersion(f.block0.Version) {
		f.block0 = record
	}

	return nil
}

// ReadAt reads into p at the file offset. Reads past the file size zero-fill
// the tail and report io.EOF, which the facade maps to a short read.
func (f *BlockFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	err := f.store.Run(kv.ReadOnly, func(b *kv.Batch) error {
		err := f.reconcileBlock0(b)

		if err != nil {
			return err
		}

		return block.ForEachSpan(off, int64(len(p)), f.blockSize, func(s block.Span) error {
			dst := p[s.Index*f.blockSize+s.Offset-off:]
			dst = dst[:s.Count]

			if s.Index == 0 {
				copy(dst, f.block0.Data[s.Offset:s.Offset+s.Count])
				return nil
			}

			record, found, err := b.GetBlock(f.path, s.Index, f.block0.Version)

			if err != nil {
				return err
			}

			if !found {
				clear(dst)
				return nil
			}

			n := copy(dst, payloadSlice(record.Data, s.Offset, s.Count))

			clear(dst[n:])

			return nil
		})
	})

	if err != nil {
		return 0, err
	}

	readable := f.block0.FileSize - off

	if readable >= int64(len(p)) {
		return len(p), nil
	}

	if readable < 0 {
		readable = 0
	}

	clear(p[readable:])

	return int(readable), io.EOF
}

func payloadSlice(data []byte, offset, count int64) []byte {
	if offset >= int64(len(data)) {
		return nil
	}

	end := offset + count

	if end > int64(len(data)) {
		end = int64(len(data))
	}

	return data[offset:end]
}

// WriteAt writes p at the file offset. Aligned full-block writes put a
// record at the current version without reading first; anything else falls
// back to read-modify-write. Block 0 is only mutated in memory until Sync.
func (f *BlockFile) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	length := int64(len(p))
	fastPath := off%f.blockSize == 0 && length == f.blockSize

	var err error

	if fastPath {
		err = f.writeBlock(off/f.blockSize, p)
	} else {
		err = f.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
			return block.ForEachSpan(off, length, f.blockSize, func(s block.Span) error {
				src := p[s.Index*f.blockSize+s.Offset-off:]

				return f.writeSpan(b, s, src[:s.Count])
			})
		})
	}

	if err != nil {
		return 0, err
	}

	if off+length > f.block0.FileSize {
		f.block0.FileSize = off + length
	}

	return len(p), nil
}

func (f *BlockFile) writeBlock(index int64, data []byte) error {
	f.markChanged(index)

	if index == 0 {
		copy(f.block0.Data, data)
		return nil
	}

	record := &kv.Record{
		Name:    f.path,
		Index:   index,
		Version: f.block0.Version,
		Data:    append([]byte(nil), data...),
	}

	return f.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
		return b.PutBlock(record)
	})
}

func (f *BlockFile) writeSpan(b *kv.Batch, s block.Span, src []byte) error {
	f.markChanged(s.Index)

	if s.Index == 0 {
		copy(f.block0.Data[s.Offset:], src)
		return nil
	}

	data := make([]byte, f.blockSize)

	record, found, err := b.GetBlock(f.path, s.Index, f.block0.Version)

	if err != nil {
		return err
	}

	if found {
		copy(data, record.Data)
	}

	copy(data[s.Offset:], src)

	return b.PutBlock(&kv.Record{
		Name:    f.path,
		Index:   s.Index,
		Version: f.block0.Version,
		Data:    data,
	})
}

func (f *BlockFile) markChanged(index int64) {
	if f.inTransaction {
		f.changedPages[index] = struct{}{}
	}
}

// Truncate adjusts the logical file size. Shrinking removes every record
// past the last surviving block; growing only extends the size field.
func (f *BlockFile) Truncate(size int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if size == f.block0.FileSize {
		return nil
	}

	shrink := size < f.block0.FileSize
	f.block0.FileSize = size

	return f.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
		err := b.PutBlock(f.block0)

		if err != nil {
			return err
		}

		if !shrink {
			return nil
		}

		from := (size + f.blockSize - 1) / f.blockSize

		if from < 1 {
			from = 1
		}

		return b.DeleteBlocksFrom(f.path, from)
	})
}

// Sync publishes the cached block 0, making the current version the newest
// committed state of the file, then records which superseded versions have
// become reclaimable. Note that block 0 mutations are lost if the engine
// never syncs the handle.
func (f *BlockFile) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	pendingEntries := 0

	err := f.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
		err := b.PutBlock(f.block0)

		if err != nil {
			return err
		}

		if !f.inTransaction {
			return nil
		}

		set, err := b.GetPurgeSet(f.path)

		if err != nil {
			return err
		}

		for _, index := range f.journalPages {
			if _, changed := f.changedPages[index]; changed {
				set[index] = f.block0.Version
			}
		}

		pendingEntries = len(set)

		return b.PutPurgeSet(f.path, set)
	})

	if err != nil {
		return err
	}

	f.inTransaction = false

	err = f.store.Sync()

	if err != nil {
		return err
	}

	if f.purger != nil && pendingEntries > 0 {
		f.purger.Notify(f.path, pendingEntries)
	}

	return nil
}

// BeginJournalTransaction is invoked when the engine writes a fresh journal
// header. The in-memory version moves one ahead of the committed one so the
// transaction's writes land at a new version.
func (f *BlockFile) BeginJournalTransaction() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.journalPages = f.journalPages[:0]
	f.changedPages = make(map[int64]struct{})
	f.inTransaction = true
	f.block0.Version--
}

// SetJournalPage records the page index captured from the journal entry at
// the given position.
func (f *BlockFile) SetJournalPage(entry, page int64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	for int64(len(f.journalPages)) <= entry {
		f.journalPages = append(f.journalPages, -1)
	}

	f.journalPages[entry] = page
}

// JournalPage returns the page index stored for a journal entry position.
func (f *BlockFile) JournalPage(entry int64) (int64, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if entry < 0 || entry >= int64(len(f.journalPages)) || f.journalPages[entry] < 0 {
		return 0, false
	}

	return f.journalPages[entry], true
}

// PriorBlock reads the newest version of a block strictly older than the
// file's current version: the pre-transaction contents. A missing prior
// block reads as zeros.
func (f *BlockFile) PriorBlock(index int64) ([]byte, error) {
	f.mutex.Lock()
	version := f.block0.Version
	f.mutex.Unlock()

	data := make([]byte, f.blockSize)

	err := f.store.Run(kv.ReadOnly, func(b *kv.Batch) error {
		record, found, err := b.GetBlockOlderThan(f.path, index, version)

		if err != nil || !found {
			return err
		}

		copy(data, record.Data)

		return nil
	})

	if err != nil {
		return nil, err
	}

	return data, nil
}

// ReservedCleanup removes every record left at versions newer than the
// published block 0. Leftovers appear when a previous writer abandoned a
// transaction after fast-path writes but before its commit sync.
func (f *BlockFile) ReservedCleanup() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
		record, found, err := b.NewestBlock(f.path, 0)

		if err != nil {
			return err
		}

		if !found {
			return nil
		}

		if kv.EncodeVersion(record.Version) < kv.EncodeVersion(f.block0.Version) {
			f.block0 = record
		}

		err = b.DeleteVersionsNewerThan(f.path, record.Version)

		if err != nil {
			slog.Error("Reserved lock cleanup failed", "path", f.path, "error", err)
			return err
		}

		return nil
	})
}

// Delete removes every record of the file from the store.
func (f *BlockFile) Delete() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
		return b.DeleteFile(f.path)
	})
}

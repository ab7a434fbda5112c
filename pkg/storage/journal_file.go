package storage

import (
	"encoding/binary"
	"io"
	"sync"

	"blockfs/pkg/block"
)

// A JournalFile presents the engine's rollback journal without storing any
// of its bytes. The header lives in RAM; page entries are reconstructed on
// demand from the pre-transaction versions of the sibling database file.
type JournalFile struct {
	cachedPageEntry []byte
	cachedPageIndex int64
	db              *BlockFile
	fileSize        int64
	header          []byte
	mutex           *sync.Mutex
	path            string
}

func NewJournalFile(path string, db *BlockFile) *JournalFile {
	return &JournalFile{
		cachedPageIndex: -1,
		db:              db,
		header:          make([]byte, db.BlockSize()),
		mutex:           &sync.Mutex{},
		path:            path,
	}
}

func (j *JournalFile) Path() string {
	return j.path
}

func (j *JournalFile) Size() int64 {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	return j.fileSize
}

// SectorSizeHint is what the engine uses to size the journal header before
// one has been written.
func (j *JournalFile) SectorSizeHint() int {
	return int(j.db.BlockSize())
}

func (j *JournalFile) sectorSize() int64 {
	return block.JournalSectorSize(j.header, j.db.BlockSize())
}

func (j *JournalFile) entrySize() int64 {
	return block.JournalPageSize(j.header, j.db.BlockSize()) + 8
}

// WriteAt captures journal writes. Header bytes are remembered in RAM; a
// fresh header opens a transaction on the database file. Entry-boundary
// writes record the 1-based page index; everything else is discarded since
// it can be reconstructed.
func (j *JournalFile) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	sectorSize := j.sectorSize()

	if off < sectorSize {
		// The header buffer is one block; a declared sector size beyond it
		// only moves the entry region, so writes past the buffer are dropped.
		if off < int64(len(j.header)) {
			copy(j.header[off:], p)
		}

		if off == 0 && p[0] != 0 {
			j.db.BeginJournalTransaction()
			j.cachedPageIndex = -1
			j.cachedPageEntry = nil
		}
	} else if (off-j.sectorSize())%j.entrySize() == 0 && len(p) >= 4 {
		pageIndex := int64(binary.BigEndian.Uint32(p))
		entry := (off - j.sectorSize()) / j.entrySize()

		j.db.SetJournalPage(entry, pageIndex-1)
	}
	// Page data and checksum bytes inside an entry are discarded.

	if off+int64(len(p)) > j.fileSize {
		j.fileSize = off + int64(len(p))
	}

	return len(p), nil
}

// ReadAt serves journal reads byte-for-byte as if the engine's writes had
// been stored: the header from RAM, page entries rebuilt from the database
// file's pre-transaction blocks.
func (j *JournalFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	j.mutex.Lock()
	defer j.mutex.Unlock()

	if off >= j.fileSize {
		clear(p)
		return 0, io.EOF
	}

	sectorSize := j.sectorSize()

	var n int

	if off < sectorSize {
		end := sectorSize

		if end > int64(len(j.header)) {
			end = int64(len(j.header))
		}

		if off < end {
			n = copy(p, j.header[off:end])
		}
	} else {
		entrySize := j.entrySize()
		entry := (off - sectorSize) / entrySize
		inEntry := (off - sectorSize) % entrySize

		pageIndex, ok := j.db.JournalPage(entry)

		if !ok {
			clear(p)
			return 0, io.EOF
		}

		if j.cachedPageIndex != pageIndex {
			data, err := j.buildPageEntry(pageIndex)

			if err != nil {
				return 0, err
			}

			j.cachedPageIndex = pageIndex
			j.cachedPageEntry = data
		}

		n = copy(p, j.cachedPageEntry[inEntry:])
	}

	if remaining := j.fileSize - off; int64(n) > remaining {
		n = int(remaining)
	}

	if n < len(p) {
		clear(p[n:])
		return n, io.EOF
	}

	return n, nil
}

// Build a page entry from the pre-transaction database block: 4 bytes of
// 1-based page index, the page bytes, 4 bytes of checksum seeded with the
// nonce from the journal header.
func (j *JournalFile) buildPageEntry(pageIndex int64) ([]byte, error) {
	page, err := j.db.PriorBlock(pageIndex)

	if err != nil {
		return nil, err
	}

	pageSize := block.JournalPageSize(j.header, j.db.BlockSize())

	if int64(len(page)) > pageSize {
		page = page[:pageSize]
	}

	entry := make([]byte, pageSize+8)
	binary.BigEndian.PutUint32(entry, uint32(pageIndex+1))
	copy(entry[4:], page)

	checksum := block.JournalChecksum(block.JournalNonce(j.header), entry[4:4+pageSize])
	binary.BigEndian.PutUint32(entry[4+pageSize:], checksum)

	return entry, nil
}

// Truncate only adjusts the synthesized size. Truncating to zero at commit
// also drops the header and the entry cache.
func (j *JournalFile) Truncate(size int64) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	j.fileSize = size

	if size == 0 {
		clear(j.header)
		j.cachedPageIndex = -1
		j.cachedPageEntry = nil
	}

	return nil
}

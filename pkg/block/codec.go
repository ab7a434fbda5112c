// Package block holds the pure functions that translate byte-addressed file
// I/O into block-granular records and compute rollback-journal checksums.
package block

import "encoding/binary"

// Span describes the portion of a single block touched by a byte-range
// operation.
type Span struct {
	Index  int64
	Offset int64
	Count  int64
}

// ForEachSpan iterates the blocks touched by a read or write of length bytes
// at the given file offset.
func ForEachSpan(offset, length, blockSize int64, fn func(Span) error) error {
	for length > 0 {
		index := offset / blockSize
		inBlock := offset % blockSize
		count := blockSize - inBlock

		if count > length {
			count = length
		}

		err := fn(Span{Index: index, Offset: inBlock, Count: count})

		if err != nil {
			return err
		}

		offset += count
		length -= count
	}

	return nil
}

// Spans collects the spans of a byte-range operation.
func Spans(offset, length, blockSize int64) []Span {
	var spans []Span

	ForEachSpan(offset, length, blockSize, func(s Span) error {
		spans = append(spans, s)
		return nil
	})

	return spans
}

// JournalChecksum computes the rollback-journal page checksum: starting from
// the header nonce, sum the unsigned page bytes at positions len-200,
// len-400, ... while the position stays positive, keeping the low 32 bits.
func JournalChecksum(nonce uint32, page []byte) uint32 {
	sum := nonce

	for position := int64(len(page)) - 200; position > 0; position -= 200 {
		sum += uint32(page[position])
	}

	return sum
}

// Journal header field offsets, per the rollback-journal format.
const (
	journalNonceOffset      = 12
	journalSectorSizeOffset = 20
	journalPageSizeOffset   = 24
)

// JournalNonce reads the checksum nonce from a journal header.
func JournalNonce(header []byte) uint32 {
	if len(header) < journalNonceOffset+4 {
		return 0
	}

	return binary.BigEndian.Uint32(header[journalNonceOffset:])
}

// JournalSectorSize reads the sector size from a journal header, falling
// back to the given default when the field is unset.
func JournalSectorSize(header []byte, fallback int64) int64 {
	if len(header) < journalSectorSizeOffset+4 {
		return fallback
	}

	size := int64(binary.BigEndian.Uint32(header[journalSectorSizeOffset:]))

	if size == 0 {
		return fallback
	}

	return size
}

// JournalPageSize reads the page size from a journal header, falling back to
// the given default when the field is unset.
func JournalPageSize(header []byte, fallback int64) int64 {
	if len(header) < journalPageSizeOffset+4 {
		return fallback
	}

	size := int64(binary.BigEndian.Uint32(header[journalPageSizeOffset:]))

	if size == 0 {
		return fallback
	}

	return size
}

package kv

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
)

const (
	recordFlagFileSize   = 1 << 0
	recordFlagCompressed = 1 << 1
)

var ErrInvalidRecord = errors.New("invalid block record encoding")

// A Record is one versioned block of a file. Only block 0 of a database file
// carries a file size; for every other record HasFileSize is false.
type Record struct {
	Name        string
	Index       int64
	Version     int64
	Data        []byte
	FileSize    int64
	HasFileSize bool
}

// Encode the record value. Payloads of at least compressionThreshold bytes
// are S2 compressed when that actually saves space. A threshold of zero
// disables compression.
func (r *Record) encode(compressionThreshold int) []byte {
	var flags byte

	if r.HasFileSize {
		flags |= recordFlagFileSize
	}

	payload := r.Data

	if compressionThreshold > 0 && len(r.Data) >= compressionThreshold {
		compressed := s2.Encode(nil, r.Data)

		if len(compressed) < len(r.Data) {
			payload = compressed
			flags |= recordFlagCompressed
		}
	}

	size := 1 + len(payload)

	if r.HasFileSize {
		size += 8
	}

	value := make([]byte, 0, size)
	value = append(value, flags)

	if r.HasFileSize {
		value = binary.BigEndian.AppendUint64(value, uint64(r.FileSize))
	}

	return append(value, payload...)
}

// Decode a record value into a Record. The key components must be supplied
// by the caller since they are not repeated in the value.
func decodeRecord(name string, index, version int64, value []byte) (*Record, error) {
	if len(value) < 1 {
		return nil, ErrInvalidRecord
	}

	flags := value[0]
	rest := value[1:]

	record := &Record{
		Name:    name,
		Index:   index,
		Version: version,
	}

	if flags&recordFlagFileSize != 0 {
		if len(rest) < 8 {
			return nil, ErrInvalidRecord
		}

		record.FileSize = int64(binary.BigEndian.Uint64(rest[:8]))
		record.HasFileSize = true
		rest = rest[8:]
	}

	if flags&recordFlagCompressed != 0 {
		data, err := s2.Decode(nil, rest)

		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}

		record.Data = data
	} else {
		record.Data = append([]byte(nil), rest...)
	}

	return record, nil
}

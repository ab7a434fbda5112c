package vfs

import (
	"io"
	"sync"

	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"
)

// memFile backs nameless temporaries, statement subjournals, and super
// journals. None of these need to survive the process.
type memFile struct {
	data      []byte
	blockSize int64
	mutex     *sync.Mutex
	path      string
}

func newMemFile(path string, blockSize int64) *memFile {
	return &memFile{
		blockSize: blockSize,
		mutex:     &sync.Mutex{},
		path:      path,
	}
}

func (f *memFile) Close() error {
	return nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if off >= int64(len(f.data)) {
		clear(p)
		return 0, io.EOF
	}

	n := copy(p, f.data[off:])

	if n < len(p) {
		clear(p[n:])
		return n, io.EOF
	}

	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if need := off + int64(len(p)); need > int64(len(f.data)) {
		grown := make([]byte, need)
		copy(grown, f.data)
		f.data = grown
	}

	copy(f.data[off:], p)

	return len(p), nil
}

func (f *memFile) Truncate(size int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if size < int64(len(f.data)) {
		f.data = f.data[:size]
	} else if size > int64(len(f.data)) {
		grown := make([]byte, size)
		copy(grown, f.data)
		f.data = grown
	}

	return nil
}

func (f *memFile) Sync(flags sqlitevfs.SyncFlag) error {
	return nil
}

func (f *memFile) Size() (int64, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return int64(len(f.data)), nil
}

func (f *memFile) Lock(lock sqlitevfs.LockLevel) error {
	return nil
}

func (f *memFile) Unlock(lock sqlitevfs.LockLevel) error {
	return nil
}

func (f *memFile) CheckReservedLock() (bool, error) {
	return false, nil
}

func (f *memFile) SectorSize() int {
	return int(f.blockSize)
}

func (f *memFile) DeviceCharacteristics() sqlitevfs.DeviceCharacteristic {
	return deviceCharacteristics
}

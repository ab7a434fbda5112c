package vfs

import (
	"errors"
	"io"
	"log/slog"

	"github.com/ncruces/go-sqlite3"
	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"

	"blockfs/pkg/locks"
	"blockfs/pkg/storage"
)

const deviceCharacteristics = sqlitevfs.IOCAP_SAFE_APPEND |
	sqlitevfs.IOCAP_SEQUENTIAL |
	sqlitevfs.IOCAP_UNDELETABLE_WHEN_OPEN

// databaseFile is the engine-facing handle for a database file.
type databaseFile struct {
	deleteOnClose bool
	file          *storage.BlockFile
	manager       *locks.Manager
	path          string
	vfs           *VFS
}

func (f *databaseFile) Close() error {
	f.manager.Unlock(locks.LevelNone)
	f.vfs.removeHandle(f)

	if f.deleteOnClose {
		err := f.file.Delete()

		if err != nil {
			slog.Error("Delete on close failed", "path", f.path, "error", err)
			return sqlite3.IOERR_CLOSE
		}
	}

	return nil
}

func (f *databaseFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)

	if err != nil && err != io.EOF {
		slog.Error("Read failed", "path", f.path, "error", err)
		return n, sqlite3.IOERR_READ
	}

	return n, err
}

func (f *databaseFile) WriteAt(p []byte, off int64) (int, error) {
	n, err := f.file.WriteAt(p, off)

	if err != nil {
		slog.Error("Write failed", "path", f.path, "error", err)
		return n, sqlite3.IOERR_WRITE
	}

	return n, nil
}

func (f *databaseFile) Truncate(size int64) error {
	err := f.file.Truncate(size)

	if err != nil {
		slog.Error("Truncate failed", "path", f.path, "error", err)
		return sqlite3.IOERR_TRUNCATE
	}

	return nil
}

func (f *databaseFile) Sync(flags sqlitevfs.SyncFlag) error {
	err := f.file.Sync()

	if err != nil {
		slog.Error("Sync failed", "path", f.path, "error", err)
		return sqlite3.IOERR_FSYNC
	}

	return nil
}

func (f *databaseFile) Size() (int64, error) {
	return f.file.Size(), nil
}

func (f *databaseFile) Lock(lock sqlitevfs.LockLevel) error {
	previous := f.manager.Level()

	err := f.manager.Lock(locks.Level(lock))

	if errors.Is(err, locks.ErrBusy) {
		return sqlite3.BUSY
	}

	if err != nil {
		return sqlite3.IOERR_LOCK
	}

	// A new reserved holder sweeps versions abandoned by a previous writer
	// before it writes any of its own.
	if previous < locks.LevelReserved && f.manager.Level() >= locks.LevelReserved {
		err = f.file.ReservedCleanup()

		if err != nil {
			f.manager.Unlock(previous)
			return sqlite3.IOERR_LOCK
		}
	}

	return nil
}

func (f *databaseFile) Unlock(lock sqlitevfs.LockLevel) error {
	return f.manager.Unlock(locks.Level(lock))
}

func (f *databaseFile) CheckReservedLock() (bool, error) {
	return f.manager.CheckReserved(), nil
}

func (f *databaseFile) SectorSize() int {
	return int(f.file.BlockSize())
}

func (f *databaseFile) DeviceCharacteristics() sqlitevfs.DeviceCharacteristic {
	return deviceCharacteristics
}

// journalFile is the engine-facing handle for an emulated rollback journal.
type journalFile struct {
	file *storage.JournalFile
	vfs  *VFS
}

func (f *journalFile) Close() error {
	return nil
}

func (f *journalFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)

	if err != nil && err != io.EOF {
		slog.Error("Journal read failed", "path", f.file.Path(), "error", err)
		return n, sqlite3.IOERR_READ
	}

	return n, err
}

func (f *journalFile) WriteAt(p []byte, off int64) (int, error) {
	return f.file.WriteAt(p, off)
}

func (f *journalFile) Truncate(size int64) error {
	return f.file.Truncate(size)
}

func (f *journalFile) Sync(flags sqlitevfs.SyncFlag) error {
	// Journal bytes are never stored; there is nothing to make durable.
	return nil
}

func (f *journalFile) Size() (int64, error) {
	return f.file.Size(), nil
}

func (f *journalFile) Lock(lock sqlitevfs.LockLevel) error {
	return nil
}

func (f *journalFile) Unlock(lock sqlitevfs.LockLevel) error {
	return nil
}

func (f *journalFile) CheckReservedLock() (bool, error) {
	return false, nil
}

func (f *journalFile) SectorSize() int {
	return f.file.SectorSizeHint()
}

func (f *journalFile) DeviceCharacteristics() sqlitevfs.DeviceCharacteristic {
	return deviceCharacteristics
}

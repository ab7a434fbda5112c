// Package vfs exposes the versioned block store to the SQL engine as a
// virtual file system. Database files dispatch to the versioned store,
// journal files to the journal emulator; temporary files stay in memory.
package vfs

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	sqlitevfs "github.com/ncruces/go-sqlite3/vfs"

	"blockfs/pkg/config"
	"blockfs/pkg/kv"
	"blockfs/pkg/locks"
	"blockfs/pkg/purge"
	"blockfs/pkg/storage"
)

const JournalSuffix = "-journal"

type VFS struct {
	blockSize int64
	files     map[string][]*databaseFile
	locks     *locks.Service
	mutex     *sync.Mutex
	purger    *purge.Scheduler
	store     *kv.Store
}

type Options struct {
	BlockSize int64
	Locks     *locks.Service
	Purger    *purge.Scheduler
}

func New(store *kv.Store, options Options) *VFS {
	if options.BlockSize <= 0 {
		options.BlockSize = storage.DefaultBlockSize
	}

	if options.Locks == nil {
		options.Locks = locks.NewService()
	}

	return &VFS{
		blockSize: options.BlockSize,
		files:     make(map[string][]*databaseFile),
		locks:     options.Locks,
		mutex:     &sync.Mutex{},
		purger:    options.Purger,
		store:     store,
	}
}

// NewFromConfig builds a store, a purge scheduler, and a VFS from the
// application configuration.
func NewFromConfig(cfg *config.Config) (*VFS, error) {
	durability := kv.DurabilityDefault

	switch cfg.Durability {
	case config.DurabilityStrict:
		durability = kv.DurabilityStrict
	case config.DurabilityRelaxed:
		durability = kv.DurabilityRelaxed
	}

	store, err := kv.NewStore(kv.Options{
		Path:                 cfg.DataPath,
		InMemory:             cfg.InMemory,
		Durability:           durability,
		CompressionThreshold: cfg.CompressionThreshold,
	})

	if err != nil {
		return nil, err
	}

	policy := purge.PolicyDeferred

	if cfg.PurgePolicy == config.PurgePolicyManual {
		policy = purge.PolicyManual
	}

	return New(store, Options{
		BlockSize: cfg.BlockSize,
		Purger:    purge.NewScheduler(store, policy, cfg.PurgeAtLeast),
	}), nil
}

// Register makes the VFS reachable from database URIs via ?vfs=name.
func Register(name string, v *VFS) {
	sqlitevfs.Register(name, v)
}

func (v *VFS) Store() *kv.Store {
	return v.store
}

func (v *VFS) LockService() *locks.Service {
	return v.locks
}

func (v *VFS) Purger() *purge.Scheduler {
	return v.purger
}

// Close shuts down the purge scheduler and the store.
func (v *VFS) Close() error {
	if v.purger != nil {
		v.purger.Close()
	}

	return v.store.Close()
}

// ForceClearLock unconditionally releases every lock held on a database
// path. Recovery hook for abandoned connections.
func (v *VFS) ForceClearLock(path string) {
	locks.ForceClearLock(v.locks, path)
}

// Canonicalize an engine-supplied name into a /name path so relative and
// absolute spellings address the same file.
func canonicalPath(name string) string {
	parsed, err := url.Parse(name)

	if err == nil && parsed.Path != "" {
		name = parsed.Path
	}

	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}

	return name
}

func (v *VFS) FullPathname(name string) (string, error) {
	return canonicalPath(name), nil
}

func (v *VFS) Open(name string, flags sqlitevfs.OpenFlag) (sqlitevfs.File, sqlitevfs.OpenFlag, error) {
	if name == "" {
		// Nameless temporary file.
		return newMemFile("/tmp/"+uuid.NewString(), v.blockSize), flags, nil
	}

	path := canonicalPath(name)

	switch {
	case flags&sqlitevfs.OPEN_MAIN_JOURNAL != 0:
		return v.openJournal(path, flags)
	case flags&(sqlitevfs.OPEN_TEMP_JOURNAL|sqlitevfs.OPEN_SUBJOURNAL|sqlitevfs.OPEN_SUPER_JOURNAL|sqlitevfs.OPEN_WAL) != 0:
		// Never persisted and never replayed across a crash.
		return newMemFile(path, v.blockSize), flags, nil
	default:
		return v.openDatabase(path, flags)
	}
}

func (v *VFS) openDatabase(path string, flags sqlitevfs.OpenFlag) (sqlitevfs.File, sqlitevfs.OpenFlag, error) {
	create := flags&sqlitevfs.OPEN_CREATE != 0

	file, err := storage.OpenBlockFile(v.store, path, v.blockSize, create)

	if err == storage.ErrFileNotFound {
		return nil, flags, sqlite3.CANTOPEN
	}

	if err != nil {
		slog.Error("Cannot open database file", "path", path, "error", err)
		return nil, flags, fmt.Errorf("%w: %v", sqlite3.CANTOPEN, err)
	}

	if v.purger != nil {
		file.SetPurger(v.purger)
	}

	handle := &databaseFile{
		deleteOnClose: flags&sqlitevfs.OPEN_DELETEONCLOSE != 0,
		file:          file,
		manager:       locks.NewManager(v.locks, path),
		path:          path,
		vfs:           v,
	}

	v.mutex.Lock()
	v.files[path] = append(v.files[path], handle)
	v.mutex.Unlock()

	return handle, flags, nil
}

func (v *VFS) openJournal(path string, flags sqlitevfs.OpenFlag) (sqlitevfs.File, sqlitevfs.OpenFlag, error) {
	db := v.siblingDatabase(strings.TrimSuffix(path, JournalSuffix))

	if db == nil {
		slog.Error("Journal opened without its database file", "path", path)
		return nil, flags, sqlite3.CANTOPEN
	}

	return &journalFile{
		file: storage.NewJournalFile(path, db.file),
		vfs:  v,
	}, flags, nil
}

// The journal binds to the opened-file entry that is writing: the handle
// holding at least a reserved lock, or the most recently opened one.
func (v *VFS) siblingDatabase(path string) *databaseFile {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	handles := v.files[path]

	if len(handles) == 0 {
		return nil
	}

	for _, handle := range handles {
		if handle.manager.Level() >= locks.LevelReserved {
			return handle
		}
	}

	return handles[len(handles)-1]
}

func (v *VFS) removeHandle(handle *databaseFile) {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	handles := v.files[handle.path]

	for i, h := range handles {
		if h == handle {
			v.files[handle.path] = append(handles[:i], handles[i+1:]...)
			break
		}
	}

	if len(v.files[handle.path]) == 0 {
		delete(v.files, handle.path)
	}
}

// Delete removes every record stored under the name. The transaction is
// awaited only when the engine asked for a durable directory sync.
func (v *VFS) Delete(name string, syncDir bool) error {
	path := canonicalPath(name)

	err := v.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
		return b.DeleteFile(path)
	})

	if err != nil {
		slog.Error("Delete failed", "path", path, "error", err)
		return sqlite3.IOERR_DELETE
	}

	if syncDir {
		err = v.store.Sync()

		if err != nil {
			return sqlite3.IOERR_DELETE
		}
	}

	return nil
}

// Access probes for the presence of any block 0 record under the name.
func (v *VFS) Access(name string, flag sqlitevfs.AccessFlag) (bool, error) {
	path := canonicalPath(name)

	var exists bool

	err := v.store.Run(kv.ReadOnly, func(b *kv.Batch) error {
		var err error
		exists, err = b.HasFile(path)

		return err
	})

	if err != nil {
		return false, sqlite3.IOERR_ACCESS
	}

	return exists, nil
}

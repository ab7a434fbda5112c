package kv

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

const SchemaVersion = 1

type Durability int

const (
	DurabilityDefault Durability = iota
	DurabilityStrict
	DurabilityRelaxed
)

type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

var (
	ErrStoreClosed   = errors.New("store is closed")
	ErrSchemaVersion = errors.New("unsupported store schema version")
)

type Options struct {
	Path                 string
	InMemory             bool
	Durability           Durability
	CompressionThreshold int
}

// Store adapts Badger to the blockwise access pattern of the storage layer.
// Operations scheduled through Run while a transaction is open are coalesced
// into that transaction; Sync is what commits and establishes durability.
type Store struct {
	db     *badger.DB
	mutex  *sync.Mutex
	opts   Options
	txn    *badger.Txn
	update bool
	closed bool
}

func NewStore(opts Options) (*Store, error) {
	var badgerOpts badger.Options

	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(opts.Path)
	}

	badgerOpts.Logger = nil

	if opts.Durability == DurabilityStrict {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	db, err := badger.Open(badgerOpts)

	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		db:    db,
		mutex: &sync.Mutex{},
		opts:  opts,
	}

	err = s.checkSchema()

	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Verify the on-disk schema version, initializing it for a fresh store and
// applying a one-step upgrade when the store is exactly one version behind.
// Anything else fails open.
func (s *Store) checkSchema() error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey())

		if err == badger.ErrKeyNotFound {
			return txn.Set(schemaKey(), []byte{SchemaVersion})
		}

		if err != nil {
			return err
		}

		var version byte

		err = item.Value(func(val []byte) error {
			if len(val) != 1 {
				return fmt.Errorf("%w: malformed version record", ErrSchemaVersion)
			}

			version = val[0]

			return nil
		})

		if err != nil {
			return err
		}

		switch version {
		case SchemaVersion:
			return nil
		case SchemaVersion - 1:
			slog.Info("Upgrading store schema", "from", version, "to", SchemaVersion)

			return txn.Set(schemaKey(), []byte{SchemaVersion})
		default:
			return fmt.Errorf("%w: found %d, expected %d", ErrSchemaVersion, version, SchemaVersion)
		}
	})
}

// Run invokes fn with a batch bound to the store's open transaction for the
// requested mode. A read-only transaction is discarded and reopened for
// writing when a read-write batch is requested; otherwise the open
// transaction is reused so small writes coalesce.
func (s *Store) Run(mode Mode, fn func(*Batch) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if s.txn != nil && mode == ReadWrite && !s.update {
		s.txn.Discard()
		s.txn = nil
	}

	if s.txn == nil {
		s.txn = s.db.NewTransaction(mode == ReadWrite)
		s.update = mode == ReadWrite
	}

	err := fn(&Batch{store: s})

	if err != nil {
		s.txn.Discard()
		s.txn = nil

		return err
	}

	return nil
}

// Sync commits the open transaction and, unless the store runs with relaxed
// durability, flushes Badger's value log. A commit failure is surfaced to
// the caller and never retried.
func (s *Store) Sync() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.syncLocked()
}

func (s *Store) syncLocked() error {
	if s.closed {
		return ErrStoreClosed
	}

	if s.txn != nil {
		txn := s.txn
		s.txn = nil

		if s.update {
			err := txn.Commit()

			if err != nil {
				return fmt.Errorf("commit: %w", err)
			}
		} else {
			txn.Discard()
		}
	}

	if s.opts.Durability != DurabilityRelaxed && !s.opts.InMemory {
		err := s.db.Sync()

		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return nil
	}

	if s.txn != nil {
		s.txn.Discard()
		s.txn = nil
	}

	s.closed = true

	return s.db.Close()
}

func (s *Store) CompressionThreshold() int {
	return s.opts.CompressionThreshold
}

// Rotate the open transaction after Badger reports it has grown too big.
// The committed prefix becomes visible early; block 0 is still published
// last, so readers keep resolving against the previous commit marker.
func (s *Store) rotateTxn() error {
	if s.txn == nil || !s.update {
		return errors.New("no open write transaction to rotate")
	}

	err := s.txn.Commit()

	if err != nil {
		s.txn = nil
		return fmt.Errorf("commit oversized transaction: %w", err)
	}

	s.txn = s.db.NewTransaction(true)

	return nil
}

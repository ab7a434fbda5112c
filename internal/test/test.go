// Package test provides the shared fixtures for exercising the block store
// and the VFS against a throwaway in-memory Badger instance.
package test

import (
	"testing"

	"github.com/google/uuid"

	"blockfs/pkg/config"
	"blockfs/pkg/kv"
	"blockfs/pkg/locks"
	"blockfs/pkg/purge"
	"blockfs/pkg/vfs"
)

// RunWithStore runs fn against a fresh in-memory store.
func RunWithStore(t *testing.T, fn func(store *kv.Store)) {
	t.Helper()

	store, err := kv.NewStore(kv.Options{InMemory: true})

	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	defer store.Close()

	fn(store)
}

// RunWithVFS registers a uniquely named VFS over a fresh in-memory store and
// runs fn with it. The returned name is what database URIs pass as ?vfs=.
func RunWithVFS(t *testing.T, configure func(*config.Config), fn func(name string, v *vfs.VFS)) {
	t.Helper()

	cfg := &config.Config{
		BlockSize:    4096,
		Durability:   config.DurabilityDefault,
		InMemory:     true,
		PurgeAtLeast: purge.DefaultPurgeAtLeast,
		PurgePolicy:  config.PurgePolicyDeferred,
	}

	if configure != nil {
		configure(cfg)
	}

	v, err := vfs.NewFromConfig(cfg)

	if err != nil {
		t.Fatalf("Failed to build VFS: %v", err)
	}

	defer v.Close()

	name := "blockfs-" + uuid.NewString()

	vfs.Register(name, v)

	fn(name, v)
}

// NewLockService returns a lock service for tests that drive the escalation
// protocol directly.
func NewLockService(t *testing.T) *locks.Service {
	t.Helper()

	return locks.NewService()
}

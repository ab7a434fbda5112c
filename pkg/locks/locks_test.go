package locks_test

import (
	"testing"

	"blockfs/pkg/locks"
)

func TestServiceSharedGrantsStack(t *testing.T) {
	service := locks.NewService()

	if !service.TryAcquire("a", "/test.db", locks.Shared) {
		t.Fatal("Expected the first shared grant")
	}

	if !service.TryAcquire("b", "/test.db", locks.Shared) {
		t.Fatal("Expected a second shared grant")
	}

	if service.TryAcquire("c", "/test.db", locks.Exclusive) {
		t.Fatal("Expected exclusive to be blocked by shared holders")
	}

	service.Release("a", "/test.db", locks.Shared)
	service.Release("b", "/test.db", locks.Shared)

	if !service.TryAcquire("c", "/test.db", locks.Exclusive) {
		t.Fatal("Expected exclusive after the shared holders released")
	}
}

func TestServiceExclusiveIdempotentForHolder(t *testing.T) {
	service := locks.NewService()

	if !service.TryAcquire("a", "/test.db", locks.Exclusive) {
		t.Fatal("Expected the exclusive grant")
	}

	if !service.TryAcquire("a", "/test.db", locks.Exclusive) {
		t.Fatal("Expected re-acquire by the holder to succeed")
	}

	if service.TryAcquire("b", "/test.db", locks.Shared) {
		t.Fatal("Expected shared to be blocked by a foreign exclusive")
	}

	service.Release("a", "/test.db", locks.Exclusive)

	if !service.TryAcquire("b", "/test.db", locks.Shared) {
		t.Fatal("Expected shared after the exclusive released")
	}
}

func TestServiceReleaseUnheldIsNoop(t *testing.T) {
	service := locks.NewService()

	service.Release("a", "/test.db", locks.Shared)
	service.Release("a", "/test.db", locks.Exclusive)

	if service.Locked("/test.db") {
		t.Fatal("Expected no grants to exist")
	}
}

func TestManagerEscalation(t *testing.T) {
	service := locks.NewService()
	m := locks.NewManager(service, "/test.db")

	for _, level := range []locks.Level{
		locks.LevelShared,
		locks.LevelReserved,
		locks.LevelExclusive,
	} {
		err := m.Lock(level)

		if err != nil {
			t.Fatalf("Escalation to %d failed: %v", level, err)
		}

		if m.Level() != level {
			t.Fatalf("Expected level %d, got %d", level, m.Level())
		}
	}

	err := m.Unlock(locks.LevelShared)

	if err != nil {
		t.Fatalf("Downgrade failed: %v", err)
	}

	if m.Level() != locks.LevelShared {
		t.Fatalf("Expected shared after downgrade, got %d", m.Level())
	}

	err = m.Unlock(locks.LevelNone)

	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	if service.Locked("/test.db") || service.Locked("/test.db/pending") || service.Locked("/test.db/reserved") {
		t.Fatal("Expected every grant to be released")
	}
}

func TestManagerLockIsIdempotent(t *testing.T) {
	service := locks.NewService()
	m := locks.NewManager(service, "/test.db")

	if err := m.Lock(locks.LevelShared); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	if err := m.Lock(locks.LevelShared); err != nil {
		t.Fatalf("Re-lock failed: %v", err)
	}

	// Unlock to a level at or above the current one is ignored.
	if err := m.Unlock(locks.LevelExclusive); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	if m.Level() != locks.LevelShared {
		t.Fatalf("Expected shared, got %d", m.Level())
	}
}

func TestSecondReservedIsBusy(t *testing.T) {
	service := locks.NewService()
	a := locks.NewManager(service, "/test.db")
	b := locks.NewManager(service, "/test.db")

	if err := a.Lock(locks.LevelReserved); err != nil {
		t.Fatalf("First reserved failed: %v", err)
	}

	err := b.Lock(locks.LevelReserved)

	if err != locks.ErrBusy {
		t.Fatalf("Expected ErrBusy for the second reserved, got %v", err)
	}

	// The loser keeps its shared lock and can still read.
	if b.Level() != locks.LevelShared {
		t.Fatalf("Expected the loser to remain shared, got %d", b.Level())
	}
}

func TestExclusiveBlockedByReader(t *testing.T) {
	service := locks.NewService()
	writer := locks.NewManager(service, "/test.db")
	reader := locks.NewManager(service, "/test.db")

	if err := reader.Lock(locks.LevelShared); err != nil {
		t.Fatalf("Reader lock failed: %v", err)
	}

	if err := writer.Lock(locks.LevelReserved); err != nil {
		t.Fatalf("Writer reserved failed: %v", err)
	}

	err := writer.Lock(locks.LevelExclusive)

	if err != locks.ErrBusy {
		t.Fatalf("Expected ErrBusy while the reader holds shared, got %v", err)
	}

	// The writer parks at PENDING, which keeps new readers out.
	if writer.Level() != locks.LevelPending {
		t.Fatalf("Expected the writer to park at pending, got %d", writer.Level())
	}

	late := locks.NewManager(service, "/test.db")

	if err := late.Lock(locks.LevelShared); err != locks.ErrBusy {
		t.Fatalf("Expected a new reader to be blocked by pending, got %v", err)
	}

	if err := reader.Unlock(locks.LevelNone); err != nil {
		t.Fatalf("Reader unlock failed: %v", err)
	}

	if err := writer.Lock(locks.LevelExclusive); err != nil {
		t.Fatalf("Expected exclusive after the reader drained: %v", err)
	}
}

func TestExclusiveDowngradeKeepsReadView(t *testing.T) {
	service := locks.NewService()
	writer := locks.NewManager(service, "/test.db")

	if err := writer.Lock(locks.LevelExclusive); err != nil {
		t.Fatalf("Exclusive failed: %v", err)
	}

	if err := writer.Unlock(locks.LevelShared); err != nil {
		t.Fatalf("Downgrade failed: %v", err)
	}

	// Another writer can now take the full escalation.
	other := locks.NewManager(service, "/test.db")

	if err := other.Lock(locks.LevelReserved); err != nil {
		t.Fatalf("Second writer reserved failed: %v", err)
	}

	// But not exclusive, because the first handle still reads.
	if err := other.Lock(locks.LevelExclusive); err != locks.ErrBusy {
		t.Fatalf("Expected ErrBusy while the downgraded handle reads, got %v", err)
	}
}

func TestCheckReserved(t *testing.T) {
	service := locks.NewService()
	writer := locks.NewManager(service, "/test.db")
	observer := locks.NewManager(service, "/test.db")

	if observer.CheckReserved() {
		t.Fatal("Expected no reserved lock initially")
	}

	if err := writer.Lock(locks.LevelReserved); err != nil {
		t.Fatalf("Reserved failed: %v", err)
	}

	if !observer.CheckReserved() {
		t.Fatal("Expected the reserved lock to be visible")
	}
}

func TestForceClearUnblocksOtherHandles(t *testing.T) {
	service := locks.NewService()
	reader := locks.NewManager(service, "/test.db")
	stuck := locks.NewManager(service, "/test.db")
	waiter := locks.NewManager(service, "/test.db")

	if err := reader.Lock(locks.LevelShared); err != nil {
		t.Fatalf("Reader lock failed: %v", err)
	}

	if err := stuck.Lock(locks.LevelExclusive); err != locks.ErrBusy {
		t.Fatalf("Expected the writer to park at pending, got %v", err)
	}

	if err := waiter.Lock(locks.LevelShared); err != locks.ErrBusy {
		t.Fatalf("Expected the waiter to be blocked, got %v", err)
	}

	locks.ForceClearLock(service, "/test.db")

	if err := waiter.Lock(locks.LevelShared); err != nil {
		t.Fatalf("Expected the waiter to proceed after force clear: %v", err)
	}
}

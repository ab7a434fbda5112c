package locks

import (
	"errors"

	"github.com/google/uuid"
)

// Lock escalation levels, matching the engine's five-state protocol.
type Level int

const (
	LevelNone Level = iota
	LevelShared
	LevelReserved
	LevelPending
	LevelExclusive
)

var ErrBusy = errors.New("lock is busy")

// Derived lock names per database path. Readers hold the access name shared;
// a writer holds reserved exclusively, then pending to block new readers,
// then access exclusively.
func accessName(path string) string   { return path }
func reservedName(path string) string { return path + "/reserved" }
func pendingName(path string) string  { return path + "/pending" }

// A Manager tracks the lock state of one open database file handle and walks
// it through the escalation protocol against the shared lock service.
type Manager struct {
	level   Level
	owner   string
	path    string
	service *Service
}

func NewManager(service *Service, path string) *Manager {
	return &Manager{
		owner:   uuid.NewString(),
		path:    path,
		service: service,
	}
}

func (m *Manager) Level() Level {
	return m.level
}

// Lock escalates to the target level. It is a no-op when the current level
// already satisfies the target and returns ErrBusy when the escalation
// cannot proceed without blocking another connection's progress.
func (m *Manager) Lock(target Level) error {
	if m.level >= target {
		return nil
	}

	if m.level == LevelNone {
		err := m.acquireShared()

		if err != nil {
			return err
		}
	}

	if target >= LevelReserved && m.level < LevelReserved {
		if !m.service.TryAcquire(m.owner, reservedName(m.path), Exclusive) {
			return ErrBusy
		}

		m.level = LevelReserved
	}

	if target >= LevelExclusive {
		return m.acquireExclusive()
	}

	return nil
}

func (m *Manager) acquireShared() error {
	// A pending writer blocks new readers.
	if !m.service.TryAcquire(m.owner, pendingName(m.path), Shared) {
		return ErrBusy
	}

	ok := m.service.TryAcquire(m.owner, accessName(m.path), Shared)

	m.service.Release(m.owner, pendingName(m.path), Shared)

	if !ok {
		return ErrBusy
	}

	m.level = LevelShared

	return nil
}

func (m *Manager) acquireExclusive() error {
	if m.level < LevelPending {
		if !m.service.TryAcquire(m.owner, pendingName(m.path), Exclusive) {
			return ErrBusy
		}

		m.level = LevelPending
	}

	// Drop our own shared grant so the exclusive attempt does not conflict
	// with it. Holding pending keeps new readers out while readers drain.
	m.service.Release(m.owner, accessName(m.path), Shared)

	if !m.service.TryAcquire(m.owner, accessName(m.path), Exclusive) {
		// Readers are still draining. Take the shared grant back so the
		// handle keeps its read view while it retries from PENDING.
		m.service.TryAcquire(m.owner, accessName(m.path), Shared)

		return ErrBusy
	}

	m.level = LevelExclusive

	return nil
}

// Unlock downgrades to the target level. Upgrade requests are ignored.
func (m *Manager) Unlock(target Level) error {
	if target >= m.level {
		return nil
	}

	if m.level == LevelExclusive {
		m.service.Release(m.owner, accessName(m.path), Exclusive)

		if target >= LevelShared {
			// Pending is still held, so no writer can have taken access.
			m.service.TryAcquire(m.owner, accessName(m.path), Shared)
		}
	}

	if m.level >= LevelPending && target < LevelPending {
		m.service.Release(m.owner, pendingName(m.path), Exclusive)
	}

	if m.level >= LevelReserved && target < LevelReserved {
		m.service.Release(m.owner, reservedName(m.path), Exclusive)
	}

	if m.level >= LevelShared && target < LevelShared && m.level < LevelExclusive {
		m.service.Release(m.owner, accessName(m.path), Shared)
	}

	m.level = target

	return nil
}

// CheckReserved reports whether any connection holds the reserved lock.
func (m *Manager) CheckReserved() bool {
	return m.service.Locked(reservedName(m.path))
}

// ForceClear releases every grant on the path regardless of holder. The
// manager's own view is reset; other managers discover the loss on their
// next release, which the service treats as a no-op.
func (m *Manager) ForceClear() {
	m.service.ForceClear(m.path)
	m.level = LevelNone
}

// ForceClearLock releases every grant under a path on the given service.
func ForceClearLock(service *Service, path string) {
	service.ForceClear(path)
}

// Package locks implements the five-state database lock escalation protocol
// on top of a process-wide lock service with shared and exclusive grants.
package locks

import (
	"strings"
	"sync"
)

type Mode int

const (
	Shared Mode = iota
	Exclusive
)

type grant struct {
	exclusive string
	shared    map[string]int
}

// A Service is the host lock primitive: named locks with shared or exclusive
// scopes and a non-blocking try-acquire. One Service is shared by every
// connection in the process.
type Service struct {
	grants map[string]*grant
	mutex  *sync.Mutex
}

func NewService() *Service {
	return &Service{
		grants: make(map[string]*grant),
		mutex:  &sync.Mutex{},
	}
}

// TryAcquire attempts to take the named lock for an owner without blocking.
// Shared grants stack per owner; an exclusive grant excludes every other
// owner but is idempotent for its holder.
func (s *Service) TryAcquire(owner, name string, mode Mode) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	g, ok := s.grants[name]

	if !ok {
		g = &grant{shared: make(map[string]int)}
		s.grants[name] = g
	}

	if mode == Exclusive {
		if g.exclusive != "" && g.exclusive != owner {
			return false
		}

		for holder := range g.shared {
			if holder != owner {
				return false
			}
		}

		g.exclusive = owner

		return true
	}

	if g.exclusive != "" && g.exclusive != owner {
		return false
	}

	g.shared[owner]++

	return true
}

// Release drops one grant the owner holds on the named lock. Releasing a
// lock that is not held is a no-op, which keeps recovery paths idempotent.
func (s *Service) Release(owner, name string, mode Mode) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	g, ok := s.grants[name]

	if !ok {
		return
	}

	if mode == Exclusive {
		if g.exclusive == owner {
			g.exclusive = ""
		}
	} else if g.shared[owner] > 0 {
		g.shared[owner]--

		if g.shared[owner] == 0 {
			delete(g.shared, owner)
		}
	}

	if g.exclusive == "" && len(g.shared) == 0 {
		delete(s.grants, name)
	}
}

// Locked reports whether any owner holds the named lock.
func (s *Service) Locked(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	g, ok := s.grants[name]

	return ok && (g.exclusive != "" || len(g.shared) > 0)
}

// ForceClear unconditionally releases every grant on locks whose name starts
// with the given prefix. Used to recover from abandoned connections.
func (s *Service) ForceClear(prefix string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for name := range s.grants {
		if strings.HasPrefix(name, prefix) {
			delete(s.grants, name)
		}
	}
}

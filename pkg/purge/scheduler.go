// Package purge opportunistically removes block versions that a committed
// transaction has made obsolete.
package purge

import (
	"log/slog"
	"sync"

	"blockfs/pkg/kv"
)

type Policy string

const (
	PolicyDeferred Policy = "deferred"
	PolicyManual   Policy = "manual"
)

const DefaultPurgeAtLeast = 16

// A Scheduler tracks at most one pending purge per file. Under the deferred
// policy, purges run on a background worker once a file's purge record has
// accumulated enough entries; under the manual policy nothing runs until
// Purge is called.
type Scheduler struct {
	atLeast int
	closed  bool
	mutex   *sync.Mutex
	pending map[string]struct{}
	policy  Policy
	queue   chan string
	store   *kv.Store
	wg      sync.WaitGroup
}

func NewScheduler(store *kv.Store, policy Policy, atLeast int) *Scheduler {
	if atLeast <= 0 {
		atLeast = DefaultPurgeAtLeast
	}

	s := &Scheduler{
		atLeast: atLeast,
		mutex:   &sync.Mutex{},
		pending: make(map[string]struct{}),
		policy:  policy,
		queue:   make(chan string, 64),
		store:   store,
	}

	if policy != PolicyManual {
		s.wg.Add(1)

		go s.worker()
	}

	return s
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for path := range s.queue {
		err := s.Purge(path)

		if err != nil {
			slog.Error("Deferred purge failed", "path", path, "error", err)
		}

		s.mutex.Lock()
		delete(s.pending, path)
		s.mutex.Unlock()
	}
}

// Notify is called after a successful sync with the size of the file's purge
// record. It schedules a deferred purge when the record is large enough and
// none is already pending for the path.
func (s *Scheduler) Notify(path string, pendingEntries int) {
	if s.policy == PolicyManual || pendingEntries < s.atLeast {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}

	if _, ok := s.pending[path]; ok {
		return
	}

	// The send must stay under the mutex: Close sets closed and closes the
	// queue while holding it, so a send outside the lock could hit a closed
	// channel.
	select {
	case s.queue <- path:
		s.pending[path] = struct{}{}
	default:
		// Queue is full; drop the request. The next sync renotifies.
	}
}

// Purge reads the file's purge record, deletes every block version strictly
// older than its recorded threshold, then deletes the record itself.
func (s *Scheduler) Purge(path string) error {
	return s.store.Run(kv.ReadWrite, func(b *kv.Batch) error {
		set, err := b.GetPurgeSet(path)

		if err != nil {
			return err
		}

		if len(set) == 0 {
			return nil
		}

		for index, threshold := range set {
			err = b.DeleteVersionsOlderThan(path, index, threshold)

			if err != nil {
				return err
			}
		}

		return b.DeletePurgeSet(path)
	})
}

// Close stops the background worker after draining queued purges.
func (s *Scheduler) Close() {
	s.mutex.Lock()

	if s.closed {
		s.mutex.Unlock()
		return
	}

	s.closed = true
	s.mutex.Unlock()

	close(s.queue)

	if s.policy != PolicyManual {
		s.wg.Wait()
	}
}

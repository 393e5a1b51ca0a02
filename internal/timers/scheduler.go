package timers

import (
	"sync"
	"time"
)

// Handle is a pending timer. Stop reports whether it prevented the function from running.
type Handle interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc; tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Handle

func realAfterFunc(d time.Duration, f func()) Handle { return time.AfterFunc(d, f) }

// Scheduler owns keyed one-shot tasks (e.g. ring timeouts per call id).
//
// Scheduling a key that is already pending replaces the old task. A task that
// fires removes itself before running, so Cancel after firing is a no-op.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*task
	after   AfterFunc
	gen     uint64
	stopped bool
}

type task struct {
	h   Handle
	gen uint64
}

func NewScheduler(after AfterFunc) *Scheduler {
	if after == nil {
		after = realAfterFunc
	}
	return &Scheduler{pending: map[string]*task{}, after: after}
}

// Schedule runs fn once after d unless the key is cancelled first.
func (s *Scheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if old, ok := s.pending[key]; ok {
		old.h.Stop()
		delete(s.pending, key)
	}
	s.gen++
	t := &task{gen: s.gen}
	myGen := t.gen
	t.h = s.after(d, func() {
		s.mu.Lock()
		cur, ok := s.pending[key]
		if !ok || cur.gen != myGen {
			s.mu.Unlock()
			return
		}
		delete(s.pending, key)
		s.mu.Unlock()
		fn()
	})
	s.pending[key] = t
}

// Cancel stops the pending task for key. It reports whether a task was pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[key]
	if !ok {
		return false
	}
	t.h.Stop()
	delete(s.pending, key)
	return true
}

// Pending returns the number of scheduled tasks that have neither fired nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels everything and rejects future Schedule calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for k, t := range s.pending {
		t.h.Stop()
		delete(s.pending, k)
	}
}

package event

import (
	"sync"
	"time"
)

// VirtualScheduler keeps its own simulation time and only moves it when
// told to. Tests and virtual-mode runs use it to step a deployment
// from event to event without waiting on wall-clock time.
type VirtualScheduler struct {
	mu  sync.Mutex
	now time.Time
	q   queue
}

// NewVirtualScheduler creates a scheduler starting at start.
func NewVirtualScheduler(start time.Time) *VirtualScheduler {
	return &VirtualScheduler{
		now: start,
		q:   newQueue("vev"),
	}
}

// Now returns the current virtual time.
func (s *VirtualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers a callback to run at the specified virtual time.
// Times in the past run on the next RunDue.
func (s *VirtualScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.push(at, f)
}

// Cancel attempts to cancel a previously scheduled event.
func (s *VirtualScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

// Pending returns the number of events still waiting to run.
func (s *VirtualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.pending()
}

// RunDue executes all events whose scheduled time is <= now.
func (s *VirtualScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.q.pop(s.now)
		s.mu.Unlock()
		if ev == nil {
			return
		}
		if ev.f != nil {
			ev.f()
		}
	}
}

// AdvanceTo moves virtual time to t and runs everything due. Time never
// goes backwards.
func (s *VirtualScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.After(s.now) {
		s.now = t
	}
	s.mu.Unlock()

	s.RunDue()
}

// Step jumps to the earliest pending event and runs everything due at that
// instant. It reports false when nothing is pending.
func (s *VirtualScheduler) Step() bool {
	s.mu.Lock()
	next, ok := s.q.next()
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.AdvanceTo(next)
	return true
}

// RunUntil steps through events until done reports true, the queue drains,
// or the next event lies after deadline. Virtual time ends at the last
// executed instant, or at deadline when events remain beyond it. It
// reports whether done was satisfied.
func (s *VirtualScheduler) RunUntil(deadline time.Time, done func() bool) bool {
	for {
		if done != nil && done() {
			return true
		}
		s.mu.Lock()
		next, ok := s.q.next()
		s.mu.Unlock()
		if !ok {
			return done != nil && done()
		}
		if next.After(deadline) {
			s.AdvanceTo(deadline)
			return done != nil && done()
		}
		s.AdvanceTo(next)
	}
}

// Package event provides the timer source every node runs on: callbacks
// scheduled at simulation times and executed in time order.
//
// Two implementations exist. NewClockScheduler follows an external
// timectrl.SimClock and is driven by calling RunDue after the clock ticks.
// VirtualScheduler owns its own time and jumps straight to the next event,
// which makes whole deployments run deterministically in tests.
package event

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/timectrl"
)

// Scheduler schedules callbacks to run at specific simulation times.
type Scheduler interface {
	// Schedule registers f to run at simulation time at. It returns an
	// opaque id usable with Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a pending event. Unknown or already-run ids are ignored.
	Cancel(id string)

	// Now returns the current simulation time.
	Now() time.Time

	// RunDue executes every event scheduled at or before Now, including
	// events scheduled by those callbacks. Events never run twice.
	RunDue()
}

// After schedules f to run d after the scheduler's current time.
func After(s Scheduler, d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

// Every runs fn each interval, starting one interval from now, until the
// returned stop function is called. fn receives the instant the tick was
// scheduled for, which stays on the interval grid even when the scheduler
// is advanced in large jumps.
func Every(s Scheduler, interval time.Duration, fn func(at time.Time)) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	var (
		mu      sync.Mutex
		id      string
		stopped bool
		arm     func(at time.Time)
	)
	arm = func(at time.Time) {
		id = s.Schedule(at, func() {
			mu.Lock()
			if stopped {
				mu.Unlock()
				return
			}
			mu.Unlock()

			fn(at)

			mu.Lock()
			defer mu.Unlock()
			if !stopped {
				arm(at.Add(interval))
			}
		})
	}

	mu.Lock()
	arm(s.Now().Add(interval))
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		s.Cancel(id)
	}
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// queue holds events ordered by time; events at the same time keep their
// scheduling order. Callers hold the owning scheduler's lock.
type queue struct {
	prefix  string
	counter uint64
	events  []*scheduledEvent
	index   map[string]*scheduledEvent
}

func newQueue(prefix string) queue {
	return queue{prefix: prefix, index: make(map[string]*scheduledEvent)}
}

func (q *queue) push(at time.Time, f func()) string {
	q.counter++
	ev := &scheduledEvent{
		id:   fmt.Sprintf("%s-%d", q.prefix, q.counter),
		when: at,
		f:    f,
	}

	idx := sort.Search(len(q.events), func(i int) bool {
		return q.events[i].when.After(at)
	})
	q.events = append(q.events, nil)
	copy(q.events[idx+1:], q.events[idx:])
	q.events[idx] = ev

	q.index[ev.id] = ev
	return ev.id
}

func (q *queue) cancel(id string) {
	ev, ok := q.index[id]
	if !ok {
		return
	}
	// Removal from events is lazy; pop skips cancelled entries.
	ev.cancelled = true
	delete(q.index, id)
}

// pop removes and returns the earliest live event due at or before now.
func (q *queue) pop(now time.Time) *scheduledEvent {
	for len(q.events) > 0 {
		ev := q.events[0]
		if ev.cancelled {
			q.events = q.events[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		q.events = q.events[1:]
		delete(q.index, ev.id)
		return ev
	}
	return nil
}

// next returns the time of the earliest live event.
func (q *queue) next() (time.Time, bool) {
	for _, ev := range q.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

func (q *queue) pending() int { return len(q.index) }

// clockScheduler follows an external SimClock.
type clockScheduler struct {
	clock timectrl.SimClock

	mu sync.Mutex
	q  queue
}

// NewClockScheduler creates a scheduler whose notion of "now" is clock.
// The owner calls RunDue whenever the clock advances, typically from a
// timectrl.TimeController listener.
func NewClockScheduler(clock timectrl.SimClock) Scheduler {
	return &clockScheduler{
		clock: clock,
		q:     newQueue("ev"),
	}
}

func (s *clockScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.push(at, f)
}

func (s *clockScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.cancel(id)
}

func (s *clockScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *clockScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.q.pop(s.clock.Now())
		s.mu.Unlock()
		if ev == nil {
			return
		}
		// Callbacks run outside the lock so they can schedule and cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}

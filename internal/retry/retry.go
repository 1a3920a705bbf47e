// Package retry runs bounded, fixed-interval resend schedules on an event
// scheduler. It is the only delivery guarantee the deployment protocol has:
// a message is sent, then resent on a schedule until the caller stops the
// task or the attempts run out.
package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/event"
)

// Policy is a bounded retry schedule.
type Policy struct {
	// Attempts is the total number of sends, the first one included.
	Attempts int `json:"attempts"`
	// Interval separates consecutive sends.
	Interval time.Duration `json:"interval"`
}

// BackOff returns the schedule as a backoff.BackOff that yields Interval
// Attempts-1 times and then backoff.Stop.
func (p Policy) BackOff() backoff.BackOff {
	return &limitedBackOff{
		delegate: backoff.NewConstantBackOff(p.Interval),
		max:      p.Attempts - 1,
	}
}

// limitedBackOff counts attempts itself: v5 only bounds tries inside the
// blocking backoff.Retry loop, which cannot run on simulated time.
type limitedBackOff struct {
	delegate backoff.BackOff
	max      int
	n        int
}

func (b *limitedBackOff) NextBackOff() time.Duration {
	if b.n >= b.max {
		return backoff.Stop
	}
	b.n++
	return b.delegate.NextBackOff()
}

func (b *limitedBackOff) Reset() {
	b.n = 0
	b.delegate.Reset()
}

// Task is one running schedule.
type Task struct {
	sched       event.Scheduler
	interval    time.Duration
	bo          backoff.BackOff
	send        func(attempt int)
	onExhausted func()

	mu        sync.Mutex
	id        string
	attempts  int
	stopped   bool
	exhausted bool
}

// Start performs the first attempt immediately and schedules the rest.
// send receives the 1-based attempt number. onExhausted, if set, runs one
// interval after the final attempt unless the task was stopped first.
func Start(s event.Scheduler, p Policy, send func(attempt int), onExhausted func()) *Task {
	t := &Task{
		sched:       s,
		interval:    p.Interval,
		bo:          p.BackOff(),
		send:        send,
		onExhausted: onExhausted,
	}
	t.attempt()
	return t
}

func (t *Task) attempt() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.attempts++
	n := t.attempts
	t.mu.Unlock()

	t.send(n)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	d := t.bo.NextBackOff()
	if d == backoff.Stop {
		t.id = event.After(t.sched, t.interval, t.expire)
		return
	}
	t.id = event.After(t.sched, d, t.attempt)
}

func (t *Task) expire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.exhausted = true
	cb := t.onExhausted
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Stop cancels any pending attempt. It is safe to call more than once.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.sched.Cancel(t.id)
}

// Attempts returns how many sends have happened so far.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Exhausted reports whether the schedule ran out without being stopped.
func (t *Task) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exhausted
}

// Package radio simulates the shared wireless channel the deployment runs
// over. Delivery is best effort: each copy of a message may be lost,
// duplicated or delayed, and copies from different senders can arrive in
// any order.
package radio

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/event"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

var (
	// ErrUnknownNode is returned when a unicast names an unattached node.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode is returned when Attach reuses an id.
	ErrDuplicateNode = errors.New("node already attached")
)

// Receiver consumes payloads delivered by the medium.
type Receiver interface {
	Deliver(from model.NodeID, payload []byte)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(from model.NodeID, payload []byte)

// Deliver calls f.
func (f ReceiverFunc) Deliver(from model.NodeID, payload []byte) { f(from, payload) }

// Sender is the send primitive nodes depend on. to may be model.Broadcast.
type Sender interface {
	Send(from, to model.NodeID, payload []byte) error
}

// Outcome labels what happened to one copy of a message.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeDropped    Outcome = "dropped"
	OutcomeDuplicated Outcome = "duplicated"
)

// Observer is notified of every per-copy outcome.
type Observer interface {
	ObserveRadio(outcome Outcome)
}

// Config shapes the channel.
type Config struct {
	LossRate      float64       `json:"loss_rate"`
	DuplicateRate float64       `json:"duplicate_rate"`
	MinLatency    time.Duration `json:"min_latency"`
	MaxLatency    time.Duration `json:"max_latency"`
	Seed          uint64        `json:"seed"`
}

// Stats counts sends and per-copy outcomes.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Delivered  uint64 `json:"delivered"`
	Dropped    uint64 `json:"dropped"`
	Duplicated uint64 `json:"duplicated"`
}

// Option configures a Medium.
type Option func(*Medium)

// WithLogger sets the medium's logger.
func WithLogger(log logging.Logger) Option {
	return func(m *Medium) {
		if log != nil {
			m.log = log
		}
	}
}

// WithObserver registers an outcome observer such as a metrics collector.
func WithObserver(o Observer) Option {
	return func(m *Medium) { m.observer = o }
}

// Medium is an in-process radio channel driven by an event scheduler.
type Medium struct {
	sched    event.Scheduler
	cfg      Config
	log      logging.Logger
	observer Observer

	mu    sync.Mutex
	rng   *rand.Rand
	nodes map[model.NodeID]Receiver
	ids   []model.NodeID // sorted, for deterministic broadcast fan-out
	stats Stats
}

// NewMedium builds a medium. Randomness is seeded from cfg.Seed so two
// media with the same seed and traffic behave identically.
func NewMedium(sched event.Scheduler, cfg Config, opts ...Option) *Medium {
	m := &Medium{
		sched: sched,
		cfg:   cfg,
		log:   logging.Noop(),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		nodes: make(map[model.NodeID]Receiver),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach registers r under id.
func (m *Medium) Attach(id model.NodeID, r Receiver) error {
	if id == model.Broadcast {
		return fmt.Errorf("attach %s: reserved id", id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[id]; exists {
		return fmt.Errorf("attach %s: %w", id, ErrDuplicateNode)
	}
	m.nodes[id] = r
	idx := sort.Search(len(m.ids), func(i int) bool { return m.ids[i] >= id })
	m.ids = append(m.ids, 0)
	copy(m.ids[idx+1:], m.ids[idx:])
	m.ids[idx] = id
	return nil
}

// Detach removes id. Copies already in flight to it are dropped on arrival.
func (m *Medium) Detach(id model.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[id]; !ok {
		return
	}
	delete(m.nodes, id)
	for i, v := range m.ids {
		if v == id {
			m.ids = append(m.ids[:i], m.ids[i+1:]...)
			break
		}
	}
}

// Send queues payload for delivery. A broadcast reaches every attached node
// except from. Each copy is handled independently.
func (m *Medium) Send(from, to model.NodeID, payload []byte) error {
	m.mu.Lock()
	m.stats.Sent++

	var targets []model.NodeID
	if to == model.Broadcast {
		targets = make([]model.NodeID, 0, len(m.ids))
		for _, id := range m.ids {
			if id != from {
				targets = append(targets, id)
			}
		}
	} else {
		if _, ok := m.nodes[to]; !ok {
			m.stats.Dropped++
			m.mu.Unlock()
			m.observe(OutcomeDropped)
			return fmt.Errorf("send to %s: %w", to, ErrUnknownNode)
		}
		targets = []model.NodeID{to}
	}

	type delivery struct {
		to    model.NodeID
		delay time.Duration
	}
	var (
		plan     []delivery
		outcomes []Outcome
	)
	for _, id := range targets {
		if m.roll(m.cfg.LossRate) {
			m.stats.Dropped++
			outcomes = append(outcomes, OutcomeDropped)
			continue
		}
		plan = append(plan, delivery{to: id, delay: m.latency()})
		if m.roll(m.cfg.DuplicateRate) {
			m.stats.Duplicated++
			outcomes = append(outcomes, OutcomeDuplicated)
			plan = append(plan, delivery{to: id, delay: m.latency()})
		}
	}
	m.mu.Unlock()

	for _, o := range outcomes {
		m.observe(o)
	}
	for _, d := range plan {
		buf := append([]byte(nil), payload...)
		dest := d.to
		event.After(m.sched, d.delay, func() { m.deliver(from, dest, buf) })
	}
	return nil
}

func (m *Medium) deliver(from, to model.NodeID, payload []byte) {
	m.mu.Lock()
	r, ok := m.nodes[to]
	if ok {
		m.stats.Delivered++
	} else {
		m.stats.Dropped++
	}
	m.mu.Unlock()

	if !ok {
		m.log.Debug(context.Background(), "dropping copy for detached node",
			logging.String("from", from.String()),
			logging.String("to", to.String()),
		)
		m.observe(OutcomeDropped)
		return
	}
	m.observe(OutcomeDelivered)
	r.Deliver(from, payload)
}

// Stats returns a snapshot of the counters.
func (m *Medium) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Medium) observe(o Outcome) {
	if m.observer != nil {
		m.observer.ObserveRadio(o)
	}
}

// roll and latency are called with m.mu held.
func (m *Medium) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	return m.rng.Float64() < p
}

func (m *Medium) latency() time.Duration {
	lo, hi := m.cfg.MinLatency, m.cfg.MaxLatency
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(m.rng.Int64N(int64(hi-lo)+1))
}

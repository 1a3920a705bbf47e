// Package sensor implements the sensor node: it answers robot discovery,
// obeys activate and collect commands, and accrues energy on every tick.
package sensor

import (
	"context"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/energy"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/event"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/radio"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/wire"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

// Config describes one sensor.
type Config struct {
	ID       model.NodeID
	Position model.Point
	Mode     model.Mode

	// SensingRange feeds the per-tick sensing cost while active.
	SensingRange float64
	// DiscoveryRange is how far from a robot's advertised position this
	// sensor still answers its discovery broadcast.
	DiscoveryRange float64

	// ProcessingDuty and IdleRadioDuty are the fractions of each tick spent
	// processing (active) or listening (idle).
	ProcessingDuty float64
	IdleRadioDuty  float64

	Energy energy.Params
}

// Stats counts what the sensor has seen.
type Stats struct {
	Replies      int `json:"replies"`
	Duplicates   int `json:"duplicates"`
	OutOfRange   int `json:"out_of_range"`
	Activations  int `json:"activations"`
	Collections  int `json:"collections"`
	Malformed    int `json:"malformed"`
	Misaddressed int `json:"misaddressed"`
}

// Snapshot is a point-in-time copy of a sensor's state.
type Snapshot struct {
	ID       model.NodeID `json:"id"`
	Position model.Point  `json:"position"`
	Mode     model.Mode   `json:"mode"`
	Energy   energy.Stats `json:"energy"`
	Stats    Stats        `json:"stats"`
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(log logging.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

// Agent is a single sensor. All methods must be called from the scheduler's
// goroutine.
type Agent struct {
	cfg   Config
	tx    radio.Sender
	sched event.Scheduler
	acct  *energy.Accountant
	log   logging.Logger

	pos      model.Point
	mode     model.Mode
	answered map[model.NodeID]uint16 // robot -> last discovery seq answered
	lastTick time.Time
	stopTick func()
	stats    Stats
}

// New builds a sensor attached to nothing; the caller attaches it to a
// medium as a radio.Receiver.
func New(cfg Config, tx radio.Sender, sched event.Scheduler, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		tx:       tx,
		sched:    sched,
		acct:     energy.NewAccountant(cfg.Energy),
		log:      logging.Noop(),
		pos:      cfg.Position,
		mode:     cfg.Mode,
		answered: make(map[model.NodeID]uint16),
		lastTick: sched.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logging.ForNode(a.log, string(model.RoleSensor), int(cfg.ID))
	return a
}

// ID returns the sensor's node id.
func (a *Agent) ID() model.NodeID { return a.cfg.ID }

// Mode returns the current mode.
func (a *Agent) Mode() model.Mode { return a.mode }

// Position returns the sensor's true position.
func (a *Agent) Position() model.Point { return a.pos }

// Start begins periodic energy accrual.
func (a *Agent) Start(interval time.Duration) {
	a.lastTick = a.sched.Now()
	a.stopTick = event.Every(a.sched, interval, a.Tick)
}

// Stop halts periodic energy accrual.
func (a *Agent) Stop() {
	if a.stopTick != nil {
		a.stopTick()
		a.stopTick = nil
	}
}

// Deliver handles one payload from the medium.
func (a *Agent) Deliver(from model.NodeID, payload []byte) {
	a.acct.Receive(len(payload))

	msg, err := wire.Decode(payload)
	if err != nil {
		a.stats.Malformed++
		a.log.Debug(context.Background(), "discarding malformed message",
			logging.String("from", from.String()), logging.Err(err))
		return
	}

	switch m := msg.(type) {
	case wire.Discovery:
		a.handleDiscovery(m)
	case wire.Command:
		if m.Sensor != a.cfg.ID {
			a.stats.Misaddressed++
			a.log.Debug(context.Background(), "ignoring command for another sensor",
				logging.Int("target", int(m.Sensor)))
			return
		}
		a.handleCommand(m)
	default:
		a.stats.Misaddressed++
	}
}

func (a *Agent) handleDiscovery(m wire.Discovery) {
	if a.pos.DistanceTo(m.Position) > a.cfg.DiscoveryRange {
		a.stats.OutOfRange++
		return
	}
	if seq, ok := a.answered[m.Robot]; ok && seq == m.Seq {
		a.stats.Duplicates++
		return
	}
	a.answered[m.Robot] = m.Seq

	payload := wire.Encode(wire.Reply{
		Sensor:   a.cfg.ID,
		Robot:    m.Robot,
		Position: a.pos,
		Mode:     a.mode,
	})
	a.acct.Transmit(len(payload))
	if err := a.tx.Send(a.cfg.ID, m.Robot, payload); err != nil {
		a.log.Debug(context.Background(), "reply not sent", logging.Err(err))
		return
	}
	a.stats.Replies++
}

func (a *Agent) handleCommand(m wire.Command) {
	switch m.Mode {
	case model.ModeActive:
		a.mode = model.ModeActive
		if m.HasPosition {
			a.pos = m.Position
		}
		a.stats.Activations++
	case model.ModeIdle:
		a.mode = model.ModeIdle
		a.stats.Collections++
	}
	a.log.Debug(context.Background(), "mode changed",
		logging.String("mode", a.mode.String()),
		logging.Float64("x", a.pos.X),
		logging.Float64("y", a.pos.Y),
	)
}

// Tick accrues energy for the time since the previous tick.
func (a *Agent) Tick(now time.Time) {
	elapsed := now.Sub(a.lastTick)
	if elapsed <= 0 {
		return
	}
	a.lastTick = now

	a.acct.Baseline(elapsed)
	if a.mode == model.ModeActive {
		a.acct.Sensing(a.cfg.SensingRange)
		a.acct.Processing(scale(elapsed, a.cfg.ProcessingDuty))
		return
	}
	a.acct.IdleRadio(scale(elapsed, a.cfg.IdleRadioDuty))
}

// Energy returns the sensor's energy stats.
func (a *Agent) Energy() energy.Stats { return a.acct.Stats() }

// Snapshot returns a copy of the sensor's state.
func (a *Agent) Snapshot() Snapshot {
	return Snapshot{
		ID:       a.cfg.ID,
		Position: a.pos,
		Mode:     a.mode,
		Energy:   a.acct.Stats(),
		Stats:    a.stats,
	}
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

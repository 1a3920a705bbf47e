// Package robot implements the mobile robot that works one location area
// at a time: it discovers nearby sensors, walks the LA's grids deploying,
// relocating and collecting sensors, and reports how many grids it covered.
package robot

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/wsn-deployment-simulator/core"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/energy"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/event"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/radio"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/wire"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

const tracerName = "github.com/signalsfoundry/wsn-deployment-simulator/internal/robot"

// Phase is the robot's position in its local-phase state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDiscovery
	PhaseDispersion
	PhaseReporting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDiscovery:
		return "discovery"
	case PhaseDispersion:
		return "dispersion"
	case PhaseReporting:
		return "reporting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Case is the outcome of one dispersion step.
type Case int

const (
	// CaseDeployCollect deploys a unit from stock and collects idle
	// co-located sensors.
	CaseDeployCollect Case = iota + 1
	// CaseDeploy deploys a unit from stock onto an empty grid.
	CaseDeploy
	// CaseActivateCollect activates one co-located sensor in place of stock
	// and collects the rest.
	CaseActivateCollect
	// CaseUncovered leaves the grid uncovered.
	CaseUncovered
)

func (c Case) String() string {
	switch c {
	case CaseDeployCollect:
		return "deploy_collect"
	case CaseDeploy:
		return "deploy"
	case CaseActivateCollect:
		return "activate_collect"
	case CaseUncovered:
		return "uncovered"
	default:
		return fmt.Sprintf("case(%d)", int(c))
	}
}

// Config describes one robot.
type Config struct {
	ID          model.NodeID
	BaseStation model.NodeID
	Start       model.Point

	RobotRange  float64
	SensorRange float64

	Capacity         int
	InitialStock     int
	MaxSensorRecords int
	// MoveBudget caps grid visits per LA. Zero means one visit per grid.
	MoveBudget int

	DiscoveryWindow time.Duration
	MoveInterval    time.Duration

	// StepProcessing and CommandProcessing are CPU time charged per grid
	// visit and per sensor command.
	StepProcessing    time.Duration
	CommandProcessing time.Duration

	Energy energy.Params
}

// Recorder receives robot activity for metrics.
type Recorder interface {
	ObserveDispersionStep(outcome string)
	ObserveSensorCommand(mode string)
	ObserveLocalPhase(d time.Duration)
}

// Stats counts robot activity across all local phases.
type Stats struct {
	Assignments        int          `json:"assignments"`
	IgnoredAssignments int          `json:"ignored_assignments"`
	ReportsSent        int          `json:"reports_sent"`
	ReportsResent      int          `json:"reports_resent"`
	Replies            int          `json:"replies"`
	DroppedReplies     int          `json:"dropped_replies"`
	Steps              int          `json:"steps"`
	Cases              map[Case]int `json:"-"`
	Activations        int          `json:"activations"`
	Collections        int          `json:"collections"`
	Malformed          int          `json:"malformed"`
	Misaddressed       int          `json:"misaddressed"`
	// IdleTicks counts consecutive ticks spent idle; it resets when a new
	// assignment is accepted.
	IdleTicks int `json:"idle_ticks"`
}

// Snapshot is a point-in-time copy of a robot's state.
type Snapshot struct {
	ID        model.NodeID         `json:"id"`
	Phase     Phase                `json:"phase"`
	Position  model.Point          `json:"position"`
	LA        model.LAID           `json:"la"`
	Stock     int                  `json:"stock"`
	Capacity  int                  `json:"capacity"`
	Budget    int                  `json:"budget"`
	Remaining int                  `json:"remaining"`
	MovesMade int                  `json:"moves_made"`
	Grids     []model.Grid         `json:"grids"`
	Sensors   []model.SensorRecord `json:"sensors"`
	Completed map[model.LAID]int   `json:"completed"`
	Energy    energy.Stats         `json:"energy"`
	Stats     Stats                `json:"stats"`
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

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(a *Agent) { a.rec = r }
}

// Agent is a single robot. All methods must be called from the scheduler's
// goroutine.
type Agent struct {
	cfg    Config
	tx     radio.Sender
	sched  event.Scheduler
	acct   *energy.Accountant
	log    logging.Logger
	rec    Recorder
	tracer trace.Tracer

	phase Phase
	pos   model.Point

	la       model.LAID
	laCenter model.Point
	grids    []model.Grid
	sensors  []model.SensorRecord // discovery order

	stock    int
	stockSet bool

	budget    int
	remaining int
	movesMade int

	seq       uint16
	timer     string
	stopTick  func()
	lastTick  time.Time
	phaseAt   time.Time
	phaseCtx  context.Context
	phaseSpan trace.Span

	completed map[model.LAID]wire.Report
	stats     Stats
}

// New builds a robot idling at cfg.Start.
func New(cfg Config, tx radio.Sender, sched event.Scheduler, opts ...Option) *Agent {
	a := &Agent{
		cfg:       cfg,
		tx:        tx,
		sched:     sched,
		acct:      energy.NewAccountant(cfg.Energy),
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
		pos:       cfg.Start,
		lastTick:  sched.Now(),
		phaseCtx:  context.Background(),
		completed: make(map[model.LAID]wire.Report),
		stats:     Stats{Cases: make(map[Case]int)},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logging.ForNode(a.log, string(model.RoleRobot), int(cfg.ID))
	return a
}

// ID returns the robot's node id.
func (a *Agent) ID() model.NodeID { return a.cfg.ID }

// Phase returns the current phase.
func (a *Agent) Phase() Phase { return a.phase }

// Start begins periodic energy accrual and idle accounting.
func (a *Agent) Start(interval time.Duration) {
	a.lastTick = a.sched.Now()
	a.stopTick = event.Every(a.sched, interval, a.Tick)
}

// Stop halts the tick and any pending phase timer.
func (a *Agent) Stop() {
	if a.stopTick != nil {
		a.stopTick()
		a.stopTick = nil
	}
	if a.timer != "" {
		a.sched.Cancel(a.timer)
		a.timer = ""
	}
}

// Tick accrues baseline energy and counts idle time.
func (a *Agent) Tick(now time.Time) {
	if elapsed := now.Sub(a.lastTick); elapsed > 0 {
		a.acct.Baseline(elapsed)
		a.lastTick = now
	}
	if a.phase == PhaseIdle {
		a.stats.IdleTicks++
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
	case wire.Assignment:
		a.HandleAssignment(m)
	case wire.Reply:
		a.HandleReply(m)
	case wire.Discovery:
		// Another robot's broadcast; meant for sensors.
	default:
		a.stats.Misaddressed++
		a.log.Debug(context.Background(), "ignoring unexpected message",
			logging.String("tag", msg.Tag().String()), logging.String("from", from.String()))
	}
}

// HandleAssignment starts a local phase for m when the robot is idle and m
// is addressed to it or to any robot. An assignment for an LA this robot
// already finished re-sends the stored report instead.
func (a *Agent) HandleAssignment(m wire.Assignment) {
	if m.Robot != a.cfg.ID && m.Robot != model.AnyRobot {
		a.stats.Misaddressed++
		return
	}
	if a.phase != PhaseIdle {
		a.stats.IgnoredAssignments++
		return
	}
	if r, done := a.completed[m.LA]; done {
		a.stats.ReportsResent++
		a.log.Debug(context.Background(), "re-sending report for finished LA", logging.Int("la", int(m.LA)))
		a.send(a.cfg.BaseStation, r)
		return
	}
	a.beginPhase(m)
}

func (a *Agent) beginPhase(m wire.Assignment) {
	a.stats.Assignments++
	a.stats.IdleTicks = 0

	a.la = m.LA
	a.laCenter = m.Center
	a.grids = nil
	a.sensors = a.sensors[:0]
	a.budget, a.remaining, a.movesMade = 0, 0, 0

	a.phaseAt = a.sched.Now()
	a.phaseCtx, a.phaseSpan = a.tracer.Start(context.Background(), "robot.local_phase",
		trace.WithAttributes(
			attribute.Int("robot.id", int(a.cfg.ID)),
			attribute.Int("la.id", int(m.LA)),
		))

	a.moveTo(m.Center)
	a.grids = core.PartitionGrids(m.Center, a.cfg.RobotRange, a.cfg.SensorRange)
	a.phase = PhaseDiscovery

	a.seq++
	a.send(model.Broadcast, wire.Discovery{Robot: a.cfg.ID, Seq: a.seq, Position: a.pos})
	a.phaseSpan.AddEvent("discovery_broadcast")

	a.log.Info(a.phaseCtx, "local phase started",
		logging.Int("la", int(m.LA)),
		logging.Int("grids", len(a.grids)),
	)
	a.timer = event.After(a.sched, a.cfg.DiscoveryWindow, a.endDiscovery)
}

// HandleReply records a discovery reply. Replies outside the discovery
// window, or once the table is full, are dropped.
func (a *Agent) HandleReply(m wire.Reply) {
	if m.Robot != a.cfg.ID {
		a.stats.Misaddressed++
		return
	}
	if a.phase != PhaseDiscovery {
		a.stats.DroppedReplies++
		return
	}
	for i := range a.sensors {
		if a.sensors[i].SensorID == m.Sensor {
			a.sensors[i].Position = m.Position
			a.sensors[i].Mode = m.Mode
			a.stats.Replies++
			return
		}
	}
	if a.cfg.MaxSensorRecords > 0 && len(a.sensors) >= a.cfg.MaxSensorRecords {
		a.stats.DroppedReplies++
		return
	}
	a.sensors = append(a.sensors, model.SensorRecord{
		SensorID: m.Sensor,
		Position: m.Position,
		Mode:     m.Mode,
	})
	a.stats.Replies++
}

func (a *Agent) endDiscovery() {
	a.timer = ""
	if a.phase != PhaseDiscovery {
		return
	}
	a.phase = PhaseDispersion
	a.budget = a.cfg.MoveBudget
	if a.budget <= 0 {
		a.budget = len(a.grids)
	}
	a.remaining = a.budget
	a.movesMade = 0
	if !a.stockSet {
		a.stock = a.cfg.InitialStock
		a.stockSet = true
	}
	a.phaseSpan.AddEvent("dispersion_started", trace.WithAttributes(
		attribute.Int("sensors", len(a.sensors)),
		attribute.Int("stock", a.stock),
	))
	a.step()
}

// step performs one grid visit and schedules the next.
func (a *Agent) step() {
	a.timer = ""
	if a.phase != PhaseDispersion {
		return
	}
	idx, ok := core.NearestUncovered(a.grids, a.pos)
	if a.remaining <= 0 || !ok {
		a.report()
		return
	}

	g := &a.grids[idx]
	a.moveTo(g.Center)
	a.acct.Processing(a.cfg.StepProcessing)

	c := a.disperse(g, a.coLocated(g.Center))
	a.remaining--
	a.movesMade++
	a.stats.Steps++
	a.stats.Cases[c]++
	if a.rec != nil {
		a.rec.ObserveDispersionStep(c.String())
	}

	if _, more := core.NearestUncovered(a.grids, a.pos); a.remaining == 0 || !more {
		a.report()
		return
	}
	a.timer = event.After(a.sched, a.cfg.MoveInterval, a.step)
}

// coLocated returns the idle sensors whose last known position lies within
// half a sensor range of center, in discovery order.
func (a *Agent) coLocated(center model.Point) []model.NodeID {
	var ids []model.NodeID
	for _, s := range a.sensors {
		if s.Mode == model.ModeIdle && core.WithinRadius(s.Position, center, a.cfg.SensorRange/2) {
			ids = append(ids, s.SensorID)
		}
	}
	return ids
}

// disperse applies exactly one of the four coverage cases to g.
func (a *Agent) disperse(g *model.Grid, co []model.NodeID) Case {
	switch {
	case a.stock > 0 && len(co) > 0:
		a.stock--
		g.Covered = true
		a.collect(co)
		return CaseDeployCollect
	case a.stock > 0:
		a.stock--
		g.Covered = true
		return CaseDeploy
	case len(co) > 0:
		a.activate(co[0], g.Center)
		g.Covered = true
		a.collect(co[1:])
		return CaseActivateCollect
	default:
		return CaseUncovered
	}
}

// collect picks up sensors into stock until ids run out or stock is full.
func (a *Agent) collect(ids []model.NodeID) {
	for _, id := range ids {
		if a.stock >= a.cfg.Capacity {
			return
		}
		a.forget(id)
		a.stock++
		a.stats.Collections++
		a.command(wire.Command{Sensor: id, Mode: model.ModeIdle})
	}
}

func (a *Agent) activate(id model.NodeID, at model.Point) {
	for i := range a.sensors {
		if a.sensors[i].SensorID == id {
			a.sensors[i].Mode = model.ModeActive
			a.sensors[i].Position = at
			break
		}
	}
	a.stats.Activations++
	a.command(wire.Command{Sensor: id, Mode: model.ModeActive, HasPosition: true, Position: at})
}

func (a *Agent) command(c wire.Command) {
	a.acct.Processing(a.cfg.CommandProcessing)
	a.send(c.Sensor, c)
	if a.rec != nil {
		a.rec.ObserveSensorCommand(c.Mode.String())
	}
}

func (a *Agent) forget(id model.NodeID) {
	for i := range a.sensors {
		if a.sensors[i].SensorID == id {
			a.sensors = append(a.sensors[:i], a.sensors[i+1:]...)
			return
		}
	}
}

func (a *Agent) report() {
	a.phase = PhaseReporting

	covered := 0
	for _, g := range a.grids {
		if g.Covered {
			covered++
		}
	}
	r := wire.Report{Robot: a.cfg.ID, LA: a.la, Covered: uint16(covered)}
	a.completed[a.la] = r
	a.send(a.cfg.BaseStation, r)
	a.stats.ReportsSent++

	d := a.sched.Now().Sub(a.phaseAt)
	if a.rec != nil {
		a.rec.ObserveLocalPhase(d)
	}
	a.log.Info(a.phaseCtx, "local phase finished",
		logging.Int("la", int(a.la)),
		logging.Int("covered", covered),
		logging.Int("moves", a.movesMade),
		logging.Int("stock", a.stock),
		logging.Duration("elapsed", d),
	)
	a.phaseSpan.SetAttributes(
		attribute.Int("grids.covered", covered),
		attribute.Int("moves", a.movesMade),
	)
	a.phaseSpan.End()

	a.stock = a.cfg.InitialStock
	a.phase = PhaseIdle
}

func (a *Agent) moveTo(p model.Point) {
	a.acct.Mobility(a.pos.DistanceTo(p))
	a.pos = p
}

func (a *Agent) send(to model.NodeID, m wire.Message) {
	payload := wire.Encode(m)
	a.acct.Transmit(len(payload))
	if err := a.tx.Send(a.cfg.ID, to, payload); err != nil {
		a.log.Debug(context.Background(), "send failed",
			logging.String("tag", m.Tag().String()),
			logging.String("to", to.String()),
			logging.Err(err),
		)
	}
}

// Energy returns the robot's energy stats.
func (a *Agent) Energy() energy.Stats { return a.acct.Stats() }

// Snapshot returns a copy of the robot's state.
func (a *Agent) Snapshot() Snapshot {
	stats := a.stats
	stats.Cases = make(map[Case]int, len(a.stats.Cases))
	for k, v := range a.stats.Cases {
		stats.Cases[k] = v
	}
	completed := make(map[model.LAID]int, len(a.completed))
	for la, r := range a.completed {
		completed[la] = int(r.Covered)
	}
	return Snapshot{
		ID:        a.cfg.ID,
		Phase:     a.phase,
		Position:  a.pos,
		LA:        a.la,
		Stock:     a.stock,
		Capacity:  a.cfg.Capacity,
		Budget:    a.budget,
		Remaining: a.remaining,
		MovesMade: a.movesMade,
		Grids:     append([]model.Grid(nil), a.grids...),
		Sensors:   append([]model.SensorRecord(nil), a.sensors...),
		Completed: completed,
		Energy:    a.acct.Stats(),
		Stats:     stats,
	}
}

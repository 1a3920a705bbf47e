// Package basestation implements the coordinator that tiles the target
// area into location areas, hands them out to robots one at a time and
// aggregates the coverage they report.
package basestation

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
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/retry"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/wire"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

const tracerName = "github.com/signalsfoundry/wsn-deployment-simulator/internal/basestation"

// State is the coordinator's global-phase state.
type State int

const (
	StateInit State = iota
	StateReady
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ReportResult classifies how a robot report was handled.
type ReportResult string

const (
	// ReportApplied finalised the robot's current LA.
	ReportApplied ReportResult = "applied"
	// ReportDuplicate named an LA that was already final.
	ReportDuplicate ReportResult = "duplicate"
	// ReportStale named an LA the robot no longer holds.
	ReportStale ReportResult = "stale"
	// ReportUnknownRobot came from a robot the coordinator does not manage.
	ReportUnknownRobot ReportResult = "unknown_robot"
)

// Config describes the coordinator.
type Config struct {
	ID model.NodeID

	AreaSize         float64
	RobotRange       float64
	SensorRange      float64
	MaxLocationAreas int

	// AssignmentRetry schedules LA assignment resends.
	AssignmentRetry retry.Policy
	// ReportProcessing is CPU time charged per report handled.
	ReportProcessing time.Duration

	Energy energy.Params
}

// Recorder receives coordinator activity for metrics.
type Recorder interface {
	ObserveAssignment(retry bool)
	ObserveReport(result string)
	SetCoverage(percent float64, coveredGrids, reportedLAs int)
}

// Stats counts coordinator activity.
type Stats struct {
	AssignmentsSent int `json:"assignments_sent"`
	Retries         int `json:"retries"`
	ReportsApplied  int `json:"reports_applied"`
	ReportsIgnored  int `json:"reports_ignored"`
	// Stalls counts assignments whose retries ran out before either a report
	// or the robot's discovery broadcast was heard.
	Stalls       int `json:"stalls"`
	Malformed    int `json:"malformed"`
	Misaddressed int `json:"misaddressed"`
}

// RobotStatus is the coordinator's view of one robot.
type RobotStatus struct {
	ID       model.NodeID `json:"id"`
	LA       model.LAID   `json:"la"`
	Finished bool         `json:"finished"`
	Stalled  bool         `json:"stalled"`
	// Started is set once the robot's discovery broadcast for its current
	// LA has been overheard.
	Started bool `json:"started"`
}

// Snapshot is a point-in-time copy of the coordinator's state.
type Snapshot struct {
	State           State                `json:"state"`
	Areas           []model.LocationArea `json:"areas"`
	Robots          []RobotStatus        `json:"robots"`
	GridsPerLA      int                  `json:"grids_per_la"`
	TotalCovered    int                  `json:"total_covered"`
	CoveragePercent float64              `json:"coverage_percent"`
	Energy          energy.Stats         `json:"energy"`
	Stats           Stats                `json:"stats"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(log logging.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.rec = r }
}

// OnDone registers fn to run once when the coordinator reaches StateDone.
func OnDone(fn func()) Option {
	return func(c *Coordinator) { c.onDone = fn }
}

type robotState struct {
	id       model.NodeID
	la       model.LAID // 0 when none held
	task     *retry.Task
	finished bool
	stalled  bool
	started  bool
}

// Coordinator is the base station. All methods must be called from the
// scheduler's goroutine.
type Coordinator struct {
	cfg    Config
	tx     radio.Sender
	sched  event.Scheduler
	acct   *energy.Accountant
	log    logging.Logger
	rec    Recorder
	tracer trace.Tracer
	onDone func()

	state        State
	areas        []model.LocationArea
	gridsPerLA   int
	robots       []*robotState
	byID         map[model.NodeID]*robotState
	totalCovered int

	ctx      context.Context
	span     trace.Span
	lastTick time.Time
	stopTick func()
	stats    Stats
}

// New tiles the target area and returns a coordinator in StateInit.
func New(cfg Config, tx radio.Sender, sched event.Scheduler, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		tx:         tx,
		sched:      sched,
		acct:       energy.NewAccountant(cfg.Energy),
		log:        logging.Noop(),
		tracer:     otel.Tracer(tracerName),
		areas:      core.TileLocationAreas(cfg.AreaSize, cfg.RobotRange, cfg.MaxLocationAreas),
		gridsPerLA: core.GridsPerLA(cfg.RobotRange, cfg.SensorRange),
		byID:       make(map[model.NodeID]*robotState),
		ctx:        context.Background(),
		lastTick:   sched.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.ForNode(c.log, string(model.RoleBaseStation), int(cfg.ID))
	c.log.Info(c.ctx, "location areas tiled",
		logging.Int("areas", len(c.areas)),
		logging.Int("grids_per_la", c.gridsPerLA),
	)
	return c
}

// Start moves the coordinator to StateReady and assigns an LA to every
// robot in the given order. Calling Start twice has no effect.
func (c *Coordinator) Start(robots []model.NodeID) {
	if c.state != StateInit {
		return
	}
	c.state = StateReady
	c.ctx, c.span = c.tracer.Start(context.Background(), "basestation.global_phase",
		trace.WithAttributes(
			attribute.Int("areas", len(c.areas)),
			attribute.Int("robots", len(robots)),
		))

	for _, id := range robots {
		if _, dup := c.byID[id]; dup {
			continue
		}
		rs := &robotState{id: id}
		c.robots = append(c.robots, rs)
		c.byID[id] = rs
	}
	c.log.Info(c.ctx, "global phase started", logging.Int("robots", len(c.robots)))

	for _, rs := range c.robots {
		c.Assign(rs.id)
	}
	c.checkDone()
}

// Assign gives robot the lowest-id LA that is neither reported nor held by
// another robot, or marks the robot finished when none is left.
func (c *Coordinator) Assign(robot model.NodeID) {
	rs, ok := c.byID[robot]
	if !ok || c.state != StateReady {
		return
	}
	rs.task.Stop()
	rs.task = nil
	rs.stalled = false
	rs.started = false

	held := make(map[model.LAID]bool, len(c.robots))
	for _, other := range c.robots {
		if other != rs && other.la != 0 {
			held[other.la] = true
		}
	}

	for i := range c.areas {
		la := c.areas[i]
		if la.Reported || held[la.ID] {
			continue
		}
		rs.la = la.ID
		msg := wire.Assignment{Robot: robot, LA: la.ID, Center: la.Center}
		c.log.Info(c.ctx, "assigning location area",
			logging.Int("robot", int(robot)),
			logging.Int("la", int(la.ID)),
		)
		rs.task = retry.Start(c.sched, c.cfg.AssignmentRetry, func(attempt int) {
			c.stats.AssignmentsSent++
			if attempt > 1 {
				c.stats.Retries++
			}
			if c.rec != nil {
				c.rec.ObserveAssignment(attempt > 1)
			}
			c.send(robot, msg)
		}, func() {
			if rs.started {
				return
			}
			rs.stalled = true
			c.stats.Stalls++
			c.log.Warn(c.ctx, "assignment retries exhausted without a report",
				logging.Int("robot", int(robot)),
				logging.Int("la", int(msg.LA)),
			)
		})
		return
	}

	rs.la = 0
	if !rs.finished {
		rs.finished = true
		c.log.Info(c.ctx, "no location area left for robot", logging.Int("robot", int(robot)))
	}
}

// OnReport applies a robot's coverage report. Only a report for the LA the
// robot currently holds changes state; the first one finalises the LA and
// the robot is immediately reassigned.
func (c *Coordinator) OnReport(r wire.Report) ReportResult {
	result := c.applyReport(r)
	if result == ReportApplied {
		c.stats.ReportsApplied++
	} else {
		c.stats.ReportsIgnored++
		c.log.Debug(c.ctx, "ignoring report",
			logging.String("result", string(result)),
			logging.Int("robot", int(r.Robot)),
			logging.Int("la", int(r.LA)),
		)
	}
	if c.rec != nil {
		c.rec.ObserveReport(string(result))
	}
	return result
}

func (c *Coordinator) applyReport(r wire.Report) ReportResult {
	rs, ok := c.byID[r.Robot]
	if !ok {
		c.stats.Misaddressed++
		return ReportUnknownRobot
	}
	c.acct.Processing(c.cfg.ReportProcessing)

	la := c.area(r.LA)
	if la == nil || rs.la != r.LA {
		return ReportStale
	}
	if la.Reported {
		return ReportDuplicate
	}

	covered := int(r.Covered)
	if covered > c.gridsPerLA {
		covered = c.gridsPerLA
	}
	la.CoveredGrids = covered
	la.Reported = true
	c.totalCovered += covered

	rs.task.Stop()
	rs.task = nil
	rs.la = 0

	c.log.Info(c.ctx, "location area reported",
		logging.Int("robot", int(r.Robot)),
		logging.Int("la", int(r.LA)),
		logging.Int("covered", covered),
		logging.Float64("coverage_percent", c.CoveragePercent()),
	)
	if c.rec != nil {
		c.rec.SetCoverage(c.CoveragePercent(), c.totalCovered, c.reportedLAs())
	}
	if c.span != nil {
		c.span.AddEvent("la_reported", trace.WithAttributes(
			attribute.Int("la.id", int(r.LA)),
			attribute.Int("grids.covered", covered),
		))
	}

	c.Assign(r.Robot)
	c.checkDone()
	return ReportApplied
}

func (c *Coordinator) checkDone() {
	if c.state != StateReady {
		return
	}
	for _, rs := range c.robots {
		if !rs.finished {
			return
		}
	}
	c.state = StateDone
	c.log.Info(c.ctx, "global phase complete",
		logging.Int("covered_grids", c.totalCovered),
		logging.Int("reported_las", c.reportedLAs()),
		logging.Float64("coverage_percent", c.CoveragePercent()),
	)
	if c.span != nil {
		c.span.SetAttributes(attribute.Float64("coverage.percent", c.CoveragePercent()))
		c.span.End()
	}
	if c.onDone != nil {
		c.onDone()
	}
}

// Deliver handles one payload from the medium.
func (c *Coordinator) Deliver(from model.NodeID, payload []byte) {
	c.acct.Receive(len(payload))

	msg, err := wire.Decode(payload)
	if err != nil {
		c.stats.Malformed++
		c.log.Debug(c.ctx, "discarding malformed message",
			logging.String("from", from.String()), logging.Err(err))
		return
	}
	switch m := msg.(type) {
	case wire.Report:
		c.OnReport(m)
	case wire.Discovery:
		c.onDiscovery(m)
	default:
		c.stats.Misaddressed++
		c.log.Debug(c.ctx, "ignoring unexpected message",
			logging.String("tag", msg.Tag().String()), logging.String("from", from.String()))
	}
}

// onDiscovery treats an overheard discovery broadcast from the LA centre a
// robot was sent to as evidence that the assignment arrived. Retries keep
// their schedule; only the stall verdict changes.
func (c *Coordinator) onDiscovery(m wire.Discovery) {
	rs, ok := c.byID[m.Robot]
	if !ok || rs.la == 0 || rs.started {
		return
	}
	la := c.area(rs.la)
	if la == nil || la.Center != m.Position {
		return
	}
	rs.started = true
	rs.stalled = false
	c.log.Debug(c.ctx, "robot started local phase",
		logging.Int("robot", int(m.Robot)),
		logging.Int("la", int(rs.la)),
	)
}

// StartTicks begins periodic baseline energy accrual.
func (c *Coordinator) StartTicks(interval time.Duration) {
	c.lastTick = c.sched.Now()
	c.stopTick = event.Every(c.sched, interval, c.Tick)
}

// Stop halts the tick and every pending assignment retry.
func (c *Coordinator) Stop() {
	if c.stopTick != nil {
		c.stopTick()
		c.stopTick = nil
	}
	for _, rs := range c.robots {
		rs.task.Stop()
	}
}

// Tick accrues baseline energy for the time since the previous tick.
func (c *Coordinator) Tick(now time.Time) {
	if elapsed := now.Sub(c.lastTick); elapsed > 0 {
		c.acct.Baseline(elapsed)
		c.lastTick = now
	}
}

func (c *Coordinator) send(to model.NodeID, m wire.Message) {
	payload := wire.Encode(m)
	c.acct.Transmit(len(payload))
	if err := c.tx.Send(c.cfg.ID, to, payload); err != nil {
		c.log.Debug(c.ctx, "send failed",
			logging.String("to", to.String()), logging.Err(err))
	}
}

func (c *Coordinator) area(id model.LAID) *model.LocationArea {
	// Ids are dense and start at 1.
	i := int(id) - 1
	if i < 0 || i >= len(c.areas) {
		return nil
	}
	return &c.areas[i]
}

func (c *Coordinator) reportedLAs() int {
	n := 0
	for _, la := range c.areas {
		if la.Reported {
			n++
		}
	}
	return n
}

// State returns the current global-phase state.
func (c *Coordinator) State() State { return c.state }

// Done reports whether every robot has run out of LAs.
func (c *Coordinator) Done() bool { return c.state == StateDone }

// GridsPerLA returns the number of grids in one LA.
func (c *Coordinator) GridsPerLA() int { return c.gridsPerLA }

// TotalCovered returns the sum of covered grids over reported LAs.
func (c *Coordinator) TotalCovered() int { return c.totalCovered }

// CoveragePercent returns 100 × covered grids / (LAs × grids per LA).
func (c *Coordinator) CoveragePercent() float64 {
	denom := len(c.areas) * c.gridsPerLA
	if denom == 0 {
		return 0
	}
	return 100 * float64(c.totalCovered) / float64(denom)
}

// Assignment returns the LA robot currently holds.
func (c *Coordinator) Assignment(robot model.NodeID) (model.LAID, bool) {
	rs, ok := c.byID[robot]
	if !ok || rs.la == 0 {
		return 0, false
	}
	return rs.la, true
}

// Areas returns a copy of the LA table.
func (c *Coordinator) Areas() []model.LocationArea {
	return append([]model.LocationArea(nil), c.areas...)
}

// Energy returns the base station's energy stats.
func (c *Coordinator) Energy() energy.Stats { return c.acct.Stats() }

// Snapshot returns a copy of the coordinator's state.
func (c *Coordinator) Snapshot() Snapshot {
	robots := make([]RobotStatus, 0, len(c.robots))
	for _, rs := range c.robots {
		robots = append(robots, RobotStatus{
			ID:       rs.id,
			LA:       rs.la,
			Finished: rs.finished,
			Stalled:  rs.stalled,
			Started:  rs.started,
		})
	}
	return Snapshot{
		State:           c.state,
		Areas:           c.Areas(),
		Robots:          robots,
		GridsPerLA:      c.gridsPerLA,
		TotalCovered:    c.totalCovered,
		CoveragePercent: c.CoveragePercent(),
		Energy:          c.acct.Stats(),
		Stats:           c.stats,
	}
}

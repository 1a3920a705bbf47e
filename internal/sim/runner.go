// Package sim wires a base station, robots and sensors onto one simulated
// radio medium and runs a deployment to completion.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/basestation"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/config"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/event"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/radio"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/robot"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/sensor"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
	"github.com/signalsfoundry/wsn-deployment-simulator/timectrl"
)

// ErrNotDone is returned when the run hits its time limit before every LA
// has been reported.
var ErrNotDone = errors.New("deployment not finished")

// BaseStationID is the node id of the coordinator. Robots follow it and
// sensors follow the robots.
const BaseStationID model.NodeID = 1

// Mode selects how simulated time advances.
type Mode string

const (
	// ModeVirtual jumps from event to event as fast as possible.
	ModeVirtual Mode = "virtual"
	// ModeRealTime advances one clock tick per wall-clock tick.
	ModeRealTime Mode = "realtime"
	// ModeAccelerated advances clock ticks back to back.
	ModeAccelerated Mode = "accelerated"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeVirtual, ModeRealTime, ModeAccelerated:
		return m, nil
	case "":
		return ModeVirtual, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Recorder receives metrics from every component of a run.
type Recorder interface {
	basestation.Recorder
	robot.Recorder
	radio.Observer
	SetNodeEnergy(role, node string, joules float64)
}

// RunRecorder receives run-level metrics.
type RunRecorder interface {
	ObserveRun(d time.Duration, outcome string)
	SetQueue(pending int, elapsed time.Duration)
	IncEvents()
}

// Options configures a Runner beyond the deployment config.
type Options struct {
	Mode Mode
	// ClockTick is the controller step for realtime and accelerated modes.
	ClockTick time.Duration
	Start     time.Time
	Logger    logging.Logger
	Recorder  Recorder
	RunStats  RunRecorder
	// RunID names the run in logs, spans and summaries. A random UUID is
	// used when empty.
	RunID string
}

// Runner owns one deployment run.
type Runner struct {
	cfg   config.Config
	opts  Options
	log   logging.Logger
	runID string

	sched   event.Scheduler
	virtual *event.VirtualScheduler
	ctrl    *timectrl.TimeController

	medium  *radio.Medium
	base    *basestation.Coordinator
	robots  []*robot.Agent
	sensors []*sensor.Agent

	mu      sync.RWMutex
	summary Summary
}

// New validates cfg and builds every node. Nothing runs until Run.
func New(cfg config.Config, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	opts.Mode = mode
	if opts.ClockTick <= 0 {
		opts.ClockTick = 100 * time.Millisecond
	}
	if opts.Start.IsZero() {
		opts.Start = time.Unix(0, 0).UTC()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	r := &Runner{
		cfg:   cfg,
		opts:  opts,
		runID: opts.RunID,
	}
	r.log = opts.Logger.With(logging.String("run_id", r.runID))

	var base event.Scheduler
	switch mode {
	case ModeVirtual:
		r.virtual = event.NewVirtualScheduler(opts.Start)
		base = r.virtual
	case ModeRealTime, ModeAccelerated:
		tm := timectrl.RealTime
		if mode == ModeAccelerated {
			tm = timectrl.Accelerated
		}
		r.ctrl = timectrl.NewTimeController(opts.Start, opts.ClockTick, tm)
		base = event.NewClockScheduler(r.ctrl)
	}
	r.sched = &countingScheduler{Scheduler: base, rec: opts.RunStats}

	if err := r.build(); err != nil {
		return nil, err
	}
	r.refresh()
	return r, nil
}

func (r *Runner) build() error {
	cfg := r.cfg
	var mopts []radio.Option
	mopts = append(mopts, radio.WithLogger(r.log))
	if r.opts.Recorder != nil {
		mopts = append(mopts, radio.WithObserver(r.opts.Recorder))
	}
	r.medium = radio.NewMedium(r.sched, cfg.MediumConfig(), mopts...)

	var bopts []basestation.Option
	bopts = append(bopts, basestation.WithLogger(r.log))
	if r.opts.Recorder != nil {
		bopts = append(bopts, basestation.WithRecorder(r.opts.Recorder))
	}
	r.base = basestation.New(basestation.Config{
		ID:               BaseStationID,
		AreaSize:         cfg.Area.Size,
		RobotRange:       cfg.Area.RobotRange,
		SensorRange:      cfg.Area.SensorRange,
		MaxLocationAreas: cfg.Area.MaxLocationAreas,
		AssignmentRetry:  cfg.AssignmentRetry(),
		ReportProcessing: cfg.BaseStation.ReportProcessing.D(),
		Energy:           cfg.Energy.BaseStation,
	}, r.medium, r.sched, bopts...)
	if err := r.medium.Attach(BaseStationID, r.base); err != nil {
		return fmt.Errorf("attach base station: %w", err)
	}

	var ropts []robot.Option
	ropts = append(ropts, robot.WithLogger(r.log))
	if r.opts.Recorder != nil {
		ropts = append(ropts, robot.WithRecorder(r.opts.Recorder))
	}
	next := BaseStationID + 1
	for i := 0; i < cfg.Robots.Count; i++ {
		a := robot.New(robot.Config{
			ID:                next,
			BaseStation:       BaseStationID,
			Start:             cfg.RobotStart(),
			RobotRange:        cfg.Area.RobotRange,
			SensorRange:       cfg.Area.SensorRange,
			Capacity:          cfg.Robots.Capacity,
			InitialStock:      cfg.Robots.InitialStock,
			MaxSensorRecords:  cfg.Robots.MaxSensorRecords,
			MoveBudget:        cfg.Robots.MoveBudget,
			DiscoveryWindow:   cfg.Robots.DiscoveryWindow.D(),
			MoveInterval:      cfg.Robots.MoveInterval.D(),
			StepProcessing:    cfg.Robots.StepProcessing.D(),
			CommandProcessing: cfg.Robots.CommandProcessing.D(),
			Energy:            cfg.Energy.Robot,
		}, r.medium, r.sched, ropts...)
		if err := r.medium.Attach(next, a); err != nil {
			return fmt.Errorf("attach robot %s: %w", next, err)
		}
		r.robots = append(r.robots, a)
		next++
	}

	rng := rand.New(rand.NewPCG(cfg.Seed+1, cfg.Seed^0xda3e39cb94b95bdb))
	for i := 0; i < cfg.Sensors.Count; i++ {
		mode := model.ModeIdle
		pos := model.Point{X: rng.Float64() * cfg.Area.Size, Y: rng.Float64() * cfg.Area.Size}
		if rng.Float64() < cfg.Sensors.ActiveFraction {
			mode = model.ModeActive
		}
		s := sensor.New(sensor.Config{
			ID:             next,
			Position:       pos,
			Mode:           mode,
			SensingRange:   cfg.Area.SensorRange,
			DiscoveryRange: cfg.Area.RobotRange,
			ProcessingDuty: cfg.Sensors.ProcessingDuty,
			IdleRadioDuty:  cfg.Sensors.IdleRadioDuty,
			Energy:         cfg.Energy.Sensor,
		}, r.medium, r.sched, sensor.WithLogger(r.log))
		if err := r.medium.Attach(next, s); err != nil {
			return fmt.Errorf("attach sensor %s: %w", next, err)
		}
		r.sensors = append(r.sensors, s)
		next++
	}
	return nil
}

// RunID returns the run's unique id.
func (r *Runner) RunID() string { return r.runID }

// Run starts every node, waits the base-station startup delay, hands out
// assignments and advances time until the coordinator is done, ctx is
// cancelled or MaxDuration of simulated time has passed. The final summary
// is returned in every case. A run that hits MaxDuration returns
// ErrNotDone.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	wallStart := time.Now()
	tick := r.cfg.TickInterval.D()
	start := r.sched.Now()
	deadline := start.Add(r.cfg.MaxDuration.D())

	r.log.Info(ctx, "deployment starting",
		logging.String("mode", string(r.opts.Mode)),
		logging.Int("robots", len(r.robots)),
		logging.Int("sensors", len(r.sensors)),
		logging.Int("location_areas", len(r.base.Areas())),
	)

	// Entry order fixes the same-instant event order.
	r.base.StartTicks(tick)
	for _, a := range r.robots {
		a.Start(tick)
	}
	for _, s := range r.sensors {
		s.Start(tick)
	}
	stopRefresh := event.Every(r.sched, tick, func(time.Time) { r.refresh() })
	robotIDs := make([]model.NodeID, 0, len(r.robots))
	for _, a := range r.robots {
		robotIDs = append(robotIDs, a.ID())
	}
	event.After(r.sched, r.cfg.BaseStation.StartupDelay.D(), func() {
		r.base.Start(robotIDs)
	})

	finished := func() bool { return r.base.Done() || ctx.Err() != nil }

	switch r.opts.Mode {
	case ModeVirtual:
		r.virtual.RunUntil(deadline, finished)
	default:
		r.runClocked(ctx, finished)
	}

	stopRefresh()
	r.stop()
	r.refresh()
	summary := r.Summary()

	outcome := "done"
	var err error
	switch {
	case summary.Done:
	case ctx.Err() != nil:
		outcome, err = "cancelled", ctx.Err()
	default:
		outcome, err = "timeout", fmt.Errorf("%w after %s: coverage %.1f%%", ErrNotDone, r.sched.Now().Sub(start), summary.CoveragePercent)
	}
	r.mu.Lock()
	r.summary.Outcome = outcome
	r.mu.Unlock()
	summary.Outcome = outcome

	if r.opts.RunStats != nil {
		r.opts.RunStats.ObserveRun(time.Since(wallStart), outcome)
	}
	r.log.Info(ctx, "deployment finished",
		logging.String("outcome", outcome),
		logging.Float64("coverage_percent", summary.CoveragePercent),
		logging.Int("covered_grids", summary.TotalCovered),
		logging.Float64("total_energy", summary.TotalEnergy),
		logging.Float64("simulated_seconds", summary.SimulatedSeconds),
	)
	return summary, err
}

// runClocked drives the clock scheduler from a TimeController until
// finished reports true or the controller runs out of time.
func (r *Runner) runClocked(ctx context.Context, finished func() bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.ctrl.AddListener(func(time.Time) {
		if ctx.Err() != nil {
			return
		}
		r.sched.RunDue()
		if finished() {
			cancel()
		}
	})
	<-r.ctrl.Start(ctx, r.cfg.MaxDuration.D())
}

func (r *Runner) stop() {
	r.base.Stop()
	for _, a := range r.robots {
		a.Stop()
	}
	for _, s := range r.sensors {
		s.Stop()
	}
}

// Summary returns the latest summary. It is safe to call from any
// goroutine while Run is in progress.
func (r *Runner) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary.clone()
}

// refresh rebuilds the summary from node state. It runs on the scheduler's
// goroutine.
func (r *Runner) refresh() {
	bs := r.base.Snapshot()
	s := Summary{
		RunID:            r.runID,
		Mode:             r.opts.Mode,
		Seed:             r.cfg.Seed,
		Done:             bs.State == basestation.StateDone,
		State:            bs.State.String(),
		SimulatedSeconds: r.sched.Now().Sub(r.opts.Start).Seconds(),
		CoveragePercent:  bs.CoveragePercent,
		TotalCovered:     bs.TotalCovered,
		GridsPerLA:       bs.GridsPerLA,
		Areas:            bs.Areas,
		BaseStation: BaseStationSummary{
			ID:     BaseStationID,
			Energy: bs.Energy.Total(),
			Robots: bs.Robots,
			Stats:  bs.Stats,
		},
		Radio: r.medium.Stats(),
	}
	s.addNode(BaseStationID, model.RoleBaseStation, bs.Energy.Total())

	for _, a := range r.robots {
		snap := a.Snapshot()
		joules := snap.Energy.Total()
		s.Robots = append(s.Robots, RobotSummary{
			ID:        snap.ID,
			Phase:     snap.Phase.String(),
			Position:  snap.Position,
			LA:        snap.LA,
			Stock:     snap.Stock,
			Remaining: snap.Remaining,
			Completed: len(snap.Completed),
			Energy:    joules,
			Stats:     snap.Stats,
		})
		s.addNode(snap.ID, model.RoleRobot, joules)
	}

	s.Sensors.Count = len(r.sensors)
	for _, sn := range r.sensors {
		snap := sn.Snapshot()
		if snap.Mode == model.ModeActive {
			s.Sensors.Active++
		} else {
			s.Sensors.Idle++
		}
		s.Sensors.Activations += snap.Stats.Activations
		s.Sensors.Collections += snap.Stats.Collections
		joules := snap.Energy.Total()
		s.Sensors.Energy += joules
		s.addNode(snap.ID, model.RoleSensor, joules)
	}

	if rec := r.opts.Recorder; rec != nil {
		for _, n := range s.Nodes {
			rec.SetNodeEnergy(string(n.Role), n.ID.String(), n.Joules)
		}
	}
	if rs := r.opts.RunStats; rs != nil {
		pending := 0
		if r.virtual != nil {
			pending = r.virtual.Pending()
		}
		rs.SetQueue(pending, r.sched.Now().Sub(r.opts.Start))
	}

	r.mu.Lock()
	r.summary = s
	r.mu.Unlock()
}

func (s *Summary) addNode(id model.NodeID, role model.Role, joules float64) {
	s.Nodes = append(s.Nodes, NodeEnergy{ID: id, Role: role, Joules: joules})
	s.TotalEnergy += joules
}

// countingScheduler counts executed callbacks for run metrics.
type countingScheduler struct {
	event.Scheduler
	rec RunRecorder
}

func (c *countingScheduler) Schedule(at time.Time, f func()) string {
	if c.rec == nil || f == nil {
		return c.Scheduler.Schedule(at, f)
	}
	return c.Scheduler.Schedule(at, func() {
		c.rec.IncEvents()
		f()
	})
}

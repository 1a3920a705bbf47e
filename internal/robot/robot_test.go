package robot

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/energy"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/event"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/wire"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

type sent struct {
	to  model.NodeID
	msg wire.Message
}

type captureSender struct {
	t    *testing.T
	sent []sent
}

func (c *captureSender) Send(from, to model.NodeID, payload []byte) error {
	m, err := wire.Decode(payload)
	if err != nil {
		c.t.Fatalf("robot sent malformed payload: %v", err)
	}
	c.sent = append(c.sent, sent{to: to, msg: m})
	return nil
}

func (c *captureSender) commands() []wire.Command {
	var out []wire.Command
	for _, s := range c.sent {
		if cmd, ok := s.msg.(wire.Command); ok {
			out = append(out, cmd)
		}
	}
	return out
}

type fakeRecorder struct {
	steps    map[string]int
	commands map[string]int
	phases   int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{steps: map[string]int{}, commands: map[string]int{}}
}

func (r *fakeRecorder) ObserveDispersionStep(outcome string) { r.steps[outcome]++ }
func (r *fakeRecorder) ObserveSensorCommand(mode string)     { r.commands[mode]++ }
func (r *fakeRecorder) ObserveLocalPhase(time.Duration)      { r.phases++ }

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const discoveryWindow = 2 * time.Second

func newTestRobot(t *testing.T, mutate func(*Config)) (*Agent, *captureSender, *event.VirtualScheduler) {
	t.Helper()
	cfg := Config{
		ID:                2,
		BaseStation:       1,
		Start:             model.Point{X: 0, Y: 0},
		RobotRange:        200,
		SensorRange:       20,
		Capacity:          15,
		InitialStock:      10,
		MaxSensorRecords:  64,
		DiscoveryWindow:   discoveryWindow,
		MoveInterval:      500 * time.Millisecond,
		StepProcessing:    50 * time.Millisecond,
		CommandProcessing: 20 * time.Millisecond,
		Energy:            energy.DefaultParams(model.RoleRobot),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sched := event.NewVirtualScheduler(start)
	tx := &captureSender{t: t}
	return New(cfg, tx, sched), tx, sched
}

func assignLA1(a *Agent) {
	a.Deliver(1, wire.Encode(wire.Assignment{Robot: a.ID(), LA: 1, Center: model.Point{X: 100, Y: 100}}))
}

func reply(a *Agent, id model.NodeID, x, y float64, mode model.Mode) {
	a.Deliver(id, wire.Encode(wire.Reply{Sensor: id, Robot: a.ID(), Position: model.Point{X: x, Y: y}, Mode: mode}))
}

// Three idle sensors sit next to grid 45, the first grid visited from the
// LA center (100,100).
func replyCluster(a *Agent) {
	reply(a, 10, 90, 90, model.ModeIdle)
	reply(a, 11, 91, 90, model.ModeIdle)
	reply(a, 12, 90, 92, model.ModeIdle)
}

func grid(s Snapshot, id model.GridID) model.Grid {
	for _, g := range s.Grids {
		if g.ID == id {
			return g
		}
	}
	return model.Grid{}
}

func TestAssignmentStartsDiscovery(t *testing.T) {
	a, tx, _ := newTestRobot(t, nil)
	assignLA1(a)

	s := a.Snapshot()
	if s.Phase != PhaseDiscovery || s.LA != 1 {
		t.Fatalf("phase=%v la=%d, want discovery on LA 1", s.Phase, s.LA)
	}
	if s.Position != (model.Point{X: 100, Y: 100}) {
		t.Fatalf("position = %+v, want LA center", s.Position)
	}
	if len(s.Grids) != 100 {
		t.Fatalf("grids = %d, want 100", len(s.Grids))
	}
	if want := 0.0005 * math.Hypot(100, 100); math.Abs(s.Energy.Mobility-want) > 1e-12 {
		t.Fatalf("mobility = %v, want %v", s.Energy.Mobility, want)
	}
	if len(tx.sent) != 1 || tx.sent[0].to != model.Broadcast {
		t.Fatalf("sent = %+v, want one broadcast", tx.sent)
	}
	disc, ok := tx.sent[0].msg.(wire.Discovery)
	if !ok || disc.Robot != 2 || disc.Position != s.Position || disc.Seq != 1 {
		t.Fatalf("discovery = %+v", tx.sent[0].msg)
	}
}

func TestDeployFromStockOnEmptyGrid(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) { c.InitialStock = 10 })
	assignLA1(a)
	sched.AdvanceTo(start.Add(discoveryWindow))

	s := a.Snapshot()
	if s.Stock != 9 {
		t.Fatalf("stock = %d, want 9", s.Stock)
	}
	if !grid(s, 45).Covered {
		t.Fatalf("grid 45 not covered")
	}
	if n := len(tx.commands()); n != 0 {
		t.Fatalf("commands = %d, want 0", n)
	}
	if s.Stats.Cases[CaseDeploy] != 1 {
		t.Fatalf("cases = %v, want one deploy", s.Stats.Cases)
	}
}

func TestDeployFromStockThenCollectCoLocated(t *testing.T) {
	rec := newFakeRecorder()
	a, tx, sched := newTestRobot(t, func(c *Config) {
		c.InitialStock = 1
		c.Capacity = 15
	})
	a.rec = rec
	assignLA1(a)
	replyCluster(a)
	sched.AdvanceTo(start.Add(discoveryWindow))

	s := a.Snapshot()
	if s.Stock != 3 {
		t.Fatalf("stock = %d, want 3", s.Stock)
	}
	if !grid(s, 45).Covered {
		t.Fatalf("grid 45 not covered")
	}
	cmds := tx.commands()
	if len(cmds) != 3 {
		t.Fatalf("commands = %d, want 3", len(cmds))
	}
	for i, want := range []model.NodeID{10, 11, 12} {
		if cmds[i].Sensor != want || cmds[i].Mode != model.ModeIdle || cmds[i].HasPosition {
			t.Fatalf("command %d = %+v, want collect of %d", i, cmds[i], want)
		}
	}
	if len(s.Sensors) != 0 {
		t.Fatalf("collected sensors still in table: %+v", s.Sensors)
	}
	if rec.steps["deploy_collect"] != 1 || rec.commands["idle"] != 3 {
		t.Fatalf("recorder steps=%v commands=%v", rec.steps, rec.commands)
	}
}

func TestCollectionStopsAtCapacity(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) {
		c.InitialStock = 1
		c.Capacity = 2
	})
	assignLA1(a)
	replyCluster(a)
	sched.AdvanceTo(start.Add(discoveryWindow))

	s := a.Snapshot()
	if s.Stock != 2 {
		t.Fatalf("stock = %d, want capacity 2", s.Stock)
	}
	if n := len(tx.commands()); n != 2 {
		t.Fatalf("commands = %d, want 2", n)
	}
	if len(s.Sensors) != 1 || s.Sensors[0].SensorID != 12 {
		t.Fatalf("remaining sensors = %+v, want only 12", s.Sensors)
	}
}

func TestActivateAndCollectWithEmptyStock(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) { c.InitialStock = 0 })
	assignLA1(a)
	replyCluster(a)
	sched.AdvanceTo(start.Add(discoveryWindow))

	s := a.Snapshot()
	cmds := tx.commands()
	if len(cmds) != 3 {
		t.Fatalf("commands = %d, want 3", len(cmds))
	}
	want := wire.Command{Sensor: 10, Mode: model.ModeActive, HasPosition: true, Position: model.Point{X: 90, Y: 90}}
	if cmds[0] != want {
		t.Fatalf("first command = %+v, want %+v", cmds[0], want)
	}
	if cmds[1].Sensor != 11 || cmds[2].Sensor != 12 || cmds[1].Mode != model.ModeIdle {
		t.Fatalf("collect commands = %+v", cmds[1:])
	}
	if s.Stock != 2 || !grid(s, 45).Covered {
		t.Fatalf("stock=%d covered=%v, want 2 true", s.Stock, grid(s, 45).Covered)
	}
	if len(s.Sensors) != 1 || s.Sensors[0].Mode != model.ModeActive || s.Sensors[0].Position != (model.Point{X: 90, Y: 90}) {
		t.Fatalf("activated record = %+v", s.Sensors)
	}
}

func TestEmptyStockLeavesGridUncovered(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) { c.InitialStock = 0 })
	assignLA1(a)
	sched.AdvanceTo(start.Add(discoveryWindow))

	s := a.Snapshot()
	if grid(s, 45).Covered {
		t.Fatalf("grid 45 covered without stock or sensors")
	}
	if s.MovesMade != 1 || s.Remaining != 99 {
		t.Fatalf("moves=%d remaining=%d, want 1 and 99", s.MovesMade, s.Remaining)
	}
	if len(tx.commands()) != 0 || s.Stock != 0 {
		t.Fatalf("unexpected side effects: stock=%d commands=%d", s.Stock, len(tx.commands()))
	}
}

func TestActiveSensorsAreNotCoLocated(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) { c.InitialStock = 0 })
	assignLA1(a)
	reply(a, 10, 90, 90, model.ModeActive)
	sched.AdvanceTo(start.Add(discoveryWindow))

	if len(tx.commands()) != 0 || grid(a.Snapshot(), 45).Covered {
		t.Fatalf("active sensor was treated as co-located")
	}
}

func TestBudgetInvariantAndReport(t *testing.T) {
	rec := newFakeRecorder()
	a, tx, sched := newTestRobot(t, func(c *Config) { c.InitialStock = 10 })
	a.rec = rec
	assignLA1(a)

	for sched.Step() {
		s := a.Snapshot()
		if s.Phase == PhaseDispersion && s.MovesMade+s.Remaining != s.Budget {
			t.Fatalf("moves %d + remaining %d != budget %d", s.MovesMade, s.Remaining, s.Budget)
		}
		if s.Stock < 0 || s.Stock > s.Capacity {
			t.Fatalf("stock %d out of [0,%d]", s.Stock, s.Capacity)
		}
		if s.Phase == PhaseIdle {
			break
		}
	}

	s := a.Snapshot()
	if s.Phase != PhaseIdle {
		t.Fatalf("phase = %v, want idle after report", s.Phase)
	}
	if s.MovesMade != 100 || s.Remaining != 0 {
		t.Fatalf("moves=%d remaining=%d, want 100 and 0", s.MovesMade, s.Remaining)
	}
	last := tx.sent[len(tx.sent)-1]
	want := wire.Report{Robot: 2, LA: 1, Covered: 10}
	if last.to != 1 || last.msg != want {
		t.Fatalf("last message = %+v to %v, want %+v to base station", last.msg, last.to, want)
	}
	if s.Stock != 10 {
		t.Fatalf("stock = %d after report, want reset to 10", s.Stock)
	}
	wantEnd := start.Add(discoveryWindow + 99*500*time.Millisecond)
	if !sched.Now().Equal(wantEnd) {
		t.Fatalf("report at %v, want %v", sched.Now(), wantEnd)
	}
	if rec.phases != 1 || rec.steps["deploy"] != 10 || rec.steps["uncovered"] != 90 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestReportsEarlyWhenAllCovered(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) {
		c.SensorRange = 100
		c.InitialStock = 10
	})
	assignLA1(a)
	sched.RunUntil(start.Add(time.Minute), func() bool { return a.Phase() == PhaseIdle })

	s := a.Snapshot()
	if s.MovesMade != 4 {
		t.Fatalf("moves = %d, want 4", s.MovesMade)
	}
	if r, ok := tx.sent[len(tx.sent)-1].msg.(wire.Report); !ok || r.Covered != 4 {
		t.Fatalf("last message = %+v, want report of 4", tx.sent[len(tx.sent)-1].msg)
	}
}

func TestMoveBudgetOverride(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) { c.MoveBudget = 3 })
	assignLA1(a)
	sched.RunUntil(start.Add(time.Minute), func() bool { return a.Phase() == PhaseIdle })

	if r, ok := tx.sent[len(tx.sent)-1].msg.(wire.Report); !ok || r.Covered != 3 {
		t.Fatalf("last message = %+v, want report of 3", tx.sent[len(tx.sent)-1].msg)
	}
}

func TestRepliesOnlyDuringDiscovery(t *testing.T) {
	a, _, sched := newTestRobot(t, func(c *Config) { c.MaxSensorRecords = 2 })

	reply(a, 10, 90, 90, model.ModeIdle)
	assignLA1(a)
	reply(a, 10, 90, 90, model.ModeIdle)
	reply(a, 10, 95, 95, model.ModeIdle) // update in place
	reply(a, 11, 50, 50, model.ModeIdle)
	reply(a, 12, 60, 60, model.ModeIdle) // table full
	a.Deliver(12, wire.Encode(wire.Reply{Sensor: 12, Robot: 3}))

	s := a.Snapshot()
	if len(s.Sensors) != 2 || s.Sensors[0].Position != (model.Point{X: 95, Y: 95}) {
		t.Fatalf("sensors = %+v", s.Sensors)
	}
	if s.Stats.DroppedReplies != 2 || s.Stats.Misaddressed != 1 {
		t.Fatalf("stats = %+v", s.Stats)
	}

	sched.AdvanceTo(start.Add(discoveryWindow))
	reply(a, 13, 70, 70, model.ModeIdle)
	if a.Snapshot().Stats.DroppedReplies != 3 {
		t.Fatalf("reply after window was not dropped")
	}
}

func TestAssignmentFiltering(t *testing.T) {
	a, tx, _ := newTestRobot(t, nil)

	a.Deliver(1, wire.Encode(wire.Assignment{Robot: 3, LA: 1}))
	if a.Phase() != PhaseIdle {
		t.Fatalf("accepted assignment for another robot")
	}

	a.Deliver(1, wire.Encode(wire.Assignment{Robot: model.AnyRobot, LA: 2, Center: model.Point{X: 300, Y: 100}}))
	if a.Phase() != PhaseDiscovery || a.Snapshot().LA != 2 {
		t.Fatalf("wildcard assignment not accepted")
	}

	assignLA1(a)
	if a.Snapshot().LA != 2 {
		t.Fatalf("busy robot switched LA")
	}
	st := a.Snapshot().Stats
	if st.Misaddressed != 1 || st.IgnoredAssignments != 1 || st.Assignments != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if len(tx.sent) != 1 {
		t.Fatalf("sent = %d, want only the discovery broadcast", len(tx.sent))
	}
}

func TestRepeatAssignmentResendsReport(t *testing.T) {
	a, tx, sched := newTestRobot(t, func(c *Config) { c.MoveBudget = 1 })
	assignLA1(a)
	sched.RunUntil(start.Add(time.Minute), func() bool { return a.Phase() == PhaseIdle })
	first := tx.sent[len(tx.sent)-1]

	assignLA1(a)
	if a.Phase() != PhaseIdle {
		t.Fatalf("repeat assignment restarted the LA")
	}
	again := tx.sent[len(tx.sent)-1]
	if again != first {
		t.Fatalf("resent %+v, want %+v", again, first)
	}
	if a.Snapshot().Stats.ReportsResent != 1 {
		t.Fatalf("ReportsResent = %d, want 1", a.Snapshot().Stats.ReportsResent)
	}
}

func TestIdleTicks(t *testing.T) {
	a, _, sched := newTestRobot(t, nil)
	a.Start(time.Second)
	sched.AdvanceTo(start.Add(3 * time.Second))
	if got := a.Snapshot().Stats.IdleTicks; got != 3 {
		t.Fatalf("IdleTicks = %d, want 3", got)
	}
	if want := 0.001 * 3; math.Abs(a.Energy().Baseline-want) > 1e-12 {
		t.Fatalf("baseline = %v, want %v", a.Energy().Baseline, want)
	}
	assignLA1(a)
	if got := a.Snapshot().Stats.IdleTicks; got != 0 {
		t.Fatalf("IdleTicks = %d after assignment, want 0", got)
	}
	a.Stop()
}

func TestMalformedAndUnexpectedMessages(t *testing.T) {
	a, _, _ := newTestRobot(t, nil)
	a.Deliver(1, []byte{4, 0})
	a.Deliver(1, wire.Encode(wire.Report{Robot: 3, LA: 1}))
	a.Deliver(3, wire.Encode(wire.Discovery{Robot: 3, Seq: 1}))

	st := a.Snapshot().Stats
	if st.Malformed != 1 || st.Misaddressed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

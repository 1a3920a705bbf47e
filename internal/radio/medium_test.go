package radio

import (
	"errors"
	"testing"
	"time"

	"github.com/signalsfoundry/wsn-deployment-simulator/internal/event"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
)

type inbox struct {
	got []string
}

func (b *inbox) Deliver(from model.NodeID, payload []byte) {
	b.got = append(b.got, from.String()+":"+string(payload))
}

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestUnicastDelivery(t *testing.T) {
	sched := event.NewVirtualScheduler(start)
	m := NewMedium(sched, Config{MinLatency: 10 * time.Millisecond, MaxLatency: 10 * time.Millisecond})

	var a, b inbox
	if err := m.Attach(1, &a); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Attach(2, &b); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := m.Send(1, 2, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(b.got) != 0 {
		t.Fatalf("delivered before latency elapsed")
	}
	sched.AdvanceTo(start.Add(10 * time.Millisecond))
	if len(b.got) != 1 || b.got[0] != "node-1:hi" {
		t.Fatalf("b.got = %v, want [node-1:hi]", b.got)
	}
	if len(a.got) != 0 {
		t.Fatalf("sender received its own unicast")
	}
	if s := m.Stats(); s.Sent != 1 || s.Delivered != 1 || s.Dropped != 0 {
		t.Fatalf("Stats() = %+v", s)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	sched := event.NewVirtualScheduler(start)
	m := NewMedium(sched, Config{})

	boxes := map[model.NodeID]*inbox{1: {}, 2: {}, 3: {}}
	for id, b := range boxes {
		if err := m.Attach(id, b); err != nil {
			t.Fatalf("Attach(%d): %v", id, err)
		}
	}
	if err := m.Send(2, model.Broadcast, []byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sched.RunDue()

	if len(boxes[2].got) != 0 {
		t.Fatalf("broadcast delivered to sender")
	}
	if len(boxes[1].got) != 1 || len(boxes[3].got) != 1 {
		t.Fatalf("broadcast fan-out = %d,%d, want 1,1", len(boxes[1].got), len(boxes[3].got))
	}
}

func TestAttachAndSendErrors(t *testing.T) {
	m := NewMedium(event.NewVirtualScheduler(start), Config{})
	if err := m.Attach(1, &inbox{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Attach(1, &inbox{}); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("second Attach error = %v, want ErrDuplicateNode", err)
	}
	if err := m.Attach(model.Broadcast, &inbox{}); err == nil {
		t.Fatalf("Attach(Broadcast) succeeded")
	}
	if err := m.Send(1, 9, []byte("x")); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Send to unknown error = %v, want ErrUnknownNode", err)
	}
	if s := m.Stats(); s.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", s.Dropped)
	}
}

func TestLossAndDuplication(t *testing.T) {
	sched := event.NewVirtualScheduler(start)
	lossy := NewMedium(sched, Config{LossRate: 1})
	var b inbox
	_ = lossy.Attach(2, &b)
	for i := 0; i < 10; i++ {
		_ = lossy.Send(1, 2, []byte("x"))
	}
	sched.RunDue()
	if len(b.got) != 0 || lossy.Stats().Dropped != 10 {
		t.Fatalf("lossy medium delivered %d, dropped %d", len(b.got), lossy.Stats().Dropped)
	}

	dup := NewMedium(sched, Config{DuplicateRate: 1})
	var c inbox
	_ = dup.Attach(2, &c)
	_ = dup.Send(1, 2, []byte("y"))
	sched.RunDue()
	if len(c.got) != 2 || dup.Stats().Duplicated != 1 {
		t.Fatalf("duplicating medium delivered %d copies, duplicated %d", len(c.got), dup.Stats().Duplicated)
	}
}

func TestSeededMediumIsReplayable(t *testing.T) {
	run := func() (Stats, []string) {
		sched := event.NewVirtualScheduler(start)
		m := NewMedium(sched, Config{
			LossRate:      0.3,
			DuplicateRate: 0.2,
			MinLatency:    time.Millisecond,
			MaxLatency:    50 * time.Millisecond,
			Seed:          42,
		})
		var b inbox
		_ = m.Attach(2, &b)
		for i := 0; i < 200; i++ {
			_ = m.Send(1, 2, []byte{byte('a' + i%26)})
		}
		sched.RunUntil(start.Add(time.Second), nil)
		return m.Stats(), b.got
	}
	s1, got1 := run()
	s2, got2 := run()
	if s1 != s2 {
		t.Fatalf("stats differ between runs: %+v vs %+v", s1, s2)
	}
	if len(got1) != len(got2) {
		t.Fatalf("deliveries differ: %d vs %d", len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i] != got2[i] {
			t.Fatalf("delivery %d differs: %q vs %q", i, got1[i], got2[i])
		}
	}
	if s1.Dropped == 0 || s1.Duplicated == 0 {
		t.Fatalf("expected some loss and duplication, got %+v", s1)
	}
}

func TestDetachDropsInFlight(t *testing.T) {
	sched := event.NewVirtualScheduler(start)
	m := NewMedium(sched, Config{MinLatency: time.Second, MaxLatency: time.Second})
	var b inbox
	_ = m.Attach(2, &b)
	_ = m.Send(1, 2, []byte("x"))
	m.Detach(2)
	sched.AdvanceTo(start.Add(time.Second))
	if len(b.got) != 0 {
		t.Fatalf("detached node received a message")
	}
	if s := m.Stats(); s.Dropped != 1 || s.Delivered != 0 {
		t.Fatalf("Stats() = %+v", s)
	}
}

package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunCollector exposes runner and event-queue metrics.
type RunCollector struct {
	gatherer prometheus.Gatherer

	RunDuration   prometheus.Histogram
	PendingEvents prometheus.Gauge
	SimulatedTime prometheus.Gauge
	RunsTotal     *prometheus.CounterVec
	EventsRun     prometheus.Counter
}

// NewRunCollector registers runner metrics against the provided registerer.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	runHistogram, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wsn_run_wall_duration_seconds",
		Help:    "Wall-clock duration of deployment runs.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}), "wsn_run_wall_duration_seconds")
	if err != nil {
		return nil, err
	}

	pending, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsn_scheduler_pending_events",
		Help: "Number of events waiting in the simulation event queue.",
	}), "wsn_scheduler_pending_events")
	if err != nil {
		return nil, err
	}

	simTime, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsn_simulated_time_seconds",
		Help: "Simulated time elapsed since the run started.",
	}), "wsn_simulated_time_seconds")
	if err != nil {
		return nil, err
	}

	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsn_runs_total",
		Help: "Completed deployment runs, labeled by outcome.",
	}, []string{"outcome"}), "wsn_runs_total")
	if err != nil {
		return nil, err
	}

	events, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsn_scheduler_events_run_total",
		Help: "Cumulative number of simulation events executed.",
	}), "wsn_scheduler_events_run_total")
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		gatherer:      gatherer,
		RunDuration:   runHistogram,
		PendingEvents: pending,
		SimulatedTime: simTime,
		RunsTotal:     runs,
		EventsRun:     events,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RunCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveRun records a finished run's wall duration and outcome.
func (c *RunCollector) ObserveRun(d time.Duration, outcome string) {
	if c == nil {
		return
	}
	if c.RunDuration != nil {
		c.RunDuration.Observe(d.Seconds())
	}
	if c.RunsTotal != nil {
		c.RunsTotal.WithLabelValues(outcome).Inc()
	}
}

// SetQueue updates the queue depth and simulated clock gauges.
func (c *RunCollector) SetQueue(pending int, elapsed time.Duration) {
	if c == nil {
		return
	}
	if c.PendingEvents != nil {
		c.PendingEvents.Set(float64(pending))
	}
	if c.SimulatedTime != nil {
		c.SimulatedTime.Set(elapsed.Seconds())
	}
}

// IncEvents counts one executed event.
func (c *RunCollector) IncEvents() {
	if c == nil || c.EventsRun == nil {
		return
	}
	c.EventsRun.Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

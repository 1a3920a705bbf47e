package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/radio"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// DeploymentCollector bundles Prometheus metrics for a deployment run and
// the status API. It satisfies the base station and robot recorders and the
// radio observer, so one collector can be handed to every component.
type DeploymentCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	CoveragePercent prometheus.Gauge
	CoveredGrids    prometheus.Gauge
	ReportedLAs     prometheus.Gauge

	Assignments     *prometheus.CounterVec
	Reports         *prometheus.CounterVec
	DispersionSteps *prometheus.CounterVec
	SensorCommands  *prometheus.CounterVec
	RadioMessages   *prometheus.CounterVec
	NodeEnergy      *prometheus.GaugeVec
	LocalPhase      prometheus.Histogram
}

// NewDeploymentCollector registers deployment metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewDeploymentCollector(reg prometheus.Registerer) (*DeploymentCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsn_status_requests_total",
		Help: "Total number of handled status RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "wsn_status_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wsn_status_request_duration_seconds",
		Help:    "Status RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "wsn_status_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	coverage, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsn_coverage_percent",
		Help: "Share of all grids in the target area reported covered, in percent.",
	}), "wsn_coverage_percent")
	if err != nil {
		return nil, err
	}
	covered, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsn_covered_grids",
		Help: "Sum of covered grid counts over reported location areas.",
	}), "wsn_covered_grids")
	if err != nil {
		return nil, err
	}
	reported, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsn_reported_location_areas",
		Help: "Number of location areas with a final report.",
	}), "wsn_reported_location_areas")
	if err != nil {
		return nil, err
	}

	assignments, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsn_assignments_sent_total",
		Help: "Location area assignments sent by the base station, labeled by kind (initial or retry).",
	}, []string{"kind"}), "wsn_assignments_sent_total")
	if err != nil {
		return nil, err
	}
	reports, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsn_reports_total",
		Help: "Coverage reports handled by the base station, labeled by result.",
	}, []string{"result"}), "wsn_reports_total")
	if err != nil {
		return nil, err
	}
	steps, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsn_dispersion_steps_total",
		Help: "Grid visits made by robots, labeled by dispersion case.",
	}, []string{"case"}), "wsn_dispersion_steps_total")
	if err != nil {
		return nil, err
	}
	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsn_sensor_commands_total",
		Help: "Collect and activate commands sent by robots, labeled by target mode.",
	}, []string{"mode"}), "wsn_sensor_commands_total")
	if err != nil {
		return nil, err
	}
	messages, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsn_radio_messages_total",
		Help: "Per-copy outcomes on the simulated radio medium.",
	}, []string{"outcome"}), "wsn_radio_messages_total")
	if err != nil {
		return nil, err
	}
	nodeEnergy, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wsn_node_energy_joules",
		Help: "Energy consumed so far by a node, in joules.",
	}, []string{"role", "node"}), "wsn_node_energy_joules")
	if err != nil {
		return nil, err
	}
	localPhase, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wsn_local_phase_duration_seconds",
		Help:    "Simulated duration of robot local phases, from assignment to report.",
		Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 300},
	}), "wsn_local_phase_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &DeploymentCollector{
		gatherer:        gatherer,
		RPCRequests:     requests,
		RPCDurations:    durations,
		CoveragePercent: coverage,
		CoveredGrids:    covered,
		ReportedLAs:     reported,
		Assignments:     assignments,
		Reports:         reports,
		DispersionSteps: steps,
		SensorCommands:  commands,
		RadioMessages:   messages,
		NodeEnergy:      nodeEnergy,
		LocalPhase:      localPhase,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *DeploymentCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *DeploymentCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveAssignment counts one assignment send.
func (c *DeploymentCollector) ObserveAssignment(retry bool) {
	if c == nil || c.Assignments == nil {
		return
	}
	kind := "initial"
	if retry {
		kind = "retry"
	}
	c.Assignments.WithLabelValues(kind).Inc()
}

// ObserveReport counts one handled report.
func (c *DeploymentCollector) ObserveReport(result string) {
	if c == nil || c.Reports == nil {
		return
	}
	c.Reports.WithLabelValues(result).Inc()
}

// SetCoverage updates the coverage gauges.
func (c *DeploymentCollector) SetCoverage(percent float64, coveredGrids, reportedLAs int) {
	if c == nil {
		return
	}
	if c.CoveragePercent != nil {
		c.CoveragePercent.Set(percent)
	}
	if c.CoveredGrids != nil {
		c.CoveredGrids.Set(float64(coveredGrids))
	}
	if c.ReportedLAs != nil {
		c.ReportedLAs.Set(float64(reportedLAs))
	}
}

// ObserveDispersionStep counts one grid visit.
func (c *DeploymentCollector) ObserveDispersionStep(outcome string) {
	if c == nil || c.DispersionSteps == nil {
		return
	}
	c.DispersionSteps.WithLabelValues(outcome).Inc()
}

// ObserveSensorCommand counts one command sent to a sensor.
func (c *DeploymentCollector) ObserveSensorCommand(mode string) {
	if c == nil || c.SensorCommands == nil {
		return
	}
	c.SensorCommands.WithLabelValues(mode).Inc()
}

// ObserveLocalPhase records one finished local phase.
func (c *DeploymentCollector) ObserveLocalPhase(d time.Duration) {
	if c == nil || c.LocalPhase == nil {
		return
	}
	c.LocalPhase.Observe(d.Seconds())
}

// ObserveRadio counts one per-copy medium outcome.
func (c *DeploymentCollector) ObserveRadio(outcome radio.Outcome) {
	if c == nil || c.RadioMessages == nil {
		return
	}
	c.RadioMessages.WithLabelValues(string(outcome)).Inc()
}

// SetNodeEnergy publishes a node's consumed energy.
func (c *DeploymentCollector) SetNodeEnergy(role, node string, joules float64) {
	if c == nil || c.NodeEnergy == nil {
		return
	}
	c.NodeEnergy.WithLabelValues(role, node).Set(joules)
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

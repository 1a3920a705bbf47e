package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/radio"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewDeploymentCollector(reg)
	if err != nil {
		t.Fatalf("NewDeploymentCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/wsn.deployment.v1.DeploymentStatus/GetSummary"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("DeploymentStatus", "GetSummary", "OK")); got != 1 {
		t.Fatalf("wsn_status_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "wsn_status_request_duration_seconds", map[string]string{
		"service": "DeploymentStatus",
		"method":  "GetSummary",
	}); count != 1 {
		t.Fatalf("wsn_status_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewDeploymentCollector(reg)
	if err != nil {
		t.Fatalf("NewDeploymentCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/wsn.deployment.v1.DeploymentStatus/GetSummary"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "no run yet")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("DeploymentStatus", "GetSummary", "Unavailable")); got != 1 {
		t.Fatalf("wsn_status_requests_total error label = %v, want 1", got)
	}
}

func TestRecorderMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewDeploymentCollector(reg)
	if err != nil {
		t.Fatalf("NewDeploymentCollector: %v", err)
	}

	collector.ObserveAssignment(false)
	collector.ObserveAssignment(true)
	collector.ObserveAssignment(true)
	collector.ObserveReport("applied")
	collector.ObserveDispersionStep("deploy")
	collector.ObserveSensorCommand("idle")
	collector.ObserveRadio(radio.OutcomeDropped)
	collector.SetCoverage(12.5, 30, 2)
	collector.SetNodeEnergy("robot", "node-2", 0.75)
	collector.ObserveLocalPhase(42 * time.Second)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"initial assignments", testutil.ToFloat64(collector.Assignments.WithLabelValues("initial")), 1},
		{"retry assignments", testutil.ToFloat64(collector.Assignments.WithLabelValues("retry")), 2},
		{"applied reports", testutil.ToFloat64(collector.Reports.WithLabelValues("applied")), 1},
		{"deploy steps", testutil.ToFloat64(collector.DispersionSteps.WithLabelValues("deploy")), 1},
		{"idle commands", testutil.ToFloat64(collector.SensorCommands.WithLabelValues("idle")), 1},
		{"dropped copies", testutil.ToFloat64(collector.RadioMessages.WithLabelValues("dropped")), 1},
		{"coverage", testutil.ToFloat64(collector.CoveragePercent), 12.5},
		{"covered grids", testutil.ToFloat64(collector.CoveredGrids), 30},
		{"reported LAs", testutil.ToFloat64(collector.ReportedLAs), 2},
		{"node energy", testutil.ToFloat64(collector.NodeEnergy.WithLabelValues("robot", "node-2")), 0.75},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if count := histogramSampleCount(t, reg, "wsn_local_phase_duration_seconds", nil); count != 1 {
		t.Fatalf("wsn_local_phase_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *DeploymentCollector
	c.ObserveAssignment(true)
	c.ObserveReport("stale")
	c.SetCoverage(1, 1, 1)
	c.ObserveDispersionStep("uncovered")
	c.ObserveSensorCommand("active")
	c.ObserveLocalPhase(time.Second)
	c.ObserveRadio(radio.OutcomeDelivered)
	c.SetNodeEnergy("sensor", "node-9", 1)

	var r *RunCollector
	r.ObserveRun(time.Second, "done")
	r.SetQueue(3, time.Minute)
	r.IncEvents()
}

func TestCollectorsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewDeploymentCollector(reg)
	if err != nil {
		t.Fatalf("NewDeploymentCollector: %v", err)
	}
	second, err := NewDeploymentCollector(reg)
	if err != nil {
		t.Fatalf("second NewDeploymentCollector: %v", err)
	}
	second.ObserveReport("duplicate")
	if got := testutil.ToFloat64(first.Reports.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("shared wsn_reports_total = %v, want 1", got)
	}

	if _, err := NewRunCollector(reg); err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}
	if _, err := NewRunCollector(reg); err != nil {
		t.Fatalf("second NewRunCollector: %v", err)
	}
}

func TestRunCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewRunCollector(reg)
	if err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}
	if c.Gatherer() != reg {
		t.Fatalf("Gatherer() did not return the registry")
	}
	c.SetQueue(7, 90*time.Second)
	c.IncEvents()
	c.IncEvents()
	c.ObserveRun(250*time.Millisecond, "done")

	if got := testutil.ToFloat64(c.PendingEvents); got != 7 {
		t.Fatalf("wsn_scheduler_pending_events = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.SimulatedTime); got != 90 {
		t.Fatalf("wsn_simulated_time_seconds = %v, want 90", got)
	}
	if got := testutil.ToFloat64(c.EventsRun); got != 2 {
		t.Fatalf("wsn_scheduler_events_run_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.RunsTotal.WithLabelValues("done")); got != 1 {
		t.Fatalf("wsn_runs_total{outcome=done} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "wsn_run_wall_duration_seconds", nil); count != 1 {
		t.Fatalf("wsn_run_wall_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestMetricsHandlerExposesDeploymentGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewDeploymentCollector(reg)
	if err != nil {
		t.Fatalf("NewDeploymentCollector: %v", err)
	}
	collector.SetCoverage(64, 160, 4)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"wsn_status_requests_total",
		"wsn_status_request_duration_seconds",
		"wsn_coverage_percent 64",
		"wsn_covered_grids 160",
		"wsn_reported_location_areas 4",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

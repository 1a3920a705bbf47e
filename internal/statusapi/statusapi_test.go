package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/observability"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/sim"
	"github.com/signalsfoundry/wsn-deployment-simulator/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeProvider struct {
	mu     sync.Mutex
	calls  int
	doneAt int // calls after which Done is reported; 0 means always

	// endAt, when set, ends the run with outcome after that many calls
	// without ever reporting Done.
	endAt   int
	outcome string
	base    sim.Summary
}

func (p *fakeProvider) Summary() sim.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	s := p.base
	s.SimulatedSeconds = float64(p.calls)
	if p.endAt > 0 {
		if p.calls >= p.endAt {
			s.Outcome = p.outcome
		}
		return s
	}
	s.Done = p.doneAt == 0 || p.calls >= p.doneAt
	return s
}

func testSummary() sim.Summary {
	return sim.Summary{
		RunID:           "run-1",
		Mode:            sim.ModeVirtual,
		State:           "ready",
		CoveragePercent: 12.5,
		TotalCovered:    50,
		GridsPerLA:      100,
		Areas: []model.LocationArea{
			{ID: 1, Center: model.Point{X: 100, Y: 100}, CoveredGrids: 30, Reported: true},
			{ID: 2, Center: model.Point{X: 300, Y: 100}, CoveredGrids: 20, Reported: true},
			{ID: 3, Center: model.Point{X: 100, Y: 300}},
		},
		Robots: []sim.RobotSummary{{ID: 2, Phase: "dispersion", LA: 3, Stock: 4}},
	}
}

func dialBufconn(t *testing.T, svc *Service, collector *observability.DeploymentCollector) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server, _ := NewGRPCServer(svc, collector, nil)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCGetSummary(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewDeploymentCollector(reg)
	if err != nil {
		t.Fatalf("NewDeploymentCollector: %v", err)
	}
	conn := dialBufconn(t, NewService(&fakeProvider{base: testSummary()}, nil), collector)
	client := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := client.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	fields := out.GetFields()
	if got := fields["run_id"].GetStringValue(); got != "run-1" {
		t.Fatalf("run_id = %q, want run-1", got)
	}
	if got := fields["coverage_percent"].GetNumberValue(); got != 12.5 {
		t.Fatalf("coverage_percent = %v, want 12.5", got)
	}
	if got := len(fields["areas"].GetListValue().GetValues()); got != 3 {
		t.Fatalf("areas = %d, want 3", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("DeploymentStatus", "GetSummary", "OK")); got != 1 {
		t.Fatalf("wsn_status_requests_total = %v, want 1", got)
	}
}

func TestGRPCGetLocationArea(t *testing.T) {
	conn := dialBufconn(t, NewService(&fakeProvider{base: testSummary()}, nil), nil)
	client := NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.GetLocationArea(ctx, 2)
	if err != nil {
		t.Fatalf("GetLocationArea(2) error = %v", err)
	}
	if got := out.GetFields()["covered_grids"].GetNumberValue(); got != 20 {
		t.Fatalf("covered_grids = %v, want 20", got)
	}

	_, err = client.GetLocationArea(ctx, 9)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("GetLocationArea(9) code = %v, want NotFound", status.Code(err))
	}
}

func TestGRPCWithoutProvider(t *testing.T) {
	conn := dialBufconn(t, NewService(nil, nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewClient(conn).GetSummary(ctx)
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("GetSummary() code = %v, want Unavailable", status.Code(err))
	}
}

func TestGRPCHealth(t *testing.T) {
	conn := dialBufconn(t, NewService(&fakeProvider{base: testSummary()}, nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health Check() error = %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", resp.GetStatus())
	}
}

func TestToStatusError(t *testing.T) {
	cases := []struct {
		err  error
		want codes.Code
	}{
		{ErrNoRun, codes.Unavailable},
		{ErrAreaNotFound, codes.NotFound},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.Aborted, "x"), codes.Aborted},
		{net.ErrClosed, codes.Internal},
	}
	for _, tc := range cases {
		if got := status.Code(ToStatusError(tc.err)); got != tc.want {
			t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, got, tc.want)
		}
	}
	if ToStatusError(nil) != nil {
		t.Fatalf("ToStatusError(nil) != nil")
	}
}

func TestHTTPEndpoints(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("wsn_coverage_percent 12.5\n"))
	})
	srv := httptest.NewServer(NewHTTPHandler(&fakeProvider{base: testSummary()}, HTTPOptions{Metrics: metrics}))
	defer srv.Close()

	cases := []struct {
		path string
		code int
		want string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/api/v1/summary", http.StatusOK, `"run_id":"run-1"`},
		{"/api/v1/areas/1", http.StatusOK, `"covered_grids":30`},
		{"/api/v1/areas/7", http.StatusNotFound, "location area not found"},
		{"/api/v1/areas/abc", http.StatusBadRequest, "must be an integer"},
		{"/metrics", http.StatusOK, "wsn_coverage_percent"},
	}
	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read %s: %v", tc.path, err)
		}
		if resp.StatusCode != tc.code {
			t.Fatalf("GET %s status = %d, want %d", tc.path, resp.StatusCode, tc.code)
		}
		if !strings.Contains(string(body), tc.want) {
			t.Fatalf("GET %s body = %s, want it to contain %s", tc.path, body, tc.want)
		}
	}
}

func TestHTTPWithoutProvider(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHTTPHandler(nil, HTTPOptions{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/summary", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

// readStream collects updates until the server closes the stream and
// returns them with the close reason.
func readStream(t *testing.T, provider SummaryProvider) ([]StreamUpdate, string) {
	t.Helper()
	srv := httptest.NewServer(NewHTTPHandler(provider, HTTPOptions{StreamInterval: 10 * time.Millisecond}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s): %v", url, err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var updates []StreamUpdate
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				t.Fatalf("ReadMessage: %v", err)
			}
			return updates, closeErr.Text
		}
		var u StreamUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			t.Fatalf("decode update: %v", err)
		}
		updates = append(updates, u)
	}
}

func TestStreamUntilDone(t *testing.T) {
	updates, reason := readStream(t, &fakeProvider{base: testSummary(), doneAt: 3})
	if reason != "deployment done" {
		t.Fatalf("close reason = %q, want deployment done", reason)
	}

	if len(updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(updates))
	}
	last := updates[len(updates)-1]
	if !last.Done || last.ReportedLAs != 2 || last.RunID != "run-1" {
		t.Fatalf("last update = %+v", last)
	}
	for i := 1; i < len(updates); i++ {
		if updates[i].SimulatedSeconds <= updates[i-1].SimulatedSeconds {
			t.Fatalf("updates not advancing: %v then %v", updates[i-1].SimulatedSeconds, updates[i].SimulatedSeconds)
		}
	}
}

func TestStreamClosesWhenRunTimesOut(t *testing.T) {
	updates, reason := readStream(t, &fakeProvider{base: testSummary(), endAt: 4, outcome: "timeout"})
	if reason != "deployment timeout" {
		t.Fatalf("close reason = %q, want deployment timeout", reason)
	}
	if len(updates) != 4 {
		t.Fatalf("updates = %d, want 4", len(updates))
	}
	last := updates[len(updates)-1]
	if last.Done || last.Outcome != "timeout" {
		t.Fatalf("last update done=%v outcome=%q, want not done and timeout", last.Done, last.Outcome)
	}
}

package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/logging"
	"github.com/signalsfoundry/wsn-deployment-simulator/internal/sim"
)

// HTTPOptions configures the HTTP surface.
type HTTPOptions struct {
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// StreamInterval is the wall-clock period between websocket updates.
	StreamInterval time.Duration
	Logger         logging.Logger
}

type httpAPI struct {
	provider SummaryProvider
	interval time.Duration
	log      logging.Logger
	upgrader websocket.Upgrader
}

// NewHTTPHandler returns the router for the HTTP surface:
//
//	GET /healthz
//	GET /api/v1/summary
//	GET /api/v1/areas/{id}
//	GET /api/v1/stream   (websocket, one summary per interval until done)
//	GET /metrics
func NewHTTPHandler(provider SummaryProvider, opts HTTPOptions) http.Handler {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	api := &httpAPI{
		provider: provider,
		interval: opts.StreamInterval,
		log:      opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", api.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/summary", api.handleSummary)
		r.Get("/areas/{id}", api.handleArea)
		r.Get("/stream", api.handleStream)
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	return r
}

func (a *httpAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *httpAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if a.provider == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoRun)
		return
	}
	writeJSON(w, http.StatusOK, a.provider.Summary())
}

func (a *httpAPI) handleArea(w http.ResponseWriter, r *http.Request) {
	if a.provider == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoRun)
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("location area id must be an integer in [1, 65535]"))
		return
	}
	la, err := findArea(a.provider.Summary(), uint32(id))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, la)
}

// handleStream pushes the summary over a websocket every interval. Once the
// run has ended, whether done, timed out or cancelled, the last message is
// followed by a normal close naming the outcome.
func (a *httpAPI) handleStream(w http.ResponseWriter, r *http.Request) {
	if a.provider == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoRun)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	// The read loop only exists to notice the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		s := a.provider.Summary()
		if err := conn.WriteJSON(streamUpdate(s)); err != nil {
			a.log.Debug(ctx, "websocket write failed", logging.Err(err))
			return
		}
		if s.Done || s.Ended() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason(s))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func closeReason(s sim.Summary) string {
	if s.Outcome == "" {
		return "deployment done"
	}
	return "deployment " + s.Outcome
}

// StreamUpdate is one websocket message. It trims the summary to the fields
// that change while a run progresses.
type StreamUpdate struct {
	RunID            string             `json:"run_id"`
	Done             bool               `json:"done"`
	State            string             `json:"state"`
	Outcome          string             `json:"outcome,omitempty"`
	SimulatedSeconds float64            `json:"simulated_seconds"`
	CoveragePercent  float64            `json:"coverage_percent"`
	TotalCovered     int                `json:"total_covered"`
	ReportedLAs      int                `json:"reported_las"`
	TotalEnergy      float64            `json:"total_energy"`
	Robots           []sim.RobotSummary `json:"robots"`
}

func streamUpdate(s sim.Summary) StreamUpdate {
	reported := 0
	for _, la := range s.Areas {
		if la.Reported {
			reported++
		}
	}
	return StreamUpdate{
		RunID:            s.RunID,
		Done:             s.Done,
		State:            s.State,
		Outcome:          s.Outcome,
		SimulatedSeconds: s.SimulatedSeconds,
		CoveragePercent:  s.CoveragePercent,
		TotalCovered:     s.TotalCovered,
		ReportedLAs:      reported,
		TotalEnergy:      s.TotalEnergy,
		Robots:           s.Robots,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// Package admin serves the relay's operator endpoints: health, status,
// Prometheus metrics, recent journal entries and the loaded rules.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vthunder/meshrelay/internal/journal"
	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/metrics"
	"github.com/vthunder/meshrelay/internal/reflex"
	"github.com/vthunder/meshrelay/internal/relay"
)

// StatusSource is the part of the controller the admin server reads
type StatusSource interface {
	Snapshot() relay.Snapshot
}

// Server is the admin HTTP server. Journal, Metrics and Rules are optional.
type Server struct {
	Status  StatusSource
	Journal *journal.Journal
	Metrics *metrics.Metrics
	Rules   *reflex.Engine

	started time.Time
}

// New creates an admin server for status
func New(status StatusSource, j *journal.Journal, m *metrics.Metrics, rules *reflex.Engine) *Server {
	return &Server{Status: status, Journal: j, Metrics: m, Rules: rules, started: time.Now()}
}

// Handler returns the admin routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.Metrics != nil {
		r.Use(Instrument(s.Metrics))
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/journal", s.handleJournal)
	r.Get("/rules", s.handleRules)
	return r
}

// statusResponse is the body of GET /status
type statusResponse struct {
	relay.Snapshot
	Uptime string         `json:"uptime"`
	Stats  *journal.Stats `json:"stats,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.Status.Snapshot()
	code := http.StatusOK
	if snap.State != relay.StateListening {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"state": snap.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Snapshot: s.Status.Snapshot(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	if s.Journal != nil {
		stats, err := s.Journal.Stats()
		if err != nil {
			logging.Warn("admin", "journal stats: %v", err)
		} else {
			resp.Stats = &stats
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 1000 {
			http.Error(w, "n must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		n = v
	}
	entries, err := s.Journal.Recent(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ruleInfo is one entry of GET /rules
type ruleInfo struct {
	Name      string    `json:"name"`
	Pattern   string    `json:"pattern"`
	Priority  int       `json:"priority"`
	FireCount int       `json:"fire_count"`
	LastFired time.Time `json:"last_fired,omitzero"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	out := []ruleInfo{}
	if s.Rules != nil {
		for _, rule := range s.Rules.List() {
			out = append(out, ruleInfo{
				Name:      rule.Name,
				Pattern:   rule.Trigger.Pattern,
				Priority:  rule.Priority,
				FireCount: rule.FireCount,
				LastFired: rule.LastFired,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("admin", "encode response: %v", err)
	}
}

// Instrument records request counts and latency by route pattern
func Instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequest(r.Method, path, status, time.Since(start))
		})
	}
}

// ListenAndServe serves the admin routes on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logging.Info("admin", "Listening on %s", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package api serves the planning HTTP API: sessions, streamed turns,
// the confirmation channel, a websocket live feed and shared trip
// exports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/wanderplan/internal/agent"
	"github.com/nugget/wanderplan/internal/buildinfo"
	"github.com/nugget/wanderplan/internal/events"
	"github.com/nugget/wanderplan/internal/health"
	"github.com/nugget/wanderplan/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// UsageReporter summarizes recorded token usage. Implemented by
// usage.Store.
type UsageReporter interface {
	SessionSummary(ctx context.Context, sessionID string) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports dependency reachability. Implemented by
// health.Monitor.
type HealthReporter interface {
	Status() map[string]health.Status
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions *agent.Manager
	turns    *agent.Orchestrator
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server

	metrics   http.Handler
	usage     UsageReporter
	health    HealthReporter
	shareBase string
	currency  string
}

// NewServer creates a new API server.
func NewServer(address string, port int, sessions *agent.Manager, turns *agent.Orchestrator, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		sessions: sessions,
		turns:    turns,
		bus:      bus,
		logger:   logger.With("component", "api"),
		currency: "USD",
	}
}

// SetHealthReporter adds dependency status to /health.
func (s *Server) SetHealthReporter(h HealthReporter) { s.health = h }

// SetMetricsHandler mounts h at /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metrics = h }

// SetUsageReporter enables the usage endpoints.
func (s *Server) SetUsageReporter(u UsageReporter) { s.usage = u }

// SetShareBaseURL sets the public prefix for shared trip links. Empty
// derives the prefix from each request's host.
func (s *Server) SetShareBaseURL(base string) { s.shareBase = strings.TrimRight(base, "/") }

// SetCurrency sets the ISO code used to label amounts in summaries.
func (s *Server) SetCurrency(code string) {
	if code != "" {
		s.currency = code
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("POST /v1/sessions/{id}/confirmations", s.handleConfirmation)
	mux.HandleFunc("POST /v1/sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /v1/sessions/{id}/trip", s.handleSessionTrip)
	mux.HandleFunc("GET /v1/sessions/{id}/live", s.handleLive)
	mux.HandleFunc("POST /v1/sessions/{id}/share", s.handleShare)
	mux.HandleFunc("GET /v1/sessions/{id}/usage", s.handleSessionUsage)

	mux.HandleFunc("GET /v1/trips/{id}", s.handleSharedTrip)
	mux.HandleFunc("GET /v1/trips/{id}/calendar.ics", s.handleCalendar)
	mux.HandleFunc("GET /v1/trips/{id}/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/trips/{id}/qr.png", s.handleQR)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Streams reset their own write deadline per event.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth answers 200 even when a dependency is down; the process
// itself is serving. Callers read "status" for the rollup.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "healthy", "uptime": buildinfo.Uptime().Round(time.Second).String()}
	if s.health != nil {
		if !s.health.Healthy() {
			body["status"] = "degraded"
		}
		body["dependencies"] = s.health.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, body, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found_error"
	case code == http.StatusConflict:
		return "conflict_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// fail maps a domain error to a status and writes it.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, agent.ErrSessionNotFound),
		errors.Is(err, agent.ErrTripNotFound),
		errors.Is(err, agent.ErrUnknownToolCall):
		code = http.StatusNotFound
	case errors.Is(err, agent.ErrSessionBroken),
		errors.Is(err, agent.ErrNotConfirmable),
		errors.Is(err, agent.ErrNothingToResume):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

// session resolves the {id} path value, writing the error response when
// it cannot.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*agent.Session, bool) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return sess, true
}

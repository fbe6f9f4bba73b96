package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/trip"
)

// CreateSessionResponse is returned by POST /v1/sessions.
type CreateSessionResponse struct {
	SessionID string    `json:"session_id"`
	TripID    string    `json:"trip_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TripResponse is a trip with its derived cost breakdown.
type TripResponse struct {
	Trip     trip.Trip          `json:"trip"`
	Cost     trip.CostBreakdown `json:"cost"`
	Version  int64              `json:"version,omitempty"`
	SharedAt *time.Time         `json:"shared_at,omitempty"`
}

func tripResponse(t trip.Trip, version int64, sharedAt time.Time) TripResponse {
	resp := TripResponse{Trip: t, Cost: t.Cost(), Version: version}
	if !sharedAt.IsZero() {
		resp.SharedAt = &sharedAt
	}
	return resp
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, CreateSessionResponse{
		SessionID: sess.ID,
		TripID:    sess.Document().Snapshot().ID,
		CreatedAt: sess.CreatedAt,
	}, s.logger)
}

// Session listing bounds.
const (
	defaultSessionLimit = 10
	maxSessionLimit     = 100
)

// handleListSessions pages through sessions newest first with ?limit=
// (1-100, default 10) and ?offset= (default 0).
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := defaultSessionLimit, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSessionLimit {
			s.errorResponse(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}

	page, err := s.sessions.List(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, page, s.logger)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	msgs := sess.Log().Snapshot()
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": sess.ID,
		"state":      sess.State(),
		"messages":   msgs,
	}, s.logger)
}

func (s *Server) handleSessionTrip(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	doc := sess.Document()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tripResponse(doc.Snapshot(), doc.Version(), doc.SharedAt()), s.logger)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	aborted := sess.Abort()
	s.logger.Info("abort requested", "session", sess.ID, "active_turn", aborted)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"aborted": aborted}, s.logger)
}

// ShareResponse is returned by POST /v1/sessions/{id}/share.
type ShareResponse struct {
	TripID   string    `json:"trip_id"`
	SharedAt time.Time `json:"shared_at"`
	URL      string    `json:"url"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	t, sharedAt, err := s.sessions.Share(r.Context(), sess)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ShareResponse{TripID: t.ID, SharedAt: sharedAt, URL: s.shareURL(r, t.ID)}, s.logger)
}

func (s *Server) shareURL(r *http.Request, tripID string) string {
	if s.shareBase != "" {
		return s.shareBase + "/" + tripID
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/v1/trips/" + tripID
}

func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sum, err := s.usage.SessionSummary(r.Context(), sess.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sum, s.logger)
}

// handleUsage reports per-model totals over ?hours= (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end.Add(time.Second))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":    hours,
		"by_model": byModel,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

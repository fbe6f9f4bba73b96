package api

import (
	"net/http"
	"time"

	"github.com/nugget/wanderplan/internal/export"
	"github.com/nugget/wanderplan/internal/trip"
)

// sharedTrip resolves the {id} path value to a shared trip. Trips that
// were never shared are not public.
func (s *Server) sharedTrip(w http.ResponseWriter, r *http.Request) (trip.Trip, time.Time, bool) {
	t, sharedAt, err := s.sessions.Trip(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return trip.Trip{}, time.Time{}, false
	}
	if sharedAt.IsZero() {
		s.errorResponse(w, http.StatusNotFound, "trip not shared")
		return trip.Trip{}, time.Time{}, false
	}
	return t, sharedAt, true
}

func (s *Server) handleSharedTrip(w http.ResponseWriter, r *http.Request) {
	t, sharedAt, ok := s.sharedTrip(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, tripResponse(t, 0, sharedAt), s.logger)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	t, sharedAt, ok := s.sharedTrip(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+t.ID+`.ics"`)
	if _, err := w.Write([]byte(export.Calendar(t, sharedAt))); err != nil {
		s.logger.Debug("failed to write calendar", "error", err)
	}
}

// handleSummary renders ?format=markdown (default) or html.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.sharedTrip(w, r)
	if !ok {
		return
	}
	opts := export.Options{Currency: s.currency, ShareURL: s.shareURL(r, t.ID)}

	var body, contentType string
	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown", "md":
		body, contentType = export.Markdown(t, opts), "text/markdown; charset=utf-8"
	case "html":
		html, err := export.HTML(t, opts)
		if err != nil {
			s.fail(w, err)
			return
		}
		body, contentType = html, "text/html; charset=utf-8"
	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported format: "+format+" (use markdown or html)")
		return
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Debug("failed to write summary", "error", err)
	}
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	t, _, ok := s.sharedTrip(w, r)
	if !ok {
		return
	}
	png, err := export.ShareQR(s.shareURL(r, t.ID), parseIntParam(r, "size", export.DefaultQRSize))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr code", "error", err)
	}
}

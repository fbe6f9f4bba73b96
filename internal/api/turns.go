package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/wanderplan/internal/agent"
)

// TurnRequest is the body of POST /v1/sessions/{id}/turns.
type TurnRequest struct {
	Message string `json:"message"`
}

// ConfirmationRequest is the body of POST /v1/sessions/{id}/confirmations.
type ConfirmationRequest struct {
	ToolCallID string `json:"tool_call_id"`
	Confirmed  *bool  `json:"confirmed"`
}

// TurnResponse is the non-streaming form of a turn.
type TurnResponse struct {
	Confirmation *agent.ConfirmResult `json:"confirmation,omitempty"`
	Turn         *agent.TurnResult    `json:"turn,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// sseSink writes publisher events as server-sent events. Headers go out
// with the first event so a turn that fails to start can still answer
// with a plain JSON error.
type sseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	logger  *slog.Logger
	started bool
}

func newSSESink(w http.ResponseWriter, logger *slog.Logger) *sseSink {
	return &sseSink{w: w, rc: http.NewResponseController(w), logger: logger}
}

func (k *sseSink) start() {
	h := k.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	k.w.WriteHeader(http.StatusOK)
	k.started = true
}

// Send implements agent.Sink.
func (k *sseSink) Send(e agent.Event) error {
	if !k.started {
		k.start()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(k.w, "data: %s\n\n", data); err != nil {
		return err
	}
	// Tool loops can run long; each event buys the stream more time.
	if err := k.rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
		k.logger.Debug("failed to reset write deadline", "error", err)
	}
	return k.rc.Flush()
}

func (k *sseSink) finish() {
	if !k.started {
		k.start()
	}
	fmt.Fprint(k.w, "data: [DONE]\n\n")
	if err := k.rc.Flush(); err != nil {
		k.logger.Debug("failed to flush stream end", "error", err)
	}
}

func streaming(r *http.Request) bool {
	return r.URL.Query().Get("stream") != "false"
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	s.runTurn(w, r, sess, nil, func(ctx context.Context, pub *agent.Publisher) (*agent.TurnResult, error) {
		return s.turns.Run(ctx, sess, req.Message, pub)
	})
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request) {
	var req ConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToolCallID == "" || req.Confirmed == nil {
		s.errorResponse(w, http.StatusBadRequest, "tool_call_id and confirmed are required")
		return
	}
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	res, err := s.turns.Confirm(sess, req.ToolCallID, *req.Confirmed)
	if err != nil {
		s.fail(w, err)
		return
	}
	if res.Duplicate {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, TurnResponse{Confirmation: &res}, s.logger)
		return
	}

	s.runTurn(w, r, sess, &res, func(ctx context.Context, pub *agent.Publisher) (*agent.TurnResult, error) {
		return s.turns.Resume(ctx, sess, pub)
	})
}

// runTurn executes a turn invocation and writes it as an SSE stream or,
// with ?stream=false, as one JSON document. The turn is detached from
// the request so a dropped client does not abort it; the abort endpoint
// does.
func (s *Server) runTurn(w http.ResponseWriter, r *http.Request, sess *agent.Session, confirmation *agent.ConfirmResult,
	invoke func(context.Context, *agent.Publisher) (*agent.TurnResult, error)) {
	ctx := context.WithoutCancel(r.Context())

	if !streaming(r) {
		res, err := invoke(ctx, s.sessions.NewPublisher(sess, nil))
		if res == nil {
			s.fail(w, err)
			return
		}
		out := TurnResponse{Confirmation: confirmation, Turn: res}
		if err != nil {
			out.Error = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, out, s.logger)
		return
	}

	sink := newSSESink(w, s.logger)
	res, err := invoke(ctx, s.sessions.NewPublisher(sess, sink))
	if res == nil && !sink.started {
		s.fail(w, err)
		return
	}
	sink.finish()
}

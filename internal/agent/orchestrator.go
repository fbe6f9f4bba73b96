// Package agent runs planning turns: it feeds the conversation to the
// model, resolves the tool calls the model makes, parks gated calls until
// the user decides, and streams everything to the caller as it happens.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/events"
	"github.com/nugget/wanderplan/internal/llm"
	"github.com/nugget/wanderplan/internal/trip"
)

// State is a turn orchestrator state.
type State string

// Orchestrator states. Idle, SuspendedOnConfirmation, Aborted, Exhausted
// and Failed end an invocation.
const (
	StateIdle                    State = "idle"
	StateSanitizing              State = "sanitizing"
	StateInterceptingTools       State = "intercepting_tools"
	StateSuspendedOnConfirmation State = "suspended_on_confirmation"
	StateInvokingModel           State = "invoking_model"
	StateStreamingOutput         State = "streaming_output"
	StateAborted                 State = "aborted"
	StateExhausted               State = "exhausted"
	StateFailed                  State = "failed"
)

// DefaultStepBudget caps model calls per invocation when the config
// leaves it unset.
const DefaultStepBudget = 25

var (
	// ErrUnknownToolCall is returned by Confirm for an id no message carries.
	ErrUnknownToolCall = conversation.ErrUnknownToolCall

	// ErrNotConfirmable is returned by Confirm for a call whose tool is
	// not gated or whose input is still streaming.
	ErrNotConfirmable = conversation.ErrNotConfirmable

	// ErrNothingToResume is returned by Resume when the last message has
	// no tool call waiting to be applied.
	ErrNothingToResume = errors.New("nothing to resume")
)

// ToolSet is the tool surface the orchestrator needs. Implemented by
// tools.Registry.
type ToolSet interface {
	Executor
	List() []map[string]any
}

// UsageRecorder persists token usage of one model call. Implemented by
// usage.Store.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sessionID, turnID string, resp *llm.ChatResponse) error
}

// Config holds orchestrator settings.
type Config struct {
	Model               string
	StepBudget          int
	ConfirmationTimeout time.Duration
	// SystemPrompt renders the system prompt for the given time. Nil
	// sends no system message.
	SystemPrompt func(now time.Time) string
}

// TurnResult describes how an invocation ended.
type TurnResult struct {
	TurnID         string               `json:"turn_id"`
	State          State                `json:"state"`
	PendingCallIDs []string             `json:"pending_call_ids,omitempty"`
	Steps          int                  `json:"steps"`
	Message        conversation.Message `json:"message"`
}

// ConfirmResult describes a recorded confirmation.
type ConfirmResult struct {
	CallID    string `json:"tool_call_id"`
	ToolName  string `json:"tool_name"`
	Confirmed bool   `json:"confirmed"`
	// Duplicate is set when the call already had an outcome. Nothing
	// was changed.
	Duplicate bool `json:"duplicate"`
}

// Orchestrator drives turns. One orchestrator serves every session;
// turns of one session are serialized by the session.
type Orchestrator struct {
	llm         llm.Client
	tools       ToolSet
	interceptor *Interceptor
	cfg         Config
	usage       UsageRecorder
	bus         *events.Bus
	logger      *slog.Logger
	now         func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(client llm.Client, toolset ToolSet, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = DefaultStepBudget
	}
	logger = logger.With("component", "orchestrator")
	return &Orchestrator{
		llm:         client,
		tools:       toolset,
		interceptor: NewInterceptor(toolset, cfg.ConfirmationTimeout, logger),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// SetUsageRecorder enables per-call usage recording.
func (o *Orchestrator) SetUsageRecorder(u UsageRecorder) { o.usage = u }

// SetEventBus enables turn and tool events on bus.
func (o *Orchestrator) SetEventBus(bus *events.Bus) {
	o.bus = bus
	o.interceptor.bus = bus
}

// Run starts a new turn with the user's message. A call still parked on
// a confirmation from the previous turn is declined as superseded and
// the previous message is settled before the new message is appended.
func (o *Orchestrator) Run(ctx context.Context, s *Session, userText string, pub *Publisher) (*TurnResult, error) {
	ctx, end, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	turnID := uuid.NewString()
	if last, ok := s.log.Last(); ok && last.Role == conversation.RoleAssistant {
		if err := o.supersede(ctx, s, last, turnID); err != nil {
			return nil, o.broken(s, err)
		}
	}

	now := o.now()
	s.log.Append(conversation.NewUserMessage(userText, now))
	msg := conversation.NewAssistantMessage(now)
	s.log.Append(msg)

	o.logger.Info("turn started", "session", s.ID, "turn_id", turnID, "message", msg.ID, "model", o.cfg.Model)
	return o.loop(ctx, s, msg.ID, turnID, pub, false)
}

// Resume continues the trailing assistant message after a confirmation
// outcome was recorded.
func (o *Orchestrator) Resume(ctx context.Context, s *Session, pub *Publisher) (*TurnResult, error) {
	ctx, end, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer end()

	last, ok := s.log.Last()
	if !ok || last.Role != conversation.RoleAssistant {
		return nil, ErrNothingToResume
	}
	awaiting := false
	for _, tc := range last.ToolCalls() {
		if tc.AwaitingExecution() {
			awaiting = true
			break
		}
	}
	if !awaiting {
		return nil, ErrNothingToResume
	}

	turnID := uuid.NewString()
	o.logger.Info("turn resumed", "session", s.ID, "turn_id", turnID, "message", last.ID)
	return o.loop(ctx, s, last.ID, turnID, pub, true)
}

// Confirm records the user's decision for a gated call. It does not run
// the tool; the next Resume applies the decision.
func (o *Orchestrator) Confirm(s *Session, callID string, confirmed bool) (ConfirmResult, error) {
	res := ConfirmResult{CallID: callID}
	if err := s.Broken(); err != nil {
		return res, errors.Join(ErrSessionBroken, err)
	}
	err := s.log.EditToolCall(callID, func(_ *conversation.Message, p *conversation.ToolCallPart) error {
		res.ToolName = p.ToolName
		if p.State.Final() {
			res.Duplicate = true
			res.Confirmed = p.Approval != nil && p.Approval.Confirmed
			return nil
		}
		if !o.tools.RequiresConfirmation(p.ToolName) {
			return ErrNotConfirmable
		}
		if err := p.Confirm(confirmed, ReasonUser, o.now()); err != nil {
			return err
		}
		res.Confirmed = confirmed
		return nil
	})
	if err != nil {
		return res, err
	}
	if res.Duplicate {
		o.logger.Info("duplicate confirmation ignored", "session", s.ID, "call_id", callID)
	} else {
		o.logger.Info("confirmation recorded", "session", s.ID, "call_id", callID, "tool", res.ToolName, "confirmed", confirmed)
	}
	return res, nil
}

// supersede declines every call of last still parked on a decision and
// resolves the rest of last's calls.
func (o *Orchestrator) supersede(ctx context.Context, s *Session, last conversation.Message, turnID string) error {
	for _, tc := range last.ToolCalls() {
		if !tc.PendingConfirmation() || !o.tools.RequiresConfirmation(tc.ToolName) {
			continue
		}
		if err := o.interceptor.decline(s, tc.CallID, ReasonSuperseded); err != nil {
			return err
		}
		o.logger.Info("pending confirmation superseded", "session", s.ID, "tool", tc.ToolName, "call_id", tc.CallID)
	}
	_, err := o.interceptor.Intercept(ctx, s, last.ID, turnID, nil)
	return err
}

func (o *Orchestrator) loop(ctx context.Context, s *Session, msgID, turnID string, pub *Publisher, resumed bool) (*TurnResult, error) {
	start := o.now()
	res := &TurnResult{TurnID: turnID}
	_ = pub.Start(msgID)
	o.bus.Publish(events.Event{
		Session: s.ID,
		Source:  events.SourceAgent,
		Kind:    events.KindTurnStart,
		Data:    map[string]any{"turn_id": turnID, "resumed": resumed},
	})

	var turnErr error
	for {
		o.transition(s, StateSanitizing)
		o.transition(s, StateInterceptingTools)
		ir, err := o.interceptor.Intercept(ctx, s, msgID, turnID, pub)
		if err != nil {
			res.State, turnErr = StateFailed, o.broken(s, err)
			break
		}
		if len(ir.Pending) > 0 {
			res.State, res.PendingCallIDs = StateSuspendedOnConfirmation, ir.Pending
			o.bus.Publish(events.Event{
				Session: s.ID,
				Source:  events.SourceAgent,
				Kind:    events.KindSuspended,
				Data:    map[string]any{"turn_id": turnID, "pending": ir.Pending},
			})
			break
		}
		if ctx.Err() != nil {
			res.State = StateAborted
			break
		}
		if res.Steps >= o.cfg.StepBudget {
			o.logger.Warn("step budget exhausted", "session", s.ID, "turn_id", turnID, "steps", res.Steps)
			res.State = StateExhausted
			break
		}

		o.transition(s, StateInvokingModel)
		res.Steps++
		more, err := o.step(ctx, s, msgID, turnID, res.Steps, pub)
		if err != nil {
			var convErr *conversation.InvariantError
			var tripErr *trip.InvariantError
			switch {
			case errors.As(err, &convErr), errors.As(err, &tripErr):
				res.State, turnErr = StateFailed, o.broken(s, err)
			case ctx.Err() != nil:
				res.State = StateAborted
			default:
				res.State, turnErr = StateFailed, fmt.Errorf("model call: %w", err)
				o.logger.Error("model call failed", "session", s.ID, "turn_id", turnID, "step", res.Steps, "error", err)
			}
			break
		}
		if !more {
			res.State = StateIdle
			break
		}
	}

	if res.State == StateAborted || (res.State == StateFailed && s.Broken() == nil) {
		if err := o.cancelOutstanding(s, msgID, res.State, pub); err != nil {
			turnErr = errors.Join(turnErr, o.broken(s, err))
		}
	}
	if turnErr != nil {
		_ = pub.Error(turnErr)
	}
	s.log.Edit(msgID, func(m *conversation.Message) error { //nolint:errcheck // message was appended by this turn
		res.Message = m.Clone()
		return nil
	})
	s.setState(res.State)
	_ = pub.State(res.State, res.PendingCallIDs)
	_ = pub.Done(res.Message)

	elapsed := o.now().Sub(start)
	o.bus.Publish(events.Event{
		Session: s.ID,
		Source:  events.SourceAgent,
		Kind:    events.KindTurnComplete,
		Data: map[string]any{
			"turn_id":    turnID,
			"state":      string(res.State),
			"steps":      res.Steps,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
	o.logger.Info("turn finished",
		"session", s.ID,
		"turn_id", turnID,
		"state", res.State,
		"steps", res.Steps,
		"pending", len(res.PendingCallIDs),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return res, turnErr
}

// cancelOutstanding closes every call of message msgID that the ended
// turn left unresolved, so no later turn runs it.
func (o *Orchestrator) cancelOutstanding(s *Session, msgID string, ended State, pub *Publisher) error {
	reason := "Not run: the turn was aborted before this call executed."
	if ended == StateFailed {
		reason = "Not run: the turn failed before this call executed."
	}
	var closed []conversation.ToolCallPart
	err := s.log.Edit(msgID, func(m *conversation.Message) error {
		for _, tc := range m.ToolCalls() {
			if !tc.AwaitingExecution() {
				continue
			}
			if err := tc.Fail(conversation.ErrorKindCancelled, reason); err != nil {
				return err
			}
			closed = append(closed, *tc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := range closed {
		o.logger.Info("tool call cancelled", "session", s.ID, "tool", closed[i].ToolName, "call_id", closed[i].CallID, "state", ended)
		_ = pub.ToolCall(msgID, &closed[i])
	}
	return nil
}

// step makes one model call and records what it streams into message
// msgID. It reports whether the model asked for tools.
func (o *Orchestrator) step(ctx context.Context, s *Session, msgID, turnID string, step int, pub *Publisher) (bool, error) {
	clean, err := conversation.SanitizeForModel(s.log.Snapshot())
	if err != nil {
		return false, err
	}
	var history []llm.Message
	if o.cfg.SystemPrompt != nil {
		history = append(history, llm.Message{Role: llm.RoleSystem, Content: o.cfg.SystemPrompt(o.now())})
	}
	history = append(history, conversation.ToLLM(clean)...)

	o.bus.Publish(events.Event{
		Session: s.ID,
		Source:  events.SourceAgent,
		Kind:    events.KindLLMCall,
		Data:    map[string]any{"turn_id": turnID, "step": step, "model": o.cfg.Model},
	})
	o.logger.Debug("calling model", "session", s.ID, "turn_id", turnID, "step", step, "messages", len(history))

	rec := &streamRecorder{o: o, s: s, msgID: msgID, pub: pub, ready: make(map[string]bool), started: make(map[string]bool)}
	start := time.Now()
	resp, err := o.llm.ChatStream(ctx, o.cfg.Model, history, o.tools.List(), rec.handle)
	if rec.err != nil {
		return false, rec.err
	}
	if err != nil {
		return false, err
	}

	for _, tc := range resp.Message.ToolCalls {
		if err := rec.readyCall(tc); err != nil {
			return false, err
		}
	}
	// A provider can reread text it already streamed as tool calls. The
	// call JSON must not stay behind as assistant text.
	if rec.sawText && resp.Message.Content == "" && len(resp.Message.ToolCalls) > 0 {
		err := s.log.Edit(msgID, func(m *conversation.Message) error {
			if !m.RetractText(rec.streamed.String()) {
				o.logger.Warn("streamed text not found for retraction", "session", s.ID, "turn_id", turnID)
			}
			return nil
		})
		if err != nil {
			return false, err
		}
	}
	if !rec.sawText && resp.Message.Content != "" {
		rec.text(resp.Message.Content)
		if rec.err != nil {
			return false, rec.err
		}
	}

	if o.usage != nil {
		if err := o.usage.RecordUsage(ctx, s.ID, turnID, resp); err != nil {
			o.logger.Warn("failed to record usage", "session", s.ID, "error", err)
		}
	}
	o.bus.Publish(events.Event{
		Session: s.ID,
		Source:  events.SourceAgent,
		Kind:    events.KindLLMResponse,
		Data: map[string]any{
			"turn_id":    turnID,
			"step":       step,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(rec.ready),
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})
	return len(rec.ready) > 0, nil
}

func (o *Orchestrator) transition(s *Session, next State) {
	if prev := s.State(); prev != next {
		o.logger.Log(context.Background(), llm.LevelTrace, "turn state", "session", s.ID, "from", prev, "to", next)
	}
	s.setState(next)
}

func (o *Orchestrator) broken(s *Session, err error) error {
	s.markBroken(err)
	o.logger.Error("invariant violation, session halted", "session", s.ID, "error", err)
	return errors.Join(ErrSessionBroken, err)
}

// streamRecorder writes provider stream events into the log and forwards
// them to the publisher. Callbacks arrive on the provider's goroutine in
// order; the first error stops recording.
type streamRecorder struct {
	o     *Orchestrator
	s     *Session
	msgID string
	pub   *Publisher

	started map[string]bool
	ready   map[string]bool
	sawText bool
	// streamed is the text this step sent as deltas.
	streamed strings.Builder
	err      error
}

func (r *streamRecorder) handle(ev llm.StreamEvent) {
	if r.err != nil {
		return
	}
	if ev.Kind != llm.KindDone {
		r.o.transition(r.s, StateStreamingOutput)
	}
	switch ev.Kind {
	case llm.KindToken:
		r.text(ev.Token)
	case llm.KindReasoning:
		if ev.Token == "" {
			return
		}
		r.err = r.s.log.Edit(r.msgID, func(m *conversation.Message) error {
			m.AppendReasoning(ev.Token)
			return nil
		})
		_ = r.pub.ReasoningDelta(r.msgID, ev.Token)
	case llm.KindToolCallStart:
		r.start(ev.ToolCallID, ev.ToolName)
	case llm.KindToolCallDelta:
		if !r.started[ev.ToolCallID] || r.ready[ev.ToolCallID] {
			return
		}
		r.err = r.s.log.EditToolCall(ev.ToolCallID, func(_ *conversation.Message, p *conversation.ToolCallPart) error {
			return p.AppendInput(ev.ArgsDelta)
		})
	case llm.KindToolCallReady:
		if ev.ToolCall != nil {
			r.err = r.readyCall(*ev.ToolCall)
		}
	}
}

func (r *streamRecorder) text(delta string) {
	if delta == "" {
		return
	}
	r.sawText = true
	r.streamed.WriteString(delta)
	r.err = r.s.log.Edit(r.msgID, func(m *conversation.Message) error {
		m.AppendText(delta)
		return nil
	})
	_ = r.pub.TextDelta(r.msgID, delta)
}

func (r *streamRecorder) start(id, name string) {
	if id == "" || r.started[id] {
		return
	}
	var part conversation.ToolCallPart
	r.err = r.s.log.Edit(r.msgID, func(m *conversation.Message) error {
		part = *m.StartToolCall(id, name)
		return nil
	})
	if r.err == nil {
		r.started[id] = true
		_ = r.pub.ToolCall(r.msgID, &part)
	}
}

// readyCall records a complete call. Providers that do not announce
// calls while streaming deliver them only in the final response, so the
// call is started here when needed.
func (r *streamRecorder) readyCall(tc llm.ToolCall) error {
	if tc.ID == "" {
		tc.ID = "call_" + uuid.NewString()[:8]
	}
	if r.ready[tc.ID] {
		return nil
	}
	r.start(tc.ID, tc.Name)
	if r.err != nil {
		return r.err
	}
	args := tc.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	var part conversation.ToolCallPart
	err := r.s.log.EditToolCall(tc.ID, func(_ *conversation.Message, p *conversation.ToolCallPart) error {
		if err := p.SetInput(args, r.o.now()); err != nil {
			return err
		}
		part = *p
		return nil
	})
	if err != nil {
		return err
	}
	r.ready[tc.ID] = true
	_ = r.pub.ToolCall(r.msgID, &part)
	return nil
}

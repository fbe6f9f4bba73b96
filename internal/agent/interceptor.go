package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/events"
	"github.com/nugget/wanderplan/internal/tools"
	"github.com/nugget/wanderplan/internal/trip"
)

// Approval reasons.
const (
	ReasonUser       = "user"
	ReasonTimeout    = "timeout"
	ReasonSuperseded = "superseded"
)

var declinedOutput = json.RawMessage(`{"confirmed":false,"message":"The user declined this action."}`)

// Executor runs tools by name. Implemented by tools.Registry.
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	RequiresConfirmation(name string) bool
}

// InterceptResult summarizes one interception pass.
type InterceptResult struct {
	Executed int
	// Pending lists gated calls still waiting for a user decision.
	Pending []string
}

// Interceptor resolves the tool calls of the model's most recent step.
// Calls run one at a time in message order. A gated call without a
// decision stops the pass there, so nothing after it runs before it.
type Interceptor struct {
	tools   Executor
	timeout time.Duration
	bus     *events.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// NewInterceptor creates an interceptor. A zero timeout waits for
// confirmations indefinitely.
func NewInterceptor(exec Executor, timeout time.Duration, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{tools: exec, timeout: timeout, logger: logger, now: time.Now}
}

// Intercept resolves every call in message messageID that still awaits
// execution. Tool failures are recorded on the call. The returned error
// is non-nil only for invariant violations, which the caller must treat
// as fatal to the session.
func (ic *Interceptor) Intercept(ctx context.Context, s *Session, messageID, turnID string, pub *Publisher) (InterceptResult, error) {
	var res InterceptResult

	clean, err := conversation.Sanitize(s.log.Snapshot())
	if err != nil {
		return res, err
	}
	var target *conversation.Message
	for i := range clean {
		if clean[i].ID == messageID {
			target = &clean[i]
			break
		}
	}
	if target == nil {
		return res, nil
	}

	halted := false
	for _, tc := range target.ToolCalls() {
		if !tc.AwaitingExecution() {
			continue
		}
		gated := ic.tools.RequiresConfirmation(tc.ToolName)
		if gated && tc.PendingConfirmation() {
			if !ic.expired(tc) {
				res.Pending = append(res.Pending, tc.CallID)
				halted = true
				continue
			}
			if err := ic.decline(s, tc.CallID, ReasonTimeout); err != nil {
				return res, err
			}
			ic.logger.Info("confirmation timed out", "session", s.ID, "tool", tc.ToolName, "call_id", tc.CallID,
				"waited", ic.now().Sub(tc.RequestedAt).Round(time.Second))
		}
		if halted {
			continue
		}
		if ctx.Err() != nil {
			ic.logger.Debug("turn cancelled, leaving remaining tool calls", "session", s.ID, "call_id", tc.CallID)
			break
		}

		err := ic.run(ctx, s, messageID, turnID, tc.CallID, pub)
		res.Executed++
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (ic *Interceptor) expired(tc *conversation.ToolCallPart) bool {
	return ic.timeout > 0 && !tc.RequestedAt.IsZero() && ic.now().Sub(tc.RequestedAt) >= ic.timeout
}

func (ic *Interceptor) decline(s *Session, callID, reason string) error {
	return s.log.EditToolCall(callID, func(_ *conversation.Message, p *conversation.ToolCallPart) error {
		return p.Confirm(false, reason, ic.now())
	})
}

// run applies one call: a recorded decline becomes the declined output,
// anything else goes to the executor. The live log part is re-read under
// the log lock so a concurrent confirmation cannot be lost.
func (ic *Interceptor) run(ctx context.Context, s *Session, messageID, turnID, callID string, pub *Publisher) error {
	var call conversation.ToolCallPart
	if err := s.log.EditToolCall(callID, func(_ *conversation.Message, p *conversation.ToolCallPart) error {
		call = *p
		return nil
	}); err != nil {
		return err
	}

	if call.Approval != nil && !call.Approval.Confirmed {
		var updated conversation.ToolCallPart
		err := s.log.EditToolCall(callID, func(_ *conversation.Message, p *conversation.ToolCallPart) error {
			if err := p.Resolve(declinedOutput); err != nil {
				return err
			}
			updated = *p
			return nil
		})
		if err != nil {
			return err
		}
		ic.logger.Info("tool call declined", "session", s.ID, "tool", call.ToolName, "call_id", callID, "reason", call.Approval.Reason)
		_ = pub.ToolCall(messageID, &updated)
		return nil
	}

	ic.bus.Publish(events.Event{
		Session: s.ID,
		Source:  events.SourceAgent,
		Kind:    events.KindToolCall,
		Data:    map[string]any{"turn_id": turnID, "tool": call.ToolName, "call_id": callID},
	})

	execCtx := tools.WithSessionID(tools.WithDocument(context.WithoutCancel(ctx), s.doc), s.ID)
	start := time.Now()
	out, execErr := ic.tools.Execute(execCtx, call.ToolName, call.Input)
	elapsed := time.Since(start)

	var tripErr *trip.InvariantError
	fatal := errors.As(execErr, &tripErr)

	var updated conversation.ToolCallPart
	err := s.log.EditToolCall(callID, func(_ *conversation.Message, p *conversation.ToolCallPart) error {
		var err error
		switch {
		case execErr != nil:
			err = p.Fail(errorKind(execErr), execErr.Error())
		case len(out) == 0:
			err = p.Resolve(json.RawMessage("null"))
		default:
			err = p.Resolve(out)
		}
		updated = *p
		return err
	})
	if err != nil {
		return err
	}

	log := ic.logger.With("session", s.ID, "tool", call.ToolName, "call_id", callID, "elapsed", elapsed.Round(time.Millisecond))
	if execErr != nil {
		log.Warn("tool call failed", "kind", updated.ErrorKind, "error", execErr)
	} else {
		log.Info("tool call completed", "output_bytes", len(out))
	}

	ic.bus.Publish(events.Event{
		Session: s.ID,
		Source:  events.SourceAgent,
		Kind:    events.KindToolDone,
		Data: map[string]any{
			"turn_id":     turnID,
			"tool":        call.ToolName,
			"call_id":     callID,
			"ok":          execErr == nil,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	_ = pub.ToolCall(messageID, &updated)

	if fatal {
		return tripErr
	}
	return nil
}

func errorKind(err error) string {
	var ve *tools.ValidationError
	if errors.As(err, &ve) {
		return conversation.ErrorKindValidation
	}
	return conversation.ErrorKindExecution
}

package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PartKind names a part variant on the wire.
type PartKind string

// Part kinds.
const (
	KindText      PartKind = "text"
	KindReasoning PartKind = "reasoning"
	KindToolCall  PartKind = "tool-call"
)

// Part is one element of a message. The variants are TextPart,
// ReasoningPart and *ToolCallPart; the unexported method keeps the set
// closed.
type Part interface {
	Kind() PartKind
	clonePart() Part
}

// TextPart is user- or model-authored text.
type TextPart struct {
	Text string
}

// Kind implements Part.
func (TextPart) Kind() PartKind    { return KindText }
func (p TextPart) clonePart() Part { return p }

// ReasoningPart is opaque model reasoning. It is shown to the user but
// never sent back to the model.
type ReasoningPart struct {
	Text string
}

// Kind implements Part.
func (ReasoningPart) Kind() PartKind    { return KindReasoning }
func (p ReasoningPart) clonePart() Part { return p }

// ToolState is the lifecycle state of a tool call.
type ToolState string

// Tool call states, in lifecycle order. OutputAvailable and OutputError
// are both final.
const (
	StateInputStreaming  ToolState = "input-streaming"
	StateInputAvailable  ToolState = "input-available"
	StateOutputAvailable ToolState = "output-available"
	StateOutputError     ToolState = "output-error"
)

func (s ToolState) rank() int {
	switch s {
	case StateInputStreaming:
		return 0
	case StateInputAvailable:
		return 1
	case StateOutputAvailable, StateOutputError:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known state.
func (s ToolState) Valid() bool { return s.rank() >= 0 }

// Final reports whether the call has a definite outcome.
func (s ToolState) Final() bool { return s.rank() == 2 }

// Error kinds recorded on output-error parts.
const (
	ErrorKindValidation = "validation"
	ErrorKindExecution  = "execution"
	ErrorKindCancelled  = "cancelled" // the turn ended before the call ran
)

// Approval is the outcome a user supplied for a gated tool call.
type Approval struct {
	Confirmed bool      `json:"confirmed"`
	Reason    string    `json:"reason,omitempty"` // user, timeout, superseded
	DecidedAt time.Time `json:"decided_at"`
	// Applied is set once the interceptor has acted on the outcome. From
	// then on the part's output is immutable.
	Applied bool `json:"applied"`
}

// ToolCallPart is a tool invocation and, once resolved, its outcome.
type ToolCallPart struct {
	CallID   string
	ToolName string

	// InputText accumulates the raw argument JSON while streaming.
	InputText string
	Input     json.RawMessage

	State     ToolState
	Output    json.RawMessage
	ErrorText string
	ErrorKind string

	// RequestedAt is when the input became available.
	RequestedAt time.Time
	Approval    *Approval
}

// Kind implements Part.
func (*ToolCallPart) Kind() PartKind { return KindToolCall }

func (p *ToolCallPart) clonePart() Part {
	c := *p
	c.Input = cloneRaw(p.Input)
	c.Output = cloneRaw(p.Output)
	if p.Approval != nil {
		a := *p.Approval
		c.Approval = &a
	}
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// InvariantError reports a broken contract in the message log: a state
// moving backward, an output rewritten, or a structurally impossible log.
// It is never recovered from.
type InvariantError struct {
	CallID string
	Detail string
}

func (e *InvariantError) Error() string {
	if e.CallID == "" {
		return "conversation invariant violated: " + e.Detail
	}
	return fmt.Sprintf("conversation invariant violated (call %s): %s", e.CallID, e.Detail)
}

// ErrAlreadyResolved is returned when a confirmation arrives for a call
// that already has an outcome.
var ErrAlreadyResolved = errors.New("tool call already has an outcome")

// ErrNotConfirmable is returned when a confirmation arrives for a call
// that is not waiting for one.
var ErrNotConfirmable = errors.New("tool call is not awaiting confirmation")

func (p *ToolCallPart) violation(format string, args ...any) error {
	return &InvariantError{CallID: p.CallID, Detail: fmt.Sprintf(format, args...)}
}

// advance moves the part to next, rejecting backward moves and moves
// between two final states.
func (p *ToolCallPart) advance(next ToolState) error {
	if !next.Valid() {
		return p.violation("unknown state %q", next)
	}
	if next.rank() <= p.State.rank() {
		return p.violation("state %s cannot move to %s", p.State, next)
	}
	p.State = next
	return nil
}

// AppendInput adds a streamed fragment of the argument JSON.
func (p *ToolCallPart) AppendInput(delta string) error {
	if p.State != StateInputStreaming {
		return p.violation("input delta in state %s", p.State)
	}
	p.InputText += delta
	return nil
}

// SetInput records the complete input and marks the call ready to run.
func (p *ToolCallPart) SetInput(input json.RawMessage, now time.Time) error {
	if err := p.advance(StateInputAvailable); err != nil {
		return err
	}
	p.Input = cloneRaw(input)
	p.InputText = ""
	p.RequestedAt = now
	return nil
}

// AwaitingExecution reports whether the interceptor still has to act on
// this call: either it has never run, or a confirmation outcome was
// recorded but not yet applied.
func (p *ToolCallPart) AwaitingExecution() bool {
	if p.State == StateInputAvailable {
		return true
	}
	return p.State == StateOutputAvailable && p.Approval != nil && !p.Approval.Applied
}

// PendingConfirmation reports whether the call is parked without an outcome.
func (p *ToolCallPart) PendingConfirmation() bool {
	return p.State == StateInputAvailable && p.Approval == nil
}

// Confirm records a user decision on a gated call. The decision is stored
// as the call's output-available result; the interceptor applies it on
// the next resume. A second decision for the same call returns
// ErrAlreadyResolved and changes nothing.
func (p *ToolCallPart) Confirm(confirmed bool, reason string, now time.Time) error {
	if p.State.Final() {
		return ErrAlreadyResolved
	}
	if p.State != StateInputAvailable {
		return ErrNotConfirmable
	}
	out, err := json.Marshal(map[string]bool{"confirmed": confirmed})
	if err != nil {
		return err
	}
	if err := p.advance(StateOutputAvailable); err != nil {
		return err
	}
	p.Output = out
	p.Approval = &Approval{Confirmed: confirmed, Reason: reason, DecidedAt: now}
	return nil
}

// Resolve records a successful result.
func (p *ToolCallPart) Resolve(output json.RawMessage) error {
	if err := p.finish(StateOutputAvailable); err != nil {
		return err
	}
	p.Output = cloneRaw(output)
	p.ErrorText, p.ErrorKind = "", ""
	return nil
}

// Fail records an error outcome.
func (p *ToolCallPart) Fail(kind, text string) error {
	if err := p.finish(StateOutputError); err != nil {
		return err
	}
	p.Output = nil
	p.ErrorKind, p.ErrorText = kind, text
	return nil
}

// finish moves the call to a final state. Replacing a recorded
// confirmation with the real outcome is the one final-to-final move
// allowed, and it happens at most once.
func (p *ToolCallPart) finish(next ToolState) error {
	if p.State == StateOutputAvailable && p.Approval != nil && !p.Approval.Applied {
		p.State = next
		p.Approval.Applied = true
		return nil
	}
	if p.State.Final() {
		return p.violation("output already recorded (%s)", p.State)
	}
	if p.State != StateInputAvailable {
		return p.violation("cannot finish from %s", p.State)
	}
	return p.advance(next)
}

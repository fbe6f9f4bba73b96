package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/events"
)

// EventType names a stream event.
type EventType string

const (
	EventStart          EventType = "start"
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	EventState          EventType = "state"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Event is one item on a turn's output stream. Tool-call events carry
// the part's full current form, so a consumer can replace what it
// rendered for that call id; a part in a non-final state is in progress.
type Event struct {
	Seq       int64                 `json:"seq"`
	Type      EventType             `json:"type"`
	MessageID string                `json:"message_id,omitempty"`
	Delta     string                `json:"delta,omitempty"`
	Part      json.RawMessage       `json:"part,omitempty"`
	State     State                 `json:"state,omitempty"`
	Pending   []string              `json:"pending,omitempty"`
	Error     string                `json:"error,omitempty"`
	Message   *conversation.Message `json:"message,omitempty"`
}

// Sink receives stream events in order.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

// Send implements Sink.
func (f SinkFunc) Send(e Event) error { return f(e) }

// Finalizer commits the final form of a turn's assistant message.
type Finalizer func(conversation.Message) error

// ErrPublisherClosed is returned for events emitted after done.
var ErrPublisherClosed = errors.New("publisher is closed")

// Publisher is the append-only output stream of one turn invocation.
// Methods are safe on a nil receiver so the orchestrator can run without
// a consumer.
type Publisher struct {
	mu       sync.Mutex
	sink     Sink
	finalize Finalizer
	bus      *events.Bus
	session  string
	logger   *slog.Logger

	seq       int64
	closed    bool
	sinkError error
}

// NewPublisher creates a publisher writing to sink. finalize and bus may
// be nil.
func NewPublisher(sessionID string, sink Sink, finalize Finalizer, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		sink:     sink,
		finalize: finalize,
		bus:      bus,
		session:  sessionID,
		logger:   logger.With("component", "publisher", "session", sessionID),
	}
}

// emit stamps e with the next sequence number and delivers it. A sink
// failure (the client went away) is logged once and later events are
// still mirrored to the bus; the turn is not interrupted.
func (p *Publisher) emit(e Event) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	p.seq++
	e.Seq = p.seq

	if p.sink != nil && p.sinkError == nil {
		if err := p.sink.Send(e); err != nil {
			p.sinkError = err
			p.logger.Warn("stream consumer failed, continuing turn", "error", err, "seq", e.Seq)
		}
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Session: p.session,
			Source:  events.SourceStream,
			Kind:    events.KindStreamEvent,
			Data:    map[string]any{"event": e},
		})
	}
	return nil
}

// Start opens the stream for messageID.
func (p *Publisher) Start(messageID string) error {
	return p.emit(Event{Type: EventStart, MessageID: messageID})
}

// TextDelta forwards a text fragment.
func (p *Publisher) TextDelta(messageID, delta string) error {
	return p.emit(Event{Type: EventTextDelta, MessageID: messageID, Delta: delta})
}

// ReasoningDelta forwards a reasoning fragment.
func (p *Publisher) ReasoningDelta(messageID, delta string) error {
	return p.emit(Event{Type: EventReasoningDelta, MessageID: messageID, Delta: delta})
}

// ToolCall forwards the current form of a tool-call part.
func (p *Publisher) ToolCall(messageID string, part *conversation.ToolCallPart) error {
	raw, err := conversation.MarshalPart(part)
	if err != nil {
		return err
	}
	return p.emit(Event{Type: EventToolCall, MessageID: messageID, Part: raw})
}

// State reports an orchestrator state change.
func (p *Publisher) State(s State, pending []string) error {
	return p.emit(Event{Type: EventState, State: s, Pending: pending})
}

// Error reports a terminal turn error.
func (p *Publisher) Error(err error) error {
	return p.emit(Event{Type: EventError, Error: err.Error()})
}

// Done commits final through the finalizer, emits the terminal event
// carrying it and closes the publisher. A second call returns
// ErrPublisherClosed and commits nothing.
func (p *Publisher) Done(final conversation.Message) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPublisherClosed
	}

	var ferr error
	if p.finalize != nil {
		if ferr = p.finalize(final.Clone()); ferr != nil {
			p.logger.Error("finalize message failed", "message", final.ID, "error", ferr)
		}
	}
	msg := final.Clone()
	err := p.emit(Event{Type: EventDone, MessageID: final.ID, Message: &msg})

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return ferr
}

// Closed reports whether Done has been called.
func (p *Publisher) Closed() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

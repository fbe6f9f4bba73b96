// Package events provides a publish/subscribe bus for turn and trip
// activity. The orchestrator and session layer publish; the websocket
// live feed, the MQTT bridge and the metrics collector subscribe. The
// bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the turn orchestrator.
	SourceAgent = "agent"
	// SourceTrip identifies trip document changes.
	SourceTrip = "trip"
	// SourceStream identifies events mirrored from a turn's publisher.
	SourceStream = "stream"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals a new or resumed turn.
	// Data: turn_id, resumed.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a model call.
	// Data: turn_id, step, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: turn_id, step, model, tokens_in, tokens_out, tool_calls, elapsed_ms.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: turn_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: turn_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindSuspended signals a turn parked on a confirmation.
	// Data: turn_id, pending (call ids).
	KindSuspended = "suspended"
	// KindTurnComplete signals the end of a turn invocation.
	// Data: turn_id, state, steps, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindTripUpdated signals a trip document mutation.
	// Data: trip_id, version.
	KindTripUpdated = "trip_updated"
	// KindTripShared signals a trip was persisted and frozen.
	// Data: trip_id.
	KindTripShared = "trip_shared"

	// KindStreamEvent carries one publisher event.
	// Data: event (the serialized stream event).
	KindStreamEvent = "stream_event"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Session is the planning session the event belongs to, if any.
	Session string `json:"session,omitempty"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back to
	// the channel stored in subs so Unsubscribe can close it.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. A zero Timestamp is set to
// now. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

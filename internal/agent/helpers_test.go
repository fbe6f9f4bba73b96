package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/llm"
	"github.com/nugget/wanderplan/internal/tools"
	"github.com/nugget/wanderplan/internal/trip"
)

// mockStep is one scripted model response.
type mockStep struct {
	text  string
	calls []llm.ToolCall
	err   error

	// chunks streams each call's arguments in that many deltas.
	chunks int
	// failAfterCalls delivers calls before returning err. Otherwise err
	// ends the stream right after the text.
	failAfterCalls bool
	// cut is started and half streamed before err ends the stream.
	cut *llm.ToolCall
	// textAsCalls streams text but answers with only the calls, the way
	// a provider does when it reads the text as call JSON.
	textAsCalls bool
}

// mockLLM replays scripted steps through the streaming callback the way
// a provider would, and records the history of every call.
type mockLLM struct {
	mu    sync.Mutex
	steps []mockStep
	next  func(call int) mockStep
	calls [][]llm.Message
	tools [][]map[string]any
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, toolDefs, nil)
}

func (m *mockLLM) ChatStream(_ context.Context, model string, msgs []llm.Message, toolDefs []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	n := len(m.calls)
	m.calls = append(m.calls, msgs)
	m.tools = append(m.tools, toolDefs)
	var step mockStep
	switch {
	case m.next != nil:
		step = m.next(n)
	case n < len(m.steps):
		step = m.steps[n]
	default:
		step = mockStep{text: "Done."}
	}
	m.mu.Unlock()

	emit := func(ev llm.StreamEvent) {
		if cb != nil {
			cb(ev)
		}
	}
	if step.text != "" {
		half := len(step.text) / 2
		emit(llm.StreamEvent{Kind: llm.KindToken, Token: step.text[:half]})
		emit(llm.StreamEvent{Kind: llm.KindToken, Token: step.text[half:]})
	}
	if step.err != nil && !step.failAfterCalls {
		if tc := step.cut; tc != nil {
			args := string(tc.Arguments)
			emit(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCallID: tc.ID, ToolName: tc.Name})
			emit(llm.StreamEvent{Kind: llm.KindToolCallDelta, ToolCallID: tc.ID, ToolName: tc.Name, ArgsDelta: args[:len(args)/2]})
		}
		return nil, step.err
	}
	for _, tc := range step.calls {
		tc := tc
		emit(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCallID: tc.ID, ToolName: tc.Name})
		for _, d := range splitArgs(string(tc.Arguments), step.chunks) {
			emit(llm.StreamEvent{Kind: llm.KindToolCallDelta, ToolCallID: tc.ID, ToolName: tc.Name, ArgsDelta: d})
		}
		emit(llm.StreamEvent{Kind: llm.KindToolCallReady, ToolCall: &tc})
	}
	if step.err != nil {
		return nil, step.err
	}
	content := step.text
	if step.textAsCalls {
		content = ""
	}
	resp := &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: step.calls},
		InputTokens:  100,
		OutputTokens: 10,
	}
	emit(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

// splitArgs cuts s into n pieces of near equal length.
func splitArgs(s string, n int) []string {
	if n <= 1 || len(s) < n {
		return []string{s}
	}
	size := len(s) / n
	var out []string
	for i := 0; i < n-1; i++ {
		out = append(out, s[i*size:(i+1)*size])
	}
	return append(out, s[(n-1)*size:])
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLLM) history(i int) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Send(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func testRegistry() *tools.Registry {
	r := tools.NewRegistry(nil)
	r.RegisterTripTools()
	r.Register(&tools.Tool{
		Name:       "boom",
		Parameters: map[string]any{"type": "object"},
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("upstream exploded")
		},
	})
	return r
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	return NewSession("sess-test", nil, trip.NewDocument(trip.New(time.Now())), time.Now())
}

func newTestOrchestrator(mock *mockLLM, reg *tools.Registry, cfg Config) *Orchestrator {
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	return NewOrchestrator(mock, reg, cfg, nil)
}

// withHotel adds a hotel to the session's trip and returns its id.
func withHotel(t *testing.T, s *Session) string {
	t.Helper()
	var id string
	_, err := s.Document().Apply(func(tr trip.Trip) (trip.Trip, error) {
		next, h, err := trip.AddHotel(tr, trip.HotelInput{Name: "Hoshinoya", Nights: 2, PricePerNight: 300})
		id = h.ID
		return next, err
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func toolCall(t *testing.T, s *Session, callID string) *conversation.ToolCallPart {
	t.Helper()
	for _, m := range s.Log().Snapshot() {
		if tc := m.ToolCall(callID); tc != nil {
			return tc
		}
	}
	t.Fatalf("tool call %s not in log", callID)
	return nil
}

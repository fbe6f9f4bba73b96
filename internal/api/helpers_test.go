package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wanderplan/internal/agent"
	"github.com/nugget/wanderplan/internal/events"
	"github.com/nugget/wanderplan/internal/llm"
	"github.com/nugget/wanderplan/internal/tools"
	"github.com/nugget/wanderplan/internal/trip"
)

// scriptedLLM answers each model call with the next scripted reply.
// Replies past the end of the script are plain "Done." text.
type scriptedLLM struct {
	mu    sync.Mutex
	n     int
	steps []func() llm.Message
}

func (m *scriptedLLM) Chat(ctx context.Context, model string, msgs []llm.Message, defs []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, defs, nil)
}

func (m *scriptedLLM) ChatStream(_ context.Context, model string, _ []llm.Message, _ []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	reply := llm.Message{Role: llm.RoleAssistant, Content: "Done."}
	if m.n < len(m.steps) {
		reply = m.steps[m.n]()
	}
	m.n++
	m.mu.Unlock()

	emit := func(ev llm.StreamEvent) {
		if cb != nil {
			cb(ev)
		}
	}
	if reply.Content != "" {
		emit(llm.StreamEvent{Kind: llm.KindToken, Token: reply.Content})
	}
	for _, tc := range reply.ToolCalls {
		tc := tc
		emit(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCallID: tc.ID, ToolName: tc.Name})
		emit(llm.StreamEvent{Kind: llm.KindToolCallDelta, ToolCallID: tc.ID, ToolName: tc.Name, ArgsDelta: string(tc.Arguments)})
		emit(llm.StreamEvent{Kind: llm.KindToolCallReady, ToolCall: &tc})
	}
	resp := &llm.ChatResponse{Model: model, Message: reply, InputTokens: 10, OutputTokens: 5}
	emit(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	return resp, nil
}

func (m *scriptedLLM) Ping(context.Context) error { return nil }

func text(s string) func() llm.Message {
	return func() llm.Message { return llm.Message{Role: llm.RoleAssistant, Content: s} }
}

func calls(tcs ...llm.ToolCall) func() llm.Message {
	return func() llm.Message { return llm.Message{Role: llm.RoleAssistant, ToolCalls: tcs} }
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type fixture struct {
	srv      *Server
	http     *httptest.Server
	sessions *agent.Manager
	bus      *events.Bus
	llm      *scriptedLLM
}

func newFixture(t *testing.T, steps ...func() llm.Message) *fixture {
	t.Helper()
	bus := events.New()
	reg := tools.NewRegistry(nil)
	reg.RegisterTripTools()
	reg.SetConfirmation([]string{"remove_hotel"})

	mock := &scriptedLLM{steps: steps}
	orch := agent.NewOrchestrator(mock, reg, agent.Config{Model: "test-model"}, nil)
	orch.SetEventBus(bus)
	mgr := agent.NewManager(nil, bus, nil)

	srv := NewServer("", 0, mgr, orch, bus, nil)
	srv.SetShareBaseURL("https://plan.example.com/trips/")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, sessions: mgr, bus: bus, llm: mock}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v", v, err)
	}
	return v
}

func (f *fixture) newSession(t *testing.T) *agent.Session {
	t.Helper()
	resp := f.do(t, "POST", "/v1/sessions", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	created := decode[CreateSessionResponse](t, resp)
	sess, err := f.sessions.Get(context.Background(), created.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func addHotel(t *testing.T, sess *agent.Session) string {
	t.Helper()
	var id string
	_, err := sess.Document().Apply(func(tr trip.Trip) (trip.Trip, error) {
		next, h, err := trip.AddHotel(tr, trip.HotelInput{Name: "Park Hyatt", Nights: 2, PricePerNight: 500})
		id = h.ID
		return next, err
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// sseEvents reads a server-sent event stream up to [DONE].
func sseEvents(t *testing.T, r io.Reader) []agent.Event {
	t.Helper()
	var out []agent.Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if line == "[DONE]" {
			return out
		}
		var e agent.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		out = append(out, e)
	}
	t.Fatal("stream ended without [DONE]")
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

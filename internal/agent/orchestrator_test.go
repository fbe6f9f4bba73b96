package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/wanderplan/internal/conversation"
	"github.com/nugget/wanderplan/internal/llm"
	"github.com/nugget/wanderplan/internal/tools"
)

func TestRunPlainReply(t *testing.T) {
	mock := &mockLLM{steps: []mockStep{{text: "Where would you like to go?"}}}
	o := newTestOrchestrator(mock, testRegistry(), Config{
		SystemPrompt: func(time.Time) string { return "You plan trips." },
	})
	s := newTestSession(t)
	rec := &recorder{}

	res, err := o.Run(context.Background(), s, "Help me plan a trip", NewPublisher(s.ID, rec, nil, nil, nil))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != StateIdle || res.Steps != 1 {
		t.Errorf("result = %s after %d steps", res.State, res.Steps)
	}
	if res.Message.Text() != "Where would you like to go?" {
		t.Errorf("text = %q", res.Message.Text())
	}

	hist := mock.history(0)
	if len(hist) != 2 || hist[0].Role != llm.RoleSystem || hist[1].Content != "Help me plan a trip" {
		t.Errorf("history = %+v", hist)
	}

	got := fmt.Sprint(rec.types())
	if got != "[start text-delta text-delta state done]" {
		t.Errorf("events = %s", got)
	}
	for i, e := range rec.events {
		if e.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
	}
	if s.State() != StateIdle {
		t.Errorf("session state = %s", s.State())
	}
}

func TestRunExecutesToolsAndLoops(t *testing.T) {
	mock := &mockLLM{steps: []mockStep{
		{text: "Adding it.", calls: []llm.ToolCall{call("call_1", "add_hotel", `{"name":"Ace","nights":2,"pricePerNight":120}`)}},
		{text: "Your hotel is saved."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	s := newTestSession(t)

	res, err := o.Run(context.Background(), s, "Book the Ace", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIdle || res.Steps != 2 {
		t.Errorf("result = %s after %d steps", res.State, res.Steps)
	}
	if hotels := s.Document().Snapshot().Hotels; len(hotels) != 1 || hotels[0].TotalPrice != 240 {
		t.Errorf("hotels = %+v", hotels)
	}

	hist := mock.history(1)
	var sawResult bool
	for _, m := range hist {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" && !m.IsError {
			sawResult = true
		}
	}
	if !sawResult {
		t.Errorf("second call history has no tool result: %+v", hist)
	}

	// One assistant message carries both steps.
	msgs := s.Log().Snapshot()
	if len(msgs) != 2 {
		t.Fatalf("log length = %d, want 2", len(msgs))
	}
	if msgs[1].Text() != "Adding it.Your hotel is saved." {
		t.Errorf("assistant text = %q", msgs[1].Text())
	}
}

func TestSuspendOnConfirmationThenResume(t *testing.T) {
	reg := testRegistry()
	reg.SetConfirmation([]string{"remove_hotel"})
	s := newTestSession(t)
	hotelID := withHotel(t, s)

	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{call("call_rm", "remove_hotel", `{"id":"`+hotelID+`"}`)}},
		{text: "Removed."},
	}}
	o := newTestOrchestrator(mock, reg, Config{})

	res, err := o.Run(context.Background(), s, "Drop the hotel", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateSuspendedOnConfirmation {
		t.Fatalf("state = %s", res.State)
	}
	if fmt.Sprint(res.PendingCallIDs) != "[call_rm]" {
		t.Errorf("pending = %v", res.PendingCallIDs)
	}
	if mock.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", mock.callCount())
	}
	if len(s.Document().Snapshot().Hotels) != 1 {
		t.Error("gated tool ran before confirmation")
	}
	if tc := toolCall(t, s, "call_rm"); tc.State != conversation.StateInputAvailable {
		t.Errorf("pending call state = %s", tc.State)
	}

	cr, err := o.Confirm(s, "call_rm", true)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if cr.Duplicate || !cr.Confirmed || cr.ToolName != "remove_hotel" {
		t.Errorf("confirm result = %+v", cr)
	}

	res, err = o.Resume(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.State != StateIdle || mock.callCount() != 2 {
		t.Errorf("state = %s, model calls = %d", res.State, mock.callCount())
	}
	if len(s.Document().Snapshot().Hotels) != 0 {
		t.Error("hotel not removed after confirmation")
	}
	tc := toolCall(t, s, "call_rm")
	if tc.State != conversation.StateOutputAvailable || !strings.Contains(string(tc.Output), `"removed":true`) {
		t.Errorf("call = %s %s", tc.State, tc.Output)
	}
	if tc.Approval == nil || !tc.Approval.Applied {
		t.Errorf("approval = %+v", tc.Approval)
	}
}

func TestConfirmIsIdempotent(t *testing.T) {
	reg := testRegistry()
	reg.SetConfirmation([]string{"remove_hotel"})
	s := newTestSession(t)
	hotelID := withHotel(t, s)
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{call("call_rm", "remove_hotel", `{"id":"`+hotelID+`"}`)}},
	}}
	o := newTestOrchestrator(mock, reg, Config{})

	if _, err := o.Run(context.Background(), s, "Drop it", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Confirm(s, "call_rm", true); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Resume(context.Background(), s, nil); err != nil {
		t.Fatal(err)
	}
	version := s.Document().Version()
	before := toolCall(t, s, "call_rm")

	cr, err := o.Confirm(s, "call_rm", false)
	if err != nil {
		t.Fatalf("second Confirm: %v", err)
	}
	if !cr.Duplicate || !cr.Confirmed {
		t.Errorf("duplicate result = %+v", cr)
	}
	if _, err := o.Resume(context.Background(), s, nil); !errors.Is(err, ErrNothingToResume) {
		t.Errorf("Resume err = %v, want ErrNothingToResume", err)
	}
	after := toolCall(t, s, "call_rm")
	if string(after.Output) != string(before.Output) || s.Document().Version() != version {
		t.Error("re-delivered confirmation changed the call or the trip")
	}
}

func TestDeclinedConfirmation(t *testing.T) {
	reg := testRegistry()
	reg.SetConfirmation([]string{"remove_hotel"})
	s := newTestSession(t)
	hotelID := withHotel(t, s)
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{call("call_rm", "remove_hotel", `{"id":"`+hotelID+`"}`)}},
		{text: "Okay, keeping it."},
	}}
	o := newTestOrchestrator(mock, reg, Config{})

	if _, err := o.Run(context.Background(), s, "Drop it", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Confirm(s, "call_rm", false); err != nil {
		t.Fatal(err)
	}
	res, err := o.Resume(context.Background(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIdle {
		t.Errorf("state = %s", res.State)
	}
	if len(s.Document().Snapshot().Hotels) != 1 {
		t.Error("declined removal was executed")
	}
	tc := toolCall(t, s, "call_rm")
	if string(tc.Output) != string(declinedOutput) {
		t.Errorf("output = %s", tc.Output)
	}
}

func TestConfirmErrors(t *testing.T) {
	o := newTestOrchestrator(&mockLLM{}, testRegistry(), Config{})
	s := newTestSession(t)
	if _, err := o.Confirm(s, "call_missing", true); !errors.Is(err, ErrUnknownToolCall) {
		t.Errorf("err = %v, want ErrUnknownToolCall", err)
	}

	msg := conversation.NewAssistantMessage(time.Now())
	tc := msg.StartToolCall("call_add", "add_hotel")
	if err := tc.SetInput([]byte(`{}`), time.Now()); err != nil {
		t.Fatal(err)
	}
	s.Log().Append(msg)
	if _, err := o.Confirm(s, "call_add", true); !errors.Is(err, ErrNotConfirmable) {
		t.Errorf("err = %v, want ErrNotConfirmable", err)
	}
}

func TestStepBudgetExhausted(t *testing.T) {
	mock := &mockLLM{next: func(n int) mockStep {
		return mockStep{calls: []llm.ToolCall{call(fmt.Sprintf("call_%d", n), "get_trip", `{}`)}}
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{StepBudget: 25})
	s := newTestSession(t)

	res, err := o.Run(context.Background(), s, "Keep going", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateExhausted || res.Steps != 25 {
		t.Errorf("result = %s after %d steps", res.State, res.Steps)
	}
	if mock.callCount() != 25 {
		t.Errorf("model calls = %d, want 25", mock.callCount())
	}
	calls := res.Message.ToolCalls()
	if len(calls) != 25 {
		t.Fatalf("tool calls = %d", len(calls))
	}
	for _, tc := range calls {
		if !tc.State.Final() {
			t.Errorf("call %s left in %s", tc.CallID, tc.State)
		}
	}
}

func TestFailingToolDoesNotAbortTurn(t *testing.T) {
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{
			call("call_boom", "boom", `{}`),
			call("call_bad", "add_hotel", `{"name":""}`),
			call("call_ok", "add_hotel", `{"name":"Ace","nights":1,"pricePerNight":90}`),
		}},
		{text: "One of those failed."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	s := newTestSession(t)

	res, err := o.Run(context.Background(), s, "Try these", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIdle {
		t.Errorf("state = %s", res.State)
	}

	boom := toolCall(t, s, "call_boom")
	if boom.State != conversation.StateOutputError || boom.ErrorKind != conversation.ErrorKindExecution {
		t.Errorf("boom = %s %s", boom.State, boom.ErrorKind)
	}
	bad := toolCall(t, s, "call_bad")
	if bad.State != conversation.StateOutputError || bad.ErrorKind != conversation.ErrorKindValidation {
		t.Errorf("bad = %s %s", bad.State, bad.ErrorKind)
	}
	if ok := toolCall(t, s, "call_ok"); ok.State != conversation.StateOutputAvailable {
		t.Errorf("ok = %s", ok.State)
	}
	if len(s.Document().Snapshot().Hotels) != 1 {
		t.Error("sibling call did not run")
	}

	var errResult *llm.Message
	for _, m := range mock.history(1) {
		if m.ToolCallID == "call_boom" {
			errResult = &m
		}
	}
	if errResult == nil || !errResult.IsError || !strings.HasPrefix(errResult.Content, "Error: ") {
		t.Errorf("error result = %+v", errResult)
	}
}

func TestModelErrorEndsTurnWithPartialMessage(t *testing.T) {
	mock := &mockLLM{steps: []mockStep{
		{text: "Let me check", err: errors.New("provider overloaded")},
		{text: "Back again."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	s := newTestSession(t)
	rec := &recorder{}

	res, err := o.Run(context.Background(), s, "Flights to Lisbon?", NewPublisher(s.ID, rec, nil, nil, nil))
	if err == nil || !strings.Contains(err.Error(), "provider overloaded") {
		t.Fatalf("err = %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s", res.State)
	}
	if res.Message.Text() != "Let me check" {
		t.Errorf("partial text = %q", res.Message.Text())
	}
	if types := fmt.Sprint(rec.types()); !strings.HasSuffix(types, "error state done]") {
		t.Errorf("events = %s", types)
	}
	if done := rec.last(); done.Message == nil || done.Message.Text() != "Let me check" {
		t.Errorf("done event = %+v", done)
	}

	// A model failure does not break the session.
	if _, err := o.Run(context.Background(), s, "Try again", nil); err != nil {
		t.Errorf("next Run: %v", err)
	}
}

func TestAbortLetsInFlightToolFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	reg := testRegistry()
	reg.Register(&tools.Tool{
		Name:       "slow_lookup",
		Parameters: map[string]any{"type": "object"},
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`{"ok":true}`), nil
		},
	})
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{
			call("call_slow", "slow_lookup", `{}`),
			call("call_hotel", "add_hotel", `{"name":"Ace","nights":2,"pricePerNight":150}`),
		}},
		{text: "Stopped."},
	}}
	o := newTestOrchestrator(mock, reg, Config{})
	s := newTestSession(t)

	done := make(chan *TurnResult, 1)
	go func() {
		res, _ := o.Run(context.Background(), s, "Look it up", nil)
		done <- res
	}()

	<-started
	if !s.Abort() {
		t.Error("Abort reported no running turn")
	}
	close(release)
	res := <-done

	if res.State != StateAborted {
		t.Errorf("state = %s", res.State)
	}
	if mock.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", mock.callCount())
	}
	if tc := toolCall(t, s, "call_slow"); tc.State != conversation.StateOutputAvailable {
		t.Errorf("in-flight call = %s", tc.State)
	}
	if tc := toolCall(t, s, "call_hotel"); tc.State != conversation.StateOutputError || tc.ErrorKind != conversation.ErrorKindCancelled {
		t.Errorf("call after abort = %s/%s, want cancelled", tc.State, tc.ErrorKind)
	}
	if hotels := s.Document().Snapshot().Hotels; len(hotels) != 0 {
		t.Errorf("hotels after abort = %+v", hotels)
	}
	if s.Abort() {
		t.Error("Abort after the turn ended reported a running turn")
	}

	// The cancelled call must stay unrun when the user moves on.
	if _, err := o.Run(context.Background(), s, "never mind, stop", nil); err != nil {
		t.Fatal(err)
	}
	if hotels := s.Document().Snapshot().Hotels; len(hotels) != 0 {
		t.Errorf("aborted add_hotel ran on the next turn: %+v", hotels)
	}
	if tc := toolCall(t, s, "call_hotel"); tc.State != conversation.StateOutputError {
		t.Errorf("cancelled call state = %s", tc.State)
	}
	var sawResult bool
	for _, m := range mock.history(1) {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_hotel" {
			sawResult = m.IsError
		}
	}
	if !sawResult {
		t.Error("model did not see the cancelled call as an error result")
	}
}

func TestFailedStepCancelsAnnouncedCalls(t *testing.T) {
	mock := &mockLLM{steps: []mockStep{
		{
			calls:          []llm.ToolCall{call("call_hotel", "add_hotel", `{"name":"Ace","nights":2,"pricePerNight":150}`)},
			err:            errors.New("stream reset"),
			failAfterCalls: true,
		},
		{text: "Sorry about that."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	s := newTestSession(t)
	rec := &recorder{}

	res, err := o.Run(context.Background(), s, "Book the Ace", NewPublisher(s.ID, rec, nil, nil, nil))
	if err == nil || res.State != StateFailed {
		t.Fatalf("state = %v err = %v", res.State, err)
	}
	tc := toolCall(t, s, "call_hotel")
	if tc.State != conversation.StateOutputError || tc.ErrorKind != conversation.ErrorKindCancelled {
		t.Errorf("announced call = %s/%s", tc.State, tc.ErrorKind)
	}
	if types := fmt.Sprint(rec.types()); !strings.HasSuffix(types, "tool-call error state done]") {
		t.Errorf("events = %s", types)
	}

	if _, err := o.Run(context.Background(), s, "Try again later", nil); err != nil {
		t.Fatal(err)
	}
	if hotels := s.Document().Snapshot().Hotels; len(hotels) != 0 {
		t.Errorf("call from the failed step ran later: %+v", hotels)
	}
}

func TestToolArgumentsStreamedInChunks(t *testing.T) {
	args := `{"name":"Hotel Chunked","nights":3,"pricePerNight":120}`
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{call("call_1", "add_hotel", args)}, chunks: 3},
		{text: "Added."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	s := newTestSession(t)
	rec := &recorder{}

	res, err := o.Run(context.Background(), s, "Add it", NewPublisher(s.ID, rec, nil, nil, nil))
	if err != nil || res.State != StateIdle {
		t.Fatalf("state = %v err = %v", res.State, err)
	}
	hotels := s.Document().Snapshot().Hotels
	if len(hotels) != 1 || hotels[0].Name != "Hotel Chunked" || hotels[0].TotalPrice != 360 {
		t.Fatalf("hotels = %+v", hotels)
	}
	tc := toolCall(t, s, "call_1")
	if tc.State != conversation.StateOutputAvailable || string(tc.Input) != args || tc.InputText != "" {
		t.Errorf("call = %+v", tc)
	}

	// The final response repeats the call; it must not run twice or be
	// sent back twice.
	var results int
	for _, m := range mock.history(1) {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" {
			results++
		}
	}
	if results != 1 {
		t.Errorf("tool results in history = %d", results)
	}
	var states []conversation.ToolState
	for _, e := range rec.events {
		if e.Type != EventToolCall {
			continue
		}
		var m conversation.Message
		raw := `{"id":"x","role":"assistant","created_at":"2026-01-01T00:00:00Z","parts":[` + string(e.Part) + `]}`
		if err := m.UnmarshalJSON([]byte(raw)); err != nil {
			t.Fatal(err)
		}
		states = append(states, m.ToolCall("call_1").State)
	}
	want := []conversation.ToolState{conversation.StateInputStreaming, conversation.StateInputAvailable, conversation.StateOutputAvailable}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("tool-call event states = %v, want %v", states, want)
	}
}

func TestStreamCutMidToolCall(t *testing.T) {
	cut := call("call_cut", "add_hotel", `{"name":"Half","nights":1,"pricePerNight":90}`)
	mock := &mockLLM{steps: []mockStep{
		{text: "Adding", cut: &cut, err: errors.New("connection reset")},
		{text: "Recovered."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	s := newTestSession(t)

	res, err := o.Run(context.Background(), s, "Add a hotel", nil)
	if err == nil || res.State != StateFailed {
		t.Fatalf("state = %v err = %v", res.State, err)
	}
	tc := toolCall(t, s, "call_cut")
	if tc.State != conversation.StateInputStreaming || tc.InputText != `{"name":"Half","nights` {
		t.Errorf("cut call = %s %q", tc.State, tc.InputText)
	}

	if _, err := o.Run(context.Background(), s, "Again", nil); err != nil {
		t.Fatalf("next Run: %v", err)
	}
	for _, m := range mock.history(1) {
		for _, c := range m.ToolCalls {
			if c.ID == "call_cut" {
				t.Error("streaming call reached the model")
			}
		}
		if m.ToolCallID == "call_cut" {
			t.Error("result for the streaming call reached the model")
		}
	}
	if len(s.Document().Snapshot().Hotels) != 0 {
		t.Error("half-streamed call ran")
	}
}

func TestNewMessageSupersedesPendingConfirmation(t *testing.T) {
	reg := testRegistry()
	reg.SetConfirmation([]string{"remove_hotel"})
	s := newTestSession(t)
	hotelID := withHotel(t, s)
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{call("call_rm", "remove_hotel", `{"id":"`+hotelID+`"}`)}},
		{text: "Sure, keeping the hotel."},
	}}
	o := newTestOrchestrator(mock, reg, Config{})

	if _, err := o.Run(context.Background(), s, "Drop it", nil); err != nil {
		t.Fatal(err)
	}
	res, err := o.Run(context.Background(), s, "Actually, keep it", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIdle {
		t.Errorf("state = %s", res.State)
	}

	tc := toolCall(t, s, "call_rm")
	if tc.Approval == nil || tc.Approval.Reason != ReasonSuperseded || !tc.Approval.Applied {
		t.Errorf("approval = %+v", tc.Approval)
	}
	if string(tc.Output) != string(declinedOutput) {
		t.Errorf("output = %s", tc.Output)
	}
	if len(s.Document().Snapshot().Hotels) != 1 {
		t.Error("superseded removal ran")
	}

	// The model sees the settled call in the second turn.
	var sawDecline bool
	for _, m := range mock.history(1) {
		if m.ToolCallID == "call_rm" && strings.Contains(m.Content, "declined") {
			sawDecline = true
		}
	}
	if !sawDecline {
		t.Error("declined outcome missing from model history")
	}
}

func TestConfirmationTimeout(t *testing.T) {
	reg := testRegistry()
	reg.SetConfirmation([]string{"remove_hotel"})
	s := newTestSession(t)
	hotelID := withHotel(t, s)
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{call("call_rm", "remove_hotel", `{"id":"`+hotelID+`"}`)}},
		{text: "I did not hear back, so I kept it."},
	}}
	o := newTestOrchestrator(mock, reg, Config{ConfirmationTimeout: time.Minute})

	var mu sync.Mutex
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	o.now, o.interceptor.now = now, now

	res, err := o.Run(context.Background(), s, "Drop it", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateSuspendedOnConfirmation {
		t.Fatalf("state = %s", res.State)
	}

	res, err = o.Resume(context.Background(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateSuspendedOnConfirmation {
		t.Errorf("resumed before timeout: state = %s", res.State)
	}

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()

	res, err = o.Resume(context.Background(), s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateIdle {
		t.Errorf("state = %s", res.State)
	}
	tc := toolCall(t, s, "call_rm")
	if tc.Approval == nil || tc.Approval.Reason != ReasonTimeout || tc.Approval.Confirmed {
		t.Errorf("approval = %+v", tc.Approval)
	}
	if len(s.Document().Snapshot().Hotels) != 1 {
		t.Error("timed-out removal ran")
	}
}

func TestGatedCallHoldsLaterCalls(t *testing.T) {
	reg := testRegistry()
	reg.SetConfirmation([]string{"remove_hotel"})
	s := newTestSession(t)
	hotelID := withHotel(t, s)
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{
			call("call_rm", "remove_hotel", `{"id":"`+hotelID+`"}`),
			call("call_add", "add_hotel", `{"name":"Ace","nights":1,"pricePerNight":90}`),
		}},
	}}
	o := newTestOrchestrator(mock, reg, Config{})

	if _, err := o.Run(context.Background(), s, "Swap hotels", nil); err != nil {
		t.Fatal(err)
	}
	if tc := toolCall(t, s, "call_add"); tc.State != conversation.StateInputAvailable {
		t.Errorf("call after the gated one ran: %s", tc.State)
	}

	if _, err := o.Confirm(s, "call_rm", true); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Resume(context.Background(), s, nil); err != nil {
		t.Fatal(err)
	}
	hotels := s.Document().Snapshot().Hotels
	if len(hotels) != 1 || hotels[0].Name != "Ace" {
		t.Errorf("hotels = %+v", hotels)
	}
}

func TestInvariantViolationBreaksSession(t *testing.T) {
	o := newTestOrchestrator(&mockLLM{}, testRegistry(), Config{})
	s := newTestSession(t)

	msg := conversation.NewAssistantMessage(time.Now())
	tc := msg.StartToolCall("call_x", "get_trip")
	tc.State = "bogus"
	s.Log().Append(msg)

	if _, err := o.Run(context.Background(), s, "Hello", nil); !errors.Is(err, ErrSessionBroken) {
		t.Fatalf("err = %v, want ErrSessionBroken", err)
	}
	var inv *conversation.InvariantError
	if !errors.As(s.Broken(), &inv) {
		t.Errorf("Broken() = %v", s.Broken())
	}
	if _, err := o.Run(context.Background(), s, "Hello again", nil); !errors.Is(err, ErrSessionBroken) {
		t.Errorf("second Run err = %v", err)
	}
	if _, err := o.Confirm(s, "call_x", true); !errors.Is(err, ErrSessionBroken) {
		t.Errorf("Confirm err = %v", err)
	}
}

type usageSpy struct {
	mu    sync.Mutex
	turns []string
	in    int
}

func (u *usageSpy) RecordUsage(_ context.Context, _, turnID string, resp *llm.ChatResponse) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.turns = append(u.turns, turnID)
	u.in += resp.InputTokens
	return nil
}

func TestUsageRecordedPerStep(t *testing.T) {
	mock := &mockLLM{steps: []mockStep{
		{calls: []llm.ToolCall{call("call_1", "get_trip", `{}`)}},
		{text: "Here it is."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	spy := &usageSpy{}
	o.SetUsageRecorder(spy)

	res, err := o.Run(context.Background(), newTestSession(t), "Show me", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(spy.turns) != 2 || spy.turns[0] != res.TurnID || spy.in != 200 {
		t.Errorf("usage = %+v", spy)
	}
}

func TestTextReadAsToolCallIsRetracted(t *testing.T) {
	args := `{"name":"Ryokan","nights":2,"pricePerNight":300}`
	mock := &mockLLM{steps: []mockStep{
		{text: `{"name":"add_hotel","arguments":` + args + `}`, calls: []llm.ToolCall{call("call_1", "add_hotel", args)}, textAsCalls: true},
		{text: "Added the ryokan."},
	}}
	o := newTestOrchestrator(mock, testRegistry(), Config{})
	s := newTestSession(t)

	res, err := o.Run(context.Background(), s, "Book the ryokan", NewPublisher(s.ID, &recorder{}, nil, nil, nil))
	if err != nil || res.State != StateIdle {
		t.Fatalf("state = %v err = %v", res.State, err)
	}
	if hotels := s.Document().Snapshot().Hotels; len(hotels) != 1 {
		t.Fatalf("hotels = %+v", hotels)
	}
	last, _ := s.Log().Last()
	if got := last.Text(); got != "Added the ryokan." {
		t.Errorf("assistant text = %q", got)
	}
	for _, m := range mock.history(1) {
		if m.Role == llm.RoleAssistant && strings.Contains(m.Content, "add_hotel") {
			t.Errorf("call JSON sent back as text: %q", m.Content)
		}
	}
}

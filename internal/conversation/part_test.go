package conversation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func availableCall(id, name string) *ToolCallPart {
	tc := &ToolCallPart{CallID: id, ToolName: name, State: StateInputStreaming}
	if err := tc.SetInput(json.RawMessage(`{}`), t0); err != nil {
		panic(err)
	}
	return tc
}

func TestToolCallLifecycle(t *testing.T) {
	tc := &ToolCallPart{CallID: "c1", ToolName: "add_hotel", State: StateInputStreaming}
	if err := tc.AppendInput(`{"name":`); err != nil {
		t.Fatal(err)
	}
	if err := tc.AppendInput(`"Ritz"}`); err != nil {
		t.Fatal(err)
	}
	if tc.InputText != `{"name":"Ritz"}` {
		t.Errorf("InputText = %q", tc.InputText)
	}
	if err := tc.SetInput(json.RawMessage(tc.InputText), t0); err != nil {
		t.Fatal(err)
	}
	if !tc.AwaitingExecution() {
		t.Error("input-available call should await execution")
	}
	if err := tc.Resolve(json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if tc.State != StateOutputAvailable || tc.AwaitingExecution() {
		t.Errorf("state = %s awaiting=%v", tc.State, tc.AwaitingExecution())
	}
}

func TestToolCallRejectsBackwardMoves(t *testing.T) {
	tc := availableCall("c1", "get_trip")
	if err := tc.AppendInput("x"); err == nil {
		t.Error("AppendInput after input-available should fail")
	}
	if err := tc.SetInput(json.RawMessage(`{}`), t0); err == nil {
		t.Error("second SetInput should fail")
	}

	if err := tc.Fail(ErrorKindExecution, "boom"); err != nil {
		t.Fatal(err)
	}
	err := tc.Resolve(json.RawMessage(`{}`))
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("Resolve after Fail = %v, want *InvariantError", err)
	}
	if inv.CallID != "c1" {
		t.Errorf("CallID = %q", inv.CallID)
	}
	if tc.State != StateOutputError || tc.ErrorText != "boom" {
		t.Errorf("part changed after rejected move: %+v", tc)
	}
}

func TestConfirmThenApply(t *testing.T) {
	tc := availableCall("c1", "remove_flight")
	if !tc.PendingConfirmation() {
		t.Fatal("expected pending confirmation")
	}

	if err := tc.Confirm(true, "user", t0); err != nil {
		t.Fatal(err)
	}
	if tc.State != StateOutputAvailable || string(tc.Output) != `{"confirmed":true}` {
		t.Fatalf("after confirm: state=%s output=%s", tc.State, tc.Output)
	}
	if !tc.AwaitingExecution() {
		t.Fatal("recorded approval should await execution")
	}

	if err := tc.Confirm(false, "user", t0); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Confirm = %v, want ErrAlreadyResolved", err)
	}
	if string(tc.Output) != `{"confirmed":true}` {
		t.Errorf("second Confirm changed output to %s", tc.Output)
	}

	if err := tc.Resolve(json.RawMessage(`{"removed":true}`)); err != nil {
		t.Fatalf("applying approval: %v", err)
	}
	if !tc.Approval.Applied || tc.AwaitingExecution() {
		t.Error("approval should be applied exactly once")
	}
	if err := tc.Resolve(json.RawMessage(`{"again":true}`)); err == nil {
		t.Error("second apply should fail")
	}
}

func TestConfirmStreamingCall(t *testing.T) {
	tc := &ToolCallPart{CallID: "c1", State: StateInputStreaming}
	if err := tc.Confirm(true, "user", t0); !errors.Is(err, ErrNotConfirmable) {
		t.Errorf("Confirm on streaming call = %v", err)
	}
}

func TestMessageAppendText(t *testing.T) {
	m := NewAssistantMessage(t0)
	m.AppendText("Hello")
	m.AppendText(", world")
	m.StartToolCall("c1", "get_trip")
	m.AppendText("Done")

	if len(m.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(m.Parts))
	}
	if m.Text() != "Hello, worldDone" {
		t.Errorf("Text() = %q", m.Text())
	}
}

func TestMessageJSON(t *testing.T) {
	m := NewAssistantMessage(t0)
	m.AppendReasoning("thinking")
	m.AppendText("Adding it.")
	tc := m.StartToolCall("c1", "remove_hotel")
	if err := tc.SetInput(json.RawMessage(`{"hotelId":"hotel_1"}`), t0); err != nil {
		t.Fatal(err)
	}
	if err := tc.Confirm(false, "user", t0); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Parts) != 3 {
		t.Fatalf("parts = %d", len(got.Parts))
	}
	if _, ok := got.Parts[0].(ReasoningPart); !ok {
		t.Errorf("part 0 = %T", got.Parts[0])
	}
	gtc := got.ToolCall("c1")
	if gtc == nil || gtc.Approval == nil || gtc.Approval.Confirmed {
		t.Fatalf("tool call not restored: %+v", gtc)
	}
	if !gtc.AwaitingExecution() {
		t.Error("restored approval should still await execution")
	}
}

func TestMessageCloneIsDeep(t *testing.T) {
	m := NewAssistantMessage(t0)
	tc := m.StartToolCall("c1", "get_trip")
	c := m.Clone()
	if err := tc.AppendInput("{"); err != nil {
		t.Fatal(err)
	}
	if c.ToolCall("c1").InputText != "" {
		t.Error("clone shares tool call state with original")
	}
}

func TestUnmarshalUnknownPart(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"m","role":"assistant","parts":[{"type":"image"}]}`), &m)
	if err == nil {
		t.Error("expected error for unknown part type")
	}
}

func TestRetractText(t *testing.T) {
	m := Message{Role: RoleAssistant}
	m.AppendText("Looking. ")
	m.AppendReasoning("hmm")
	m.AppendText(`{"name":`)
	m.AppendText(`"x"}`)
	m.StartToolCall("call_1", "add_hotel")

	if m.RetractText("not there") {
		t.Fatal("retracted text that was never streamed")
	}
	if !m.RetractText(`{"name":"x"}`) {
		t.Fatal("RetractText = false")
	}
	if got := m.Text(); got != "Looking. " {
		t.Errorf("text = %q", got)
	}
	if len(m.Parts) != 3 || m.ToolCall("call_1") == nil {
		t.Errorf("parts = %+v", m.Parts)
	}

	// A partial match trims the part in place.
	if !m.RetractText("ing. ") || m.Text() != "Look" {
		t.Errorf("text = %q", m.Text())
	}
}

package conversation

import (
	"encoding/json"
	"errors"
	"testing"
)

func userMsg(text string) Message { return NewUserMessage(text, t0) }

func assistantWith(parts ...Part) Message {
	m := NewAssistantMessage(t0)
	m.Parts = parts
	return m
}

func resolved(id, name, out string) *ToolCallPart {
	tc := availableCall(id, name)
	if err := tc.Resolve(json.RawMessage(out)); err != nil {
		panic(err)
	}
	return tc
}

func TestSanitizeDropsEmptyAssistant(t *testing.T) {
	in := []Message{
		userMsg("plan Tokyo"),
		assistantWith(),
		assistantWith(TextPart{Text: ""}, ReasoningPart{Text: "hmm"}),
		userMsg("hello?"),
	}
	got, err := SanitizeForModel(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	for _, m := range got {
		if m.Role != RoleUser {
			t.Errorf("unexpected %s message", m.Role)
		}
	}
}

func TestSanitizeNeverKeepsStreamingCalls(t *testing.T) {
	streaming := &ToolCallPart{CallID: "s1", ToolName: "add_flight", State: StateInputStreaming, InputText: `{"fl`}
	in := []Message{
		userMsg("add a flight"),
		assistantWith(TextPart{Text: "Adding."}, streaming),
		userMsg("and a hotel"),
		assistantWith(&ToolCallPart{CallID: "s2", State: StateInputStreaming}),
	}
	for name, fn := range map[string]func([]Message) ([]Message, error){
		"Sanitize":         Sanitize,
		"SanitizeForModel": SanitizeForModel,
	} {
		got, err := fn(in)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for _, m := range got {
			for _, tc := range m.ToolCalls() {
				if tc.State == StateInputStreaming {
					t.Errorf("%s kept streaming call %s", name, tc.CallID)
				}
			}
		}
		if len(got) != 3 {
			t.Errorf("%s: got %d messages, want 3", name, len(got))
		}
		if got[1].Text() != "Adding." || len(got[1].Parts) != 1 {
			t.Errorf("%s: scrubbed message = %+v", name, got[1].Parts)
		}
	}

	if in[1].ToolCall("s1") == nil {
		t.Error("input was modified")
	}
}

func TestSanitizeKeepsTrailingPendingCalls(t *testing.T) {
	pending := availableCall("p1", "remove_flight")
	in := []Message{
		userMsg("drop the flight"),
		assistantWith(pending),
	}

	got, err := Sanitize(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].ToolCall("p1") == nil {
		t.Fatalf("Sanitize dropped the pending call of the current turn: %+v", got)
	}

	strict, err := SanitizeForModel(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(strict) != 1 {
		t.Errorf("SanitizeForModel kept %d messages, want 1", len(strict))
	}
}

func TestSanitizeDropsStalePendingCalls(t *testing.T) {
	in := []Message{
		userMsg("one"),
		assistantWith(TextPart{Text: "ok"}, availableCall("old", "remove_hotel")),
		userMsg("two"),
	}
	got, err := Sanitize(in)
	if err != nil {
		t.Fatal(err)
	}
	if got[1].ToolCall("old") != nil {
		t.Error("pending call from an earlier turn survived")
	}
}

func TestSanitizeKeepsFinalCalls(t *testing.T) {
	failed := availableCall("f1", "add_flight")
	if err := failed.Fail(ErrorKindValidation, "missing price"); err != nil {
		t.Fatal(err)
	}
	in := []Message{
		userMsg("plan"),
		assistantWith(resolved("r1", "get_trip", `{}`), failed, TextPart{Text: "Done."}),
	}
	got, err := SanitizeForModel(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(got[1].ToolCalls()) != 2 {
		t.Errorf("final calls dropped: %+v", got[1].Parts)
	}
}

func TestSanitizeRejectsMalformedLogs(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
	}{
		{"unknown state", []Message{assistantWith(&ToolCallPart{CallID: "x", State: "exploded"})}},
		{"output before final", []Message{assistantWith(&ToolCallPart{CallID: "x", State: StateInputAvailable, Output: json.RawMessage(`{}`)})}},
		{"streaming with output", []Message{assistantWith(&ToolCallPart{CallID: "x", State: StateInputStreaming, ErrorText: "e"})}},
		{"output-available without output", []Message{assistantWith(&ToolCallPart{CallID: "x", State: StateOutputAvailable})}},
		{"duplicate ids", []Message{assistantWith(resolved("d", "a", `1`)), assistantWith(resolved("d", "b", `2`))}},
		{"tool call in user message", []Message{{ID: "u", Role: RoleUser, Parts: []Part{resolved("u1", "a", `1`)}}}},
		{"unknown role", []Message{{ID: "s", Role: "system"}}},
		{"missing id", []Message{assistantWith(&ToolCallPart{State: StateInputAvailable})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sanitize(tt.msgs)
			var inv *InvariantError
			if !errors.As(err, &inv) {
				t.Errorf("err = %v, want *InvariantError", err)
			}
		})
	}
}

func TestToLLMSplitsSteps(t *testing.T) {
	failed := availableCall("c2", "add_hotel")
	if err := failed.Fail(ErrorKindValidation, "nights must be positive"); err != nil {
		t.Fatal(err)
	}
	msgs := []Message{
		userMsg("Tokyo trip"),
		assistantWith(
			ReasoningPart{Text: "plan it"},
			TextPart{Text: "Let me look."},
			resolved("c1", "get_trip", `{"id":"trip_1"}`),
			failed,
			TextPart{Text: "Trip updated."},
		),
	}
	got := ToLLM(msgs)

	wantRoles := []string{"user", "assistant", "tool", "tool", "assistant"}
	if len(got) != len(wantRoles) {
		t.Fatalf("got %d messages: %+v", len(got), got)
	}
	for i, r := range wantRoles {
		if got[i].Role != r {
			t.Errorf("message %d role = %s, want %s", i, got[i].Role, r)
		}
	}
	if got[1].Content != "Let me look." || len(got[1].ToolCalls) != 2 {
		t.Errorf("first step = %+v", got[1])
	}
	if got[2].ToolCallID != "c1" || got[2].Content != `{"id":"trip_1"}` {
		t.Errorf("first result = %+v", got[2])
	}
	if !got[3].IsError || got[3].Content != "Error: nights must be positive" {
		t.Errorf("error result = %+v", got[3])
	}
	if got[4].Content != "Trip updated." {
		t.Errorf("final step = %+v", got[4])
	}
}

func TestLogEditToolCall(t *testing.T) {
	m := assistantWith(availableCall("c1", "remove_activity"))
	l := NewLog(userMsg("hi"), m)

	err := l.EditToolCall("c1", func(_ *Message, tc *ToolCallPart) error {
		return tc.Confirm(true, "user", t0)
	})
	if err != nil {
		t.Fatal(err)
	}
	last, _ := l.Last()
	if last.ToolCall("c1").State != StateOutputAvailable {
		t.Error("edit not visible in snapshot")
	}
	if err := l.EditToolCall("nope", func(*Message, *ToolCallPart) error { return nil }); !errors.Is(err, ErrUnknownToolCall) {
		t.Errorf("unknown id err = %v", err)
	}
	if len(l.PendingToolCalls()) != 0 {
		t.Error("confirmed call still listed as pending")
	}
}

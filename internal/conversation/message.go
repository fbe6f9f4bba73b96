// Package conversation models the chat log of a planning session: user
// and assistant messages, the tool calls the assistant makes, and the
// lifecycle each tool call moves through.
package conversation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation log.
type Message struct {
	ID        string
	Role      Role
	CreatedAt time.Time
	Parts     []Part
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(text string, now time.Time) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleUser,
		CreatedAt: now,
		Parts:     []Part{TextPart{Text: text}},
	}
}

// NewAssistantMessage builds an empty assistant message.
func NewAssistantMessage(now time.Time) Message {
	return Message{ID: NewMessageID(), Role: RoleAssistant, CreatedAt: now}
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	c.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		c.Parts[i] = p.clonePart()
	}
	return c
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the message's tool call parts in order. The returned
// pointers alias the message.
func (m Message) ToolCalls() []*ToolCallPart {
	var out []*ToolCallPart
	for _, p := range m.Parts {
		if tc, ok := p.(*ToolCallPart); ok {
			out = append(out, tc)
		}
	}
	return out
}

// ToolCall finds a tool call part by id.
func (m Message) ToolCall(id string) *ToolCallPart {
	for _, p := range m.Parts {
		if tc, ok := p.(*ToolCallPart); ok && tc.CallID == id {
			return tc
		}
	}
	return nil
}

// AppendText extends the trailing text part, or starts a new one when the
// last part is something else.
func (m *Message) AppendText(delta string) {
	if n := len(m.Parts); n > 0 {
		if t, ok := m.Parts[n-1].(TextPart); ok {
			m.Parts[n-1] = TextPart{Text: t.Text + delta}
			return
		}
	}
	m.Parts = append(m.Parts, TextPart{Text: delta})
}

// RetractText removes text from the end of the message's text, passing
// over any later non-text parts. Parts left empty are dropped. Nothing
// changes unless all of text is found.
func (m *Message) RetractText(text string) bool {
	parts := slices.Clone(m.Parts)
	rest := text
	for i := len(parts) - 1; i >= 0 && rest != ""; i-- {
		t, ok := parts[i].(TextPart)
		if !ok {
			continue
		}
		if strings.HasSuffix(rest, t.Text) {
			rest = rest[:len(rest)-len(t.Text)]
			parts = slices.Delete(parts, i, i+1)
			continue
		}
		if !strings.HasSuffix(t.Text, rest) {
			return false
		}
		parts[i] = TextPart{Text: t.Text[:len(t.Text)-len(rest)]}
		rest = ""
	}
	if rest != "" {
		return false
	}
	m.Parts = parts
	return true
}

// AppendReasoning extends the trailing reasoning part, or starts one.
func (m *Message) AppendReasoning(delta string) {
	if n := len(m.Parts); n > 0 {
		if r, ok := m.Parts[n-1].(ReasoningPart); ok {
			m.Parts[n-1] = ReasoningPart{Text: r.Text + delta}
			return
		}
	}
	m.Parts = append(m.Parts, ReasoningPart{Text: delta})
}

// StartToolCall appends a new tool call in input-streaming state.
func (m *Message) StartToolCall(id, name string) *ToolCallPart {
	tc := &ToolCallPart{CallID: id, ToolName: name, State: StateInputStreaming}
	m.Parts = append(m.Parts, tc)
	return tc
}

// --- JSON ---

type wireMessage struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
	Parts     []wirePart `json:"parts"`
}

type wirePart struct {
	Type        PartKind        `json:"type"`
	Text        string          `json:"text,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	State       ToolState       `json:"state,omitempty"`
	InputText   string          `json:"input_text,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	RequestedAt *time.Time      `json:"requested_at,omitempty"`
	Approval    *Approval       `json:"approval,omitempty"`
}

// MarshalPart encodes a single part in its wire form.
func MarshalPart(p Part) ([]byte, error) {
	return json.Marshal(toWire(p))
}

func toWire(p Part) wirePart {
	switch v := p.(type) {
	case TextPart:
		return wirePart{Type: KindText, Text: v.Text}
	case ReasoningPart:
		return wirePart{Type: KindReasoning, Text: v.Text}
	case *ToolCallPart:
		w := wirePart{
			Type:       KindToolCall,
			ToolCallID: v.CallID,
			ToolName:   v.ToolName,
			State:      v.State,
			InputText:  v.InputText,
			Input:      v.Input,
			Output:     v.Output,
			ErrorText:  v.ErrorText,
			ErrorKind:  v.ErrorKind,
			Approval:   v.Approval,
		}
		if !v.RequestedAt.IsZero() {
			at := v.RequestedAt
			w.RequestedAt = &at
		}
		return w
	}
	return wirePart{}
}

func fromWire(w wirePart) (Part, error) {
	switch w.Type {
	case KindText:
		return TextPart{Text: w.Text}, nil
	case KindReasoning:
		return ReasoningPart{Text: w.Text}, nil
	case KindToolCall:
		tc := &ToolCallPart{
			CallID:    w.ToolCallID,
			ToolName:  w.ToolName,
			State:     w.State,
			InputText: w.InputText,
			Input:     w.Input,
			Output:    w.Output,
			ErrorText: w.ErrorText,
			ErrorKind: w.ErrorKind,
			Approval:  w.Approval,
		}
		if w.RequestedAt != nil {
			tc.RequestedAt = *w.RequestedAt
		}
		return tc, nil
	}
	return nil, fmt.Errorf("unknown part type %q", w.Type)
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{ID: m.ID, Role: m.Role, CreatedAt: m.CreatedAt, Parts: make([]wirePart, 0, len(m.Parts))}
	for _, p := range m.Parts {
		w.Parts = append(w.Parts, toWire(p))
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts := make([]Part, 0, len(w.Parts))
	for _, wp := range w.Parts {
		p, err := fromWire(wp)
		if err != nil {
			return err
		}
		parts = append(parts, p)
	}
	*m = Message{ID: w.ID, Role: w.Role, CreatedAt: w.CreatedAt, Parts: parts}
	return nil
}

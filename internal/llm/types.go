// Package llm is the model-call capability: provider clients that take a
// provider-neutral message history plus tool definitions and stream back
// text, reasoning and tool-call announcements.
package llm

import (
	"encoding/json"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the provider-neutral chat history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool responses
	ToolName   string     `json:"tool_name,omitempty"`    // tool responses
	IsError    bool       `json:"is_error,omitempty"`     // tool responses
}

// ToolCall is a complete tool invocation emitted by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatResponse is the unified result of one model call. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model      string
	CreatedAt  time.Time
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int

	Duration time.Duration
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text fragment.
	KindToken StreamEventKind = iota

	// KindReasoning is an incremental reasoning (thinking) fragment.
	KindReasoning

	// KindToolCallStart fires when the model begins a tool call. ToolCallID
	// and ToolName are set; the arguments are still streaming.
	KindToolCallStart

	// KindToolCallDelta carries a fragment of the arguments JSON in ArgsDelta.
	KindToolCallDelta

	// KindToolCallReady fires once the arguments are complete. ToolCall is set.
	KindToolCallReady

	// KindDone signals the stream is complete. Response carries final metadata.
	KindDone
)

// String returns the kind name for logs.
func (k StreamEventKind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindReasoning:
		return "reasoning"
	case KindToolCallStart:
		return "tool_call_start"
	case KindToolCallDelta:
		return "tool_call_delta"
	case KindToolCallReady:
		return "tool_call_ready"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// StreamEvent is a single event in a streaming response. Consumers switch
// on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken and KindReasoning.
	Token string

	// ToolCallID and ToolName are set for KindToolCallStart and KindToolCallDelta.
	ToolCallID string
	ToolName   string

	// ArgsDelta is set for KindToolCallDelta.
	ArgsDelta string

	// ToolCall is set for KindToolCallReady.
	ToolCall *ToolCall

	// Response is set for KindDone.
	Response *ChatResponse
}

// StreamCallback receives streaming events in the order the provider
// produced them.
type StreamCallback func(event StreamEvent)

// normalizeArgs returns valid JSON object arguments, replacing empty input
// with {} so providers that require an object accept the history.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}

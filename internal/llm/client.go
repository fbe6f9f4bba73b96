package llm

import "context"

// Client is the interface that all model providers implement.
//
// tools are OpenAI-style function definitions:
//
//	{"type": "function", "function": {"name": ..., "description": ..., "parameters": {...}}}
//
// Providers convert them to their own wire format.
type Client interface {
	// Chat sends a chat completion request and returns the full response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. Events are delivered to
	// callback as they arrive; the returned response is the same as the
	// KindDone event's.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// toolFunction extracts name, description and parameters from an
// OpenAI-style tool definition. ok is false for malformed entries.
func toolFunction(tool map[string]any) (name, desc string, params map[string]any, ok bool) {
	fn, isMap := tool["function"].(map[string]any)
	if !isMap {
		return "", "", nil, false
	}
	name, _ = fn["name"].(string)
	desc, _ = fn["description"].(string)
	params, _ = fn["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, desc, params, name != ""
}

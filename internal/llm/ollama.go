package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wanderplan/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Loading a large model can take minutes before the first byte.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t)),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"` // an object, not a string
	} `json:"function"`
}

type ollamaChunk struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request and reads Ollama's newline-delimited
// JSON stream. Ollama delivers tool calls whole, so each one produces a
// start, a single delta and a ready event back to back.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	start := time.Now()
	emit := func(StreamEvent) {}
	if callback != nil {
		emit = callback
	}

	body, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Stream:   callback != nil,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var (
		text      strings.Builder
		toolCalls []ToolCall
		final     ollamaChunk
	)
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama stream error: %s", chunk.Error)
		}

		if chunk.Message.Thinking != "" {
			emit(StreamEvent{Kind: KindReasoning, Token: chunk.Message.Thinking})
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			emit(StreamEvent{Kind: KindToken, Token: chunk.Message.Content})
		}
		for _, otc := range chunk.Message.ToolCalls {
			tc := ToolCall{
				ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
				Name:      otc.Function.Name,
				Arguments: normalizeArgs(otc.Function.Arguments),
			}
			toolCalls = append(toolCalls, tc)
			emit(StreamEvent{Kind: KindToolCallStart, ToolCallID: tc.ID, ToolName: tc.Name})
			emit(StreamEvent{Kind: KindToolCallDelta, ToolCallID: tc.ID, ToolName: tc.Name, ArgsDelta: string(tc.Arguments)})
			emit(StreamEvent{Kind: KindToolCallReady, ToolCall: &tc})
		}
		if chunk.Done {
			final = chunk
			break
		}
	}

	content := text.String()
	// Smaller models often write the call as JSON text instead of using
	// the native tool_calls field.
	if len(toolCalls) == 0 && len(tools) > 0 {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			toolCalls = parsed
			content = ""
			for i := range parsed {
				emit(StreamEvent{Kind: KindToolCallStart, ToolCallID: parsed[i].ID, ToolName: parsed[i].Name})
				emit(StreamEvent{Kind: KindToolCallReady, ToolCall: &parsed[i]})
			}
		}
	}

	out := &ChatResponse{
		Model:     final.Model,
		CreatedAt: time.Now(),
		Message: Message{
			Role:      RoleAssistant,
			Content:   content,
			ToolCalls: toolCalls,
		},
		StopReason:   final.DoneReason,
		InputTokens:  final.PromptEvalCount,
		OutputTokens: final.EvalCount,
		Duration:     time.Since(start),
	}
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(toolCalls),
	)
	emit(StreamEvent{Kind: KindDone, Response: out})
	return out, nil
}

func convertToOllama(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			om.ToolName = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = normalizeArgs(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// parseTextToolCalls extracts tool calls a model wrote as content text.
// Handled formats:
//   - {"name": "...", "arguments": {...}}
//   - [{"name": "...", "arguments": {...}}]
//   - either of the above wrapped in <tool_call> tags
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}
	if content == "" || (content[0] != '{' && content[0] != '[') {
		return nil
	}

	type textCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		calls = []textCall{single}
	}

	var result []ToolCall
	for _, c := range calls {
		if c.Name == "" {
			continue
		}
		result = append(result, ToolCall{
			ID:        "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
			Name:      c.Name,
			Arguments: normalizeArgs(c.Arguments),
		})
	}
	return result
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}

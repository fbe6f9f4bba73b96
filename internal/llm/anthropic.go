package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/wanderplan/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 8192
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// First tokens can take a long time on large prompts.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:  apiKey,
		baseURL: anthropicAPIURL,
		logger:  logger.With("provider", "anthropic"),
		// Streams are long-lived; the caller's context bounds them.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, streaming events via callback when it
// is non-nil.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil
	start := time.Now()

	msgs, system := convertToAnthropic(messages)
	req := anthropicRequest{
		Model:     model,
		Messages:  msgs,
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
		Tools:     convertToolsToAnthropic(tools),
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"tools", len(req.Tools),
		"stream", stream,
	)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out *ChatResponse
	if stream {
		out, err = c.handleStreaming(ctx, resp.Body, callback)
	} else {
		out, err = c.handleNonStreaming(ctx, resp.Body)
	}
	if err != nil {
		return nil, err
	}
	out.Duration = time.Since(start)
	if stream {
		callback(StreamEvent{Kind: KindDone, Response: out})
	}
	return out, nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}
	return resp, nil
}

// Ping verifies the API key with a one-token request.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body, err := json.Marshal(anthropicRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []anthropicMessage{{Role: RoleUser, Content: []anthropicContent{{Type: "text", Text: "ping"}}}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

func (c *AnthropicClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	result := convertFromAnthropic(&resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// handleStreaming parses the SSE stream. Tool-use blocks are announced on
// content_block_start, their argument JSON is forwarded as it arrives, and
// the completed call is emitted on content_block_stop.
func (c *AnthropicClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		text       strings.Builder
		toolCalls  []ToolCall
		current    *anthropicContent
		argsBuf    strings.Builder
		stopReason string
		usage      anthropicUsage
		model      string
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				model = event.Message.Model
				usage = event.Message.Usage
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				current = event.ContentBlock
				argsBuf.Reset()
				callback(StreamEvent{Kind: KindToolCallStart, ToolCallID: current.ID, ToolName: current.Name})
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				text.WriteString(event.Delta.Text)
				callback(StreamEvent{Kind: KindToken, Token: event.Delta.Text})
			case "thinking_delta":
				callback(StreamEvent{Kind: KindReasoning, Token: event.Delta.Thinking})
			case "input_json_delta":
				if current != nil {
					argsBuf.WriteString(event.Delta.PartialJSON)
					callback(StreamEvent{
						Kind:       KindToolCallDelta,
						ToolCallID: current.ID,
						ToolName:   current.Name,
						ArgsDelta:  event.Delta.PartialJSON,
					})
				}
			}

		case "content_block_stop":
			if current != nil {
				tc := ToolCall{
					ID:        current.ID,
					Name:      current.Name,
					Arguments: normalizeArgs(json.RawMessage(argsBuf.String())),
				}
				toolCalls = append(toolCalls, tc)
				callback(StreamEvent{Kind: KindToolCallReady, ToolCall: &tc})
				current = nil
			}

		case "message_delta":
			if event.Delta != nil {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "error":
			msg := "unknown stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return nil, fmt.Errorf("anthropic stream error: %s", msg)

		case "message_stop":
			// The connection may linger; message_stop is authoritative.
			return c.finishStream(ctx, model, text.String(), toolCalls, stopReason, usage), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return c.finishStream(ctx, model, text.String(), toolCalls, stopReason, usage), nil
}

func (c *AnthropicClient) finishStream(ctx context.Context, model, text string, toolCalls []ToolCall, stopReason string, usage anthropicUsage) *ChatResponse {
	resp := &ChatResponse{
		Model:     model,
		CreatedAt: time.Now(),
		Message: Message{
			Role:      RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		},
		StopReason:   stopReason,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	c.logger.Debug("stream complete",
		"model", resp.Model,
		"stop_reason", stopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(toolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", text)
	return resp
}

// convertToAnthropic converts the history to Anthropic format. System
// messages become the system prompt; consecutive tool results are folded
// into a single user message as the API requires.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: normalizeArgs(tc.Arguments),
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropicMessage{Role: RoleAssistant, Content: blocks})
			}

		case RoleTool:
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
				IsError:   msg.IsError,
			}
			if n := len(result); n > 0 && result[n-1].Role == RoleUser && isToolResultMessage(result[n-1]) {
				result[n-1].Content = append(result[n-1].Content, block)
				continue
			}
			result = append(result, anthropicMessage{Role: RoleUser, Content: []anthropicContent{block}})

		case RoleUser:
			result = append(result, anthropicMessage{
				Role:    RoleUser,
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func isToolResultMessage(m anthropicMessage) bool {
	return len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

// convertToolsToAnthropic converts OpenAI-format tool definitions.
func convertToolsToAnthropic(tools []map[string]any) []anthropicTool {
	var result []anthropicTool
	for _, tool := range tools {
		name, desc, params, ok := toolFunction(tool)
		if !ok {
			continue
		}
		result = append(result, anthropicTool{Name: name, Description: desc, InputSchema: params})
	}
	return result
}

func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var content strings.Builder
	var toolCalls []ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: normalizeArgs(block.Input),
			})
		}
	}

	return &ChatResponse{
		Model:     resp.Model,
		CreatedAt: time.Now(),
		Message: Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nugget/wanderplan/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API, or any
// compatible endpoint when a base URL is configured.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates an OpenAI client. baseURL may be empty.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithTransport(t))),
		// Retry policy belongs to the caller; a failed step fails the turn.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, c.params(model, messages, tools))
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	out := &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Now(),
		Message:      Message{Role: RoleAssistant},
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Duration:     time.Since(start),
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.StopReason = string(choice.FinishReason)
		out.Message.Content = choice.Message.Content
		for _, tc := range choice.Message.ToolCalls {
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: normalizeArgs(json.RawMessage(tc.Function.Arguments)),
			})
		}
	}
	return out, nil
}

// streamingCall tracks one tool call while its arguments arrive.
type streamingCall struct {
	id   string
	name string
	args strings.Builder
}

// ChatStream streams a chat completion. Tool calls arrive as indexed
// deltas; each is announced on its first delta and completed once the
// stream ends.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}
	start := time.Now()

	params := c.params(model, messages, tools)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text       strings.Builder
		calls      = map[int64]*streamingCall{}
		stopReason string
		out        = &ChatResponse{Model: model}
	)

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage.TotalTokens > 0 {
			out.InputTokens = int(chunk.Usage.PromptTokens)
			out.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			callback(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
		}
		for _, d := range choice.Delta.ToolCalls {
			sc, ok := calls[d.Index]
			if !ok {
				sc = &streamingCall{id: d.ID, name: d.Function.Name}
				calls[d.Index] = sc
				callback(StreamEvent{Kind: KindToolCallStart, ToolCallID: sc.id, ToolName: sc.name})
			}
			if d.Function.Arguments != "" {
				sc.args.WriteString(d.Function.Arguments)
				callback(StreamEvent{
					Kind:       KindToolCallDelta,
					ToolCallID: sc.id,
					ToolName:   sc.name,
					ArgsDelta:  d.Function.Arguments,
				})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	indexes := make([]int64, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

	var toolCalls []ToolCall
	for _, i := range indexes {
		sc := calls[i]
		tc := ToolCall{ID: sc.id, Name: sc.name, Arguments: normalizeArgs(json.RawMessage(sc.args.String()))}
		toolCalls = append(toolCalls, tc)
		callback(StreamEvent{Kind: KindToolCallReady, ToolCall: &tc})
	}

	out.CreatedAt = time.Now()
	out.Message = Message{Role: RoleAssistant, Content: text.String(), ToolCalls: toolCalls}
	out.StopReason = stopReason
	out.Duration = time.Since(start)

	c.logger.Debug("stream complete",
		"model", out.Model,
		"stop_reason", stopReason,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(toolCalls),
	)
	callback(StreamEvent{Kind: KindDone, Response: out})
	return out, nil
}

// Ping lists models to verify the key and endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func (c *OpenAIClient) params(model string, messages []Message, tools []map[string]any) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: convertToOpenAI(messages),
	}
	if defs := convertToolsToOpenAI(tools); len(defs) > 0 {
		params.Tools = defs
		params.ParallelToolCalls = openai.Bool(true)
	}
	return params
}

func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(normalizeArgs(tc.Arguments)),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func convertToolsToOpenAI(tools []map[string]any) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, tool := range tools {
		name, desc, params, ok := toolFunction(tool)
		if !ok {
			continue
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        name,
				Description: openai.String(desc),
				Parameters:  shared.FunctionParameters(params),
			},
		})
	}
	return out
}

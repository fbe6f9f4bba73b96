package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubClient struct {
	name    string
	pingErr error
	models  []string
}

func (s *stubClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	s.models = append(s.models, model)
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: s.name}}, nil
}

func (s *stubClient) ChatStream(ctx context.Context, model string, msgs []Message, tools []map[string]any, _ StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, msgs, tools)
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestMultiClientRouting(t *testing.T) {
	local := &stubClient{name: "ollama"}
	remote := &stubClient{name: "anthropic"}

	m := NewMultiClient(local)
	m.AddProvider("anthropic", remote)
	m.AddModel("claude-sonnet-4-5", "anthropic")
	m.AddModel("gpt-4o", "openai")

	resp, err := m.Chat(context.Background(), "claude-sonnet-4-5", nil, nil)
	if err != nil || resp.Message.Content != "anthropic" {
		t.Fatalf("routed to %v, err %v", resp, err)
	}
	resp, err = m.ChatStream(context.Background(), "qwen3:8b", nil, nil, nil)
	if err != nil || resp.Message.Content != "ollama" {
		t.Fatalf("unknown model should use fallback, got %v, err %v", resp, err)
	}
	if _, err := m.Chat(context.Background(), "gpt-4o", nil, nil); err == nil || !strings.Contains(err.Error(), "openai") {
		t.Errorf("model mapped to missing provider should fail, got %v", err)
	}
}

func TestMultiClientPing(t *testing.T) {
	m := NewMultiClient(nil)
	m.AddProvider("openai", &stubClient{pingErr: errors.New("401")})
	if err := m.Ping(context.Background()); err == nil || !strings.Contains(err.Error(), "openai: 401") {
		t.Errorf("Ping error = %v", err)
	}
}

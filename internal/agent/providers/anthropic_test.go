package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/agentgit/internal/agent"
)

// mockTool implements agent.Tool for testing.
type mockTool struct {
	name        string
	description string
	schema      json.RawMessage
}

func (m *mockTool) Name() string            { return m.name }
func (m *mockTool) Description() string     { return m.description }
func (m *mockTool) Schema() json.RawMessage { return m.schema }

func (m *mockTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "test result"}, nil
}

func TestNewAnthropicProvider(t *testing.T) {
	tests := []struct {
		name        string
		config      AnthropicConfig
		expectError bool
	}{
		{
			name: "valid config",
			config: AnthropicConfig{
				APIKey:       "test-key",
				MaxRetries:   3,
				RetryDelay:   time.Second,
				DefaultModel: "claude-sonnet-4-20250514",
			},
		},
		{
			name:        "missing API key",
			config:      AnthropicConfig{MaxRetries: 3},
			expectError: true,
		},
		{
			name:   "defaults applied",
			config: AnthropicConfig{APIKey: "test-key"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewAnthropicProvider(tt.config)

			if tt.expectError {
				if err == nil {
					t.Error("expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if provider.maxRetries <= 0 {
				t.Error("maxRetries should have default value")
			}
			if provider.retryDelay <= 0 {
				t.Error("retryDelay should have default value")
			}
			if provider.defaultModel == "" {
				t.Error("defaultModel should have default value")
			}
		})
	}
}

func TestProviderMethods(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	if provider.Name() != "anthropic" {
		t.Errorf("expected name 'anthropic', got '%s'", provider.Name())
	}
	if !provider.SupportsTools() {
		t.Error("expected tool support")
	}
	if len(provider.Models()) == 0 {
		t.Error("expected at least one model")
	}

	if got := provider.getModel(""); got != provider.defaultModel {
		t.Errorf("empty model should fall back to default, got '%s'", got)
	}
	if got := provider.getModel("claude-3-haiku-20240307"); got != "claude-3-haiku-20240307" {
		t.Errorf("explicit model should be honored, got '%s'", got)
	}
	if got := provider.getMaxTokens(0); got != 4096 {
		t.Errorf("expected default max tokens 4096, got %d", got)
	}
	if got := provider.getMaxTokens(1024); got != 1024 {
		t.Errorf("expected 1024 max tokens, got %d", got)
	}
}

func TestIsRetryableError(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"rate limit", errors.New("rate_limit exceeded"), true},
		{"429 status", errors.New("status 429: too many requests"), true},
		{"server error", errors.New("500 internal server error"), true},
		{"bad gateway", errors.New("502 bad gateway"), true},
		{"timeout", errors.New("request timeout"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"auth failure", errors.New("401 unauthorized"), false},
		{"bad request", errors.New("400 invalid request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := provider.isRetryableError(tt.err); got != tt.retryable {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestConvertMessages(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	messages := []agent.CompletionMessage{
		{Role: "system", Content: "ignored here"},
		{Role: "user", Content: "make a file"},
		{
			Role: "assistant",
			ToolCalls: []agent.ToolCall{
				{ID: "call-1", Name: "create_file", Input: json.RawMessage(`{"name":"a.txt"}`)},
			},
		},
		{
			Role: "user",
			ToolResults: []agent.ToolCallResult{
				{ToolCallID: "call-1", Content: "created a.txt"},
			},
		},
	}

	converted, err := provider.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages failed: %v", err)
	}

	// The system message is dropped.
	if len(converted) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(converted))
	}
	if converted[1].Role != "assistant" {
		t.Errorf("expected assistant role, got '%s'", converted[1].Role)
	}
}

func TestConvertMessagesRejectsBadToolInput(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	_, err = provider.convertMessages([]agent.CompletionMessage{
		{
			Role: "assistant",
			ToolCalls: []agent.ToolCall{
				{ID: "call-1", Name: "broken", Input: json.RawMessage(`{not json`)},
			},
		},
	})
	if err == nil {
		t.Error("expected error for malformed tool input")
	}
}

func TestConvertTools(t *testing.T) {
	provider, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	tools := []agent.Tool{
		&mockTool{
			name:        "create_file",
			description: "Create a file",
			schema:      json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}}}`),
		},
	}

	converted, err := provider.convertTools(tools)
	if err != nil {
		t.Fatalf("convertTools failed: %v", err)
	}
	if len(converted) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(converted))
	}

	_, err = provider.convertTools([]agent.Tool{
		&mockTool{name: "broken", schema: json.RawMessage(`{invalid`)},
	})
	if err == nil {
		t.Error("expected error for invalid schema")
	}
}

package agent

import (
	"context"
	"encoding/json"
)

// LLMProvider is the contract for language-model backends. Implementations
// must be safe for concurrent use; each Complete call owns an independent
// stream.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. Tool calls
	// are surfaced as chunks before any tool executes.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest carries one completion call to a provider.
type CompletionRequest struct {
	// Model selects the model; empty uses the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may request; empty disables tool calling.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single conversation entry. Role is "user",
// "assistant", "system", or "tool".
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls are tool execution requests issued by the assistant.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults are outputs from previously executed tools.
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
}

// ToolCall is a model-issued request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolCallResult is the output of a tool call fed back to the model.
type ToolCallResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionChunk is one element of a streaming response. A chunk carries
// partial text, a complete tool call, a done signal, or an error.
type CompletionChunk struct {
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Done     bool      `json:"done,omitempty"`
	Error    error     `json:"-"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

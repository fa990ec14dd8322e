package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/agentgit/pkg/models"
)

// ErrToolNotFound indicates a tool name is not registered.
var ErrToolNotFound = errors.New("tool not found")

// Tool is an executable agent capability exposed to the model.
type Tool interface {
	// Name returns the tool name for LLM function calling. Must be a valid
	// function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the tool
	// does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters. Errors are
	// reported through ToolResult.IsError where the model should see them.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the output of a tool execution.
type ToolResult struct {
	// Content is the tool's output.
	Content string `json:"content"`

	// IsError marks the result as an error condition the model can react
	// to.
	IsError bool `json:"is_error,omitempty"`
}

// Registry holds the tools available to a runtime, keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}
	return tool, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	tools := make([]Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// ReverseFunc undoes the side effects of one recorded invocation. It receives
// the original arguments and serialized result, and returns a human-readable
// confirmation.
type ReverseFunc func(args map[string]any, result string) (string, error)

// ReverseRegistry maps tool names to their inverse handlers. Reversibility is
// an explicit part of a tool's contract: a tool with no registered handler is
// irreversible.
type ReverseRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ReverseFunc
}

// NewReverseRegistry creates an empty reverse registry.
func NewReverseRegistry() *ReverseRegistry {
	return &ReverseRegistry{handlers: make(map[string]ReverseFunc)}
}

// Register installs the inverse handler for a tool name.
func (r *ReverseRegistry) Register(toolName string, fn ReverseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[toolName] = fn
}

// Get returns the inverse handler for a tool name, if registered.
func (r *ReverseRegistry) Get(toolName string) (ReverseFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[toolName]
	return fn, ok
}

// ReverseResult reports the outcome of reversing one tool invocation.
// Reversal failures are values, never raised errors.
type ReverseResult struct {
	// Index is the invocation's absolute position in the tool track.
	Index int `json:"index"`

	ToolName string `json:"tool_name"`

	// ReversedSuccessfully is false for missing handlers and handler
	// failures alike; Message carries the diagnostic.
	ReversedSuccessfully bool   `json:"reversed_successfully"`
	Message              string `json:"message,omitempty"`
}

// ReverseTrack undoes the invocations of a tool track at indices >= pos, in
// reverse order. Failed invocations are skipped, a missing handler marks the
// record irreversible, and a handler failure is collected; nothing aborts the
// batch.
func (r *ReverseRegistry) ReverseTrack(track []models.ToolInvocation, pos int) []ReverseResult {
	if pos < 0 {
		pos = 0
	}

	var results []ReverseResult
	for i := len(track) - 1; i >= pos; i-- {
		invocation := track[i]
		if !invocation.Success {
			// Nothing happened; there is nothing to undo.
			continue
		}

		fn, ok := r.Get(invocation.ToolName)
		if !ok {
			results = append(results, ReverseResult{
				Index:    i,
				ToolName: invocation.ToolName,
				Message:  fmt.Sprintf("no reverse handler registered for %q", invocation.ToolName),
			})
			continue
		}

		message, err := fn(invocation.Args, invocation.Result)
		if err != nil {
			results = append(results, ReverseResult{
				Index:    i,
				ToolName: invocation.ToolName,
				Message:  fmt.Sprintf("reversal failed: %v", err),
			})
			continue
		}
		results = append(results, ReverseResult{
			Index:                i,
			ToolName:             invocation.ToolName,
			ReversedSuccessfully: true,
			Message:              message,
		})
	}
	return results
}

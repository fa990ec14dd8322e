package models

import (
	"encoding/json"
	"time"
)

// ToolInvocation records one tool call with enough information to reverse
// its side effects later. Invocations live on internal sessions and inside
// checkpoint payloads; their append order is the causal order of effects.
type ToolInvocation struct {
	// ToolName is the registered name of the tool that ran.
	ToolName string `json:"tool_name"`

	// Args are the arguments the tool was invoked with.
	Args map[string]any `json:"args"`

	// Result is the serialized tool output.
	Result string `json:"result,omitempty"`

	// Success reports whether the tool completed without error.
	Success bool `json:"success"`

	// ErrorMessage holds the failure diagnostic when Success is false.
	ErrorMessage string `json:"error_message,omitempty"`

	// Timestamp is when the invocation completed.
	Timestamp time.Time `json:"timestamp"`
}

// CloneInvocations deep-copies a tool track. Args maps are copied via JSON
// round-trip so checkpoint payloads never alias live session state.
func CloneInvocations(invs []ToolInvocation) []ToolInvocation {
	if invs == nil {
		return nil
	}
	out := make([]ToolInvocation, len(invs))
	copy(out, invs)
	for i := range out {
		out[i].Args = CloneMap(invs[i].Args)
	}
	return out
}

// CloneMap deep-copies an arbitrary JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// Non-serializable values cannot appear in persisted state; fall
		// back to a shallow copy rather than dropping data.
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// registerMetaTools installs the checkpoint meta tools on the runtime's
// registry so the model can manage checkpoints directly.
func (r *Runtime) registerMetaTools() {
	r.tools.Register(&createCheckpointTool{runtime: r})
	r.tools.Register(&listCheckpointsTool{runtime: r})
	r.tools.Register(&getCheckpointInfoTool{runtime: r})
	r.tools.Register(&cleanupAutoCheckpointsTool{runtime: r})
}

type createCheckpointTool struct {
	runtime *Runtime
}

func (t *createCheckpointTool) Name() string { return "create_checkpoint" }

func (t *createCheckpointTool) Description() string {
	return "Create a named manual checkpoint of the current conversation state. Use before risky operations so the user can roll back."
}

func (t *createCheckpointTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"name": {"type": "string", "description": "Checkpoint name"}
		}
	}`)
}

func (t *createCheckpointTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Name string `json:"name"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
	}

	cp, err := t.runtime.CreateCheckpoint(ctx, input.Name)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("checkpoint failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{
		Content: fmt.Sprintf("Checkpoint %q created (id %d).", cp.CheckpointName, cp.ID),
	}, nil
}

type listCheckpointsTool struct {
	runtime *Runtime
}

func (t *listCheckpointsTool) Name() string { return "list_checkpoints" }

func (t *listCheckpointsTool) Description() string {
	return "List checkpoints for the current session, newest first."
}

func (t *listCheckpointsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"auto_only": {"type": "boolean", "description": "Only list automatic checkpoints"}
		}
	}`)
}

func (t *listCheckpointsTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		AutoOnly bool `json:"auto_only"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
	}

	checkpoints, err := t.runtime.engine.List(ctx, t.runtime.session.ID, input.AutoOnly)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("list failed: %v", err), IsError: true}, nil
	}
	if len(checkpoints) == 0 {
		return &ToolResult{Content: "No checkpoints exist for this session."}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d checkpoint(s):\n", len(checkpoints))
	for _, cp := range checkpoints {
		kind := "manual"
		if cp.IsAuto {
			kind = "auto"
		}
		fmt.Fprintf(&b, "- [%d] %s (%s, %s)\n",
			cp.ID, cp.CheckpointName, kind, cp.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return &ToolResult{Content: b.String()}, nil
}

type getCheckpointInfoTool struct {
	runtime *Runtime
}

func (t *getCheckpointInfoTool) Name() string { return "get_checkpoint_info" }

func (t *getCheckpointInfoTool) Description() string {
	return "Show details of one checkpoint: message count, tool-track position, and metadata."
}

func (t *getCheckpointInfoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"checkpoint_id": {"type": "integer", "description": "Checkpoint id"}
		},
		"required": ["checkpoint_id"]
	}`)
}

func (t *getCheckpointInfoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		CheckpointID int64 `json:"checkpoint_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}

	cp, err := t.runtime.engine.Get(ctx, input.CheckpointID)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("lookup failed: %v", err), IsError: true}, nil
	}

	kind := "manual"
	if cp.IsAuto {
		kind = "auto"
	}
	return &ToolResult{
		Content: fmt.Sprintf(
			"Checkpoint %q (id %d, %s)\ncreated: %s\nmessages: %d\ntool track position: %d",
			cp.CheckpointName, cp.ID, kind,
			cp.CreatedAt.Format("2006-01-02 15:04:05"),
			len(cp.ConversationHistory), cp.ToolTrackPosition()),
	}, nil
}

type cleanupAutoCheckpointsTool struct {
	runtime *Runtime
}

func (t *cleanupAutoCheckpointsTool) Name() string { return "cleanup_auto_checkpoints" }

func (t *cleanupAutoCheckpointsTool) Description() string {
	return "Delete old automatic checkpoints, keeping the most recent ones. Manual checkpoints are never touched."
}

func (t *cleanupAutoCheckpointsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"keep_latest": {"type": "integer", "description": "How many recent auto checkpoints to keep", "default": 5}
		}
	}`)
}

func (t *cleanupAutoCheckpointsTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	input := struct {
		KeepLatest int `json:"keep_latest"`
	}{KeepLatest: 5}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
	}

	deleted, err := t.runtime.engine.PruneAuto(ctx, t.runtime.session.ID, input.KeepLatest)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("cleanup failed: %v", err), IsError: true}, nil
	}
	return &ToolResult{
		Content: fmt.Sprintf("Deleted %d auto checkpoint(s), kept the %d most recent.", deleted, input.KeepLatest),
	}, nil
}

// Package agent implements the conversational runtime: the tool-calling loop
// around an LLM provider, the append-only tool track, auto-checkpointing, and
// the tool-effect reversal protocol.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentgit/internal/checkpoint"
	"github.com/haasonsaas/agentgit/internal/store"
	"github.com/haasonsaas/agentgit/pkg/models"
)

// metaToolNames are meta-operations on the checkpoint system itself. They
// never enter the tool track and never trigger auto-checkpoints.
var metaToolNames = map[string]struct{}{
	"create_checkpoint":        {},
	"list_checkpoints":         {},
	"get_checkpoint_info":      {},
	"cleanup_auto_checkpoints": {},
}

// IsMetaTool reports whether a tool name is a checkpoint meta-operation.
func IsMetaTool(name string) bool {
	_, ok := metaToolNames[name]
	return ok
}

// defaultMaxToolRounds bounds the tool-call loop within one user turn.
const defaultMaxToolRounds = 10

// Runtime drives user turns against an LLM with tools, recording every user
// tool invocation on the session's tool track. A Runtime is bound to one
// internal session and is not reentrant across turns.
type Runtime struct {
	provider LLMProvider
	tools    *Registry
	reverse  *ReverseRegistry
	engine   *checkpoint.Engine
	store    *store.Store
	session  *models.InternalSession

	userID         *int64
	autoCheckpoint bool
	model          string
	system         string
	maxToolRounds  int

	logger *slog.Logger
	tracer trace.Tracer
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Provider LLMProvider
	Tools    *Registry
	Reverse  *ReverseRegistry
	Engine   *checkpoint.Engine
	Store    *store.Store
	Session  *models.InternalSession

	// UserID owns checkpoints created by this runtime.
	UserID *int64

	// AutoCheckpoint snapshots after every user turn that ran a user tool.
	AutoCheckpoint bool

	Model  string
	System string

	// MaxToolRounds bounds tool-call iterations per turn; 0 uses the
	// default.
	MaxToolRounds int

	Logger *slog.Logger
}

// NewRuntime creates a runtime bound to a session. The checkpoint meta tools
// are registered automatically.
func NewRuntime(opts RuntimeOptions) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tools := opts.Tools
	if tools == nil {
		tools = NewRegistry()
	}
	reverse := opts.Reverse
	if reverse == nil {
		reverse = NewReverseRegistry()
	}
	maxRounds := opts.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	r := &Runtime{
		provider:       opts.Provider,
		tools:          tools,
		reverse:        reverse,
		engine:         opts.Engine,
		store:          opts.Store,
		session:        opts.Session,
		userID:         opts.UserID,
		autoCheckpoint: opts.AutoCheckpoint,
		model:          opts.Model,
		system:         opts.System,
		maxToolRounds:  maxRounds,
		logger:         logger,
		tracer:         otel.Tracer("agentgit/agent"),
	}
	r.registerMetaTools()
	return r
}

// Session returns the bound internal session.
func (r *Runtime) Session() *models.InternalSession { return r.session }

// Tools returns the runtime's tool registry.
func (r *Runtime) Tools() *Registry { return r.tools }

// Reverse returns the runtime's reverse-handler registry.
func (r *Runtime) Reverse() *ReverseRegistry { return r.reverse }

// Run drives one user turn: the model may issue tool calls, each of which is
// executed and recorded on the tool track after it returns, until it produces
// a final assistant message. When auto-checkpointing is on and a user tool
// ran, the turn ends with an automatic snapshot.
func (r *Runtime) Run(ctx context.Context, userMessage string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "agent.Run",
		trace.WithAttributes(attribute.Int64("session.id", r.session.ID)))
	defer span.End()

	r.session.ConversationHistory = append(r.session.ConversationHistory,
		models.NewMessage("user", userMessage))

	transcript := historyToCompletion(r.session.ConversationHistory)
	usedUserTool := false
	var assistantText string

	for round := 0; round < r.maxToolRounds; round++ {
		chunks, err := r.provider.Complete(ctx, &CompletionRequest{
			Model:    r.model,
			System:   r.system,
			Messages: transcript,
			Tools:    r.tools.List(),
		})
		if err != nil {
			return "", fmt.Errorf("completion: %w", err)
		}

		var text strings.Builder
		var toolCalls []ToolCall
		for chunk := range chunks {
			switch {
			case chunk.Error != nil:
				return "", fmt.Errorf("completion stream: %w", chunk.Error)
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			case chunk.Text != "":
				text.WriteString(chunk.Text)
			}
		}

		if len(toolCalls) == 0 {
			assistantText = text.String()
			break
		}

		transcript = append(transcript, CompletionMessage{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: toolCalls,
		})

		var results []ToolCallResult
		for _, call := range toolCalls {
			result, userTool := r.executeToolCall(ctx, call)
			usedUserTool = usedUserTool || userTool
			results = append(results, result)
		}
		transcript = append(transcript, CompletionMessage{Role: "user", ToolResults: results})
	}

	r.session.ConversationHistory = append(r.session.ConversationHistory,
		models.NewMessage("assistant", assistantText))
	if err := r.persistSession(ctx); err != nil {
		return "", err
	}

	if r.autoCheckpoint && usedUserTool {
		if _, err := r.engine.Create(ctx, r.session, "", true, r.userID); err != nil {
			return "", fmt.Errorf("auto checkpoint: %w", err)
		}
	}
	return assistantText, nil
}

// executeToolCall runs one tool call and, for user tools, appends the
// invocation record to the tool track. The record is written only after the
// tool returns, so a cancelled call leaves no half-recorded entry. Returns
// the result to feed back to the model and whether a user tool ran.
func (r *Runtime) executeToolCall(ctx context.Context, call ToolCall) (ToolCallResult, bool) {
	tool, err := r.tools.Get(call.Name)
	if err != nil {
		return ToolCallResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("unknown tool %q", call.Name),
			IsError:    true,
		}, false
	}

	var args map[string]any
	if len(call.Input) > 0 {
		// Arguments are recorded even when malformed; reversal needs them.
		_ = json.Unmarshal(call.Input, &args)
	}

	result, execErr := tool.Execute(ctx, call.Input)
	if result == nil {
		result = &ToolResult{}
	}

	invocation := models.ToolInvocation{
		ToolName:  call.Name,
		Args:      args,
		Result:    result.Content,
		Success:   execErr == nil && !result.IsError,
		Timestamp: time.Now().UTC(),
	}
	switch {
	case execErr != nil:
		invocation.ErrorMessage = execErr.Error()
	case result.IsError:
		invocation.ErrorMessage = result.Content
	}

	userTool := !IsMetaTool(call.Name)
	if userTool {
		r.session.ToolInvocations = append(r.session.ToolInvocations, invocation)
		r.session.ToolInvocationCount++
	}

	r.logger.Info("tool executed",
		"tool", call.Name,
		"success", invocation.Success,
		"session_id", r.session.ID,
		"meta", !userTool)

	content := result.Content
	if execErr != nil {
		content = execErr.Error()
	}
	return ToolCallResult{
		ToolCallID: call.ID,
		Content:    content,
		IsError:    !invocation.Success,
	}, userTool
}

// CreateCheckpoint takes a manual snapshot of the bound session.
func (r *Runtime) CreateCheckpoint(ctx context.Context, name string) (*models.Checkpoint, error) {
	return r.engine.Create(ctx, r.session, name, false, r.userID)
}

// GetConversationHistory returns a copy of the session's conversation.
func (r *Runtime) GetConversationHistory() []models.Message {
	return models.CloneMessages(r.session.ConversationHistory)
}

// GetToolTrack returns a copy of the session's tool track.
func (r *Runtime) GetToolTrack() []models.ToolInvocation {
	return models.CloneInvocations(r.session.ToolInvocations)
}

// RollbackToolsFromTrackIndex reverses all invocations at indices >= pos, in
// reverse order. Failed invocations are skipped; a missing handler marks the
// record irreversible; a handler failure is collected. Nothing aborts the
// batch.
func (r *Runtime) RollbackToolsFromTrackIndex(ctx context.Context, pos int) []ReverseResult {
	_, span := r.tracer.Start(ctx, "agent.RollbackTools",
		trace.WithAttributes(
			attribute.Int64("session.id", r.session.ID),
			attribute.Int("track.position", pos),
		))
	defer span.End()

	results := r.reverse.ReverseTrack(r.session.ToolInvocations, pos)

	r.logger.Info("tool track reversed",
		"session_id", r.session.ID, "from_position", pos, "results", len(results))
	return results
}

func (r *Runtime) persistSession(ctx context.Context) error {
	if err := r.store.InternalSessions.Update(ctx, r.session); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// historyToCompletion converts persisted messages into provider form. System
// entries are dropped; the system prompt travels separately.
func historyToCompletion(history []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, msg := range history {
		if msg.Role == "system" {
			continue
		}
		out = append(out, CompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	return out
}

// Package checkpoint implements snapshot capture over internal sessions:
// creation with tool-track positioning, retrieval, auto-pruning, search, and
// the directional checkpoint diff.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentgit/internal/store"
	"github.com/haasonsaas/agentgit/pkg/models"
)

// ErrCheckpointNotFound indicates the requested checkpoint does not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Engine builds and manages checkpoints on top of the store repositories.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// Options configures an Engine.
type Options struct {
	Store  *store.Store
	Logger *slog.Logger
}

// NewEngine creates a checkpoint engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  opts.Store,
		logger: logger,
		tracer: otel.Tracer("agentgit/checkpoint"),
	}
}

// Create snapshots the session and persists the checkpoint atomically. The
// session's checkpoint count and the owning external session's checkpoint
// total are bumped alongside. An empty name gets a generated one.
func (e *Engine) Create(ctx context.Context, session *models.InternalSession, name string, isAuto bool, userID *int64) (*models.Checkpoint, error) {
	ctx, span := e.tracer.Start(ctx, "checkpoint.Create",
		trace.WithAttributes(
			attribute.Int64("session.id", session.ID),
			attribute.Bool("checkpoint.auto", isAuto),
		))
	defer span.End()

	if name == "" {
		if isAuto {
			name = fmt.Sprintf("auto_checkpoint_turn_%d", session.TurnNumber())
		} else {
			name = fmt.Sprintf("checkpoint_%s", time.Now().UTC().Format("20060102_150405"))
		}
	}

	checkpoint, err := e.store.Checkpoints.Create(ctx, models.NewCheckpoint(session, name, isAuto, userID))
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}

	session.CheckpointCount++
	if err := e.store.InternalSessions.Update(ctx, session); err != nil {
		return nil, fmt.Errorf("bump session checkpoint count: %w", err)
	}
	if err := e.bumpExternalTotal(ctx, session.ExternalSessionID); err != nil {
		return nil, err
	}

	e.logger.Info("checkpoint created",
		"checkpoint_id", checkpoint.ID,
		"session_id", session.ID,
		"name", name,
		"auto", isAuto,
		"tool_track_position", checkpoint.ToolTrackPosition())
	return checkpoint, nil
}

func (e *Engine) bumpExternalTotal(ctx context.Context, externalID int64) error {
	external, err := e.store.ExternalSessions.GetByID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("load external session: %w", err)
	}
	external.TotalCheckpoints++
	if err := e.store.ExternalSessions.Update(ctx, external); err != nil {
		return fmt.Errorf("bump external checkpoint total: %w", err)
	}
	return nil
}

// Get loads a checkpoint by id.
func (e *Engine) Get(ctx context.Context, id int64) (*models.Checkpoint, error) {
	checkpoint, err := e.store.Checkpoints.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrCheckpointNotFound, id)
	}
	return checkpoint, err
}

// List returns checkpoints for a session, newest first.
func (e *Engine) List(ctx context.Context, internalSessionID int64, autoOnly bool) ([]*models.Checkpoint, error) {
	return e.store.Checkpoints.GetByInternalSession(ctx, internalSessionID, autoOnly)
}

// Latest returns the most recent checkpoint for a session.
func (e *Engine) Latest(ctx context.Context, internalSessionID int64) (*models.Checkpoint, error) {
	checkpoint, err := e.store.Checkpoints.GetLatestCheckpoint(ctx, internalSessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %d has no checkpoints", ErrCheckpointNotFound, internalSessionID)
	}
	return checkpoint, err
}

// PruneAuto deletes auto checkpoints beyond the keepLatest most recent.
// Manual checkpoints are never pruned.
func (e *Engine) PruneAuto(ctx context.Context, internalSessionID int64, keepLatest int) (int, error) {
	ctx, span := e.tracer.Start(ctx, "checkpoint.PruneAuto",
		trace.WithAttributes(
			attribute.Int64("session.id", internalSessionID),
			attribute.Int("keep_latest", keepLatest),
		))
	defer span.End()

	deleted, err := e.store.Checkpoints.DeleteAutoCheckpoints(ctx, internalSessionID, keepLatest)
	if err != nil {
		return 0, fmt.Errorf("prune auto checkpoints: %w", err)
	}
	if deleted > 0 {
		e.logger.Info("auto checkpoints pruned",
			"session_id", internalSessionID, "deleted", deleted, "kept", keepLatest)
	}
	return deleted, nil
}

// Counts returns the total/auto/manual checkpoint breakdown for a session.
func (e *Engine) Counts(ctx context.Context, internalSessionID int64) (store.CheckpointCounts, error) {
	return e.store.Checkpoints.CountCheckpoints(ctx, internalSessionID)
}

// Search returns checkpoints whose name contains the term, newest first.
func (e *Engine) Search(ctx context.Context, internalSessionID int64, term string) ([]*models.Checkpoint, error) {
	return e.store.Checkpoints.SearchCheckpoints(ctx, internalSessionID, term)
}

// WithTools returns only checkpoints whose payload captured tool calls.
func (e *Engine) WithTools(ctx context.Context, internalSessionID int64) ([]*models.Checkpoint, error) {
	return e.store.Checkpoints.GetCheckpointsWithTools(ctx, internalSessionID)
}

// MergeMetadata merges the given entries into a checkpoint's metadata.
func (e *Engine) MergeMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	err := e.store.Checkpoints.UpdateCheckpointMetadata(ctx, id, metadata)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: id %d", ErrCheckpointNotFound, id)
	}
	return err
}

// Delete removes a checkpoint by id.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	err := e.store.Checkpoints.Delete(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: id %d", ErrCheckpointNotFound, id)
	}
	return err
}

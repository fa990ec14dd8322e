// Package rollback coordinates checkpoint restoration: best-effort reversal
// of tool effects followed by a guaranteed timeline fork. The conversation is
// always restored even when individual reversals fail.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentgit/internal/agent"
	"github.com/haasonsaas/agentgit/internal/checkpoint"
	"github.com/haasonsaas/agentgit/internal/session"
	"github.com/haasonsaas/agentgit/internal/store"
	"github.com/haasonsaas/agentgit/pkg/models"
)

// ErrWrongSession indicates the checkpoint belongs to a different external
// session than the one being rolled back.
var ErrWrongSession = errors.New("checkpoint does not belong to this session")

// Coordinator performs rollbacks against one store.
type Coordinator struct {
	store    *store.Store
	engine   *checkpoint.Engine
	sessions *session.Manager
	reverse  *agent.ReverseRegistry

	logger *slog.Logger
	tracer trace.Tracer
}

// Options configures a Coordinator. Reverse may be nil, in which case every
// reversible tool is treated as irreversible.
type Options struct {
	Store    *store.Store
	Engine   *checkpoint.Engine
	Sessions *session.Manager
	Reverse  *agent.ReverseRegistry
	Logger   *slog.Logger
}

// NewCoordinator creates a rollback coordinator.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reverse := opts.Reverse
	if reverse == nil {
		reverse = agent.NewReverseRegistry()
	}
	return &Coordinator{
		store:    opts.Store,
		engine:   opts.Engine,
		sessions: opts.Sessions,
		reverse:  reverse,
		logger:   logger,
		tracer:   otel.Tracer("agentgit/rollback"),
	}
}

// Result describes a completed rollback.
type Result struct {
	// Checkpoint is the restoration target.
	Checkpoint *models.Checkpoint `json:"checkpoint"`

	// Session is the new branch, now current for the external session.
	Session *models.InternalSession `json:"session"`

	// Reversals holds the per-invocation reversal outcomes, newest first.
	// Empty when tool reversal was not requested.
	Reversals []agent.ReverseResult `json:"reversals,omitempty"`
}

// Rollback restores an external session to a checkpoint. When rollbackTools
// is set, invocations recorded after the checkpoint's tool track position are
// reversed first, newest to oldest. Reversal failures never abort the
// rollback: the fork and currency swap always complete.
func (c *Coordinator) Rollback(ctx context.Context, externalID, checkpointID int64, rollbackTools bool) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "rollback.Rollback",
		trace.WithAttributes(
			attribute.Int64("session.external_id", externalID),
			attribute.Int64("checkpoint.id", checkpointID),
			attribute.Bool("rollback.tools", rollbackTools),
		))
	defer span.End()

	cp, err := c.engine.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	source, err := c.store.InternalSessions.GetByID(ctx, cp.InternalSessionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint session: %w", err)
	}
	if source.ExternalSessionID != externalID {
		return nil, fmt.Errorf("%w: checkpoint %d", ErrWrongSession, checkpointID)
	}

	var reversals []agent.ReverseResult
	if rollbackTools {
		reversals = c.reverseBeyond(ctx, externalID, cp)
	}

	branch, err := c.sessions.ForkFromCheckpoint(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("fork from checkpoint: %w", err)
	}
	if err := c.sessions.SetCurrent(ctx, branch.ID); err != nil {
		return nil, fmt.Errorf("activate branch: %w", err)
	}
	if err := c.bumpBranchCount(ctx, externalID); err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range reversals {
		if !r.ReversedSuccessfully {
			failed++
		}
	}
	c.logger.Info("rollback complete",
		"external_session_id", externalID,
		"checkpoint_id", checkpointID,
		"branch_id", branch.ID,
		"reversed", len(reversals)-failed,
		"failed", failed)

	return &Result{Checkpoint: cp, Session: branch, Reversals: reversals}, nil
}

// reverseBeyond undoes the current branch's tool invocations recorded after
// the checkpoint. A missing current session means there is nothing to undo.
func (c *Coordinator) reverseBeyond(ctx context.Context, externalID int64, cp *models.Checkpoint) []agent.ReverseResult {
	current, err := c.sessions.Current(ctx, externalID)
	if err != nil {
		c.logger.Warn("no current session to reverse", "external_session_id", externalID, "error", err)
		return nil
	}
	return c.reverse.ReverseTrack(current.ToolInvocations, cp.ToolTrackPosition())
}

func (c *Coordinator) bumpBranchCount(ctx context.Context, externalID int64) error {
	external, err := c.store.ExternalSessions.GetByID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("load external session: %w", err)
	}
	external.BranchCount++
	if err := c.store.ExternalSessions.Update(ctx, external); err != nil {
		return fmt.Errorf("update branch count: %w", err)
	}
	return nil
}

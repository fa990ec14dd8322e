// Package session manages the external-to-internal session tree: creation,
// ownership, forking from checkpoints, current-branch switching, lineage, and
// the branch forest.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/agentgit/internal/store"
	"github.com/haasonsaas/agentgit/pkg/models"
)

// Manager errors.
var (
	// ErrSessionNotFound indicates a session id lookup returned nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrOwnershipViolation indicates a cross-user access attempt.
	ErrOwnershipViolation = errors.New("session not owned by user")

	// ErrSessionLimit indicates the user is at their concurrent session cap.
	ErrSessionLimit = errors.New("session limit reached")
)

// Manager owns the external/internal session tree.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// Options configures a Manager.
type Options struct {
	Store  *store.Store
	Logger *slog.Logger
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  opts.Store,
		logger: logger,
		tracer: otel.Tracer("agentgit/session"),
	}
}

// NewGraphSessionID mints a fresh random 128-bit hex branch identifier.
func NewGraphSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateExternal creates an external session for the user, enforcing the
// per-user session limit and recording the session in the user's active list.
func (m *Manager) CreateExternal(ctx context.Context, userID int64, name string) (*models.ExternalSession, error) {
	user, err := m.store.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	limit := effectiveSessionLimit(user)
	active, err := m.store.ExternalSessions.CountUserSessions(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if active >= limit {
		return nil, fmt.Errorf("%w: %d active of %d allowed", ErrSessionLimit, active, limit)
	}

	external, err := m.store.ExternalSessions.Create(ctx, models.NewExternalSession(userID, name))
	if err != nil {
		return nil, err
	}

	user.AddActiveSession(external.ID)
	if err := m.store.Users.UpdateSessions(ctx, userID, user.ActiveSessionIDs); err != nil {
		return nil, fmt.Errorf("track active session: %w", err)
	}

	m.logger.Info("external session created",
		"external_id", external.ID, "user_id", userID, "name", name)
	return external, nil
}

// effectiveSessionLimit resolves the limit, letting a session_limit
// preference override the column default.
func effectiveSessionLimit(user *models.User) int {
	switch v := user.GetPreference("session_limit").(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	if user.SessionLimit > 0 {
		return user.SessionLimit
	}
	return models.DefaultSessionLimit
}

// CreateInternalOptions parameterizes branch creation.
type CreateInternalOptions struct {
	// GraphSessionID addresses the branch; minted when empty.
	GraphSessionID string
	IsCurrent      bool
	State          map[string]any
	History        []models.Message
	Metadata       map[string]any
}

// CreateInternal creates a branch under an external session. When IsCurrent
// is set the swap clears siblings atomically.
func (m *Manager) CreateInternal(ctx context.Context, externalID int64, opts CreateInternalOptions) (*models.InternalSession, error) {
	if opts.GraphSessionID == "" {
		opts.GraphSessionID = NewGraphSessionID()
	}

	internal, err := m.store.InternalSessions.Create(ctx, &models.InternalSession{
		ExternalSessionID:   externalID,
		GraphSessionID:      opts.GraphSessionID,
		IsCurrent:           opts.IsCurrent,
		SessionState:        opts.State,
		ConversationHistory: opts.History,
		Metadata:            opts.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if err := m.attachToExternal(ctx, externalID, internal.GraphSessionID, opts.IsCurrent); err != nil {
		return nil, err
	}

	m.logger.Info("internal session created",
		"internal_id", internal.ID, "external_id", externalID,
		"graph_session_id", internal.GraphSessionID, "current", opts.IsCurrent)
	return internal, nil
}

// ForkFromCheckpoint allocates a branch seeded from a checkpoint payload:
// deep-copied state, history, and tool track, a fresh graph id, and ancestry
// pointers back to the checkpoint. The branch is not made current here.
func (m *Manager) ForkFromCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) (*models.InternalSession, error) {
	ctx, span := m.tracer.Start(ctx, "session.ForkFromCheckpoint",
		trace.WithAttributes(attribute.Int64("checkpoint.id", checkpoint.ID)))
	defer span.End()

	parent, err := m.store.InternalSessions.GetByID(ctx, checkpoint.InternalSessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: parent session %d", ErrSessionNotFound, checkpoint.InternalSessionID)
	}
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		models.MetaBranchedFrom: checkpoint.CheckpointName,
	}
	internal, err := m.store.InternalSessions.Create(ctx, &models.InternalSession{
		ExternalSessionID:       parent.ExternalSessionID,
		GraphSessionID:          NewGraphSessionID(),
		SessionState:            models.CloneMap(checkpoint.SessionState),
		ConversationHistory:     models.CloneMessages(checkpoint.ConversationHistory),
		ToolInvocations:         models.CloneInvocations(checkpoint.ToolInvocations),
		ToolInvocationCount:     len(checkpoint.ToolInvocations),
		ParentSessionID:         &checkpoint.InternalSessionID,
		BranchPointCheckpointID: &checkpoint.ID,
		Metadata:                metadata,
	})
	if err != nil {
		return nil, err
	}

	if err := m.attachToExternal(ctx, parent.ExternalSessionID, internal.GraphSessionID, false); err != nil {
		return nil, err
	}

	m.logger.Info("session forked from checkpoint",
		"internal_id", internal.ID, "parent_id", parent.ID,
		"checkpoint_id", checkpoint.ID, "graph_session_id", internal.GraphSessionID)
	return internal, nil
}

func (m *Manager) attachToExternal(ctx context.Context, externalID int64, graphSessionID string, current bool) error {
	if err := m.store.ExternalSessions.AddInternalSession(ctx, externalID, graphSessionID); err != nil {
		return fmt.Errorf("attach branch: %w", err)
	}
	if current {
		if err := m.store.ExternalSessions.SetCurrentInternalSession(ctx, externalID, graphSessionID); err != nil {
			return fmt.Errorf("mark branch current: %w", err)
		}
	}
	return nil
}

// SetCurrent atomically makes the given branch the current one within its
// external session.
func (m *Manager) SetCurrent(ctx context.Context, internalID int64) error {
	internal, err := m.store.InternalSessions.GetByID(ctx, internalID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: id %d", ErrSessionNotFound, internalID)
	}
	if err != nil {
		return err
	}

	if err := m.store.InternalSessions.SetCurrentSession(ctx, internalID); err != nil {
		return err
	}
	if err := m.store.ExternalSessions.SetCurrentInternalSession(ctx,
		internal.ExternalSessionID, internal.GraphSessionID); err != nil {
		return err
	}

	m.logger.Info("current branch switched",
		"internal_id", internalID, "external_id", internal.ExternalSessionID)
	return nil
}

// Current returns the current branch of an external session.
func (m *Manager) Current(ctx context.Context, externalID int64) (*models.InternalSession, error) {
	internal, err := m.store.InternalSessions.GetCurrentSession(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: external session %d has no current branch", ErrSessionNotFound, externalID)
	}
	return internal, err
}

// Lineage returns the ancestry path root -> session, inclusive.
func (m *Manager) Lineage(ctx context.Context, internalID int64) ([]*models.InternalSession, error) {
	lineage, err := m.store.InternalSessions.GetSessionLineage(ctx, internalID)
	if err != nil {
		return nil, err
	}
	if len(lineage) == 0 {
		return nil, fmt.Errorf("%w: id %d", ErrSessionNotFound, internalID)
	}
	return lineage, nil
}

// BranchTree returns the branch forest of an external session: root sessions
// with nested children, children ordered by creation.
func (m *Manager) BranchTree(ctx context.Context, externalID int64) ([]*models.BranchNode, error) {
	sessions, err := m.store.InternalSessions.GetByExternalSession(ctx, externalID)
	if err != nil {
		return nil, err
	}

	// Oldest first so children appear in creation order.
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	nodes := make(map[int64]*models.BranchNode, len(sessions))
	for _, s := range sessions {
		nodes[s.ID] = &models.BranchNode{Session: s}
	}

	var roots []*models.BranchNode
	for _, s := range sessions {
		node := nodes[s.ID]
		if s.ParentSessionID != nil {
			if parent, ok := nodes[*s.ParentSessionID]; ok {
				node.Depth = parent.Depth + 1
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		// Roots, and orphans whose parent was deleted.
		roots = append(roots, node)
	}
	return roots, nil
}

// RequireOwnership verifies the external session belongs to the user.
func (m *Manager) RequireOwnership(ctx context.Context, externalID, userID int64) error {
	owned, err := m.store.ExternalSessions.CheckOwnership(ctx, externalID, userID)
	if err != nil {
		return err
	}
	if !owned {
		return fmt.Errorf("%w: external session %d, user %d", ErrOwnershipViolation, externalID, userID)
	}
	return nil
}

// Deactivate soft-deletes an external session and drops it from the user's
// active list.
func (m *Manager) Deactivate(ctx context.Context, externalID int64) error {
	external, err := m.store.ExternalSessions.GetByID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: external session %d", ErrSessionNotFound, externalID)
	}
	if err != nil {
		return err
	}

	if err := m.store.ExternalSessions.Deactivate(ctx, externalID); err != nil {
		return err
	}
	if _, err := m.store.Users.CleanupInactiveSessions(ctx, external.UserID); err != nil {
		return fmt.Errorf("untrack deactivated session: %w", err)
	}
	return nil
}

// DeleteExternal hard-deletes an external session and every descendant branch
// and checkpoint.
func (m *Manager) DeleteExternal(ctx context.Context, externalID int64) error {
	external, err := m.store.ExternalSessions.GetByID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: external session %d", ErrSessionNotFound, externalID)
	}
	if err != nil {
		return err
	}

	if err := m.store.ExternalSessions.Delete(ctx, externalID); err != nil {
		return err
	}
	if _, err := m.store.Users.CleanupInactiveSessions(ctx, external.UserID); err != nil {
		return fmt.Errorf("untrack deleted session: %w", err)
	}

	m.logger.Info("external session deleted", "external_id", externalID)
	return nil
}

package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentgit/internal/store"
	"github.com/haasonsaas/agentgit/pkg/models"
)

type managerFixture struct {
	store   *store.Store
	manager *Manager
	user    *models.User
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	ctx := context.Background()

	cfg := store.DefaultConfig()
	cfg.URL = filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	user := models.NewUser("tester")
	user.SetPassword("pw")
	user, err = s.Users.Save(ctx, user)
	require.NoError(t, err)

	return &managerFixture{
		store:   s,
		manager: NewManager(Options{Store: s}),
		user:    user,
	}
}

func (f *managerFixture) checkpointFor(t *testing.T, session *models.InternalSession, name string) *models.Checkpoint {
	t.Helper()
	cp, err := f.store.Checkpoints.Create(context.Background(),
		models.NewCheckpoint(session, name, false, &f.user.ID))
	require.NoError(t, err)
	return cp
}

func TestNewGraphSessionID(t *testing.T) {
	a := NewGraphSessionID()
	b := NewGraphSessionID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "-")
}

func TestCreateExternalEnforcesLimit(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Users.UpdatePreferences(ctx, f.user.ID, map[string]any{"session_limit": 2}))

	for i, name := range []string{"one", "two"} {
		external, err := f.manager.CreateExternal(ctx, f.user.ID, name)
		require.NoError(t, err, "session %d", i)
		assert.NotZero(t, external.ID)
	}

	_, err := f.manager.CreateExternal(ctx, f.user.ID, "three")
	assert.ErrorIs(t, err, ErrSessionLimit)

	// The user's active list tracks what was created.
	ids, err := f.store.Users.GetSessions(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestCreateInternalMintsGraphID(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	external, err := f.manager.CreateExternal(ctx, f.user.ID, "chat")
	require.NoError(t, err)

	internal, err := f.manager.CreateInternal(ctx, external.ID, CreateInternalOptions{IsCurrent: true})
	require.NoError(t, err)
	assert.Len(t, internal.GraphSessionID, 32)

	// The external session records the branch and the current pointer.
	loaded, err := f.store.ExternalSessions.GetByID(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{internal.GraphSessionID}, loaded.GraphSessionIDs)
	assert.Equal(t, internal.GraphSessionID, loaded.CurrentGraphSessionID)
}

func TestForkFromCheckpoint(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	external, err := f.manager.CreateExternal(ctx, f.user.ID, "chat")
	require.NoError(t, err)
	root, err := f.manager.CreateInternal(ctx, external.ID, CreateInternalOptions{IsCurrent: true})
	require.NoError(t, err)

	root.SessionState = map[string]any{"step": 2}
	root.ConversationHistory = []models.Message{
		models.NewMessage("user", "create a file"),
		models.NewMessage("assistant", "created"),
	}
	root.ToolInvocations = []models.ToolInvocation{
		{ToolName: "create_file", Args: map[string]any{"name": "a.txt"}, Success: true, Timestamp: time.Now().UTC()},
	}
	cp := f.checkpointFor(t, root, "after-create")

	fork, err := f.manager.ForkFromCheckpoint(ctx, cp)
	require.NoError(t, err)

	assert.True(t, fork.IsBranch())
	require.NotNil(t, fork.ParentSessionID)
	assert.Equal(t, root.ID, *fork.ParentSessionID)
	require.NotNil(t, fork.BranchPointCheckpointID)
	assert.Equal(t, cp.ID, *fork.BranchPointCheckpointID)
	assert.Equal(t, "after-create", fork.Metadata[models.MetaBranchedFrom])
	assert.NotEqual(t, root.GraphSessionID, fork.GraphSessionID)

	// The fork inherits the checkpoint's exact tool-track prefix.
	require.Len(t, fork.ToolInvocations, 1)
	assert.Equal(t, "create_file", fork.ToolInvocations[0].ToolName)
	assert.Equal(t, 1, fork.ToolInvocationCount)
	assert.Len(t, fork.ConversationHistory, 2)

	// Deep copy: mutating the fork's state must not touch the payload.
	fork.SessionState["step"] = 99
	assert.Equal(t, float64(2), toFloat(cp.SessionState["step"]))

	// Forking does not steal currency.
	assert.False(t, fork.IsCurrent)
	current, err := f.manager.Current(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, current.ID)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return -1
}

func TestSetCurrentSwapsAtomically(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	external, err := f.manager.CreateExternal(ctx, f.user.ID, "chat")
	require.NoError(t, err)
	first, err := f.manager.CreateInternal(ctx, external.ID, CreateInternalOptions{IsCurrent: true})
	require.NoError(t, err)
	second, err := f.manager.CreateInternal(ctx, external.ID, CreateInternalOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.SetCurrent(ctx, second.ID))

	current, err := f.manager.Current(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	demoted, err := f.store.InternalSessions.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, demoted.IsCurrent)

	loaded, err := f.store.ExternalSessions.GetByID(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, second.GraphSessionID, loaded.CurrentGraphSessionID)

	assert.ErrorIs(t, f.manager.SetCurrent(ctx, 99999), ErrSessionNotFound)
}

func TestLineageAndBranchTree(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	external, err := f.manager.CreateExternal(ctx, f.user.ID, "chat")
	require.NoError(t, err)
	root, err := f.manager.CreateInternal(ctx, external.ID, CreateInternalOptions{IsCurrent: true})
	require.NoError(t, err)

	cp := f.checkpointFor(t, root, "base")
	child, err := f.manager.ForkFromCheckpoint(ctx, cp)
	require.NoError(t, err)

	childCp := f.checkpointFor(t, child, "child-base")
	grandchild, err := f.manager.ForkFromCheckpoint(ctx, childCp)
	require.NoError(t, err)
	sibling, err := f.manager.ForkFromCheckpoint(ctx, cp)
	require.NoError(t, err)

	lineage, err := f.manager.Lineage(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, root.ID, lineage[0].ID)
	assert.Equal(t, child.ID, lineage[1].ID)
	assert.Equal(t, grandchild.ID, lineage[2].ID)

	forest, err := f.manager.BranchTree(ctx, external.ID)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	rootNode := forest[0]
	assert.Equal(t, root.ID, rootNode.Session.ID)
	assert.Zero(t, rootNode.Depth)
	require.Len(t, rootNode.Children, 2)
	assert.Equal(t, child.ID, rootNode.Children[0].Session.ID)
	assert.Equal(t, sibling.ID, rootNode.Children[1].Session.ID)
	assert.Equal(t, 1, rootNode.Children[0].Depth)
	require.Len(t, rootNode.Children[0].Children, 1)
	assert.Equal(t, grandchild.ID, rootNode.Children[0].Children[0].Session.ID)
	assert.Equal(t, 2, rootNode.Children[0].Children[0].Depth)
}

func TestRequireOwnership(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	external, err := f.manager.CreateExternal(ctx, f.user.ID, "chat")
	require.NoError(t, err)

	other := models.NewUser("other")
	other.SetPassword("pw")
	other, err = f.store.Users.Save(ctx, other)
	require.NoError(t, err)

	assert.NoError(t, f.manager.RequireOwnership(ctx, external.ID, f.user.ID))
	assert.ErrorIs(t, f.manager.RequireOwnership(ctx, external.ID, other.ID), ErrOwnershipViolation)
}

func TestDeactivateAndDelete(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	keep, err := f.manager.CreateExternal(ctx, f.user.ID, "keep")
	require.NoError(t, err)
	drop, err := f.manager.CreateExternal(ctx, f.user.ID, "drop")
	require.NoError(t, err)

	require.NoError(t, f.manager.Deactivate(ctx, drop.ID))

	ids, err := f.store.Users.GetSessions(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{keep.ID}, ids)

	require.NoError(t, f.manager.DeleteExternal(ctx, keep.ID))
	_, err = f.store.ExternalSessions.GetByID(ctx, keep.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, f.manager.DeleteExternal(ctx, keep.ID), ErrSessionNotFound)
}

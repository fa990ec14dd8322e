package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/agentgit/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createUser(t *testing.T, s *Store, username string) *models.User {
	t.Helper()
	user := models.NewUser(username)
	user.SetPassword("pw")
	saved, err := s.Users.Save(context.Background(), user)
	require.NoError(t, err)
	require.NotZero(t, saved.ID)
	return saved
}

func createExternal(t *testing.T, s *Store, userID int64, name string) *models.ExternalSession {
	t.Helper()
	session, err := s.ExternalSessions.Create(context.Background(), models.NewExternalSession(userID, name))
	require.NoError(t, err)
	return session
}

func createInternal(t *testing.T, s *Store, externalID int64, graphID string, current bool) *models.InternalSession {
	t.Helper()
	session, err := s.InternalSessions.Create(context.Background(), &models.InternalSession{
		ExternalSessionID: externalID,
		GraphSessionID:    graphID,
		IsCurrent:         current,
		SessionState:      map[string]any{},
	})
	require.NoError(t, err)
	return session
}

func TestOpenProvisionsRootUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root, err := s.Users.FindByUsername(ctx, RootUsername)
	require.NoError(t, err)
	assert.True(t, root.IsAdmin)
	assert.True(t, root.VerifyPassword("1234"))

	// Re-running init is a no-op.
	again, err := s.EnsureRootUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, root.ID, again.ID)
}

func TestUserSaveAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "alice")
	assert.False(t, user.CreatedAt.IsZero())

	found, err := s.Users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", found.Username)

	_, err = s.Users.FindByID(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)

	// Duplicate usernames violate the unique index.
	_, err = s.Users.Save(ctx, models.NewUser("alice"))
	assert.ErrorIs(t, err, ErrConflict)

	// Update path.
	found.IsAdmin = true
	_, err = s.Users.Save(ctx, found)
	require.NoError(t, err)
	updated, err := s.Users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, updated.IsAdmin)
}

func TestUserAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "bob")
	require.NoError(t, s.Users.UpdateAPIKey(ctx, user.ID, "sk-test-key"))

	found, err := s.Users.FindByAPIKey(ctx, "sk-test-key")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	// Clearing the key removes it from lookup.
	require.NoError(t, s.Users.UpdateAPIKey(ctx, user.ID, ""))
	_, err = s.Users.FindByAPIKey(ctx, "sk-test-key")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Users.FindByAPIKey(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Users.UpdateAPIKey(ctx, 99999, "sk-x"), ErrNotFound)
}

func TestUserPreferencesMergeAndValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "carol")
	require.NoError(t, s.Users.UpdatePreferences(ctx, user.ID, map[string]any{"theme": "dark"}))
	require.NoError(t, s.Users.UpdatePreferences(ctx, user.ID, map[string]any{"lang": "en"}))

	found, err := s.Users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "dark", found.Preferences["theme"])
	assert.Equal(t, "en", found.Preferences["lang"])

	err = s.Users.UpdatePreferences(ctx, user.ID, map[string]any{"session_limit": 0})
	assert.ErrorIs(t, err, ErrValidation)
	err = s.Users.UpdatePreferences(ctx, user.ID, map[string]any{"session_limit": "many"})
	assert.ErrorIs(t, err, ErrValidation)
	err = s.Users.UpdatePreferences(ctx, user.ID, map[string]any{"session_limit": 10})
	assert.NoError(t, err)
}

func TestUserSessionBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "dave")
	active := createExternal(t, s, user.ID, "active")
	stale := createExternal(t, s, user.ID, "stale")

	require.NoError(t, s.Users.UpdateSessions(ctx, user.ID, []int64{active.ID, stale.ID, 424242}))
	ids, err := s.Users.GetSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{active.ID, stale.ID, 424242}, ids)

	require.NoError(t, s.ExternalSessions.Deactivate(ctx, stale.ID))

	removed, err := s.Users.CleanupInactiveSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed) // deactivated + nonexistent

	ids, err = s.Users.GetSessions(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{active.ID}, ids)
}

func TestExternalSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "erin")
	session := createExternal(t, s, user.ID, "chat one")
	assert.True(t, session.IsActive)

	// Update bumps updated_at.
	before := session.UpdatedAt
	time.Sleep(2 * time.Millisecond)
	session.SessionName = "renamed"
	require.NoError(t, s.ExternalSessions.Update(ctx, session))
	assert.True(t, session.UpdatedAt.After(before))

	found, err := s.ExternalSessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", found.SessionName)

	// Soft deactivation hides from active-only listings.
	other := createExternal(t, s, user.ID, "chat two")
	require.NoError(t, s.ExternalSessions.Deactivate(ctx, other.ID))

	activeOnly, err := s.ExternalSessions.GetUserSessions(ctx, user.ID, true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, session.ID, activeOnly[0].ID)

	all, err := s.ExternalSessions.GetUserSessions(ctx, user.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := s.ExternalSessions.CountUserSessions(ctx, user.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	owned, err := s.ExternalSessions.CheckOwnership(ctx, session.ID, user.ID)
	require.NoError(t, err)
	assert.True(t, owned)
	owned, err = s.ExternalSessions.CheckOwnership(ctx, session.ID, 99999)
	require.NoError(t, err)
	assert.False(t, owned)
}

func TestExternalSessionGraphBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "frank")
	session := createExternal(t, s, user.ID, "chat")
	internal := createInternal(t, s, session.ID, "graph-1", true)

	require.NoError(t, s.ExternalSessions.AddInternalSession(ctx, session.ID, internal.GraphSessionID))
	require.NoError(t, s.ExternalSessions.AddInternalSession(ctx, session.ID, internal.GraphSessionID)) // idempotent
	require.NoError(t, s.ExternalSessions.SetCurrentInternalSession(ctx, session.ID, internal.GraphSessionID))

	found, err := s.ExternalSessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"graph-1"}, found.GraphSessionIDs)
	assert.Equal(t, "graph-1", found.CurrentGraphSessionID)

	err = s.ExternalSessions.SetCurrentInternalSession(ctx, session.ID, "graph-unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	resolved, err := s.ExternalSessions.GetByInternalSession(ctx, "graph-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, resolved.ID)
}

func TestInternalSessionCurrentUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "grace")
	external := createExternal(t, s, user.ID, "chat")

	first := createInternal(t, s, external.ID, "graph-a", true)
	second := createInternal(t, s, external.ID, "graph-b", true)

	// Creating a second current session demotes the first.
	current, err := s.InternalSessions.GetCurrentSession(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	all, err := s.InternalSessions.GetByExternalSession(ctx, external.ID)
	require.NoError(t, err)
	currentCount := 0
	for _, sess := range all {
		if sess.IsCurrent {
			currentCount++
		}
	}
	assert.Equal(t, 1, currentCount)

	// Explicit swap back.
	require.NoError(t, s.InternalSessions.SetCurrentSession(ctx, first.ID))
	current, err = s.InternalSessions.GetCurrentSession(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, current.ID)

	assert.ErrorIs(t, s.InternalSessions.SetCurrentSession(ctx, 99999), ErrNotFound)
}

func TestInternalSessionBranchValidation(t *testing.T) {
	s := newTestStore(t)

	user := createUser(t, s, "heidi")
	external := createExternal(t, s, user.ID, "chat")
	parent := createInternal(t, s, external.ID, "graph-root", true)

	// parent pointer without a branch point is rejected.
	_, err := s.InternalSessions.Create(context.Background(), &models.InternalSession{
		ExternalSessionID: external.ID,
		GraphSessionID:    "graph-bad",
		ParentSessionID:   &parent.ID,
	})
	assert.ErrorIs(t, err, ErrValidation)

	// Duplicate graph ids are conflicts.
	_, err = s.InternalSessions.Create(context.Background(), &models.InternalSession{
		ExternalSessionID: external.ID,
		GraphSessionID:    "graph-root",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestInternalSessionLineage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "ivan")
	external := createExternal(t, s, user.ID, "chat")

	root := createInternal(t, s, external.ID, "graph-0", true)
	cp, err := s.Checkpoints.Create(ctx, models.NewCheckpoint(root, "base", false, nil))
	require.NoError(t, err)

	child, err := s.InternalSessions.Create(ctx, &models.InternalSession{
		ExternalSessionID:       external.ID,
		GraphSessionID:          "graph-1",
		ParentSessionID:         &root.ID,
		BranchPointCheckpointID: &cp.ID,
	})
	require.NoError(t, err)

	grandchild, err := s.InternalSessions.Create(ctx, &models.InternalSession{
		ExternalSessionID:       external.ID,
		GraphSessionID:          "graph-2",
		ParentSessionID:         &child.ID,
		BranchPointCheckpointID: &cp.ID,
	})
	require.NoError(t, err)

	lineage, err := s.InternalSessions.GetSessionLineage(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, root.ID, lineage[0].ID)
	assert.Equal(t, child.ID, lineage[1].ID)
	assert.Equal(t, grandchild.ID, lineage[2].ID)

	branches, err := s.InternalSessions.GetBranchSessions(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, child.ID, branches[0].ID)

	n, err := s.InternalSessions.CountSessions(ctx, external.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestParentDeletionNullsAncestry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "judy")
	external := createExternal(t, s, user.ID, "chat")
	root := createInternal(t, s, external.ID, "graph-0", true)
	cp, err := s.Checkpoints.Create(ctx, models.NewCheckpoint(root, "base", false, nil))
	require.NoError(t, err)

	child, err := s.InternalSessions.Create(ctx, &models.InternalSession{
		ExternalSessionID:       external.ID,
		GraphSessionID:          "graph-1",
		ParentSessionID:         &root.ID,
		BranchPointCheckpointID: &cp.ID,
	})
	require.NoError(t, err)

	// Deleting the parent orphans the child's ancestry pointer but keeps
	// the child row.
	require.NoError(t, s.InternalSessions.Delete(ctx, root.ID))

	orphan, err := s.InternalSessions.GetByID(ctx, child.ID)
	require.NoError(t, err)
	assert.Nil(t, orphan.ParentSessionID)
	// The checkpoint rode down with its owning session, nulling the
	// branch point too.
	assert.Nil(t, orphan.BranchPointCheckpointID)
}

func TestUpdateToolCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "kim")
	external := createExternal(t, s, user.ID, "chat")
	session := createInternal(t, s, external.ID, "graph-0", true)

	require.NoError(t, s.InternalSessions.UpdateToolCount(ctx, session.ID, 2))
	require.NoError(t, s.InternalSessions.UpdateToolCount(ctx, session.ID, 1))

	found, err := s.InternalSessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, found.ToolInvocationCount)
}

func TestToolTrackRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "quinn")
	external := createExternal(t, s, user.ID, "chat")
	session := createInternal(t, s, external.ID, "graph-0", true)

	session.ToolInvocations = []models.ToolInvocation{
		{ToolName: "create_file", Args: map[string]any{"name": "a.txt"}, Success: true},
		{ToolName: "send_email", Args: map[string]any{"to": "x@y"}, Success: false},
	}
	session.ToolInvocationCount = 2
	require.NoError(t, s.InternalSessions.Update(ctx, session))

	found, err := s.InternalSessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, found.ToolInvocations, 2)
	assert.Equal(t, "create_file", found.ToolInvocations[0].ToolName)
	assert.Equal(t, "a.txt", found.ToolInvocations[0].Args["name"])
	assert.True(t, found.ToolInvocations[0].Success)
	assert.False(t, found.ToolInvocations[1].Success)
}

func TestCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := createUser(t, s, "leo")
	external := createExternal(t, s, user.ID, "chat")
	session := createInternal(t, s, external.ID, "graph-0", true)
	cp, err := s.Checkpoints.Create(ctx, models.NewCheckpoint(session, "snap", false, &user.ID))
	require.NoError(t, err)

	// Deleting the external session removes descendants.
	require.NoError(t, s.ExternalSessions.Delete(ctx, external.ID))

	_, err = s.InternalSessions.GetByID(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Checkpoints.GetByID(ctx, cp.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserDeleteNullsCheckpointOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := createUser(t, s, "mallory")
	keeper := createUser(t, s, "nick")
	external := createExternal(t, s, keeper.ID, "chat")
	session := createInternal(t, s, external.ID, "graph-0", true)

	cp, err := s.Checkpoints.Create(ctx, models.NewCheckpoint(session, "snap", false, &owner.ID))
	require.NoError(t, err)

	require.NoError(t, s.Users.Delete(ctx, owner.ID))

	found, err := s.Checkpoints.GetByID(ctx, cp.ID)
	require.NoError(t, err)
	assert.Nil(t, found.UserID)
}

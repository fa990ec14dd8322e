package checkpoint

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

type engineFixture struct {
	store    *store.Store
	engine   *Engine
	external *models.ExternalSession
	session  *models.InternalSession
}

func newEngineFixture(t *testing.T) *engineFixture {
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

	external, err := s.ExternalSessions.Create(ctx, models.NewExternalSession(user.ID, "chat"))
	require.NoError(t, err)

	session, err := s.InternalSessions.Create(ctx, &models.InternalSession{
		ExternalSessionID: external.ID,
		GraphSessionID:    "graph-0",
		IsCurrent:         true,
		SessionState:      map[string]any{"step": 0},
	})
	require.NoError(t, err)

	return &engineFixture{
		store:    s,
		engine:   NewEngine(Options{Store: s}),
		external: external,
		session:  session,
	}
}

func TestEngineCreateBumpsCounters(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.session.ConversationHistory = []models.Message{
		models.NewMessage("user", "make a file"),
		models.NewMessage("assistant", "done"),
	}
	f.session.ToolInvocations = []models.ToolInvocation{
		{ToolName: "create_file", Args: map[string]any{"name": "a.txt"}, Success: true, Timestamp: time.Now().UTC()},
	}

	cp, err := f.engine.Create(ctx, f.session, "after-create", false, nil)
	require.NoError(t, err)
	assert.NotZero(t, cp.ID)
	assert.Equal(t, 1, cp.ToolTrackPosition())

	session, err := f.store.InternalSessions.GetByID(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, session.CheckpointCount)

	external, err := f.store.ExternalSessions.GetByID(ctx, f.external.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, external.TotalCheckpoints)
}

func TestEngineCreateGeneratesNames(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	auto, err := f.engine.Create(ctx, f.session, "", true, nil)
	require.NoError(t, err)
	assert.Contains(t, auto.CheckpointName, "auto_checkpoint_turn_")

	manual, err := f.engine.Create(ctx, f.session, "", false, nil)
	require.NoError(t, err)
	assert.Contains(t, manual.CheckpointName, "checkpoint_")
}

func TestEngineCreatedAtCoherence(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cp, err := f.engine.Create(ctx, f.session, "coherent", false, nil)
	require.NoError(t, err)

	// The payload stored in the JSON column carries the exact column value.
	var payload string
	err = f.store.DB().QueryRowContext(ctx,
		`SELECT checkpoint_data FROM checkpoints WHERE id = ?`, cp.ID).Scan(&payload)
	require.NoError(t, err)

	var decoded models.Checkpoint
	require.NoError(t, decoded.UnmarshalPayload([]byte(payload)))

	loaded, err := f.engine.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.True(t, decoded.CreatedAt.Equal(loaded.CreatedAt),
		"payload created_at %v != column created_at %v", decoded.CreatedAt, loaded.CreatedAt)
}

func TestEngineGetNotFound(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Get(context.Background(), 99999)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	_, err = f.engine.Latest(context.Background(), f.session.ID)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestEngineListOrderAndLatest(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	var ids []int64
	for _, name := range []string{"one", "two", "three"} {
		cp, err := f.engine.Create(ctx, f.session, name, false, nil)
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	list, err := f.engine.List(ctx, f.session.ID, false)
	require.NoError(t, err)
	require.Len(t, list, 3)
	// Newest first; id breaks timestamp ties.
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)

	latest, err := f.engine.Latest(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[2], latest.ID)
}

func TestEnginePruneAuto(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Create(ctx, f.session, "manual", false, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.engine.Create(ctx, f.session, "", true, nil)
		require.NoError(t, err)
	}

	deleted, err := f.engine.PruneAuto(ctx, f.session.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	list, err := f.engine.List(ctx, f.session.ID, false)
	require.NoError(t, err)
	assert.Len(t, list, 3) // one manual plus the two newest autos

	counts, err := f.engine.Counts(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Auto)
	assert.Equal(t, 1, counts.Manual)

	// Fewer autos than keep_latest is a no-op.
	deleted, err = f.engine.PruneAuto(ctx, f.session.ID, 10)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// keep_latest=0 drops every auto checkpoint.
	deleted, err = f.engine.PruneAuto(ctx, f.session.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	autos, err := f.engine.List(ctx, f.session.ID, true)
	require.NoError(t, err)
	assert.Empty(t, autos)
}

func TestEngineSearchAndMetadata(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	cp, err := f.engine.Create(ctx, f.session, "before-refactor", false, nil)
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, f.session, "release", false, nil)
	require.NoError(t, err)

	found, err := f.engine.Search(ctx, f.session.ID, "refactor")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, cp.ID, found[0].ID)

	require.NoError(t, f.engine.MergeMetadata(ctx, cp.ID, map[string]any{"pinned": true}))
	loaded, err := f.engine.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, true, loaded.Metadata["pinned"])
	// Existing metadata keys survive the merge.
	assert.Contains(t, loaded.Metadata, models.MetaToolTrackPosition)

	assert.ErrorIs(t, f.engine.MergeMetadata(ctx, 99999, map[string]any{"x": 1}), ErrCheckpointNotFound)
}

func TestEngineWithToolsFilter(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Create(ctx, f.session, "empty", false, nil)
	require.NoError(t, err)

	f.session.ToolInvocations = []models.ToolInvocation{{ToolName: "create_file", Success: true}}
	withTools, err := f.engine.Create(ctx, f.session, "tooled", false, nil)
	require.NoError(t, err)

	list, err := f.engine.WithTools(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, withTools.ID, list[0].ID)
}

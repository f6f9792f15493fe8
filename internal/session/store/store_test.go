package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairdev/pairdev/internal/db"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

func sampleSession(id string) *v1.Session {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sandboxID := "sbx-1"
	return &v1.Session{
		ID:                  id,
		LinkedWorkSessionID: "ws-" + id,
		SandboxID:           &sandboxID,
		Users: []v1.User{
			{ID: "alice", DisplayName: "Alice", Color: "#ff0000", JoinedAt: base,
				Cursor: &v1.Cursor{File: "main.go", Line: 10, Column: 2}},
			{ID: "bob", DisplayName: "Bob", Color: "#00ff00", JoinedAt: base.Add(time.Minute)},
		},
		Clients: []v1.Client{
			{ID: "c1", UserID: "alice", Type: v1.ClientWeb, ConnectedAt: base, LastActivity: base},
			{ID: "c2", UserID: "bob", Type: v1.ClientSlack, ConnectedAt: base.Add(time.Minute), LastActivity: base.Add(time.Minute)},
		},
		PromptQueue: []v1.Prompt{
			{ID: "p2", SessionID: id, UserID: "bob", Content: "fix the test", Status: v1.PromptQueued,
				Priority: v1.PriorityUrgent, CreatedAt: base.Add(2 * time.Minute)},
			{ID: "p1", SessionID: id, UserID: "alice", Content: "add a feature", Status: v1.PromptQueued,
				Priority: v1.PriorityNormal, CreatedAt: base.Add(time.Minute)},
		},
		State: v1.SessionState{
			GitSyncStatus: v1.GitSyncSynced,
			AgentStatus:   v1.AgentIdle,
			Version:       7,
		},
		CreatedAt: base,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	session := sampleSession("s1")
	require.NoError(t, s.Set(ctx, session))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session, got)

	// Mutating the original after Set must not leak into the store.
	session.Users[0].DisplayName = "Mallory"
	got2, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got2.Users[0].DisplayName)

	// Mutating a returned copy must not leak either.
	got2.State.Version = 99
	got3, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got3.State.Version)
}

func TestMemoryStoreDeleteAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, sampleSession("s1")))
	require.NoError(t, s.Set(ctx, sampleSession("s2")))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ok, err := s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := s.Has(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Clear(ctx))
	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, sampleSession("s1")), ErrClosed)
	_, err = s.Delete(ctx, "s1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.All(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Close(), ErrClosed)
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")

	pool, err := db.OpenSQLitePool(path)
	require.NoError(t, err)

	s, err := NewSQLStore(context.Background(), pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	session := sampleSession("s1")
	startedAt := session.CreatedAt.Add(3 * time.Minute)
	session.ActivePrompt = &v1.Prompt{
		ID: "p0", SessionID: "s1", UserID: "alice", Content: "running now",
		Status: v1.PromptExecuting, Priority: v1.PriorityNormal,
		CreatedAt: session.CreatedAt, StartedAt: &startedAt,
	}
	require.NoError(t, s.Set(ctx, session))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, session.LinkedWorkSessionID, got.LinkedWorkSessionID)
	require.NotNil(t, got.SandboxID)
	assert.Equal(t, "sbx-1", *got.SandboxID)
	assert.Equal(t, session.State, got.State)

	require.Len(t, got.Users, 2)
	assert.Equal(t, "alice", got.Users[0].ID) // joined first
	require.NotNil(t, got.Users[0].Cursor)
	assert.Equal(t, "main.go", got.Users[0].Cursor.File)
	assert.Nil(t, got.Users[1].Cursor)

	require.Len(t, got.Clients, 2)
	assert.Equal(t, "c1", got.Clients[0].ID) // connected first

	// Prompts come back ordered urgent-first, then by queue time.
	require.Len(t, got.PromptQueue, 2)
	assert.Equal(t, "p2", got.PromptQueue[0].ID)
	assert.Equal(t, "p1", got.PromptQueue[1].ID)

	require.NotNil(t, got.ActivePrompt)
	assert.Equal(t, "p0", got.ActivePrompt.ID)
	assert.Equal(t, v1.PromptExecuting, got.ActivePrompt.Status)
	require.NotNil(t, got.ActivePrompt.StartedAt)
	assert.True(t, got.ActivePrompt.StartedAt.Equal(startedAt))
}

func TestSQLStoreSetReplacesChildren(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	session := sampleSession("s1")
	require.NoError(t, s.Set(ctx, session))

	// Drop a user and drain the queue, then write again.
	session.Users = session.Users[:1]
	session.PromptQueue = nil
	session.State.Version++
	require.NoError(t, s.Set(ctx, session))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Users, 1)
	assert.Empty(t, got.PromptQueue)
	assert.Equal(t, session.State.Version, got.State.Version)
}

func TestSQLStoreDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.Set(ctx, sampleSession("s1")))
	require.NoError(t, s.Set(ctx, sampleSession("s2")))

	ok, err := s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Other sessions keep their children.
	got, err := s.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, got.Users, 2)
	assert.Len(t, got.PromptQueue, 2)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

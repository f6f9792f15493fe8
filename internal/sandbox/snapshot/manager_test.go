package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairdev/pairdev/internal/common/config"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events/bus"
	"github.com/pairdev/pairdev/internal/sandbox"
	"github.com/pairdev/pairdev/internal/sandbox/local"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

func newManager(t *testing.T) (*Manager, *local.Provider) {
	t.Helper()
	provider := local.NewProvider(10*time.Second, logger.Default())
	eventBus := bus.NewMemoryEventBus(logger.Default())
	m := New(provider, config.SnapshotConfig{TTLHours: 24, SweepInterval: 300}, eventBus, logger.Default())
	t.Cleanup(func() {
		m.Stop()
		_ = provider.Close()
		eventBus.Close()
	})
	return m, provider
}

func createSandbox(t *testing.T, provider *local.Provider) *v1.Sandbox {
	t.Helper()
	sb, err := provider.Create(context.Background(), sandbox.CreateInput{
		Repository: "https://github.com/acme/api",
		Branch:     "main",
	})
	require.NoError(t, err)
	return sb
}

func TestCreateAndRestore(t *testing.T) {
	m, provider := newManager(t)
	sb := createSandbox(t, provider)

	snap, err := m.Create(context.Background(), sb.ID, "sess-1", "abc123", true, 0)
	require.NoError(t, err)
	assert.Equal(t, sb.ID, snap.SandboxID)
	assert.Equal(t, "abc123", snap.GitCommit)
	assert.True(t, snap.HasUncommittedChanges)
	assert.WithinDuration(t, snap.CreatedAt.Add(24*time.Hour), snap.ExpiresAt, time.Second)
	assert.True(t, m.HasValid("sess-1"))

	restored, err := m.Restore(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.NotEqual(t, sb.ID, restored.ID)

	// Restore consumes the snapshot.
	assert.False(t, m.HasValid("sess-1"))
	again, err := m.Restore(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCreateSupersedesPriorCurrent(t *testing.T) {
	m, provider := newManager(t)
	sb := createSandbox(t, provider)

	first, err := m.Create(context.Background(), sb.ID, "sess-1", "commit-1", false, 0)
	require.NoError(t, err)
	second, err := m.Create(context.Background(), sb.ID, "sess-1", "commit-2", false, 0)
	require.NoError(t, err)

	_, err = m.Get(first.ID)
	assert.Error(t, err)

	snaps := m.List("sess-1")
	require.Len(t, snaps, 1)
	assert.Equal(t, second.ID, snaps[0].ID)
	assert.Equal(t, "commit-2", snaps[0].GitCommit)
}

func TestRestoreExpiredReturnsAbsent(t *testing.T) {
	m, provider := newManager(t)
	sb := createSandbox(t, provider)

	_, err := m.Create(context.Background(), sb.ID, "sess-1", "abc", false, time.Minute)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.False(t, m.HasValid("sess-1"))

	restored, err := m.Restore(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, restored)
}

func TestDelete(t *testing.T) {
	m, provider := newManager(t)
	sb := createSandbox(t, provider)

	snap, err := m.Create(context.Background(), sb.ID, "sess-1", "abc", false, 0)
	require.NoError(t, err)

	assert.True(t, m.Delete(context.Background(), snap.ID))
	assert.False(t, m.Delete(context.Background(), snap.ID))
	assert.False(t, m.HasValid("sess-1"))
}

func TestDeleteExpired(t *testing.T) {
	m, provider := newManager(t)
	sb := createSandbox(t, provider)

	_, err := m.Create(context.Background(), sb.ID, "sess-1", "abc", false, time.Minute)
	require.NoError(t, err)
	keep, err := m.Create(context.Background(), sb.ID, "sess-2", "def", false, time.Hour)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	assert.Equal(t, 1, m.DeleteExpired())

	remaining := m.List("")
	require.Len(t, remaining, 1)
	assert.Equal(t, keep.ID, remaining[0].ID)
}

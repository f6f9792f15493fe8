package lifecycle

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
	"github.com/pairdev/pairdev/internal/sandbox/snapshot"
	"github.com/pairdev/pairdev/internal/sandbox/warmpool"
	"github.com/pairdev/pairdev/internal/session/manager"
	"github.com/pairdev/pairdev/internal/session/store"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

type fixture struct {
	lifecycle *Lifecycle
	sessions  *manager.Manager
	snapshots *snapshot.Manager
	provider  *local.Provider
	bus       *bus.MemoryEventBus
}

func newFixture(t *testing.T, cfg config.LifecycleConfig) *fixture {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	provider := local.NewProvider(10*time.Second, log)
	sessions := manager.NewManager(store.NewMemoryStore(), eventBus, config.SessionConfig{
		MaxUsersPerSession: 10,
		MaxClientsPerUser:  5,
		MaxPrompts:         50,
		AllowReorder:       true,
		LockTimeout:        300,
	}, log)
	snapshots := snapshot.New(provider, config.SnapshotConfig{TTLHours: 24, SweepInterval: 300}, eventBus, log)
	pool := warmpool.New(provider, config.WarmPoolConfig{
		MaxPerKey:     3,
		TTLMinutes:    30,
		WarmTimeout:   30,
		HighWaterMark: 0, // no background warmups in tests
	}, eventBus, log)

	l := New(sessions, snapshots, pool, provider, eventBus, cfg, log)
	require.NoError(t, l.Start())
	t.Cleanup(func() {
		l.Stop()
		pool.Stop()
		snapshots.Stop()
		sessions.Close()
		_ = provider.Close()
		eventBus.Close()
	})
	return &fixture{lifecycle: l, sessions: sessions, snapshots: snapshots, provider: provider, bus: eventBus}
}

func defaultConfig() config.LifecycleConfig {
	return config.LifecycleConfig{AutoTerminate: true, MinWorkDuration: 5, SyncOnRestore: true}
}

func (f *fixture) createBoundSession(t *testing.T, sessionID string) *v1.Sandbox {
	t.Helper()
	ctx := context.Background()
	_, err := f.sessions.Create(ctx, manager.CreateInput{ID: sessionID, LinkedWorkSessionID: "work-" + sessionID})
	require.NoError(t, err)
	sb, err := f.provider.Create(ctx, sandbox.CreateInput{Repository: "https://github.com/acme/api", Branch: "main"})
	require.NoError(t, err)
	require.NoError(t, f.sessions.BindSandbox(ctx, sessionID, &sb.ID))
	return sb
}

func (f *fixture) setAgentStatus(t *testing.T, sessionID string, status v1.AgentActivity) {
	t.Helper()
	_, err := f.sessions.UpdateState(context.Background(), sessionID, manager.StatePatch{AgentStatus: &status})
	require.NoError(t, err)
}

func TestSnapshotAndResume(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	sb := f.createBoundSession(t, "sess-1")

	// Control the clock so the work span passes minWorkDuration.
	start := time.Now()
	f.lifecycle.now = func() time.Time { return start }

	f.setAgentStatus(t, "sess-1", v1.AgentExecuting)
	require.Eventually(t, func() bool {
		f.lifecycle.mu.Lock()
		defer f.lifecycle.mu.Unlock()
		return f.lifecycle.spans["sess-1"] != nil
	}, 2*time.Second, 5*time.Millisecond)
	f.lifecycle.MarkChanges("sess-1")

	f.lifecycle.now = func() time.Time { return start.Add(10 * time.Second) }
	f.setAgentStatus(t, "sess-1", v1.AgentIdle)

	// Snapshot created, sandbox terminated and unbound.
	require.Eventually(t, func() bool {
		return f.snapshots.HasValid("sess-1")
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		session, err := f.sessions.Get(ctx, "sess-1")
		return err == nil && session.SandboxID == nil
	}, 2*time.Second, 5*time.Millisecond)
	_, err := f.provider.Get(ctx, sb.ID)
	assert.Error(t, err)

	// Follow-up prompt restores from the snapshot.
	newID, err := f.lifecycle.OnFollowUpPrompt(ctx, "sess-1", "https://github.com/acme/api", "main", "proj-1")
	require.NoError(t, err)
	assert.NotEqual(t, sb.ID, newID)

	session, err := f.sessions.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, session.SandboxID)
	assert.Equal(t, newID, *session.SandboxID)
	assert.False(t, f.snapshots.HasValid("sess-1"))
}

func TestShortWorkDoesNotSnapshot(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.createBoundSession(t, "sess-1")

	start := time.Now()
	f.lifecycle.now = func() time.Time { return start }
	f.setAgentStatus(t, "sess-1", v1.AgentThinking)
	require.Eventually(t, func() bool {
		f.lifecycle.mu.Lock()
		defer f.lifecycle.mu.Unlock()
		return f.lifecycle.spans["sess-1"] != nil
	}, 2*time.Second, 5*time.Millisecond)
	f.lifecycle.MarkChanges("sess-1")

	// Back to idle after 2s of work: below the 5s minimum.
	f.lifecycle.now = func() time.Time { return start.Add(2 * time.Second) }
	f.setAgentStatus(t, "sess-1", v1.AgentIdle)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.snapshots.HasValid("sess-1"))
}

func TestNoChangesDoesNotSnapshot(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.createBoundSession(t, "sess-1")

	start := time.Now()
	f.lifecycle.now = func() time.Time { return start }
	f.setAgentStatus(t, "sess-1", v1.AgentExecuting)
	require.Eventually(t, func() bool {
		f.lifecycle.mu.Lock()
		defer f.lifecycle.mu.Unlock()
		return f.lifecycle.spans["sess-1"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	f.lifecycle.now = func() time.Time { return start.Add(10 * time.Second) }
	f.setAgentStatus(t, "sess-1", v1.AgentIdle)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.snapshots.HasValid("sess-1"))
}

func TestLockAcquireMarksChanges(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.createBoundSession(t, "sess-1")
	_, err := f.sessions.Join(ctx, "sess-1", manager.JoinInput{UserID: "u1", DisplayName: "Ada"})
	require.NoError(t, err)

	start := time.Now()
	f.lifecycle.now = func() time.Time { return start }
	f.setAgentStatus(t, "sess-1", v1.AgentExecuting)
	require.Eventually(t, func() bool {
		f.lifecycle.mu.Lock()
		defer f.lifecycle.mu.Unlock()
		return f.lifecycle.spans["sess-1"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.sessions.AcquireLock(ctx, "sess-1", "u1"))
	require.Eventually(t, func() bool {
		f.lifecycle.mu.Lock()
		defer f.lifecycle.mu.Unlock()
		s := f.lifecycle.spans["sess-1"]
		return s != nil && s.hasChanges
	}, 2*time.Second, 5*time.Millisecond)

	f.lifecycle.now = func() time.Time { return start.Add(10 * time.Second) }
	f.setAgentStatus(t, "sess-1", v1.AgentIdle)
	require.Eventually(t, func() bool {
		return f.snapshots.HasValid("sess-1")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFollowUpFallsBackToFreshCreate(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, err := f.sessions.Create(ctx, manager.CreateInput{ID: "sess-1", LinkedWorkSessionID: "work-1"})
	require.NoError(t, err)

	// No snapshot, empty pool: a fresh sandbox is created and bound.
	id, err := f.lifecycle.OnFollowUpPrompt(ctx, "sess-1", "https://github.com/acme/api", "main", "proj-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sb, err := f.provider.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", sb.ProjectID)

	session, err := f.sessions.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, session.SandboxID)
	assert.Equal(t, id, *session.SandboxID)
}

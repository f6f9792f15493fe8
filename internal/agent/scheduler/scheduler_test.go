package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairdev/pairdev/internal/agent/spawner"
	"github.com/pairdev/pairdev/internal/common/config"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events/bus"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrent: 2,
		MaxQueued:     10,
		MaxPerSession: 3,
		InitTimeout:   5,
		RunTimeout:    5,
		AutoProcess:   true,
	}
}

func newScheduler(t *testing.T, cfg config.SchedulerConfig, callbacks Callbacks) *Scheduler {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	sp := spawner.New(eventBus, logger.Default())
	s := New(sp, cfg, callbacks, logger.Default())
	t.Cleanup(func() {
		s.Stop()
		eventBus.Close()
	})
	return s
}

func instantCallbacks() Callbacks {
	return Callbacks{
		Initialize: func(_ context.Context, _ *v1.Agent) (string, error) {
			return "sbx-1", nil
		},
		Run: func(_ context.Context, _ *v1.Agent) (string, error) {
			return "done", nil
		},
	}
}

func spawnInput(session string) spawner.SpawnInput {
	return spawner.SpawnInput{ParentSessionID: session, Task: "run the linters"}
}

func waitTerminal(t *testing.T, s *Scheduler, id string) *v1.Agent {
	t.Helper()
	var agent *v1.Agent
	require.Eventually(t, func() bool {
		var err error
		agent, err = s.Get(id)
		return err == nil && agent.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return agent
}

func TestHappyPath(t *testing.T) {
	s := newScheduler(t, testConfig(), instantCallbacks())

	agent, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.NoError(t, err)

	final := waitTerminal(t, s, agent.ID)
	assert.Equal(t, v1.AgentCompleted, final.Status)
	assert.Equal(t, "done", final.Output)
	require.NotNil(t, final.SandboxID)
	assert.Equal(t, "sbx-1", *final.SandboxID)
}

func TestQueueFullRejection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueued = 2
	cfg.MaxPerSession = 100
	cfg.AutoProcess = false // keep everything queued
	s := newScheduler(t, cfg, instantCallbacks())

	for i := 0; i < 2; i++ {
		_, err := s.Spawn(context.Background(), spawnInput("sess-1"))
		require.NoError(t, err)
	}
	_, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindResourceExhausted))
}

func TestSessionLimitRejection(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPerSession = 2
	cfg.AutoProcess = false
	s := newScheduler(t, cfg, instantCallbacks())

	for i := 0; i < 2; i++ {
		_, err := s.Spawn(context.Background(), spawnInput("sess-1"))
		require.NoError(t, err)
	}
	_, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindResourceExhausted))

	// Another session is unaffected.
	_, err = s.Spawn(context.Background(), spawnInput("sess-2"))
	assert.NoError(t, err)
}

func TestConcurrencyCapHeld(t *testing.T) {
	var inFlight, peak int64
	release := make(chan struct{})
	callbacks := Callbacks{
		Initialize: func(_ context.Context, _ *v1.Agent) (string, error) {
			return "sbx", nil
		},
		Run: func(ctx context.Context, _ *v1.Agent) (string, error) {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			defer atomic.AddInt64(&inFlight, -1)
			select {
			case <-release:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	cfg.MaxPerSession = 10
	s := newScheduler(t, cfg, callbacks)

	var ids []string
	for i := 0; i < 5; i++ {
		agent, err := s.Spawn(context.Background(), spawnInput("sess-1"))
		require.NoError(t, err)
		ids = append(ids, agent.ID)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&inFlight) == 2
	}, 5*time.Second, 5*time.Millisecond)
	stats := s.Stats()
	assert.LessOrEqual(t, stats.Running+stats.Initializing, 2)

	close(release)
	for _, id := range ids {
		final := waitTerminal(t, s, id)
		assert.Equal(t, v1.AgentCompleted, final.Status)
	}
	assert.LessOrEqual(t, int(atomic.LoadInt64(&peak)), 2)
}

func TestInitializeFailure(t *testing.T) {
	callbacks := instantCallbacks()
	callbacks.Initialize = func(_ context.Context, _ *v1.Agent) (string, error) {
		return "", apperrors.Transient("image pull failed", nil)
	}
	s := newScheduler(t, testConfig(), callbacks)

	agent, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.NoError(t, err)

	final := waitTerminal(t, s, agent.ID)
	assert.Equal(t, v1.AgentFailed, final.Status)
	assert.Contains(t, final.Error, "image pull failed")
}

func TestRunTimeoutFails(t *testing.T) {
	callbacks := instantCallbacks()
	callbacks.Run = func(ctx context.Context, _ *v1.Agent) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	cfg := testConfig()
	cfg.RunTimeout = 1
	s := newScheduler(t, cfg, callbacks)

	agent, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.NoError(t, err)

	final := waitTerminal(t, s, agent.ID)
	assert.Equal(t, v1.AgentFailed, final.Status)
	assert.Contains(t, final.Error, "timed out")
}

func TestCancelWhileRunning(t *testing.T) {
	started := make(chan struct{})
	callbacks := instantCallbacks()
	callbacks.Run = func(ctx context.Context, _ *v1.Agent) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	s := newScheduler(t, testConfig(), callbacks)

	agent, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.NoError(t, err)
	<-started

	assert.True(t, s.Cancel(context.Background(), agent.ID))
	final := waitTerminal(t, s, agent.ID)
	assert.Equal(t, v1.AgentCancelled, final.Status)
	assert.Empty(t, final.Output)

	// Idempotence: second cancel reports false.
	assert.False(t, s.Cancel(context.Background(), agent.ID))
}

func TestCancelWhileQueuedSkipsExecution(t *testing.T) {
	var initCount int64
	blockFirst := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	callbacks := Callbacks{
		Initialize: func(_ context.Context, agent *v1.Agent) (string, error) {
			atomic.AddInt64(&initCount, 1)
			return "sbx", nil
		},
		Run: func(ctx context.Context, _ *v1.Agent) (string, error) {
			once.Do(func() { close(started) })
			select {
			case <-blockFirst:
				return "ok", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	s := newScheduler(t, cfg, callbacks)

	first, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.NoError(t, err)
	<-started
	second, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.NoError(t, err)

	require.True(t, s.Cancel(context.Background(), second.ID))
	close(blockFirst)

	finalFirst := waitTerminal(t, s, first.ID)
	assert.Equal(t, v1.AgentCompleted, finalFirst.Status)
	finalSecond := waitTerminal(t, s, second.ID)
	assert.Equal(t, v1.AgentCancelled, finalSecond.Status)

	// Only the first agent ever initialized.
	assert.Equal(t, int64(1), atomic.LoadInt64(&initCount))
}

func TestCancelDuringInitializeDropsSandbox(t *testing.T) {
	initStarted := make(chan struct{})
	callbacks := Callbacks{
		Initialize: func(ctx context.Context, _ *v1.Agent) (string, error) {
			close(initStarted)
			<-ctx.Done()
			// Late success after cancellation.
			return "sbx-late", nil
		},
		Run: func(_ context.Context, _ *v1.Agent) (string, error) {
			return "should never run", nil
		},
	}
	s := newScheduler(t, testConfig(), callbacks)

	agent, err := s.Spawn(context.Background(), spawnInput("sess-1"))
	require.NoError(t, err)
	<-initStarted

	require.True(t, s.Cancel(context.Background(), agent.ID))
	final := waitTerminal(t, s, agent.ID)
	assert.Equal(t, v1.AgentCancelled, final.Status)
	assert.Nil(t, final.SandboxID)
	assert.Empty(t, final.Output)
}

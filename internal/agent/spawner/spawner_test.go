package spawner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events/bus"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

func newSpawner(t *testing.T) (*Spawner, *bus.MemoryEventBus) {
	t.Helper()
	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	return New(eventBus, logger.Default()), eventBus
}

func spawn(t *testing.T, s *Spawner) *v1.Agent {
	t.Helper()
	agent, err := s.Spawn(context.Background(), SpawnInput{
		ParentSessionID: "sess-1",
		WorkSessionID:   "work-1",
		Task:            "refactor the parser",
	})
	require.NoError(t, err)
	return agent
}

func TestSpawnValidation(t *testing.T) {
	s, _ := newSpawner(t)

	_, err := s.Spawn(context.Background(), SpawnInput{ParentSessionID: "sess-1"})
	assert.Error(t, err)
	_, err = s.Spawn(context.Background(), SpawnInput{Task: "do things"})
	assert.Error(t, err)

	agent := spawn(t, s)
	assert.Equal(t, v1.AgentQueued, agent.Status)
	assert.Equal(t, "sess-1", agent.ParentSessionID)
}

func TestHappyPathTransitions(t *testing.T) {
	s, _ := newSpawner(t)
	agent := spawn(t, s)
	ctx := context.Background()

	require.True(t, s.StartInitializing(ctx, agent.ID))
	require.True(t, s.StartRunning(ctx, agent.ID, "sbx-1"))
	require.True(t, s.Complete(ctx, agent.ID, "all done"))

	got, err := s.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentCompleted, got.Status)
	assert.Equal(t, "all done", got.Output)
	require.NotNil(t, got.SandboxID)
	assert.Equal(t, "sbx-1", *got.SandboxID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	s, _ := newSpawner(t)
	agent := spawn(t, s)
	ctx := context.Background()

	// queued cannot run or complete directly.
	assert.False(t, s.StartRunning(ctx, agent.ID, "sbx-1"))
	assert.False(t, s.Complete(ctx, agent.ID, "nope"))

	require.True(t, s.StartInitializing(ctx, agent.ID))
	assert.False(t, s.Complete(ctx, agent.ID, "still initializing"))

	require.True(t, s.StartRunning(ctx, agent.ID, "sbx-1"))
	require.True(t, s.Fail(ctx, agent.ID, "boom"))

	// Terminal states are absorbing.
	assert.False(t, s.StartRunning(ctx, agent.ID, "sbx-2"))
	assert.False(t, s.Cancel(ctx, agent.ID))

	got, err := s.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestCancelWinsOverInitializing(t *testing.T) {
	s, _ := newSpawner(t)
	agent := spawn(t, s)
	ctx := context.Background()

	require.True(t, s.StartInitializing(ctx, agent.ID))
	require.True(t, s.Cancel(ctx, agent.ID))

	// A late initialize result must not resurrect the agent.
	assert.False(t, s.StartRunning(ctx, agent.ID, "sbx-late"))

	got, err := s.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentCancelled, got.Status)
	assert.Nil(t, got.SandboxID)
}

func TestCancelIdempotent(t *testing.T) {
	s, _ := newSpawner(t)
	agent := spawn(t, s)

	assert.True(t, s.Cancel(context.Background(), agent.ID))
	assert.False(t, s.Cancel(context.Background(), agent.ID))
}

func TestOneEventPerTransition(t *testing.T) {
	s, eventBus := newSpawner(t)

	var mu sync.Mutex
	var types []string
	_, err := eventBus.Subscribe("background.>", func(_ context.Context, event *bus.Event) error {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	agent := spawn(t, s)
	ctx := context.Background()
	require.True(t, s.StartInitializing(ctx, agent.ID))
	require.True(t, s.StartRunning(ctx, agent.ID, "sbx-1"))
	require.True(t, s.Complete(ctx, agent.ID, "ok"))
	// Invalid transition emits nothing.
	require.False(t, s.Fail(ctx, agent.ID, "late"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"background.spawned",
		"background.initializing",
		"background.running",
		"background.completed",
	}, types)
}

func TestListAndClearTerminated(t *testing.T) {
	s, _ := newSpawner(t)
	ctx := context.Background()

	a := spawn(t, s)
	b := spawn(t, s)
	other, err := s.Spawn(ctx, SpawnInput{ParentSessionID: "sess-2", Task: "other work"})
	require.NoError(t, err)

	assert.Len(t, s.List(""), 3)
	assert.Len(t, s.List("sess-1"), 2)
	assert.Equal(t, 2, s.CountNonTerminal("sess-1"))

	require.True(t, s.Cancel(ctx, a.ID))
	assert.Equal(t, 1, s.CountNonTerminal("sess-1"))

	assert.Equal(t, 1, s.ClearTerminated())
	_, err = s.Get(a.ID)
	assert.Error(t, err)
	_, err = s.Get(b.ID)
	assert.NoError(t, err)
	_, err = s.Get(other.ID)
	assert.NoError(t, err)
}

package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairdev/pairdev/internal/common/logger"
)

const waitFor = 2 * time.Second

func newBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return b
}

// collector accumulates delivered events for assertions. Delivery is
// asynchronous, so tests poll via require.Eventually.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(_ context.Context, event *Event) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func TestSessionEventCarriesSessionID(t *testing.T) {
	event := NewSessionEvent(context.Background(), "multiplayer.state.changed",
		"session-manager", "sess-1", map[string]interface{}{
			"git_sync_status": "synced",
		})

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "multiplayer.state.changed", event.Type)
	assert.Equal(t, "session-manager", event.Source)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Second)
	// No span recording in tests, so trace fields stay empty.
	assert.Empty(t, event.TraceID)
	assert.Empty(t, event.SpanID)
}

func TestFailureData(t *testing.T) {
	data := FailureData(errors.New("sandbox unreachable"))
	assert.Equal(t, "error", data["exception.type"])
	assert.Equal(t, "sandbox unreachable", data["exception.message"])
}

func TestPublishReachesExactSubject(t *testing.T) {
	b := newBus(t)
	got := &collector{}
	_, err := b.Subscribe("prompt.added", got.handler)
	require.NoError(t, err)

	event := NewSessionEvent(context.Background(), "prompt.added", "prompt-queue",
		"sess-1", map[string]interface{}{"prompt_id": "p1"})
	require.NoError(t, b.Publish(context.Background(), "prompt.added", event))

	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, 10*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, "p1", got.events[0].Data["prompt_id"])
	assert.Equal(t, "sess-1", got.events[0].SessionID)
}

func TestSingleTokenWildcard(t *testing.T) {
	b := newBus(t)
	got := &collector{}
	_, err := b.Subscribe("warmpool.*", got.handler)
	require.NoError(t, err)

	ctx := context.Background()
	for _, subject := range []string{"warmpool.claimed", "warmpool.miss", "warmpool.expired"} {
		require.NoError(t, b.Publish(ctx, subject, NewEvent(subject, "warm-pool", nil)))
	}
	// Two tokens past the star: must not match.
	require.NoError(t, b.Publish(ctx, "warmpool.key.replenished",
		NewEvent("warmpool.key.replenished", "warm-pool", nil)))

	require.Eventually(t, func() bool { return got.count() == 3 }, waitFor, 10*time.Millisecond)
	assert.ElementsMatch(t,
		[]string{"warmpool.claimed", "warmpool.miss", "warmpool.expired"}, got.types())
}

func TestMultiTokenWildcard(t *testing.T) {
	b := newBus(t)
	got := &collector{}
	_, err := b.Subscribe("multiplayer.>", got.handler)
	require.NoError(t, err)

	ctx := context.Background()
	matching := []string{
		"multiplayer.user.joined",
		"multiplayer.lock.acquired",
		"multiplayer.state.changed",
	}
	for _, subject := range matching {
		require.NoError(t, b.Publish(ctx, subject, NewEvent(subject, "session-manager", nil)))
	}
	require.NoError(t, b.Publish(ctx, "background.completed",
		NewEvent("background.completed", "agent-spawner", nil)))

	require.Eventually(t, func() bool { return got.count() == 3 }, waitFor, 10*time.Millisecond)
	assert.ElementsMatch(t, matching, got.types())
}

func TestAllSubscribersReceiveFanOut(t *testing.T) {
	b := newBus(t)
	collectors := make([]*collector, 3)
	for i := range collectors {
		collectors[i] = &collector{}
		_, err := b.Subscribe("snapshot.created", collectors[i].handler)
		require.NoError(t, err)
	}

	event := NewSessionEvent(context.Background(), "snapshot.created",
		"snapshot-manager", "sess-1", map[string]interface{}{"snapshot_id": "snap-1"})
	require.NoError(t, b.Publish(context.Background(), "snapshot.created", event))

	require.Eventually(t, func() bool {
		for _, c := range collectors {
			if c.count() != 1 {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
}

func TestErroringSubscriberDoesNotAffectOthers(t *testing.T) {
	b := newBus(t)
	_, err := b.Subscribe("background.failed", func(context.Context, *Event) error {
		return errors.New("handler exploded")
	})
	require.NoError(t, err)

	healthy := &collector{}
	_, err = b.Subscribe("background.failed", healthy.handler)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "background.failed",
			NewEvent("background.failed", "agent-spawner", FailureData(errors.New("task crashed")))))
	}

	require.Eventually(t, func() bool { return healthy.count() == 3 }, waitFor, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus(t)
	got := &collector{}
	sub, err := b.Subscribe("client.connected", got.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "client.connected",
		NewEvent("client.connected", "session-manager", nil)))
	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, 10*time.Millisecond)

	assert.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "client.connected",
		NewEvent("client.connected", "session-manager", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.count())
}

func TestQueueGroupDeliversToOneSubscriber(t *testing.T) {
	b := newBus(t)
	var delivered int32
	for i := 0; i < 3; i++ {
		_, err := b.QueueSubscribe("background.spawned", "schedulers",
			func(context.Context, *Event) error {
				atomic.AddInt32(&delivered, 1)
				return nil
			})
		require.NoError(t, err)
	}

	const published = 6
	for i := 0; i < published; i++ {
		require.NoError(t, b.Publish(context.Background(), "background.spawned",
			NewEvent("background.spawned", "agent-scheduler", nil)))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&delivered) == published
	}, waitFor, 10*time.Millisecond)
	// Each event reached exactly one group member, never all three.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(published), atomic.LoadInt32(&delivered))
}

func TestRequestReply(t *testing.T) {
	b := newBus(t)
	_, err := b.Subscribe("sandbox.executed", func(ctx context.Context, event *Event) error {
		reply, _ := event.Data["_reply"].(string)
		response := NewEvent("sandbox.executed.result", "sandbox-provider",
			map[string]interface{}{"exit_code": 0})
		return b.Publish(ctx, reply, response)
	})
	require.NoError(t, err)

	request := NewEvent("sandbox.executed", "agent-scheduler",
		map[string]interface{}{"command": "make test"})
	response, err := b.Request(context.Background(), "sandbox.executed", request, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "sandbox.executed.result", response.Type)
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := newBus(t)
	_, err := b.Request(context.Background(), "sandbox.executed",
		NewEvent("sandbox.executed", "agent-scheduler", nil), 50*time.Millisecond)
	assert.Error(t, err)
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	assert.True(t, b.IsConnected())

	sub, err := b.Subscribe("system.stopping", func(context.Context, *Event) error { return nil })
	require.NoError(t, err)

	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "system.stopping",
		NewEvent("system.stopping", "orchestrator", nil))
	assert.Error(t, err)
	_, err = b.Subscribe("system.started", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := newBus(t)
	var received int32

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Subscribe("prompt.>", func(context.Context, *Event) error {
				atomic.AddInt32(&received, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	const published = 20
	for i := 0; i < published; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Publish(context.Background(), "prompt.started",
				NewEvent("prompt.started", "prompt-queue", nil)))
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == published*4
	}, waitFor, 10*time.Millisecond)
}

// Package scheduler admits and dispatches background agents over a
// spawner, bounded by global and per-session caps. Initialization and
// execution are delegated to caller-supplied callbacks raced against
// the configured timeouts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/agent/spawner"
	"github.com/pairdev/pairdev/internal/common/config"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// Callbacks supply the agent's actual work. Both receive a context
// that is cancelled on timeout or agent cancellation and must return
// promptly once it fires.
type Callbacks struct {
	// Initialize provisions the agent's sandbox and returns its id.
	Initialize func(ctx context.Context, agent *v1.Agent) (sandboxID string, err error)

	// Run executes the agent task and returns its output.
	Run func(ctx context.Context, agent *v1.Agent) (output string, err error)
}

// Stats is a point-in-time census of agent states.
type Stats struct {
	Queued       int `json:"queued"`
	Initializing int `json:"initializing"`
	Running      int `json:"running"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`
}

// Scheduler wraps a Spawner with admission control and a
// work-conserving, non-reentrant dispatcher.
type Scheduler struct {
	spawner   *spawner.Spawner
	cfg       config.SchedulerConfig
	callbacks Callbacks
	log       *logger.Logger

	mu         sync.Mutex
	queue      []string // FIFO of queued agent ids
	active     map[string]struct{}
	cancels    map[string]context.CancelFunc
	processing bool
	pending    bool
	closed     bool

	wg sync.WaitGroup
}

// New creates a scheduler over the given spawner.
func New(sp *spawner.Spawner, cfg config.SchedulerConfig, callbacks Callbacks, log *logger.Logger) *Scheduler {
	return &Scheduler{
		spawner:   sp,
		cfg:       cfg,
		callbacks: callbacks,
		log:       log.WithComponent("agent-scheduler"),
		active:    make(map[string]struct{}),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Spawn admits a new agent. Rejections carry ResourceExhausted: the
// global queue cap and the per-session non-terminal cap both apply.
func (s *Scheduler) Spawn(ctx context.Context, input spawner.SpawnInput) (*v1.Agent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.Internal("scheduler is shut down")
	}
	if len(s.queue) >= s.cfg.MaxQueued {
		s.mu.Unlock()
		return nil, apperrors.ResourceExhausted("agent queue is full")
	}
	if s.spawner.CountNonTerminal(input.ParentSessionID) >= s.cfg.MaxPerSession {
		s.mu.Unlock()
		return nil, apperrors.ResourceExhausted("session agent limit reached")
	}
	s.mu.Unlock()

	agent, err := s.spawner.Spawn(ctx, input)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queue = append(s.queue, agent.ID)
	s.mu.Unlock()

	if s.cfg.AutoProcess {
		s.Process()
	}
	return agent, nil
}

// Process schedules a dispatcher pass. Safe to call from anywhere; a
// pass already in flight absorbs the request.
func (s *Scheduler) Process() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.processing {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.processing = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch()
}

// dispatch fills free concurrency slots from the FIFO queue. Exactly
// one dispatch runs at a time.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 || len(s.active) >= s.cfg.MaxConcurrent {
			s.processing = false
			rerun := s.pending && !s.closed
			s.pending = false
			s.mu.Unlock()
			if rerun {
				s.Process()
			}
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		s.active[id] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.execute(id)
	}
}

// execute drives one agent through initialize and run.
func (s *Scheduler) execute(id string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		delete(s.cancels, id)
		s.mu.Unlock()
		s.Process()
	}()
	ctx := context.Background()

	// Cancelled while queued.
	if !s.spawner.StartInitializing(ctx, id) {
		return
	}
	agent, err := s.spawner.Get(id)
	if err != nil {
		return
	}

	sandboxID, err := s.runWithTimeout(id, time.Duration(s.cfg.InitTimeout)*time.Second, func(cctx context.Context) (string, error) {
		return s.callbacks.Initialize(cctx, agent)
	})
	if err != nil {
		// Fail is a no-op when the agent was cancelled mid-flight.
		s.spawner.Fail(ctx, id, err.Error())
		return
	}
	if !s.spawner.StartRunning(ctx, id, sandboxID) {
		// Cancel won the race; the sandbox is dropped, not bound.
		s.log.Info("Agent cancelled during initialization",
			zap.String("agent_id", id),
			zap.String("sandbox_id", sandboxID))
		return
	}

	// Re-read so the run callback sees the bound sandbox.
	agent, err = s.spawner.Get(id)
	if err != nil {
		return
	}
	output, err := s.runWithTimeout(id, time.Duration(s.cfg.RunTimeout)*time.Second, func(cctx context.Context) (string, error) {
		return s.callbacks.Run(cctx, agent)
	})
	if err != nil {
		s.spawner.Fail(ctx, id, err.Error())
		return
	}
	s.spawner.Complete(ctx, id, output)
}

// runWithTimeout races fn against the timeout, registering the cancel
// func so Cancel(id) can interrupt the callback.
func (s *Scheduler) runWithTimeout(id string, timeout time.Duration, fn func(ctx context.Context) (string, error)) (string, error) {
	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", apperrors.Internal("scheduler is shut down")
	}
	s.cancels[id] = cancel
	s.mu.Unlock()

	result, err := fn(cctx)
	if cctx.Err() == context.DeadlineExceeded {
		return "", apperrors.Timeout("agent callback timed out after " + timeout.String())
	}
	if err != nil {
		return "", err
	}
	return result, nil
}

// Cancel moves the agent to cancelled from any non-terminal state and
// signals any in-flight callback context. Returns false when already
// terminal or unknown.
func (s *Scheduler) Cancel(ctx context.Context, id string) bool {
	ok := s.spawner.Cancel(ctx, id)
	if !ok {
		return false
	}

	s.mu.Lock()
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	cancel := s.cancels[id]
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// Get returns an agent by id.
func (s *Scheduler) Get(id string) (*v1.Agent, error) {
	return s.spawner.Get(id)
}

// List returns agents, optionally filtered by parent session.
func (s *Scheduler) List(parentSessionID string) []*v1.Agent {
	return s.spawner.List(parentSessionID)
}

// Stats counts agents by state.
func (s *Scheduler) Stats() Stats {
	var stats Stats
	for _, agent := range s.spawner.List("") {
		switch agent.Status {
		case v1.AgentQueued:
			stats.Queued++
		case v1.AgentInitializing:
			stats.Initializing++
		case v1.AgentRunning:
			stats.Running++
		case v1.AgentCompleted:
			stats.Completed++
		case v1.AgentFailed:
			stats.Failed++
		case v1.AgentCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

// Stop cancels in-flight callbacks and waits for workers to drain.
// Queued agents stay queued; they are not cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}

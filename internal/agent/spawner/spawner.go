// Package spawner tracks background agents as a pure state machine.
// It enforces transition validity only; admission control (concurrency
// and per-session caps) belongs to the scheduler wrapping it.
package spawner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events"
	"github.com/pairdev/pairdev/internal/events/bus"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// validTransitions is the closed agent state machine. Terminal states
// have no successors.
var validTransitions = map[v1.AgentState][]v1.AgentState{
	v1.AgentQueued:       {v1.AgentInitializing, v1.AgentCancelled},
	v1.AgentInitializing: {v1.AgentRunning, v1.AgentFailed, v1.AgentCancelled},
	v1.AgentRunning:      {v1.AgentCompleted, v1.AgentFailed, v1.AgentCancelled},
	v1.AgentCompleted:    {},
	v1.AgentFailed:       {},
	v1.AgentCancelled:    {},
}

func transitionAllowed(from, to v1.AgentState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SpawnInput describes a new background agent.
type SpawnInput struct {
	ParentSessionID string
	WorkSessionID   string
	Task            string
	Repository      string
	Branch          string
}

// TransitionOpts carries optional data recorded with a transition.
type TransitionOpts struct {
	SandboxID *string
	Error     string
	Output    string
}

var eventForState = map[v1.AgentState]string{
	v1.AgentInitializing: events.AgentInitializing,
	v1.AgentRunning:      events.AgentRunning,
	v1.AgentCompleted:    events.AgentCompleted,
	v1.AgentFailed:       events.AgentFailed,
	v1.AgentCancelled:    events.AgentCancelled,
}

// Spawner owns the agent records. Safe for concurrent use.
type Spawner struct {
	bus bus.EventBus
	log *logger.Logger

	mu     sync.Mutex
	agents map[string]*v1.Agent

	now func() time.Time
}

// New creates a spawner.
func New(eventBus bus.EventBus, log *logger.Logger) *Spawner {
	return &Spawner{
		bus:    eventBus,
		log:    log.WithComponent("agent-spawner"),
		agents: make(map[string]*v1.Agent),
		now:    time.Now,
	}
}

// Spawn registers a new agent in the queued state.
func (s *Spawner) Spawn(ctx context.Context, input SpawnInput) (*v1.Agent, error) {
	if input.Task == "" {
		return nil, apperrors.ValidationError("task", "task must not be empty")
	}
	if input.ParentSessionID == "" {
		return nil, apperrors.ValidationError("parentSessionID", "parent session is required")
	}

	agent := &v1.Agent{
		ID:              uuid.New().String(),
		ParentSessionID: input.ParentSessionID,
		WorkSessionID:   input.WorkSessionID,
		Status:          v1.AgentQueued,
		Task:            input.Task,
		Repository:      input.Repository,
		Branch:          input.Branch,
		CreatedAt:       s.now().UTC(),
	}

	s.mu.Lock()
	s.agents[agent.ID] = agent
	s.mu.Unlock()

	s.publish(ctx, events.AgentSpawned, agent, nil)
	return agent.Clone(), nil
}

// Transition moves an agent to target, recording any opts. Returns
// false when the agent is unknown or the transition is not allowed.
func (s *Spawner) Transition(ctx context.Context, id string, target v1.AgentState, opts TransitionOpts) bool {
	s.mu.Lock()
	agent, ok := s.agents[id]
	if !ok || !transitionAllowed(agent.Status, target) {
		s.mu.Unlock()
		return false
	}

	from := agent.Status
	agent.Status = target
	now := s.now().UTC()
	switch target {
	case v1.AgentRunning:
		agent.StartedAt = &now
	case v1.AgentCompleted, v1.AgentFailed, v1.AgentCancelled:
		agent.CompletedAt = &now
	}
	if opts.SandboxID != nil {
		agent.SandboxID = opts.SandboxID
	}
	if opts.Error != "" {
		agent.Error = opts.Error
	}
	if opts.Output != "" {
		agent.Output = opts.Output
	}
	snapshot := agent.Clone()
	s.mu.Unlock()

	s.log.Debug("Agent transition",
		zap.String("agent_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(target)))
	s.publish(ctx, eventForState[target], snapshot, map[string]interface{}{"from": string(from)})
	return true
}

// StartInitializing moves queued -> initializing.
func (s *Spawner) StartInitializing(ctx context.Context, id string) bool {
	return s.Transition(ctx, id, v1.AgentInitializing, TransitionOpts{})
}

// StartRunning moves initializing -> running, binding the sandbox.
func (s *Spawner) StartRunning(ctx context.Context, id, sandboxID string) bool {
	var sb *string
	if sandboxID != "" {
		sb = &sandboxID
	}
	return s.Transition(ctx, id, v1.AgentRunning, TransitionOpts{SandboxID: sb})
}

// Complete moves running -> completed with the agent output.
func (s *Spawner) Complete(ctx context.Context, id, output string) bool {
	return s.Transition(ctx, id, v1.AgentCompleted, TransitionOpts{Output: output})
}

// Fail moves the agent to failed with an error message.
func (s *Spawner) Fail(ctx context.Context, id, errMsg string) bool {
	return s.Transition(ctx, id, v1.AgentFailed, TransitionOpts{Error: errMsg})
}

// Cancel moves the agent to cancelled from any non-terminal state.
func (s *Spawner) Cancel(ctx context.Context, id string) bool {
	return s.Transition(ctx, id, v1.AgentCancelled, TransitionOpts{})
}

// Get returns an agent by id.
func (s *Spawner) Get(id string) (*v1.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent " + id)
	}
	return agent.Clone(), nil
}

// List returns agents ordered by creation time, optionally filtered by
// parent session.
func (s *Spawner) List(parentSessionID string) []*v1.Agent {
	s.mu.Lock()
	out := make([]*v1.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if parentSessionID != "" && agent.ParentSessionID != parentSessionID {
			continue
		}
		out = append(out, agent.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CountNonTerminal returns the number of non-terminal agents for a
// parent session ("" counts all).
func (s *Spawner) CountNonTerminal(parentSessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, agent := range s.agents {
		if parentSessionID != "" && agent.ParentSessionID != parentSessionID {
			continue
		}
		if !agent.Status.Terminal() {
			n++
		}
	}
	return n
}

// ClearTerminated drops terminal agents from memory and returns the
// count removed.
func (s *Spawner) ClearTerminated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, agent := range s.agents {
		if agent.Status.Terminal() {
			delete(s.agents, id)
			n++
		}
	}
	return n
}

func (s *Spawner) publish(ctx context.Context, eventType string, agent *v1.Agent, extra map[string]interface{}) {
	data := map[string]interface{}{
		"agent_id": agent.ID,
		"status":   string(agent.Status),
	}
	if agent.SandboxID != nil {
		data["sandbox_id"] = *agent.SandboxID
	}
	if agent.Error != "" {
		data["error"] = agent.Error
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewSessionEvent(ctx, eventType, events.SourceSpawner, agent.ParentSessionID, data)
	if err := s.bus.Publish(ctx, eventType, event); err != nil {
		s.log.Warn("Failed to publish agent event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
}

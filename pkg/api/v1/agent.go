package v1

import "time"

// AgentState represents the lifecycle state of a background agent
type AgentState string

const (
	AgentQueued       AgentState = "queued"
	AgentInitializing AgentState = "initializing"
	AgentRunning      AgentState = "running"
	AgentCompleted    AgentState = "completed"
	AgentFailed       AgentState = "failed"
	AgentCancelled    AgentState = "cancelled"
)

// Terminal returns true for absorbing states.
func (s AgentState) Terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentCancelled:
		return true
	}
	return false
}

// Agent is a background task spawned from a parent session.
// The sandbox back-reference is weak: only the id is stored.
type Agent struct {
	ID              string     `json:"id"`
	ParentSessionID string     `json:"parent_session_id"`
	WorkSessionID   string     `json:"work_session_id"`
	SandboxID       *string    `json:"sandbox_id,omitempty"`
	Status          AgentState `json:"status"`
	Task            string     `json:"task"`
	Repository      string     `json:"repository,omitempty"`
	Branch          string     `json:"branch,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
	Output          string     `json:"output,omitempty"`
}

// Clone returns a copy safe to hand to readers outside the scheduler.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	out := *a
	if a.SandboxID != nil {
		id := *a.SandboxID
		out.SandboxID = &id
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		out.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

// Package events defines the event taxonomy for the orchestrator.
// Subjects are dot-separated: <domain>.<action>.
package events

// Event types for sandboxes
const (
	SandboxCreated    = "sandbox.created"
	SandboxStarted    = "sandbox.started"
	SandboxStopped    = "sandbox.stopped"
	SandboxTerminated = "sandbox.terminated"
	SandboxExecuted   = "sandbox.executed"
	SandboxGitSynced  = "sandbox.git_synced"
)

// Event types for the warm pool
const (
	WarmPoolClaimed     = "warmpool.claimed"
	WarmPoolMiss        = "warmpool.miss"
	WarmPoolReleased    = "warmpool.released"
	WarmPoolReplenished = "warmpool.replenished"
	WarmPoolExpired     = "warmpool.expired"
)

// Event types for prompts
const (
	PromptAdded     = "prompt.added"
	PromptStarted   = "prompt.started"
	PromptCompleted = "prompt.completed"
	PromptCancelled = "prompt.cancelled"
	PromptReordered = "prompt.reordered"
	PromptCleared   = "prompt.cleared"
)

// Event types for clients
const (
	ClientConnected    = "client.connected"
	ClientDisconnected = "client.disconnected"
)

// Event types for multiplayer sessions
const (
	SessionCreated = "multiplayer.session.created"
	SessionDeleted = "multiplayer.session.deleted"
	UserJoined     = "multiplayer.user.joined"
	UserLeft       = "multiplayer.user.left"
	CursorMoved    = "multiplayer.cursor.moved"
	LockAcquired   = "multiplayer.lock.acquired"
	LockReleased   = "multiplayer.lock.released"
	StateChanged   = "multiplayer.state.changed"
)

// Event types for background agents
const (
	AgentSpawned      = "background.spawned"
	AgentInitializing = "background.initializing"
	AgentRunning      = "background.running"
	AgentCompleted    = "background.completed"
	AgentFailed       = "background.failed"
	AgentCancelled    = "background.cancelled"
)

// Event types for snapshots
const (
	SnapshotCreated  = "snapshot.created"
	SnapshotRestored = "snapshot.restored"
	SnapshotDeleted  = "snapshot.deleted"
	SnapshotExpired  = "snapshot.expired"
)

// Event types for skills
const (
	SkillInvoked = "skill.invoked"
)

// Event types for the system domain
const (
	SystemStarted  = "system.started"
	SystemStopping = "system.stopping"
)

// Sources identify the component publishing an event.
const (
	SourceSessionManager = "session-manager"
	SourcePromptQueue    = "prompt-queue"
	SourceScheduler      = "agent-scheduler"
	SourceSpawner        = "agent-spawner"
	SourceWarmPool       = "warm-pool"
	SourceSnapshots      = "snapshot-manager"
	SourceLifecycle      = "snapshot-lifecycle"
	SourceProvider       = "sandbox-provider"
	SourceGitSyncGate    = "gitsync-gate"
)

package v1

import "time"

// SandboxStatus represents the provider-reported state of a sandbox
type SandboxStatus string

const (
	SandboxCreating   SandboxStatus = "creating"
	SandboxRunning    SandboxStatus = "running"
	SandboxStopped    SandboxStatus = "stopped"
	SandboxTerminated SandboxStatus = "terminated"
)

// Sandbox is an isolated execution environment for tools and code
type Sandbox struct {
	ID         string        `json:"id"`
	ProjectID  string        `json:"project_id"`
	Repository string        `json:"repository"`
	Branch     string        `json:"branch"`
	ImageTag   string        `json:"image_tag"`
	Status     SandboxStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Snapshot is a persisted image of a sandbox plus its git state,
// used to resume a hibernated session. The sandbox reference is weak.
type Snapshot struct {
	ID                    string    `json:"id"`
	SandboxID             string    `json:"sandbox_id"`
	SessionID             string    `json:"session_id"`
	GitCommit             string    `json:"git_commit"`
	HasUncommittedChanges bool      `json:"has_uncommitted_changes"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// Expired returns true once the snapshot has passed its expiry time.
func (s *Snapshot) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// GitStatus is the provider-reported git state of a sandbox working tree
type GitStatus struct {
	Commit     string        `json:"commit"`
	Branch     string        `json:"branch"`
	SyncStatus GitSyncStatus `json:"sync_status"`
	Dirty      bool          `json:"dirty"`
}

// ExecResult is the outcome of a command executed inside a sandbox
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Package sandbox defines the provider abstraction over isolated
// execution environments and the inputs shared by its implementations
// (local process, docker container, sprites hypervisor).
package sandbox

import (
	"context"
	"time"

	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// CreateInput describes the environment a sandbox is created for.
type CreateInput struct {
	ProjectID  string `json:"project_id"`
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	ImageTag   string `json:"image_tag"`
}

// ExecInput is a command to run inside a sandbox.
type ExecInput struct {
	Command []string          `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Provider is the capability set every sandbox backend implements.
// All calls are context-first; Execute failures surface as Timeout,
// NotFound or Conflict (not running) app errors.
type Provider interface {
	// Create materializes a new sandbox for the given repository.
	Create(ctx context.Context, input CreateInput) (*v1.Sandbox, error)

	// Get returns the sandbox, NotFound if gone.
	Get(ctx context.Context, id string) (*v1.Sandbox, error)

	// List returns sandboxes, optionally filtered by project.
	List(ctx context.Context, projectID string) ([]*v1.Sandbox, error)

	// Start / Stop / Terminate drive the sandbox lifecycle. Terminate
	// releases all backend resources.
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Terminate(ctx context.Context, id string) error

	// Snapshot persists the sandbox state and returns a snapshot ref
	// usable with Restore after the sandbox itself is gone.
	Snapshot(ctx context.Context, id string) (string, error)

	// Restore materializes a new sandbox from a snapshot ref.
	Restore(ctx context.Context, snapshotRef string) (*v1.Sandbox, error)

	// Execute runs a command to completion inside the sandbox.
	Execute(ctx context.Context, id string, input ExecInput) (*v1.ExecResult, error)

	// StreamLogs returns a channel of log lines for a service inside
	// the sandbox. Delivery is lossy per subscriber: a slow consumer
	// drops lines instead of blocking the producer. The channel closes
	// when ctx is done or the service stops.
	StreamLogs(ctx context.Context, id, service string) (<-chan string, error)

	// GetGitStatus reports the working-tree git state.
	GetGitStatus(ctx context.Context, id string) (*v1.GitStatus, error)

	// SyncGit brings the working tree up to date with the remote.
	SyncGit(ctx context.Context, id string) error

	// Close releases provider-level resources.
	Close() error
}

// Key identifies a warm-pool bucket: sandboxes for the same key are
// interchangeable.
type Key struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
	ImageTag   string `json:"image_tag,omitempty"`
}

// KeyOf derives the pool key from a create input.
func KeyOf(input CreateInput) Key {
	return Key{Repository: input.Repository, Branch: input.Branch, ImageTag: input.ImageTag}
}

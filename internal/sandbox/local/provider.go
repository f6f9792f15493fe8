// Package local implements the sandbox provider as plain processes on
// the orchestrator host. It exists for development and tests: commands
// run in a scratch working directory per sandbox, and git state is
// tracked as metadata rather than against a real remote.
package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/sandbox"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

const defaultExecTimeout = 120 * time.Second

type instance struct {
	meta    *v1.Sandbox
	workdir string
	git     *v1.GitStatus
	brokers map[string]*sandbox.LogBroker
}

type snapshotRecord struct {
	input sandbox.CreateInput
	git   v1.GitStatus
}

// Provider keeps all state in memory and executes commands with
// os/exec. Safe for concurrent use.
type Provider struct {
	log         *logger.Logger
	execTimeout time.Duration

	mu        sync.Mutex
	instances map[string]*instance
	snapshots map[string]snapshotRecord
	closed    bool
}

// NewProvider creates a local provider.
func NewProvider(execTimeout time.Duration, log *logger.Logger) *Provider {
	if execTimeout <= 0 {
		execTimeout = defaultExecTimeout
	}
	return &Provider{
		log:         log.WithFields(zap.String("provider", "local")),
		execTimeout: execTimeout,
		instances:   make(map[string]*instance),
		snapshots:   make(map[string]snapshotRecord),
	}
}

func (p *Provider) get(id string) (*instance, error) {
	inst, ok := p.instances[id]
	if !ok {
		return nil, apperrors.NotFound("sandbox " + id)
	}
	return inst, nil
}

// Create materializes a sandbox with a scratch working directory.
func (p *Provider) Create(_ context.Context, input sandbox.CreateInput) (*v1.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, apperrors.Internal("provider closed")
	}

	workdir, err := os.MkdirTemp("", "pairdev-sbx-")
	if err != nil {
		return nil, apperrors.Transient("failed to create sandbox workdir", err)
	}

	id := uuid.New().String()
	meta := &v1.Sandbox{
		ID:         id,
		ProjectID:  input.ProjectID,
		Repository: input.Repository,
		Branch:     input.Branch,
		ImageTag:   input.ImageTag,
		Status:     v1.SandboxRunning,
		CreatedAt:  time.Now().UTC(),
	}
	p.instances[id] = &instance{
		meta:    meta,
		workdir: workdir,
		git: &v1.GitStatus{
			Branch:     input.Branch,
			SyncStatus: v1.GitSyncPending,
		},
		brokers: make(map[string]*sandbox.LogBroker),
	}

	p.log.Info("Sandbox created",
		zap.String("sandbox_id", id),
		zap.String("repository", input.Repository))
	out := *meta
	return &out, nil
}

func (p *Provider) Get(_ context.Context, id string) (*v1.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.get(id)
	if err != nil {
		return nil, err
	}
	out := *inst.meta
	return &out, nil
}

func (p *Provider) List(_ context.Context, projectID string) ([]*v1.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*v1.Sandbox, 0, len(p.instances))
	for _, inst := range p.instances {
		if projectID != "" && inst.meta.ProjectID != projectID {
			continue
		}
		meta := *inst.meta
		out = append(out, &meta)
	}
	return out, nil
}

func (p *Provider) Start(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.get(id)
	if err != nil {
		return err
	}
	if inst.meta.Status == v1.SandboxTerminated {
		return apperrors.Conflict("sandbox " + id + " is terminated")
	}
	inst.meta.Status = v1.SandboxRunning
	return nil
}

func (p *Provider) Stop(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.get(id)
	if err != nil {
		return err
	}
	if inst.meta.Status == v1.SandboxTerminated {
		return apperrors.Conflict("sandbox " + id + " is terminated")
	}
	inst.meta.Status = v1.SandboxStopped
	return nil
}

func (p *Provider) Terminate(_ context.Context, id string) error {
	p.mu.Lock()
	inst, err := p.get(id)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	delete(p.instances, id)
	p.mu.Unlock()

	for _, broker := range inst.brokers {
		broker.Close()
	}
	_ = os.RemoveAll(inst.workdir)
	p.log.Info("Sandbox terminated", zap.String("sandbox_id", id))
	return nil
}

// Snapshot records the sandbox's creation input and git state under a
// new ref. The sandbox itself keeps running.
func (p *Provider) Snapshot(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.get(id)
	if err != nil {
		return "", err
	}
	ref := "snap-" + uuid.New().String()
	p.snapshots[ref] = snapshotRecord{
		input: sandbox.CreateInput{
			ProjectID:  inst.meta.ProjectID,
			Repository: inst.meta.Repository,
			Branch:     inst.meta.Branch,
			ImageTag:   inst.meta.ImageTag,
		},
		git: *inst.git,
	}
	return ref, nil
}

// Restore materializes a fresh sandbox from a snapshot ref. The new
// sandbox starts out un-synced: the restored tree may be behind the
// remote.
func (p *Provider) Restore(ctx context.Context, snapshotRef string) (*v1.Sandbox, error) {
	p.mu.Lock()
	record, ok := p.snapshots[snapshotRef]
	p.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("snapshot " + snapshotRef)
	}

	meta, err := p.Create(ctx, record.input)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if inst, ok := p.instances[meta.ID]; ok {
		git := record.git
		git.SyncStatus = v1.GitSyncPending
		inst.git = &git
	}
	p.mu.Unlock()
	return meta, nil
}

// Execute runs a command in the sandbox workdir, bounded by the input
// timeout (falling back to the provider default).
func (p *Provider) Execute(ctx context.Context, id string, input sandbox.ExecInput) (*v1.ExecResult, error) {
	if len(input.Command) == 0 {
		return nil, apperrors.ValidationError("command", "command must not be empty")
	}

	p.mu.Lock()
	inst, err := p.get(id)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if inst.meta.Status != v1.SandboxRunning {
		p.mu.Unlock()
		return nil, apperrors.Conflict("sandbox " + id + " is not running")
	}
	workdir := inst.workdir
	p.mu.Unlock()

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = p.execTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, input.Command[0], input.Command[1:]...)
	cmd.Dir = workdir
	if input.Cwd != "" {
		cmd.Dir = filepath.Join(workdir, input.Cwd)
	}
	cmd.Env = os.Environ()
	for k, v := range input.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, apperrors.Timeout("command exceeded " + timeout.String())
	}

	result := &v1.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, apperrors.Transient("failed to run command", runErr)
		}
	}
	return result, nil
}

// StreamLogs subscribes to the log feed of a service in the sandbox.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan string, error) {
	p.mu.Lock()
	inst, err := p.get(id)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	broker, ok := inst.brokers[service]
	if !ok {
		broker = sandbox.NewLogBroker()
		inst.brokers[service] = broker
	}
	p.mu.Unlock()
	return broker.Subscribe(ctx), nil
}

// AppendLog feeds a log line into a service's stream. The platform
// layer calls this as sandbox processes emit output.
func (p *Provider) AppendLog(id, service, line string) {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	broker, ok := inst.brokers[service]
	if !ok {
		broker = sandbox.NewLogBroker()
		inst.brokers[service] = broker
	}
	p.mu.Unlock()
	broker.Publish(line)
}

func (p *Provider) GetGitStatus(_ context.Context, id string) (*v1.GitStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.get(id)
	if err != nil {
		return nil, err
	}
	out := *inst.git
	return &out, nil
}

// SetGitStatus overrides the tracked git state. Used by tests and by
// the tool layer when it detects working-tree changes.
func (p *Provider) SetGitStatus(id string, status v1.GitStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.get(id)
	if err != nil {
		return err
	}
	git := status
	inst.git = &git
	return nil
}

// SyncGit marks the tree synced. The local provider has no remote, so
// sync always succeeds.
func (p *Provider) SyncGit(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, err := p.get(id)
	if err != nil {
		return err
	}
	inst.git.SyncStatus = v1.GitSyncSynced
	inst.git.Dirty = false
	return nil
}

// Close terminates every sandbox.
func (p *Provider) Close() error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.closed = true
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Terminate(context.Background(), id)
	}
	return nil
}

// Package sprites implements the sandbox provider on Fly Sprites
// remote sandboxes. A sprite is created per sandbox, the repository is
// cloned into /workspace, and commands run through the sprite exec
// channel. Snapshots record the git coordinates; restore clones a
// fresh sprite at the recorded commit.
package sprites

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/config"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/common/retry"
	"github.com/pairdev/pairdev/internal/sandbox"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

const (
	namePrefix    = "pairdev-"
	workspacePath = "/workspace"
	stepTimeout   = 120 * time.Second
)

type state struct {
	spriteName string
	meta       *v1.Sandbox
	syncStatus v1.GitSyncStatus
	brokers    map[string]*sandbox.LogBroker
}

type snapshotRecord struct {
	input  sandbox.CreateInput
	commit string
}

// Provider drives sprites through the sprites-go client.
type Provider struct {
	client *sprites.Client
	cfg    config.SandboxConfig
	log    *logger.Logger

	mu        sync.Mutex
	sandboxes map[string]*state
	snapshots map[string]snapshotRecord
}

// NewProvider creates a sprites-backed provider.
func NewProvider(cfg config.SandboxConfig, log *logger.Logger) (*Provider, error) {
	if cfg.SpritesToken == "" {
		return nil, apperrors.ValidationError("spritesToken", "sprites token is required")
	}
	return &Provider{
		client:    sprites.New(cfg.SpritesToken),
		cfg:       cfg,
		log:       log.WithFields(zap.String("provider", "sprites")),
		sandboxes: make(map[string]*state),
		snapshots: make(map[string]snapshotRecord),
	}, nil
}

func (p *Provider) lookup(id string) (*state, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.sandboxes[id]
	if !ok {
		return nil, apperrors.NotFound("sandbox " + id)
	}
	return st, nil
}

func (p *Provider) sprite(st *state) *sprites.Sprite {
	return p.client.Sprite(st.spriteName)
}

// Create materializes a sprite and clones the repository at the given
// branch, or an empty workspace when no repository is set.
func (p *Provider) Create(ctx context.Context, input sandbox.CreateInput) (*v1.Sandbox, error) {
	return p.create(ctx, input, "")
}

func (p *Provider) create(ctx context.Context, input sandbox.CreateInput, commit string) (*v1.Sandbox, error) {
	id := uuid.New().String()
	spriteName := namePrefix + id[:12]
	sprite := p.client.Sprite(spriteName)

	p.log.Info("Creating sprite",
		zap.String("sandbox_id", id),
		zap.String("sprite_name", spriteName))

	// First command materializes the sprite. Cold starts flake
	// occasionally, so the probe goes through the retry helper.
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	if _, err := retry.Do(stepCtx, func() (string, error) {
		out, err := sprite.CommandContext(stepCtx, "echo", "pairdev-ready").Output()
		if err != nil {
			return "", apperrors.Transient("failed to initialize sprite", err)
		}
		return string(out), nil
	}); err != nil {
		return nil, err
	}

	if err := p.setupWorkspace(ctx, sprite, input, commit); err != nil {
		if destroyErr := sprite.Destroy(); destroyErr != nil {
			p.log.Warn("Failed to destroy sprite after setup failure",
				zap.String("sprite_name", spriteName), zap.Error(destroyErr))
		}
		return nil, err
	}

	meta := &v1.Sandbox{
		ID:         id,
		ProjectID:  input.ProjectID,
		Repository: input.Repository,
		Branch:     input.Branch,
		ImageTag:   input.ImageTag,
		Status:     v1.SandboxRunning,
		CreatedAt:  time.Now().UTC(),
	}
	p.mu.Lock()
	p.sandboxes[id] = &state{
		spriteName: spriteName,
		meta:       meta,
		syncStatus: v1.GitSyncPending,
		brokers:    make(map[string]*sandbox.LogBroker),
	}
	p.mu.Unlock()

	out := *meta
	return &out, nil
}

func (p *Provider) setupWorkspace(ctx context.Context, sprite *sprites.Sprite, input sandbox.CreateInput, commit string) error {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	if input.Repository == "" {
		if _, err := sprite.CommandContext(stepCtx, "mkdir", "-p", workspacePath).Output(); err != nil {
			return apperrors.Transient("failed to create workspace", err)
		}
		return nil
	}

	args := []string{"clone"}
	if commit == "" {
		args = append(args, "--depth=1")
		if input.Branch != "" {
			args = append(args, "--branch", input.Branch)
		}
	}
	args = append(args, input.Repository, workspacePath)
	cmd := sprite.CommandContext(stepCtx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return apperrors.Transient("git clone failed: "+string(out), err)
	}

	if commit != "" {
		checkoutCtx, cancelCheckout := context.WithTimeout(ctx, stepTimeout)
		defer cancelCheckout()
		checkout := sprite.CommandContext(checkoutCtx, "git", "checkout", commit)
		checkout.Dir = workspacePath
		if out, err := checkout.CombinedOutput(); err != nil {
			return apperrors.Transient("git checkout failed: "+string(out), err)
		}
	}
	return nil
}

func (p *Provider) Get(_ context.Context, id string) (*v1.Sandbox, error) {
	st, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	out := *st.meta
	p.mu.Unlock()
	return &out, nil
}

func (p *Provider) List(_ context.Context, projectID string) ([]*v1.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*v1.Sandbox, 0, len(p.sandboxes))
	for _, st := range p.sandboxes {
		if projectID != "" && st.meta.ProjectID != projectID {
			continue
		}
		meta := *st.meta
		out = append(out, &meta)
	}
	return out, nil
}

// Start is a no-op: sprites wake on demand.
func (p *Provider) Start(_ context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	st.meta.Status = v1.SandboxRunning
	p.mu.Unlock()
	return nil
}

// Stop marks the sandbox stopped; the sprite hibernates on its own.
func (p *Provider) Stop(_ context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	st.meta.Status = v1.SandboxStopped
	p.mu.Unlock()
	return nil
}

func (p *Provider) Terminate(_ context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}
	if err := p.sprite(st).Destroy(); err != nil {
		return apperrors.Transient("failed to destroy sprite", err)
	}
	p.mu.Lock()
	for _, broker := range st.brokers {
		broker.Close()
	}
	delete(p.sandboxes, id)
	p.mu.Unlock()
	p.log.Info("Sprite destroyed", zap.String("sandbox_id", id))
	return nil
}

// Snapshot records the workspace git coordinates. Restoring clones a
// fresh sprite at the recorded commit, which is cheaper than moving
// filesystem images across the hypervisor boundary.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	st, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	commit, err := p.gitOutput(ctx, st, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	ref := "snap-" + uuid.New().String()
	p.mu.Lock()
	p.snapshots[ref] = snapshotRecord{
		input: sandbox.CreateInput{
			ProjectID:  st.meta.ProjectID,
			Repository: st.meta.Repository,
			Branch:     st.meta.Branch,
			ImageTag:   st.meta.ImageTag,
		},
		commit: commit,
	}
	p.mu.Unlock()
	return ref, nil
}

func (p *Provider) Restore(ctx context.Context, snapshotRef string) (*v1.Sandbox, error) {
	p.mu.Lock()
	record, ok := p.snapshots[snapshotRef]
	p.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("snapshot " + snapshotRef)
	}
	return p.create(ctx, record.input, record.commit)
}

// Execute runs a command in the sprite workspace.
func (p *Provider) Execute(ctx context.Context, id string, input sandbox.ExecInput) (*v1.ExecResult, error) {
	if len(input.Command) == 0 {
		return nil, apperrors.ValidationError("command", "command must not be empty")
	}
	st, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	running := st.meta.Status == v1.SandboxRunning
	p.mu.Unlock()
	if !running {
		return nil, apperrors.Conflict("sandbox " + id + " is not running")
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = time.Duration(p.cfg.ExecTimeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := p.sprite(st).CommandContext(execCtx, input.Command[0], input.Command[1:]...)
	cmd.Dir = workspacePath
	if input.Cwd != "" {
		cmd.Dir = input.Cwd
	}
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
		// The sprite exec channel reports non-zero exits as errors
		// without a portable exit code; surface a generic failure code.
		result.ExitCode = 1
	}
	return result, nil
}

// StreamLogs tails a service log file under the workspace.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan string, error) {
	st, err := p.lookup(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	broker, ok := st.brokers[service]
	if !ok {
		broker = sandbox.NewLogBroker()
		st.brokers[service] = broker

		logPath := workspacePath + "/.pairdev/logs/" + service + ".log"
		cmd := p.sprite(st).CommandContext(context.Background(),
			"sh", "-c", "touch "+logPath+" && tail -n 100 -F "+logPath)
		cmd.Stdout = brokerWriter{broker}
		if err := cmd.Start(); err != nil {
			delete(st.brokers, service)
			p.mu.Unlock()
			return nil, apperrors.Transient("failed to tail service log", err)
		}
	}
	p.mu.Unlock()
	return broker.Subscribe(ctx), nil
}

// brokerWriter splits writes into lines and feeds them to a broker.
type brokerWriter struct {
	broker *sandbox.LogBroker
}

func (w brokerWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line != "" {
			w.broker.Publish(line)
		}
	}
	return len(b), nil
}

func (p *Provider) GetGitStatus(ctx context.Context, id string) (*v1.GitStatus, error) {
	st, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	commit, err := p.gitOutput(ctx, st, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	branch, err := p.gitOutput(ctx, st, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	porcelain, err := p.gitOutput(ctx, st, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	syncStatus := st.syncStatus
	p.mu.Unlock()
	return &v1.GitStatus{
		Commit:     commit,
		Branch:     branch,
		SyncStatus: syncStatus,
		Dirty:      porcelain != "",
	}, nil
}

func (p *Provider) SyncGit(ctx context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	st.syncStatus = v1.GitSyncSyncing
	p.mu.Unlock()

	if _, err := p.gitOutput(ctx, st, "fetch", "origin"); err != nil {
		p.setSyncStatus(st, v1.GitSyncError)
		return err
	}
	if _, err := p.gitOutput(ctx, st, "pull", "--ff-only"); err != nil {
		p.setSyncStatus(st, v1.GitSyncError)
		return err
	}
	p.setSyncStatus(st, v1.GitSyncSynced)
	return nil
}

func (p *Provider) setSyncStatus(st *state, status v1.GitSyncStatus) {
	p.mu.Lock()
	st.syncStatus = status
	p.mu.Unlock()
}

func (p *Provider) gitOutput(ctx context.Context, st *state, args ...string) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	cmd := p.sprite(st).CommandContext(stepCtx, "git", args...)
	cmd.Dir = workspacePath
	out, err := cmd.Output()
	if err != nil {
		return "", apperrors.GitSyncError("git " + strings.Join(args, " ") + " failed")
	}
	return strings.TrimSpace(string(out)), nil
}

// Close leaves sprites running: they hibernate on their own and can be
// reattached after an orchestrator restart.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.sandboxes {
		for _, broker := range st.brokers {
			broker.Close()
		}
	}
	return nil
}

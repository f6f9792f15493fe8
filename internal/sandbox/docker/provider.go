// Package docker implements the sandbox provider on top of the Docker
// SDK: one container per sandbox, exec for commands, commit for
// snapshots.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/config"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/sandbox"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

const (
	labelManaged    = "pairdev.managed"
	labelSandboxID  = "pairdev.sandbox_id"
	labelProjectID  = "pairdev.project_id"
	labelRepository = "pairdev.repository"
	labelBranch     = "pairdev.branch"

	workspacePath = "/workspace"
	stopTimeout   = 10 * time.Second
)

type state struct {
	containerID string
	meta        *v1.Sandbox
	syncStatus  v1.GitSyncStatus
}

// Provider runs each sandbox as a long-lived container. The container
// sleeps; work happens through exec sessions.
type Provider struct {
	cli *client.Client
	cfg config.SandboxConfig
	log *logger.Logger

	mu        sync.Mutex
	sandboxes map[string]*state
	snapshots map[string]sandbox.CreateInput // snapshot ref (image id) -> origin
}

// NewProvider creates a docker-backed provider.
func NewProvider(cfg config.SandboxConfig, log *logger.Logger) (*Provider, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log = log.WithFields(zap.String("provider", "docker"))
	log.Info("Docker provider ready", zap.String("host", cfg.DockerHost))
	return &Provider{
		cli:       cli,
		cfg:       cfg,
		log:       log,
		sandboxes: make(map[string]*state),
		snapshots: make(map[string]sandbox.CreateInput),
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

func (p *Provider) imageFor(input sandbox.CreateInput) string {
	if input.ImageTag != "" {
		return input.ImageTag
	}
	return p.cfg.DefaultImage
}

// Create pulls the image, creates the container and starts it. The
// container runs an idle command; all work goes through Execute.
func (p *Provider) Create(ctx context.Context, input sandbox.CreateInput) (*v1.Sandbox, error) {
	return p.create(ctx, input, p.imageFor(input))
}

func (p *Provider) create(ctx context.Context, input sandbox.CreateInput, img string) (*v1.Sandbox, error) {
	id := uuid.New().String()

	reader, err := p.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return nil, apperrors.Transient("failed to pull image "+img, err)
	}
	_, _ = io.Copy(io.Discard, reader)
	_ = reader.Close()

	containerCfg := &container.Config{
		Image:      img,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: workspacePath,
		Labels: map[string]string{
			labelManaged:    "true",
			labelSandboxID:  id,
			labelProjectID:  input.ProjectID,
			labelRepository: input.Repository,
			labelBranch:     input.Branch,
		},
	}
	hostCfg := &container.HostConfig{}

	resp, err := p.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "pairdev-sbx-"+id[:12])
	if err != nil {
		return nil, apperrors.Transient("failed to create container", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, apperrors.Transient("failed to start container", err)
	}

	meta := &v1.Sandbox{
		ID:         id,
		ProjectID:  input.ProjectID,
		Repository: input.Repository,
		Branch:     input.Branch,
		ImageTag:   img,
		Status:     v1.SandboxRunning,
		CreatedAt:  time.Now().UTC(),
	}
	p.mu.Lock()
	p.sandboxes[id] = &state{containerID: resp.ID, meta: meta, syncStatus: v1.GitSyncPending}
	p.mu.Unlock()

	p.log.Info("Sandbox container started",
		zap.String("sandbox_id", id),
		zap.String("container_id", resp.ID),
		zap.String("image", img))
	out := *meta
	return &out, nil
}

func (p *Provider) Get(ctx context.Context, id string) (*v1.Sandbox, error) {
	st, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	inspect, err := p.cli.ContainerInspect(ctx, st.containerID)
	if err != nil {
		return nil, apperrors.Transient("failed to inspect container", err)
	}

	p.mu.Lock()
	switch inspect.State.Status {
	case "running":
		st.meta.Status = v1.SandboxRunning
	case "created", "restarting":
		st.meta.Status = v1.SandboxCreating
	case "exited", "paused":
		st.meta.Status = v1.SandboxStopped
	default:
		st.meta.Status = v1.SandboxTerminated
	}
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

func (p *Provider) Start(ctx context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}
	if err := p.cli.ContainerStart(ctx, st.containerID, container.StartOptions{}); err != nil {
		return apperrors.Transient("failed to start container", err)
	}
	p.mu.Lock()
	st.meta.Status = v1.SandboxRunning
	p.mu.Unlock()
	return nil
}

func (p *Provider) Stop(ctx context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}
	seconds := int(stopTimeout.Seconds())
	if err := p.cli.ContainerStop(ctx, st.containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return apperrors.Transient("failed to stop container", err)
	}
	p.mu.Lock()
	st.meta.Status = v1.SandboxStopped
	p.mu.Unlock()
	return nil
}

func (p *Provider) Terminate(ctx context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}
	if err := p.cli.ContainerRemove(ctx, st.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return apperrors.Transient("failed to remove container", err)
	}
	p.mu.Lock()
	delete(p.sandboxes, id)
	p.mu.Unlock()
	p.log.Info("Sandbox terminated", zap.String("sandbox_id", id))
	return nil
}

// Snapshot commits the container filesystem to an image and returns
// the image id as the snapshot ref.
func (p *Provider) Snapshot(ctx context.Context, id string) (string, error) {
	st, err := p.lookup(id)
	if err != nil {
		return "", err
	}
	resp, err := p.cli.ContainerCommit(ctx, st.containerID, container.CommitOptions{
		Comment: "pairdev snapshot of sandbox " + id,
		Pause:   true,
	})
	if err != nil {
		return "", apperrors.Transient("failed to commit container", err)
	}

	p.mu.Lock()
	p.snapshots[resp.ID] = sandbox.CreateInput{
		ProjectID:  st.meta.ProjectID,
		Repository: st.meta.Repository,
		Branch:     st.meta.Branch,
		ImageTag:   st.meta.ImageTag,
	}
	p.mu.Unlock()
	return resp.ID, nil
}

// Restore starts a new container from a committed snapshot image.
func (p *Provider) Restore(ctx context.Context, snapshotRef string) (*v1.Sandbox, error) {
	p.mu.Lock()
	origin, ok := p.snapshots[snapshotRef]
	p.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("snapshot " + snapshotRef)
	}
	return p.create(ctx, origin, snapshotRef)
}

// Execute runs a command in the container through an exec session.
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

	env := make([]string, 0, len(input.Env))
	for k, v := range input.Env {
		env = append(env, k+"="+v)
	}
	workdir := workspacePath
	if input.Cwd != "" {
		workdir = input.Cwd
	}

	created, err := p.cli.ContainerExecCreate(execCtx, st.containerID, container.ExecOptions{
		Cmd:          input.Command,
		Env:          env,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, apperrors.Transient("failed to create exec", err)
	}

	attach, err := p.cli.ContainerExecAttach(execCtx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, apperrors.Transient("failed to attach exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, apperrors.Timeout("command exceeded " + timeout.String())
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return nil, apperrors.Transient("failed to read exec output", copyErr)
	}

	inspect, err := p.cli.ContainerExecInspect(execCtx, created.ID)
	if err != nil {
		return nil, apperrors.Transient("failed to inspect exec", err)
	}
	return &v1.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// StreamLogs follows the container log stream, one line per channel
// send. Slow consumers lose lines rather than stalling the reader.
func (p *Provider) StreamLogs(ctx context.Context, id, service string) (<-chan string, error) {
	st, err := p.lookup(id)
	if err != nil {
		return nil, err
	}

	logs, err := p.cli.ContainerLogs(ctx, st.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "100",
	})
	if err != nil {
		return nil, apperrors.Transient("failed to open container logs", err)
	}

	out := make(chan string, 256)
	pr, pw := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(pw, pw, logs)
		_ = pw.Close()
	}()
	go func() {
		defer close(out)
		defer logs.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			default:
				// Lossy per subscriber: drop when the consumer lags.
			}
		}
	}()
	return out, nil
}

// GetGitStatus shells out to git inside the container.
func (p *Provider) GetGitStatus(ctx context.Context, id string) (*v1.GitStatus, error) {
	st, err := p.lookup(id)
	if err != nil {
		return nil, err
	}

	commit, err := p.gitOutput(ctx, id, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	branch, err := p.gitOutput(ctx, id, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	porcelain, err := p.gitOutput(ctx, id, "status", "--porcelain")
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

// SyncGit fast-forwards the working tree to the remote branch.
func (p *Provider) SyncGit(ctx context.Context, id string) error {
	st, err := p.lookup(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	st.syncStatus = v1.GitSyncSyncing
	p.mu.Unlock()

	if _, err := p.gitOutput(ctx, id, "fetch", "origin"); err != nil {
		p.setSyncStatus(st, v1.GitSyncError)
		return err
	}
	if _, err := p.gitOutput(ctx, id, "pull", "--ff-only"); err != nil {
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

func (p *Provider) gitOutput(ctx context.Context, id string, args ...string) (string, error) {
	result, err := p.Execute(ctx, id, sandbox.ExecInput{
		Command: append([]string{"git"}, args...),
	})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", apperrors.GitSyncError("git " + strings.Join(args, " ") + " failed: " + result.Stderr)
	}
	return strings.TrimSpace(result.Stdout), nil
}

// Close terminates nothing: containers outlive the orchestrator so
// sessions can reattach after a restart. Only the client handle closes.
func (p *Provider) Close() error {
	return p.cli.Close()
}

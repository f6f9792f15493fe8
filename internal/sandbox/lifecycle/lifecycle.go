// Package lifecycle binds idle/busy agent signals to snapshot
// decisions: pause a session's sandbox when the agent goes idle after
// real work, and bring one back on the next prompt via snapshot
// restore, warm pool claim, or a fresh create, in that order.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/config"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events"
	"github.com/pairdev/pairdev/internal/events/bus"
	"github.com/pairdev/pairdev/internal/sandbox"
	"github.com/pairdev/pairdev/internal/sandbox/warmpool"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// Sessions is the slice of the session manager the lifecycle needs.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*v1.Session, error)
	BindSandbox(ctx context.Context, sessionID string, sandboxID *string) error
}

// Snapshots is the slice of the snapshot manager the lifecycle needs.
type Snapshots interface {
	Create(ctx context.Context, sandboxID, sessionID, gitCommit string, hasUncommittedChanges bool, ttl time.Duration) (*v1.Snapshot, error)
	Restore(ctx context.Context, sessionID string) (*v1.Sandbox, error)
	HasValid(sessionID string) bool
}

// Pool is the slice of the warm pool the lifecycle needs.
type Pool interface {
	Claim(ctx context.Context, key sandbox.Key, projectID string) (*warmpool.ClaimResult, error)
}

// span tracks one stretch of agent work on a session.
type span struct {
	startedAt  time.Time
	hasChanges bool
}

// Lifecycle listens for agent-status changes and drives the
// pause-on-idle / resume-on-follow-up policy.
type Lifecycle struct {
	sessions  Sessions
	snapshots Snapshots
	pool      Pool
	provider  sandbox.Provider
	bus       bus.EventBus
	cfg       config.LifecycleConfig
	log       *logger.Logger

	mu    sync.Mutex
	spans map[string]*span

	subs []bus.Subscription
	now  func() time.Time
}

// New creates the lifecycle orchestrator. Call Start to subscribe.
func New(sessions Sessions, snapshots Snapshots, pool Pool, provider sandbox.Provider, eventBus bus.EventBus, cfg config.LifecycleConfig, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		sessions:  sessions,
		snapshots: snapshots,
		pool:      pool,
		provider:  provider,
		bus:       eventBus,
		cfg:       cfg,
		log:       log.WithComponent("lifecycle"),
		spans:     make(map[string]*span),
		now:       time.Now,
	}
}

// Start subscribes to session state and lock events.
func (l *Lifecycle) Start() error {
	stateSub, err := l.bus.Subscribe(events.StateChanged, l.onStateChanged)
	if err != nil {
		return apperrors.Wrap(err, "failed to subscribe to state changes")
	}
	l.subs = append(l.subs, stateSub)

	lockSub, err := l.bus.Subscribe(events.LockAcquired, l.onLockAcquired)
	if err != nil {
		return apperrors.Wrap(err, "failed to subscribe to lock events")
	}
	l.subs = append(l.subs, lockSub)
	return nil
}

// Stop removes the bus subscriptions.
func (l *Lifecycle) Stop() {
	for _, sub := range l.subs {
		_ = sub.Unsubscribe()
	}
	l.subs = nil
}

func (l *Lifecycle) onStateChanged(ctx context.Context, event *bus.Event) error {
	newStatus, ok := event.Data["agent_status"].(string)
	if !ok || event.SessionID == "" {
		return nil
	}
	oldStatus, _ := event.Data["agent_status_old"].(string)

	wasBusy := v1.AgentActivity(oldStatus).Busy()
	isBusy := v1.AgentActivity(newStatus).Busy()

	switch {
	case !wasBusy && isBusy:
		l.mu.Lock()
		if _, tracking := l.spans[event.SessionID]; !tracking {
			l.spans[event.SessionID] = &span{startedAt: l.now()}
		}
		l.mu.Unlock()
	case wasBusy && !isBusy:
		l.onIdle(ctx, event.SessionID)
	}
	return nil
}

func (l *Lifecycle) onLockAcquired(_ context.Context, event *bus.Event) error {
	l.MarkChanges(event.SessionID)
	return nil
}

// MarkChanges flags the session's current work span as having touched
// the working tree. The tool layer calls this on write-tool execution.
func (l *Lifecycle) MarkChanges(sessionID string) {
	l.mu.Lock()
	if s, ok := l.spans[sessionID]; ok {
		s.hasChanges = true
	}
	l.mu.Unlock()
}

// onIdle decides whether the finished work span earns a snapshot.
func (l *Lifecycle) onIdle(ctx context.Context, sessionID string) {
	l.mu.Lock()
	s, ok := l.spans[sessionID]
	if ok {
		delete(l.spans, sessionID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	duration := l.now().Sub(s.startedAt)
	minWork := time.Duration(l.cfg.MinWorkDuration) * time.Second
	if duration < minWork || !s.hasChanges {
		l.log.Debug("Idle without qualifying work",
			zap.String("session_id", sessionID),
			zap.Duration("duration", duration),
			zap.Bool("has_changes", s.hasChanges))
		return
	}

	session, err := l.sessions.Get(ctx, sessionID)
	if err != nil || session.SandboxID == nil {
		return
	}
	sandboxID := *session.SandboxID

	git, err := l.provider.GetGitStatus(ctx, sandboxID)
	if err != nil {
		l.log.Warn("Failed to read git state before snapshot",
			zap.String("sandbox_id", sandboxID), zap.Error(err))
		git = &v1.GitStatus{}
	}

	snap, err := l.snapshots.Create(ctx, sandboxID, sessionID, git.Commit, git.Dirty, 0)
	if err != nil {
		l.log.Error("Snapshot on idle failed",
			zap.String("session_id", sessionID),
			zap.String("sandbox_id", sandboxID),
			zap.Error(err))
		return
	}
	l.log.Info("Session hibernated",
		zap.String("session_id", sessionID),
		zap.String("snapshot_id", snap.ID))

	if !l.cfg.AutoTerminate {
		return
	}
	if err := l.provider.Terminate(ctx, sandboxID); err != nil {
		l.log.Warn("Failed to terminate sandbox after snapshot",
			zap.String("sandbox_id", sandboxID), zap.Error(err))
	}
	if err := l.sessions.BindSandbox(ctx, sessionID, nil); err != nil {
		l.log.Warn("Failed to unbind sandbox",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// OnFollowUpPrompt produces a sandbox for the session's next prompt:
// snapshot restore first, then a warm pool claim, then a fresh create.
// The chosen sandbox is bound to the session.
func (l *Lifecycle) OnFollowUpPrompt(ctx context.Context, sessionID, repository, branch, projectID string) (string, error) {
	sb, err := l.resolveSandbox(ctx, sessionID, repository, branch, projectID)
	if err != nil {
		return "", err
	}
	if err := l.sessions.BindSandbox(ctx, sessionID, &sb.ID); err != nil {
		return "", err
	}
	return sb.ID, nil
}

func (l *Lifecycle) resolveSandbox(ctx context.Context, sessionID, repository, branch, projectID string) (*v1.Sandbox, error) {
	if l.snapshots.HasValid(sessionID) {
		sb, err := l.snapshots.Restore(ctx, sessionID)
		if err != nil {
			l.log.Warn("Snapshot restore failed, falling back",
				zap.String("session_id", sessionID), zap.Error(err))
		} else if sb != nil {
			if l.cfg.SyncOnRestore {
				if err := l.provider.SyncGit(ctx, sb.ID); err != nil {
					l.log.Warn("Post-restore git sync failed",
						zap.String("sandbox_id", sb.ID), zap.Error(err))
				}
			}
			return sb, nil
		}
	}

	key := sandbox.Key{Repository: repository, Branch: branch}
	result, err := l.pool.Claim(ctx, key, projectID)
	if err == nil && result.Sandbox != nil {
		return result.Sandbox, nil
	}

	return l.provider.Create(ctx, sandbox.CreateInput{
		ProjectID:  projectID,
		Repository: repository,
		Branch:     branch,
	})
}

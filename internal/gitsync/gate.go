// Package gitsync gates tool execution on the session's git sync
// state. Read-class tools are always admitted; write-class tools wait
// until the sandbox is synced, so no write can run against stale code.
package gitsync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events"
	"github.com/pairdev/pairdev/internal/events/bus"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// ToolClass divides the tool set.
type ToolClass string

const (
	ToolRead  ToolClass = "read"
	ToolWrite ToolClass = "write"
)

var toolClasses = map[string]ToolClass{
	"read":       ToolRead,
	"glob":       ToolRead,
	"grep":       ToolRead,
	"ls":         ToolRead,
	"codesearch": ToolRead,

	"edit":      ToolWrite,
	"write":     ToolWrite,
	"patch":     ToolWrite,
	"multiedit": ToolWrite,
	"bash":      ToolWrite,
}

// Classify returns the class of a tool name. Unknown tools are
// rejected at the boundary.
func Classify(tool string) (ToolClass, error) {
	class, ok := toolClasses[tool]
	if !ok {
		return "", apperrors.ValidationError("tool", "unknown tool "+tool)
	}
	return class, nil
}

// SessionReader is the slice of the session manager the gate needs.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*v1.Session, error)
}

type waiter struct {
	tool string
	done chan error
}

// Gate admits tool calls per session. Pending write admissions are
// woken, in arrival order, by state.changed events that flip the git
// sync status to synced, and failed when the status reaches error.
type Gate struct {
	sessions SessionReader
	bus      bus.EventBus
	log      *logger.Logger

	mu      sync.Mutex
	pending map[string][]*waiter
	sub     bus.Subscription
	closed  bool
}

// NewGate creates a gate over the session reader and event bus.
func NewGate(sessions SessionReader, eventBus bus.EventBus, log *logger.Logger) *Gate {
	return &Gate{
		sessions: sessions,
		bus:      eventBus,
		log:      log.WithComponent("gitsync-gate"),
		pending:  make(map[string][]*waiter),
	}
}

// Start subscribes the gate to session state changes.
func (g *Gate) Start() error {
	sub, err := g.bus.Subscribe(events.StateChanged, g.onStateChanged)
	if err != nil {
		return apperrors.Wrap(err, "failed to subscribe to state changes")
	}
	g.mu.Lock()
	g.sub = sub
	g.mu.Unlock()
	return nil
}

// Stop unsubscribes and fails all pending admissions.
func (g *Gate) Stop() {
	g.mu.Lock()
	g.closed = true
	sub := g.sub
	g.sub = nil
	all := g.pending
	g.pending = make(map[string][]*waiter)
	g.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, waiters := range all {
		for _, w := range waiters {
			w.done <- apperrors.GitSyncError("gate stopped")
		}
	}
}

// Admit decides whether a tool call may run against the session's
// sandbox. Reads are admitted immediately. Writes are admitted only
// when gitSyncStatus is synced; otherwise the call blocks until the
// session syncs, the sync fails, or ctx is done.
func (g *Gate) Admit(ctx context.Context, sessionID, tool string) error {
	class, err := Classify(tool)
	if err != nil {
		return err
	}
	if class == ToolRead {
		return nil
	}

	session, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	switch session.State.GitSyncStatus {
	case v1.GitSyncSynced:
		return nil
	case v1.GitSyncError:
		return apperrors.GitSyncError("git sync failed for session " + sessionID)
	}

	w := &waiter{tool: tool, done: make(chan error, 1)}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return apperrors.GitSyncError("gate stopped")
	}
	g.pending[sessionID] = append(g.pending[sessionID], w)
	g.mu.Unlock()

	// Re-read after parking: a state.changed delivered between the
	// first read and the append only wakes registered waiters, so the
	// status may already be final by the time we are registered.
	session, err = g.sessions.Get(ctx, sessionID)
	if err != nil {
		g.remove(sessionID, w)
		return err
	}
	switch session.State.GitSyncStatus {
	case v1.GitSyncSynced:
		g.remove(sessionID, w)
		return nil
	case v1.GitSyncError:
		g.remove(sessionID, w)
		return apperrors.GitSyncError("git sync failed for session " + sessionID)
	}

	g.log.Debug("Write admission queued",
		zap.String("session_id", sessionID),
		zap.String("tool", tool))

	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		g.remove(sessionID, w)
		return apperrors.Wrap(ctx.Err(), "admission cancelled")
	}
}

// PendingWrites reports how many write admissions are parked for a
// session.
func (g *Gate) PendingWrites(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending[sessionID])
}

func (g *Gate) remove(sessionID string, target *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	waiters := g.pending[sessionID]
	for i, w := range waiters {
		if w == target {
			g.pending[sessionID] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (g *Gate) onStateChanged(_ context.Context, event *bus.Event) error {
	status, ok := event.Data["git_sync_status"].(string)
	if !ok || event.SessionID == "" {
		return nil
	}

	var result error
	switch v1.GitSyncStatus(status) {
	case v1.GitSyncSynced:
		result = nil
	case v1.GitSyncError:
		result = apperrors.GitSyncError("git sync failed for session " + event.SessionID)
	default:
		return nil
	}

	g.mu.Lock()
	waiters := g.pending[event.SessionID]
	delete(g.pending, event.SessionID)
	g.mu.Unlock()

	// Wake in arrival order so queued writes admit FIFO.
	for _, w := range waiters {
		w.done <- result
	}
	if len(waiters) > 0 {
		g.log.Info("Released pending write admissions",
			zap.String("session_id", event.SessionID),
			zap.Int("count", len(waiters)),
			zap.String("status", status))
	}
	return nil
}

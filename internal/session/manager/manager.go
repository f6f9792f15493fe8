// Package manager owns the multiplayer session aggregate. Every write
// to a session runs on that session's actor, so version numbers move in
// lockstep with the operations that changed the state.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/config"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events"
	"github.com/pairdev/pairdev/internal/events/bus"
	"github.com/pairdev/pairdev/internal/session/actor"
	"github.com/pairdev/pairdev/internal/session/promptqueue"
	"github.com/pairdev/pairdev/internal/session/store"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// Palette cycled through for user presence colors when the client does
// not pick one.
var userColors = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd", "#e5c07b", "#56b6c2",
}

// Manager coordinates session state through the store, the per-session
// actors, and the event bus.
type Manager struct {
	store  store.Store
	bus    bus.EventBus
	log    *logger.Logger
	cfg    config.SessionConfig
	queue  *promptqueue.Queue

	mu         sync.Mutex
	actors     map[string]*actor.Actor
	lockTimers map[string]*time.Timer
	closed     bool

	now func() time.Time
}

// CreateInput describes a new session.
type CreateInput struct {
	ID                  string `json:"id"`
	LinkedWorkSessionID string `json:"linked_work_session_id"`
}

// JoinInput describes a user joining a session.
type JoinInput struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Avatar      string `json:"avatar"`
	Color       string `json:"color"`
}

// ConnectInput describes a client connection bound to a joined user.
type ConnectInput struct {
	UserID string        `json:"user_id"`
	Type   v1.ClientType `json:"type"`
}

// StatePatch updates parts of the session state. Nil fields are left
// untouched; ClearEditLock releases the lock regardless of holder.
type StatePatch struct {
	GitSyncStatus *v1.GitSyncStatus `json:"git_sync_status,omitempty"`
	AgentStatus   *v1.AgentActivity `json:"agent_status,omitempty"`
	EditLock      *string           `json:"edit_lock,omitempty"`
	ClearEditLock bool              `json:"clear_edit_lock,omitempty"`
}

// NewManager creates a session manager over the given store and bus.
func NewManager(st store.Store, eventBus bus.EventBus, cfg config.SessionConfig, log *logger.Logger) *Manager {
	return &Manager{
		store: st,
		bus:   eventBus,
		log:   log.WithComponent("session-manager"),
		cfg:   cfg,
		queue: promptqueue.New(promptqueue.Config{
			MaxPrompts:   cfg.MaxPrompts,
			AllowReorder: cfg.AllowReorder,
		}, nil),
		actors:     make(map[string]*actor.Actor),
		lockTimers: make(map[string]*time.Timer),
		now:        time.Now,
	}
}

func (m *Manager) actorFor(sessionID string) *actor.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[sessionID]
	if !ok {
		a = actor.New(sessionID)
		m.actors[sessionID] = a
	}
	return a
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	event := bus.NewSessionEvent(ctx, eventType, events.SourceSessionManager, sessionID, data)
	if err := m.bus.Publish(ctx, eventType, event); err != nil {
		m.log.Warn("Failed to publish session event",
			zap.String("event_type", eventType),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// errNoChange signals that fn left the session untouched: no version
// bump, no write, no events. Idempotent no-ops return it so versions
// only move when state does.
var errNoChange = errors.New("no change")

// mutate loads the session, applies fn, bumps the version and persists,
// all on the session's actor. fn returns the events to publish after a
// successful commit.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(s *v1.Session) ([]pendingEvent, error)) (*v1.Session, error) {
	var out *v1.Session
	var pending []pendingEvent

	err := m.actorFor(sessionID).Do(ctx, func(ctx context.Context) error {
		s, err := m.store.Get(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("session " + sessionID)
		}
		if err != nil {
			return apperrors.Wrap(err, "failed to load session")
		}

		evs, err := fn(s)
		if errors.Is(err, errNoChange) {
			out = s
			return nil
		}
		if err != nil {
			return err
		}

		s.State.Version++
		if err := m.store.Set(ctx, s); err != nil {
			return apperrors.Wrap(err, "failed to persist session")
		}
		out = s
		pending = evs
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range pending {
		m.publish(ctx, ev.eventType, sessionID, ev.data)
	}
	return out, nil
}

type pendingEvent struct {
	eventType string
	data      map[string]interface{}
}

func one(eventType string, data map[string]interface{}) []pendingEvent {
	return []pendingEvent{{eventType: eventType, data: data}}
}

// Create materializes a new session with empty collections.
func (m *Manager) Create(ctx context.Context, input CreateInput) (*v1.Session, error) {
	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}
	exists, err := m.store.Has(ctx, id)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to check session existence")
	}
	if exists {
		return nil, apperrors.Conflict("session " + id + " already exists")
	}

	session := &v1.Session{
		ID:                  id,
		LinkedWorkSessionID: input.LinkedWorkSessionID,
		Users:               []v1.User{},
		Clients:             []v1.Client{},
		PromptQueue:         []v1.Prompt{},
		State: v1.SessionState{
			GitSyncStatus: v1.GitSyncPending,
			AgentStatus:   v1.AgentIdle,
			Version:       0,
		},
		CreatedAt: m.now().UTC(),
	}

	err = m.actorFor(id).Do(ctx, func(ctx context.Context) error {
		return m.store.Set(ctx, session)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to persist session")
	}

	m.log.Info("Session created",
		zap.String("session_id", id),
		zap.String("work_session_id", input.LinkedWorkSessionID))
	m.publish(ctx, events.SessionCreated, id, map[string]interface{}{
		"linked_work_session_id": input.LinkedWorkSessionID,
	})
	return session.Clone(), nil
}

// Get returns a snapshot of the session. Reads bypass the actor.
func (m *Manager) Get(ctx context.Context, sessionID string) (*v1.Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperrors.NotFound("session " + sessionID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load session")
	}
	return s, nil
}

// List returns snapshots of all sessions.
func (m *Manager) List(ctx context.Context) ([]*v1.Session, error) {
	return m.store.All(ctx)
}

// Delete removes a session. The prompt queue always goes with it, and
// the session's actor is stopped.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	var cleared int
	err := m.actorFor(sessionID).Do(ctx, func(ctx context.Context) error {
		s, err := m.store.Get(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("session " + sessionID)
		}
		if err != nil {
			return apperrors.Wrap(err, "failed to load session")
		}
		cleared = len(s.PromptQueue)
		if _, err := m.store.Delete(ctx, sessionID); err != nil {
			return apperrors.Wrap(err, "failed to delete session")
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	if a, ok := m.actors[sessionID]; ok {
		delete(m.actors, sessionID)
		go a.Stop()
	}
	if timer, ok := m.lockTimers[sessionID]; ok {
		timer.Stop()
		delete(m.lockTimers, sessionID)
	}
	m.mu.Unlock()

	if cleared > 0 {
		m.publish(ctx, events.PromptCleared, sessionID, map[string]interface{}{"removed": cleared})
	}
	m.publish(ctx, events.SessionDeleted, sessionID, nil)
	m.log.Info("Session deleted", zap.String("session_id", sessionID), zap.Int("prompts_cleared", cleared))
	return nil
}

// Join adds a user to the session. Idempotent for the same user id.
func (m *Manager) Join(ctx context.Context, sessionID string, input JoinInput) (*v1.User, error) {
	if input.UserID == "" {
		return nil, apperrors.ValidationError("user_id", "user_id is required")
	}
	var joined v1.User
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if existing := s.FindUser(input.UserID); existing != nil {
			joined = *existing
			return nil, errNoChange
		}
		if len(s.Users) >= m.cfg.MaxUsersPerSession {
			return nil, apperrors.ResourceExhausted("session is full")
		}
		color := input.Color
		if color == "" {
			color = userColors[len(s.Users)%len(userColors)]
		}
		joined = v1.User{
			ID:          input.UserID,
			DisplayName: input.DisplayName,
			Email:       input.Email,
			Avatar:      input.Avatar,
			Color:       color,
			JoinedAt:    m.now().UTC(),
		}
		s.Users = append(s.Users, joined)
		return one(events.UserJoined, map[string]interface{}{
			"user_id":      joined.ID,
			"display_name": joined.DisplayName,
		}), nil
	})
	if err != nil {
		return nil, err
	}
	return &joined, nil
}

// Leave removes a user, all their clients, and their edit lock.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if s.FindUser(userID) == nil {
			return nil, errNoChange
		}
		users := s.Users[:0]
		for _, u := range s.Users {
			if u.ID != userID {
				users = append(users, u)
			}
		}
		s.Users = users

		clients := s.Clients[:0]
		for _, c := range s.Clients {
			if c.UserID != userID {
				clients = append(clients, c)
			}
		}
		s.Clients = clients

		evs := one(events.UserLeft, map[string]interface{}{"user_id": userID})
		if s.State.EditLock != nil && *s.State.EditLock == userID {
			s.State.EditLock = nil
			m.stopLockTimer(sessionID)
			evs = append(evs, pendingEvent{events.LockReleased, map[string]interface{}{
				"user_id": userID,
				"reason":  "left",
			}})
		}
		return evs, nil
	})
	return err
}

// Connect attaches a client connection to a joined user.
func (m *Manager) Connect(ctx context.Context, sessionID string, input ConnectInput) (*v1.Client, error) {
	if !v1.ValidClientType(input.Type) {
		return nil, apperrors.ValidationError("type", "unknown client type")
	}
	var client v1.Client
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if s.FindUser(input.UserID) == nil {
			return nil, apperrors.NotFound("user " + input.UserID)
		}
		existing := 0
		for _, c := range s.Clients {
			if c.UserID == input.UserID {
				existing++
			}
		}
		if existing >= m.cfg.MaxClientsPerUser {
			return nil, apperrors.ResourceExhausted("too many clients for user")
		}
		now := m.now().UTC()
		client = v1.Client{
			ID:           uuid.New().String(),
			UserID:       input.UserID,
			Type:         input.Type,
			ConnectedAt:  now,
			LastActivity: now,
		}
		s.Clients = append(s.Clients, client)
		return one(events.ClientConnected, map[string]interface{}{
			"client_id":   client.ID,
			"user_id":     input.UserID,
			"client_type": string(input.Type),
		}), nil
	})
	if err != nil {
		return nil, err
	}
	return &client, nil
}

// Disconnect removes a client and refreshes its user's last activity.
func (m *Manager) Disconnect(ctx context.Context, sessionID, clientID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		client := s.FindClient(clientID)
		if client == nil {
			return nil, errNoChange
		}
		userID := client.UserID
		clients := s.Clients[:0]
		for _, c := range s.Clients {
			if c.ID != clientID {
				clients = append(clients, c)
			}
		}
		s.Clients = clients
		return one(events.ClientDisconnected, map[string]interface{}{
			"client_id": clientID,
			"user_id":   userID,
		}), nil
	})
	return err
}

// UpdateCursor sets a user's cursor position.
func (m *Manager) UpdateCursor(ctx context.Context, sessionID, userID string, cursor v1.Cursor) error {
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		user := s.FindUser(userID)
		if user == nil {
			return nil, apperrors.NotFound("user " + userID)
		}
		c := cursor
		user.Cursor = &c
		return one(events.CursorMoved, map[string]interface{}{
			"user_id": userID,
			"file":    cursor.File,
			"line":    cursor.Line,
			"column":  cursor.Column,
		}), nil
	})
	return err
}

// AcquireLock takes the session edit lock. Succeeds when the lock is
// free or already held by the same user; the lock auto-expires after
// the configured timeout without a keepalive re-acquire.
func (m *Manager) AcquireLock(ctx context.Context, sessionID, userID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if s.FindUser(userID) == nil {
			return nil, apperrors.NotFound("user " + userID)
		}
		if s.State.EditLock != nil {
			if *s.State.EditLock != userID {
				return nil, apperrors.Conflict("edit lock held by another user")
			}
			// Keepalive: the holder re-acquiring only extends the
			// expiry; the session itself is untouched.
			return nil, errNoChange
		}
		lock := userID
		s.State.EditLock = &lock
		return one(events.LockAcquired, map[string]interface{}{"user_id": userID}), nil
	})
	if err != nil {
		return err
	}
	m.resetLockTimer(sessionID, userID)
	return nil
}

// ReleaseLock drops the edit lock if held by userID. No-op otherwise.
func (m *Manager) ReleaseLock(ctx context.Context, sessionID, userID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if s.State.EditLock == nil || *s.State.EditLock != userID {
			return nil, errNoChange
		}
		s.State.EditLock = nil
		return one(events.LockReleased, map[string]interface{}{
			"user_id": userID,
			"reason":  "released",
		}), nil
	})
	if err != nil {
		return err
	}
	m.stopLockTimer(sessionID)
	return nil
}

// CanEdit reports whether the user may write: the lock is free or
// held by them.
func (m *Manager) CanEdit(ctx context.Context, sessionID, userID string) (bool, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.State.EditLock == nil || *s.State.EditLock == userID, nil
}

// UpdateState patches gitSyncStatus / agentStatus / editLock. Every
// call increments the version and emits one state.changed event with
// the old and new values that moved.
func (m *Manager) UpdateState(ctx context.Context, sessionID string, patch StatePatch) (*v1.Session, error) {
	return m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		data := map[string]interface{}{}
		if patch.GitSyncStatus != nil {
			data["git_sync_status_old"] = string(s.State.GitSyncStatus)
			data["git_sync_status"] = string(*patch.GitSyncStatus)
			s.State.GitSyncStatus = *patch.GitSyncStatus
		}
		if patch.AgentStatus != nil {
			data["agent_status_old"] = string(s.State.AgentStatus)
			data["agent_status"] = string(*patch.AgentStatus)
			s.State.AgentStatus = *patch.AgentStatus
		}
		if patch.ClearEditLock {
			s.State.EditLock = nil
			data["edit_lock"] = ""
		} else if patch.EditLock != nil {
			if s.FindUser(*patch.EditLock) == nil {
				return nil, apperrors.NotFound("user " + *patch.EditLock)
			}
			lock := *patch.EditLock
			s.State.EditLock = &lock
			data["edit_lock"] = lock
		}
		return one(events.StateChanged, data), nil
	})
}

// BindSandbox records (or clears, with nil) the session's sandbox.
func (m *Manager) BindSandbox(ctx context.Context, sessionID string, sandboxID *string) error {
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		s.SandboxID = nil
		data := map[string]interface{}{"sandbox_id": ""}
		if sandboxID != nil {
			id := *sandboxID
			s.SandboxID = &id
			data["sandbox_id"] = id
		}
		return one(events.StateChanged, data), nil
	})
	return err
}

func (m *Manager) resetLockTimer(sessionID, userID string) {
	timeout := m.cfg.LockTimeoutDuration()
	if timeout <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if timer, ok := m.lockTimers[sessionID]; ok {
		timer.Stop()
	}
	m.lockTimers[sessionID] = time.AfterFunc(timeout, func() {
		m.expireLock(sessionID, userID)
	})
}

func (m *Manager) stopLockTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.lockTimers[sessionID]; ok {
		timer.Stop()
		delete(m.lockTimers, sessionID)
	}
}

func (m *Manager) expireLock(sessionID, userID string) {
	ctx := context.Background()
	_, err := m.mutate(ctx, sessionID, func(s *v1.Session) ([]pendingEvent, error) {
		if s.State.EditLock == nil || *s.State.EditLock != userID {
			return nil, errNoChange
		}
		s.State.EditLock = nil
		return one(events.LockReleased, map[string]interface{}{
			"user_id": userID,
			"reason":  "expired",
		}), nil
	})
	if err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
		m.log.Warn("Failed to expire edit lock",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	m.stopLockTimer(sessionID)
}

// Close stops all actors and timers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	actors := make([]*actor.Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*actor.Actor)
	for id, timer := range m.lockTimers {
		timer.Stop()
		delete(m.lockTimers, id)
	}
	m.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
}

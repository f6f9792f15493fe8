// Package snapshot maintains the catalog of sandbox snapshots used to
// hibernate idle sessions. At most one snapshot per session is current;
// creating a new one supersedes (and deletes) the prior.
package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/config"
	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events"
	"github.com/pairdev/pairdev/internal/events/bus"
	"github.com/pairdev/pairdev/internal/sandbox"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// record pairs the catalog entry with the provider-side snapshot ref.
type record struct {
	snap v1.Snapshot
	ref  string
}

// Manager is the snapshot catalog. Safe for concurrent use.
type Manager struct {
	provider sandbox.Provider
	cfg      config.SnapshotConfig
	bus      bus.EventBus
	log      *logger.Logger

	mu        sync.Mutex
	byID      map[string]*record
	bySession map[string]string // session id -> current snapshot id

	done chan struct{}
	once sync.Once

	now func() time.Time
}

// New creates a snapshot manager. Call Start to begin the expiry sweep.
func New(provider sandbox.Provider, cfg config.SnapshotConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		provider:  provider,
		cfg:       cfg,
		bus:       eventBus,
		log:       log.WithComponent("snapshot-manager"),
		byID:      make(map[string]*record),
		bySession: make(map[string]string),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the periodic expiry sweep.
func (m *Manager) Start() {
	interval := time.Duration(m.cfg.SweepInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.DeleteExpired()
			}
		}
	}()
}

// Stop halts the sweep. Catalog entries remain until deleted.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.done) })
}

// Create snapshots the sandbox and registers the result as the
// session's current snapshot. A zero ttl uses the configured default.
func (m *Manager) Create(ctx context.Context, sandboxID, sessionID, gitCommit string, hasUncommittedChanges bool, ttl time.Duration) (*v1.Snapshot, error) {
	if ttl <= 0 {
		ttl = time.Duration(m.cfg.TTLHours) * time.Hour
	}

	ref, err := m.provider.Snapshot(ctx, sandboxID)
	if err != nil {
		return nil, apperrors.Wrap(err, "provider snapshot failed")
	}

	now := m.now().UTC()
	snap := v1.Snapshot{
		ID:                    uuid.New().String(),
		SandboxID:             sandboxID,
		SessionID:             sessionID,
		GitCommit:             gitCommit,
		HasUncommittedChanges: hasUncommittedChanges,
		CreatedAt:             now,
		ExpiresAt:             now.Add(ttl),
	}

	m.mu.Lock()
	var superseded *record
	if priorID, ok := m.bySession[sessionID]; ok {
		superseded = m.byID[priorID]
		delete(m.byID, priorID)
	}
	m.byID[snap.ID] = &record{snap: snap, ref: ref}
	m.bySession[sessionID] = snap.ID
	m.mu.Unlock()

	if superseded != nil {
		m.publish(ctx, events.SnapshotDeleted, sessionID, map[string]interface{}{
			"snapshot_id": superseded.snap.ID,
			"reason":      "superseded",
		})
	}
	m.publish(ctx, events.SnapshotCreated, sessionID, map[string]interface{}{
		"snapshot_id": snap.ID,
		"sandbox_id":  sandboxID,
		"git_commit":  gitCommit,
	})

	out := snap
	return &out, nil
}

// Restore materializes a sandbox from the session's current snapshot.
// Returns (nil, nil) when no valid snapshot exists. The snapshot is
// consumed on success.
func (m *Manager) Restore(ctx context.Context, sessionID string) (*v1.Sandbox, error) {
	m.mu.Lock()
	id, ok := m.bySession[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	rec := m.byID[id]
	if rec == nil || rec.snap.Expired(m.now()) {
		delete(m.bySession, sessionID)
		if rec != nil {
			delete(m.byID, id)
		}
		m.mu.Unlock()
		return nil, nil
	}
	ref := rec.ref
	m.mu.Unlock()

	sb, err := m.provider.Restore(ctx, ref)
	if err != nil {
		return nil, apperrors.Wrap(err, "provider restore failed")
	}

	m.mu.Lock()
	delete(m.byID, id)
	if m.bySession[sessionID] == id {
		delete(m.bySession, sessionID)
	}
	m.mu.Unlock()

	m.publish(ctx, events.SnapshotRestored, sessionID, map[string]interface{}{
		"snapshot_id": id,
		"sandbox_id":  sb.ID,
	})
	return sb, nil
}

// HasValid reports whether the session has a current, unexpired
// snapshot.
func (m *Manager) HasValid(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySession[sessionID]
	if !ok {
		return false
	}
	rec := m.byID[id]
	return rec != nil && !rec.snap.Expired(m.now())
}

// Get returns a snapshot by id.
func (m *Manager) Get(id string) (*v1.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, apperrors.NotFound("snapshot " + id)
	}
	out := rec.snap
	return &out, nil
}

// List returns all snapshots, or only the given session's when
// sessionID is non-empty.
func (m *Manager) List(sessionID string) []v1.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]v1.Snapshot, 0, len(m.byID))
	for _, rec := range m.byID {
		if sessionID != "" && rec.snap.SessionID != sessionID {
			continue
		}
		out = append(out, rec.snap)
	}
	return out
}

// Delete removes a snapshot by id. Returns false if absent.
func (m *Manager) Delete(ctx context.Context, id string) bool {
	m.mu.Lock()
	rec, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.byID, id)
	if m.bySession[rec.snap.SessionID] == id {
		delete(m.bySession, rec.snap.SessionID)
	}
	m.mu.Unlock()

	m.publish(ctx, events.SnapshotDeleted, rec.snap.SessionID, map[string]interface{}{
		"snapshot_id": id,
		"reason":      "explicit",
	})
	return true
}

// DeleteExpired removes every expired snapshot and returns the count.
func (m *Manager) DeleteExpired() int {
	now := m.now()

	m.mu.Lock()
	var expired []*record
	for id, rec := range m.byID {
		if rec.snap.Expired(now) {
			expired = append(expired, rec)
			delete(m.byID, id)
			if m.bySession[rec.snap.SessionID] == id {
				delete(m.bySession, rec.snap.SessionID)
			}
		}
	}
	m.mu.Unlock()

	for _, rec := range expired {
		m.publish(context.Background(), events.SnapshotExpired, rec.snap.SessionID, map[string]interface{}{
			"snapshot_id": rec.snap.ID,
		})
	}
	if len(expired) > 0 {
		m.log.Info("Swept expired snapshots", zap.Int("count", len(expired)))
	}
	return len(expired)
}

func (m *Manager) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	event := bus.NewSessionEvent(ctx, eventType, events.SourceSnapshots, sessionID, data)
	if err := m.bus.Publish(ctx, eventType, event); err != nil {
		m.log.Warn("Failed to publish snapshot event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}

package store

import (
	"context"
	"sync"

	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// MemoryStore is the default in-process backend. Sessions are deep-copied
// on both write and read so no caller ever holds a reference into the map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*v1.Session
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*v1.Session),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*v1.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (m *MemoryStore) Set(_ context.Context, session *v1.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok, nil
}

func (m *MemoryStore) Has(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.sessions[id]
	return ok, nil
}

func (m *MemoryStore) All(_ context.Context) ([]*v1.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*v1.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.Clone())
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.sessions), nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sessions = make(map[string]*v1.Session)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.sessions = nil
	return nil
}

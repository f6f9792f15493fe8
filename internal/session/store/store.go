// Package store provides the persistence abstraction for the session
// aggregate: a mapping of session id to Session, with transactional
// upsert of the nested user, client and prompt collections.
package store

import (
	"context"
	"errors"

	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

var (
	// ErrNotFound is returned by Get when the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrClosed is returned on any operation against a closed store.
	ErrClosed = errors.New("store is closed")
)

// Store persists the Session aggregate. Implementations must read and
// write consistent snapshots including all nested collections; callers
// never see partially-applied writes. Concurrency control is the
// session actor's job, not the store's.
type Store interface {
	// Get reads a consistent snapshot of the session, ErrNotFound if absent.
	Get(ctx context.Context, id string) (*v1.Session, error)

	// Set atomically replaces the session and its nested collections.
	Set(ctx context.Context, session *v1.Session) error

	// Delete removes the session. Returns true iff the key existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Has reports whether the session exists.
	Has(ctx context.Context, id string) (bool, error)

	// All returns every persisted session. Iteration order is unspecified.
	All(ctx context.Context) ([]*v1.Session, error)

	// Count returns the number of persisted sessions.
	Count(ctx context.Context) (int, error)

	// Clear removes all sessions. Used by tests.
	Clear(ctx context.Context) error

	// Close releases backend handles. Subsequent calls fail with ErrClosed.
	Close() error
}

// Package db opens the relational backends of the session state store.
// Both backends are exposed as a writer/reader Pool so the store's
// queries never care which engine is underneath: session writes (every
// version bump is a small transaction) go through Writer, the read
// paths through Reader.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs the write and read connection pools of one database.
//
// SQLite: the writer is pinned to a single connection so version-bump
// transactions serialize without SQLITE_BUSY, while WAL mode lets the
// reader pool serve session lookups concurrently. Postgres: pgx pools
// internally, so writer and reader are the same handle.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer returns the pool for transactions and statements that mutate
// session state.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool for session lookups.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools. When they share one handle (Postgres) it is
// closed once.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && err == nil {
			err = rErr
		}
	}
	return err
}

package db

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	// One orchestrator process talks to the session database; a small
	// pool is plenty and keeps connection pressure off a shared
	// Postgres.
	pgDefaultMaxConns = 10
	pgDefaultIdle     = 2
)

// OpenPostgresPool connects to an external Postgres over the pgx
// stdlib driver and verifies the connection. Writer and reader share
// the handle; pgx pools internally.
func OpenPostgresPool(ctx context.Context, dsn string, maxConns, idleConns int) (*Pool, error) {
	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	if idleConns <= 0 {
		idleConns = pgDefaultIdle
	}

	conn, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(idleConns)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Pool{writer: conn, reader: conn}, nil
}

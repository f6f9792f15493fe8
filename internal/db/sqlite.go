package db

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeout bounds how long a statement waits on the write
	// lock before failing. Session writes are tiny, so contention
	// clears quickly; anything longer than this indicates a stuck
	// transaction, not load.
	sqliteBusyTimeout = 5 * time.Second

	// sqliteReaderConns sizes the read pool. The orchestrator's read
	// load is session lookups from HTTP handlers and the gitsync gate;
	// WAL snapshots let these run alongside the single writer.
	sqliteReaderConns = 8
)

// OpenSQLitePool opens the SQLite session database as a writer/reader
// pair: one write connection in WAL mode plus a read-only pool.
func OpenSQLitePool(path string) (*Pool, error) {
	abs, err := resolveSQLitePath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare sqlite path: %w", err)
	}

	writer, err := sqlx.Open("sqlite3", sqliteDSN(abs, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// First touch creates the file and switches it to WAL before any
	// reader connects.
	if _, err := writer.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	reader, err := sqlx.Open("sqlite3", sqliteDSN(abs, true))
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)

	return &Pool{writer: writer, reader: reader}, nil
}

func sqliteDSN(path string, readOnly bool) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", fmt.Sprint(int(sqliteBusyTimeout/time.Millisecond)))
	q.Set("_synchronous", "NORMAL")
	q.Set("cache", "shared")
	if readOnly {
		q.Set("mode", "ro")
	} else {
		q.Set("mode", "rwc")
	}
	return "file:" + path + "?" + q.Encode()
}

func resolveSQLitePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(abs); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return abs, nil
}

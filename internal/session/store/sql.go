package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pairdev/pairdev/internal/db"
	v1 "github.com/pairdev/pairdev/pkg/api/v1"
)

// SQLStore persists sessions in SQLite or PostgreSQL through a shared
// schema. Every Set replaces the aggregate in a single transaction:
// upsert the session row, then rewrite the child rows. Reads order the
// collections deterministically (users by joined_at, clients by
// connected_at, prompts by priority rank then queued_at).
type SQLStore struct {
	pool *db.Pool

	mu     sync.RWMutex
	closed bool
}

type sessionRow struct {
	ID                  string         `db:"id"`
	LinkedWorkSessionID string         `db:"linked_work_session_id"`
	SandboxID           sql.NullString `db:"sandbox_id"`
	StateJSON           string         `db:"state_json"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

type userRow struct {
	ID          string         `db:"id"`
	SessionID   string         `db:"session_id"`
	DisplayName string         `db:"display_name"`
	Email       string         `db:"email"`
	Avatar      string         `db:"avatar"`
	Color       string         `db:"color"`
	CursorJSON  sql.NullString `db:"cursor_json"`
	JoinedAt    time.Time      `db:"joined_at"`
}

type clientRow struct {
	ID           string    `db:"id"`
	SessionID    string    `db:"session_id"`
	UserID       string    `db:"user_id"`
	ClientType   string    `db:"client_type"`
	ConnectedAt  time.Time `db:"connected_at"`
	LastActivity time.Time `db:"last_activity"`
}

type promptRow struct {
	ID          string       `db:"id"`
	SessionID   string       `db:"session_id"`
	UserID      string       `db:"user_id"`
	Content     string       `db:"content"`
	Status      string       `db:"status"`
	Priority    int          `db:"priority"`
	QueuedAt    time.Time    `db:"queued_at"`
	StartedAt   sql.NullTime `db:"started_at"`
	CompletedAt sql.NullTime `db:"completed_at"`
	Active      bool         `db:"active"`
}

// NewSQLStore creates a store over the given pool and ensures the schema.
func NewSQLStore(ctx context.Context, pool *db.Pool) (*SQLStore, error) {
	if _, err := pool.Writer().ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return &SQLStore{pool: pool}, nil
}

func (s *SQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*v1.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	reader := s.pool.Reader()

	var row sessionRow
	err := reader.GetContext(ctx, &row,
		reader.Rebind(`SELECT id, linked_work_session_id, sandbox_id, state_json, created_at, updated_at FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s.loadAggregate(ctx, reader, &row)
}

func (s *SQLStore) loadAggregate(ctx context.Context, reader *sqlx.DB, row *sessionRow) (*v1.Session, error) {
	session := &v1.Session{
		ID:                  row.ID,
		LinkedWorkSessionID: row.LinkedWorkSessionID,
		CreatedAt:           row.CreatedAt,
		Users:               []v1.User{},
		Clients:             []v1.Client{},
		PromptQueue:         []v1.Prompt{},
	}
	if row.SandboxID.Valid {
		id := row.SandboxID.String
		session.SandboxID = &id
	}
	if err := json.Unmarshal([]byte(row.StateJSON), &session.State); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}

	var users []userRow
	if err := reader.SelectContext(ctx, &users,
		reader.Rebind(`SELECT id, session_id, display_name, email, avatar, color, cursor_json, joined_at FROM session_users WHERE session_id = ? ORDER BY joined_at, id`), row.ID); err != nil {
		return nil, fmt.Errorf("failed to load session users: %w", err)
	}
	for _, u := range users {
		user := v1.User{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			Avatar:      u.Avatar,
			Color:       u.Color,
			JoinedAt:    u.JoinedAt,
		}
		if u.CursorJSON.Valid && u.CursorJSON.String != "" {
			cursor := &v1.Cursor{}
			if err := json.Unmarshal([]byte(u.CursorJSON.String), cursor); err != nil {
				return nil, fmt.Errorf("failed to decode cursor for user %s: %w", u.ID, err)
			}
			user.Cursor = cursor
		}
		session.Users = append(session.Users, user)
	}

	var clients []clientRow
	if err := reader.SelectContext(ctx, &clients,
		reader.Rebind(`SELECT id, session_id, user_id, client_type, connected_at, last_activity FROM session_clients WHERE session_id = ? ORDER BY connected_at, id`), row.ID); err != nil {
		return nil, fmt.Errorf("failed to load session clients: %w", err)
	}
	for _, c := range clients {
		session.Clients = append(session.Clients, v1.Client{
			ID:           c.ID,
			UserID:       c.UserID,
			Type:         v1.ClientType(c.ClientType),
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity,
		})
	}

	var prompts []promptRow
	if err := reader.SelectContext(ctx, &prompts,
		reader.Rebind(`SELECT id, session_id, user_id, content, status, priority, queued_at, started_at, completed_at, active FROM session_prompts WHERE session_id = ? ORDER BY priority, queued_at, id`), row.ID); err != nil {
		return nil, fmt.Errorf("failed to load session prompts: %w", err)
	}
	for _, p := range prompts {
		prompt := v1.Prompt{
			ID:        p.ID,
			SessionID: p.SessionID,
			UserID:    p.UserID,
			Content:   p.Content,
			Status:    v1.PromptStatus(p.Status),
			Priority:  v1.PromptPriority(p.Priority),
			CreatedAt: p.QueuedAt,
		}
		if p.StartedAt.Valid {
			t := p.StartedAt.Time
			prompt.StartedAt = &t
		}
		if p.CompletedAt.Valid {
			t := p.CompletedAt.Time
			prompt.CompletedAt = &t
		}
		if p.Active {
			active := prompt
			session.ActivePrompt = &active
			continue
		}
		session.PromptQueue = append(session.PromptQueue, prompt)
	}

	return session, nil
}

func (s *SQLStore) Set(ctx context.Context, session *v1.Session) error {
	if err := s.guard(); err != nil {
		return err
	}
	writer := s.pool.Writer()

	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}

	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sandboxID sql.NullString
	if session.SandboxID != nil {
		sandboxID = sql.NullString{String: *session.SandboxID, Valid: true}
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (id, linked_work_session_id, sandbox_id, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			linked_work_session_id = excluded.linked_work_session_id,
			sandbox_id = excluded.sandbox_id,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`),
		session.ID, session.LinkedWorkSessionID, sandboxID, string(stateJSON), session.CreatedAt.UTC(), now); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	// Child rows are rewritten wholesale; the aggregate is small and the
	// single-writer actor means no interleaved writers to race with.
	for _, table := range []string{"session_users", "session_clients", "session_prompts"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE session_id = ?`), session.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, u := range session.Users {
		var cursorJSON sql.NullString
		if u.Cursor != nil {
			raw, err := json.Marshal(u.Cursor)
			if err != nil {
				return fmt.Errorf("failed to encode cursor for user %s: %w", u.ID, err)
			}
			cursorJSON = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_users (id, session_id, display_name, email, avatar, color, cursor_json, joined_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			u.ID, session.ID, u.DisplayName, u.Email, u.Avatar, u.Color, cursorJSON, u.JoinedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert user %s: %w", u.ID, err)
		}
	}

	for _, c := range session.Clients {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_clients (id, session_id, user_id, client_type, connected_at, last_activity)
			VALUES (?, ?, ?, ?, ?, ?)`),
			c.ID, session.ID, c.UserID, string(c.Type), c.ConnectedAt.UTC(), c.LastActivity.UTC()); err != nil {
			return fmt.Errorf("failed to insert client %s: %w", c.ID, err)
		}
	}

	insertPrompt := func(p *v1.Prompt, active bool) error {
		var startedAt, completedAt sql.NullTime
		if p.StartedAt != nil {
			startedAt = sql.NullTime{Time: p.StartedAt.UTC(), Valid: true}
		}
		if p.CompletedAt != nil {
			completedAt = sql.NullTime{Time: p.CompletedAt.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO session_prompts (id, session_id, user_id, content, status, priority, queued_at, started_at, completed_at, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ID, session.ID, p.UserID, p.Content, string(p.Status), int(p.Priority), p.CreatedAt.UTC(), startedAt, completedAt, active); err != nil {
			return fmt.Errorf("failed to insert prompt %s: %w", p.ID, err)
		}
		return nil
	}
	for i := range session.PromptQueue {
		if err := insertPrompt(&session.PromptQueue[i], false); err != nil {
			return err
		}
	}
	if session.ActivePrompt != nil {
		if err := insertPrompt(session.ActivePrompt, true); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	writer := s.pool.Writer()

	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Explicit child deletes: SQLite only cascades when foreign_keys is
	// on, and the delete must be atomic with the parent either way.
	for _, table := range []string{"session_prompts", "session_clients", "session_users"} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+table+` WHERE session_id = ?`), id); err != nil {
			return false, fmt.Errorf("failed to delete from %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) Has(ctx context.Context, id string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	reader := s.pool.Reader()
	var count int
	if err := reader.GetContext(ctx, &count,
		reader.Rebind(`SELECT COUNT(*) FROM sessions WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) All(ctx context.Context) ([]*v1.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	reader := s.pool.Reader()

	var rows []sessionRow
	if err := reader.SelectContext(ctx, &rows,
		`SELECT id, linked_work_session_id, sandbox_id, state_json, created_at, updated_at FROM sessions ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]*v1.Session, 0, len(rows))
	for i := range rows {
		session, err := s.loadAggregate(ctx, reader, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var count int
	if err := s.pool.Reader().GetContext(ctx, &count, `SELECT COUNT(*) FROM sessions`); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func (s *SQLStore) Clear(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	writer := s.pool.Writer()
	for _, table := range []string{"session_prompts", "session_clients", "session_users", "sessions"} {
		if _, err := writer.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.pool.Close()
}

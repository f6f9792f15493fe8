package store

// Schema for the SQL-backed store. The session row carries the versioned
// state as JSON; the nested collections live in child tables so ordering
// survives a round-trip deterministically. Works on both SQLite and
// PostgreSQL.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	linked_work_session_id TEXT NOT NULL,
	sandbox_id TEXT,
	state_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS session_users (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	display_name TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	color TEXT NOT NULL DEFAULT '',
	cursor_json TEXT,
	joined_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS session_clients (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	client_type TEXT NOT NULL,
	connected_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS session_prompts (
	id TEXT NOT NULL,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL,
	queued_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	active INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_session_prompts_order
	ON session_prompts(session_id, priority, queued_at);
`

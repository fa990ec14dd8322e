package store

import (
	"strconv"
	"strings"
)

// Dialect abstracts the SQL differences between the embedded and networked
// backends: placeholder syntax, JSON column types, and schema DDL.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind converts ?-style placeholders to the dialect's native form.
// Queries throughout the store are written with ? and rebound on use.
func (d Dialect) Rebind(query string) string {
	if d == DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SchemaStatements returns the DDL for all tables and indexes, in
// dependency order. Statements are idempotent.
func (d Dialect) SchemaStatements() []string {
	if d == DialectPostgres {
		return postgresSchema
	}
	return sqliteSchema
}

// The embedded schema. SQLite resolves foreign keys at runtime, so the
// internal_sessions -> checkpoints forward reference is legal here.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_login TIMESTAMP,
		data TEXT,
		api_key TEXT UNIQUE,
		session_limit INTEGER NOT NULL DEFAULT 5
	)`,
	`CREATE TABLE IF NOT EXISTS external_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		session_name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		data TEXT,
		metadata TEXT,
		branch_count INTEGER NOT NULL DEFAULT 0,
		total_checkpoints INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS internal_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		external_session_id INTEGER NOT NULL REFERENCES external_sessions(id) ON DELETE CASCADE,
		graph_session_id TEXT NOT NULL UNIQUE,
		state_data TEXT,
		conversation_history TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_current BOOLEAN NOT NULL DEFAULT 0,
		checkpoint_count INTEGER NOT NULL DEFAULT 0,
		parent_session_id INTEGER REFERENCES internal_sessions(id) ON DELETE SET NULL,
		branch_point_checkpoint_id INTEGER REFERENCES checkpoints(id) ON DELETE SET NULL,
		tool_invocation_count INTEGER NOT NULL DEFAULT 0,
		tool_invocations TEXT,
		metadata TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		internal_session_id INTEGER NOT NULL REFERENCES internal_sessions(id) ON DELETE CASCADE,
		checkpoint_name TEXT,
		checkpoint_data TEXT NOT NULL,
		is_auto BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		user_id INTEGER REFERENCES users(id) ON DELETE SET NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_external_sessions_active ON external_sessions(user_id, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_external ON internal_sessions(external_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_parent ON internal_sessions(parent_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(internal_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_user ON checkpoints(user_id)`,
}

// The networked schema uses JSONB for JSON columns and adds the circular
// internal_sessions -> checkpoints constraint after both tables exist.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_login TIMESTAMPTZ,
		data JSONB,
		api_key VARCHAR(255) UNIQUE,
		session_limit INTEGER NOT NULL DEFAULT 5
	)`,
	`CREATE TABLE IF NOT EXISTS external_sessions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		session_name VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		data JSONB,
		metadata JSONB,
		branch_count INTEGER NOT NULL DEFAULT 0,
		total_checkpoints INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS internal_sessions (
		id BIGSERIAL PRIMARY KEY,
		external_session_id BIGINT NOT NULL REFERENCES external_sessions(id) ON DELETE CASCADE,
		graph_session_id VARCHAR(255) NOT NULL UNIQUE,
		state_data JSONB,
		conversation_history JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		is_current BOOLEAN NOT NULL DEFAULT FALSE,
		checkpoint_count INTEGER NOT NULL DEFAULT 0,
		parent_session_id BIGINT REFERENCES internal_sessions(id) ON DELETE SET NULL,
		branch_point_checkpoint_id BIGINT,
		tool_invocation_count INTEGER NOT NULL DEFAULT 0,
		tool_invocations JSONB,
		metadata JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id BIGSERIAL PRIMARY KEY,
		internal_session_id BIGINT NOT NULL REFERENCES internal_sessions(id) ON DELETE CASCADE,
		checkpoint_name VARCHAR(255),
		checkpoint_data JSONB NOT NULL,
		is_auto BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		user_id BIGINT REFERENCES users(id) ON DELETE SET NULL
	)`,
	`DO $$ BEGIN
		ALTER TABLE internal_sessions
			ADD CONSTRAINT fk_internal_sessions_branch_point
			FOREIGN KEY (branch_point_checkpoint_id)
			REFERENCES checkpoints(id) ON DELETE SET NULL;
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE INDEX IF NOT EXISTS idx_external_sessions_active ON external_sessions(user_id, is_active)`,
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_external ON internal_sessions(external_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_internal_sessions_parent ON internal_sessions(parent_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(internal_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_user ON checkpoints(user_id)`,
}

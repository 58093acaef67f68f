// Package store is the SQLite record store behind the agent: chat sessions,
// their messages, learnings recorded from user corrections, and the tunnel
// URLs the supervisor has discovered.
//
// The store is a collaborator, not a core dependency. Callers treat any error
// as "storage unavailable" and carry on without the record.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS learnings (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id          TEXT NOT NULL,
	user_correction     TEXT NOT NULL,
	ai_mistake          TEXT NOT NULL,
	context             TEXT NOT NULL DEFAULT '',
	model_used          TEXT NOT NULL DEFAULT '',
	summary             TEXT NOT NULL,
	applied_count       INTEGER NOT NULL DEFAULT 0,
	effectiveness_score REAL NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS learning_applications (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	learning_id INTEGER NOT NULL REFERENCES learnings(id) ON DELETE CASCADE,
	session_id  TEXT NOT NULL,
	success     INTEGER NOT NULL,
	applied_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tunnel_discoveries (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	provider      TEXT NOT NULL,
	url           TEXT NOT NULL,
	discovered_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_discoveries_time ON tunnel_discoveries(discovered_at);
`

// Store wraps a single-connection SQLite database. It is safe for concurrent
// use; database/sql serialises access through the one connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases from splitting across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if path != ":memory:" {
		_ = os.Chmod(path, 0o600)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixMilli()
}

func fromStamp(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

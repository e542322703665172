// Package store provides the SQLite-backed relational persistence used
// by the assistant: chat history, usage metrics, workflow state and the
// facility tables the generated queries run against.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default location for the SQLite database.
const DefaultPath = ".opsassist/assistant.db"

// Store wraps the relational database handle.
type Store struct {
	db   *sql.DB
	path string
}

// Config configures the store.
type Config struct {
	Path string `yaml:"path"`
}

// Open opens (creating if needed) the assistant database.
func Open(cfg Config) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an isolated in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A second connection to ":memory:" would open a second empty
	// database, so the pool is pinned to one.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: ":memory:"}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_session ON chat_history(session_id, id);

	CREATE TABLE IF NOT EXISTS usage_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		trace_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		capability TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS workflow_state (
		session_id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL,
		step_index INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'in_progress',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS facility (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_transaction (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		facility_id INTEGER REFERENCES facility(id),
		title TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		assigned_to TEXT,
		due_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scheduler_slot (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		starts_at TIMESTAMP NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for schema introspection and the
// query executor.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a statement with the given timeout.
func (s *Store) Exec(ctx context.Context, timeout time.Duration, query string, args ...any) (sql.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.db.ExecContext(ctx, query, args...)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

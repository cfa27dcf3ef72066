package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	email         TEXT UNIQUE,
	created_at    DATETIME NOT NULL,
	last_login    DATETIME,
	is_active     INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS sessions (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id          INTEGER NOT NULL REFERENCES users(id),
	title            TEXT NOT NULL,
	model_descriptor TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	is_active        INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  INTEGER NOT NULL REFERENCES sessions(id),
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	timestamp   DATETIME NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

CREATE TABLE IF NOT EXISTS memories (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id           INTEGER NOT NULL REFERENCES users(id),
	memory_type       TEXT NOT NULL,
	key               TEXT NOT NULL,
	value             TEXT NOT NULL,
	source_session_id INTEGER REFERENCES sessions(id),
	importance        REAL NOT NULL DEFAULT 1.0,
	created_at        DATETIME NOT NULL,
	last_accessed     DATETIME NOT NULL,
	access_count      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (user_id, memory_type, key)
);

CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);
`

// Store is an explicitly constructed persistence handle with an
// open/close lifecycle. It is injected into the engine rather than
// reached through ambient state, and may be shared by several engines:
// writers are serialized by the transaction boundary.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at dbPath and ensures the schema
// exists. Use ":memory:" for an ephemeral store in tests.
func Open(dbPath string) (*Store, error) {
	return OpenWithLogger(dbPath, nil)
}

// OpenWithLogger is Open with an explicit slog logger for persistence
// diagnostics. A nil logger falls back to slog.Default().
func OpenWithLogger(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps :memory: databases coherent and
	// serializes writers, which is the concurrency model here anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// withTx runs fn inside a short-lived transaction: one logical change,
// committed on success, rolled back on error. No long-held locks.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

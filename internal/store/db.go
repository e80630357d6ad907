// Package store provides SQLite-backed persistence for dispatch: tasks,
// workers, loop checkpoints, the append-only audit log, the dead-letter
// store, and shared key/value state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict indicates an optimistic-concurrency write lost the
// race: the row's version changed since it was read. Callers re-read
// and retry.
var ErrVersionConflict = errors.New("version conflict")

// ErrDuplicate indicates an insert collided with an existing row on a
// unique key.
var ErrDuplicate = errors.New("duplicate row")

// isConstraintErr reports whether err is a SQLite constraint violation,
// by driver error code rather than message text.
func isConstraintErr(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// DB wraps an SQLite connection with dispatch-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the path to the dispatch database, honoring
// XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "dispatch", "dispatch.db")
}

// ProjectDBPath returns the path to a project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".dispatch", "state.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories as needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Workers},
		{3, migrationV3Checkpoints},
		{4, migrationV4Audit},
		{5, migrationV5DeadLetters},
		{6, migrationV6KV},
		{7, migrationV7TaskDepth},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	template TEXT,
	priority INTEGER NOT NULL DEFAULT 5,
	status TEXT NOT NULL DEFAULT 'pending',
	mode TEXT NOT NULL DEFAULT 'direct',
	input TEXT,
	result TEXT,
	error TEXT,
	specialization TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	submitted_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	parent_id TEXT,
	depends_on TEXT,
	partial INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority, submitted_at);
`

const migrationV2Workers = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	task_id TEXT,
	specialization TEXT,
	state TEXT NOT NULL DEFAULT 'spawning',
	priority INTEGER NOT NULL DEFAULT 0,
	spawned_at DATETIME NOT NULL,
	terminated_at DATETIME,
	last_heartbeat DATETIME,
	memory_bytes INTEGER NOT NULL DEFAULT 0,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0.0
);

CREATE INDEX IF NOT EXISTS idx_workers_task_id ON workers(task_id);
CREATE INDEX IF NOT EXISTS idx_workers_state ON workers(state);
`

const migrationV3Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	task_id TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, iteration)
);
`

const migrationV4Audit = `
CREATE TABLE IF NOT EXISTS audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	correlation_id TEXT,
	actor TEXT NOT NULL,
	task_id TEXT,
	action TEXT NOT NULL,
	data TEXT,
	outcome TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_task_id ON audit(task_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit(timestamp);
`

const migrationV5DeadLetters = `
CREATE TABLE IF NOT EXISTS dead_letters (
	task_id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	reason TEXT NOT NULL,
	dead_lettered_at DATETIME NOT NULL
);
`

const migrationV6KV = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const migrationV7TaskDepth = `
ALTER TABLE tasks ADD COLUMN depth INTEGER NOT NULL DEFAULT 0;
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs fn within a transaction. A failed write rolls back,
// leaving the prior state intact.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// timeFormat is fixed-width so stored timestamps sort correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// formatNullableTime formats an optional time for SQLite storage.
func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

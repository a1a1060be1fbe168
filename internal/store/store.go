// Package store provides SQLite-backed persistence for the task coordination
// engine. It owns the schema, the transaction boundary, and the row mapping
// for tasks, results, and dead-letter entries. WAL mode keeps readers live
// while a writer transaction is in flight.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with coordination-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// Querier is the subset of database operations shared by DB and sql.Tx, so
// record helpers work both standalone and inside a transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Compile-time verification that both connection types satisfy Querier.
var (
	_ Querier = (*DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// DefaultDBPath returns the path to the default on-disk database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "taskcoord", "tasks.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode is enabled for concurrent reads.
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

	return &DB{
		conn: conn,
		path: path,
	}, nil
}

// OpenDefault opens the database at the default data path.
func OpenDefault() (*DB, error) {
	return Open(DefaultDBPath())
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
		{2, migrationV2DeadLetters},
		{3, migrationV3Results},
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

// Migration SQL statements. Timestamps are integer Unix milliseconds so that
// ordering comparisons and wait arithmetic never depend on string formats.
const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	payload BLOB,
	metadata TEXT,
	priority TEXT NOT NULL DEFAULT 'normal',
	status TEXT NOT NULL DEFAULT 'pending',
	required_caps TEXT,
	affinity TEXT,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	base_delay_ms INTEGER NOT NULL DEFAULT 1000,
	max_delay_ms INTEGER NOT NULL DEFAULT 60000,
	backoff_factor REAL NOT NULL DEFAULT 2.0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	assigned_worker TEXT,
	attempted_workers TEXT,
	last_error TEXT,
	result_id TEXT,
	parent_task_id TEXT,
	created_at INTEGER NOT NULL,
	not_before INTEGER,
	assigned_at INTEGER,
	started_at INTEGER,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);
`

const migrationV2DeadLetters = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL UNIQUE,
	task_type TEXT NOT NULL,
	payload BLOB,
	metadata TEXT,
	priority TEXT NOT NULL,
	required_caps TEXT,
	timeout_ms INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL,
	base_delay_ms INTEGER NOT NULL,
	max_delay_ms INTEGER NOT NULL,
	backoff_factor REAL NOT NULL,
	final_status TEXT NOT NULL,
	final_error TEXT,
	stack TEXT,
	attempt_count INTEGER NOT NULL,
	attempted_workers TEXT,
	task_created_at INTEGER NOT NULL,
	failed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
`

const migrationV3Results = `
CREATE TABLE IF NOT EXISTS results (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL UNIQUE,
	payload BLOB,
	created_at INTEGER NOT NULL
);
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

// Transaction runs the given function within a transaction. The function must
// perform all database access through the provided tx.
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

// timeToMs converts a time.Time to Unix milliseconds for storage.
func timeToMs(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// msToTime converts stored Unix milliseconds back to a time.Time.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// timePtrToMs converts an optional time to a nullable column value.
func timePtrToMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeToMs(*t)
}

// nullableTime converts a nullable millisecond column to an optional time.
func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := msToTime(n.Int64)
	return &t
}

// marshalStrings encodes a string slice as a JSON column value. Empty slices
// store as NULL.
func marshalStrings(vals []string) any {
	if len(vals) == 0 {
		return nil
	}
	b, _ := json.Marshal(vals)
	return string(b)
}

// unmarshalStrings decodes a JSON string-array column.
func unmarshalStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var vals []string
	json.Unmarshal([]byte(s.String), &vals)
	return vals
}

// marshalMeta encodes a metadata map as a JSON column value. Empty maps store
// as NULL.
func marshalMeta(meta map[string]string) any {
	if len(meta) == 0 {
		return nil
	}
	b, _ := json.Marshal(meta)
	return string(b)
}

// unmarshalMeta decodes a JSON object column into a metadata map.
func unmarshalMeta(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var meta map[string]string
	json.Unmarshal([]byte(s.String), &meta)
	return meta
}

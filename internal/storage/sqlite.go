// Package storage persists shards, namespace entries, previews, and shares
// in SQLite. It implements namespace.Store.
package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/flotillahq/flotilla/internal/namespace"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema
// migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS shards (
    id TEXT PRIMARY KEY,
    domain TEXT NOT NULL,
    kind TEXT NOT NULL,
    secret TEXT NOT NULL,
    paired INTEGER NOT NULL DEFAULT 0,
    is_up INTEGER NOT NULL DEFAULT 0,
    last_heartbeat INTEGER,
    space_total INTEGER NOT NULL DEFAULT 0,
    space_free INTEGER NOT NULL DEFAULT 0,
    memory_total INTEGER NOT NULL DEFAULT 0,
    memory_free INTEGER NOT NULL DEFAULT 0,
    cpu_use REAL NOT NULL DEFAULT 0,
    bw_in INTEGER NOT NULL DEFAULT 0,
    bw_out INTEGER NOT NULL DEFAULT 0,
    node_name TEXT,
    lat REAL,
    lng REAL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    owner_id TEXT,
    parent_id TEXT REFERENCES entries(id),
    name TEXT NOT NULL,
    is_folder INTEGER NOT NULL DEFAULT 0,
    is_private INTEGER NOT NULL DEFAULT 0,
    mime_type TEXT NOT NULL DEFAULT '',
    file_type TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    file_key TEXT NOT NULL DEFAULT '',
    preview_key TEXT NOT NULL DEFAULT '',
    preview_blur_hash TEXT NOT NULL DEFAULT '',
    width INTEGER NOT NULL DEFAULT 0,
    height INTEGER NOT NULL DEFAULT 0,
    shard_id TEXT REFERENCES shards(id),
    replication_parent TEXT REFERENCES entries(id) ON DELETE SET NULL,
    status TEXT NOT NULL,
    transcode_status TEXT,
    transcode_started_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS previews (
    id TEXT PRIMARY KEY,
    entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
    preview_key TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    quality TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS shares (
    id TEXT PRIMARY KEY,
    entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
    owner_id TEXT NOT NULL,
    share_type TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    password_hash BLOB,
    expires_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(entry_id, owner_id)
);

-- Sibling names are unique per (owner, parent). COALESCE folds the NULL root
-- parent into a comparable value; anonymous entries are unconstrained.
CREATE UNIQUE INDEX IF NOT EXISTS entries_owner_parent_name
    ON entries(owner_id, COALESCE(parent_id, ''), name)
    WHERE owner_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(parent_id);
CREATE INDEX IF NOT EXISTS idx_entries_owner ON entries(owner_id);
CREATE INDEX IF NOT EXISTS idx_entries_replication ON entries(replication_parent);
CREATE INDEX IF NOT EXISTS idx_entries_work ON entries(status, transcode_status, is_folder);
CREATE INDEX IF NOT EXISTS idx_previews_entry ON previews(entry_id);
CREATE INDEX IF NOT EXISTS idx_shares_owner ON shares(owner_id);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. modernc/sqlite surfaces these as strings.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ namespace.Store = (*DB)(nil)

// Package index is the SQLite state store: sync watermarks, group selection,
// session history, and a searchable registry of vault documents.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS remote_groups (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	type     TEXT NOT NULL DEFAULT '',
	public   INTEGER NOT NULL DEFAULT 0,
	selected INTEGER NOT NULL DEFAULT 1,
	seen_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	kind              TEXT NOT NULL,
	target            TEXT NOT NULL DEFAULT '',
	started_at        DATETIME NOT NULL,
	finished_at       DATETIME NOT NULL,
	new_documents     INTEGER NOT NULL DEFAULT 0,
	updated_documents INTEGER NOT NULL DEFAULT 0,
	annotations       INTEGER NOT NULL DEFAULT 0,
	errored           INTEGER NOT NULL DEFAULT 0,
	pushed            INTEGER NOT NULL DEFAULT 0,
	push_failed       INTEGER NOT NULL DEFAULT 0,
	jobs              TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

CREATE TABLE IF NOT EXISTS documents (
	path        TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	checksum    TEXT NOT NULL DEFAULT '',
	annotations INTEGER NOT NULL DEFAULT 0,
	local_only  INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_url ON documents(url);

CREATE TABLE IF NOT EXISTS annotations (
	path  TEXT NOT NULL,
	id    TEXT NOT NULL DEFAULT '',
	seq   INTEGER NOT NULL,
	quote TEXT NOT NULL DEFAULT '',
	note  TEXT NOT NULL DEFAULT '',
	tags  TEXT NOT NULL DEFAULT '[]',
	state TEXT NOT NULL,
	PRIMARY KEY (path, seq)
);

CREATE INDEX IF NOT EXISTS idx_annotations_id ON annotations(id);
`

// DB wraps a sql.DB with state store operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

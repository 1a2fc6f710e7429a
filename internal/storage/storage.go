// Package storage opens the shared SQLite database and applies schema
// migrations. Threads and exchanges live here; the vector index only holds
// points keyed by exchange id.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Open opens (or creates) the SQLite database at path and migrates the
// schema. WAL is enabled so reads proceed while a turn is persisting.
func Open(path string) (*sql.DB, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrate(db)
}

func migrate(db *sql.DB) error {
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  owner_id TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT 'New Chat',
  summary TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (owner_id, thread_id)
);
CREATE INDEX IF NOT EXISTS idx_threads_owner_updated ON threads(owner_id, updated_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS exchanges (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  reply TEXT NOT NULL,
  prompt_embedding BLOB,
  reply_embedding BLOB,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_owner_thread ON exchanges(owner_id, thread_id, created_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_exchanges_missing ON exchanges(created_at_unix_ms, id) WHERE reply_embedding IS NULL OR prompt_embedding IS NULL;
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

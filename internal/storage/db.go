package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reviewd-dev/reviewd/internal/config"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracking_records (
  id INTEGER PRIMARY KEY,
  platform TEXT NOT NULL,
  repo_id TEXT NOT NULL,
  request_number INTEGER NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('assigned','reviewing','pending_approval','resolved','closed')),
  last_known_commit TEXT NOT NULL DEFAULT '',
  assigned_at TEXT NOT NULL DEFAULT (datetime('now')),
  last_review_completed_at TEXT,
  last_followup_at TEXT,
  followup_count INTEGER NOT NULL DEFAULT 0,
  version INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  UNIQUE(platform, repo_id, request_number)
);

CREATE TABLE IF NOT EXISTS findings (
  id INTEGER PRIMARY KEY,
  record_id INTEGER NOT NULL REFERENCES tracking_records(id) ON DELETE CASCADE,
  finding_id TEXT NOT NULL,
  severity TEXT NOT NULL CHECK(severity IN ('blocking','warning','suggestion')),
  message TEXT NOT NULL,
  file TEXT NOT NULL DEFAULT '',
  line INTEGER NOT NULL DEFAULT 0,
  local_status TEXT NOT NULL CHECK(local_status IN ('open','resolved','dismissed')) DEFAULT 'open',
  remote_thread_id TEXT NOT NULL DEFAULT '',
  last_synced_remote_status TEXT NOT NULL DEFAULT '',
  last_synced_at TEXT,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  UNIQUE(record_id, finding_id)
);

CREATE INDEX IF NOT EXISTS idx_tracking_records_state ON tracking_records(state);
CREATE INDEX IF NOT EXISTS idx_findings_record ON findings(record_id);
`

type DB struct {
	*sql.DB
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	return filepath.Join(config.DataDir(), "tracking.db")
}

// Open opens or creates the database at the given path
func Open(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode and busy timeout; foreign keys for the findings cascade
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	wrapped := &DB{db}

	// CREATE IF NOT EXISTS is idempotent
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return wrapped, nil
}

// migrate runs any needed migrations for existing databases
func (db *DB) migrate() error {
	// Migration: add last_followup_at column if missing (pre-followup databases)
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('tracking_records') WHERE name = 'last_followup_at'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check last_followup_at column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE tracking_records ADD COLUMN last_followup_at TEXT`); err != nil {
			return fmt.Errorf("add last_followup_at column: %w", err)
		}
	}

	return nil
}

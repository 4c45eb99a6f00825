package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := checkLocalFilesystem(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exchange_log (
  id            TEXT PRIMARY KEY,
  endpoint      TEXT NOT NULL,
  control_id    TEXT NOT NULL DEFAULT '',
  message_type  TEXT NOT NULL DEFAULT '',
  outcome       TEXT NOT NULL,
  nack          INTEGER NOT NULL DEFAULT 0,
  closed        INTEGER NOT NULL DEFAULT 0,
  reason        TEXT,
  error         TEXT,
  received_at   TEXT NOT NULL,
  responded_at  TEXT NOT NULL,
  elapsed_ms    INTEGER NOT NULL,
  request       TEXT,
  response      TEXT
);`,
		`CREATE TABLE IF NOT EXISTS exchange_discard (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  exchange_id  TEXT NOT NULL,
  endpoint     TEXT NOT NULL,
  source       TEXT NOT NULL,
  created_at   TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS exchange_log_responded_at_idx ON exchange_log(responded_at);`,
		`CREATE INDEX IF NOT EXISTS exchange_log_endpoint_outcome_idx ON exchange_log(endpoint, outcome);`,
		`CREATE INDEX IF NOT EXISTS exchange_log_control_id_idx ON exchange_log(control_id);`,
		`CREATE INDEX IF NOT EXISTS exchange_discard_exchange_idx ON exchange_discard(exchange_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

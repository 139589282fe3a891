package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/tokentally/internal/logging"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: usage_entries, jsonl_files",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "add daily, model and project statistics tables",
		SQL:         migration002SQL,
	},
	{
		Version:     3,
		Description: "add suppressed_duplicates ledger",
		SQL:         migration003SQL,
	},
	{
		Version:     4,
		Description: "add sync_runs history",
		SQL:         migration004SQL,
	},
	{
		Version:     5,
		Description: "add range_totals",
		SQL:         migration005SQL,
	},
	{
		Version:     6,
		Description: "record the cutoff date behind each range total",
		SQL:         migration006SQL,
	},
}

const migration001SQL = `
CREATE TABLE usage_entries (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key             TEXT NOT NULL UNIQUE,
    timestamp             TEXT NOT NULL,
    date                  TEXT NOT NULL,
    model                 TEXT NOT NULL,
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    cost                  REAL NOT NULL DEFAULT 0,
    session_id            TEXT NOT NULL DEFAULT '',
    project_path          TEXT NOT NULL DEFAULT '',
    project_name          TEXT NOT NULL DEFAULT '',
    request_id            TEXT NOT NULL DEFAULT '',
    message_id            TEXT NOT NULL DEFAULT '',
    source_file           TEXT NOT NULL,
    source_line           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_usage_entries_source_file ON usage_entries(source_file);
CREATE INDEX idx_usage_entries_date ON usage_entries(date);
CREATE INDEX idx_usage_entries_timestamp ON usage_entries(timestamp);
CREATE INDEX idx_usage_entries_model ON usage_entries(model);
CREATE INDEX idx_usage_entries_project ON usage_entries(project_path);

CREATE TABLE jsonl_files (
    file_path         TEXT PRIMARY KEY,
    file_name         TEXT NOT NULL,
    file_size         INTEGER NOT NULL DEFAULT 0,
    last_modified     TEXT NOT NULL,
    content_hash      TEXT NOT NULL DEFAULT '',
    entry_count       INTEGER NOT NULL DEFAULT 0,
    processing_status TEXT NOT NULL DEFAULT 'pending',
    last_error        TEXT NOT NULL DEFAULT '',
    processed_at      TEXT
);

CREATE INDEX idx_jsonl_files_status ON jsonl_files(processing_status);
`

const migration002SQL = `
CREATE TABLE daily_statistics (
    date                  TEXT PRIMARY KEY,
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    total_tokens          INTEGER NOT NULL DEFAULT 0,
    cost                  REAL NOT NULL DEFAULT 0,
    session_count         INTEGER NOT NULL DEFAULT 0,
    request_count         INTEGER NOT NULL DEFAULT 0,
    entry_count           INTEGER NOT NULL DEFAULT 0,
    models                TEXT NOT NULL DEFAULT ''
);

CREATE TABLE model_statistics (
    model                 TEXT NOT NULL,
    time_range            TEXT NOT NULL,
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    total_tokens          INTEGER NOT NULL DEFAULT 0,
    cost                  REAL NOT NULL DEFAULT 0,
    session_count         INTEGER NOT NULL DEFAULT 0,
    request_count         INTEGER NOT NULL DEFAULT 0,
    entry_count           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (model, time_range)
);

CREATE TABLE project_statistics (
    project_path          TEXT NOT NULL,
    time_range            TEXT NOT NULL,
    project_name          TEXT NOT NULL DEFAULT '',
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    total_tokens          INTEGER NOT NULL DEFAULT 0,
    cost                  REAL NOT NULL DEFAULT 0,
    session_count         INTEGER NOT NULL DEFAULT 0,
    request_count         INTEGER NOT NULL DEFAULT 0,
    entry_count           INTEGER NOT NULL DEFAULT 0,
    model_count           INTEGER NOT NULL DEFAULT 0,
    first_used            TEXT NOT NULL DEFAULT '',
    last_used             TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (project_path, time_range)
);
`

const migration003SQL = `
CREATE TABLE suppressed_duplicates (
    dedup_key   TEXT NOT NULL,
    source_file TEXT NOT NULL,
    PRIMARY KEY (dedup_key, source_file)
);

CREATE INDEX idx_suppressed_duplicates_file ON suppressed_duplicates(source_file);
`

const migration004SQL = `
CREATE TABLE sync_runs (
    id              TEXT PRIMARY KEY,
    mode            TEXT NOT NULL,
    status          TEXT NOT NULL,
    started_at      TEXT NOT NULL,
    finished_at     TEXT,
    files_scanned   INTEGER NOT NULL DEFAULT 0,
    files_processed INTEGER NOT NULL DEFAULT 0,
    files_skipped   INTEGER NOT NULL DEFAULT 0,
    files_failed    INTEGER NOT NULL DEFAULT 0,
    removed_files   INTEGER NOT NULL DEFAULT 0,
    new_entries     INTEGER NOT NULL DEFAULT 0,
    skipped_entries INTEGER NOT NULL DEFAULT 0,
    parse_errors    INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_sync_runs_started ON sync_runs(started_at DESC);
`

const migration005SQL = `
CREATE TABLE range_totals (
    time_range            TEXT PRIMARY KEY,
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
    total_tokens          INTEGER NOT NULL DEFAULT 0,
    cost                  REAL NOT NULL DEFAULT 0,
    session_count         INTEGER NOT NULL DEFAULT 0,
    request_count         INTEGER NOT NULL DEFAULT 0,
    entry_count           INTEGER NOT NULL DEFAULT 0
);
`

const migration006SQL = `
ALTER TABLE range_totals ADD COLUMN since TEXT NOT NULL DEFAULT '';
`

// Migrate runs all pending migrations inside transactions.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	currentVersion, err := CurrentVersion(db)
	if err != nil {
		return err
	}

	log := logging.Component("db")
	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(migration.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, migration.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", migration.Version, err)
		}

		log.Debugf("applied migration %d: %s", migration.Version, migration.Description)
		currentVersion = migration.Version
	}

	return nil
}

// CurrentVersion returns the current schema version (0 if no migrations applied).
func CurrentVersion(db *sql.DB) (int, error) {
	if db == nil {
		return 0, errors.New("db is nil")
	}

	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	var version int
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema_version: %w", err)
	}
	return version, nil
}

package storage

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id                TEXT PRIMARY KEY,
    caller_id         TEXT NOT NULL,
    language          TEXT NOT NULL,
    mode              TEXT NOT NULL,
    source_hash       TEXT NOT NULL,
    source_bytes      INTEGER NOT NULL,
    template_ref      TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    reason            TEXT NOT NULL DEFAULT '',
    stdout            TEXT NOT NULL DEFAULT '',
    stdout_truncated  INTEGER NOT NULL DEFAULT 0,
    stderr            TEXT NOT NULL DEFAULT '',
    exit_code         INTEGER,
    wall_clock_ms     INTEGER NOT NULL DEFAULT 0,
    peak_memory_bytes INTEGER,
    created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_caller ON ledger_entries(caller_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_status ON ledger_entries(status);

CREATE TABLE IF NOT EXISTS session_stats (
    caller_id             TEXT PRIMARY KEY,
    total_attempts        INTEGER NOT NULL DEFAULT 0,
    total_successes       INTEGER NOT NULL DEFAULT 0,
    average_wall_clock_ms REAL NOT NULL DEFAULT 0,
    last_execution_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    language    TEXT NOT NULL,
    source_text TEXT NOT NULL,
    visibility  TEXT NOT NULL CHECK(visibility IN ('public','private')),
    owner_id    TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
`

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table missing or empty: fresh database.
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}

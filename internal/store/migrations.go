package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "graph: concept nodes, weighted edges, manifest version",
		SQL: `
CREATE TABLE nodes (
    id         TEXT PRIMARY KEY,
    label      TEXT NOT NULL,
    node_type  TEXT NOT NULL CHECK (node_type IN ('action', 'skill', 'characteristic', 'none')),
    updated_at INTEGER NOT NULL
);

CREATE TABLE edges (
    id         TEXT PRIMARY KEY,
    source     TEXT NOT NULL,
    target     TEXT NOT NULL,
    weight     REAL NOT NULL CHECK (weight >= 0 AND weight <= 1),
    updated_at INTEGER NOT NULL,
    UNIQUE (source, target)
);

CREATE INDEX idx_edges_source ON edges(source);
CREATE INDEX idx_edges_target ON edges(target);

CREATE TABLE graph_meta (
    key   TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "cache_entries: freshness and dirty tracking per cached document",
		SQL: `
CREATE TABLE cache_entries (
    key             TEXT PRIMARY KEY,
    last_fetched_at INTEGER NOT NULL DEFAULT 0,
    dirty           INTEGER NOT NULL DEFAULT 0,
    pending         INTEGER NOT NULL DEFAULT 0 CHECK (pending >= 0)
);

CREATE INDEX idx_cache_dirty ON cache_entries(dirty);
`,
	},
	{
		Version:     3,
		Description: "player_stats: experience and level per label",
		SQL: `
CREATE TABLE player_stats (
    label      TEXT PRIMARY KEY,
    experience REAL NOT NULL DEFAULT 0 CHECK (experience >= 0),
    level      INTEGER NOT NULL DEFAULT 1 CHECK (level >= 1),
    updated_at INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "journal_entries: logged activities and their analysis",
		SQL: `
CREATE TABLE journal_entries (
    id               TEXT PRIMARY KEY,
    kind             TEXT NOT NULL CHECK (kind IN ('text', 'voice')),
    content          TEXT NOT NULL DEFAULT '',
    preview          TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL CHECK (status IN ('DRAFT', 'TRANSCRIBING', 'PENDING_ANALYSIS', 'ANALYZING', 'COMPLETED', 'ANALYSIS_FAILED')),
    actions          TEXT NOT NULL DEFAULT '{}',
    result           TEXT,
    duration_minutes REAL,
    metadata         TEXT NOT NULL DEFAULT '{}',
    error            TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE INDEX idx_entries_created ON journal_entries(created_at DESC);
CREATE INDEX idx_entries_status  ON journal_entries(status);
`,
	},
	{
		Version:     5,
		Description: "sync_queue: durable outbound writes and dead letters",
		SQL: `
CREATE TABLE sync_queue (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    payload         TEXT NOT NULL,
    scope           TEXT NOT NULL DEFAULT '[]',
    enqueued_at     INTEGER NOT NULL,
    retries         INTEGER NOT NULL DEFAULT 0 CHECK (retries >= 0),
    last_error      TEXT NOT NULL DEFAULT '',
    next_attempt_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE sync_dead_letters (
    id          TEXT PRIMARY KEY,
    payload     TEXT NOT NULL,
    scope       TEXT NOT NULL DEFAULT '[]',
    enqueued_at INTEGER NOT NULL,
    retries     INTEGER NOT NULL,
    last_error  TEXT NOT NULL DEFAULT '',
    reason      TEXT NOT NULL,
    dead_at     INTEGER NOT NULL
);

CREATE INDEX idx_dead_at ON sync_dead_letters(dead_at);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		err = db.InTx(func(tx *Tx) error {
			if _, err := tx.Exec(m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if _, err := tx.Exec(
				"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}

// Package persistence provides SQLite-based durable storage for builds,
// events, logs, tool executions, and per-build LLM usage.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"orchestrator/pkg/logx"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the required schema.
// This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	// Connection settings:
	// - _foreign_keys=ON: enforce foreign key constraints
	// - _journal_mode=WAL: write-ahead logging for concurrent readers
	// - _busy_timeout=5000: wait up to 5 seconds before returning SQLITE_BUSY
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, logx.Wrap(err, "open database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, logx.Wrap(err, "ping database")
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, logx.Wrap(err, "initialize schema")
	}

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return logx.Wrap(err, "get current schema version")
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return migrateToVersion1(db)
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion1 is a placeholder for the initial shipped schema; fresh
// databases are created directly by createSchema at CurrentSchemaVersion.
func migrateToVersion1(_ *sql.DB) error { return nil }

// migrateToVersion2 adds the context_resets counter to the sessions table,
// used by the context-overflow recovery path (spec §4.5/§4.11).
func migrateToVersion2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE sessions ADD COLUMN context_resets INTEGER NOT NULL DEFAULT 0`)
	if err != nil {
		return fmt.Errorf("failed to add context_resets column: %w", err)
	}
	return nil
}

// createSchema creates all required tables and indices for a fresh database.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Builds: the top-level unit of work (spec §3, §4.1).
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			app_spec TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN (
				'PENDING','INITIALIZING','RUNNING','PAUSED',
				'AWAITING_DESIGN_REVIEW','AWAITING_FEATURE_REVIEW',
				'COMPLETED','FAILED','CANCELLED'
			)),
			complexity_tier TEXT,
			target_feature_count INTEGER DEFAULT 0,
			review_gates_enabled INTEGER NOT NULL DEFAULT 0 CHECK (review_gates_enabled IN (0,1)),
			progress_completed INTEGER NOT NULL DEFAULT 0,
			progress_total INTEGER NOT NULL DEFAULT 0,
			artifact_key TEXT,
			sandbox_id TEXT,
			output_url TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME
		)`,

		// Events: durable subset of the per-build event bus stream (spec §4.2, §4.3).
		// Ephemeral kinds (thinking, activity) are never written here.
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		// Logs: durable log lines attached to a build.
		`CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY,
			build_id TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		// Tool executions: diagnostic record of every Tool Bridge invocation
		// (SPEC_FULL §3 ToolExecution; not part of the wire contract).
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			build_id TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
			tool_use_id TEXT,
			tool_name TEXT NOT NULL,
			input_json TEXT,
			exit_code INTEGER,
			success INTEGER CHECK (success IN (0,1)),
			duration_ms INTEGER,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Sessions: per-build LLM usage accounting (SPEC_FULL §3, GLOSSARY).
		`CREATE TABLE IF NOT EXISTS sessions (
			build_id TEXT PRIMARY KEY REFERENCES builds(id) ON DELETE CASCADE,
			llm_provider TEXT NOT NULL,
			model_name TEXT NOT NULL,
			total_input_tokens INTEGER NOT NULL DEFAULT 0,
			total_output_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0.0,
			context_resets INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status)",
		"CREATE INDEX IF NOT EXISTS idx_builds_owner ON builds(owner_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_build ON events(build_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_logs_build ON logs(build_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_tool_exec_build ON tool_executions(build_id)",
		"CREATE INDEX IF NOT EXISTS idx_tool_exec_tool ON tool_executions(tool_name)",
	}
	for _, idx := range indices {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}

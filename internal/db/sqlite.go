// Package db provides SQLite-based persistence for the control plane.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates a SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	// Immediate transactions take the write lock at BEGIN, so two concurrent
	// mutating operations serialize instead of failing mid-transaction. The
	// busy_timeout and foreign_keys pragmas live in the DSN because database/sql
	// pools connections: a PRAGMA issued through Exec configures only whichever
	// connection served it, leaving the rest of the pool with the defaults.
	dsn := dbPath + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency. journal_mode is persistent in
	// the database file, so one connection setting it covers all of them.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	d := &DB{DB: db, path: dbPath}

	// Run migrations
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return d, nil
}

// migrate runs database migrations.
func (d *DB) migrate() error {
	// Create migrations table
	_, err := d.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get current version
	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	// Apply migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration1},
		{2, migration2},
		{3, migration3},
		{4, migration4},
		{5, migration5},
		{6, migration6},
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}

		if _, err := d.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		if _, err := d.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// Migration 1: Runs, contexts, and the append-only event log
const migration1 = `
-- Runs table: one row per change request
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    prompt TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    route TEXT,
    slot_id TEXT,
    branch_name TEXT,
    worktree_path TEXT,
    commit_sha TEXT,
    parent_run_id TEXT REFERENCES runs(id),
    created_by TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

-- Submission context; metadata carries trace_id and other opaque keys
CREATE TABLE IF NOT EXISTS run_contexts (
    run_id TEXT PRIMARY KEY REFERENCES runs(id),
    route TEXT,
    page_title TEXT,
    element_hint TEXT,
    note TEXT,
    metadata_json TEXT
);

-- Append-only run event log
CREATE TABLE IF NOT EXISTS run_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    status_from TEXT,
    status_to TEXT,
    payload_json TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id);
CREATE INDEX IF NOT EXISTS idx_run_events_type ON run_events(event_type);
`

// Migration 2: Slot leases and worktree bindings (one row per slot)
const migration2 = `
CREATE TABLE IF NOT EXISTS slot_leases (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot_id TEXT NOT NULL UNIQUE,
    run_id TEXT,
    lease_state TEXT NOT NULL DEFAULT 'released',
    leased_at DATETIME,
    expires_at DATETIME,
    heartbeat_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_slot_leases_state ON slot_leases(lease_state);
CREATE INDEX IF NOT EXISTS idx_slot_leases_run ON slot_leases(run_id);

CREATE TABLE IF NOT EXISTS slot_worktree_bindings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slot_id TEXT NOT NULL UNIQUE,
    run_id TEXT,
    branch_name TEXT,
    worktree_path TEXT,
    binding_state TEXT NOT NULL DEFAULT 'active',
    last_action TEXT NOT NULL DEFAULT 'assigned',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    released_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_bindings_run ON slot_worktree_bindings(run_id);
`

// Migration 3: Preview reset provenance, checks, artifacts
const migration3 = `
-- Append-only reset attempt log
CREATE TABLE IF NOT EXISTS preview_db_resets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    slot_id TEXT NOT NULL,
    db_name TEXT NOT NULL,
    strategy TEXT NOT NULL,
    seed_version TEXT,
    snapshot_version TEXT,
    reset_status TEXT NOT NULL,
    details_json TEXT,
    reset_started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    reset_completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_resets_run ON preview_db_resets(run_id);
CREATE INDEX IF NOT EXISTS idx_resets_slot ON preview_db_resets(slot_id);
CREATE INDEX IF NOT EXISTS idx_resets_started ON preview_db_resets(reset_started_at);

-- One row per check attempt
CREATE TABLE IF NOT EXISTS validation_checks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    check_name TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at DATETIME,
    ended_at DATETIME,
    artifact_uri TEXT
);

CREATE INDEX IF NOT EXISTS idx_checks_run ON validation_checks(run_id);

-- Stored logs and diagnostics
CREATE TABLE IF NOT EXISTS run_artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    artifact_uri TEXT NOT NULL,
    metadata_json TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run ON run_artifacts(run_id);
`

// Migration 4: Approvals, releases, audit log
const migration4 = `
CREATE TABLE IF NOT EXISTS approvals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    reviewer_id TEXT,
    decision TEXT NOT NULL,
    reason TEXT,
    failure_reason_code TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);

-- release_id is the merged commit SHA
CREATE TABLE IF NOT EXISTS releases (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    release_id TEXT NOT NULL UNIQUE,
    commit_sha TEXT NOT NULL,
    migration_marker TEXT,
    status TEXT NOT NULL,
    deployed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_releases_status ON releases(status);

-- Append-only audit trail; payload_hash covers payload_json's canonical form
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    actor TEXT,
    action TEXT NOT NULL,
    payload_hash TEXT NOT NULL,
    payload_json TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);
`

// Migration 5: Runtime config overrides
const migration5 = `
CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

INSERT OR IGNORE INTO config (key, value) VALUES
    ('slot_lease_ttl_seconds', '1800'),
    ('merge_gate_recheck_required', 'true'),
    ('push_mode', 'auto');
`

// Migration 6: Local users for seed fixtures and created_by display
const migration6 = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    name TEXT,
    role TEXT NOT NULL DEFAULT 'developer',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SchemaVersion returns the highest applied migration version.
func (d *DB) SchemaVersion() (int, error) {
	var version int
	row := d.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

// Path returns the filesystem path the database was opened at.
func (d *DB) Path() string { return d.path }

// Close closes the database connection.
func (d *DB) Close() error {
	return d.DB.Close()
}

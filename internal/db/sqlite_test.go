package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func TestOpenAppliesAllMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	version, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("Failed to read schema version: %v", err)
	}
	if version != 6 {
		t.Errorf("Expected schema version 6, got %d", version)
	}
	if database.Path() != path {
		t.Errorf("Expected path %q, got %q", path, database.Path())
	}

	tables := []string{
		"runs", "run_contexts", "run_events", "slot_leases",
		"slot_worktree_bindings", "preview_db_resets", "validation_checks",
		"run_artifacts", "approvals", "releases", "audit_log", "config", "users",
	}
	for _, table := range tables {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.db")

	database, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := NewStore(database).SetConfigValue("push_mode", "manual"); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	database.Close()

	// Reopening must not re-run migrations or disturb existing rows.
	database, err = Open(path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer database.Close()

	version, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("Failed to read schema version: %v", err)
	}
	if version != 6 {
		t.Errorf("Expected schema version 6 after reopen, got %d", version)
	}
	if got := NewStore(database).GetConfigValue("push_mode"); got != "manual" {
		t.Errorf("Expected push_mode manual to survive reopen, got %q", got)
	}
}

func TestOpenConfiguresEveryPooledConnection(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Hold several connections open at once so the pool cannot hand the same
	// one back; each must carry the session pragmas, not just the first.
	ctx := context.Background()
	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		conn, err := database.Conn(ctx)
		if err != nil {
			t.Fatalf("Failed to check out connection %d: %v", i, err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	for i, conn := range conns {
		var busy int
		if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
			t.Fatalf("Failed to read busy_timeout on connection %d: %v", i, err)
		}
		if busy != 5000 {
			t.Errorf("Expected busy_timeout 5000 on connection %d, got %d", i, busy)
		}
		var fk int
		if err := conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatalf("Failed to read foreign_keys on connection %d: %v", i, err)
		}
		if fk != 1 {
			t.Errorf("Expected foreign_keys on for connection %d, got %d", i, fk)
		}
	}
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "control.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open database in missing directory: %v", err)
	}
	database.Close()
}

package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// --- Test Helpers ---

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "control.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database)
}

func strRef(s string) *string { return &s }

func timeRef(ts time.Time) *time.Time { return &ts }

func makeRun(id string, status pipeline.Status, createdAt time.Time) *pipeline.Run {
	return &pipeline.Run{
		ID:        id,
		Title:     "Test run " + id,
		Prompt:    "Adjust the banner copy",
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

// --- Config Operations ---

func TestConfigDefaultsSeeded(t *testing.T) {
	store := newTestStore(t)

	if got := store.GetConfigValue("slot_lease_ttl_seconds"); got != "1800" {
		t.Errorf("Expected seeded slot_lease_ttl_seconds 1800, got %q", got)
	}
	if got := store.GetConfigValue("merge_gate_recheck_required"); got != "true" {
		t.Errorf("Expected seeded merge_gate_recheck_required true, got %q", got)
	}
	if got := store.GetConfigValue("push_mode"); got != "auto" {
		t.Errorf("Expected seeded push_mode auto, got %q", got)
	}
	if got := store.GetConfigValue("no_such_key"); got != "" {
		t.Errorf("Expected empty value for unknown key, got %q", got)
	}
}

func TestSetConfigValueUpserts(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetConfigValue("push_mode", "manual"); err != nil {
		t.Fatalf("Failed to set config value: %v", err)
	}
	if got := store.GetConfigValue("push_mode"); got != "manual" {
		t.Errorf("Expected push_mode manual after update, got %q", got)
	}

	if err := store.SetConfigValue("new_key", "42"); err != nil {
		t.Fatalf("Failed to insert config value: %v", err)
	}
	if got := store.GetConfigValue("new_key"); got != "42" {
		t.Errorf("Expected new_key 42, got %q", got)
	}
}

// --- User Operations ---

func TestCreateAndLookupUser(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateUser("u-1", "dev@runway.local", "Local Developer", "developer"); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	id, ok := store.GetUserByEmail("dev@runway.local")
	if !ok {
		t.Fatal("Expected user to be found by email")
	}
	if id != "u-1" {
		t.Errorf("Expected user id u-1, got %q", id)
	}

	if _, ok := store.GetUserByEmail("ghost@runway.local"); ok {
		t.Error("Expected unknown email to return no user")
	}

	if err := store.CreateUser("u-2", "dev@runway.local", "Duplicate", "developer"); err == nil {
		t.Error("Expected duplicate email insert to fail")
	}
}

// --- Transactions ---

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	store := newTestStore(t)

	tx, err := store.Begin()
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if err := tx.CreateRun(makeRun("r-tx", pipeline.StatusQueued, testBase)); err != nil {
		t.Fatalf("Failed to create run in transaction: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Failed to roll back: %v", err)
	}

	if _, ok := store.GetRun("r-tx"); ok {
		t.Error("Expected rolled-back run to be absent")
	}
}

func TestTransactionCommitPersistsWrites(t *testing.T) {
	store := newTestStore(t)

	tx, err := store.Begin()
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if err := tx.CreateRun(makeRun("r-tx", pipeline.StatusQueued, testBase)); err != nil {
		t.Fatalf("Failed to create run in transaction: %v", err)
	}
	if err := tx.AppendRunEvent(&pipeline.RunEvent{
		RunID:     "r-tx",
		EventType: "run_created",
		CreatedAt: testBase,
	}); err != nil {
		t.Fatalf("Failed to append event in transaction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	if _, ok := store.GetRun("r-tx"); !ok {
		t.Error("Expected committed run to be present")
	}
	events, err := store.ListRunEvents("r-tx", 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 committed event, got %d", len(events))
	}
}

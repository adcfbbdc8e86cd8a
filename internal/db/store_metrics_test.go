package db

import (
	"testing"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

func TestCountRunsInStatuses(t *testing.T) {
	store := newTestStore(t)

	fixtures := []struct {
		id     string
		status pipeline.Status
	}{
		{"r-1", pipeline.StatusQueued},
		{"r-2", pipeline.StatusQueued},
		{"r-3", pipeline.StatusEditing},
		{"r-4", pipeline.StatusMerged},
	}
	for _, f := range fixtures {
		if err := store.CreateRun(makeRun(f.id, f.status, testBase)); err != nil {
			t.Fatalf("Failed to create run %s: %v", f.id, err)
		}
	}

	count, err := store.CountRunsInStatuses([]pipeline.Status{pipeline.StatusQueued})
	if err != nil {
		t.Fatalf("Failed to count queued runs: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 queued runs, got %d", count)
	}

	count, err = store.CountRunsInStatuses([]pipeline.Status{
		pipeline.StatusQueued, pipeline.StatusEditing,
	})
	if err != nil {
		t.Fatalf("Failed to count active runs: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 queued/editing runs, got %d", count)
	}

	count, err = store.CountRunsInStatuses(nil)
	if err != nil {
		t.Fatalf("Failed to count with no statuses: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 for empty status list, got %d", count)
	}
}

func TestListTerminalRunTimings(t *testing.T) {
	store := newTestStore(t)

	merged := makeRun("r-1", pipeline.StatusMerged, testBase)
	merged.UpdatedAt = testBase.Add(2 * time.Hour)
	failed := makeRun("r-2", pipeline.StatusFailed, testBase)
	failed.UpdatedAt = testBase.Add(30 * time.Minute)
	active := makeRun("r-3", pipeline.StatusEditing, testBase)
	for _, r := range []*pipeline.Run{merged, failed, active} {
		if err := store.CreateRun(r); err != nil {
			t.Fatalf("Failed to create run %s: %v", r.ID, err)
		}
	}

	timings, err := store.ListTerminalRunTimings()
	if err != nil {
		t.Fatalf("Failed to list terminal timings: %v", err)
	}
	if len(timings) != 2 {
		t.Fatalf("Expected 2 terminal runs, got %d", len(timings))
	}
	byStatus := make(map[pipeline.Status]RunTiming)
	for _, tm := range timings {
		byStatus[tm.Status] = tm
	}
	if _, ok := byStatus[pipeline.StatusEditing]; ok {
		t.Error("Expected active run excluded from terminal timings")
	}
	mt, ok := byStatus[pipeline.StatusMerged]
	if !ok {
		t.Fatal("Expected merged run in timings")
	}
	if got := mt.UpdatedAt.Sub(mt.CreatedAt); got != 2*time.Hour {
		t.Errorf("Expected merged duration 2h, got %v", got)
	}
}

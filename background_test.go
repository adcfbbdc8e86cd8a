package runway

import (
	"context"
	"testing"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

func TestIntegrityAuditCleanStore(t *testing.T) {
	env := newTestEnv(t)

	findings, err := env.svc.IntegrityAudit(context.Background())
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("Expected no findings on a clean store, got %v", findings)
	}
	if n := env.auditCount(t, pipeline.AuditPreviewResetIntegrity); n != 0 {
		t.Errorf("Expected no audit row for a clean pass, got %d", n)
	}
}

func TestIntegrityAuditFinishesInterruptedResets(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	stuck := &pipeline.PreviewDBReset{
		RunID:          run.ID,
		SlotID:         "preview-1",
		DBName:         "app_preview_1",
		Strategy:       "seed",
		ResetStatus:    pipeline.ResetStatusRunning,
		Details:        pipeline.Payload{},
		ResetStartedAt: env.clock.Now().Add(-40 * time.Minute),
	}
	if err := env.store.CreateResetRecord(stuck); err != nil {
		t.Fatalf("Failed to seed reset record: %v", err)
	}

	findings, err := env.svc.IntegrityAudit(context.Background())
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	ids, ok := findings["interrupted_resets"].([]int64)
	if !ok || len(ids) != 1 || ids[0] != stuck.ID {
		t.Fatalf("Expected interrupted reset %d, got %v", stuck.ID, findings["interrupted_resets"])
	}

	record, ok := env.store.LatestResetForRun(run.ID)
	if !ok {
		t.Fatal("Reset record disappeared")
	}
	if record.ResetStatus != pipeline.ResetStatusFailed {
		t.Errorf("Expected interrupted record marked failed, got %s", record.ResetStatus)
	}
	if record.Details["reason"] != "interrupted" || record.Details["source"] != "integrity_audit" {
		t.Errorf("Expected interruption details, got %v", record.Details)
	}
	if record.ResetCompletedAt == nil {
		t.Error("Expected a completion timestamp on the failed record")
	}
	if n := env.auditCount(t, pipeline.AuditPreviewResetIntegrity); n != 1 {
		t.Errorf("Expected 1 integrity audit row, got %d", n)
	}
}

func TestIntegrityAuditFlagsUnsafeResetTargets(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	unsafe := &pipeline.PreviewDBReset{
		RunID:          run.ID,
		SlotID:         "preview-1",
		DBName:         "app_control",
		Strategy:       "seed",
		ResetStatus:    pipeline.ResetStatusApplied,
		Details:        pipeline.Payload{},
		ResetStartedAt: env.clock.Now().Add(-time.Hour),
	}
	if err := env.store.CreateResetRecord(unsafe); err != nil {
		t.Fatalf("Failed to seed reset record: %v", err)
	}
	safe := &pipeline.PreviewDBReset{
		RunID:          run.ID,
		SlotID:         "preview-2",
		DBName:         "app_preview_2",
		Strategy:       "seed",
		ResetStatus:    pipeline.ResetStatusApplied,
		Details:        pipeline.Payload{},
		ResetStartedAt: env.clock.Now().Add(-time.Hour),
	}
	if err := env.store.CreateResetRecord(safe); err != nil {
		t.Fatalf("Failed to seed reset record: %v", err)
	}

	findings, err := env.svc.IntegrityAudit(context.Background())
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	ids, ok := findings["unsafe_reset_targets"].([]int64)
	if !ok || len(ids) != 1 || ids[0] != unsafe.ID {
		t.Fatalf("Expected unsafe target %d, got %v", unsafe.ID, findings["unsafe_reset_targets"])
	}
	if _, found := findings["interrupted_resets"]; found {
		t.Errorf("Expected no interrupted resets, got %v", findings["interrupted_resets"])
	}
}

func TestIntegrityAuditCleansOrphanedBindings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	slotID := env.mustAcquire(t, run.ID)
	if _, err := env.svc.AssignWorktree(ctx, run.ID, slotID); err != nil {
		t.Fatalf("Failed to assign worktree: %v", err)
	}

	// Cancel releases the lease but leaves the binding behind, which is
	// exactly the drift the audit exists to repair.
	if _, err := env.svc.Cancel(ctx, run.ID, nil, nil); err != nil {
		t.Fatalf("Failed to cancel run: %v", err)
	}
	binding, ok := env.store.GetBinding(slotID)
	if !ok || binding.BindingState != pipeline.BindingStateActive {
		t.Fatal("Expected an active binding left behind by cancel")
	}

	findings, err := env.svc.IntegrityAudit(ctx)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	orphans, ok := findings["orphaned_bindings"].([]string)
	if !ok || len(orphans) != 1 {
		t.Fatalf("Expected one orphaned binding, got %v", findings["orphaned_bindings"])
	}
	if orphans[0] != slotID+":"+run.ID {
		t.Errorf("Expected orphan %s:%s, got %s", slotID, run.ID, orphans[0])
	}

	binding, ok = env.store.GetBinding(slotID)
	if !ok || binding.BindingState != pipeline.BindingStateReleased {
		t.Errorf("Expected binding released after audit, got %+v", binding)
	}
	if n := env.auditCount(t, pipeline.AuditPreviewResetIntegrity); n != 1 {
		t.Errorf("Expected 1 integrity audit row, got %d", n)
	}
}

func TestMaintainerRegistersLoops(t *testing.T) {
	env := newTestEnv(t)
	m := NewMaintainer(env.svc)

	statuses := m.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 maintenance loops, got %d", len(statuses))
	}
	if statuses[0].Name != "reaper" || statuses[1].Name != "integrity" {
		t.Errorf("Expected reaper and integrity loops, got %s and %s", statuses[0].Name, statuses[1].Name)
	}
	for _, st := range statuses {
		if st.State != "idle" || st.Detail != "waiting to start" {
			t.Errorf("Expected loop %s idle before start, got %s (%s)", st.Name, st.State, st.Detail)
		}
		if st.CycleCount != 0 {
			t.Errorf("Expected loop %s with no cycles, got %d", st.Name, st.CycleCount)
		}
	}
}

func TestMaintainerRunsAndStops(t *testing.T) {
	env := newTestEnv(t)
	m := NewMaintainer(env.svc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	waitForLoops(t, m, func(st LoopStatus) bool { return st.CycleCount >= 1 })

	m.Stop()
	waitForLoops(t, m, func(st LoopStatus) bool { return st.State == "stopped" })

	// Both loops ran on an empty store, so the reaper found nothing to expire
	// and the audit recorded no drift.
	if n := env.auditCount(t, pipeline.AuditPreviewResetIntegrity); n != 0 {
		t.Errorf("Expected no integrity findings, got %d audit rows", n)
	}
}

func waitForLoops(t *testing.T, m *Maintainer, ok func(LoopStatus) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		all := true
		for _, st := range m.Statuses() {
			if !ok(st) {
				all = false
			}
		}
		if all {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Loops never reached the expected state: %+v", m.Statuses())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

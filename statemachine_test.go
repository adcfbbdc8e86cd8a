package runway

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
)

func TestCreateRunRequiresTitleAndPrompt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.CreateRun(ctx, CreateRunParams{Prompt: "do the thing"}); pipeline.KindOf(err) != pipeline.KindValidation {
		t.Errorf("Expected validation error for missing title, got %v", err)
	}
	if _, err := env.svc.CreateRun(ctx, CreateRunParams{Title: "A run"}); pipeline.KindOf(err) != pipeline.KindValidation {
		t.Errorf("Expected validation error for missing prompt, got %v", err)
	}
}

func TestCreateRunPersistsContextEventAndAudit(t *testing.T) {
	env := newTestEnv(t)
	route := "/checkout"
	note := "Reported by support"
	ctx := pipeline.WithTraceID(context.Background(), "trace-abc")

	run, err := env.svc.CreateRun(ctx, CreateRunParams{
		Title:    "Fix checkout totals",
		Prompt:   "Totals are off by one cent",
		Route:    &route,
		Note:     &note,
		Metadata: pipeline.Payload{"origin": "widget"},
	})
	if err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	if run.Status != pipeline.StatusQueued {
		t.Errorf("Expected status queued, got %s", run.Status)
	}

	stored := env.mustGetRun(t, run.ID)
	if stored.Title != "Fix checkout totals" {
		t.Errorf("Expected stored title, got %q", stored.Title)
	}
	if stored.Route == nil || *stored.Route != "/checkout" {
		t.Errorf("Expected route /checkout, got %v", stored.Route)
	}

	rc, ok := env.store.GetRunContext(run.ID)
	if !ok {
		t.Fatal("Expected a run context row")
	}
	if rc.Note == nil || *rc.Note != note {
		t.Errorf("Expected context note, got %v", rc.Note)
	}
	if rc.Metadata["origin"] != "widget" {
		t.Errorf("Expected metadata origin widget, got %v", rc.Metadata["origin"])
	}
	if rc.Metadata["trace_id"] != "trace-abc" {
		t.Errorf("Expected trace id copied into metadata, got %v", rc.Metadata["trace_id"])
	}

	ev := env.findEvent(t, run.ID, pipeline.EventRunCreated)
	if ev.StatusTo == nil || *ev.StatusTo != string(pipeline.StatusQueued) {
		t.Errorf("Expected run_created status_to queued, got %v", ev.StatusTo)
	}
	if ev.Payload["schema_version"] != float64(pipeline.EventSchemaVersion) {
		t.Errorf("Expected schema version stamp, got %v", ev.Payload["schema_version"])
	}
	if ev.Payload["trace_id"] != "trace-abc" {
		t.Errorf("Expected trace id on event, got %v", ev.Payload["trace_id"])
	}

	if got := env.auditCount(t, pipeline.AuditRunCreate); got != 1 {
		t.Errorf("Expected 1 run.create audit row, got %d", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.GetRun(context.Background(), "r-missing")
	if pipeline.KindOf(err) != pipeline.KindNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestListRunsValidatesFilter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, _, err := env.svc.ListRuns(ctx, db.RunFilter{Statuses: []pipeline.Status{"bogus"}}); pipeline.KindOf(err) != pipeline.KindValidation {
		t.Errorf("Expected validation error for unknown status, got %v", err)
	}
	if _, _, err := env.svc.ListRuns(ctx, db.RunFilter{Limit: 500}); pipeline.KindOf(err) != pipeline.KindValidation {
		t.Errorf("Expected validation error for oversized limit, got %v", err)
	}

	env.createRun(t)
	runs, total, err := env.svc.ListRuns(ctx, db.RunFilter{})
	if err != nil {
		t.Fatalf("Failed to list runs: %v", err)
	}
	if total != 1 || len(runs) != 1 {
		t.Errorf("Expected 1 run, got %d (total %d)", len(runs), total)
	}
}

func TestTransitionFollowsTable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	updated, err := env.svc.Transition(ctx, run.ID, TransitionParams{To: pipeline.StatusPlanning})
	if err != nil {
		t.Fatalf("Failed to transition queued->planning: %v", err)
	}
	if updated.Status != pipeline.StatusPlanning {
		t.Errorf("Expected planning, got %s", updated.Status)
	}

	// Skipping ahead is rejected.
	if _, err := env.svc.Transition(ctx, run.ID, TransitionParams{To: pipeline.StatusMerged}); pipeline.KindOf(err) != pipeline.KindConflict {
		t.Errorf("Expected conflict for planning->merged, got %v", err)
	}
	// Unknown statuses are rejected before the table lookup.
	if _, err := env.svc.Transition(ctx, run.ID, TransitionParams{To: "warp"}); pipeline.KindOf(err) != pipeline.KindValidation {
		t.Errorf("Expected validation error for unknown status, got %v", err)
	}
	// failed requires a failure reason code.
	if _, err := env.svc.Transition(ctx, run.ID, TransitionParams{To: pipeline.StatusFailed}); pipeline.KindOf(err) != pipeline.KindValidation {
		t.Errorf("Expected validation error for failed without code, got %v", err)
	}

	failed, err := env.svc.Transition(ctx, run.ID, TransitionParams{
		To:                pipeline.StatusFailed,
		FailureReasonCode: pipeline.ReasonChecksFailed,
	})
	if err != nil {
		t.Fatalf("Failed to transition planning->failed: %v", err)
	}
	if failed.Status != pipeline.StatusFailed {
		t.Errorf("Expected failed, got %s", failed.Status)
	}

	ev := env.findEvent(t, run.ID, pipeline.EventStatusTransition)
	if ev.Payload["failure_reason_code"] != string(pipeline.ReasonChecksFailed) {
		t.Errorf("Expected failure code on transition event, got %v", ev.Payload["failure_reason_code"])
	}
}

func TestTransitionConcurrentDuplicateOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	// The same move issued twice at once: one lands, the other sees the run
	// already past the edge and gets a conflict.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Transition(ctx, run.ID, TransitionParams{To: pipeline.StatusPlanning})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case pipeline.KindOf(err) == pipeline.KindConflict:
			conflicts++
		default:
			t.Errorf("Expected success or conflict, got %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("Expected one winner and one conflict, got %d wins / %d conflicts", wins, conflicts)
	}
	if got := env.mustGetRun(t, run.ID).Status; got != pipeline.StatusPlanning {
		t.Errorf("Expected run in planning after the race, got %s", got)
	}
}

func TestTransitionMissingRun(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Transition(context.Background(), "r-missing", TransitionParams{To: pipeline.StatusPlanning})
	if pipeline.KindOf(err) != pipeline.KindNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestCancelReleasesHeldLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	slotID := env.mustAcquire(t, run.ID)

	reason := "operator gave up"
	if _, err := env.svc.Cancel(ctx, run.ID, &reason, nil); err != nil {
		t.Fatalf("Failed to cancel run: %v", err)
	}

	stored := env.mustGetRun(t, run.ID)
	if stored.Status != pipeline.StatusCanceled {
		t.Errorf("Expected canceled, got %s", stored.Status)
	}
	if stored.SlotID != nil {
		t.Errorf("Expected slot cleared on cancel, got %v", *stored.SlotID)
	}

	lease, ok := env.store.GetLease(slotID)
	if !ok {
		t.Fatal("Expected lease row to survive release")
	}
	if lease.LeaseState != pipeline.LeaseStateReleased {
		t.Errorf("Expected lease released, got %s", lease.LeaseState)
	}
	if lease.RunID != nil {
		t.Errorf("Expected lease run cleared, got %v", *lease.RunID)
	}
	if !env.hasEvent(run.ID, pipeline.EventSlotReleased) {
		t.Errorf("Expected slot_released event, got %v", env.eventTypes(t, run.ID))
	}
}

func TestExpireCarriesRecoveryContract(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	env.mustAcquire(t, run.ID)

	if _, err := env.svc.Expire(ctx, run.ID, nil); err != nil {
		t.Fatalf("Failed to expire run: %v", err)
	}

	stored := env.mustGetRun(t, run.ID)
	if stored.Status != pipeline.StatusExpired {
		t.Errorf("Expected expired, got %s", stored.Status)
	}

	ev := env.findEvent(t, run.ID, pipeline.EventStatusTransition)
	if ev.Payload["recoverable"] != true {
		t.Errorf("Expected recoverable=true, got %v", ev.Payload["recoverable"])
	}
	if ev.Payload["recovery_strategy"] != "create_child_run" {
		t.Errorf("Expected recovery strategy create_child_run, got %v", ev.Payload["recovery_strategy"])
	}
	endpoint, _ := ev.Payload["resume_endpoint"].(string)
	if !strings.HasSuffix(endpoint, "/resume") || !strings.Contains(endpoint, run.ID) {
		t.Errorf("Expected resume endpoint naming the run, got %q", endpoint)
	}
}

func TestRetryRequiresFailedOrExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	if _, err := env.svc.Retry(ctx, run.ID, nil); pipeline.KindOf(err) != pipeline.KindConflict {
		t.Errorf("Expected conflict retrying a queued run, got %v", err)
	}

	env.advanceTo(t, run.ID, pipeline.StatusPlanning)
	if _, err := env.svc.Transition(ctx, run.ID, TransitionParams{
		To:                pipeline.StatusFailed,
		FailureReasonCode: pipeline.ReasonChecksFailed,
	}); err != nil {
		t.Fatalf("Failed to fail run: %v", err)
	}

	child, err := env.svc.Retry(ctx, run.ID, nil)
	if err != nil {
		t.Fatalf("Failed to retry run: %v", err)
	}
	if child.Status != pipeline.StatusQueued {
		t.Errorf("Expected child queued, got %s", child.Status)
	}
	if !strings.HasPrefix(child.Title, "Retry: ") {
		t.Errorf("Expected Retry: title prefix, got %q", child.Title)
	}
	if child.ParentRunID == nil || *child.ParentRunID != run.ID {
		t.Errorf("Expected parent run id %s, got %v", run.ID, child.ParentRunID)
	}
	if !env.hasEvent(child.ID, pipeline.EventRunRetried) {
		t.Errorf("Expected run_retried event on child, got %v", env.eventTypes(t, child.ID))
	}
}

func TestResumeOnlyFromExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	failedRun := env.createRun(t)
	env.advanceTo(t, failedRun.ID, pipeline.StatusPlanning)
	if _, err := env.svc.Transition(ctx, failedRun.ID, TransitionParams{
		To:                pipeline.StatusFailed,
		FailureReasonCode: pipeline.ReasonChecksFailed,
	}); err != nil {
		t.Fatalf("Failed to fail run: %v", err)
	}
	if _, err := env.svc.Resume(ctx, failedRun.ID, nil); pipeline.KindOf(err) != pipeline.KindConflict {
		t.Errorf("Expected conflict resuming a failed run, got %v", err)
	}

	route := "/codex"
	note := "left off mid-edit"
	expired, err := env.svc.CreateRun(ctx, CreateRunParams{
		Title:  "Long running change",
		Prompt: "Rework the settings page",
		Route:  &route,
		Note:   &note,
	})
	if err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	if _, err := env.svc.Expire(ctx, expired.ID, nil); err != nil {
		t.Fatalf("Failed to expire run: %v", err)
	}

	child, err := env.svc.Resume(ctx, expired.ID, nil)
	if err != nil {
		t.Fatalf("Failed to resume run: %v", err)
	}
	if !strings.HasPrefix(child.Title, "Resume: ") {
		t.Errorf("Expected Resume: title prefix, got %q", child.Title)
	}
	if child.Route == nil || *child.Route != route {
		t.Errorf("Expected route copied to child, got %v", child.Route)
	}

	childCtx, ok := env.store.GetRunContext(child.ID)
	if !ok {
		t.Fatal("Expected child run context")
	}
	if childCtx.Note == nil || *childCtx.Note != note {
		t.Errorf("Expected parent note copied, got %v", childCtx.Note)
	}
	if !env.hasEvent(child.ID, pipeline.EventRunResumed) {
		t.Errorf("Expected run_resumed event on child, got %v", env.eventTypes(t, child.ID))
	}
}

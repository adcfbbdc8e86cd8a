package runway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

func TestAcquireSlotLeasesFirstFree(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)

	res, err := env.svc.AcquireSlot(context.Background(), run.ID, false)
	if err != nil {
		t.Fatalf("Failed to acquire slot: %v", err)
	}
	if !res.Acquired || res.SlotID == nil || *res.SlotID != "preview-1" {
		t.Fatalf("Expected preview-1 acquisition, got %+v", res)
	}
	if res.TTLSeconds != 1800 {
		t.Errorf("Expected TTL 1800s, got %d", res.TTLSeconds)
	}
	wantExpiry := env.clock.Now().UTC().Add(1800 * time.Second)
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected expiry %s, got %v", wantExpiry, res.ExpiresAt)
	}

	stored := env.mustGetRun(t, run.ID)
	if stored.SlotID == nil || *stored.SlotID != "preview-1" {
		t.Errorf("Expected run slot preview-1, got %v", stored.SlotID)
	}
	lease, ok := env.store.GetLeaseHeldByRun(run.ID)
	if !ok {
		t.Fatal("Expected a lease held by the run")
	}
	if lease.LeaseState != pipeline.LeaseStateLeased {
		t.Errorf("Expected lease state leased, got %s", lease.LeaseState)
	}
	if !env.hasEvent(run.ID, pipeline.EventSlotAcquired) {
		t.Errorf("Expected slot_acquired event, got %v", env.eventTypes(t, run.ID))
	}
	if got := env.auditCount(t, pipeline.AuditSlotAcquire); got != 1 {
		t.Errorf("Expected 1 slot.acquire audit row, got %d", got)
	}
}

func TestAcquireSlotIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	run := env.createRun(t)
	slotID := env.mustAcquire(t, run.ID)

	res, err := env.svc.AcquireSlot(context.Background(), run.ID, false)
	if err != nil {
		t.Fatalf("Failed on repeat acquire: %v", err)
	}
	if !res.Acquired || !res.Idempotent {
		t.Errorf("Expected idempotent success, got %+v", res)
	}
	if res.SlotID == nil || *res.SlotID != slotID {
		t.Errorf("Expected same slot %s, got %v", slotID, res.SlotID)
	}
	if !env.hasEvent(run.ID, pipeline.EventSlotAcquireIdempotent) {
		t.Errorf("Expected slot_acquire_idempotent event, got %v", env.eventTypes(t, run.ID))
	}

	// The other slots stay untouched.
	if _, ok := env.store.GetLease("preview-2"); ok {
		t.Error("Expected preview-2 to have no lease row")
	}
}

func TestAcquireSlotWaitsWhenPoolSaturated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		holder := env.createRun(t)
		env.mustAcquire(t, holder.ID)
	}
	waiter := env.createRun(t)

	res, err := env.svc.AcquireSlot(ctx, waiter.ID, false)
	if err != nil {
		t.Fatalf("Expected waiting verdict, not error: %v", err)
	}
	if res.Acquired {
		t.Fatal("Expected Acquired=false on a saturated pool")
	}
	if res.QueueReason == nil || *res.QueueReason != string(pipeline.ReasonWaitingForSlot) {
		t.Errorf("Expected queue reason WAITING_FOR_SLOT, got %v", res.QueueReason)
	}
	if len(res.OccupiedSlots) != 3 {
		t.Errorf("Expected 3 occupied slots, got %v", res.OccupiedSlots)
	}
	if _, ok := env.store.GetLeaseHeldByRun(waiter.ID); ok {
		t.Error("Expected no lease for the waiting run")
	}
	if !env.hasEvent(waiter.ID, pipeline.EventSlotWaiting) {
		t.Errorf("Expected slot_waiting event, got %v", env.eventTypes(t, waiter.ID))
	}
	// The run stays queued; waiting is not a failure.
	if got := env.mustGetRun(t, waiter.ID).Status; got != pipeline.StatusQueued {
		t.Errorf("Expected waiter to stay queued, got %s", got)
	}
}

func TestAcquireSlotRaceOnLastSlotHasOneWinner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Two of three slots are held; two runs race for the last one.
	for i := 0; i < 2; i++ {
		holder := env.createRun(t)
		env.mustAcquire(t, holder.ID)
	}
	racers := []*pipeline.Run{env.createRun(t), env.createRun(t)}

	results := make([]*AcquireResult, len(racers))
	errs := make([]error, len(racers))
	var wg sync.WaitGroup
	for i, run := range racers {
		wg.Add(1)
		go func(i int, runID string) {
			defer wg.Done()
			results[i], errs[i] = env.svc.AcquireSlot(ctx, runID, false)
		}(i, run.ID)
	}
	wg.Wait()

	winners := 0
	for i := range racers {
		if errs[i] != nil {
			t.Fatalf("Expected a verdict for racer %d, not an error: %v", i, errs[i])
		}
		if results[i].Acquired {
			winners++
			continue
		}
		// The loser gets the saturated-pool verdict, never a raw SQLITE_BUSY.
		if results[i].QueueReason == nil || *results[i].QueueReason != string(pipeline.ReasonWaitingForSlot) {
			t.Errorf("Expected loser to wait for a slot, got %+v", results[i])
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one winner for the last slot, got %d", winners)
	}
}

func TestAcquireSlotReapsExpiredLeasesInline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createRun(t)
	env.mustAcquire(t, first.ID)
	env.clock.Advance(1801 * time.Second)

	second := env.createRun(t)
	res, err := env.svc.AcquireSlot(ctx, second.ID, false)
	if err != nil {
		t.Fatalf("Failed to acquire after expiry: %v", err)
	}
	if res.SlotID == nil || *res.SlotID != "preview-1" {
		t.Errorf("Expected reaped preview-1 handed to the new run, got %v", res.SlotID)
	}

	expired := env.mustGetRun(t, first.ID)
	if expired.Status != pipeline.StatusExpired {
		t.Errorf("Expected first run expired, got %s", expired.Status)
	}
	if expired.SlotID != nil {
		t.Errorf("Expected first run slot cleared, got %v", *expired.SlotID)
	}
	if !env.hasEvent(first.ID, pipeline.EventSlotExpired) {
		t.Errorf("Expected slot_expired event, got %v", env.eventTypes(t, first.ID))
	}

	lease, ok := env.store.GetLease("preview-1")
	if !ok || lease.RunID == nil || *lease.RunID != second.ID {
		t.Errorf("Expected preview-1 leased to the second run, got %+v", lease)
	}
}

func TestAcquireSlotRejectsTerminalRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	if _, err := env.svc.Cancel(ctx, run.ID, nil, nil); err != nil {
		t.Fatalf("Failed to cancel run: %v", err)
	}

	_, err := env.svc.AcquireSlot(ctx, run.ID, false)
	if pipeline.KindOf(err) != pipeline.KindConflict {
		t.Errorf("Expected conflict for terminal run, got %v", err)
	}
}

func TestAcquireSlotRepairsStaleBookkeepingWithForce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)

	// Record a slot on the run without any backing lease.
	stale := "preview-3"
	if err := env.store.SetRunSlot(run.ID, &stale, env.clock.Now()); err != nil {
		t.Fatalf("Failed to set stale slot: %v", err)
	}

	if _, err := env.svc.AcquireSlot(ctx, run.ID, false); pipeline.KindOf(err) != pipeline.KindConflict {
		t.Errorf("Expected conflict for stale bookkeeping, got %v", err)
	}

	res, err := env.svc.AcquireSlot(ctx, run.ID, true)
	if err != nil {
		t.Fatalf("Failed to acquire with force: %v", err)
	}
	if !res.Acquired || res.SlotID == nil || *res.SlotID != "preview-1" {
		t.Errorf("Expected repaired acquisition of preview-1, got %+v", res)
	}
	stored := env.mustGetRun(t, run.ID)
	if stored.SlotID == nil || *stored.SlotID != "preview-1" {
		t.Errorf("Expected run slot repaired to preview-1, got %v", stored.SlotID)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	env.mustAcquire(t, run.ID)

	env.clock.Advance(10 * time.Minute)
	// Aliases are accepted anywhere a slot id is.
	res, err := env.svc.HeartbeatSlot(ctx, "preview1", run.ID)
	if err != nil {
		t.Fatalf("Failed to heartbeat: %v", err)
	}
	if !res.Updated || res.SlotID != "preview-1" {
		t.Errorf("Expected updated heartbeat on preview-1, got %+v", res)
	}
	wantExpiry := env.clock.Now().UTC().Add(1800 * time.Second)
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected extended expiry %s, got %v", wantExpiry, res.ExpiresAt)
	}

	lease, _ := env.store.GetLease("preview-1")
	if lease.ExpiresAt == nil || !lease.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("Expected stored expiry %s, got %v", wantExpiry, lease.ExpiresAt)
	}
	if !env.hasEvent(run.ID, pipeline.EventSlotHeartbeat) {
		t.Errorf("Expected slot_heartbeat event, got %v", env.eventTypes(t, run.ID))
	}
}

func TestHeartbeatRejectsWrongOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.HeartbeatSlot(ctx, "preview-1", "r-nobody"); pipeline.KindOf(err) != pipeline.KindLeaseMismatch {
		t.Errorf("Expected lease_mismatch with no lease, got %v", err)
	}

	owner := env.createRun(t)
	env.mustAcquire(t, owner.ID)
	intruder := env.createRun(t)

	if _, err := env.svc.HeartbeatSlot(ctx, "preview-1", intruder.ID); pipeline.KindOf(err) != pipeline.KindLeaseMismatch {
		t.Errorf("Expected lease_mismatch for wrong run, got %v", err)
	}
}

func TestHeartbeatExpiresOverdueLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	env.mustAcquire(t, run.ID)

	env.clock.Advance(1801 * time.Second)
	_, err := env.svc.HeartbeatSlot(ctx, "preview-1", run.ID)
	if pipeline.KindOf(err) != pipeline.KindLeaseMismatch {
		t.Fatalf("Expected lease_mismatch on overdue heartbeat, got %v", err)
	}

	// The expiry is committed even though the call failed.
	lease, _ := env.store.GetLease("preview-1")
	if lease.LeaseState != pipeline.LeaseStateExpired {
		t.Errorf("Expected lease expired, got %s", lease.LeaseState)
	}
	if got := env.mustGetRun(t, run.ID).Status; got != pipeline.StatusExpired {
		t.Errorf("Expected run expired, got %s", got)
	}
	if !env.hasEvent(run.ID, pipeline.EventSlotHeartbeatRejected) {
		t.Errorf("Expected slot_heartbeat_rejected event, got %v", env.eventTypes(t, run.ID))
	}
}

func TestReleaseSlotIdempotentWithoutLease(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.ReleaseSlot(context.Background(), "preview-2", nil)
	if err != nil {
		t.Fatalf("Failed to release unleased slot: %v", err)
	}
	if !res.Released {
		t.Error("Expected idempotent release success")
	}
	if res.Reason == nil || *res.Reason != "no_active_lease" {
		t.Errorf("Expected reason no_active_lease, got %v", res.Reason)
	}
}

func TestReleaseSlotChecksOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	run := env.createRun(t)
	slotID := env.mustAcquire(t, run.ID)

	wrong := "r-imposter"
	if _, err := env.svc.ReleaseSlot(ctx, slotID, &wrong); pipeline.KindOf(err) != pipeline.KindLeaseMismatch {
		t.Errorf("Expected lease_mismatch for wrong run, got %v", err)
	}

	res, err := env.svc.ReleaseSlot(ctx, slotID, &run.ID)
	if err != nil {
		t.Fatalf("Failed to release slot: %v", err)
	}
	if !res.Released || res.RunID == nil || *res.RunID != run.ID {
		t.Errorf("Expected release naming the owner, got %+v", res)
	}
	if got := env.mustGetRun(t, run.ID).SlotID; got != nil {
		t.Errorf("Expected run slot cleared, got %v", *got)
	}
	lease, _ := env.store.GetLease(slotID)
	if lease.LeaseState != pipeline.LeaseStateReleased {
		t.Errorf("Expected lease released, got %s", lease.LeaseState)
	}
}

func TestReapExpiredSlots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	expiring := env.createRun(t)
	env.mustAcquire(t, expiring.ID)
	env.clock.Advance(29 * time.Minute)

	// The first lease is still live here, so the inline reap on acquire
	// leaves it alone and the second run lands on preview-2.
	healthy := env.createRun(t)
	if got := env.mustAcquire(t, healthy.ID); got != "preview-2" {
		t.Fatalf("Expected healthy run on preview-2, got %s", got)
	}
	env.clock.Advance(2 * time.Minute)

	res, err := env.svc.ReapExpiredSlots(ctx, "test_reaper")
	if err != nil {
		t.Fatalf("Failed to reap: %v", err)
	}
	if res.ExpiredCount != 1 || len(res.ExpiredSlots) != 1 || res.ExpiredSlots[0] != "preview-1" {
		t.Errorf("Expected exactly preview-1 reaped, got %+v", res)
	}

	if got := env.mustGetRun(t, expiring.ID).Status; got != pipeline.StatusExpired {
		t.Errorf("Expected expiring run expired, got %s", got)
	}
	if got := env.mustGetRun(t, healthy.ID).Status; got != pipeline.StatusQueued {
		t.Errorf("Expected healthy run untouched, got %s", got)
	}
	if got := env.auditCount(t, pipeline.AuditSlotReap); got != 1 {
		t.Errorf("Expected 1 slot.reap_expired audit row, got %d", got)
	}

	// A second pass finds nothing.
	res, err = env.svc.ReapExpiredSlots(ctx, "test_reaper")
	if err != nil {
		t.Fatalf("Failed on second reap: %v", err)
	}
	if res.ExpiredCount != 0 {
		t.Errorf("Expected empty second reap, got %+v", res)
	}
}

func TestSlotStatesViews(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run := env.createRun(t)
	env.mustAcquire(t, run.ID)

	states, err := env.svc.SlotStates(ctx)
	if err != nil {
		t.Fatalf("Failed to list slot states: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("Expected 3 slot states, got %d", len(states))
	}
	if states[0].SlotID != "preview-1" || states[0].State != "leased" {
		t.Errorf("Expected preview-1 leased, got %s=%s", states[0].SlotID, states[0].State)
	}
	if states[0].RunID == nil || *states[0].RunID != run.ID {
		t.Errorf("Expected preview-1 owned by %s, got %v", run.ID, states[0].RunID)
	}
	if states[1].State != "available" || states[2].State != "available" {
		t.Errorf("Expected remaining slots available, got %s/%s", states[1].State, states[2].State)
	}

	env.clock.Advance(1801 * time.Second)
	states, err = env.svc.SlotStates(ctx)
	if err != nil {
		t.Fatalf("Failed to list slot states after expiry: %v", err)
	}
	if states[0].State != "expired" {
		t.Errorf("Expected preview-1 expired, got %s", states[0].State)
	}

	if _, err := env.svc.ReleaseSlot(ctx, "preview-1", nil); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}
	states, err = env.svc.SlotStates(ctx)
	if err != nil {
		t.Fatalf("Failed to list slot states after release: %v", err)
	}
	if states[0].State != "available" {
		t.Errorf("Expected preview-1 available after release, got %s", states[0].State)
	}
}

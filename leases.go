package runway

import (
	"context"
	"time"

	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
)

// AcquireResult is the typed outcome of one acquire call: either a held
// lease or a waiting verdict, never both.
type AcquireResult struct {
	Acquired      bool       `json:"acquired"`
	SlotID        *string    `json:"slot_id"`
	Idempotent    bool       `json:"idempotent,omitempty"`
	QueueReason   *string    `json:"queue_reason"`
	OccupiedSlots []string   `json:"occupied_slots,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at"`
	TTLSeconds    int        `json:"ttl_seconds"`
}

// HeartbeatResult reports one lease extension.
type HeartbeatResult struct {
	Updated   bool       `json:"heartbeat_updated"`
	SlotID    string     `json:"slot_id"`
	RunID     string     `json:"run_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ReleaseResult reports one release; idempotent outcomes carry a reason.
type ReleaseResult struct {
	Released bool    `json:"released"`
	SlotID   string  `json:"slot_id"`
	RunID    *string `json:"run_id"`
	Reason   *string `json:"reason,omitempty"`
}

// ReapResult summarizes one reap pass.
type ReapResult struct {
	ExpiredCount int      `json:"expired_count"`
	ExpiredSlots []string `json:"expired_slots"`
}

// AcquireSlot leases the first free slot to the run. Expired leases are
// reaped inline first. A run already holding a live lease gets an
// idempotent success; a saturated pool gets a waiting verdict with the
// occupied slots. Stale slot bookkeeping on the run is a conflict unless
// force repairs it.
func (s *Service) AcquireSlot(ctx context.Context, runID string, force bool) (*AcquireResult, error) {
	ttl := s.leaseTTL()
	now := s.now()

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}
	if pipeline.IsTerminal(run.Status) {
		return nil, pipeline.Conflictf("run %s is terminal (%s); cannot acquire a slot", runID, run.Status)
	}

	if _, err := s.reapExpiredInTx(ctx, tx, now, "slot_acquire_ttl_reaper"); err != nil {
		return nil, err
	}

	// Idempotent path: the run already holds a live lease.
	if lease, ok := tx.GetLeaseHeldByRun(runID); ok && lease.Live(now) {
		if run.SlotID == nil || *run.SlotID != lease.SlotID {
			if !force {
				return nil, pipeline.Conflictf(
					"run %s slot record %q disagrees with live lease on %q; pass force to repair",
					runID, derefOr(run.SlotID, ""), lease.SlotID)
			}
			if err := tx.SetRunSlot(runID, &lease.SlotID, now); err != nil {
				return nil, err
			}
		}
		if err := s.appendEvent(ctx, tx, runID, pipeline.EventSlotAcquireIdempotent, "", "", pipeline.Payload{
			"slot_id":     lease.SlotID,
			"expires_at":  lease.ExpiresAt,
			"ttl_seconds": int(ttl.Seconds()),
		}); err != nil {
			return nil, err
		}
		if err := s.appendAudit(tx, nil, pipeline.AuditSlotAcquire, pipeline.Payload{
			"run_id":     runID,
			"slot_id":    lease.SlotID,
			"idempotent": true,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.metrics.ObserveAcquire("idempotent")
		return &AcquireResult{
			Acquired:   true,
			SlotID:     &lease.SlotID,
			Idempotent: true,
			ExpiresAt:  lease.ExpiresAt,
			TTLSeconds: int(ttl.Seconds()),
		}, nil
	}

	// The run records a slot but holds no live lease: stale bookkeeping.
	if run.SlotID != nil {
		if !force {
			return nil, pipeline.Conflictf(
				"run %s records slot %q but holds no live lease; pass force to repair",
				runID, *run.SlotID)
		}
		if err := tx.SetRunSlot(runID, nil, now); err != nil {
			return nil, err
		}
	}

	slotIDs := s.slotIDs()
	leases, err := tx.ListLeases(slotIDs)
	if err != nil {
		return nil, err
	}

	var free string
	var occupied []string
	for _, slotID := range slotIDs {
		lease := leases[slotID]
		if lease != nil && lease.Live(now) {
			occupied = append(occupied, slotID)
			continue
		}
		if free == "" {
			free = slotID
		}
	}

	if free == "" {
		queueReason := string(pipeline.ReasonWaitingForSlot)
		if err := s.appendEvent(ctx, tx, runID, pipeline.EventSlotWaiting, "", "", pipeline.Payload{
			"reason":         queueReason,
			"occupied_slots": occupied,
			"queue_behavior": "retry_on_acquire",
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.metrics.ObserveAcquire("waiting")
		return &AcquireResult{
			Acquired:      false,
			QueueReason:   &queueReason,
			OccupiedSlots: occupied,
			TTLSeconds:    int(ttl.Seconds()),
		}, nil
	}

	expires := now.Add(ttl)
	if err := tx.UpsertLease(&pipeline.SlotLease{
		SlotID:      free,
		RunID:       &runID,
		LeaseState:  pipeline.LeaseStateLeased,
		LeasedAt:    &now,
		ExpiresAt:   &expires,
		HeartbeatAt: &now,
	}); err != nil {
		return nil, err
	}
	if err := tx.SetRunSlot(runID, &free, now); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventSlotAcquired, "", "", pipeline.Payload{
		"slot_id":     free,
		"expires_at":  expires,
		"ttl_seconds": int(ttl.Seconds()),
	}); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, nil, pipeline.AuditSlotAcquire, pipeline.Payload{
		"run_id":  runID,
		"slot_id": free,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Slot acquired", "run_id", runID, "slot_id", free, "expires_at", expires)
	s.metrics.ObserveAcquire("acquired")
	s.broadcast("slots")
	return &AcquireResult{
		Acquired:   true,
		SlotID:     &free,
		ExpiresAt:  &expires,
		TTLSeconds: int(ttl.Seconds()),
	}, nil
}

// HeartbeatSlot extends a held lease. An overdue lease is expired inline
// and the call returns lease_mismatch; the expiry is committed either way.
func (s *Service) HeartbeatSlot(ctx context.Context, slotID, runID string) (*HeartbeatResult, error) {
	slotID, err := pipeline.NormalizeSlotID(slotID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ttl := s.leaseTTL()

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lease, ok := tx.GetLease(slotID)
	if !ok || lease.LeaseState != pipeline.LeaseStateLeased || lease.RunID == nil {
		return nil, pipeline.LeaseMismatchf("no active lease on %s", slotID)
	}
	if *lease.RunID != runID {
		return nil, pipeline.LeaseMismatchf("slot %s is owned by a different run", slotID)
	}

	if lease.ExpiredAt(now) {
		if err := s.expireLeaseInTx(ctx, tx, lease, now, "heartbeat"); err != nil {
			return nil, err
		}
		if err := s.appendEvent(ctx, tx, runID, pipeline.EventSlotHeartbeatRejected, "", "", pipeline.Payload{
			"slot_id": slotID,
			"reason":  "lease_expired",
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.broadcast("slots")
		return nil, pipeline.LeaseMismatchf("lease on %s expired", slotID)
	}

	expires := now.Add(ttl)
	lease.ExpiresAt = &expires
	lease.HeartbeatAt = &now
	if err := tx.UpsertLease(lease); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventSlotHeartbeat, "", "", pipeline.Payload{
		"slot_id":    slotID,
		"expires_at": expires,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &HeartbeatResult{
		Updated:   true,
		SlotID:    slotID,
		RunID:     runID,
		ExpiresAt: &expires,
	}, nil
}

// ReleaseSlot releases a lease. Releasing a slot with no active lease is an
// idempotent success; a caller naming the wrong run is a lease mismatch.
func (s *Service) ReleaseSlot(ctx context.Context, slotID string, runID *string) (*ReleaseResult, error) {
	slotID, err := pipeline.NormalizeSlotID(slotID)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lease, ok := tx.GetLease(slotID)
	if !ok || lease.LeaseState != pipeline.LeaseStateLeased {
		reason := "no_active_lease"
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return &ReleaseResult{Released: true, SlotID: slotID, Reason: &reason}, nil
	}
	if runID != nil && (lease.RunID == nil || *lease.RunID != *runID) {
		return nil, pipeline.LeaseMismatchf("slot %s is owned by a different run", slotID)
	}

	owner := lease.RunID
	if err := s.releaseLeaseInTx(ctx, tx, slotID, derefOr(owner, ""), "released"); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, nil, pipeline.AuditSlotRelease, pipeline.Payload{
		"slot_id": slotID,
		"run_id":  derefOr(owner, ""),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Slot released", "slot_id", slotID, "run_id", derefOr(owner, ""))
	s.broadcast("slots")
	return &ReleaseResult{Released: true, SlotID: slotID, RunID: owner}, nil
}

// ReapExpiredSlots expires every overdue lease and transitions the owning
// runs. Source names the caller (API, background reaper, inline acquire).
func (s *Service) ReapExpiredSlots(ctx context.Context, source string) (*ReapResult, error) {
	now := s.now()
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := s.reapExpiredInTx(ctx, tx, now, source)
	if err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, nil, pipeline.AuditSlotReap, pipeline.Payload{
		"source":        source,
		"expired_count": result.ExpiredCount,
		"expired_slots": result.ExpiredSlots,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if result.ExpiredCount > 0 {
		s.logger.Info("Expired leases reaped",
			"source", source,
			"expired_count", result.ExpiredCount,
			"expired_slots", result.ExpiredSlots)
		s.metrics.ObserveReaped(result.ExpiredCount)
		s.broadcast("slots")
	}
	return result, nil
}

// SlotStates returns the effective per-slot view in pool order.
func (s *Service) SlotStates(ctx context.Context) ([]pipeline.SlotState, error) {
	now := s.now()
	leases, err := s.store.ListLeases(s.slotIDs())
	if err != nil {
		return nil, err
	}

	states := make([]pipeline.SlotState, 0, len(s.slotIDs()))
	for _, slotID := range s.slotIDs() {
		state := pipeline.SlotState{SlotID: slotID, State: "available"}
		if lease := leases[slotID]; lease != nil {
			ls := lease.LeaseState
			state.LeaseState = &ls
			state.RunID = lease.RunID
			state.ExpiresAt = lease.ExpiresAt
			state.HeartbeatAt = lease.HeartbeatAt
			switch {
			case lease.Live(now):
				state.State = "leased"
			case lease.LeaseState == pipeline.LeaseStateExpired || lease.ExpiredAt(now):
				state.State = "expired"
			default:
				state.State = "available"
			}
		}
		states = append(states, state)
	}
	return states, nil
}

// reapExpiredInTx expires every overdue lease inside tx, in pool order.
func (s *Service) reapExpiredInTx(ctx context.Context, tx *db.Tx, now time.Time, source string) (*ReapResult, error) {
	leases, err := tx.ListLeases(s.slotIDs())
	if err != nil {
		return nil, err
	}
	result := &ReapResult{ExpiredSlots: []string{}}
	for _, slotID := range s.slotIDs() {
		lease := leases[slotID]
		if lease == nil || !lease.ExpiredAt(now) {
			continue
		}
		if err := s.expireLeaseInTx(ctx, tx, lease, now, source); err != nil {
			return nil, err
		}
		result.ExpiredSlots = append(result.ExpiredSlots, slotID)
	}
	result.ExpiredCount = len(result.ExpiredSlots)
	return result, nil
}

// expireLeaseInTx marks one lease expired, clears the owning run's slot,
// and transitions the run to expired when the table allows it. The
// transition event payload carries the recovery contract.
func (s *Service) expireLeaseInTx(ctx context.Context, tx *db.Tx, lease *pipeline.SlotLease, now time.Time, source string) error {
	lease.LeaseState = pipeline.LeaseStateExpired
	lease.HeartbeatAt = &now
	if err := tx.UpsertLease(lease); err != nil {
		return err
	}
	if lease.RunID == nil {
		return nil
	}
	runID := *lease.RunID

	if err := tx.SetRunSlot(runID, nil, now); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventSlotExpired, "", "", pipeline.Payload{
		"slot_id": lease.SlotID,
		"source":  source,
	}); err != nil {
		return err
	}

	run, ok := tx.GetRun(runID)
	if !ok || pipeline.IsTerminal(run.Status) {
		return nil
	}
	if !pipeline.CanTransition(run.Status, pipeline.StatusExpired) {
		return s.appendEvent(ctx, tx, runID, pipeline.EventSlotExpirySkipped, "", "", pipeline.Payload{
			"slot_id": lease.SlotID,
			"status":  string(run.Status),
			"source":  source,
		})
	}

	payload := expiryPayload(runID, source)
	payload["slot_id"] = lease.SlotID
	return s.transitionInTx(ctx, tx, run, pipeline.StatusExpired, "", payload)
}

// releaseLeaseInTx sets a slot's lease to released, clears its run and
// timestamps, and clears the owning run's slot pointer. A slot with no
// lease row is a no-op.
func (s *Service) releaseLeaseInTx(ctx context.Context, tx *db.Tx, slotID, runID, reason string) error {
	now := s.now()
	lease, ok := tx.GetLease(slotID)
	if !ok {
		return nil
	}
	owner := lease.RunID
	lease.LeaseState = pipeline.LeaseStateReleased
	lease.RunID = nil
	lease.LeasedAt = nil
	lease.ExpiresAt = nil
	lease.HeartbeatAt = nil
	if err := tx.UpsertLease(lease); err != nil {
		return err
	}

	eventRun := runID
	if eventRun == "" && owner != nil {
		eventRun = *owner
	}
	if owner != nil {
		if err := tx.SetRunSlot(*owner, nil, now); err != nil {
			return err
		}
	}
	if eventRun == "" {
		return nil
	}
	return s.appendEvent(ctx, tx, eventRun, pipeline.EventSlotReleased, "", "", pipeline.Payload{
		"slot_id": slotID,
		"reason":  reason,
	})
}

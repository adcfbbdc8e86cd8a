package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EventSchemaVersion is stamped into every run event payload so consumers can
// evolve alongside the log.
const EventSchemaVersion = 1

// Run event types. Transitions always log EventStatusTransition; the service
// that caused the move records its own perspective as a sibling event.
const (
	EventRunCreated             = "run_created"
	EventStatusTransition       = "status_transition"
	EventRunRetried             = "run_retried"
	EventRunResumed             = "run_resumed"
	EventSlotAcquired           = "slot_acquired"
	EventSlotAcquireIdempotent  = "slot_acquire_idempotent"
	EventSlotWaiting            = "slot_waiting"
	EventSlotReleased           = "slot_released"
	EventSlotHeartbeat          = "slot_heartbeat"
	EventSlotHeartbeatRejected  = "slot_heartbeat_rejected"
	EventSlotExpired            = "slot_expired"
	EventSlotExpirySkipped      = "slot_expiry_transition_skipped"
	EventSlotReleaseSkipped     = "slot_release_skipped"
	EventWorktreeAssigned       = "worktree_assigned"
	EventWorktreeReused         = "worktree_reused"
	EventWorktreeCleaned        = "worktree_cleaned"
	EventPreviewResetStarted    = "preview_db_reset_started"
	EventPreviewResetCompleted  = "preview_db_reset_completed"
	EventPreviewResetFailed     = "preview_db_reset_failed"
	EventPreviewResetRejected   = "preview_db_reset_rejected"
	EventPreviewSlotAllocated   = "preview_slot_allocated"
	EventMergeGateCheckFinished = "merge_gate_check_finished"
	EventApprovalDecision       = "approval_decision"
	EventPreviewSmokeCompleted  = "preview_smoke_completed"
)

// Audit actions use dotted names: subsystem.verb[.qualifier].
const (
	AuditRunCreate             = "run.create"
	AuditRunTransition         = "run.transition"
	AuditRunRetry              = "run.retry"
	AuditRunResume             = "run.resume"
	AuditRunCancel             = "run.cancel"
	AuditRunExpire             = "run.expire"
	AuditSlotAcquire           = "slot.acquire"
	AuditSlotRelease           = "slot.release"
	AuditSlotHeartbeat         = "slot.heartbeat"
	AuditSlotReap              = "slot.reap_expired"
	AuditWorktreeAssign        = "worktree.assign"
	AuditWorktreeReuse         = "worktree.reuse"
	AuditWorktreeCleanup       = "worktree.cleanup"
	AuditPreviewReset          = "preview.reset"
	AuditApproveAutoNeeds      = "run.approve.auto_needs_approval"
	AuditApproveAccepted       = "run.approve.accepted"
	AuditApproveRejected       = "run.approve.rejected"
	AuditApproveRejectedNoop   = "run.approve.rejected_noop"
	AuditMergeStarted          = "run.merge.started"
	AuditMergeFailed           = "run.merge.failed"
	AuditMergeReleaseSkipped   = "run.merge.slot_release_skipped"
	AuditFinalCheckCompleted   = "run.test.final_check_completed"
	AuditDeployStarted         = "run.deploy.started"
	AuditDeployFailed          = "run.deploy.failed"
	AuditDeployCompleted       = "run.deploy.completed"
	AuditSeedLocalData         = "seed.local_data"
	AuditMergeRecheckSkipped   = "run.merge.recheck_skipped"
	AuditPreviewResetIntegrity = "preview.reset_integrity_audit"
)

// Payload is the free-form body attached to events and audit rows.
type Payload map[string]any

// WithSchemaVersion returns a copy of p stamped with the event schema
// version. A nil payload yields a fresh map.
func (p Payload) WithSchemaVersion() Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out["schema_version"] = EventSchemaVersion
	return out
}

// CanonicalJSON encodes p deterministically: encoding/json sorts map keys and
// emits compact output, which is exactly the canonical form the audit hash is
// defined over.
func CanonicalJSON(p Payload) ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return raw, nil
}

// PayloadHash returns the hex SHA-256 of the canonical JSON encoding of p.
// Audit rows store this next to the payload so tampering is detectable.
func PayloadHash(p Payload) (string, error) {
	raw, err := CanonicalJSON(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

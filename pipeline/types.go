package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Lease states for a slot row.
const (
	LeaseStateLeased   = "leased"
	LeaseStateReleased = "released"
	LeaseStateExpired  = "expired"
)

// Binding states and last actions for a slot's worktree row.
const (
	BindingStateActive   = "active"
	BindingStateReleased = "released"

	BindingActionAssigned  = "assigned"
	BindingActionReused    = "reused"
	BindingActionCleanedUp = "cleaned_up"
)

// Reset strategies and statuses for preview database provenance rows.
const (
	ResetStrategySeed     = "seed"
	ResetStrategySnapshot = "snapshot"

	ResetStatusRunning  = "running"
	ResetStatusApplied  = "applied"
	ResetStatusRejected = "rejected"
	ResetStatusFailed   = "failed"
	ResetStatusDryRun   = "dry_run"
)

// Release statuses tracked by the deploy gate.
const (
	ReleaseStatusDeployed     = "deployed"
	ReleaseStatusReplaced     = "replaced"
	ReleaseStatusDeployFailed = "deploy_failed"
	ReleaseStatusRolledBack   = "rolled_back"
)

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Run is one change request flowing queued→terminal. Status is written only
// by state-machine transitions.
type Run struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Prompt       string    `json:"prompt"`
	Status       Status    `json:"status"`
	Route        *string   `json:"route"`
	SlotID       *string   `json:"slot_id"`
	BranchName   *string   `json:"branch_name"`
	WorktreePath *string   `json:"worktree_path"`
	CommitSHA    *string   `json:"commit_sha"`
	ParentRunID  *string   `json:"parent_run_id"`
	CreatedBy    *string   `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RunContext carries the submission context; Metadata holds opaque keys
// including trace_id.
type RunContext struct {
	RunID       string  `json:"run_id"`
	Route       *string `json:"route"`
	PageTitle   *string `json:"page_title"`
	ElementHint *string `json:"element_hint"`
	Note        *string `json:"note"`
	Metadata    Payload `json:"metadata"`
}

// RunEvent is one append-only log row for a run.
type RunEvent struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	EventType  string    `json:"event_type"`
	StatusFrom *string   `json:"status_from"`
	StatusTo   *string   `json:"status_to"`
	Payload    Payload   `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// ValidationCheck records one check attempt (gate re-checks included).
type ValidationCheck struct {
	ID          int64      `json:"id"`
	RunID       string     `json:"run_id"`
	CheckName   string     `json:"check_name"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at"`
	ArtifactURI *string    `json:"artifact_uri"`
}

// RunArtifact points at a stored log or diagnostic blob for a run.
type RunArtifact struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	ArtifactType string    `json:"artifact_type"`
	ArtifactURI  string    `json:"artifact_uri"`
	Metadata     Payload   `json:"metadata"`
	CreatedAt    time.Time `json:"created_at"`
}

// SlotLease is the single lease row per slot, cycled in place.
type SlotLease struct {
	ID          int64      `json:"id"`
	SlotID      string     `json:"slot_id"`
	RunID       *string    `json:"run_id"`
	LeaseState  string     `json:"lease_state"`
	LeasedAt    *time.Time `json:"leased_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	HeartbeatAt *time.Time `json:"heartbeat_at"`
}

// ExpiredAt reports whether the lease is a live hold that has run out at now.
func (l *SlotLease) ExpiredAt(now time.Time) bool {
	return l.LeaseState == LeaseStateLeased && l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Live reports whether the lease currently holds the slot.
func (l *SlotLease) Live(now time.Time) bool {
	return l.LeaseState == LeaseStateLeased && l.ExpiresAt != nil && l.ExpiresAt.After(now)
}

// SlotWorktreeBinding is the single worktree row per slot.
type SlotWorktreeBinding struct {
	ID           int64      `json:"id"`
	SlotID       string     `json:"slot_id"`
	RunID        *string    `json:"run_id"`
	BranchName   *string    `json:"branch_name"`
	WorktreePath *string    `json:"worktree_path"`
	BindingState string     `json:"binding_state"`
	LastAction   string     `json:"last_action"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ReleasedAt   *time.Time `json:"released_at"`
}

// PreviewDBReset is one provenance row per reset attempt, append-only.
type PreviewDBReset struct {
	ID               int64      `json:"id"`
	RunID            string     `json:"run_id"`
	SlotID           string     `json:"slot_id"`
	DBName           string     `json:"db_name"`
	Strategy         string     `json:"strategy"`
	SeedVersion      *string    `json:"seed_version"`
	SnapshotVersion  *string    `json:"snapshot_version"`
	ResetStatus      string     `json:"reset_status"`
	Details          Payload    `json:"details"`
	ResetStartedAt   time.Time  `json:"reset_started_at"`
	ResetCompletedAt *time.Time `json:"reset_completed_at"`
}

// Approval records a human decision on a run.
type Approval struct {
	ID                int64          `json:"id"`
	RunID             string         `json:"run_id"`
	ReviewerID        *string        `json:"reviewer_id"`
	Decision          string         `json:"decision"`
	Reason            *string        `json:"reason"`
	FailureReasonCode *FailureReason `json:"failure_reason_code"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Release tracks what the deploy gate landed; ReleaseID is the merged commit
// SHA.
type Release struct {
	ID              int64      `json:"id"`
	ReleaseID       string     `json:"release_id"`
	CommitSHA       string     `json:"commit_sha"`
	MigrationMarker *string    `json:"migration_marker"`
	Status          string     `json:"status"`
	DeployedAt      *time.Time `json:"deployed_at"`
}

// AuditEntry is one append-only audit row; PayloadHash covers Payload's
// canonical encoding.
type AuditEntry struct {
	ID          int64     `json:"id"`
	Actor       *string   `json:"actor"`
	Action      string    `json:"action"`
	PayloadHash string    `json:"payload_hash"`
	Payload     Payload   `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// SlotState is the effective per-slot view served by the slots API:
// available (no live hold), leased, or expired.
type SlotState struct {
	SlotID      string     `json:"slot_id"`
	State       string     `json:"state"`
	RunID       *string    `json:"run_id"`
	LeaseState  *string    `json:"lease_state"`
	ExpiresAt   *time.Time `json:"expires_at"`
	HeartbeatAt *time.Time `json:"heartbeat_at"`
}

// WorktreeBindingView is the per-slot view served by the worktrees API:
// unbound (no row), bound, or released.
type WorktreeBindingView struct {
	SlotID       string     `json:"slot_id"`
	State        string     `json:"state"`
	RunID        *string    `json:"run_id"`
	BranchName   *string    `json:"branch_name"`
	WorktreePath *string    `json:"worktree_path"`
	BindingState *string    `json:"binding_state"`
	LastAction   *string    `json:"last_action"`
	UpdatedAt    *time.Time `json:"updated_at"`
}

// NewRunID mints an opaque run identifier.
func NewRunID() string { return uuid.NewString() }

// Package pipeline defines the domain model for the preview pipeline control
// plane: run lifecycle states and transition rules, failure reason codes, the
// slot/database contract, event and audit vocabulary, and the typed error
// kinds shared by every service.
package pipeline

// Status is the lifecycle stage of a run.
type Status string

const (
	StatusQueued        Status = "queued"         // Submitted, waiting for a worker
	StatusPlanning      Status = "planning"       // Agent is planning the change
	StatusEditing       Status = "editing"        // Agent is editing in the slot worktree
	StatusTesting       Status = "testing"        // Checks running against the worktree
	StatusPreviewReady  Status = "preview_ready"  // Preview deployed to the slot
	StatusNeedsApproval Status = "needs_approval" // Waiting for a human decision
	StatusApproved      Status = "approved"       // Approved, eligible for the merge gate
	StatusMerging       Status = "merging"        // Gate re-checking and merging to main
	StatusDeploying     Status = "deploying"      // Reload + health probe in flight
	StatusMerged        Status = "merged"         // Terminal: landed on main and deployed
	StatusFailed        Status = "failed"         // Terminal: failed with a reason code
	StatusCanceled      Status = "canceled"       // Terminal: canceled by operator or agent
	StatusExpired       Status = "expired"        // Terminal: lease expired before completion
)

// AllStatuses lists every canonical state in pipeline order.
var AllStatuses = []Status{
	StatusQueued,
	StatusPlanning,
	StatusEditing,
	StatusTesting,
	StatusPreviewReady,
	StatusNeedsApproval,
	StatusApproved,
	StatusMerging,
	StatusDeploying,
	StatusMerged,
	StatusFailed,
	StatusCanceled,
	StatusExpired,
}

// validTransitions is the single source of truth for allowed status moves.
// Terminal states have no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusQueued:        {StatusPlanning, StatusCanceled, StatusFailed, StatusExpired},
	StatusPlanning:      {StatusEditing, StatusFailed, StatusCanceled, StatusExpired},
	StatusEditing:       {StatusTesting, StatusFailed, StatusCanceled, StatusExpired},
	StatusTesting:       {StatusPreviewReady, StatusFailed, StatusCanceled, StatusExpired},
	StatusPreviewReady:  {StatusNeedsApproval, StatusFailed, StatusCanceled, StatusExpired},
	StatusNeedsApproval: {StatusApproved, StatusFailed, StatusCanceled, StatusExpired},
	StatusApproved:      {StatusMerging, StatusFailed, StatusCanceled, StatusExpired},
	StatusMerging:       {StatusDeploying, StatusFailed, StatusCanceled},
	StatusDeploying:     {StatusMerged, StatusFailed, StatusCanceled},
	StatusMerged:        {},
	StatusFailed:        {},
	StatusCanceled:      {},
	StatusExpired:       {},
}

// IsValidStatus reports whether s is one of the canonical states.
func IsValidStatus(s Status) bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s Status) bool {
	targets, ok := validTransitions[s]
	return ok && len(targets) == 0
}

// CanTransition reports whether the from→to edge exists in the table.
func CanTransition(from, to Status) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FailureReason is the machine-readable label required on every transition to
// failed. Non-failed transitions must not carry one.
type FailureReason string

const (
	ReasonWaitingForSlot          FailureReason = "WAITING_FOR_SLOT"
	ReasonValidationFailed        FailureReason = "VALIDATION_FAILED"
	ReasonChecksFailed            FailureReason = "CHECKS_FAILED"
	ReasonMergeConflict           FailureReason = "MERGE_CONFLICT"
	ReasonMigrationFailed         FailureReason = "MIGRATION_FAILED"
	ReasonDeployHealthcheckFailed FailureReason = "DEPLOY_HEALTHCHECK_FAILED"
	ReasonDeployPushFailed        FailureReason = "DEPLOY_PUSH_FAILED"
	ReasonPreviewPublishFailed    FailureReason = "PREVIEW_PUBLISH_FAILED"
	ReasonAgentTimeout            FailureReason = "AGENT_TIMEOUT"
	ReasonAgentCanceled           FailureReason = "AGENT_CANCELED"
	ReasonPreviewExpired          FailureReason = "PREVIEW_EXPIRED"
	ReasonPolicyRejected          FailureReason = "POLICY_REJECTED"
	ReasonUnknownError            FailureReason = "UNKNOWN_ERROR"
)

// AllFailureReasons lists the full reason-code taxonomy.
var AllFailureReasons = []FailureReason{
	ReasonWaitingForSlot,
	ReasonValidationFailed,
	ReasonChecksFailed,
	ReasonMergeConflict,
	ReasonMigrationFailed,
	ReasonDeployHealthcheckFailed,
	ReasonDeployPushFailed,
	ReasonPreviewPublishFailed,
	ReasonAgentTimeout,
	ReasonAgentCanceled,
	ReasonPreviewExpired,
	ReasonPolicyRejected,
	ReasonUnknownError,
}

// IsValidFailureReason reports whether code belongs to the taxonomy.
func IsValidFailureReason(code FailureReason) bool {
	for _, r := range AllFailureReasons {
		if r == code {
			return true
		}
	}
	return false
}

// EnsureTransition validates a requested status move and its reason code.
// It returns a typed Error: validation for unknown states or code misuse,
// conflict for terminal mutation or a missing edge.
func EnsureTransition(from, to Status, code FailureReason) error {
	if !IsValidStatus(from) {
		return Validationf("unknown status %q", from)
	}
	if !IsValidStatus(to) {
		return Validationf("unknown status %q", to)
	}
	if IsTerminal(from) {
		return Conflictf("run is terminal in %q; no further transitions", from)
	}
	if !CanTransition(from, to) {
		return Conflictf("transition %s -> %s is not allowed", from, to)
	}
	if to == StatusFailed {
		if code == "" {
			return Validationf("transition to failed requires a failure_reason_code")
		}
		if !IsValidFailureReason(code) {
			return Validationf("unknown failure_reason_code %q", code)
		}
		return nil
	}
	if code != "" {
		return Validationf("failure_reason_code %q is only valid when transitioning to failed", code)
	}
	return nil
}

func (s Status) String() string { return string(s) }

// ParseStatus converts raw input into a canonical Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !IsValidStatus(s) {
		return "", Validationf("unknown status %q", raw)
	}
	return s, nil
}

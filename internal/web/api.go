package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/madhatter5501/runway"
	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
)

const maxRequestBody = 1 << 20

// jsonResponse writes a JSON response with the given status code.
func (s *Server) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeError maps a typed failure onto the HTTP status taxonomy and writes
// the standard error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		perr = pipeline.Internal("unexpected_error", err)
	}
	if perr.Kind == pipeline.KindInternal {
		s.logger.Error("API request failed", "error", err)
	}
	s.jsonResponse(w, httpStatus(perr.Kind), map[string]any{
		"error": map[string]string{
			"kind":   string(perr.Kind),
			"reason": perr.Reason,
		},
	})
}

func httpStatus(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.KindNotFound:
		return http.StatusNotFound
	case pipeline.KindConflict, pipeline.KindLeaseMismatch:
		return http.StatusConflict
	case pipeline.KindValidation, pipeline.KindUnsafeDBTarget:
		return http.StatusUnprocessableEntity
	case pipeline.KindAllocationWaiting:
		return http.StatusOK
	case pipeline.KindDriverFailed:
		return http.StatusBadGateway
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON unmarshals a request body into dst and runs struct validation.
// An empty body leaves dst at its zero value so optional-body endpoints work.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return pipeline.Validationf("invalid_json_body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return pipeline.Validationf("invalid_request: %v", err)
	}
	return nil
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// --- Runs ---

// CreateRunRequest is the request body for submitting a change request.
type CreateRunRequest struct {
	Title       string         `json:"title" validate:"required"`
	Prompt      string         `json:"prompt" validate:"required"`
	Route       *string        `json:"route"`
	PageTitle   *string        `json:"page_title"`
	ElementHint *string        `json:"element_hint"`
	Note        *string        `json:"note"`
	Metadata    map[string]any `json:"metadata"`
	CreatedBy   *string        `json:"created_by"`
}

// apiCreateRun creates a queued run from a change request.
func (s *Server) apiCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.CreateRun(r.Context(), runway.CreateRunParams{
		Title:       req.Title,
		Prompt:      req.Prompt,
		Route:       req.Route,
		PageTitle:   req.PageTitle,
		ElementHint: req.ElementHint,
		Note:        req.Note,
		Metadata:    pipeline.Payload(req.Metadata),
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, run)
}

// apiListRuns returns runs newest-first with the total matching count.
// status accepts a comma-separated list; route filters by prefix.
func (s *Server) apiListRuns(w http.ResponseWriter, r *http.Request) {
	filter := db.RunFilter{
		RoutePrefix: r.URL.Query().Get("route"),
		Limit:       queryInt(r, "limit", 100),
		Offset:      queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := pipeline.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				s.writeError(w, err)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	runs, total, err := s.svc.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// apiGetRun returns one run with its submission context.
func (s *Server) apiGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	response := map[string]any{"run": run}
	if rc, ok := s.svc.Store().GetRunContext(run.ID); ok {
		response["context"] = rc
	}
	s.jsonResponse(w, http.StatusOK, response)
}

// TransitionRequest is the request body for a state-machine transition.
type TransitionRequest struct {
	ToStatus          string         `json:"to_status" validate:"required"`
	FailureReasonCode string         `json:"failure_reason_code"`
	Payload           map[string]any `json:"payload"`
	Actor             *string        `json:"actor"`
}

// apiTransitionRun moves a run to a new status under the transition table.
func (s *Server) apiTransitionRun(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	to, err := pipeline.ParseStatus(req.ToStatus)
	if err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.Transition(r.Context(), r.PathValue("id"), runway.TransitionParams{
		To:                to,
		FailureReasonCode: pipeline.FailureReason(req.FailureReasonCode),
		Payload:           pipeline.Payload(req.Payload),
		Actor:             req.Actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, run)
}

// CancelRequest is the optional request body for canceling a run.
type CancelRequest struct {
	Reason *string `json:"reason"`
	Actor  *string `json:"actor"`
}

// apiCancelRun cancels a non-terminal run, forcing lease release if needed.
func (s *Server) apiCancelRun(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.Cancel(r.Context(), r.PathValue("id"), req.Reason, req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, run)
}

// ActorRequest is the optional request body carrying only an actor.
type ActorRequest struct {
	Actor *string `json:"actor"`
}

// apiRetryRun clones a failed or expired run into a fresh queued run.
func (s *Server) apiRetryRun(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.Retry(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, run)
}

// apiExpireRun expires a run whose preview went stale.
func (s *Server) apiExpireRun(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.Expire(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, run)
}

// apiResumeRun clones an expired run into a fresh queued run.
func (s *Server) apiResumeRun(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.Resume(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, run)
}

// apiRunsContract returns the machine-readable run state contract.
func (s *Server) apiRunsContract(w http.ResponseWriter, r *http.Request) {
	states := make([]string, 0, len(pipeline.AllStatuses))
	terminal := make([]string, 0, 4)
	transitions := make(map[string][]string, len(pipeline.AllStatuses))
	for _, from := range pipeline.AllStatuses {
		states = append(states, string(from))
		if pipeline.IsTerminal(from) {
			terminal = append(terminal, string(from))
		}
		targets := []string{}
		for _, to := range pipeline.AllStatuses {
			if pipeline.CanTransition(from, to) {
				targets = append(targets, string(to))
			}
		}
		transitions[string(from)] = targets
	}

	reasons := make([]string, 0, len(pipeline.AllFailureReasons))
	for _, code := range pipeline.AllFailureReasons {
		reasons = append(reasons, string(code))
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"states":          states,
		"terminal_states": terminal,
		"transitions":     transitions,
		"failure_reasons": reasons,
	})
}

// --- Run subresources ---

// apiRunEvents returns the append-only event log for a run.
func (s *Server) apiRunEvents(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.svc.Store().ListRunEvents(run.ID, queryInt(r, "limit", 200))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, events)
}

// apiRunChecks returns validation check attempts for a run.
func (s *Server) apiRunChecks(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	checks, err := s.svc.Store().ListValidationChecks(run.ID, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, checks)
}

// apiRunArtifacts returns stored artifact pointers for a run.
func (s *Server) apiRunArtifacts(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	artifacts, err := s.svc.Store().ListRunArtifacts(run.ID, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, artifacts)
}

// apiRunApprovals returns approval decisions recorded for a run.
func (s *Server) apiRunApprovals(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	approvals, err := s.svc.Store().ListApprovals(run.ID, queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, approvals)
}

// DecisionRequest is the request body for approve and reject.
type DecisionRequest struct {
	ReviewerID        *string `json:"reviewer_id"`
	Reason            *string `json:"reason"`
	FailureReasonCode string  `json:"failure_reason_code"`
}

// apiApproveRun records a human approval and advances the run to approved.
func (s *Server) apiApproveRun(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.Approve(r.Context(), r.PathValue("id"), runway.DecisionParams{
		ReviewerID: req.ReviewerID,
		Reason:     req.Reason,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, run)
}

// apiRejectRun records a rejection and fails a non-terminal run after
// cleaning up its slot, worktree, and branch.
func (s *Server) apiRejectRun(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.svc.Reject(r.Context(), r.PathValue("id"), runway.DecisionParams{
		ReviewerID: req.ReviewerID,
		Reason:     req.Reason,
		Code:       pipeline.FailureReason(req.FailureReasonCode),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, run)
}

// apiMergeRun runs the merge/deploy gate for an approved run. Gate step
// failures come back as a failed outcome, not a transport error.
func (s *Server) apiMergeRun(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	outcome, err := s.svc.RunMergeGate(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, outcome)
}

// --- Slots ---

// apiSlotStates returns the derived free/leased/expired view per slot.
func (s *Server) apiSlotStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.svc.SlotStates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, states)
}

// AcquireRequest is the request body for leasing a slot.
type AcquireRequest struct {
	RunID string `json:"run_id" validate:"required"`
	Force bool   `json:"force"`
}

// apiAcquireSlot leases the first free slot to the run, or reports waiting.
func (s *Server) apiAcquireSlot(w http.ResponseWriter, r *http.Request) {
	var req AcquireRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.AcquireSlot(r.Context(), req.RunID, req.Force)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// HeartbeatRequest identifies the run extending its lease.
type HeartbeatRequest struct {
	RunID string `json:"run_id" validate:"required"`
}

// apiHeartbeatSlot extends the lease TTL for the holding run.
func (s *Server) apiHeartbeatSlot(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.HeartbeatSlot(r.Context(), r.PathValue("slot_id"), req.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// ReleaseRequest optionally pins the release to a specific holding run.
type ReleaseRequest struct {
	RunID *string `json:"run_id"`
}

// apiReleaseSlot releases a slot lease; releasing a free slot is idempotent.
func (s *Server) apiReleaseSlot(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.ReleaseSlot(r.Context(), r.PathValue("slot_id"), req.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// apiReapExpired expires every overdue lease in one pass.
func (s *Server) apiReapExpired(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ReapExpiredSlots(r.Context(), "api")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// AllocateRequest is the request body for the allocation orchestrator.
type AllocateRequest struct {
	RunID           string  `json:"run_id" validate:"required"`
	Strategy        string  `json:"strategy" validate:"omitempty,oneof=seed snapshot"`
	SeedVersion     string  `json:"seed_version"`
	SnapshotVersion string  `json:"snapshot_version"`
	DryRun          bool    `json:"dry_run"`
	Force           bool    `json:"force"`
	Actor           *string `json:"actor"`
}

// apiAllocate runs acquire + assign + reset as one idempotent step.
func (s *Server) apiAllocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.Allocate(r.Context(), runway.AllocateParams{
		RunID:           req.RunID,
		Strategy:        req.Strategy,
		SeedVersion:     req.SeedVersion,
		SnapshotVersion: req.SnapshotVersion,
		DryRun:          req.DryRun,
		Force:           req.Force,
		Actor:           req.Actor,
	})
	if err != nil && result == nil {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// A stage failure carries a verdict naming the failed stage; keep
		// that body and let the status code reflect the underlying kind.
		s.jsonResponse(w, httpStatus(pipeline.KindOf(err)), result)
		return
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// apiSlotsContract returns the machine-readable slot pool contract.
func (s *Server) apiSlotsContract(w http.ResponseWriter, r *http.Request) {
	cfg := s.svc.Config()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"slot_ids":          cfg.SlotIDs,
		"lease_ttl_seconds": cfg.SlotLeaseTTLSeconds,
		"acquire": map[string]any{
			"idempotent":   true,
			"queue_reason": string(pipeline.ReasonWaitingForSlot),
			"waiting_kind": string(pipeline.KindAllocationWaiting),
		},
	})
}

// --- Worktrees ---

// apiWorktrees returns the per-slot binding view.
func (s *Server) apiWorktrees(w http.ResponseWriter, r *http.Request) {
	views, err := s.svc.WorktreeBindings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, views)
}

// AssignRequest is the request body for binding a worktree.
type AssignRequest struct {
	RunID  string `json:"run_id" validate:"required"`
	SlotID string `json:"slot_id" validate:"required"`
}

// apiAssignWorktree binds the run's branch to the slot's worktree.
func (s *Server) apiAssignWorktree(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.AssignWorktree(r.Context(), req.RunID, req.SlotID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// apiCleanupWorktree removes the slot's worktree and releases the binding.
func (s *Server) apiCleanupWorktree(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.CleanupWorktree(r.Context(), r.PathValue("slot_id"), req.RunID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, result)
}

// apiWorktreesContract returns the branch and binding policy contract.
func (s *Server) apiWorktreesContract(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"branch_prefix":  pipeline.BranchPrefix,
		"branch_pattern": pipeline.BranchPrefix + "{run_id}",
		"binding_policy": "one active binding per slot; a stale worktree on another branch is replaced on assign",
	})
}

// --- Releases ---

// apiListReleases returns releases newest-first, optionally by status.
func (s *Server) apiListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := s.svc.Store().ListReleases(r.URL.Query().Get("status"), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, releases)
}

// apiGetRelease returns one release row.
func (s *Server) apiGetRelease(w http.ResponseWriter, r *http.Request) {
	release, ok := s.svc.Store().GetRelease(r.PathValue("id"))
	if !ok {
		s.writeError(w, pipeline.NotFoundf("release %s not found", r.PathValue("id")))
		return
	}
	s.jsonResponse(w, http.StatusOK, release)
}

// --- Preview DB resets ---

// ResetRequest is the request body for a direct reset_and_seed invocation.
type ResetRequest struct {
	RunID           string  `json:"run_id" validate:"required"`
	SlotID          string  `json:"slot_id" validate:"required"`
	Strategy        string  `json:"strategy" validate:"omitempty,oneof=seed snapshot"`
	SeedVersion     string  `json:"seed_version"`
	SnapshotVersion string  `json:"snapshot_version"`
	DryRun          bool    `json:"dry_run"`
	Actor           *string `json:"actor"`
}

// apiResetAndSeed resets the slot's preview database for the run.
func (s *Server) apiResetAndSeed(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	outcome, err := s.svc.ResetAndSeed(r.Context(), runway.ResetParams{
		RunID:           req.RunID,
		SlotID:          req.SlotID,
		Strategy:        req.Strategy,
		SeedVersion:     req.SeedVersion,
		SnapshotVersion: req.SnapshotVersion,
		DryRun:          req.DryRun,
		Actor:           req.Actor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, outcome)
}

// apiListResets returns reset provenance rows newest-first.
func (s *Server) apiListResets(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Store().ListResetRecords(time.Time{}, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, records)
}

// --- Audit ---

// apiAuditLog returns audit entries newest-first, optionally by action.
func (s *Server) apiAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Store().ListAuditEntries(r.URL.Query().Get("action"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, entries)
}

// --- Meta ---

// apiHealth reports process liveness and maintenance loop states.
func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.loops != nil {
		response["maintenance"] = s.loops()
	}
	s.jsonResponse(w, http.StatusOK, response)
}

// apiCoreMetrics returns the pipeline health snapshot.
func (s *Server) apiCoreMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.svc.CoreMetricsSnapshot(r.Context(), s.loops)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, snapshot)
}

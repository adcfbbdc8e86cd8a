package runway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/madhatter5501/runway/pipeline"
)

// DecisionParams carries a human approval or rejection.
type DecisionParams struct {
	ReviewerID *string
	Reason     *string
	Code       pipeline.FailureReason
}

// CheckOutcome summarizes one gate check execution.
type CheckOutcome struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exit_code"`
	DurationMS  int64  `json:"duration_ms"`
	ArtifactURI string `json:"artifact_uri,omitempty"`
}

// MergeOutcome is the result of one gate invocation. Step failures are a
// normal outcome (Status failed + FailureReason), not a transport error.
type MergeOutcome struct {
	RunID         string                  `json:"run_id"`
	Status        pipeline.Status         `json:"status"`
	CommitSHA     string                  `json:"commit_sha,omitempty"`
	MergedSHA     string                  `json:"merged_commit_sha,omitempty"`
	Pushed        bool                    `json:"pushed"`
	PushMode      string                  `json:"push_mode"`
	Checks        []CheckOutcome          `json:"checks,omitempty"`
	ReleaseID     string                  `json:"release_id,omitempty"`
	FailureReason *pipeline.FailureReason `json:"failure_reason_code,omitempty"`
	Detail        string                  `json:"detail,omitempty"`
}

// Approve records a human approval and moves the run to approved. An
// approve against preview_ready first passes through needs_approval so the
// event log shows every edge.
func (s *Service) Approve(ctx context.Context, runID string, p DecisionParams) (*pipeline.Run, error) {
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}
	switch run.Status {
	case pipeline.StatusPreviewReady:
		if err := s.transitionInTx(ctx, tx, run, pipeline.StatusNeedsApproval, "", pipeline.Payload{
			"source": "approve_auto_advance",
		}); err != nil {
			return nil, err
		}
		if err := s.appendAudit(tx, p.ReviewerID, pipeline.AuditApproveAutoNeeds, pipeline.Payload{
			"run_id": runID,
		}); err != nil {
			return nil, err
		}
	case pipeline.StatusNeedsApproval:
	default:
		return nil, pipeline.Conflictf("run %s is %s; approval requires needs_approval or preview_ready",
			runID, run.Status)
	}

	if err := tx.CreateApproval(&pipeline.Approval{
		RunID:      runID,
		ReviewerID: p.ReviewerID,
		Decision:   pipeline.DecisionApproved,
		Reason:     p.Reason,
		CreatedAt:  s.now(),
	}); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventApprovalDecision, "", "", pipeline.Payload{
		"decision": pipeline.DecisionApproved,
		"reviewer": derefOr(p.ReviewerID, ""),
	}); err != nil {
		return nil, err
	}
	if err := s.transitionInTx(ctx, tx, run, pipeline.StatusApproved, "", pipeline.Payload{
		"source": "approval",
	}); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, p.ReviewerID, pipeline.AuditApproveAccepted, pipeline.Payload{
		"run_id": runID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Run approved", "run_id", runID, "reviewer", derefOr(p.ReviewerID, ""))
	s.broadcast("run:" + runID)
	return run, nil
}

// Reject records a rejection and fails non-terminal runs with the decision
// code (POLICY_REJECTED by default). The slot is then cleaned best-effort:
// worktree removal, lease release, branch deletion, with each result landing
// in the transition event payload. Rejecting a terminal run only appends the
// decision row.
func (s *Service) Reject(ctx context.Context, runID string, p DecisionParams) (*pipeline.Run, error) {
	code := p.Code
	if code == "" {
		code = pipeline.ReasonPolicyRejected
	}
	if !pipeline.IsValidFailureReason(code) {
		return nil, pipeline.Validationf("unknown failure_reason_code %q", code)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if pipeline.IsTerminal(run.Status) {
		tx, err := s.store.Begin()
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		if err := tx.CreateApproval(&pipeline.Approval{
			RunID:             runID,
			ReviewerID:        p.ReviewerID,
			Decision:          pipeline.DecisionRejected,
			Reason:            p.Reason,
			FailureReasonCode: &code,
			CreatedAt:         s.now(),
		}); err != nil {
			return nil, err
		}
		if err := s.appendAudit(tx, p.ReviewerID, pipeline.AuditApproveRejectedNoop, pipeline.Payload{
			"run_id": runID,
			"status": string(run.Status),
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return run, nil
	}

	// Tear the slot down before the transition so the event payload can
	// carry each cleanup result.
	cleanup := pipeline.Payload{}
	if run.SlotID != nil {
		if _, err := s.CleanupWorktree(ctx, *run.SlotID, &runID); err != nil {
			cleanup["worktree_cleanup"] = "failed: " + err.Error()
		} else {
			cleanup["worktree_cleanup"] = "ok"
		}
		if _, err := s.ReleaseSlot(ctx, *run.SlotID, &runID); err != nil {
			cleanup["slot_release"] = "failed: " + err.Error()
		} else {
			cleanup["slot_release"] = "ok"
		}
	}
	if run.BranchName != nil {
		if err := s.git.DeleteBranch(ctx, *run.BranchName); err != nil {
			cleanup["branch_delete"] = "failed: " + err.Error()
		} else {
			cleanup["branch_delete"] = "ok"
		}
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}
	if err := tx.CreateApproval(&pipeline.Approval{
		RunID:             runID,
		ReviewerID:        p.ReviewerID,
		Decision:          pipeline.DecisionRejected,
		Reason:            p.Reason,
		FailureReasonCode: &code,
		CreatedAt:         s.now(),
	}); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventApprovalDecision, "", "", pipeline.Payload{
		"decision": pipeline.DecisionRejected,
		"reviewer": derefOr(p.ReviewerID, ""),
		"reason":   derefOr(p.Reason, ""),
	}); err != nil {
		return nil, err
	}
	payload := pipeline.Payload{"source": "rejection"}
	for k, v := range cleanup {
		payload[k] = v
	}
	if err := s.transitionInTx(ctx, tx, run, pipeline.StatusFailed, code, payload); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, p.ReviewerID, pipeline.AuditApproveRejected, pipeline.Payload{
		"run_id":              runID,
		"failure_reason_code": string(code),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Run rejected", "run_id", runID, "code", code)
	s.broadcast("run:" + runID)
	return run, nil
}

// RunMergeGate finalizes an approved run: re-check on the pinned commit,
// merge to main, push behind a fast-forward guard, reload the backend,
// health-probe, and land the terminal transition with release bookkeeping.
// Git steps run under a repo file lock so concurrent gates cannot
// interleave.
func (s *Service) RunMergeGate(ctx context.Context, runID string, actor *string) (*MergeOutcome, error) {
	cfg := s.Config()
	pushMode := s.pushMode()

	// Step 0: validate entry and move approved -> merging.
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}
	if run.Status != pipeline.StatusApproved {
		return nil, pipeline.Conflictf("run %s is %s; merge gate requires approved", runID, run.Status)
	}
	if run.BranchName == nil || run.WorktreePath == nil || run.SlotID == nil {
		return nil, pipeline.Validationf("run %s has no slot allocation; cannot merge", runID)
	}
	branch := *run.BranchName
	worktree := *run.WorktreePath
	slotID := *run.SlotID

	pinned := derefOr(run.CommitSHA, "")
	if pinned == "" {
		sha, err := s.git.HeadSHA(ctx, worktree)
		if err != nil {
			return nil, pipeline.DriverFailed("failed to pin commit from worktree head", err)
		}
		pinned = sha
		if err := tx.SetRunCommitSHA(runID, pinned, s.now()); err != nil {
			return nil, err
		}
		run.CommitSHA = &pinned
	}

	if err := s.transitionInTx(ctx, tx, run, pipeline.StatusMerging, "", pipeline.Payload{
		"source":     "merge_gate",
		"commit_sha": pinned,
	}); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, actor, pipeline.AuditMergeStarted, pipeline.Payload{
		"run_id":     runID,
		"branch":     branch,
		"commit_sha": pinned,
		"push_mode":  pushMode,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.broadcast("run:" + runID)

	outcome := &MergeOutcome{RunID: runID, CommitSHA: pinned, PushMode: pushMode}

	// Git steps are exclusive across processes, not just goroutines.
	repoLock := flock.New(filepath.Join(cfg.RepoRoot, ".git", "runway-gate.lock"))
	locked, err := repoLock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil || !locked {
		return s.failGate(ctx, runID, actor, outcome, pipeline.ReasonUnknownError,
			pipeline.Payload{"step": "repo_lock", "error": fmt.Sprintf("%v", err)})
	}
	defer repoLock.Unlock()

	// Step 1: re-run the checks against the pinned SHA.
	if s.recheckRequired() {
		failCode, detail, err := s.runGateChecks(ctx, runID, worktree, pinned, outcome)
		if err != nil {
			return nil, err
		}
		if failCode != "" {
			return s.failGate(ctx, runID, actor, outcome, failCode,
				pipeline.Payload{"step": "recheck", "detail": detail})
		}
	} else {
		if err := s.auditOnly(actor, pipeline.AuditMergeRecheckSkipped, pipeline.Payload{
			"run_id": runID,
		}); err != nil {
			return nil, err
		}
	}

	// Step 2: merge into main; the driver aborts and restores on conflict.
	mergedSHA, err := s.git.MergeIntoMain(ctx, branch)
	if err != nil {
		s.metrics.ObserveDeploy("merge_conflict")
		return s.failGate(ctx, runID, actor, outcome, pipeline.ReasonMergeConflict,
			pipeline.Payload{"step": "merge", "error": err.Error()})
	}
	outcome.MergedSHA = mergedSHA

	// Step 3: push behind the fast-forward guard. The local merge is never
	// reverted on push failure; the payload records the reconcile guidance.
	if pushMode == "auto" {
		diag, err := s.pushMainGuarded(ctx, cfg.Remote)
		if err != nil {
			s.metrics.ObserveDeploy("push_failed")
			s.writeArtifact(runID, "merge_push_diagnostics", "push_diagnostics.log", diag,
				pipeline.Payload{"error": err.Error()})
			return s.failGate(ctx, runID, actor, outcome, pipeline.ReasonDeployPushFailed, pipeline.Payload{
				"step":     "push",
				"error":    err.Error(),
				"guidance": "local merge retained on " + s.git.MainBranch() + "; reconcile with the remote manually",
			})
		}
		outcome.Pushed = true
	}

	// Step 4: merging -> deploying.
	if err := s.transitionAndAudit(ctx, runID, pipeline.StatusDeploying, "", pipeline.Payload{
		"source":     "merge_gate",
		"commit_sha": mergedSHA,
		"pushed":     outcome.Pushed,
	}, actor, pipeline.AuditDeployStarted, pipeline.Payload{
		"run_id":     runID,
		"commit_sha": mergedSHA,
	}); err != nil {
		return nil, err
	}
	s.broadcast("run:" + runID)

	// Step 5: reload the backend onto the merged commit.
	stepCtx, cancel := context.WithTimeout(ctx, cfg.DeployStepTimeout())
	reloadOut, reloadErr := s.deploy.Reload(stepCtx, mergedSHA)
	cancel()
	s.writeArtifact(runID, "deploy_backend_reload_log", "deploy_reload.log", reloadOut,
		pipeline.Payload{"commit_sha": mergedSHA, "ok": reloadErr == nil})
	if reloadErr != nil {
		s.metrics.ObserveDeploy("reload_failed")
		return s.failDeploy(ctx, runID, actor, outcome, mergedSHA, "reload", reloadErr)
	}

	// Step 6: health probe with bounded backoff.
	stepCtx, cancel = context.WithTimeout(ctx, cfg.DeployStepTimeout())
	healthOut, healthErr := probeHealth(stepCtx, s.health, 5)
	cancel()
	if healthErr != nil {
		s.metrics.ObserveDeploy("healthcheck_failed")
		s.writeArtifact(runID, "deploy_backend_reload_log", "deploy_health.log", healthOut,
			pipeline.Payload{"commit_sha": mergedSHA, "ok": false})
		return s.failDeploy(ctx, runID, actor, outcome, mergedSHA, "health_probe", healthErr)
	}

	// Step 7: land the terminal transition and the release bookkeeping.
	if err := s.finalizeDeployed(ctx, runID, actor, mergedSHA); err != nil {
		return nil, err
	}
	outcome.Status = pipeline.StatusMerged
	outcome.ReleaseID = mergedSHA
	s.metrics.ObserveDeploy("deployed")
	s.broadcast("run:" + runID)
	s.broadcast("runs")

	// Step 8: free the slot. Failures here never un-merge the run.
	s.releaseAfterMerge(ctx, runID, slotID)

	s.logger.Info("Run merged and deployed",
		"run_id", runID,
		"release_id", mergedSHA,
		"pushed", outcome.Pushed)
	return outcome, nil
}

// runGateChecks executes the configured suite in the bound worktree against
// the pinned SHA. It returns a failure code ("" when the suite passed) plus
// a detail string; the error return is for store failures only.
func (s *Service) runGateChecks(ctx context.Context, runID, worktree, pinned string, outcome *MergeOutcome) (pipeline.FailureReason, string, error) {
	head, err := s.git.HeadSHA(ctx, worktree)
	if err != nil {
		return pipeline.ReasonMergeConflict, "failed to read worktree head: " + err.Error(), nil
	}
	if head != pinned {
		return pipeline.ReasonMergeConflict, "head_sha_mismatch_before_checks", nil
	}

	timeout := s.Config().MergeGateTimeout()
	for _, check := range s.Config().MergeGateChecks {
		co, err := s.runOneCheck(ctx, runID, worktree, check.Name, check.Command, timeout)
		if err != nil {
			return "", "", err
		}
		outcome.Checks = append(outcome.Checks, *co)
		switch co.Status {
		case "timed_out":
			return pipeline.ReasonAgentTimeout, "check " + co.Name + " timed out", nil
		case "failed":
			return pipeline.ReasonChecksFailed, fmt.Sprintf("check %s exited %d", co.Name, co.ExitCode), nil
		}
	}

	head, err = s.git.HeadSHA(ctx, worktree)
	if err != nil {
		return pipeline.ReasonMergeConflict, "failed to re-read worktree head: " + err.Error(), nil
	}
	if head != pinned {
		return pipeline.ReasonMergeConflict, "head_sha_changed_during_checks", nil
	}

	if err := s.auditOnly(nil, pipeline.AuditFinalCheckCompleted, pipeline.Payload{
		"run_id":     runID,
		"commit_sha": pinned,
		"checks":     len(outcome.Checks),
	}); err != nil {
		return "", "", err
	}
	return "", "", nil
}

// runOneCheck runs a single configured check, stores its row, log artifact
// and event, and returns the summary. A check with no command on this host
// records as skipped.
func (s *Service) runOneCheck(ctx context.Context, runID, worktree, name, command string, timeout time.Duration) (*CheckOutcome, error) {
	started := s.now()
	co := &CheckOutcome{Name: name}

	if strings.TrimSpace(command) == "" {
		co.Status = "skipped"
	} else {
		fields := strings.Fields(command)
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(checkCtx, fields[0], fields[1:]...)
		cmd.Dir = worktree
		output, err := cmd.CombinedOutput()
		cancel()

		co.Status = "passed"
		if err != nil {
			if errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
				co.Status = "timed_out"
			} else {
				co.Status = "failed"
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				co.ExitCode = exitErr.ExitCode()
			} else {
				co.ExitCode = -1
			}
		}
		co.ArtifactURI = s.storeArtifactFile(runID, "check_"+name+".log", string(output))
	}
	ended := s.now()
	co.DurationMS = ended.Sub(started).Milliseconds()

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var artifactURI *string
	if co.ArtifactURI != "" {
		artifactURI = &co.ArtifactURI
	}
	if err := tx.CreateValidationCheck(&pipeline.ValidationCheck{
		RunID:       runID,
		CheckName:   name,
		Status:      co.Status,
		StartedAt:   &started,
		EndedAt:     &ended,
		ArtifactURI: artifactURI,
	}); err != nil {
		return nil, err
	}
	if co.ArtifactURI != "" {
		if err := tx.CreateRunArtifact(&pipeline.RunArtifact{
			RunID:        runID,
			ArtifactType: "merge_gate_check_log",
			ArtifactURI:  co.ArtifactURI,
			Metadata:     pipeline.Payload{"check": name, "exit_code": co.ExitCode},
			CreatedAt:    ended,
		}); err != nil {
			return nil, err
		}
	}
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventMergeGateCheckFinished, "", "", pipeline.Payload{
		"check_name":   name,
		"status":       co.Status,
		"exit_code":    co.ExitCode,
		"duration_ms":  co.DurationMS,
		"artifact_uri": co.ArtifactURI,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.metrics.ObserveCheck(name, co.Status, float64(co.DurationMS)/1000)
	return co, nil
}

// pushMainGuarded fetches, verifies the remote main is an ancestor of the
// local main, then pushes. The porcelain output is returned for diagnostics
// on both paths.
func (s *Service) pushMainGuarded(ctx context.Context, remote string) (string, error) {
	if err := s.git.Fetch(ctx); err != nil {
		return "", err
	}
	remoteRef := remote + "/" + s.git.MainBranch()
	ok, err := s.git.IsAncestor(ctx, remoteRef, s.git.MainBranch())
	if err != nil {
		return "", fmt.Errorf("fast-forward guard failed: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%s is not an ancestor of %s; push would not fast-forward", remoteRef, s.git.MainBranch())
	}
	return s.git.PushMain(ctx)
}

// failGate transitions a mid-gate run to failed with the step's code and
// returns the failure outcome.
func (s *Service) failGate(ctx context.Context, runID string, actor *string, outcome *MergeOutcome, code pipeline.FailureReason, payload pipeline.Payload) (*MergeOutcome, error) {
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}
	if err := s.transitionInTx(ctx, tx, run, pipeline.StatusFailed, code, payload); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, actor, pipeline.AuditMergeFailed, pipeline.Payload{
		"run_id":              runID,
		"failure_reason_code": string(code),
		"step":                payload["step"],
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Warn("Merge gate failed",
		"run_id", runID,
		"code", code,
		"step", payload["step"])
	s.broadcast("run:" + runID)

	outcome.Status = pipeline.StatusFailed
	outcome.FailureReason = &code
	if d, ok := payload["detail"].(string); ok {
		outcome.Detail = d
	} else if e, ok := payload["error"].(string); ok {
		outcome.Detail = e
	}
	return outcome, nil
}

// failDeploy handles a reload or health failure: mark the release
// deploy_failed, switch the backend to the previous deployed release, and
// fail the run with DEPLOY_HEALTHCHECK_FAILED.
func (s *Service) failDeploy(ctx context.Context, runID string, actor *string, outcome *MergeOutcome, mergedSHA, step string, cause error) (*MergeOutcome, error) {
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var previous *pipeline.Release
	if prev, ok := tx.CurrentDeployedRelease(); ok {
		previous = prev
	}
	if _, err := tx.UpsertRelease(mergedSHA, mergedSHA, pipeline.ReleaseStatusDeployFailed, nil, nil, s.now()); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, actor, pipeline.AuditDeployFailed, pipeline.Payload{
		"run_id":     runID,
		"commit_sha": mergedSHA,
		"step":       step,
		"error":      cause.Error(),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	payload := pipeline.Payload{
		"step":       step,
		"commit_sha": mergedSHA,
		"error":      cause.Error(),
	}
	if previous != nil {
		switchCtx, cancel := context.WithTimeout(ctx, s.Config().DeployStepTimeout())
		_, switchErr := s.deploy.Switch(switchCtx, previous.ReleaseID)
		cancel()
		if switchErr != nil {
			payload["previous_release_restore"] = "failed: " + switchErr.Error()
			s.logger.Error("Failed to restore previous release",
				"run_id", runID,
				"release_id", previous.ReleaseID,
				"error", switchErr)
		} else {
			payload["previous_release_restore"] = "ok"
			payload["previous_release_id"] = previous.ReleaseID
		}
	} else {
		payload["previous_release_restore"] = "no_previous_release"
	}

	return s.failGate(ctx, runID, actor, outcome, pipeline.ReasonDeployHealthcheckFailed, payload)
}

// finalizeDeployed lands deploying -> merged plus the release rows in one
// transaction.
func (s *Service) finalizeDeployed(ctx context.Context, runID string, actor *string, mergedSHA string) error {
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return pipeline.NotFoundf("run %s not found", runID)
	}

	var previous *pipeline.Release
	if prev, ok := tx.CurrentDeployedRelease(); ok && prev.ReleaseID != mergedSHA {
		previous = prev
	}
	if _, err := tx.UpsertRelease(mergedSHA, mergedSHA, pipeline.ReleaseStatusDeployed, nil, nil, s.now()); err != nil {
		return err
	}
	if previous != nil {
		if _, err := tx.UpsertRelease(previous.ReleaseID, previous.CommitSHA,
			pipeline.ReleaseStatusReplaced, nil, previous.DeployedAt, s.now()); err != nil {
			return err
		}
	}

	if err := s.transitionInTx(ctx, tx, run, pipeline.StatusMerged, "", pipeline.Payload{
		"source":            "merge_gate",
		"merged_commit_sha": mergedSHA,
		"release_id":        mergedSHA,
	}); err != nil {
		return err
	}
	if err := s.appendAudit(tx, actor, pipeline.AuditDeployCompleted, pipeline.Payload{
		"run_id":     runID,
		"release_id": mergedSHA,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// releaseAfterMerge frees the slot after a successful merge. Any failure is
// recorded as slot_release_skipped and swallowed.
func (s *Service) releaseAfterMerge(ctx context.Context, runID, slotID string) {
	var skipped []string
	if _, err := s.ReleaseSlot(ctx, slotID, &runID); err != nil {
		skipped = append(skipped, "slot_release: "+err.Error())
	}
	if _, err := s.CleanupWorktree(ctx, slotID, &runID); err != nil {
		skipped = append(skipped, "worktree_cleanup: "+err.Error())
	}
	if len(skipped) == 0 {
		return
	}

	s.logger.Warn("Post-merge slot release incomplete",
		"run_id", runID,
		"slot_id", slotID,
		"skipped", skipped)
	tx, err := s.store.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := s.appendEvent(ctx, tx, runID, pipeline.EventSlotReleaseSkipped, "", "", pipeline.Payload{
		"slot_id": slotID,
		"skipped": skipped,
	}); err != nil {
		return
	}
	if err := s.appendAudit(tx, nil, pipeline.AuditMergeReleaseSkipped, pipeline.Payload{
		"run_id":  runID,
		"slot_id": slotID,
		"skipped": skipped,
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

// transitionAndAudit applies one transition plus one audit row in a fresh
// transaction.
func (s *Service) transitionAndAudit(ctx context.Context, runID string, to pipeline.Status, code pipeline.FailureReason, payload pipeline.Payload, actor *string, action string, auditPayload pipeline.Payload) error {
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return pipeline.NotFoundf("run %s not found", runID)
	}
	if err := s.transitionInTx(ctx, tx, run, to, code, payload); err != nil {
		return err
	}
	if err := s.appendAudit(tx, actor, action, auditPayload); err != nil {
		return err
	}
	return tx.Commit()
}

// auditOnly writes a single audit row in its own transaction.
func (s *Service) auditOnly(actor *string, action string, payload pipeline.Payload) error {
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.appendAudit(tx, actor, action, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// storeArtifactFile writes one artifact file under the run's artifact
// directory and returns its path; an empty return means the write failed
// and only the event payload carries the output.
func (s *Service) storeArtifactFile(runID, name, content string) string {
	dir := filepath.Join(s.Config().ArtifactsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Failed to create artifact dir", "dir", dir, "error", err)
		return ""
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		s.logger.Warn("Failed to write artifact", "path", path, "error", err)
		return ""
	}
	return path
}

// writeArtifact persists an artifact file plus its run_artifacts row.
func (s *Service) writeArtifact(runID, artifactType, fileName, content string, metadata pipeline.Payload) {
	uri := s.storeArtifactFile(runID, fileName, content)
	if uri == "" {
		return
	}
	tx, err := s.store.Begin()
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := tx.CreateRunArtifact(&pipeline.RunArtifact{
		RunID:        runID,
		ArtifactType: artifactType,
		ArtifactURI:  uri,
		Metadata:     metadata,
		CreatedAt:    s.now(),
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

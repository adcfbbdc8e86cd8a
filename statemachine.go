package runway

import (
	"context"
	"fmt"

	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
)

// CreateRunParams is the submission payload for a new run.
type CreateRunParams struct {
	Title       string
	Prompt      string
	Route       *string
	PageTitle   *string
	ElementHint *string
	Note        *string
	Metadata    pipeline.Payload
	CreatedBy   *string
}

// CreateRun inserts a queued run with its context and first event.
func (s *Service) CreateRun(ctx context.Context, p CreateRunParams) (*pipeline.Run, error) {
	if p.Title == "" {
		return nil, pipeline.Validationf("title_required")
	}
	if p.Prompt == "" {
		return nil, pipeline.Validationf("prompt_required")
	}

	now := s.now()
	run := &pipeline.Run{
		ID:        pipeline.NewRunID(),
		Title:     p.Title,
		Prompt:    p.Prompt,
		Status:    pipeline.StatusQueued,
		Route:     p.Route,
		CreatedBy: p.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}

	metadata := pipeline.Payload{}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	if trace := pipeline.TraceIDFrom(ctx); trace != "" {
		metadata["trace_id"] = trace
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.CreateRun(run); err != nil {
		return nil, err
	}
	rc := &pipeline.RunContext{
		RunID:       run.ID,
		Route:       p.Route,
		PageTitle:   p.PageTitle,
		ElementHint: p.ElementHint,
		Note:        p.Note,
		Metadata:    metadata,
	}
	if err := tx.CreateRunContext(rc); err != nil {
		return nil, err
	}

	eventCtx := pipeline.Payload{"route": derefOr(p.Route, "")}
	if p.Note != nil {
		eventCtx["note"] = *p.Note
	}
	if len(metadata) > 0 {
		eventCtx["metadata"] = map[string]any(metadata)
	}
	if err := s.appendEvent(ctx, tx, run.ID, pipeline.EventRunCreated, "", pipeline.StatusQueued, pipeline.Payload{
		"source":  "api",
		"context": map[string]any(eventCtx),
	}); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, p.CreatedBy, pipeline.AuditRunCreate, pipeline.Payload{
		"run_id": run.ID,
		"title":  run.Title,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Run created", "run_id", run.ID, "title", run.Title)
	s.broadcast("runs")
	return run, nil
}

// GetRun retrieves one run.
func (s *Service) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	run, ok := s.store.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}
	return run, nil
}

// ListRuns returns runs matching the filter plus the total count.
func (s *Service) ListRuns(ctx context.Context, f db.RunFilter) ([]pipeline.Run, int, error) {
	for _, st := range f.Statuses {
		if !pipeline.IsValidStatus(st) {
			return nil, 0, pipeline.Validationf("unknown status %q", st)
		}
	}
	if f.Limit < 0 || f.Limit > 200 {
		return nil, 0, pipeline.Validationf("limit must be between 0 and 200")
	}
	return s.store.ListRuns(f)
}

// TransitionParams drives one explicit state transition.
type TransitionParams struct {
	To                pipeline.Status
	FailureReasonCode pipeline.FailureReason
	Payload           pipeline.Payload
	Actor             *string
}

// Transition moves a run to a new status under the transition table rules.
func (s *Service) Transition(ctx context.Context, runID string, p TransitionParams) (*pipeline.Run, error) {
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}

	payload := pipeline.Payload{"source": "api"}
	for k, v := range p.Payload {
		payload[k] = v
	}
	if err := s.transitionInTx(ctx, tx, run, p.To, p.FailureReasonCode, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Run transitioned", "run_id", runID, "to", p.To)
	s.broadcast("run:" + runID)
	return run, nil
}

// Cancel moves a run to canceled and releases any held slot lease in the
// same transaction.
func (s *Service) Cancel(ctx context.Context, runID string, reason *string, actor *string) (*pipeline.Run, error) {
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}

	payload := pipeline.Payload{"source": "api"}
	if reason != nil {
		payload["reason"] = *reason
	}
	if err := s.transitionInTx(ctx, tx, run, pipeline.StatusCanceled, "", payload); err != nil {
		return nil, err
	}
	if run.SlotID != nil {
		if err := s.releaseLeaseInTx(ctx, tx, *run.SlotID, run.ID, "run_canceled"); err != nil {
			return nil, err
		}
	}
	if err := s.appendAudit(tx, actor, pipeline.AuditRunCancel, pipeline.Payload{
		"run_id": runID,
		"reason": derefOr(reason, ""),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Run canceled", "run_id", runID)
	s.broadcast("run:" + runID)
	return run, nil
}

// Expire moves a run to expired (operator path) and releases any held
// lease. The event payload names the recovery contract.
func (s *Service) Expire(ctx context.Context, runID string, actor *string) (*pipeline.Run, error) {
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	run, ok := tx.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}

	payload := expiryPayload(runID, "api")
	if run.SlotID != nil {
		payload["slot_id"] = *run.SlotID
	}
	if err := s.transitionInTx(ctx, tx, run, pipeline.StatusExpired, "", payload); err != nil {
		return nil, err
	}
	if run.SlotID != nil {
		if err := s.releaseLeaseInTx(ctx, tx, *run.SlotID, run.ID, "run_expired"); err != nil {
			return nil, err
		}
	}
	if err := s.appendAudit(tx, actor, pipeline.AuditRunExpire, pipeline.Payload{"run_id": runID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Run expired", "run_id", runID)
	s.broadcast("run:" + runID)
	return run, nil
}

// Retry creates a child run in queued from a failed or expired parent.
func (s *Service) Retry(ctx context.Context, runID string, actor *string) (*pipeline.Run, error) {
	return s.createChildRun(ctx, runID, actor, "Retry: ",
		pipeline.EventRunRetried, pipeline.AuditRunRetry,
		[]pipeline.Status{pipeline.StatusFailed, pipeline.StatusExpired})
}

// Resume creates a child run in queued from an expired parent. This is the
// recovery path expiry events point at.
func (s *Service) Resume(ctx context.Context, runID string, actor *string) (*pipeline.Run, error) {
	return s.createChildRun(ctx, runID, actor, "Resume: ",
		pipeline.EventRunResumed, pipeline.AuditRunResume,
		[]pipeline.Status{pipeline.StatusExpired})
}

func (s *Service) createChildRun(ctx context.Context, parentID string, actor *string, titlePrefix, eventType, auditAction string, allowed []pipeline.Status) (*pipeline.Run, error) {
	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	parent, ok := tx.GetRun(parentID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", parentID)
	}
	permitted := false
	for _, st := range allowed {
		if parent.Status == st {
			permitted = true
			break
		}
	}
	if !permitted {
		return nil, pipeline.Conflictf("run %s is %s; %s requires one of %v",
			parentID, parent.Status, auditAction, allowed)
	}

	now := s.now()
	child := &pipeline.Run{
		ID:          pipeline.NewRunID(),
		Title:       titlePrefix + parent.Title,
		Prompt:      parent.Prompt,
		Status:      pipeline.StatusQueued,
		Route:       parent.Route,
		ParentRunID: &parent.ID,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if child.CreatedBy == nil {
		child.CreatedBy = parent.CreatedBy
	}
	if err := tx.CreateRun(child); err != nil {
		return nil, err
	}

	childCtx := &pipeline.RunContext{RunID: child.ID, Route: parent.Route}
	if parentCtx, ok := tx.GetRunContext(parentID); ok {
		childCtx.Route = parentCtx.Route
		childCtx.PageTitle = parentCtx.PageTitle
		childCtx.ElementHint = parentCtx.ElementHint
		childCtx.Note = parentCtx.Note
		childCtx.Metadata = parentCtx.Metadata
	}
	if err := tx.CreateRunContext(childCtx); err != nil {
		return nil, err
	}

	if err := s.appendEvent(ctx, tx, child.ID, eventType, "", pipeline.StatusQueued, pipeline.Payload{
		"parent_run_id": parent.ID,
		"parent_status": string(parent.Status),
	}); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, actor, auditAction, pipeline.Payload{
		"run_id":        child.ID,
		"parent_run_id": parent.ID,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Child run created", "run_id", child.ID, "parent_run_id", parent.ID, "event", eventType)
	s.broadcast("runs")
	return child, nil
}

// expiryPayload is the recovery contract attached to every move into
// expired: the run is recoverable by creating a child via the resume
// endpoint.
func expiryPayload(runID, source string) pipeline.Payload {
	return pipeline.Payload{
		"source":              source,
		"reason":              string(pipeline.ReasonPreviewExpired),
		"failure_reason_code": string(pipeline.ReasonPreviewExpired),
		"recoverable":         true,
		"recovery_strategy":   "create_child_run",
		"resume_endpoint":     fmt.Sprintf("/api/runs/%s/resume", runID),
	}
}

func derefOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

package runway

import (
	"context"

	"github.com/madhatter5501/runway/pipeline"
)

// AllocateParams drives one end-to-end preview allocation.
type AllocateParams struct {
	RunID           string
	Strategy        string
	SeedVersion     string
	SnapshotVersion string
	DryRun          bool
	Force           bool
	Actor           *string
}

// AllocateResult is the orchestrator verdict: allocated, waiting, or failed
// with the stage that failed.
type AllocateResult struct {
	Status        string   `json:"status"`
	Reason        string   `json:"reason,omitempty"`
	SlotID        string   `json:"slot_id,omitempty"`
	BranchName    string   `json:"branch_name,omitempty"`
	WorktreePath  string   `json:"worktree_path,omitempty"`
	Database      string   `json:"db_name,omitempty"`
	OccupiedSlots []string `json:"occupied_slots,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Allocate acquires a slot, assigns the worktree, and resets the preview
// database as one idempotent operation. A later stage failing rolls back
// the earlier stages best-effort, so a failed allocation never strands a
// lease. Repeat calls ride the idempotent acquire and worktree reuse.
func (s *Service) Allocate(ctx context.Context, p AllocateParams) (*AllocateResult, error) {
	acquired, err := s.AcquireSlot(ctx, p.RunID, p.Force)
	if err != nil {
		return nil, err
	}
	if !acquired.Acquired {
		return &AllocateResult{
			Status:        "waiting",
			Reason:        string(pipeline.ReasonWaitingForSlot),
			OccupiedSlots: acquired.OccupiedSlots,
		}, nil
	}
	slotID := *acquired.SlotID

	assigned, err := s.AssignWorktree(ctx, p.RunID, slotID)
	if err != nil {
		s.rollbackAllocation(ctx, p.RunID, slotID, false)
		return &AllocateResult{
			Status: "failed",
			Reason: "WORKTREE_ASSIGN_FAILED",
			SlotID: slotID,
			Error:  err.Error(),
		}, err
	}

	reset, err := s.ResetAndSeed(ctx, ResetParams{
		RunID:           p.RunID,
		SlotID:          slotID,
		Strategy:        p.Strategy,
		SeedVersion:     p.SeedVersion,
		SnapshotVersion: p.SnapshotVersion,
		DryRun:          p.DryRun,
		Actor:           p.Actor,
	})
	if err != nil {
		s.rollbackAllocation(ctx, p.RunID, slotID, true)
		result := &AllocateResult{
			Status:       "failed",
			Reason:       "PREVIEW_DB_RESET_FAILED",
			SlotID:       slotID,
			BranchName:   assigned.BranchName,
			WorktreePath: assigned.WorktreePath,
			Error:        err.Error(),
		}
		if reset != nil {
			result.Database = reset.Database
		}
		return result, err
	}

	tx, txErr := s.store.Begin()
	if txErr != nil {
		return nil, txErr
	}
	defer tx.Rollback()
	// The resolved versions, not the request's: an empty seed version may
	// have been filled from the catalog default.
	if err := s.appendEvent(ctx, tx, p.RunID, pipeline.EventPreviewSlotAllocated, "", "", pipeline.Payload{
		"slot_id":          slotID,
		"strategy":         p.Strategy,
		"seed_version":     reset.SeedVersion,
		"snapshot_version": reset.SnapshotVersion,
		"dry_run":          p.DryRun,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Preview slot allocated",
		"run_id", p.RunID, "slot_id", slotID, "db_name", reset.Database, "strategy", p.Strategy)
	s.broadcast("run:" + p.RunID)
	return &AllocateResult{
		Status:       "allocated",
		SlotID:       slotID,
		BranchName:   assigned.BranchName,
		WorktreePath: assigned.WorktreePath,
		Database:     reset.Database,
	}, nil
}

// rollbackAllocation undoes the stages that succeeded before a failure.
// Each step is best-effort; failures are logged and the lease release is
// always attempted.
func (s *Service) rollbackAllocation(ctx context.Context, runID, slotID string, cleanWorktree bool) {
	if cleanWorktree {
		if _, err := s.CleanupWorktree(ctx, slotID, &runID); err != nil {
			s.logger.Warn("Allocation rollback: worktree cleanup failed",
				"run_id", runID, "slot_id", slotID, "error", err)
		}
	}
	if _, err := s.ReleaseSlot(ctx, slotID, &runID); err != nil {
		s.logger.Warn("Allocation rollback: slot release failed",
			"run_id", runID, "slot_id", slotID, "error", err)
	}
}

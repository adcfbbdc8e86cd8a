package runway

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/madhatter5501/runway/pipeline"
)

// AssignResult reports one worktree assignment.
type AssignResult struct {
	Assigned     bool   `json:"assigned"`
	Reused       bool   `json:"reused"`
	SlotID       string `json:"slot_id"`
	RunID        string `json:"run_id"`
	BranchName   string `json:"branch_name"`
	WorktreePath string `json:"worktree_path"`
}

// CleanupResult reports one worktree cleanup; idempotent outcomes carry a
// reason instead of failing.
type CleanupResult struct {
	Cleaned      bool    `json:"cleaned"`
	SlotID       string  `json:"slot_id"`
	RunID        *string `json:"run_id"`
	BranchName   *string `json:"branch_name,omitempty"`
	WorktreePath *string `json:"worktree_path,omitempty"`
	Reason       *string `json:"reason,omitempty"`
}

// AssignWorktree binds the run's branch to the slot's worktree directory.
// The run must hold a live lease on the slot. An existing worktree on the
// same branch is reused; one on the wrong branch is replaced. Git work
// happens before the binding transaction so SQLite write locks stay short.
func (s *Service) AssignWorktree(ctx context.Context, runID, slotID string) (*AssignResult, error) {
	slotID, err := pipeline.NormalizeSlotID(slotID)
	if err != nil {
		return nil, err
	}
	branch, err := pipeline.BranchName(runID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	run, ok := s.store.GetRun(runID)
	if !ok {
		return nil, pipeline.NotFoundf("run %s not found", runID)
	}
	lease, ok := s.store.GetLease(slotID)
	if !ok || lease.RunID == nil || *lease.RunID != runID {
		if ok && lease.Live(now) {
			return nil, pipeline.Conflictf("slot %s is leased by a different run", slotID)
		}
		return nil, pipeline.Conflictf("run %s holds no active lease on %s", runID, slotID)
	}
	if !lease.Live(now) {
		return nil, pipeline.Conflictf("run %s holds no active lease on %s", runID, slotID)
	}
	if run.BranchName != nil && *run.BranchName != branch {
		return nil, pipeline.Conflictf("run %s already uses branch %s", runID, *run.BranchName)
	}
	if run.SlotID != nil && *run.SlotID != slotID {
		return nil, pipeline.Conflictf("run %s is bound to slot %s", runID, *run.SlotID)
	}
	if binding, ok := s.store.GetBinding(slotID); ok &&
		binding.BindingState == pipeline.BindingStateActive &&
		binding.RunID != nil && *binding.RunID != runID {
		return nil, pipeline.Conflictf("slot %s worktree is bound to a different run", slotID)
	}

	if _, err := os.Stat(s.git.RepoRoot()); err != nil {
		return nil, pipeline.Validationf("repo_root_not_found: %s", s.git.RepoRoot())
	}
	worktreeRoot := s.Config().WorktreeRoot
	path := filepath.Join(worktreeRoot, slotID)
	absRoot, err := filepath.Abs(worktreeRoot)
	if err != nil {
		return nil, pipeline.Internal("worktree_root_resolve_failed", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, pipeline.Internal("worktree_path_resolve_failed", err)
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(os.PathSeparator)) {
		return nil, pipeline.Validationf("worktree_path_out_of_bounds: %s", path)
	}

	if err := s.git.EnsureBranch(ctx, branch); err != nil {
		return nil, pipeline.DriverFailed("branch_create_failed", err)
	}

	reused := false
	existing, found, err := s.git.FindWorktree(ctx, absPath)
	if err != nil {
		return nil, pipeline.DriverFailed("worktree_list_failed", err)
	}
	switch {
	case found && existing.Branch == branch:
		reused = true
	case found:
		// Wrong branch checked out at the slot path: replace it.
		if err := s.git.RemoveWorktree(ctx, absPath); err != nil {
			return nil, pipeline.DriverFailed("worktree_replace_failed", err)
		}
		if err := s.git.AddWorktree(ctx, absPath, branch); err != nil {
			return nil, pipeline.DriverFailed("worktree_add_failed", err)
		}
	default:
		if err := s.git.AddWorktree(ctx, absPath, branch); err != nil {
			return nil, pipeline.DriverFailed("worktree_add_failed", err)
		}
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	action := pipeline.BindingActionAssigned
	eventType := pipeline.EventWorktreeAssigned
	auditAction := pipeline.AuditWorktreeAssign
	if reused {
		action = pipeline.BindingActionReused
		eventType = pipeline.EventWorktreeReused
		auditAction = pipeline.AuditWorktreeReuse
	}
	if err := tx.UpsertBinding(&pipeline.SlotWorktreeBinding{
		SlotID:       slotID,
		RunID:        &runID,
		BranchName:   &branch,
		WorktreePath: &absPath,
		BindingState: pipeline.BindingStateActive,
		LastAction:   action,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, err
	}
	if err := tx.SetRunWorkspace(runID, branch, absPath, now); err != nil {
		return nil, err
	}

	payload := pipeline.Payload{
		"slot_id":       slotID,
		"run_id":        runID,
		"branch_name":   branch,
		"worktree_path": absPath,
		"reused":        reused,
	}
	if err := s.appendEvent(ctx, tx, runID, eventType, "", "", payload); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx, nil, auditAction, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Worktree assigned",
		"run_id", runID, "slot_id", slotID, "branch", branch, "path", absPath, "reused", reused)
	s.broadcast("slots")
	return &AssignResult{
		Assigned:     true,
		Reused:       reused,
		SlotID:       slotID,
		RunID:        runID,
		BranchName:   branch,
		WorktreePath: absPath,
	}, nil
}

// CleanupWorktree removes the slot's worktree without force and releases
// the binding. A dirty worktree fails the cleanup; an absent path or
// binding is an idempotent success.
func (s *Service) CleanupWorktree(ctx context.Context, slotID string, runID *string) (*CleanupResult, error) {
	slotID, err := pipeline.NormalizeSlotID(slotID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	binding, ok := s.store.GetBinding(slotID)
	if !ok || binding.BindingState != pipeline.BindingStateActive {
		reason := "no_active_binding"
		return &CleanupResult{Cleaned: true, SlotID: slotID, Reason: &reason}, nil
	}
	if runID != nil && (binding.RunID == nil || *binding.RunID != *runID) {
		return nil, pipeline.Conflictf("slot %s worktree is bound to a different run", slotID)
	}

	if binding.WorktreePath != nil {
		path := *binding.WorktreePath
		if _, err := os.Stat(path); err == nil {
			dirty, err := s.git.HasUncommittedChanges(ctx, path)
			if err != nil {
				return nil, pipeline.DriverFailed("worktree_status_failed", err)
			}
			if dirty {
				return nil, pipeline.Conflictf(
					"worktree %s has uncommitted changes; commit or stash before cleanup", path)
			}
			if err := s.git.RemoveWorktree(ctx, path); err != nil {
				return nil, pipeline.DriverFailed("worktree_remove_failed", err)
			}
		}
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	binding.BindingState = pipeline.BindingStateReleased
	binding.LastAction = pipeline.BindingActionCleanedUp
	binding.UpdatedAt = now
	binding.ReleasedAt = &now
	if err := tx.UpsertBinding(binding); err != nil {
		return nil, err
	}
	if binding.RunID != nil {
		if err := tx.ClearRunWorkspace(*binding.RunID, now); err != nil {
			return nil, err
		}
	}

	payload := pipeline.Payload{
		"slot_id":       slotID,
		"run_id":        derefOr(binding.RunID, ""),
		"branch_name":   derefOr(binding.BranchName, ""),
		"worktree_path": derefOr(binding.WorktreePath, ""),
	}
	if binding.RunID != nil {
		if err := s.appendEvent(ctx, tx, *binding.RunID, pipeline.EventWorktreeCleaned, "", "", payload); err != nil {
			return nil, err
		}
	}
	if err := s.appendAudit(tx, nil, pipeline.AuditWorktreeCleanup, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Worktree cleaned",
		"slot_id", slotID, "run_id", derefOr(binding.RunID, ""))
	s.broadcast("slots")
	return &CleanupResult{
		Cleaned:      true,
		SlotID:       slotID,
		RunID:        binding.RunID,
		BranchName:   binding.BranchName,
		WorktreePath: binding.WorktreePath,
	}, nil
}

// WorktreeBindings returns the per-slot binding view in pool order.
func (s *Service) WorktreeBindings(ctx context.Context) ([]pipeline.WorktreeBindingView, error) {
	bindings, err := s.store.ListBindings(s.slotIDs())
	if err != nil {
		return nil, err
	}
	views := make([]pipeline.WorktreeBindingView, 0, len(s.slotIDs()))
	for _, slotID := range s.slotIDs() {
		view := pipeline.WorktreeBindingView{SlotID: slotID, State: "unbound"}
		if b := bindings[slotID]; b != nil {
			bindingState := b.BindingState
			lastAction := b.LastAction
			updated := b.UpdatedAt
			view.RunID = b.RunID
			view.BranchName = b.BranchName
			view.WorktreePath = b.WorktreePath
			view.BindingState = &bindingState
			view.LastAction = &lastAction
			view.UpdatedAt = &updated
			if b.BindingState == pipeline.BindingStateActive {
				view.State = "bound"
			} else {
				view.State = "released"
			}
		}
		views = append(views, view)
	}
	return views, nil
}

package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// --- Run Operations ---

// CreateRun inserts a run row.
func (q *queries) CreateRun(r *pipeline.Run) error {
	_, err := q.q.Exec(`
		INSERT INTO runs (
			id, title, prompt, status, route, slot_id, branch_name,
			worktree_path, commit_sha, parent_run_id, created_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Title, r.Prompt, r.Status, nullStr(r.Route), nullStr(r.SlotID),
		nullStr(r.BranchName), nullStr(r.WorktreePath), nullStr(r.CommitSHA),
		nullStr(r.ParentRunID), nullStr(r.CreatedBy),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `id, title, prompt, status, route, slot_id, branch_name,
	worktree_path, commit_sha, parent_run_id, created_by, created_at, updated_at`

// GetRun retrieves a run by ID.
func (q *queries) GetRun(id string) (*pipeline.Run, bool) {
	row := q.q.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, false
	}
	return r, true
}

// RunFilter narrows ListRuns; zero value lists everything.
type RunFilter struct {
	Statuses    []pipeline.Status
	RoutePrefix string
	Limit       int
	Offset      int
}

// ListRuns returns runs newest-first plus the total matching count.
func (q *queries) ListRuns(f RunFilter) ([]pipeline.Run, int, error) {
	var conds []string
	var args []any
	if len(f.Statuses) > 0 {
		ph := strings.TrimRight(strings.Repeat("?,", len(f.Statuses)), ",")
		conds = append(conds, "status IN ("+ph+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.RoutePrefix != "" {
		conds = append(conds, "route LIKE ? || '%'")
		args = append(args, f.RoutePrefix)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := q.q.QueryRow("SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	listArgs := append(append([]any{}, args...), limit, offset)
	rows, err := q.q.Query(`SELECT `+runColumns+` FROM runs`+where+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *r)
	}
	return runs, total, rows.Err()
}

// UpdateRunStatus writes the new status; callers validate the transition and
// append the event in the same transaction.
func (q *queries) UpdateRunStatus(id string, status pipeline.Status, now time.Time) error {
	res, err := q.q.Exec(`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// SetRunSlot records (or clears, with nil) the slot a run holds.
func (q *queries) SetRunSlot(id string, slotID *string, now time.Time) error {
	_, err := q.q.Exec(`UPDATE runs SET slot_id = ?, updated_at = ? WHERE id = ?`,
		nullStr(slotID), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set run slot: %w", err)
	}
	return nil
}

// SetRunWorkspace records the branch and worktree path after assignment.
func (q *queries) SetRunWorkspace(id, branchName, worktreePath string, now time.Time) error {
	_, err := q.q.Exec(`
		UPDATE runs SET branch_name = ?, worktree_path = ?, updated_at = ? WHERE id = ?
	`, branchName, worktreePath, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set run workspace: %w", err)
	}
	return nil
}

// ClearRunWorkspace drops the slot and worktree path after cleanup.
func (q *queries) ClearRunWorkspace(id string, now time.Time) error {
	_, err := q.q.Exec(`
		UPDATE runs SET slot_id = NULL, worktree_path = NULL, updated_at = ? WHERE id = ?
	`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to clear run workspace: %w", err)
	}
	return nil
}

// SetRunCommitSHA pins the commit the merge gate operates on.
func (q *queries) SetRunCommitSHA(id, sha string, now time.Time) error {
	_, err := q.q.Exec(`UPDATE runs SET commit_sha = ?, updated_at = ? WHERE id = ?`,
		sha, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set run commit: %w", err)
	}
	return nil
}

// --- Run Context Operations ---

// CreateRunContext stores the submission context for a run.
func (q *queries) CreateRunContext(rc *pipeline.RunContext) error {
	_, err := q.q.Exec(`
		INSERT INTO run_contexts (run_id, route, page_title, element_hint, note, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rc.RunID, nullStr(rc.Route), nullStr(rc.PageTitle), nullStr(rc.ElementHint),
		nullStr(rc.Note), marshalPayload(rc.Metadata))
	if err != nil {
		return fmt.Errorf("failed to create run context: %w", err)
	}
	return nil
}

// GetRunContext retrieves the context for a run.
func (q *queries) GetRunContext(runID string) (*pipeline.RunContext, bool) {
	var rc pipeline.RunContext
	var route, pageTitle, elementHint, note, metadata sql.NullString
	err := q.q.QueryRow(`
		SELECT run_id, route, page_title, element_hint, note, metadata_json
		FROM run_contexts WHERE run_id = ?
	`, runID).Scan(&rc.RunID, &route, &pageTitle, &elementHint, &note, &metadata)
	if err != nil {
		return nil, false
	}
	rc.Route = strPtr(route)
	rc.PageTitle = strPtr(pageTitle)
	rc.ElementHint = strPtr(elementHint)
	rc.Note = strPtr(note)
	rc.Metadata = unmarshalPayload(metadata)
	return &rc, true
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRunFrom(sc runScanner) (*pipeline.Run, error) {
	var r pipeline.Run
	var route, slotID, branch, worktree, commit, parent, createdBy sql.NullString
	err := sc.Scan(&r.ID, &r.Title, &r.Prompt, &r.Status, &route, &slotID,
		&branch, &worktree, &commit, &parent, &createdBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Route = strPtr(route)
	r.SlotID = strPtr(slotID)
	r.BranchName = strPtr(branch)
	r.WorktreePath = strPtr(worktree)
	r.CommitSHA = strPtr(commit)
	r.ParentRunID = strPtr(parent)
	r.CreatedBy = strPtr(createdBy)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanRun(row *sql.Row) (*pipeline.Run, error)       { return scanRunFrom(row) }
func scanRunRows(rows *sql.Rows) (*pipeline.Run, error) { return scanRunFrom(rows) }

package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// --- Release Operations ---

const releaseColumns = `id, release_id, commit_sha, migration_marker, status, deployed_at`

// GetRelease retrieves a release by its release_id (the commit SHA).
func (q *queries) GetRelease(releaseID string) (*pipeline.Release, bool) {
	row := q.q.QueryRow(`SELECT `+releaseColumns+` FROM releases WHERE release_id = ?`, releaseID)
	r, err := scanRelease(row)
	if err != nil {
		return nil, false
	}
	return r, true
}

// ListReleases returns releases newest-first, optionally filtered by status.
func (q *queries) ListReleases(status string, limit int) ([]pipeline.Release, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + releaseColumns + ` FROM releases`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query releases: %w", err)
	}
	defer rows.Close()

	var releases []pipeline.Release
	for rows.Next() {
		r, err := scanReleaseRows(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, *r)
	}
	return releases, rows.Err()
}

// CurrentDeployedRelease returns the newest release with status deployed.
func (q *queries) CurrentDeployedRelease() (*pipeline.Release, bool) {
	row := q.q.QueryRow(`SELECT `+releaseColumns+` FROM releases
		WHERE status = ? ORDER BY id DESC LIMIT 1`, pipeline.ReleaseStatusDeployed)
	r, err := scanRelease(row)
	if err != nil {
		return nil, false
	}
	return r, true
}

// UpsertRelease creates or updates the release row for releaseID. A release
// reaching deployed or rolled_back gets deployed_at stamped if still unset.
func (q *queries) UpsertRelease(releaseID, commitSHA, status string, migrationMarker *string, deployedAt *time.Time, now time.Time) (*pipeline.Release, error) {
	existing, ok := q.GetRelease(releaseID)
	if !ok {
		r := &pipeline.Release{
			ReleaseID:       releaseID,
			CommitSHA:       commitSHA,
			MigrationMarker: migrationMarker,
			Status:          status,
			DeployedAt:      deployedAt,
		}
		if r.DeployedAt == nil && (status == pipeline.ReleaseStatusDeployed || status == pipeline.ReleaseStatusRolledBack) {
			ts := now.UTC()
			r.DeployedAt = &ts
		}
		res, err := q.q.Exec(`
			INSERT INTO releases (release_id, commit_sha, migration_marker, status, deployed_at)
			VALUES (?, ?, ?, ?, ?)
		`, r.ReleaseID, r.CommitSHA, nullStr(r.MigrationMarker), r.Status, nullTime(r.DeployedAt))
		if err != nil {
			return nil, fmt.Errorf("failed to insert release: %w", err)
		}
		r.ID, _ = res.LastInsertId()
		return r, nil
	}

	existing.CommitSHA = commitSHA
	existing.Status = status
	if migrationMarker != nil {
		existing.MigrationMarker = migrationMarker
	}
	if deployedAt != nil {
		existing.DeployedAt = deployedAt
	}
	if existing.DeployedAt == nil && (status == pipeline.ReleaseStatusDeployed || status == pipeline.ReleaseStatusRolledBack) {
		ts := now.UTC()
		existing.DeployedAt = &ts
	}
	_, err := q.q.Exec(`
		UPDATE releases SET commit_sha = ?, migration_marker = ?, status = ?, deployed_at = ?
		WHERE release_id = ?
	`, existing.CommitSHA, nullStr(existing.MigrationMarker), existing.Status,
		nullTime(existing.DeployedAt), releaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to update release: %w", err)
	}
	return existing, nil
}

type releaseScanner interface {
	Scan(dest ...any) error
}

func scanReleaseFrom(sc releaseScanner) (*pipeline.Release, error) {
	var r pipeline.Release
	var marker sql.NullString
	var deployedAt sql.NullTime
	err := sc.Scan(&r.ID, &r.ReleaseID, &r.CommitSHA, &marker, &r.Status, &deployedAt)
	if err != nil {
		return nil, err
	}
	r.MigrationMarker = strPtr(marker)
	r.DeployedAt = timePtr(deployedAt)
	return &r, nil
}

func scanRelease(row *sql.Row) (*pipeline.Release, error)       { return scanReleaseFrom(row) }
func scanReleaseRows(rows *sql.Rows) (*pipeline.Release, error) { return scanReleaseFrom(rows) }

// --- Approval Operations ---

// CreateApproval appends a decision row and fills in its ID.
func (q *queries) CreateApproval(a *pipeline.Approval) error {
	var code *string
	if a.FailureReasonCode != nil {
		v := string(*a.FailureReasonCode)
		code = &v
	}
	res, err := q.q.Exec(`
		INSERT INTO approvals (run_id, reviewer_id, decision, reason, failure_reason_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.RunID, nullStr(a.ReviewerID), a.Decision, nullStr(a.Reason),
		nullStr(code), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListApprovals returns a run's decisions in insertion order.
func (q *queries) ListApprovals(runID string, limit int) ([]pipeline.Approval, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.q.Query(`
		SELECT id, run_id, reviewer_id, decision, reason, failure_reason_code, created_at
		FROM approvals WHERE run_id = ? ORDER BY id ASC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []pipeline.Approval
	for rows.Next() {
		var a pipeline.Approval
		var reviewer, reason, code sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &reviewer, &a.Decision, &reason, &code, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		a.ReviewerID = strPtr(reviewer)
		a.Reason = strPtr(reason)
		if code.Valid {
			fc := pipeline.FailureReason(code.String)
			a.FailureReasonCode = &fc
		}
		a.CreatedAt = a.CreatedAt.UTC()
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

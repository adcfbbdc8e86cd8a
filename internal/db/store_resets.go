package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// --- Preview Reset Provenance Operations ---

const resetColumns = `id, run_id, slot_id, db_name, strategy, seed_version,
	snapshot_version, reset_status, details_json, reset_started_at, reset_completed_at`

// CreateResetRecord appends a reset attempt row and fills in its ID.
func (q *queries) CreateResetRecord(r *pipeline.PreviewDBReset) error {
	res, err := q.q.Exec(`
		INSERT INTO preview_db_resets (
			run_id, slot_id, db_name, strategy, seed_version, snapshot_version,
			reset_status, details_json, reset_started_at, reset_completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.SlotID, r.DBName, r.Strategy, nullStr(r.SeedVersion),
		nullStr(r.SnapshotVersion), r.ResetStatus, marshalPayload(r.Details),
		r.ResetStartedAt.UTC(), nullTime(r.ResetCompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create reset record: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// FinishResetRecord moves one attempt row to its final status.
func (q *queries) FinishResetRecord(id int64, status string, details pipeline.Payload, completedAt time.Time) error {
	_, err := q.q.Exec(`
		UPDATE preview_db_resets SET reset_status = ?, details_json = ?, reset_completed_at = ?
		WHERE id = ?
	`, status, marshalPayload(details), completedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish reset record: %w", err)
	}
	return nil
}

// ListResetRecords returns attempts newest-first, optionally since a cutoff.
func (q *queries) ListResetRecords(since time.Time, limit int) ([]pipeline.PreviewDBReset, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + resetColumns + ` FROM preview_db_resets`
	var args []any
	if !since.IsZero() {
		query += ` WHERE reset_started_at >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY reset_started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reset records: %w", err)
	}
	defer rows.Close()

	var records []pipeline.PreviewDBReset
	for rows.Next() {
		r, err := scanResetRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// LatestResetForRun returns the newest attempt for a run, if any.
func (q *queries) LatestResetForRun(runID string) (*pipeline.PreviewDBReset, bool) {
	row := q.q.QueryRow(`SELECT `+resetColumns+` FROM preview_db_resets
		WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID)
	r, err := scanReset(row)
	if err != nil {
		return nil, false
	}
	return r, true
}

type resetScanner interface {
	Scan(dest ...any) error
}

func scanResetFrom(sc resetScanner) (*pipeline.PreviewDBReset, error) {
	var r pipeline.PreviewDBReset
	var seed, snapshot, details sql.NullString
	var completed sql.NullTime
	err := sc.Scan(&r.ID, &r.RunID, &r.SlotID, &r.DBName, &r.Strategy, &seed,
		&snapshot, &r.ResetStatus, &details, &r.ResetStartedAt, &completed)
	if err != nil {
		return nil, err
	}
	r.SeedVersion = strPtr(seed)
	r.SnapshotVersion = strPtr(snapshot)
	r.Details = unmarshalPayload(details)
	r.ResetStartedAt = r.ResetStartedAt.UTC()
	r.ResetCompletedAt = timePtr(completed)
	return &r, nil
}

func scanReset(row *sql.Row) (*pipeline.PreviewDBReset, error)       { return scanResetFrom(row) }
func scanResetRows(rows *sql.Rows) (*pipeline.PreviewDBReset, error) { return scanResetFrom(rows) }

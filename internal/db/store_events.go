package db

import (
	"database/sql"
	"fmt"

	"github.com/madhatter5501/runway/pipeline"
)

// --- Run Event Operations (append-only) ---

// AppendRunEvent inserts one event row and fills in its assigned ID.
func (q *queries) AppendRunEvent(ev *pipeline.RunEvent) error {
	res, err := q.q.Exec(`
		INSERT INTO run_events (run_id, event_type, status_from, status_to, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.EventType, nullStr(ev.StatusFrom), nullStr(ev.StatusTo),
		marshalPayload(ev.Payload), ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}

// ListRunEvents returns a run's events in append order.
func (q *queries) ListRunEvents(runID string, limit int) ([]pipeline.RunEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.q.Query(`
		SELECT id, run_id, event_type, status_from, status_to, payload_json, created_at
		FROM run_events WHERE run_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.RunEvent
	for rows.Next() {
		var ev pipeline.RunEvent
		var from, to, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.EventType, &from, &to, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		ev.StatusFrom = strPtr(from)
		ev.StatusTo = strPtr(to)
		ev.Payload = unmarshalPayload(payload)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Audit Log Operations (append-only) ---

// AppendAuditEntry inserts one audit row; PayloadHash must already cover the
// canonical payload encoding.
func (q *queries) AppendAuditEntry(entry *pipeline.AuditEntry) error {
	res, err := q.q.Exec(`
		INSERT INTO audit_log (actor, action, payload_hash, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, nullStr(entry.Actor), entry.Action, entry.PayloadHash,
		marshalPayload(entry.Payload), entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	entry.ID, _ = res.LastInsertId()
	return nil
}

// ListAuditEntries returns recent audit rows, optionally filtered by action.
func (q *queries) ListAuditEntries(action string, limit int) ([]pipeline.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, actor, action, payload_hash, payload_json, created_at FROM audit_log`
	var args []any
	if action != "" {
		query += ` WHERE action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []pipeline.AuditEntry
	for rows.Next() {
		var e pipeline.AuditEntry
		var actor, payload sql.NullString
		if err := rows.Scan(&e.ID, &actor, &e.Action, &e.PayloadHash, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Actor = strPtr(actor)
		e.Payload = unmarshalPayload(payload)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Validation Check Operations ---

// CreateValidationCheck records one check attempt.
func (q *queries) CreateValidationCheck(c *pipeline.ValidationCheck) error {
	res, err := q.q.Exec(`
		INSERT INTO validation_checks (run_id, check_name, status, started_at, ended_at, artifact_uri)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.RunID, c.CheckName, c.Status, nullTime(c.StartedAt), nullTime(c.EndedAt),
		nullStr(c.ArtifactURI))
	if err != nil {
		return fmt.Errorf("failed to create validation check: %w", err)
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// ListValidationChecks returns a run's checks in insertion order.
func (q *queries) ListValidationChecks(runID string, limit int) ([]pipeline.ValidationCheck, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.q.Query(`
		SELECT id, run_id, check_name, status, started_at, ended_at, artifact_uri
		FROM validation_checks WHERE run_id = ? ORDER BY id ASC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query validation checks: %w", err)
	}
	defer rows.Close()

	var checks []pipeline.ValidationCheck
	for rows.Next() {
		var c pipeline.ValidationCheck
		var started, ended sql.NullTime
		var artifact sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.CheckName, &c.Status, &started, &ended, &artifact); err != nil {
			return nil, fmt.Errorf("failed to scan validation check: %w", err)
		}
		c.StartedAt = timePtr(started)
		c.EndedAt = timePtr(ended)
		c.ArtifactURI = strPtr(artifact)
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// --- Run Artifact Operations ---

// CreateRunArtifact records a stored log or diagnostic blob.
func (q *queries) CreateRunArtifact(a *pipeline.RunArtifact) error {
	res, err := q.q.Exec(`
		INSERT INTO run_artifacts (run_id, artifact_type, artifact_uri, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.RunID, a.ArtifactType, a.ArtifactURI, marshalPayload(a.Metadata), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create run artifact: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListRunArtifacts returns a run's artifacts in insertion order.
func (q *queries) ListRunArtifacts(runID string, limit int) ([]pipeline.RunArtifact, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := q.q.Query(`
		SELECT id, run_id, artifact_type, artifact_uri, metadata_json, created_at
		FROM run_artifacts WHERE run_id = ? ORDER BY id ASC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []pipeline.RunArtifact
	for rows.Next() {
		var a pipeline.RunArtifact
		var metadata sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &a.ArtifactType, &a.ArtifactURI, &metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run artifact: %w", err)
		}
		a.Metadata = unmarshalPayload(metadata)
		a.CreatedAt = a.CreatedAt.UTC()
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

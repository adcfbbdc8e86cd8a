package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// --- Aggregate queries for metrics export ---

// RunTiming is the slice of a terminal run the duration metrics need.
type RunTiming struct {
	Status    pipeline.Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CountRunsInStatuses returns how many runs sit in any of the given states.
func (q *queries) CountRunsInStatuses(statuses []pipeline.Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	var count int
	err := q.q.QueryRow("SELECT COUNT(*) FROM runs WHERE status IN ("+ph+")", args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return count, nil
}

// ListTerminalRunTimings returns created/updated stamps for terminal runs.
func (q *queries) ListTerminalRunTimings() ([]RunTiming, error) {
	terminal := []pipeline.Status{
		pipeline.StatusMerged, pipeline.StatusFailed,
		pipeline.StatusCanceled, pipeline.StatusExpired,
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(terminal)), ",")
	args := make([]any, len(terminal))
	for i, s := range terminal {
		args[i] = string(s)
	}
	rows, err := q.q.Query("SELECT status, created_at, updated_at FROM runs WHERE status IN ("+ph+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal runs: %w", err)
	}
	defer rows.Close()

	var timings []RunTiming
	for rows.Next() {
		var t RunTiming
		if err := rows.Scan(&t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run timing: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		t.UpdatedAt = t.UpdatedAt.UTC()
		timings = append(timings, t)
	}
	return timings, rows.Err()
}

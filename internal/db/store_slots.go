package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/madhatter5501/runway/pipeline"
)

// --- Slot Lease Operations ---

const leaseColumns = `id, slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at`

// GetLease retrieves the lease row for a slot.
func (q *queries) GetLease(slotID string) (*pipeline.SlotLease, bool) {
	row := q.q.QueryRow(`SELECT `+leaseColumns+` FROM slot_leases WHERE slot_id = ?`, slotID)
	l, err := scanLease(row)
	if err != nil {
		return nil, false
	}
	return l, true
}

// GetLeaseHeldByRun retrieves the lease a run currently holds, if any.
func (q *queries) GetLeaseHeldByRun(runID string) (*pipeline.SlotLease, bool) {
	row := q.q.QueryRow(`SELECT `+leaseColumns+` FROM slot_leases
		WHERE run_id = ? AND lease_state = ?`, runID, pipeline.LeaseStateLeased)
	l, err := scanLease(row)
	if err != nil {
		return nil, false
	}
	return l, true
}

// ListLeases returns lease rows for the given slots, keyed by slot id.
func (q *queries) ListLeases(slotIDs []string) (map[string]*pipeline.SlotLease, error) {
	if len(slotIDs) == 0 {
		return map[string]*pipeline.SlotLease{}, nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(slotIDs)), ",")
	args := make([]any, len(slotIDs))
	for i, s := range slotIDs {
		args[i] = s
	}
	rows, err := q.q.Query(`SELECT `+leaseColumns+` FROM slot_leases WHERE slot_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query slot leases: %w", err)
	}
	defer rows.Close()

	leases := make(map[string]*pipeline.SlotLease)
	for rows.Next() {
		l, err := scanLeaseRows(rows)
		if err != nil {
			return nil, err
		}
		leases[l.SlotID] = l
	}
	return leases, rows.Err()
}

// UpsertLease writes the full lease row for a slot, creating it on first use.
func (q *queries) UpsertLease(l *pipeline.SlotLease) error {
	_, err := q.q.Exec(`
		INSERT INTO slot_leases (slot_id, run_id, lease_state, leased_at, expires_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot_id) DO UPDATE SET
			run_id = excluded.run_id,
			lease_state = excluded.lease_state,
			leased_at = excluded.leased_at,
			expires_at = excluded.expires_at,
			heartbeat_at = excluded.heartbeat_at
	`, l.SlotID, nullStr(l.RunID), l.LeaseState, nullTime(l.LeasedAt),
		nullTime(l.ExpiresAt), nullTime(l.HeartbeatAt))
	if err != nil {
		return fmt.Errorf("failed to upsert slot lease: %w", err)
	}
	return nil
}

type leaseScanner interface {
	Scan(dest ...any) error
}

func scanLeaseFrom(sc leaseScanner) (*pipeline.SlotLease, error) {
	var l pipeline.SlotLease
	var runID sql.NullString
	var leasedAt, expiresAt, heartbeatAt sql.NullTime
	err := sc.Scan(&l.ID, &l.SlotID, &runID, &l.LeaseState, &leasedAt, &expiresAt, &heartbeatAt)
	if err != nil {
		return nil, err
	}
	l.RunID = strPtr(runID)
	l.LeasedAt = timePtr(leasedAt)
	l.ExpiresAt = timePtr(expiresAt)
	l.HeartbeatAt = timePtr(heartbeatAt)
	return &l, nil
}

func scanLease(row *sql.Row) (*pipeline.SlotLease, error)       { return scanLeaseFrom(row) }
func scanLeaseRows(rows *sql.Rows) (*pipeline.SlotLease, error) { return scanLeaseFrom(rows) }

// --- Worktree Binding Operations ---

const bindingColumns = `id, slot_id, run_id, branch_name, worktree_path,
	binding_state, last_action, created_at, updated_at, released_at`

// GetBinding retrieves the worktree binding row for a slot.
func (q *queries) GetBinding(slotID string) (*pipeline.SlotWorktreeBinding, bool) {
	row := q.q.QueryRow(`SELECT `+bindingColumns+` FROM slot_worktree_bindings WHERE slot_id = ?`, slotID)
	b, err := scanBinding(row)
	if err != nil {
		return nil, false
	}
	return b, true
}

// ListBindings returns binding rows for the given slots, keyed by slot id.
func (q *queries) ListBindings(slotIDs []string) (map[string]*pipeline.SlotWorktreeBinding, error) {
	if len(slotIDs) == 0 {
		return map[string]*pipeline.SlotWorktreeBinding{}, nil
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(slotIDs)), ",")
	args := make([]any, len(slotIDs))
	for i, s := range slotIDs {
		args[i] = s
	}
	rows, err := q.q.Query(`SELECT `+bindingColumns+` FROM slot_worktree_bindings WHERE slot_id IN (`+ph+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query worktree bindings: %w", err)
	}
	defer rows.Close()

	bindings := make(map[string]*pipeline.SlotWorktreeBinding)
	for rows.Next() {
		b, err := scanBindingRows(rows)
		if err != nil {
			return nil, err
		}
		bindings[b.SlotID] = b
	}
	return bindings, rows.Err()
}

// UpsertBinding writes the full binding row for a slot.
func (q *queries) UpsertBinding(b *pipeline.SlotWorktreeBinding) error {
	_, err := q.q.Exec(`
		INSERT INTO slot_worktree_bindings (
			slot_id, run_id, branch_name, worktree_path, binding_state,
			last_action, created_at, updated_at, released_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slot_id) DO UPDATE SET
			run_id = excluded.run_id,
			branch_name = excluded.branch_name,
			worktree_path = excluded.worktree_path,
			binding_state = excluded.binding_state,
			last_action = excluded.last_action,
			updated_at = excluded.updated_at,
			released_at = excluded.released_at
	`, b.SlotID, nullStr(b.RunID), nullStr(b.BranchName), nullStr(b.WorktreePath),
		b.BindingState, b.LastAction, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
		nullTime(b.ReleasedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert worktree binding: %w", err)
	}
	return nil
}

type bindingScanner interface {
	Scan(dest ...any) error
}

func scanBindingFrom(sc bindingScanner) (*pipeline.SlotWorktreeBinding, error) {
	var b pipeline.SlotWorktreeBinding
	var runID, branch, worktree sql.NullString
	var releasedAt sql.NullTime
	err := sc.Scan(&b.ID, &b.SlotID, &runID, &branch, &worktree,
		&b.BindingState, &b.LastAction, &b.CreatedAt, &b.UpdatedAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	b.RunID = strPtr(runID)
	b.BranchName = strPtr(branch)
	b.WorktreePath = strPtr(worktree)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	b.ReleasedAt = timePtr(releasedAt)
	return &b, nil
}

func scanBinding(row *sql.Row) (*pipeline.SlotWorktreeBinding, error) { return scanBindingFrom(row) }
func scanBindingRows(rows *sql.Rows) (*pipeline.SlotWorktreeBinding, error) {
	return scanBindingFrom(rows)
}

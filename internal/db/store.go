package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// dbtx is the common surface of *sql.DB and *sql.Tx so the same row helpers
// serve both one-shot reads and multi-table transactions.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// queries carries every row-level operation; embedded by Store and Tx.
type queries struct {
	q dbtx
}

// Store implements control-plane persistence using SQLite.
type Store struct {
	db *DB
	queries
}

// NewStore creates a new SQLite-backed store.
func NewStore(db *DB) *Store {
	return &Store{db: db, queries: queries{q: db.DB}}
}

// Tx is one open transaction over the control store. Every mutating service
// operation opens exactly one Tx and commits or rolls back on all paths.
type Tx struct {
	tx *sql.Tx
	queries
}

// Begin opens a write transaction.
func (s *Store) Begin() (*Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, queries: queries{q: tx}}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback aborts the transaction; safe to defer after Commit.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// --- Config Operations ---

// GetConfigValue retrieves a runtime override, "" when unset.
func (q *queries) GetConfigValue(key string) string {
	var value string
	err := q.q.QueryRow("SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err != nil {
		return ""
	}
	return value
}

// SetConfigValue upserts a runtime override.
func (q *queries) SetConfigValue(key, value string) error {
	_, err := q.q.Exec(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// --- User Operations ---

// CreateUser inserts a user row (seed fixtures, created_by display).
func (q *queries) CreateUser(id, email, name, role string) error {
	_, err := q.q.Exec(`
		INSERT INTO users (id, email, name, role) VALUES (?, ?, ?, ?)
	`, id, email, name, role)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByEmail retrieves a user id by email.
func (q *queries) GetUserByEmail(email string) (string, bool) {
	var id string
	err := q.q.QueryRow("SELECT id FROM users WHERE email = ?", email).Scan(&id)
	if err != nil {
		return "", false
	}
	return id, true
}

// --- scan helpers ---

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time.UTC()
	return &v
}

func marshalPayload(p pipeline.Payload) []byte {
	if p == nil {
		return nil
	}
	raw, _ := json.Marshal(p)
	return raw
}

func unmarshalPayload(n sql.NullString) pipeline.Payload {
	if !n.Valid || n.String == "" {
		return nil
	}
	var p pipeline.Payload
	if err := json.Unmarshal([]byte(n.String), &p); err != nil {
		return nil
	}
	return p
}

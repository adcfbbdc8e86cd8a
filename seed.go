package runway

import (
	"context"

	"github.com/google/uuid"

	"github.com/madhatter5501/runway/pipeline"
)

// SeedResult reports what the local fixture produced.
type SeedResult struct {
	UserID  string `json:"user_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	Skipped bool   `json:"skipped"`
}

const seedUserEmail = "dev@runway.local"

// SeedLocalData inserts the local development fixture: one developer user
// and one queued example run with its context. Idempotent on the fixture
// user's email; a second call is a no-op. The run starts unallocated so the
// normal acquire/assign path can be exercised against it.
func (s *Service) SeedLocalData(ctx context.Context) (*SeedResult, error) {
	if _, ok := s.store.GetUserByEmail(seedUserEmail); ok {
		return &SeedResult{Skipped: true}, nil
	}

	userID := uuid.NewString()
	if err := s.store.CreateUser(userID, seedUserEmail, "Local Developer", "developer"); err != nil {
		return nil, err
	}

	route := "/codex"
	pageTitle := "Codex"
	note := "Seed data for local development"
	run, err := s.CreateRun(ctx, CreateRunParams{
		Title:     "Local seeded run",
		Prompt:    "Seeded control-plane example",
		Route:     &route,
		PageTitle: &pageTitle,
		Note:      &note,
		Metadata:  pipeline.Payload{"source": "seed"},
		CreatedBy: &userID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.auditOnly(&userID, pipeline.AuditSeedLocalData, pipeline.Payload{
		"run_id": run.ID,
		"user":   seedUserEmail,
	}); err != nil {
		return nil, err
	}
	return &SeedResult{UserID: userID, RunID: run.ID}, nil
}

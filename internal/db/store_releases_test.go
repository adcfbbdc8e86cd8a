package db

import (
	"testing"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

func TestUpsertReleaseStampsDeployedAt(t *testing.T) {
	store := newTestStore(t)

	rel, err := store.UpsertRelease("sha-1", "sha-1", pipeline.ReleaseStatusDeployed, nil, nil, testBase)
	if err != nil {
		t.Fatalf("Failed to upsert release: %v", err)
	}
	if rel.ID == 0 {
		t.Error("Expected release to receive an ID")
	}
	if rel.DeployedAt == nil || !rel.DeployedAt.Equal(testBase) {
		t.Errorf("Expected deployed_at stamped at %v, got %v", testBase, rel.DeployedAt)
	}

	got, ok := store.GetRelease("sha-1")
	if !ok {
		t.Fatal("Expected release to be found")
	}
	if got.Status != pipeline.ReleaseStatusDeployed {
		t.Errorf("Expected status deployed, got %s", got.Status)
	}
	if got.DeployedAt == nil || !got.DeployedAt.Equal(testBase) {
		t.Errorf("Expected stored deployed_at %v, got %v", testBase, got.DeployedAt)
	}
}

func TestUpsertReleaseFailedDeployHasNoTimestamp(t *testing.T) {
	store := newTestStore(t)

	rel, err := store.UpsertRelease("sha-bad", "sha-bad", pipeline.ReleaseStatusDeployFailed, nil, nil, testBase)
	if err != nil {
		t.Fatalf("Failed to upsert release: %v", err)
	}
	if rel.DeployedAt != nil {
		t.Errorf("Expected no deployed_at on failed deploy, got %v", rel.DeployedAt)
	}
}

func TestUpsertReleaseUpdatesExistingRow(t *testing.T) {
	store := newTestStore(t)

	first, err := store.UpsertRelease("sha-1", "sha-1", pipeline.ReleaseStatusDeployed, nil, nil, testBase)
	if err != nil {
		t.Fatalf("Failed to insert release: %v", err)
	}

	marker := "0042_add_users"
	later := testBase.Add(time.Hour)
	second, err := store.UpsertRelease("sha-1", "sha-1", pipeline.ReleaseStatusReplaced, &marker, nil, later)
	if err != nil {
		t.Fatalf("Failed to update release: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected release row updated in place, got new id %d (was %d)", second.ID, first.ID)
	}
	if second.Status != pipeline.ReleaseStatusReplaced {
		t.Errorf("Expected status replaced, got %s", second.Status)
	}
	if second.MigrationMarker == nil || *second.MigrationMarker != marker {
		t.Errorf("Expected migration marker %q, got %v", marker, second.MigrationMarker)
	}
	// The original deploy timestamp survives the status change.
	if second.DeployedAt == nil || !second.DeployedAt.Equal(testBase) {
		t.Errorf("Expected deployed_at retained at %v, got %v", testBase, second.DeployedAt)
	}
}

func TestCurrentDeployedRelease(t *testing.T) {
	store := newTestStore(t)

	if _, ok := store.CurrentDeployedRelease(); ok {
		t.Error("Expected no deployed release in empty store")
	}

	if _, err := store.UpsertRelease("sha-1", "sha-1", pipeline.ReleaseStatusReplaced, nil, nil, testBase); err != nil {
		t.Fatalf("Failed to insert replaced release: %v", err)
	}
	if _, err := store.UpsertRelease("sha-2", "sha-2", pipeline.ReleaseStatusDeployed, nil, nil, testBase); err != nil {
		t.Fatalf("Failed to insert first deploy: %v", err)
	}
	if _, err := store.UpsertRelease("sha-3", "sha-3", pipeline.ReleaseStatusDeployed, nil, nil, testBase.Add(time.Hour)); err != nil {
		t.Fatalf("Failed to insert second deploy: %v", err)
	}

	current, ok := store.CurrentDeployedRelease()
	if !ok {
		t.Fatal("Expected a deployed release")
	}
	if current.ReleaseID != "sha-3" {
		t.Errorf("Expected newest deployed release sha-3, got %s", current.ReleaseID)
	}
}

func TestListReleasesStatusFilter(t *testing.T) {
	store := newTestStore(t)

	fixtures := []struct {
		id     string
		status string
	}{
		{"sha-1", pipeline.ReleaseStatusReplaced},
		{"sha-2", pipeline.ReleaseStatusDeployed},
		{"sha-3", pipeline.ReleaseStatusRolledBack},
	}
	for _, f := range fixtures {
		if _, err := store.UpsertRelease(f.id, f.id, f.status, nil, nil, testBase); err != nil {
			t.Fatalf("Failed to insert release %s: %v", f.id, err)
		}
	}

	all, err := store.ListReleases("", 0)
	if err != nil {
		t.Fatalf("Failed to list releases: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 releases, got %d", len(all))
	}
	if all[0].ReleaseID != "sha-3" {
		t.Errorf("Expected newest release first, got %s", all[0].ReleaseID)
	}

	deployed, err := store.ListReleases(pipeline.ReleaseStatusDeployed, 0)
	if err != nil {
		t.Fatalf("Failed to list deployed releases: %v", err)
	}
	if len(deployed) != 1 || deployed[0].ReleaseID != "sha-2" {
		t.Errorf("Expected only sha-2 deployed, got %v", deployed)
	}
}

func TestApprovalsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	code := pipeline.ReasonChecksFailed
	approvals := []pipeline.Approval{
		{
			RunID:      "r-1",
			ReviewerID: strRef("u-1"),
			Decision:   pipeline.DecisionApproved,
			CreatedAt:  testBase,
		},
		{
			RunID:             "r-1",
			Decision:          pipeline.DecisionRejected,
			Reason:            strRef("Checks are red"),
			FailureReasonCode: &code,
			CreatedAt:         testBase.Add(time.Minute),
		},
	}
	for i := range approvals {
		if err := store.CreateApproval(&approvals[i]); err != nil {
			t.Fatalf("Failed to create approval %d: %v", i, err)
		}
		if approvals[i].ID == 0 {
			t.Errorf("Expected approval %d to receive an ID", i)
		}
	}

	got, err := store.ListApprovals("r-1", 0)
	if err != nil {
		t.Fatalf("Failed to list approvals: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 approvals, got %d", len(got))
	}
	if got[0].Decision != pipeline.DecisionApproved {
		t.Errorf("Expected first decision approved, got %s", got[0].Decision)
	}
	if got[0].ReviewerID == nil || *got[0].ReviewerID != "u-1" {
		t.Errorf("Expected reviewer u-1, got %v", got[0].ReviewerID)
	}
	if got[1].FailureReasonCode == nil || *got[1].FailureReasonCode != pipeline.ReasonChecksFailed {
		t.Errorf("Expected failure code CHECKS_FAILED, got %v", got[1].FailureReasonCode)
	}
	if got[1].Reason == nil || *got[1].Reason != "Checks are red" {
		t.Errorf("Expected rejection reason retained, got %v", got[1].Reason)
	}
}

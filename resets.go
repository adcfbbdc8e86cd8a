package runway

import (
	"context"
	"strings"

	"github.com/madhatter5501/runway/pipeline"
	"github.com/madhatter5501/runway/preview"
)

// ResetParams describes one preview database reset request.
type ResetParams struct {
	RunID           string
	SlotID          string
	Strategy        string
	SeedVersion     string
	SnapshotVersion string
	DryRun          bool
	Actor           *string
}

// ResetOutcome reports one reset attempt with its provenance row id. The
// version fields are the resolved values (catalog defaults applied), which
// can differ from what the request carried.
type ResetOutcome struct {
	Status          string         `json:"status"`
	SlotID          string         `json:"slot_id"`
	Database        string         `json:"db_name"`
	RecordID        int64          `json:"record_id"`
	SeedVersion     string         `json:"seed_version,omitempty"`
	SnapshotVersion string         `json:"snapshot_version,omitempty"`
	Steps           []preview.Step `json:"steps,omitempty"`
}

// ResetAndSeed resets the slot's preview database. The target name is
// derived from the slot and checked against the naming invariant before
// any driver work; an unsafe target records a rejected provenance row and
// fails. Every attempt leaves exactly one provenance row.
func (s *Service) ResetAndSeed(ctx context.Context, p ResetParams) (*ResetOutcome, error) {
	slotID, err := pipeline.NormalizeSlotID(p.SlotID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.store.GetRun(p.RunID); !ok {
		return nil, pipeline.NotFoundf("run %s not found", p.RunID)
	}

	cfg := s.Config()
	dbName, err := pipeline.PreviewDBName(slotID, cfg.PreviewDBNameTemplate)
	if err != nil {
		return nil, err
	}

	strategy, seedVersion, snapshotVersion, sourceFile, err := s.resolveResetSource(p)
	if err != nil {
		return nil, err
	}

	// The naming invariant is enforced before any SQL; violations leave a
	// rejected provenance row.
	if err := pipeline.AssertPreviewTarget(slotID, dbName, cfg.ControlDBName); err != nil {
		record, recErr := s.recordReset(ctx, p.RunID, slotID, dbName, strategy, seedVersion, snapshotVersion,
			pipeline.ResetStatusRejected, pipeline.Payload{"error": err.Error()}, p.Actor)
		if recErr != nil {
			return nil, recErr
		}
		return &ResetOutcome{
			Status:          pipeline.ResetStatusRejected,
			SlotID:          slotID,
			Database:        dbName,
			RecordID:        record,
			SeedVersion:     seedVersion,
			SnapshotVersion: snapshotVersion,
		}, err
	}

	// Open the attempt as running so a crash mid-reset stays visible.
	now := s.now()
	record := &pipeline.PreviewDBReset{
		RunID:          p.RunID,
		SlotID:         slotID,
		DBName:         dbName,
		Strategy:       strategy,
		ResetStatus:    pipeline.ResetStatusRunning,
		Details:        pipeline.Payload{"driver": s.reset.Name(), "dry_run": p.DryRun},
		ResetStartedAt: now,
	}
	if seedVersion != "" {
		record.SeedVersion = &seedVersion
	}
	if snapshotVersion != "" {
		record.SnapshotVersion = &snapshotVersion
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := tx.CreateResetRecord(record); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, tx, p.RunID, pipeline.EventPreviewResetStarted, "", "", pipeline.Payload{
		"slot_id":  slotID,
		"db_name":  dbName,
		"strategy": strategy,
		"dry_run":  p.DryRun,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	result, driverErr := s.reset.Reset(ctx, preview.Request{
		SlotID:          slotID,
		RunID:           p.RunID,
		Database:        dbName,
		Strategy:        strategy,
		SeedVersion:     seedVersion,
		SnapshotVersion: snapshotVersion,
		SourceFile:      sourceFile,
		DryRun:          p.DryRun,
		TraceID:         pipeline.TraceIDFrom(ctx),
	})

	status := pipeline.ResetStatusApplied
	eventType := pipeline.EventPreviewResetCompleted
	details := pipeline.Payload{"driver": s.reset.Name(), "steps": result.Steps}
	if result.Output != "" {
		details["output"] = result.Output
	}
	if driverErr != nil {
		status = pipeline.ResetStatusFailed
		eventType = pipeline.EventPreviewResetFailed
		details["error"] = driverErr.Error()
	} else if p.DryRun {
		status = pipeline.ResetStatusDryRun
	}

	tx2, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer tx2.Rollback()
	if err := tx2.FinishResetRecord(record.ID, status, details, s.now()); err != nil {
		return nil, err
	}
	eventPayload := pipeline.Payload{
		"slot_id":  slotID,
		"db_name":  dbName,
		"strategy": strategy,
		"status":   status,
	}
	if driverErr != nil {
		eventPayload["error"] = driverErr.Error()
	}
	if err := s.appendEvent(ctx, tx2, p.RunID, eventType, "", "", eventPayload); err != nil {
		return nil, err
	}
	if err := s.appendAudit(tx2, p.Actor, pipeline.AuditPreviewReset, pipeline.Payload{
		"run_id":   p.RunID,
		"slot_id":  slotID,
		"db_name":  dbName,
		"strategy": strategy,
		"status":   status,
	}); err != nil {
		return nil, err
	}
	if err := tx2.Commit(); err != nil {
		return nil, err
	}

	s.metrics.ObserveReset(status)
	outcome := &ResetOutcome{
		Status:          status,
		SlotID:          slotID,
		Database:        dbName,
		RecordID:        record.ID,
		SeedVersion:     seedVersion,
		SnapshotVersion: snapshotVersion,
		Steps:           result.Steps,
	}
	if driverErr != nil {
		s.logger.Error("Preview reset failed",
			"run_id", p.RunID, "slot_id", slotID, "db_name", dbName, "error", driverErr)
		return outcome, driverErr
	}
	s.logger.Info("Preview reset finished",
		"run_id", p.RunID, "slot_id", slotID, "db_name", dbName, "status", status)
	return outcome, nil
}

// resolveResetSource validates the strategy and resolves the seed or
// snapshot source file from the catalog or the file templates.
func (s *Service) resolveResetSource(p ResetParams) (strategy, seedVersion, snapshotVersion, sourceFile string, err error) {
	cfg := s.Config()
	strategy = p.Strategy
	seedVersion = p.SeedVersion
	snapshotVersion = p.SnapshotVersion

	var catalog *preview.Catalog
	if cfg.SeedCatalogPath != "" {
		catalog, err = preview.LoadCatalog(cfg.SeedCatalogPath)
		if err != nil {
			return "", "", "", "", pipeline.Validationf("seed_catalog_unreadable: %v", err)
		}
	}

	switch strategy {
	case pipeline.ResetStrategySeed:
		if seedVersion == "" && catalog != nil {
			seedVersion = catalog.DefaultSeedVersion
		}
		if seedVersion == "" {
			return "", "", "", "", pipeline.Validationf("seed_version_required")
		}
		if catalog != nil {
			entry, ok := catalog.Seed(seedVersion)
			if !ok {
				return "", "", "", "", pipeline.Validationf("unknown_seed_version: %s", seedVersion)
			}
			sourceFile = entry.Path
		} else if cfg.SeedFileTemplate != "" {
			sourceFile = strings.ReplaceAll(cfg.SeedFileTemplate, "{version}", seedVersion)
		}
	case pipeline.ResetStrategySnapshot:
		if snapshotVersion == "" {
			return "", "", "", "", pipeline.Validationf("snapshot_version_required")
		}
		if catalog != nil {
			entry, ok := catalog.Snapshot(snapshotVersion)
			if !ok {
				return "", "", "", "", pipeline.Validationf("unknown_snapshot_version: %s", snapshotVersion)
			}
			sourceFile = entry.Path
		} else if cfg.SnapshotFileTemplate != "" {
			sourceFile = strings.ReplaceAll(cfg.SnapshotFileTemplate, "{version}", snapshotVersion)
		}
	default:
		return "", "", "", "", pipeline.Validationf("strategy must be seed or snapshot, got %q", strategy)
	}
	return strategy, seedVersion, snapshotVersion, sourceFile, nil
}

// recordReset writes one terminal provenance row plus its event and audit
// in a single transaction, for attempts that never reach the driver.
func (s *Service) recordReset(ctx context.Context, runID, slotID, dbName, strategy, seedVersion, snapshotVersion, status string, details pipeline.Payload, actor *string) (int64, error) {
	now := s.now()
	record := &pipeline.PreviewDBReset{
		RunID:            runID,
		SlotID:           slotID,
		DBName:           dbName,
		Strategy:         strategy,
		ResetStatus:      status,
		Details:          details,
		ResetStartedAt:   now,
		ResetCompletedAt: &now,
	}
	if seedVersion != "" {
		record.SeedVersion = &seedVersion
	}
	if snapshotVersion != "" {
		record.SnapshotVersion = &snapshotVersion
	}

	tx, err := s.store.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := tx.CreateResetRecord(record); err != nil {
		return 0, err
	}
	eventType := pipeline.EventPreviewResetRejected
	payload := pipeline.Payload{
		"slot_id":  slotID,
		"db_name":  dbName,
		"strategy": strategy,
		"status":   status,
	}
	if msg, ok := details["error"]; ok {
		payload["error"] = msg
	}
	if err := s.appendEvent(ctx, tx, runID, eventType, "", "", payload); err != nil {
		return 0, err
	}
	if err := s.appendAudit(tx, actor, pipeline.AuditPreviewReset, payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.metrics.ObserveReset(status)
	return record.ID, nil
}

package runway

import (
	"context"
	"sync"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// How long a reset provenance row may sit in running before the integrity
// audit declares the attempt interrupted.
const resetStuckAfter = 30 * time.Minute

// LoopStatus is the observable state of one maintenance loop.
type LoopStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"` // idle, running, error, stopped
	Detail     string    `json:"detail"`
	LastRunAt  time.Time `json:"last_run_at"`
	CycleCount int       `json:"cycle_count"`
}

// Maintainer owns the periodic housekeeping loops: the lease reaper and the
// integrity audit. Loops share the service; each runs on its own ticker.
type Maintainer struct {
	svc      *Service
	loops    []*maintLoop
	stopCh   chan struct{}
	stopOnce sync.Once
}

type maintLoop struct {
	name     string
	interval time.Duration
	run      func(context.Context) error

	mu     sync.RWMutex
	status LoopStatus
}

// NewMaintainer wires the standard loops against svc.
func NewMaintainer(svc *Service) *Maintainer {
	m := &Maintainer{
		svc:    svc,
		stopCh: make(chan struct{}),
	}
	m.registerLoop("reaper", svc.Config().ReapInterval(), m.runReaperCycle)
	m.registerLoop("integrity", 5*time.Minute, m.runIntegrityCycle)
	return m
}

func (m *Maintainer) registerLoop(name string, interval time.Duration, run func(context.Context) error) {
	m.loops = append(m.loops, &maintLoop{
		name:     name,
		interval: interval,
		run:      run,
		status: LoopStatus{
			Name:   name,
			State:  "idle",
			Detail: "waiting to start",
		},
	})
}

// Start launches every loop. Each runs one cycle immediately, then ticks.
func (m *Maintainer) Start(ctx context.Context) {
	m.svc.logger.Info("Starting maintenance loops", "loops", len(m.loops))
	for _, loop := range m.loops {
		go m.runLoop(ctx, loop)
	}
}

// Stop signals every loop to exit after its current cycle.
func (m *Maintainer) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Statuses returns the current state of every loop for the health surface.
func (m *Maintainer) Statuses() []LoopStatus {
	statuses := make([]LoopStatus, 0, len(m.loops))
	for _, loop := range m.loops {
		loop.mu.RLock()
		statuses = append(statuses, loop.status)
		loop.mu.RUnlock()
	}
	return statuses
}

func (m *Maintainer) runLoop(ctx context.Context, loop *maintLoop) {
	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()

	m.executeCycle(ctx, loop)
	for {
		select {
		case <-ctx.Done():
			m.setStatus(loop, "stopped", "context canceled")
			return
		case <-m.stopCh:
			m.setStatus(loop, "stopped", "shutdown requested")
			return
		case <-ticker.C:
			m.executeCycle(ctx, loop)
		}
	}
}

func (m *Maintainer) executeCycle(ctx context.Context, loop *maintLoop) {
	m.setStatus(loop, "running", "cycle in progress")
	if err := loop.run(ctx); err != nil {
		m.svc.logger.Error("Maintenance cycle failed",
			"loop", loop.name,
			"error", err)
		m.setStatus(loop, "error", err.Error())
		return
	}
	loop.mu.Lock()
	loop.status.CycleCount++
	loop.mu.Unlock()
	m.setStatus(loop, "idle", "waiting for next cycle")
}

func (m *Maintainer) setStatus(loop *maintLoop, state, detail string) {
	loop.mu.Lock()
	defer loop.mu.Unlock()
	loop.status.State = state
	loop.status.Detail = detail
	loop.status.LastRunAt = time.Now().UTC()
}

// runReaperCycle expires overdue leases and transitions their runs.
func (m *Maintainer) runReaperCycle(ctx context.Context) error {
	_, err := m.svc.ReapExpiredSlots(ctx, "background_reaper")
	return err
}

func (m *Maintainer) runIntegrityCycle(ctx context.Context) error {
	_, err := m.svc.IntegrityAudit(ctx)
	return err
}

// IntegrityAudit checks the store for drift a crashed process can leave
// behind: reset rows stuck in running, reset rows whose recorded database
// violates the slot invariant, and active bindings whose run is already
// terminal. Interrupted resets are finished as failed; orphaned bindings are
// cleaned best-effort; everything found lands in one audit row. The returned
// findings are empty when the store is clean.
func (s *Service) IntegrityAudit(ctx context.Context) (pipeline.Payload, error) {
	now := s.now()
	findings := pipeline.Payload{}

	records, err := s.store.ListResetRecords(now.Add(-24*time.Hour), 200)
	if err != nil {
		return nil, err
	}
	var interrupted []int64
	var unsafeTargets []int64
	for _, r := range records {
		if r.ResetStatus == pipeline.ResetStatusRunning && now.Sub(r.ResetStartedAt) > resetStuckAfter {
			interrupted = append(interrupted, r.ID)
		}
		if err := pipeline.AssertPreviewTarget(r.SlotID, r.DBName, s.Config().ControlDBName); err != nil {
			unsafeTargets = append(unsafeTargets, r.ID)
		}
	}
	if len(interrupted) > 0 {
		tx, err := s.store.Begin()
		if err != nil {
			return nil, err
		}
		for _, id := range interrupted {
			if err := tx.FinishResetRecord(id, pipeline.ResetStatusFailed, pipeline.Payload{
				"reason": "interrupted",
				"source": "integrity_audit",
			}, now); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		findings["interrupted_resets"] = interrupted
	}
	if len(unsafeTargets) > 0 {
		findings["unsafe_reset_targets"] = unsafeTargets
	}

	bindings, err := s.store.ListBindings(s.slotIDs())
	if err != nil {
		return nil, err
	}
	var orphaned []string
	for _, slotID := range s.slotIDs() {
		binding := bindings[slotID]
		if binding == nil || binding.BindingState != pipeline.BindingStateActive || binding.RunID == nil {
			continue
		}
		run, ok := s.store.GetRun(*binding.RunID)
		if !ok || !pipeline.IsTerminal(run.Status) {
			continue
		}
		detail := slotID + ":" + *binding.RunID
		if _, err := s.CleanupWorktree(ctx, slotID, binding.RunID); err != nil {
			detail += " cleanup_failed: " + err.Error()
		}
		orphaned = append(orphaned, detail)
	}
	if len(orphaned) > 0 {
		findings["orphaned_bindings"] = orphaned
	}

	if len(findings) == 0 {
		return findings, nil
	}
	s.logger.Warn("Integrity audit found drift",
		"interrupted_resets", len(interrupted),
		"unsafe_reset_targets", len(unsafeTargets),
		"orphaned_bindings", len(orphaned))
	return findings, s.auditOnly(nil, pipeline.AuditPreviewResetIntegrity, findings)
}

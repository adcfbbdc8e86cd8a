// Package runway is the control plane for the preview pipeline: the run
// state machine, slot leases, worktree bindings, preview database resets,
// and the merge/deploy gate. External collaborators (git, reset scripts,
// deploy tooling, the agent) are consumed through capability interfaces so
// the services stay testable against fakes.
package runway

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/madhatter5501/runway/git"
	"github.com/madhatter5501/runway/internal/config"
	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
	"github.com/madhatter5501/runway/preview"
)

// GitDriver is the capability surface the worktree manager and merge gate
// need from git. *git.CLI is the production implementation.
type GitDriver interface {
	RepoRoot() string
	MainBranch() string
	BranchExists(ctx context.Context, branch string) bool
	EnsureBranch(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, branch string) error
	AddWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, path string) error
	FindWorktree(ctx context.Context, path string) (*git.WorktreeInfo, bool, error)
	ListWorktrees(ctx context.Context) ([]git.WorktreeInfo, error)
	HasUncommittedChanges(ctx context.Context, dir string) (bool, error)
	HeadSHA(ctx context.Context, dir string) (string, error)
	MergeIntoMain(ctx context.Context, ref string) (string, error)
	RemoteURL(ctx context.Context) (string, error)
	Fetch(ctx context.Context) error
	IsAncestor(ctx context.Context, ancestor, ref string) (bool, error)
	PushMain(ctx context.Context) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)
}

// Service wires the control-plane operations over one store. All mutating
// operations run in a single store transaction; driver calls happen outside
// open transactions so SQLite write locks stay short.
type Service struct {
	store  *db.Store
	logger *slog.Logger
	cfg    atomic.Pointer[config.Config]

	git     GitDriver
	reset   preview.Driver
	deploy  DeployDriver
	health  HealthProbe
	agent   AgentRunner
	metrics *Metrics

	clock  func() time.Time
	notify atomic.Pointer[func(topic string)]
}

// Options overrides the default collaborators, mostly for tests.
type Options struct {
	Git     GitDriver
	Reset   preview.Driver
	Deploy  DeployDriver
	Health  HealthProbe
	Agent   AgentRunner
	Metrics *Metrics
	Clock   func() time.Time
}

// NewService creates the service with production defaults derived from cfg.
func NewService(store *db.Store, cfg *config.Config, logger *slog.Logger, opts Options) *Service {
	s := &Service{
		store:   store,
		logger:  logger,
		git:     opts.Git,
		reset:   opts.Reset,
		deploy:  opts.Deploy,
		health:  opts.Health,
		agent:   opts.Agent,
		metrics: opts.Metrics,
		clock:   opts.Clock,
	}
	s.cfg.Store(cfg)

	if s.git == nil {
		s.git = git.NewCLI(cfg.RepoRoot, cfg.MainBranch, cfg.Remote)
	}
	if s.reset == nil {
		switch cfg.ResetDriver {
		case "postgres":
			s.reset = preview.NewPostgresDriver(cfg.PreviewDBAdminURL, cfg.DeployStepTimeout())
		default:
			s.reset = preview.NewScriptDriver(cfg.ResetScriptPath, cfg.DeployStepTimeout())
		}
	}
	if s.deploy == nil {
		s.deploy = &ExecDeployDriver{Command: cfg.DeployReloadCommand, Dir: cfg.RepoRoot}
	}
	if s.health == nil {
		s.health = &ExecHealthProbe{Command: cfg.DeployHealthCommand, Dir: cfg.RepoRoot}
	}
	if s.agent == nil {
		s.agent = &ExecAgentRunner{}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s
}

// Store exposes the underlying store for read-only handlers.
func (s *Service) Store() *db.Store { return s.store }

// Metrics exposes the Prometheus registry owner.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Config returns the current configuration snapshot.
func (s *Service) Config() *config.Config { return s.cfg.Load() }

// UpdateConfig swaps in a reloaded configuration. Identity keys (paths,
// database) are ignored at runtime; tunables take effect on the next
// operation.
func (s *Service) UpdateConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
	s.logger.Info("Runtime config updated",
		"slot_lease_ttl_seconds", cfg.SlotLeaseTTLSeconds,
		"push_mode", cfg.PushMode,
		"merge_gate_recheck_required", cfg.MergeGateRecheckRequired)
}

// SetNotifier registers the broadcast hook the web layer uses for SSE.
func (s *Service) SetNotifier(fn func(topic string)) {
	s.notify.Store(&fn)
}

func (s *Service) broadcast(topic string) {
	if fn := s.notify.Load(); fn != nil {
		(*fn)(topic)
	}
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// slotIDs returns the configured slot pool in priority order.
func (s *Service) slotIDs() []string {
	if cfg := s.Config(); len(cfg.SlotIDs) > 0 {
		return cfg.SlotIDs
	}
	return pipeline.DefaultSlotIDs
}

// leaseTTL resolves the slot lease TTL: DB override, then file config, with
// the 30 s floor.
func (s *Service) leaseTTL() time.Duration {
	secs := s.Config().SlotLeaseTTLSeconds
	if raw := s.store.GetConfigValue("slot_lease_ttl_seconds"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			secs = v
		}
	}
	if secs < 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// recheckRequired resolves merge_gate_recheck_required: DB override, then
// file config.
func (s *Service) recheckRequired() bool {
	if raw := s.store.GetConfigValue("merge_gate_recheck_required"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err == nil {
			return v
		}
	}
	return s.Config().MergeGateRecheckRequired
}

// pushMode resolves push_mode: DB override, then file config.
func (s *Service) pushMode() string {
	switch raw := s.store.GetConfigValue("push_mode"); raw {
	case "auto", "manual", "dry-run":
		return raw
	}
	return s.Config().PushMode
}

// appendEvent writes one run event inside tx. The payload is stamped with
// the schema version and, when the context carries one, the trace id.
func (s *Service) appendEvent(ctx context.Context, tx *db.Tx, runID, eventType string, from, to pipeline.Status, payload pipeline.Payload) error {
	body := payload.WithSchemaVersion()
	if trace := pipeline.TraceIDFrom(ctx); trace != "" {
		if _, ok := body["trace_id"]; !ok {
			body["trace_id"] = trace
		}
	}
	ev := &pipeline.RunEvent{
		RunID:     runID,
		EventType: eventType,
		Payload:   body,
		CreatedAt: s.now(),
	}
	if from != "" {
		f := string(from)
		ev.StatusFrom = &f
	}
	if to != "" {
		t := string(to)
		ev.StatusTo = &t
	}
	return tx.AppendRunEvent(ev)
}

// appendAudit writes one audit row inside tx with the canonical payload
// hash.
func (s *Service) appendAudit(tx *db.Tx, actor *string, action string, payload pipeline.Payload) error {
	hash, err := pipeline.PayloadHash(payload)
	if err != nil {
		return err
	}
	return tx.AppendAuditEntry(&pipeline.AuditEntry{
		Actor:       actor,
		Action:      action,
		PayloadHash: hash,
		Payload:     payload,
		CreatedAt:   s.now(),
	})
}

// transitionInTx validates and applies one state transition inside tx,
// appending the status_transition event and its companion audit row. The
// run struct is updated in place on success.
func (s *Service) transitionInTx(ctx context.Context, tx *db.Tx, run *pipeline.Run, to pipeline.Status, code pipeline.FailureReason, payload pipeline.Payload) error {
	if err := pipeline.EnsureTransition(run.Status, to, code); err != nil {
		return err
	}
	now := s.now()
	if err := tx.UpdateRunStatus(run.ID, to, now); err != nil {
		return err
	}

	body := pipeline.Payload{}
	for k, v := range payload {
		body[k] = v
	}
	if code != "" {
		body["failure_reason_code"] = string(code)
	}
	if err := s.appendEvent(ctx, tx, run.ID, pipeline.EventStatusTransition, run.Status, to, body); err != nil {
		return err
	}
	audit := pipeline.Payload{
		"run_id":      run.ID,
		"status_from": string(run.Status),
		"status_to":   string(to),
	}
	if code != "" {
		audit["failure_reason_code"] = string(code)
	}
	if err := s.appendAudit(tx, nil, pipeline.AuditRunTransition, audit); err != nil {
		return err
	}

	run.Status = to
	run.UpdatedAt = now
	s.metrics.ObserveTransition(to)
	return nil
}

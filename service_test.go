package runway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/madhatter5501/runway/git"
	"github.com/madhatter5501/runway/internal/config"
	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
	"github.com/madhatter5501/runway/preview"
)

// --- Test Helpers ---

// fakeClock is a controllable time source shared by the service tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGit is an in-memory GitDriver. Worktree directories are created on
// disk so path checks against the filesystem behave like the real driver.
type fakeGit struct {
	mu        sync.Mutex
	repoRoot  string
	main      string
	head      string
	remote    string
	mergeSeq  int
	branches  map[string]bool
	worktrees map[string]string
	dirty     map[string]bool

	ensureBranchErr error
	addErr          error
	removeErr       error
	mergeErr        error
	fetchErr        error
	pushErr         error
	notAncestor     bool

	mergedRefs      []string
	pushCount       int
	removedPaths    []string
	deletedBranches []string
}

func newFakeGit(repoRoot, main string) *fakeGit {
	return &fakeGit{
		repoRoot:  repoRoot,
		main:      main,
		head:      "0a1b2c3d4e5f60718293a4b5c6d7e8f901234567",
		remote:    "git@example.com:demo/app.git",
		branches:  map[string]bool{main: true},
		worktrees: map[string]string{},
		dirty:     map[string]bool{},
	}
}

func (g *fakeGit) RepoRoot() string   { return g.repoRoot }
func (g *fakeGit) MainBranch() string { return g.main }

func (g *fakeGit) BranchExists(ctx context.Context, branch string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.branches[branch]
}

func (g *fakeGit) EnsureBranch(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ensureBranchErr != nil {
		return g.ensureBranchErr
	}
	g.branches[branch] = true
	return nil
}

func (g *fakeGit) DeleteBranch(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.branches, branch)
	g.deletedBranches = append(g.deletedBranches, branch)
	return nil
}

func (g *fakeGit) AddWorktree(ctx context.Context, path, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addErr != nil {
		return g.addErr
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	g.worktrees[path] = branch
	return nil
}

func (g *fakeGit) RemoveWorktree(ctx context.Context, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.removeErr != nil {
		return g.removeErr
	}
	delete(g.worktrees, path)
	g.removedPaths = append(g.removedPaths, path)
	return os.RemoveAll(path)
}

func (g *fakeGit) FindWorktree(ctx context.Context, path string) (*git.WorktreeInfo, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	branch, ok := g.worktrees[path]
	if !ok {
		return nil, false, nil
	}
	return &git.WorktreeInfo{Path: path, Branch: branch, Commit: g.head}, true, nil
}

func (g *fakeGit) ListWorktrees(ctx context.Context) ([]git.WorktreeInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]git.WorktreeInfo, 0, len(g.worktrees))
	for path, branch := range g.worktrees {
		out = append(out, git.WorktreeInfo{Path: path, Branch: branch, Commit: g.head})
	}
	return out, nil
}

func (g *fakeGit) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dirty[dir], nil
}

func (g *fakeGit) HeadSHA(ctx context.Context, dir string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

func (g *fakeGit) MergeIntoMain(ctx context.Context, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mergeErr != nil {
		return "", g.mergeErr
	}
	g.mergeSeq++
	g.mergedRefs = append(g.mergedRefs, ref)
	return fmt.Sprintf("merged%04d0000000000000000000000000000000000", g.mergeSeq), nil
}

func (g *fakeGit) RemoteURL(ctx context.Context) (string, error) {
	return g.remote, nil
}

func (g *fakeGit) Fetch(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchErr
}

func (g *fakeGit) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.notAncestor, nil
}

func (g *fakeGit) PushMain(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return "", g.pushErr
	}
	g.pushCount++
	return "Everything up-to-date", nil
}

func (g *fakeGit) RevParse(ctx context.Context, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head, nil
}

// fakeReset records reset requests and returns a canned result.
type fakeReset struct {
	mu       sync.Mutex
	requests []preview.Request
	err      error
	steps    []preview.Step
	output   string
}

func (f *fakeReset) Name() string { return "fake" }

func (f *fakeReset) Reset(ctx context.Context, req preview.Request) (preview.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return preview.Result{Steps: f.steps, Output: f.output}, f.err
	}
	steps := f.steps
	if steps == nil {
		steps = []preview.Step{
			{Name: "terminate_connections", Status: "ok"},
			{Name: "drop_database", Status: "ok"},
			{Name: "create_database", Status: "ok"},
			{Name: "apply_seed", Status: "ok"},
		}
	}
	return preview.Result{Steps: steps, Output: f.output}, nil
}

func (f *fakeReset) lastRequest(t *testing.T) preview.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("Expected at least one reset request, got none")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeReset) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeDeploy records reload and switch calls.
type fakeDeploy struct {
	mu        sync.Mutex
	reloads   []string
	switches  []string
	reloadErr error
	switchErr error
}

func (f *fakeDeploy) Reload(ctx context.Context, commitSHA string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reloadErr != nil {
		return "reload failed", f.reloadErr
	}
	f.reloads = append(f.reloads, commitSHA)
	return "reloaded " + commitSHA, nil
}

func (f *fakeDeploy) Switch(ctx context.Context, releaseID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches = append(f.switches, releaseID)
	if f.switchErr != nil {
		return "switch failed", f.switchErr
	}
	return "switched to " + releaseID, nil
}

// fakeHealth passes after a configurable number of failures.
type fakeHealth struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (f *fakeHealth) Check(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "not ready", pipeline.DriverFailed("health_probe_failed", fmt.Errorf("attempt %d", f.calls))
	}
	return "ok", nil
}

// testEnv bundles a service wired against fakes and a temp sqlite store.
type testEnv struct {
	svc    *Service
	store  *db.Store
	cfg    *config.Config
	git    *fakeGit
	reset  *fakeReset
	deploy *fakeDeploy
	health *fakeHealth
	clock  *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	cfg.DBPath = filepath.Join(dir, "control.db")
	cfg.RepoRoot = filepath.Join(dir, "repo")
	cfg.WorktreeRoot = filepath.Join(dir, "worktrees")
	cfg.ArtifactsDir = filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(filepath.Join(cfg.RepoRoot, ".git"), 0o755); err != nil {
		t.Fatalf("Failed to create repo root: %v", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	env := &testEnv{
		store:  db.NewStore(database),
		cfg:    cfg,
		git:    newFakeGit(cfg.RepoRoot, cfg.MainBranch),
		reset:  &fakeReset{},
		deploy: &fakeDeploy{},
		health: &fakeHealth{},
		clock:  newFakeClock(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.svc = NewService(env.store, cfg, logger, Options{
		Git:    env.git,
		Reset:  env.reset,
		Deploy: env.deploy,
		Health: env.health,
		Clock:  env.clock.Now,
	})
	return env
}

func (e *testEnv) createRun(t *testing.T) *pipeline.Run {
	t.Helper()
	run, err := e.svc.CreateRun(context.Background(), CreateRunParams{
		Title:  "Fix banner copy",
		Prompt: "Adjust the banner copy on the landing page",
	})
	if err != nil {
		t.Fatalf("Failed to create run: %v", err)
	}
	return run
}

var forwardPath = []pipeline.Status{
	pipeline.StatusPlanning,
	pipeline.StatusEditing,
	pipeline.StatusTesting,
	pipeline.StatusPreviewReady,
	pipeline.StatusNeedsApproval,
	pipeline.StatusApproved,
	pipeline.StatusMerging,
	pipeline.StatusDeploying,
	pipeline.StatusMerged,
}

// advanceTo walks the run along the forward path up to target.
func (e *testEnv) advanceTo(t *testing.T, runID string, target pipeline.Status) {
	t.Helper()
	for _, status := range forwardPath {
		if _, err := e.svc.Transition(context.Background(), runID, TransitionParams{To: status}); err != nil {
			t.Fatalf("Failed to advance run to %s: %v", status, err)
		}
		if status == target {
			return
		}
	}
	t.Fatalf("Status %s is not on the forward path", target)
}

func (e *testEnv) mustAcquire(t *testing.T, runID string) string {
	t.Helper()
	res, err := e.svc.AcquireSlot(context.Background(), runID, false)
	if err != nil {
		t.Fatalf("Failed to acquire slot for %s: %v", runID, err)
	}
	if !res.Acquired || res.SlotID == nil {
		t.Fatalf("Expected slot acquisition for %s, got waiting verdict", runID)
	}
	return *res.SlotID
}

func (e *testEnv) mustGetRun(t *testing.T, runID string) *pipeline.Run {
	t.Helper()
	run, ok := e.store.GetRun(runID)
	if !ok {
		t.Fatalf("Run %s not found", runID)
	}
	return run
}

func (e *testEnv) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := e.store.ListRunEvents(runID, 0)
	if err != nil {
		t.Fatalf("Failed to list events for %s: %v", runID, err)
	}
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func (e *testEnv) findEvent(t *testing.T, runID, eventType string) *pipeline.RunEvent {
	t.Helper()
	events, err := e.store.ListRunEvents(runID, 0)
	if err != nil {
		t.Fatalf("Failed to list events for %s: %v", runID, err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].EventType == eventType {
			return &events[i]
		}
	}
	t.Fatalf("Expected a %s event for run %s, got %v", eventType, runID, e.eventTypes(t, runID))
	return nil
}

func (e *testEnv) hasEvent(runID, eventType string) bool {
	events, err := e.store.ListRunEvents(runID, 0)
	if err != nil {
		return false
	}
	for _, ev := range events {
		if ev.EventType == eventType {
			return true
		}
	}
	return false
}

func (e *testEnv) auditCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := e.store.ListAuditEntries(action, 0)
	if err != nil {
		t.Fatalf("Failed to list audit entries: %v", err)
	}
	return len(entries)
}

// --- Tests ---

func TestConfigSnapshotSwap(t *testing.T) {
	env := newTestEnv(t)

	if got := env.svc.Config().ListenAddr; got != ":8787" {
		t.Errorf("Expected default listen addr :8787, got %s", got)
	}

	next := *env.cfg
	next.SlotLeaseTTLSeconds = 120
	next.PushMode = "manual"
	env.svc.UpdateConfig(&next)

	if got := env.svc.Config().SlotLeaseTTLSeconds; got != 120 {
		t.Errorf("Expected swapped TTL 120, got %d", got)
	}
	if got := env.svc.Config().PushMode; got != "manual" {
		t.Errorf("Expected swapped push mode manual, got %s", got)
	}
}

func TestLeaseTTLPrefersDBOverride(t *testing.T) {
	env := newTestEnv(t)

	// Migration seeds slot_lease_ttl_seconds=1800.
	if got := env.svc.leaseTTL(); got != 1800*time.Second {
		t.Errorf("Expected seeded TTL 1800s, got %s", got)
	}

	if err := env.store.SetConfigValue("slot_lease_ttl_seconds", "60"); err != nil {
		t.Fatalf("Failed to set config value: %v", err)
	}
	if got := env.svc.leaseTTL(); got != 60*time.Second {
		t.Errorf("Expected overridden TTL 60s, got %s", got)
	}

	// Values below the floor are clamped.
	if err := env.store.SetConfigValue("slot_lease_ttl_seconds", "5"); err != nil {
		t.Fatalf("Failed to set config value: %v", err)
	}
	if got := env.svc.leaseTTL(); got != 30*time.Second {
		t.Errorf("Expected floored TTL 30s, got %s", got)
	}
}

func TestPushModeFallsBackOnBadDBValue(t *testing.T) {
	env := newTestEnv(t)

	if got := env.svc.pushMode(); got != "auto" {
		t.Errorf("Expected seeded push mode auto, got %s", got)
	}
	if err := env.store.SetConfigValue("push_mode", "manual"); err != nil {
		t.Fatalf("Failed to set config value: %v", err)
	}
	if got := env.svc.pushMode(); got != "manual" {
		t.Errorf("Expected push mode manual, got %s", got)
	}
	if err := env.store.SetConfigValue("push_mode", "yolo"); err != nil {
		t.Fatalf("Failed to set config value: %v", err)
	}
	if got := env.svc.pushMode(); got != "auto" {
		t.Errorf("Expected fallback to file config auto, got %s", got)
	}
}

func TestRecheckRequiredDBOverride(t *testing.T) {
	env := newTestEnv(t)

	if !env.svc.recheckRequired() {
		t.Error("Expected recheck required by default")
	}
	if err := env.store.SetConfigValue("merge_gate_recheck_required", "false"); err != nil {
		t.Fatalf("Failed to set config value: %v", err)
	}
	if env.svc.recheckRequired() {
		t.Error("Expected recheck disabled after override")
	}
}

func TestNotifierReceivesBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var topics []string
	env.svc.SetNotifier(func(topic string) {
		mu.Lock()
		defer mu.Unlock()
		topics = append(topics, topic)
	})

	env.createRun(t)

	mu.Lock()
	defer mu.Unlock()
	if len(topics) == 0 {
		t.Fatal("Expected at least one broadcast, got none")
	}
	found := false
	for _, topic := range topics {
		if topic == "runs" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a runs broadcast, got %v", topics)
	}
}

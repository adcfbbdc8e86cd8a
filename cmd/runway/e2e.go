package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/madhatter5501/runway"
	"github.com/madhatter5501/runway/git"
	"github.com/madhatter5501/runway/internal/config"
	"github.com/madhatter5501/runway/internal/db"
	"github.com/madhatter5501/runway/pipeline"
	"github.com/madhatter5501/runway/preview"
)

var e2eFlags struct {
	fake        bool
	prompt      string
	title       string
	route       string
	seedVersion string
	skipAgent   bool
}

var e2eCmd = &cobra.Command{
	Use:   "e2e",
	Short: "Drive one run from queued to merged",
	Long: `Creates a run and walks it through the whole pipeline: allocation,
the worker transitions, approval, and the merge/deploy gate. With --fake
(the default) everything runs against in-memory drivers in a throwaway
sandbox, so it doubles as a smoke test of the control plane itself. With
--fake=false it uses the configured store and real drivers.

Examples:
  runway e2e
  runway e2e --fake=false --config runway.yaml --prompt "add a footer link"`,
	Args: cobra.NoArgs,
	RunE: runE2E,
}

func init() {
	e2eCmd.Flags().BoolVar(&e2eFlags.fake, "fake", true, "Use in-memory drivers in a temp sandbox")
	e2eCmd.Flags().StringVar(&e2eFlags.prompt, "prompt", "Add a footer link to the docs page", "Change request prompt")
	e2eCmd.Flags().StringVar(&e2eFlags.title, "title", "End-to-end exercise", "Run title")
	e2eCmd.Flags().StringVar(&e2eFlags.route, "route", "/codex", "Changed route")
	e2eCmd.Flags().StringVar(&e2eFlags.seedVersion, "seed-version", "v1", "Seed version for the preview reset")
	e2eCmd.Flags().BoolVar(&e2eFlags.skipAgent, "skip-agent", false, "Skip the coding-agent step")
	rootCmd.AddCommand(e2eCmd)
}

func runE2E(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var (
		svc     *runway.Service
		agent   runway.AgentRunner
		cleanup func()
		err     error
	)
	if e2eFlags.fake {
		svc, agent, cleanup, err = buildSandboxService()
	} else {
		agent = &runway.ExecAgentRunner{}
		var closeDB func()
		svc, closeDB, err = openService()
		cleanup = closeDB
	}
	if err != nil {
		return err
	}
	defer cleanup()

	actor := "e2e"
	run, err := svc.CreateRun(ctx, runway.CreateRunParams{
		Title:     e2eFlags.title,
		Prompt:    e2eFlags.prompt,
		Route:     &e2eFlags.route,
		CreatedBy: &actor,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created   run %s\n", run.ID)

	alloc, err := svc.Allocate(ctx, runway.AllocateParams{
		RunID:       run.ID,
		Strategy:    pipeline.ResetStrategySeed,
		SeedVersion: e2eFlags.seedVersion,
		Actor:       &actor,
	})
	if err != nil {
		return err
	}
	if alloc.Status != "allocated" {
		return fmt.Errorf("allocation %s: %s", alloc.Status, alloc.Reason)
	}
	fmt.Printf("allocated slot %s, worktree %s\n", alloc.SlotID, alloc.WorktreePath)

	for _, to := range []pipeline.Status{pipeline.StatusPlanning, pipeline.StatusEditing} {
		if _, err := svc.Transition(ctx, run.ID, runway.TransitionParams{To: to, Actor: &actor}); err != nil {
			return err
		}
	}

	if !e2eFlags.skipAgent {
		result, err := agent.Run(ctx, runway.AgentRequest{
			RunID:        run.ID,
			Prompt:       e2eFlags.prompt,
			WorktreePath: alloc.WorktreePath,
			Timeout:      10 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("agent step failed: %w", err)
		}
		fmt.Printf("agent     done in %s\n", result.Duration.Round(time.Millisecond))
	}

	for _, to := range []pipeline.Status{pipeline.StatusTesting, pipeline.StatusPreviewReady} {
		if _, err := svc.Transition(ctx, run.ID, runway.TransitionParams{To: to, Actor: &actor}); err != nil {
			return err
		}
	}

	if _, err := svc.Approve(ctx, run.ID, runway.DecisionParams{ReviewerID: &actor}); err != nil {
		return err
	}
	fmt.Println("approved")

	outcome, err := svc.RunMergeGate(ctx, run.ID, &actor)
	if err != nil {
		return err
	}
	if err := outputJSON(outcome); err != nil {
		return err
	}
	if outcome.Status != pipeline.StatusMerged {
		return fmt.Errorf("run finished %s (%s)", outcome.Status, outcome.Detail)
	}
	fmt.Printf("merged    run %s at %s\n", run.ID, outcome.MergedSHA)
	return nil
}

// buildSandboxService wires a service over a throwaway temp directory with
// in-memory git/reset/deploy drivers. The returned cleanup removes the
// sandbox.
func buildSandboxService() (*runway.Service, runway.AgentRunner, func(), error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, nil, err
	}

	tmp, err := os.MkdirTemp("", "runway-e2e-*")
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	cfg.DBPath = filepath.Join(tmp, "runway.db")
	cfg.RepoRoot = filepath.Join(tmp, "repo")
	cfg.WorktreeRoot = filepath.Join(tmp, "worktrees")
	cfg.ArtifactsDir = filepath.Join(tmp, "artifacts")
	cfg.LogFile = ""
	// The gate takes a file lock under .git.
	if err := os.MkdirAll(filepath.Join(cfg.RepoRoot, ".git"), 0o755); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	logger := buildLogger(cfg)
	agent := &sandboxAgent{}
	svc := runway.NewService(db.NewStore(database), cfg, logger, runway.Options{
		Git:    newSandboxGit(cfg.RepoRoot, cfg.MainBranch),
		Reset:  &sandboxReset{},
		Deploy: &sandboxDeploy{},
		Health: &sandboxHealth{},
		Agent:  agent,
	})
	return svc, agent, func() { _ = database.Close(); cleanup() }, nil
}

// sandboxGit tracks branches and worktrees in memory and fabricates commit
// SHAs, enough for the assign/merge path without a real repository.
type sandboxGit struct {
	root string
	main string

	mu        sync.Mutex
	branches  map[string]bool
	worktrees map[string]string // path -> branch
	heads     map[string]string // dir -> commit SHA
	commits   int
}

func newSandboxGit(root, main string) *sandboxGit {
	return &sandboxGit{
		root:      root,
		main:      main,
		branches:  map[string]bool{main: true},
		worktrees: make(map[string]string),
		heads:     make(map[string]string),
	}
}

func (g *sandboxGit) nextSHA() string {
	g.commits++
	return fmt.Sprintf("%040x", g.commits)
}

func (g *sandboxGit) RepoRoot() string   { return g.root }
func (g *sandboxGit) MainBranch() string { return g.main }

func (g *sandboxGit) BranchExists(ctx context.Context, branch string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.branches[branch]
}

func (g *sandboxGit) EnsureBranch(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.branches[branch] = true
	return nil
}

func (g *sandboxGit) DeleteBranch(ctx context.Context, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.branches, branch)
	return nil
}

func (g *sandboxGit) AddWorktree(ctx context.Context, path, branch string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.worktrees[path] = branch
	return nil
}

func (g *sandboxGit) RemoveWorktree(ctx context.Context, path string) error {
	g.mu.Lock()
	delete(g.worktrees, path)
	g.mu.Unlock()
	return os.RemoveAll(path)
}

func (g *sandboxGit) FindWorktree(ctx context.Context, path string) (*git.WorktreeInfo, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	branch, ok := g.worktrees[path]
	if !ok {
		return nil, false, nil
	}
	return &git.WorktreeInfo{Path: path, Branch: branch}, true, nil
}

func (g *sandboxGit) ListWorktrees(ctx context.Context) ([]git.WorktreeInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]git.WorktreeInfo, 0, len(g.worktrees))
	for path, branch := range g.worktrees {
		out = append(out, git.WorktreeInfo{Path: path, Branch: branch})
	}
	return out, nil
}

func (g *sandboxGit) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	return false, nil
}

func (g *sandboxGit) HeadSHA(ctx context.Context, dir string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sha, ok := g.heads[dir]; ok {
		return sha, nil
	}
	sha := g.nextSHA()
	g.heads[dir] = sha
	return sha, nil
}

func (g *sandboxGit) MergeIntoMain(ctx context.Context, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sha := g.nextSHA()
	g.heads[g.root] = sha
	return sha, nil
}

func (g *sandboxGit) RemoteURL(ctx context.Context) (string, error) {
	return "sandbox://" + g.root, nil
}

func (g *sandboxGit) Fetch(ctx context.Context) error { return nil }

func (g *sandboxGit) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	return true, nil
}

func (g *sandboxGit) PushMain(ctx context.Context) (string, error) {
	return "Everything up-to-date", nil
}

func (g *sandboxGit) RevParse(ctx context.Context, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sha, ok := g.heads[ref]; ok {
		return sha, nil
	}
	sha := g.nextSHA()
	g.heads[ref] = sha
	return sha, nil
}

type sandboxReset struct{}

func (d *sandboxReset) Name() string { return "sandbox" }

func (d *sandboxReset) Reset(ctx context.Context, req preview.Request) (preview.Result, error) {
	steps := []preview.Step{
		{Name: "terminate_connections", Status: "ok"},
		{Name: "drop_schema", Status: "ok"},
		{Name: "apply_" + req.Strategy, Status: "ok", Detail: req.Database},
	}
	if req.DryRun {
		for i := range steps {
			steps[i].Status = "planned"
		}
	}
	return preview.Result{Steps: steps}, nil
}

type sandboxDeploy struct{}

func (d *sandboxDeploy) Reload(ctx context.Context, commitSHA string) (string, error) {
	return "reloaded " + commitSHA, nil
}

func (d *sandboxDeploy) Switch(ctx context.Context, releaseID string) (string, error) {
	return "switched to " + releaseID, nil
}

type sandboxHealth struct{}

func (p *sandboxHealth) Check(ctx context.Context) (string, error) { return "ok", nil }

type sandboxAgent struct{}

func (a *sandboxAgent) Run(ctx context.Context, req runway.AgentRequest) (*runway.AgentResult, error) {
	return &runway.AgentResult{Output: "sandbox agent: no edits", Duration: time.Millisecond}, nil
}

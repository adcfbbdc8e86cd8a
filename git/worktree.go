// Package git provides the git driver for the control plane: branch and
// worktree management for slot-bound runs, plus the merge and push
// primitives the merge gate composes. Everything runs non-interactively
// against the repository root.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CLI executes git against a single repository. It is safe for concurrent
// reads; callers serialize mutating sequences (the merge gate holds a repo
// lock around merge/push).
type CLI struct {
	repoRoot   string // Main repository root
	mainBranch string // Integration branch name (e.g., main)
	remote     string // Remote name for push/fetch (e.g., origin)
}

// NewCLI creates a git driver rooted at repoRoot.
func NewCLI(repoRoot, mainBranch, remote string) *CLI {
	return &CLI{
		repoRoot:   repoRoot,
		mainBranch: mainBranch,
		remote:     remote,
	}
}

// RepoRoot returns the repository root path.
func (c *CLI) RepoRoot() string { return c.repoRoot }

// MainBranch returns the integration branch name.
func (c *CLI) MainBranch() string { return c.mainBranch }

// WorktreeInfo describes one entry from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string // Absolute path to worktree
	Branch string // Branch name, empty when detached
	Commit string // Current commit hash
	Bare   bool   // Is this the bare repo entry?
}

// BranchExists reports whether a local branch exists.
func (c *CLI) BranchExists(ctx context.Context, branch string) bool {
	_, err := c.runGit(ctx, c.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// EnsureBranch creates branch off the integration branch when missing.
func (c *CLI) EnsureBranch(ctx context.Context, branch string) error {
	if c.BranchExists(ctx, branch) {
		return nil
	}
	if _, err := c.runGit(ctx, c.repoRoot, "branch", branch, c.mainBranch); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", branch, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch; the integration branch is
// refused.
func (c *CLI) DeleteBranch(ctx context.Context, branch string) error {
	if branch == "" || branch == c.mainBranch {
		return fmt.Errorf("refusing to delete branch %q", branch)
	}
	if _, err := c.runGit(ctx, c.repoRoot, "branch", "-D", branch); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", branch, err)
	}
	return nil
}

// AddWorktree checks branch out at path. The parent directory is created as
// needed.
func (c *CLI) AddWorktree(ctx context.Context, path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create worktree directory: %w", err)
	}
	if _, err := c.runGit(ctx, c.repoRoot, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("failed to add worktree: %w", err)
	}
	return nil
}

// RemoveWorktree removes the worktree at path without force: a dirty
// worktree makes git fail, which is the safety contract callers rely on.
// A path git no longer tracks is pruned and treated as removed.
func (c *CLI) RemoveWorktree(ctx context.Context, path string) error {
	if _, err := c.runGit(ctx, c.repoRoot, "worktree", "remove", path); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			_, _ = c.runGit(ctx, c.repoRoot, "worktree", "prune")
			return nil
		}
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	return nil
}

// PruneWorktrees drops stale worktree registrations.
func (c *CLI) PruneWorktrees(ctx context.Context) error {
	_, err := c.runGit(ctx, c.repoRoot, "worktree", "prune")
	return err
}

// ListWorktrees returns all registered worktrees.
func (c *CLI) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := c.runGit(ctx, c.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []WorktreeInfo
	var current *WorktreeInfo

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current = &WorktreeInfo{
				Path: strings.TrimPrefix(line, "worktree "),
			}
		} else if strings.HasPrefix(line, "HEAD ") && current != nil {
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		} else if strings.HasPrefix(line, "branch ") && current != nil {
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		} else if line == "bare" && current != nil {
			current.Bare = true
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}

	return worktrees, nil
}

// FindWorktree returns the registered worktree at path, if any.
func (c *CLI) FindWorktree(ctx context.Context, path string) (*WorktreeInfo, bool, error) {
	worktrees, err := c.ListWorktrees(ctx)
	if err != nil {
		return nil, false, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve path: %w", err)
	}
	for _, wt := range worktrees {
		wtAbs, err := filepath.Abs(wt.Path)
		if err != nil {
			continue
		}
		if wtAbs == abs {
			found := wt
			return &found, true, nil
		}
	}
	return nil, false, nil
}

// HasUncommittedChanges checks whether dir has staged or unstaged changes.
func (c *CLI) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	output, err := c.runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(output)) > 0, nil
}

// HeadSHA returns the commit hash dir currently points at.
func (c *CLI) HeadSHA(ctx context.Context, dir string) (string, error) {
	output, err := c.runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// CurrentBranch returns the checked-out branch in dir, "" when detached.
func (c *CLI) CurrentBranch(ctx context.Context, dir string) (string, error) {
	output, err := c.runGit(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// MergeIntoMain merges ref (a pinned commit) into the integration branch
// with a merge commit and returns the merged HEAD. On conflict the merge is
// aborted and the previously checked-out branch restored.
func (c *CLI) MergeIntoMain(ctx context.Context, ref string) (string, error) {
	previous, err := c.CurrentBranch(ctx, c.repoRoot)
	if err != nil {
		return "", fmt.Errorf("failed to read current branch: %w", err)
	}

	if _, err := c.runGit(ctx, c.repoRoot, "switch", c.mainBranch); err != nil {
		return "", fmt.Errorf("failed to switch to %s: %w", c.mainBranch, err)
	}

	if _, err := c.runGit(ctx, c.repoRoot, "merge", "--no-ff", "--no-edit", ref); err != nil {
		_, _ = c.runGit(ctx, c.repoRoot, "merge", "--abort")
		if previous != "" && previous != c.mainBranch {
			_, _ = c.runGit(ctx, c.repoRoot, "switch", previous)
		}
		return "", fmt.Errorf("merge of %s failed: %w", ref, err)
	}

	sha, err := c.HeadSHA(ctx, c.repoRoot)
	if err != nil {
		return "", fmt.Errorf("failed to read merged head: %w", err)
	}
	return sha, nil
}

// RemoteURL returns the configured URL for the driver's remote.
func (c *CLI) RemoteURL(ctx context.Context) (string, error) {
	output, err := c.runGit(ctx, c.repoRoot, "remote", "get-url", c.remote)
	if err != nil {
		return "", fmt.Errorf("remote %s not configured: %w", c.remote, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Fetch updates remote refs with pruning.
func (c *CLI) Fetch(ctx context.Context) error {
	if _, err := c.runGit(ctx, c.repoRoot, "fetch", "--prune", c.remote); err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}

// IsAncestor reports whether ancestor is reachable from ref.
func (c *CLI) IsAncestor(ctx context.Context, ancestor, ref string) (bool, error) {
	_, err := c.runGit(ctx, c.repoRoot, "merge-base", "--is-ancestor", ancestor, ref)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// PushMain pushes the integration branch and returns the porcelain output
// for diagnostics.
func (c *CLI) PushMain(ctx context.Context) (string, error) {
	output, err := c.runGit(ctx, c.repoRoot, "push", "--porcelain", c.remote, c.mainBranch)
	if err != nil {
		return string(output), fmt.Errorf("push failed: %w", err)
	}
	return string(output), nil
}

// RevParse resolves a ref in the main repository.
func (c *CLI) RevParse(ctx context.Context, ref string) (string, error) {
	output, err := c.runGit(ctx, c.repoRoot, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// runGit runs one git command in dir, returning stdout. Stderr rides in the
// returned error so callers can persist diagnostics.
func (c *CLI) runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
		}
		return stdout.Bytes(), fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

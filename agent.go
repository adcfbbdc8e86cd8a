package runway

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

// AgentRequest describes one coding-agent invocation inside a run's
// worktree.
type AgentRequest struct {
	RunID        string
	Prompt       string
	WorktreePath string
	Timeout      time.Duration
}

// AgentResult is the outcome of an agent invocation. Output carries the
// tail of combined stdout/stderr even on failure.
type AgentResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// AgentRunner invokes the external coding agent against a worktree. The
// control plane never parses agent output beyond exit status; the agent
// reports progress through the run API like any other client.
type AgentRunner interface {
	Run(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// ExecAgentRunner shells out to the codex CLI in non-interactive mode,
// feeding the prompt on stdin. Binary and Args override the defaults for
// hosts with wrapper scripts.
type ExecAgentRunner struct {
	Binary string
	Args   []string
}

func (r *ExecAgentRunner) Run(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	binary := r.Binary
	if binary == "" {
		binary = "codex"
		if path, err := exec.LookPath("codex"); err == nil {
			binary = path
		}
	}
	args := r.Args
	if args == nil {
		args = []string{"exec", "--full-auto", "-"}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = req.WorktreePath
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(), "RUNWAY_RUN_ID="+req.RunID)
	if trace := pipeline.TraceIDFrom(ctx); trace != "" {
		cmd.Env = append(cmd.Env, pipeline.TraceEnvVar+"="+trace)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := &AgentResult{
		Output:   tailLines(output.String(), deployOutputTailLines),
		Duration: time.Since(start),
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, pipeline.Timeoutf("agent run exceeded %s", req.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, pipeline.DriverFailed("agent_run_failed", err)
	}
	return result, nil
}

package runway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/madhatter5501/runway/pipeline"
)

const deployOutputTailLines = 40

// DeployDriver reloads the serving backend onto a commit and can switch it
// back to a previously deployed release when a rollout goes bad. The driver
// never decides rollback policy; the merge gate does.
type DeployDriver interface {
	Reload(ctx context.Context, commitSHA string) (string, error)
	Switch(ctx context.Context, releaseID string) (string, error)
}

// HealthProbe checks the serving backend once. Retry policy belongs to the
// caller.
type HealthProbe interface {
	Check(ctx context.Context) (string, error)
}

// ExecDeployDriver shells out to the configured deploy command. The command
// is invoked as `<command> reload <sha>` or `<command> switch <release>`;
// the target is also exported in the environment for wrapper scripts.
type ExecDeployDriver struct {
	Command string
	Dir     string
}

func (d *ExecDeployDriver) Reload(ctx context.Context, commitSHA string) (string, error) {
	return d.run(ctx, "reload", commitSHA, "RUNWAY_COMMIT_SHA="+commitSHA)
}

func (d *ExecDeployDriver) Switch(ctx context.Context, releaseID string) (string, error) {
	return d.run(ctx, "switch", releaseID, "RUNWAY_RELEASE_ID="+releaseID)
}

func (d *ExecDeployDriver) run(ctx context.Context, verb, target, extraEnv string) (string, error) {
	if d.Command == "" {
		return "", pipeline.Validationf("deploy_command_not_configured")
	}
	fields := strings.Fields(d.Command)
	args := append(fields[1:], verb, target)

	cmd := exec.CommandContext(ctx, fields[0], args...)
	cmd.Dir = d.Dir
	cmd.Env = append(os.Environ(), extraEnv)
	if trace := pipeline.TraceIDFrom(ctx); trace != "" {
		cmd.Env = append(cmd.Env, pipeline.TraceEnvVar+"="+trace)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	out := tailLines(output.String(), deployOutputTailLines)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, pipeline.Timeoutf("deploy %s timed out", verb)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, pipeline.DriverFailed(fmt.Sprintf("deploy_%s_exit_%d", verb, exitErr.ExitCode()), fmt.Errorf("%w: %s", err, out))
		}
		return out, pipeline.DriverFailed("deploy_"+verb+"_failed", err)
	}
	return out, nil
}

// ExecHealthProbe shells out to the configured health command. A zero exit
// means healthy.
type ExecHealthProbe struct {
	Command string
	Dir     string
}

func (p *ExecHealthProbe) Check(ctx context.Context) (string, error) {
	if p.Command == "" {
		return "", pipeline.Validationf("health_command_not_configured")
	}
	fields := strings.Fields(p.Command)

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = p.Dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	out := tailLines(output.String(), deployOutputTailLines)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, pipeline.Timeoutf("health probe timed out")
		}
		return out, pipeline.DriverFailed("health_probe_failed", fmt.Errorf("%w: %s", err, out))
	}
	return out, nil
}

// probeHealth retries the health probe with Fibonacci backoff until it
// passes or the step deadline expires. The last probe output is returned
// either way so failures carry diagnostics.
func probeHealth(ctx context.Context, probe HealthProbe, attempts uint64) (string, error) {
	var lastOut string
	b := retry.NewFibonacci(1 * time.Second)
	err := retry.Do(ctx, retry.WithMaxRetries(attempts, b), func(ctx context.Context) error {
		out, err := probe.Check(ctx)
		lastOut = out
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	return lastOut, err
}

// tailLines keeps the last n lines of command output for event payloads.
func tailLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

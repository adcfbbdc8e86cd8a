package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/madhatter5501/runway/pipeline"
)

const scriptOutputTailLines = 20

// ScriptDriver shells out to the host reset script. The script owns the SQL;
// this driver owns the argument contract and the timeout.
type ScriptDriver struct {
	ScriptPath string
	Timeout    time.Duration
}

// NewScriptDriver creates a script driver with a floored timeout.
func NewScriptDriver(scriptPath string, timeout time.Duration) *ScriptDriver {
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return &ScriptDriver{ScriptPath: scriptPath, Timeout: timeout}
}

func (d *ScriptDriver) Name() string { return "script" }

// Reset invokes the script with the reset contract flags. Non-zero exit is a
// driver failure carrying the output tail; hitting the deadline is a timeout.
func (d *ScriptDriver) Reset(ctx context.Context, req Request) (Result, error) {
	if d.ScriptPath == "" {
		return Result{}, pipeline.Validationf("reset_script_not_configured")
	}
	if _, err := os.Stat(d.ScriptPath); err != nil {
		return Result{}, pipeline.Validationf("reset_script_not_found: %s", d.ScriptPath)
	}

	args := []string{
		"--slot", req.SlotID,
		"--run-id", req.RunID,
		"--strategy", req.Strategy,
	}
	if req.SeedVersion != "" {
		args = append(args, "--seed-version", req.SeedVersion)
	}
	if req.SnapshotVersion != "" {
		args = append(args, "--snapshot-version", req.SnapshotVersion)
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.ScriptPath, args...)
	cmd.Env = append(os.Environ(),
		"PREVIEW_DB_NAME="+req.Database,
		pipeline.TraceEnvVar+"="+req.TraceID,
	)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	result := Result{
		Steps:  []Step{{Name: "run_reset_script", Status: "ok"}},
		Output: tail(output.String(), scriptOutputTailLines),
	}
	if err != nil {
		result.Steps[0].Status = "failed"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result.Steps[0].Detail = "timed_out"
			return result, pipeline.Timeoutf("reset script exceeded %s", d.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Steps[0].Detail = fmt.Sprintf("exit_%d", exitErr.ExitCode())
		}
		return result, pipeline.DriverFailed("reset_script_failed", fmt.Errorf("%w: %s", err, result.Output))
	}
	return result, nil
}

package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"custodian-service/internal/dispatch"
)

// ExecRunner shells out to the scan binary and captures its stdout as
// the findings document. The same flag contract as the local dispatch
// backend applies.
type ExecRunner struct {
	command string
}

// NewExecRunner builds a runner around the given scan command.
func NewExecRunner(command string) *ExecRunner {
	return &ExecRunner{command: command}
}

// Run executes the policy checks for one task.
func (r *ExecRunner) Run(ctx context.Context, task dispatch.Task) ([]byte, error) {
	args := []string{"--tenant", task.TenantName}
	for _, region := range task.Regions {
		args = append(args, "--region", region)
	}
	for _, ruleset := range task.Rulesets {
		args = append(args, "--ruleset", ruleset)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Env = os.Environ()
	for k, v := range task.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("scan timed out")
		}
		return nil, fmt.Errorf("scan failed: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

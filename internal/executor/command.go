package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"relay/internal/guard"
)

// DefaultCommandTimeout bounds a subshell when the caller sets none.
const DefaultCommandTimeout = 60 * time.Second

// CommandOptions tunes RunCommand.
type CommandOptions struct {
	// Cwd is workspace-relative; empty runs in the root.
	Cwd     string
	Timeout time.Duration
}

// CommandResult captures a finished subshell.
type CommandResult struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// RunCommand executes cmdLine through a subshell with an enforced timeout.
// Consumes one step. A timeout is transient; callers may retry.
func (e *Executor) RunCommand(ctx context.Context, cmdLine string, opts CommandOptions) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.consumeStep(); err != nil {
		return nil, err
	}
	if e.preview != nil || e.dryRun() {
		op := guard.PlannedOp{Kind: guard.OpShell, Command: cmdLine}
		if e.preview != nil {
			e.preview.Collect(op)
		} else {
			e.guardrails.RenderDryRun([]guard.PlannedOp{op}, e.stream)
		}
		return &CommandResult{Command: cmdLine}, nil
	}

	cwd := e.root
	if opts.Cwd != "" {
		resolved, err := resolvePath(e.root, opts.Cwd)
		if err != nil {
			return nil, err
		}
		cwd = resolved
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "bash", "-c", cmdLine)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &CommandResult{
		Command: cmdLine,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, fmt.Errorf("command timed out after %s: %s", timeout, cmdLine)
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("run command: %w", runErr)
	}
	return result, nil
}

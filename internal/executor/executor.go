// executor.go implements shell command execution with process group management.
// Each command runs in its own process group so that a runtime limit, when configured,
// kills the whole tree instead of leaving orphaned children behind.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// Executor runs shell commands with optional runtime limit and output capture.
type Executor struct {
	// Shell is the shell to use for command execution. Default: /bin/sh
	Shell string

	// Timeout bounds every command. Zero means commands run to completion.
	Timeout time.Duration
}

// New creates a new Executor. A timeout <= 0 disables the runtime limit.
func New(timeout time.Duration) *Executor {
	if timeout < 0 {
		timeout = 0
	}
	return &Executor{
		Shell:   "/bin/sh",
		Timeout: timeout,
	}
}

// Execute runs command and captures combined stdout and stderr.
// A non-zero exit is reported in the Result, not as an error. An error is returned
// only when the process could not be started or waited for.
func (e *Executor) Execute(ctx context.Context, command string) (*Result, error) {
	var out bytes.Buffer
	result, err := e.run(ctx, command, &out)
	if result != nil {
		result.Output = out.String()
	}
	return result, err
}

// ExecuteDetached runs command without capturing its output.
func (e *Executor) ExecuteDetached(ctx context.Context, command string) (*Result, error) {
	return e.run(ctx, command, nil)
}

// Run implements the attached runner contract: real exit code and captured output.
func (e *Executor) Run(ctx context.Context, command string) (int, string, error) {
	result, err := e.Execute(ctx, command)
	if err != nil {
		output := ""
		if result != nil {
			output = result.Output
		}
		return -1, output, err
	}
	return result.ExitCode, result.Output, nil
}

// RunDetached implements the detached runner contract: the exit code only.
func (e *Executor) RunDetached(ctx context.Context, command string) (int, error) {
	result, err := e.ExecuteDetached(ctx, command)
	if err != nil {
		return -1, err
	}
	return result.ExitCode, nil
}

func (e *Executor) run(ctx context.Context, command string, out io.Writer) (*Result, error) {
	execCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(execCtx, shell, "-c", command)

	// New process group so a kill reaches every child
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// nil writers send output to /dev/null
	cmd.Stdout = out
	cmd.Stderr = out

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Kill entire process group (negative PID)
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// WaitDelay ensures orphaned processes holding the pipes don't block Wait()
	cmd.WaitDelay = 5 * time.Second

	result := &Result{
		StartedAt: time.Now(),
	}

	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.ExitCode = -1
			result.TimedOut = true
			return result, nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}

		result.ExitCode = -1
		return result, fmt.Errorf("execution failed: %w", err)
	}

	result.ExitCode = 0
	return result, nil
}

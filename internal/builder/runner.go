package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Runner executes one toolchain command inside a project directory.
type Runner interface {
	Run(ctx context.Context, dir string, argv []string) (CommandResult, error)
}

// CommandResult carries the captured streams of a finished command.
type CommandResult struct {
	Stdout string
	Stderr string
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s failed with exit code %d", e.Command, e.ExitCode)
}

// HostRunner runs commands directly on the host with os/exec.
type HostRunner struct {
	Env []string
	Log *slog.Logger
}

// Run starts argv in dir and waits for it to exit.
func (r HostRunner) Run(ctx context.Context, dir string, argv []string) (CommandResult, error) {
	if len(argv) == 0 {
		return CommandResult{}, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if r.Log != nil && (stdout.Len() > 0 || stderr.Len() > 0) {
		r.Log.Debug("command output", "command", strings.Join(argv, " "), "stdout", res.Stdout, "stderr", res.Stderr)
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &CommandError{Command: strings.Join(argv, " "), ExitCode: exitErr.ExitCode(), Stderr: res.Stderr}
		}
		return res, fmt.Errorf("command %s failed: %w", strings.Join(argv, " "), err)
	}
	return res, nil
}

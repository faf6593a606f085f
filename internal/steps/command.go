package steps

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	// Run executes name with args in dir and returns combined output. A
	// non-zero exit is reported through exitCode, not err.
	Run(ctx context.Context, dir, name string, args ...string) (output string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return out.String(), exitErr.ExitCode(), nil
		}
		return out.String(), -1, fmt.Errorf("exec %s: %w", name, err)
	}
	return out.String(), 0, nil
}

// tail returns at most the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

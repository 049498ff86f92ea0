package git

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Runner executes a git command in dir and returns its stdout. Implementations
// other than ExecRunner exist only in tests.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner invokes the git CLI via os/exec.
type ExecRunner struct{}

// Run executes git with the given arguments and returns stdout. On a non-zero
// exit the trimmed stderr is folded into the returned error.
func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// RunRequired executes a load-bearing git call through the pool and propagates
// failure to the caller.
func RunRequired(ctx context.Context, pool *Pool, r Runner, dir string, args ...string) (string, error) {
	var out string
	err := pool.Run(ctx, func() error {
		var runErr error
		out, runErr = r.Run(ctx, dir, args...)
		return runErr
	})
	return out, err
}

// RunAdvisory executes an advisory git call (prune, stale cleanup, branch
// delete) through the pool. Failures are logged and swallowed; the returned
// stdout is empty when the call failed.
func RunAdvisory(ctx context.Context, pool *Pool, r Runner, dir string, args ...string) string {
	out, err := RunRequired(ctx, pool, r, dir, args...)
	if err != nil {
		slog.Debug("advisory git call failed", "args", args, "error", err)
		return ""
	}
	return out
}

package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// TmuxRunner executes tmux commands. Implementations other than ExecTmux
// exist only in tests.
type TmuxRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
	// Available reports whether the host can run managed panes at all.
	Available() bool
}

// ExecTmux invokes the tmux CLI via os/exec.
type ExecTmux struct{}

// Run executes tmux with the given arguments and returns stdout.
func (ExecTmux) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tmux %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// Available reports whether tmux exists on a POSIX-signal platform.
func (ExecTmux) Available() bool {
	if runtime.GOOS == "windows" {
		return false
	}
	_, err := exec.LookPath("tmux")
	return err == nil
}

// ensureSession creates the shared session with the configured geometry if it
// does not exist yet.
func (m *Manager) ensureSession(ctx context.Context) error {
	if _, err := m.tmux.Run(ctx, "has-session", "-t", m.cfg.Session); err == nil {
		return nil
	}
	_, err := m.tmux.Run(ctx, "new-session", "-d", "-s", m.cfg.Session,
		"-x", strconv.Itoa(m.cfg.PaneCols), "-y", strconv.Itoa(m.cfg.PaneRows))
	if err != nil {
		return fmt.Errorf("create session %s: %w", m.cfg.Session, err)
	}
	slog.Info("tmux session created", "session", m.cfg.Session, "cols", m.cfg.PaneCols, "rows", m.cfg.PaneRows)
	return nil
}

// createPane splits a new pane in the shared session rooted at dir and
// returns its pane id. Layout rebalancing is advisory.
func (m *Manager) createPane(ctx context.Context, dir string) (string, error) {
	args := []string{"split-window", "-d", "-t", m.cfg.Session, "-P", "-F", "#{pane_id}"}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	out, err := m.tmux.Run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("split pane: %w", err)
	}
	if _, err := m.tmux.Run(ctx, "select-layout", "-t", m.cfg.Session, "tiled"); err != nil {
		slog.Debug("pane layout rebalance failed", "error", err)
	}
	return strings.TrimSpace(out), nil
}

// panePID resolves the OS pid of a pane's foreground process.
func (m *Manager) panePID(ctx context.Context, paneID string) (int, error) {
	out, err := m.tmux.Run(ctx, "list-panes", "-t", m.cfg.Session, "-F", "#{pane_id} #{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("list panes: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == paneID {
			pid, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, fmt.Errorf("parse pane pid %q: %w", fields[1], err)
			}
			return pid, nil
		}
	}
	return 0, fmt.Errorf("pane %s not found in session %s", paneID, m.cfg.Session)
}

// paneResponsive probes the pane with a capture request.
func (m *Manager) paneResponsive(ctx context.Context, paneID string) bool {
	_, err := m.tmux.Run(ctx, "capture-pane", "-t", paneID, "-p")
	return err == nil
}

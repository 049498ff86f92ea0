// Package worktree implements per-agent workspace isolation on top of git
// worktrees. Each agent gets its own branch-scoped working copy of the shared
// repository so concurrent agents never corrupt each other's uncommitted edits.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentmux/agentmux/internal/domain"
	wt "github.com/agentmux/agentmux/internal/domain/worktree"
	"github.com/agentmux/agentmux/internal/git"
	"github.com/agentmux/agentmux/internal/sched"
)

// Config holds workspace isolation settings.
type Config struct {
	RepoPath          string              `yaml:"repo_path"`           // main working copy of the shared repo
	BasePath          string              `yaml:"base_path"`           // directory worktrees are created under
	BaseBranch        string              `yaml:"base_branch"`         // preferred base; falls back to main/master/HEAD
	BranchStrategy    wt.BranchStrategy   `yaml:"branch_strategy"`     // per-agent | per-task
	ConflictStrategy  wt.ConflictStrategy `yaml:"conflict_strategy"`   // abort | stash | theirs | ours
	CleanupOnShutdown bool                `yaml:"cleanup_on_shutdown"` // remove all worktrees on shutdown
}

// Defaults returns isolation settings suitable for local development.
func Defaults() Config {
	return Config{
		BasePath:         ".agentmux/worktrees",
		BranchStrategy:   wt.BranchPerAgent,
		ConflictStrategy: wt.ConflictAbort,
	}
}

// Manager provisions, merges and tears down per-agent working copies. It is
// the only component that mutates the shared repository, and always on the
// base branch in the main working copy, never inside an agent's worktree.
// Merge calls must be serialized by the caller.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	pool   *git.Pool
	runner git.Runner
	clock  sched.Clock
	trees  map[int]*wt.Info
}

// NewManager creates a Manager. A nil runner uses the git CLI; a nil clock
// uses the system clock.
func NewManager(cfg Config, pool *git.Pool, runner git.Runner, clock sched.Clock) *Manager {
	if runner == nil {
		runner = git.ExecRunner{}
	}
	if clock == nil {
		clock = sched.SystemClock()
	}
	if cfg.BranchStrategy == "" {
		cfg.BranchStrategy = wt.BranchPerAgent
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = wt.ConflictAbort
	}
	if cfg.BasePath == "" {
		cfg.BasePath = filepath.Join(cfg.RepoPath, ".agentmux", "worktrees")
	}
	return &Manager{
		cfg:    cfg,
		pool:   pool,
		runner: runner,
		clock:  clock,
		trees:  make(map[int]*wt.Info),
	}
}

func (m *Manager) required(ctx context.Context, dir string, args ...string) (string, error) {
	return git.RunRequired(ctx, m.pool, m.runner, dir, args...)
}

func (m *Manager) advisory(ctx context.Context, dir string, args ...string) string {
	return git.RunAdvisory(ctx, m.pool, m.runner, dir, args...)
}

// Provision creates an isolated working copy for the agent, or returns the
// existing one unchanged when a live worktree is already present (idempotent).
// taskID feeds the branch name under the per-task strategy; it is ignored
// otherwise.
func (m *Manager) Provision(ctx context.Context, agentID int, taskID string) (*wt.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.cfg.BasePath, fmt.Sprintf("agent-%d", agentID))
	if info, ok := m.trees[agentID]; ok && info.Status == wt.StatusActive {
		if _, err := os.Stat(info.Path); err == nil {
			cp := *info
			return &cp, nil
		}
	}

	base, err := m.detectBaseBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("provision agent %d: %w", agentID, err)
	}

	ts := m.clock.Now().Unix()
	var branch string
	switch m.cfg.BranchStrategy {
	case wt.BranchPerTask:
		suffix := taskID
		if suffix == "" {
			suffix = fmt.Sprintf("%d", ts)
		}
		branch = fmt.Sprintf("agent-%d/task-%s", agentID, suffix)
	default:
		branch = fmt.Sprintf("agent-%d/work-%d", agentID, ts)
	}

	// Clear any stale directory or registration before recreating.
	if _, err := os.Stat(path); err == nil {
		m.advisory(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", path)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("provision agent %d: remove stale dir: %w", agentID, err)
		}
	}
	m.advisory(ctx, m.cfg.RepoPath, "worktree", "prune")
	m.advisory(ctx, m.cfg.RepoPath, "branch", "-D", branch)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("provision agent %d: %w", agentID, err)
	}
	if _, err := m.required(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, path, base); err != nil {
		return nil, fmt.Errorf("provision agent %d: worktree add: %w", agentID, err)
	}

	info := &wt.Info{
		AgentID:    agentID,
		Path:       path,
		Branch:     branch,
		BaseBranch: base,
		Status:     wt.StatusActive,
		CreatedAt:  m.clock.Now(),
	}
	m.trees[agentID] = info
	slog.Info("worktree provisioned", "agent_id", agentID, "path", path, "branch", branch, "base", base)

	cp := *info
	return &cp, nil
}

// Merge brings the agent's branch into the base branch of the shared
// repository. A conflict is an expected outcome, reported in the result
// rather than as an error.
func (m *Manager) Merge(ctx context.Context, agentID int) (*wt.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.trees[agentID]
	if !ok {
		return nil, fmt.Errorf("merge agent %d: %w", agentID, domain.ErrNotFound)
	}

	dirty, err := m.changedFiles(ctx, info.Path)
	if err != nil {
		return nil, fmt.Errorf("merge agent %d: status: %w", agentID, err)
	}
	if len(dirty) > 0 {
		if m.cfg.ConflictStrategy == wt.ConflictStash {
			if _, err := m.required(ctx, info.Path, "stash", "--include-untracked"); err != nil {
				return nil, fmt.Errorf("merge agent %d: stash: %w", agentID, err)
			}
		} else {
			return &wt.MergeResult{
				Success:   false,
				Conflicts: dirty,
				Message:   "worktree has uncommitted changes",
			}, nil
		}
	}

	// Nothing committed beyond the base: nothing to merge.
	ahead, err := m.required(ctx, info.Path, "log", info.BaseBranch+".."+info.Branch, "--oneline")
	if err != nil {
		return nil, fmt.Errorf("merge agent %d: log: %w", agentID, err)
	}
	if strings.TrimSpace(ahead) == "" {
		info.Status = wt.StatusMerged
		return &wt.MergeResult{Success: true, Message: "no changes to merge"}, nil
	}

	if _, err := m.required(ctx, m.cfg.RepoPath, "checkout", info.BaseBranch); err != nil {
		return nil, fmt.Errorf("merge agent %d: checkout base: %w", agentID, err)
	}

	_, mergeErr := m.required(ctx, m.cfg.RepoPath, "merge", "--no-ff", info.Branch,
		"-m", fmt.Sprintf("merge agent-%d work from %s", agentID, info.Branch))
	if mergeErr == nil {
		commit := strings.TrimSpace(m.advisory(ctx, m.cfg.RepoPath, "rev-parse", "HEAD"))
		info.Status = wt.StatusMerged
		slog.Info("worktree merged", "agent_id", agentID, "branch", info.Branch, "commit", commit)
		return &wt.MergeResult{Success: true, Commit: commit}, nil
	}

	conflicts := splitLines(m.advisory(ctx, m.cfg.RepoPath, "diff", "--name-only", "--diff-filter=U"))

	switch m.cfg.ConflictStrategy {
	case wt.ConflictTheirs, wt.ConflictOurs:
		// "theirs" during this merge is the agent's branch, "ours" the base.
		side := "--theirs"
		if m.cfg.ConflictStrategy == wt.ConflictOurs {
			side = "--ours"
		}
		if _, err := m.required(ctx, m.cfg.RepoPath, "checkout", side, "."); err != nil {
			m.advisory(ctx, m.cfg.RepoPath, "merge", "--abort")
			info.Status = wt.StatusConflict
			return nil, fmt.Errorf("merge agent %d: auto-resolve: %w", agentID, err)
		}
		if _, err := m.required(ctx, m.cfg.RepoPath, "add", "-A"); err != nil {
			return nil, fmt.Errorf("merge agent %d: stage resolution: %w", agentID, err)
		}
		if _, err := m.required(ctx, m.cfg.RepoPath, "commit", "--no-edit"); err != nil {
			return nil, fmt.Errorf("merge agent %d: commit resolution: %w", agentID, err)
		}
		commit := strings.TrimSpace(m.advisory(ctx, m.cfg.RepoPath, "rev-parse", "HEAD"))
		info.Status = wt.StatusMerged
		slog.Info("worktree merged with auto-resolution", "agent_id", agentID, "strategy", m.cfg.ConflictStrategy, "conflicts", len(conflicts))
		return &wt.MergeResult{Success: true, Commit: commit, Conflicts: conflicts}, nil

	default: // abort
		m.advisory(ctx, m.cfg.RepoPath, "merge", "--abort")
		info.Status = wt.StatusConflict
		slog.Warn("worktree merge conflict", "agent_id", agentID, "branch", info.Branch, "files", conflicts)
		return &wt.MergeResult{
			Success:   false,
			Conflicts: conflicts,
			Message:   fmt.Sprintf("merge of %s conflicts with %s", info.Branch, info.BaseBranch),
		}, nil
	}
}

// Cleanup force-removes the agent's working copy. The branch is deleted only
// when its work was merged; an unmerged branch is preserved so the work is
// not silently lost. Calling Cleanup for an unknown agent is a no-op.
func (m *Manager) Cleanup(ctx context.Context, agentID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(ctx, agentID)
}

func (m *Manager) cleanupLocked(ctx context.Context, agentID int) error {
	info, ok := m.trees[agentID]
	if !ok {
		return nil
	}

	m.advisory(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", info.Path)
	if err := os.RemoveAll(info.Path); err != nil {
		slog.Warn("worktree dir removal failed", "agent_id", agentID, "path", info.Path, "error", err)
	}
	if info.Status == wt.StatusMerged {
		m.advisory(ctx, m.cfg.RepoPath, "branch", "-d", info.Branch)
	}
	m.advisory(ctx, m.cfg.RepoPath, "worktree", "prune")

	info.Status = wt.StatusCleaned
	delete(m.trees, agentID)
	slog.Info("worktree cleaned", "agent_id", agentID, "path", info.Path)
	return nil
}

// SyncWithBase brings the agent's workspace up to date with its base branch
// by rebase or merge. Failures degrade to false; the workspace is left as it
// was (in-progress rebases and merges are aborted).
func (m *Manager) SyncWithBase(ctx context.Context, agentID int, strategy wt.SyncStrategy) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.trees[agentID]
	if !ok {
		return false
	}

	m.advisory(ctx, info.Path, "fetch", "origin", info.BaseBranch)

	switch strategy {
	case wt.SyncMerge:
		if _, err := m.required(ctx, info.Path, "merge", info.BaseBranch); err != nil {
			m.advisory(ctx, info.Path, "merge", "--abort")
			slog.Warn("worktree sync merge failed", "agent_id", agentID, "error", err)
			return false
		}
	default:
		if _, err := m.required(ctx, info.Path, "rebase", info.BaseBranch); err != nil {
			m.advisory(ctx, info.Path, "rebase", "--abort")
			slog.Warn("worktree sync rebase failed", "agent_id", agentID, "error", err)
			return false
		}
	}
	return true
}

// Status reports whether the agent's workspace is clean and which paths
// changed if not.
func (m *Manager) Status(ctx context.Context, agentID int) (*wt.TreeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.trees[agentID]
	if !ok {
		return nil, fmt.Errorf("worktree status agent %d: %w", agentID, domain.ErrNotFound)
	}

	changed, err := m.changedFiles(ctx, info.Path)
	if err != nil {
		return nil, fmt.Errorf("worktree status agent %d: %w", agentID, err)
	}
	return &wt.TreeStatus{Clean: len(changed) == 0, Changed: changed}, nil
}

// GitWorktree is one entry of git's own worktree registry.
type GitWorktree struct {
	Path   string `json:"path"`
	Head   string `json:"head,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// ListGitWorktrees enumerates git's ground truth via `worktree list
// --porcelain`. This can diverge from All() when external tooling touches
// worktrees directly; no reconciliation is attempted.
func (m *Manager) ListGitWorktrees(ctx context.Context) ([]GitWorktree, error) {
	out, err := m.required(ctx, m.cfg.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list git worktrees: %w", err)
	}

	var list []GitWorktree
	var cur *GitWorktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				list = append(list, *cur)
			}
			cur = &GitWorktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD ") && cur != nil:
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur != nil {
		list = append(list, *cur)
	}
	return list, nil
}

// All returns the manager's own bookkeeping of live worktrees.
func (m *Manager) All() []wt.Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]wt.Info, 0, len(m.trees))
	for _, info := range m.trees {
		out = append(out, *info)
	}
	return out
}

// Shutdown removes every tracked workspace when cleanup-on-shutdown is
// configured; otherwise workspaces stay on disk.
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.cfg.CleanupOnShutdown {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for agentID := range m.trees {
		_ = m.cleanupLocked(ctx, agentID)
	}
}

// detectBaseBranch resolves the merge target: the configured branch when it
// exists, else main, else master, else whatever HEAD currently points at.
func (m *Manager) detectBaseBranch(ctx context.Context) (string, error) {
	candidates := []string{m.cfg.BaseBranch, "main", "master"}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := m.required(ctx, m.cfg.RepoPath, "rev-parse", "--verify", "refs/heads/"+c); err == nil {
			return c, nil
		}
	}
	head, err := m.required(ctx, m.cfg.RepoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("detect base branch: %w", err)
	}
	return strings.TrimSpace(head), nil
}

// changedFiles must be called with m.mu held.
func (m *Manager) changedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := m.required(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

package worktree

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/domain"
	wt "github.com/agentmux/agentmux/internal/domain/worktree"
	"github.com/agentmux/agentmux/internal/sched"
)

// fakeGit implements git.Runner with scripted outputs keyed by command
// prefix. A "worktree add" creates the target directory so the manager's
// filesystem checks behave as they would against real git.
type fakeGit struct {
	mu    sync.Mutex
	calls []string
	out   map[string]string
	errOn map[string]error
}

func newFakeGit() *fakeGit {
	return &fakeGit{out: make(map[string]string), errOn: make(map[string]error)}
}

func (f *fakeGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	cmd := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	for prefix, err := range f.errOn {
		if strings.HasPrefix(cmd, prefix) {
			return "", err
		}
	}

	if len(args) >= 5 && args[0] == "worktree" && args[1] == "add" {
		if err := os.MkdirAll(args[4], 0o755); err != nil {
			return "", err
		}
	}

	for prefix, out := range f.out {
		if strings.HasPrefix(cmd, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeGit) countCalls(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, g *fakeGit, cfg Config) *Manager {
	t.Helper()
	cfg.RepoPath = t.TempDir()
	cfg.BasePath = t.TempDir()
	clock := sched.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewManager(cfg, nil, g, clock)
}

func TestProvisionCreatesWorktree(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{})

	info, err := m.Provision(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.AgentID != 1 {
		t.Fatalf("expected agent 1, got %d", info.AgentID)
	}
	if info.BaseBranch != "main" {
		t.Fatalf("expected base main, got %s", info.BaseBranch)
	}
	if !strings.HasPrefix(info.Branch, "agent-1/work-") {
		t.Fatalf("unexpected branch name %s", info.Branch)
	}
	if info.Status != wt.StatusActive {
		t.Fatalf("expected active, got %s", info.Status)
	}
	if g.countCalls("worktree add -b "+info.Branch) != 1 {
		t.Fatal("expected one worktree add")
	}
	if _, err := os.Stat(info.Path); err != nil {
		t.Fatalf("expected worktree dir on disk: %v", err)
	}
}

func TestProvisionIdempotent(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	first, err := m.Provision(ctx, 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := m.Provision(ctx, 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.Branch != first.Branch || second.Path != first.Path {
		t.Fatalf("expected identical worktree, got %+v vs %+v", first, second)
	}
	if got := g.countCalls("worktree add"); got != 1 {
		t.Fatalf("expected a single worktree add, got %d", got)
	}
}

func TestProvisionPerTaskBranch(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{BranchStrategy: wt.BranchPerTask})

	info, err := m.Provision(context.Background(), 2, "T42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Branch != "agent-2/task-T42" {
		t.Fatalf("unexpected branch %s", info.Branch)
	}
}

func TestProvisionBaseBranchFallback(t *testing.T) {
	g := newFakeGit()
	g.errOn["rev-parse --verify"] = errors.New("unknown revision")
	g.out["rev-parse --abbrev-ref HEAD"] = "develop\n"
	m := newTestManager(t, g, Config{BaseBranch: "release"})

	info, err := m.Provision(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.BaseBranch != "develop" {
		t.Fatalf("expected HEAD fallback develop, got %s", info.BaseBranch)
	}
}

func TestProvisionConfiguredBaseWins(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{BaseBranch: "release"})

	info, err := m.Provision(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.BaseBranch != "release" {
		t.Fatalf("expected release, got %s", info.BaseBranch)
	}
}

func TestMergeNothingToMerge(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Merge(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if g.countCalls("merge") != 0 {
		t.Fatal("expected no merge call when the branch has no commits")
	}
	if m.All()[0].Status != wt.StatusMerged {
		t.Fatal("expected worktree marked merged")
	}
}

func TestMergeSuccess(t *testing.T) {
	g := newFakeGit()
	g.out["log"] = "abc123 work\n"
	g.out["rev-parse HEAD"] = "deadbeef\n"
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	info, err := m.Provision(ctx, 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Merge(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Commit != "deadbeef" {
		t.Fatalf("expected merge commit, got %q", res.Commit)
	}
	if g.countCalls("checkout main") != 1 {
		t.Fatal("expected checkout of the base branch")
	}
	if g.countCalls("merge --no-ff "+info.Branch) != 1 {
		t.Fatal("expected a no-ff merge of the agent branch")
	}
}

func TestMergeDirtyWorktreeAborts(t *testing.T) {
	g := newFakeGit()
	g.out["status --porcelain"] = " M foo.go\n?? bar.go\n"
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Merge(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected refusal on dirty worktree")
	}
	if len(res.Conflicts) != 2 || res.Conflicts[0] != "foo.go" {
		t.Fatalf("expected dirty files listed, got %v", res.Conflicts)
	}
}

func TestMergeDirtyWorktreeStashes(t *testing.T) {
	g := newFakeGit()
	g.out["status --porcelain"] = " M foo.go\n"
	m := newTestManager(t, g, Config{ConflictStrategy: wt.ConflictStash})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Merge(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success after stash, got %+v", res)
	}
	if g.countCalls("stash --include-untracked") != 1 {
		t.Fatal("expected a stash before merging")
	}
}

func TestMergeConflictAbort(t *testing.T) {
	g := newFakeGit()
	g.out["log"] = "abc123 work\n"
	g.errOn["merge --no-ff"] = errors.New("CONFLICT (content)")
	g.out["diff --name-only --diff-filter=U"] = "a.go\nb.go\n"
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Merge(ctx, 1)
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failed merge")
	}
	if len(res.Conflicts) != 2 {
		t.Fatalf("expected conflict files, got %v", res.Conflicts)
	}
	if g.countCalls("merge --abort") != 1 {
		t.Fatal("expected the merge aborted")
	}
	if m.All()[0].Status != wt.StatusConflict {
		t.Fatal("expected worktree marked conflicted")
	}
}

func TestMergeConflictAutoResolveTheirs(t *testing.T) {
	g := newFakeGit()
	g.out["log"] = "abc123 work\n"
	g.errOn["merge --no-ff"] = errors.New("CONFLICT (content)")
	g.out["diff --name-only --diff-filter=U"] = "a.go\n"
	g.out["rev-parse HEAD"] = "cafe01\n"
	m := newTestManager(t, g, Config{ConflictStrategy: wt.ConflictTheirs})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Merge(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Commit != "cafe01" {
		t.Fatalf("expected auto-resolved merge, got %+v", res)
	}
	if g.countCalls("checkout --theirs .") != 1 {
		t.Fatal("expected checkout --theirs")
	}
	if g.countCalls("commit --no-edit") != 1 {
		t.Fatal("expected resolution commit")
	}
}

func TestMergeUnknownAgent(t *testing.T) {
	m := newTestManager(t, newFakeGit(), Config{})
	if _, err := m.Merge(context.Background(), 9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanupKeepsUnmergedBranch(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	info, err := m.Provision(ctx, 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Cleanup(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.countCalls("branch -d "+info.Branch) != 0 {
		t.Fatal("unmerged branch must be preserved")
	}
	if g.countCalls("worktree remove --force") != 1 {
		t.Fatal("expected worktree removed")
	}
	if len(m.All()) != 0 {
		t.Fatal("expected tracking entry removed")
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Fatal("expected worktree dir removed from disk")
	}
}

func TestCleanupDeletesMergedBranch(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	info, err := m.Provision(ctx, 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Merge(ctx, 1); err != nil { // no commits: fast-path merged
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Cleanup(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.countCalls("branch -d "+info.Branch) != 1 {
		t.Fatal("expected merged branch deleted")
	}
}

func TestCleanupUnknownAgentIsNoop(t *testing.T) {
	m := newTestManager(t, newFakeGit(), Config{})
	if err := m.Cleanup(context.Background(), 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSyncWithBase(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !m.SyncWithBase(ctx, 1, wt.SyncRebase) {
		t.Fatal("expected rebase sync to succeed")
	}
	if g.countCalls("rebase main") != 1 {
		t.Fatal("expected rebase onto base")
	}

	g.errOn["merge main"] = errors.New("conflict")
	if m.SyncWithBase(ctx, 1, wt.SyncMerge) {
		t.Fatal("expected merge sync to fail")
	}
	if g.countCalls("merge --abort") != 1 {
		t.Fatal("expected in-progress merge aborted")
	}

	if m.SyncWithBase(ctx, 9, wt.SyncRebase) {
		t.Fatal("expected false for unknown agent")
	}
}

func TestStatusReportsDirtyFiles(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, err := m.Status(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Clean {
		t.Fatal("expected clean worktree")
	}

	g.out["status --porcelain"] = " M foo.go\n"
	st, err = m.Status(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Clean || len(st.Changed) != 1 || st.Changed[0] != "foo.go" {
		t.Fatalf("expected foo.go dirty, got %+v", st)
	}
}

func TestListGitWorktrees(t *testing.T) {
	g := newFakeGit()
	g.out["worktree list --porcelain"] = `worktree /repo
HEAD abc123
branch refs/heads/main

worktree /repo/.agentmux/worktrees/agent-1
HEAD def456
branch refs/heads/agent-1/work-100
`
	m := newTestManager(t, g, Config{})

	list, err := m.ListGitWorktrees(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 worktrees, got %d", len(list))
	}
	if list[0].Branch != "main" || list[1].Branch != "agent-1/work-100" {
		t.Fatalf("unexpected branches: %+v", list)
	}
	if list[1].Head != "def456" {
		t.Fatalf("unexpected head: %+v", list[1])
	}
}

func TestShutdownCleansWhenConfigured(t *testing.T) {
	g := newFakeGit()
	m := newTestManager(t, g, Config{CleanupOnShutdown: true})
	ctx := context.Background()

	if _, err := m.Provision(ctx, 1, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Shutdown(ctx)
	if len(m.All()) != 0 {
		t.Fatal("expected all worktrees cleaned on shutdown")
	}

	// Without the flag, workspaces survive shutdown.
	m2 := newTestManager(t, g, Config{})
	if _, err := m2.Provision(ctx, 2, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m2.Shutdown(ctx)
	if len(m2.All()) != 1 {
		t.Fatal("expected worktrees preserved without cleanup flag")
	}
}
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/domain"
	"github.com/agentmux/agentmux/internal/domain/proc"
	"github.com/agentmux/agentmux/internal/sched"
)

// fakeTmux implements TmuxRunner against in-memory session state.
type fakeTmux struct {
	mu        sync.Mutex
	avail     bool
	sessionUp bool
	paneSeq   int
	panePID   int
	calls     [][]string
	failOn    map[string]error
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{avail: true, panePID: 999999999, failOn: make(map[string]error)}
}

func (f *fakeTmux) Available() bool { return f.avail }

func (f *fakeTmux) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)

	if err, ok := f.failOn[args[0]]; ok {
		return "", err
	}

	switch args[0] {
	case "has-session":
		if !f.sessionUp {
			return "", errors.New("no such session")
		}
	case "new-session":
		f.sessionUp = true
	case "kill-session":
		f.sessionUp = false
	case "split-window":
		f.paneSeq++
		return fmt.Sprintf("%%%d\n", f.paneSeq), nil
	case "list-panes":
		var b strings.Builder
		for i := 1; i <= f.paneSeq; i++ {
			fmt.Fprintf(&b, "%%%d %d\n", i, f.panePID)
		}
		return b.String(), nil
	}
	return "", nil
}

func (f *fakeTmux) called(cmd string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c[0] == cmd {
			return c
		}
	}
	return nil
}

func newTestManager(tmux *fakeTmux, cfg Config) (*Manager, *sched.FakeClock) {
	clock := sched.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	timers := sched.New(clock)
	return NewManager(cfg, tmux, nil, timers, clock), clock
}

func recvEvent(t *testing.T, ch <-chan proc.Event) proc.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return proc.Event{}
	}
}

func TestSpawnCreatesSessionAndPane(t *testing.T) {
	tmux := newFakeTmux()
	m, clock := newTestManager(tmux, Config{SettleDelay: 2 * time.Second})

	h, tree, err := m.Spawn(context.Background(), 1, SpawnConfig{Role: "coder", Model: "sonnet"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tree != nil {
		t.Fatal("expected no worktree without isolation")
	}
	if h.PaneID != "%1" {
		t.Fatalf("expected pane %%1, got %s", h.PaneID)
	}
	if h.PID != tmux.panePID {
		t.Fatalf("expected pid %d, got %d", tmux.panePID, h.PID)
	}
	if h.Status != proc.StatusStarting {
		t.Fatalf("expected starting, got %s", h.Status)
	}

	if tmux.called("new-session") == nil {
		t.Fatal("expected session creation")
	}
	send := tmux.called("send-keys")
	if send == nil {
		t.Fatal("expected worker launch via send-keys")
	}
	launched := strings.Join(send, " ")
	for _, want := range []string{"AGENTMUX_AGENT_ID=1", "AGENTMUX_ROLE=coder", "AGENTMUX_MODEL=sonnet"} {
		if !strings.Contains(launched, want) {
			t.Fatalf("launch command missing %q: %s", want, launched)
		}
	}

	// The handle settles to idle after the settle delay.
	clock.Advance(2 * time.Second)
	m.timers.RunDue()
	got, ok := m.GetHandle(1)
	if !ok || got.Status != proc.StatusIdle {
		t.Fatalf("expected idle after settle, got %+v", got)
	}
}

func TestSpawnRejectsDuplicate(t *testing.T) {
	m, _ := newTestManager(newFakeTmux(), Config{})

	if _, _, err := m.Spawn(context.Background(), 1, SpawnConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := m.Spawn(context.Background(), 1, SpawnConfig{}); err == nil {
		t.Fatal("expected error spawning a running agent")
	}
}

func TestSpawnUnsupportedHost(t *testing.T) {
	tmux := newFakeTmux()
	tmux.avail = false
	m, _ := newTestManager(tmux, Config{})

	if _, _, err := m.Spawn(context.Background(), 1, SpawnConfig{}); !errors.Is(err, domain.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSpawnPaneFailure(t *testing.T) {
	tmux := newFakeTmux()
	tmux.failOn["split-window"] = errors.New("no space for new pane")
	m, _ := newTestManager(tmux, Config{})

	if _, _, err := m.Spawn(context.Background(), 1, SpawnConfig{}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if _, ok := m.GetHandle(1); ok {
		t.Fatal("failed spawn must not leave a handle")
	}
}

func TestKillRemovesHandle(t *testing.T) {
	tmux := newFakeTmux()
	m, _ := newTestManager(tmux, Config{})
	ctx := context.Background()

	if _, _, err := m.Spawn(ctx, 1, SpawnConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Kill(ctx, 1, syscall.SIGTERM); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.GetHandle(1); ok {
		t.Fatal("expected handle removed after kill")
	}
	if tmux.called("kill-pane") == nil {
		t.Fatal("expected pane destroyed")
	}

	if err := m.Kill(ctx, 1, syscall.SIGTERM); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHealthCheckAliveProcess(t *testing.T) {
	tmux := newFakeTmux()
	tmux.panePID = os.Getpid() // the test process itself is a live pid
	m, _ := newTestManager(tmux, Config{})
	ctx := context.Background()

	if _, _, err := m.Spawn(ctx, 1, SpawnConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	health, err := m.HealthCheck(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !health.Alive {
		t.Fatal("expected live process to report alive")
	}
	if !health.PaneResponsive {
		t.Fatal("expected responsive pane")
	}
}

func TestHealthCheckDetectsCrashAndRestarts(t *testing.T) {
	tmux := newFakeTmux() // bogus pid, never alive
	m, clock := newTestManager(tmux, Config{RestartDelay: 3 * time.Second, SettleDelay: time.Hour, AutoRestart: true})
	ctx := context.Background()

	if _, _, err := m.Spawn(ctx, 1, SpawnConfig{Role: "coder"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	health, err := m.HealthCheck(ctx, 1)
	if err != nil {
		t.Fatalf("health check must not raise a crash: %v", err)
	}
	if health.Alive {
		t.Fatal("expected dead process")
	}

	h, ok := m.GetHandle(1)
	if !ok || h.Status != proc.StatusCrashed {
		t.Fatalf("expected crashed handle, got %+v", h)
	}

	// Auto-restart: the restart fires after the delay, the respawn after
	// one more.
	clock.Advance(3 * time.Second)
	m.timers.RunDue()
	clock.Advance(3 * time.Second)
	m.timers.RunDue()

	h, ok = m.GetHandle(1)
	if !ok {
		t.Fatal("expected agent respawned")
	}
	if h.Status != proc.StatusStarting {
		t.Fatalf("expected starting after respawn, got %s", h.Status)
	}
}

func TestHealthCheckNoAutoRestart(t *testing.T) {
	tmux := newFakeTmux()
	m, clock := newTestManager(tmux, Config{RestartDelay: 3 * time.Second, SettleDelay: time.Hour, AutoRestart: false})
	ctx := context.Background()

	if _, _, err := m.Spawn(ctx, 1, SpawnConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.HealthCheck(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clock.Advance(time.Minute)
	if ran := m.timers.RunDue(); ran != 0 {
		t.Fatalf("expected no restart scheduled, ran %d timers", ran)
	}
}

func TestRestartRespawnsWithSameConfig(t *testing.T) {
	tmux := newFakeTmux()
	m, clock := newTestManager(tmux, Config{RestartDelay: time.Second})
	ctx := context.Background()

	if _, _, err := m.Spawn(ctx, 1, SpawnConfig{Role: "tester", Model: "haiku"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Restart(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.GetHandle(1); ok {
		t.Fatal("expected handle gone during restart window")
	}

	clock.Advance(time.Second)
	m.timers.RunDue()

	h, ok := m.GetHandle(1)
	if !ok {
		t.Fatal("expected respawned handle")
	}
	if h.PaneID != "%2" {
		t.Fatalf("expected a fresh pane, got %s", h.PaneID)
	}

	// The respawn reused the original role/model.
	var relaunch string
	for _, c := range tmux.calls {
		if c[0] == "send-keys" {
			relaunch = strings.Join(c, " ")
		}
	}
	if !strings.Contains(relaunch, "AGENTMUX_ROLE=tester") {
		t.Fatalf("respawn lost spawn config: %s", relaunch)
	}
}

func TestRestartUnknownAgent(t *testing.T) {
	m, _ := newTestManager(newFakeTmux(), Config{})
	if err := m.Restart(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWatchReceivesLifecycleEvents(t *testing.T) {
	m, _ := newTestManager(newFakeTmux(), Config{})
	ctx := context.Background()

	events, cancel := m.Watch()
	defer cancel()

	if _, _, err := m.Spawn(ctx, 1, SpawnConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	evt := recvEvent(t, events)
	if evt.Type != proc.EventSpawn || evt.AgentID != 1 {
		t.Fatalf("expected spawn event for agent 1, got %+v", evt)
	}

	if err := m.Kill(ctx, 1, syscall.SIGTERM); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	evt = recvEvent(t, events)
	if evt.Type != proc.EventKill {
		t.Fatalf("expected kill event, got %+v", evt)
	}
}

func TestWatchCancelStopsDelivery(t *testing.T) {
	m, _ := newTestManager(newFakeTmux(), Config{})

	events, cancel := m.Watch()
	cancel()

	if _, _, err := m.Spawn(context.Background(), 1, SpawnConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A buffered event from before the cancel may still arrive, but the
	// channel must close.
	for range events {
	}
}

func TestShutdownKillsEverything(t *testing.T) {
	tmux := newFakeTmux()
	m, _ := newTestManager(tmux, Config{Session: "mux-test"})
	ctx := context.Background()

	for id := 1; id <= 3; id++ {
		if _, _, err := m.Spawn(ctx, id, SpawnConfig{}); err != nil {
			t.Fatalf("spawn %d: %v", id, err)
		}
	}

	events, _ := m.Watch()
	go func() {
		for range events {
		}
	}()

	m.Shutdown(ctx)

	if got := len(m.AllHandles()); got != 0 {
		t.Fatalf("expected no handles after shutdown, got %d", got)
	}
	if tmux.called("kill-session") == nil {
		t.Fatal("expected session torn down")
	}
}

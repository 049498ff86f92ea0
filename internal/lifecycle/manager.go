// Package lifecycle manages worker processes inside a shared tmux session:
// spawning panes, health polling, crash detection and restarts.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/agentmux/agentmux/internal/domain"
	"github.com/agentmux/agentmux/internal/domain/proc"
	wt "github.com/agentmux/agentmux/internal/domain/worktree"
	"github.com/agentmux/agentmux/internal/sched"
	"github.com/agentmux/agentmux/internal/worktree"
)

// Config holds process lifecycle settings.
type Config struct {
	Session             string        `yaml:"session"`
	Shell               string        `yaml:"shell"`
	WorkerCommand       string        `yaml:"worker_command"`
	PaneCols            int           `yaml:"pane_cols"`
	PaneRows            int           `yaml:"pane_rows"`
	SettleDelay         time.Duration `yaml:"settle_delay"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	AutoRestart         bool          `yaml:"auto_restart"`
}

// Defaults returns lifecycle settings suitable for local development.
func Defaults() Config {
	return Config{
		Session:             "agentmux",
		Shell:               "bash",
		WorkerCommand:       "agentmux-worker",
		PaneCols:            220,
		PaneRows:            50,
		SettleDelay:         2 * time.Second,
		RestartDelay:        3 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		AutoRestart:         true,
	}
}

// SpawnConfig describes one worker process to launch.
type SpawnConfig struct {
	Role        string
	Model       string
	Workdir     string // ignored when UseWorktree provisions one
	UseWorktree bool
	TaskID      string // feeds per-task branch naming
}

// Manager owns the process handles. It is the only writer of handle status.
type Manager struct {
	cfg    Config
	tmux   TmuxRunner
	trees  *worktree.Manager // nil disables isolation entirely
	timers *sched.Scheduler
	clock  sched.Clock

	mu          sync.Mutex
	handles     map[int]*proc.Handle
	spawnCfgs   map[int]SpawnConfig
	provisioned map[int]bool
	healthIDs   map[int]sched.ID
	settleIDs   map[int]sched.ID

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

// NewManager creates a Manager. A nil tmux runner uses the tmux CLI; a nil
// trees manager disables workspace isolation; a nil clock uses the system clock.
func NewManager(cfg Config, tmux TmuxRunner, trees *worktree.Manager, timers *sched.Scheduler, clock sched.Clock) *Manager {
	if tmux == nil {
		tmux = ExecTmux{}
	}
	if clock == nil {
		clock = sched.SystemClock()
	}
	if timers == nil {
		timers = sched.New(clock)
	}
	def := Defaults()
	if cfg.Session == "" {
		cfg.Session = def.Session
	}
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.WorkerCommand == "" {
		cfg.WorkerCommand = def.WorkerCommand
	}
	if cfg.PaneCols <= 0 {
		cfg.PaneCols = def.PaneCols
	}
	if cfg.PaneRows <= 0 {
		cfg.PaneRows = def.PaneRows
	}
	return &Manager{
		cfg:         cfg,
		tmux:        tmux,
		trees:       trees,
		timers:      timers,
		clock:       clock,
		handles:     make(map[int]*proc.Handle),
		spawnCfgs:   make(map[int]SpawnConfig),
		provisioned: make(map[int]bool),
		healthIDs:   make(map[int]sched.ID),
		settleIDs:   make(map[int]sched.ID),
		subs:        make(map[*subscriber]struct{}),
	}
}

// Supported reports whether this host can run managed worker processes.
func (m *Manager) Supported() bool { return m.tmux.Available() }

// Scheduler exposes the timer scheduler so the caller can drive it.
func (m *Manager) Scheduler() *sched.Scheduler { return m.timers }

// Spawn provisions the agent's workspace when isolation is requested, creates
// a pane in the shared session, launches the worker process in it and records
// a handle in the starting state. The handle settles to idle after a short
// fixed delay.
func (m *Manager) Spawn(ctx context.Context, agentID int, cfg SpawnConfig) (*proc.Handle, *wt.Info, error) {
	if !m.Supported() {
		return nil, nil, fmt.Errorf("spawn agent %d: %w", agentID, domain.ErrUnsupported)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handles[agentID]; exists {
		return nil, nil, fmt.Errorf("spawn agent %d: already running", agentID)
	}

	workdir := cfg.Workdir
	var info *wt.Info
	if cfg.UseWorktree && m.trees != nil {
		var err error
		info, err = m.trees.Provision(ctx, agentID, cfg.TaskID)
		if err != nil {
			return nil, nil, fmt.Errorf("spawn agent %d: %w", agentID, err)
		}
		workdir = info.Path
		m.provisioned[agentID] = true
	}

	if err := m.ensureSession(ctx); err != nil {
		return nil, nil, fmt.Errorf("spawn agent %d: %w", agentID, err)
	}

	paneID, err := m.createPane(ctx, workdir)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn agent %d: %w", agentID, err)
	}

	command := fmt.Sprintf("AGENTMUX_AGENT_ID=%d AGENTMUX_ROLE=%s AGENTMUX_MODEL=%s %s",
		agentID, cfg.Role, cfg.Model, m.cfg.WorkerCommand)
	if _, err := m.tmux.Run(ctx, "send-keys", "-t", paneID, command, "Enter"); err != nil {
		return nil, nil, fmt.Errorf("spawn agent %d: launch worker: %w", agentID, err)
	}

	pid, err := m.panePID(ctx, paneID)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn agent %d: %w", agentID, err)
	}

	h := &proc.Handle{
		AgentID:       agentID,
		PID:           pid,
		PaneID:        paneID,
		Status:        proc.StatusStarting,
		StartedAt:     m.clock.Now(),
		LastHeartbeat: m.clock.Now(),
	}
	m.handles[agentID] = h
	m.spawnCfgs[agentID] = cfg

	m.settleIDs[agentID] = m.timers.Schedule(m.cfg.SettleDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if h, ok := m.handles[agentID]; ok && h.Status == proc.StatusStarting {
			h.Status = proc.StatusIdle
		}
	})

	if m.cfg.HealthCheckInterval > 0 {
		m.scheduleHealthLocked(agentID)
	}

	slog.Info("agent process spawned", "agent_id", agentID, "pane", paneID, "pid", pid, "workdir", workdir)
	m.emit(proc.Event{Type: proc.EventSpawn, AgentID: agentID, At: m.clock.Now()})

	cp := *h
	return &cp, info, nil
}

// Kill stops the agent's worker process: health polling stops first so a
// crash-triggered restart cannot race an intentional shutdown, then the
// signal is delivered, the pane destroyed and any provisioned workspace
// cleaned up.
func (m *Manager) Kill(ctx context.Context, agentID int, sig syscall.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killLocked(ctx, agentID, sig)
}

func (m *Manager) killLocked(ctx context.Context, agentID int, sig syscall.Signal) error {
	h, ok := m.handles[agentID]
	if !ok {
		return fmt.Errorf("kill agent %d: %w", agentID, domain.ErrNotFound)
	}

	m.cancelTimersLocked(agentID)
	h.Status = proc.StatusStopping

	if err := signalProcess(h.PID, sig); err != nil {
		slog.Debug("signal delivery failed", "agent_id", agentID, "pid", h.PID, "signal", sig, "error", err)
	}
	if _, err := m.tmux.Run(ctx, "kill-pane", "-t", h.PaneID); err != nil {
		slog.Debug("kill-pane failed", "agent_id", agentID, "pane", h.PaneID, "error", err)
	}

	if m.provisioned[agentID] && m.trees != nil {
		if err := m.trees.Cleanup(ctx, agentID); err != nil {
			slog.Warn("worktree cleanup on kill failed", "agent_id", agentID, "error", err)
		}
		delete(m.provisioned, agentID)
	}

	h.Status = proc.StatusStopped
	delete(m.handles, agentID)
	delete(m.spawnCfgs, agentID)

	slog.Info("agent process killed", "agent_id", agentID, "signal", sig)
	m.emit(proc.Event{Type: proc.EventKill, AgentID: agentID, At: m.clock.Now()})
	return nil
}

// Restart kills the worker with SIGTERM and respawns it with the same
// configuration after the restart delay.
func (m *Manager) Restart(ctx context.Context, agentID int) error {
	m.mu.Lock()
	cfg, ok := m.spawnCfgs[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("restart agent %d: %w", agentID, domain.ErrNotFound)
	}
	m.mu.Unlock()

	m.emit(proc.Event{Type: proc.EventRestart, AgentID: agentID, At: m.clock.Now()})

	if err := m.Kill(ctx, agentID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("restart agent %d: %w", agentID, err)
	}

	m.timers.Schedule(m.cfg.RestartDelay, func() {
		if _, _, err := m.Spawn(context.Background(), agentID, cfg); err != nil {
			slog.Error("respawn after restart failed", "agent_id", agentID, "error", err)
		}
	})
	return nil
}

// HealthCheck probes the worker process and pane. A dead process demotes the
// handle to crashed and, with auto-restart enabled, schedules a restart;
// crashes are detected and handled here, never raised to the caller.
func (m *Manager) HealthCheck(ctx context.Context, agentID int) (*proc.Health, error) {
	m.mu.Lock()
	h, ok := m.handles[agentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("health check agent %d: %w", agentID, domain.ErrNotFound)
	}
	pid, paneID, status := h.PID, h.PaneID, h.Status
	m.mu.Unlock()

	health := &proc.Health{Alive: processAlive(pid)}
	if health.Alive {
		health.PaneResponsive = m.paneResponsive(ctx, paneID)
		health.MemoryMB, health.CPUPercent = sampleUsage(ctx, pid)
	}

	m.mu.Lock()
	if h, ok := m.handles[agentID]; ok {
		if health.Alive {
			h.LastHeartbeat = m.clock.Now()
		} else if h.Status != proc.StatusStopping && h.Status != proc.StatusStopped {
			h.Status = proc.StatusCrashed
		}
		status = h.Status
	}
	m.mu.Unlock()

	m.emit(proc.Event{Type: proc.EventHealth, AgentID: agentID, Health: health, At: m.clock.Now()})

	if !health.Alive && status == proc.StatusCrashed {
		slog.Warn("agent process crashed", "agent_id", agentID, "pid", pid)
		m.emit(proc.Event{Type: proc.EventCrash, AgentID: agentID, At: m.clock.Now()})
		if m.cfg.AutoRestart {
			m.timers.Schedule(m.cfg.RestartDelay, func() {
				if err := m.Restart(context.Background(), agentID); err != nil {
					slog.Error("auto-restart failed", "agent_id", agentID, "error", err)
				}
			})
		}
	}
	return health, nil
}

// SetStatus transitions a live handle between the idle/busy/working states.
func (m *Manager) SetStatus(agentID int, status proc.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[agentID]; ok {
		h.Status = status
	}
}

// GetHandle returns a copy of the handle for agentID.
func (m *Manager) GetHandle(agentID int) (*proc.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[agentID]
	if !ok {
		return nil, false
	}
	cp := *h
	return &cp, true
}

// AllHandles returns copies of every live handle.
func (m *Manager) AllHandles() []proc.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proc.Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, *h)
	}
	return out
}

// Shutdown kills every managed process, tears down the shared session and
// unblocks all watchers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Kill(ctx, id, syscall.SIGTERM); err != nil {
			slog.Warn("kill on shutdown failed", "agent_id", id, "error", err)
		}
	}
	if _, err := m.tmux.Run(ctx, "kill-session", "-t", m.cfg.Session); err != nil {
		slog.Debug("kill-session failed", "session", m.cfg.Session, "error", err)
	}
	m.closeSubscribers()
}

// scheduleHealthLocked must be called with m.mu held.
func (m *Manager) scheduleHealthLocked(agentID int) {
	m.healthIDs[agentID] = m.timers.Schedule(m.cfg.HealthCheckInterval, func() {
		if _, err := m.HealthCheck(context.Background(), agentID); err != nil {
			return // handle gone, stop polling
		}
		m.mu.Lock()
		if _, live := m.handles[agentID]; live {
			m.scheduleHealthLocked(agentID)
		}
		m.mu.Unlock()
	})
}

// cancelTimersLocked must be called with m.mu held.
func (m *Manager) cancelTimersLocked(agentID int) {
	if id, ok := m.healthIDs[agentID]; ok {
		m.timers.Cancel(id)
		delete(m.healthIDs, agentID)
	}
	if id, ok := m.settleIDs[agentID]; ok {
		m.timers.Cancel(id)
		delete(m.settleIDs, agentID)
	}
}

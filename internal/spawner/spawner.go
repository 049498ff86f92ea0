// Package spawner maps missions to capability tiers and selects or creates
// the best-available agent to execute them.
package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/adapter/ws"
	"github.com/agentmux/agentmux/internal/domain"
	"github.com/agentmux/agentmux/internal/domain/agent"
	"github.com/agentmux/agentmux/internal/domain/mission"
	"github.com/agentmux/agentmux/internal/domain/proc"
	"github.com/agentmux/agentmux/internal/lifecycle"
	"github.com/agentmux/agentmux/internal/port/broadcast"
	"github.com/agentmux/agentmux/internal/sched"
)

// IsolationMode selects how agent workspaces are isolated.
const (
	IsolationShared   = "shared"   // all agents share the repository working copy
	IsolationWorktree = "worktree" // one git worktree per agent
)

// Config holds spawner settings.
type Config struct {
	IsolationMode string        `yaml:"isolation_mode"`
	StaggerDelay  time.Duration `yaml:"stagger_delay"`
	DefaultRole   agent.Role    `yaml:"default_role"`
	PoolSize      int           `yaml:"pool_size"` // agents spawned at startup
}

// Defaults returns spawner settings suitable for local development.
func Defaults() Config {
	return Config{
		IsolationMode: IsolationWorktree,
		StaggerDelay:  500 * time.Millisecond,
		DefaultRole:   agent.RoleGeneralist,
		PoolSize:      2,
	}
}

// AgentConfig describes one agent to spawn.
type AgentConfig struct {
	Role   agent.Role
	Model  agent.Model // defaults from the role when empty
	TaskID string      // feeds per-task branch naming under worktree isolation
}

// SelectModel is the deterministic capability-tier policy: critical work and
// synthesis go to the highest tier, analysis and review to the middle tier,
// everything else to the lowest. Pure function, used both for spawn-time
// defaults and per-mission escalation.
func SelectModel(m *mission.Mission) agent.Model {
	if m.Priority == mission.PriorityCritical {
		return agent.ModelOpus
	}
	switch m.Type {
	case mission.TypeSynthesis:
		return agent.ModelOpus
	case mission.TypeAnalysis, mission.TypeReview:
		return agent.ModelSonnet
	}
	return agent.ModelHaiku
}

// Spawner owns the agent pool. It is the only writer of agent status and
// counters.
type Spawner struct {
	cfg   Config
	procs *lifecycle.Manager
	hub   broadcast.Broadcaster
	clock sched.Clock

	mu          sync.Mutex
	agents      map[int]*agent.Agent
	assignments map[string]int // mission id -> agent id
	nextID      int
}

// New creates a Spawner delegating process creation to procs. hub may be nil.
func New(cfg Config, procs *lifecycle.Manager, hub broadcast.Broadcaster, clock sched.Clock) *Spawner {
	if clock == nil {
		clock = sched.SystemClock()
	}
	if cfg.IsolationMode == "" {
		cfg.IsolationMode = IsolationWorktree
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = agent.RoleGeneralist
	}
	return &Spawner{
		cfg:         cfg,
		procs:       procs,
		hub:         hub,
		clock:       clock,
		agents:      make(map[int]*agent.Agent),
		assignments: make(map[string]int),
	}
}

// SpawnAgent allocates the next agent id, resolves the role's default model
// when none is given and delegates process creation to the lifecycle manager.
func (s *Spawner) SpawnAgent(ctx context.Context, cfg AgentConfig) (*agent.Agent, error) {
	if cfg.Role == "" {
		cfg.Role = s.cfg.DefaultRole
	}
	if cfg.Model == "" {
		cfg.Model = agent.DefaultModel(cfg.Role)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	handle, tree, err := s.procs.Spawn(ctx, id, lifecycle.SpawnConfig{
		Role:        string(cfg.Role),
		Model:       string(cfg.Model),
		UseWorktree: s.cfg.IsolationMode == IsolationWorktree,
		TaskID:      cfg.TaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn agent %d (%s): %w", id, cfg.Role, err)
	}

	a := &agent.Agent{
		ID:        id,
		Role:      cfg.Role,
		Model:     cfg.Model,
		Status:    agent.StatusIdle,
		CreatedAt: s.clock.Now(),
		Proc:      handle,
	}
	if tree != nil {
		a.WorktreePath = tree.Path
		a.WorktreeBranch = tree.Branch
	}

	s.mu.Lock()
	s.agents[id] = a
	s.mu.Unlock()

	slog.Info("agent spawned", "agent_id", id, "role", cfg.Role, "model", cfg.Model, "isolated", tree != nil)
	s.broadcastAgent(ctx, a)

	cp := *a
	return &cp, nil
}

// SpawnPool spawns count agents from the template sequentially, pausing the
// stagger delay between spawns so the multiplexer is not overwhelmed.
func (s *Spawner) SpawnPool(ctx context.Context, count int, template AgentConfig) ([]agent.Agent, error) {
	spawned := make([]agent.Agent, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 && s.cfg.StaggerDelay > 0 {
			select {
			case <-ctx.Done():
				return spawned, ctx.Err()
			case <-s.clock.After(s.cfg.StaggerDelay):
			}
		}
		a, err := s.SpawnAgent(ctx, template)
		if err != nil {
			return spawned, fmt.Errorf("spawn pool: agent %d of %d: %w", i+1, count, err)
		}
		spawned = append(spawned, *a)
	}
	return spawned, nil
}

// GetAvailableAgent returns an idle agent with no current mission, preferring
// the role suited to missionType when such an agent is idle. Returns nil when
// no agent is available.
func (s *Spawner) GetAvailableAgent(missionType mission.Type) *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	preferred := agent.PreferredRole(missionType)
	var fallback *agent.Agent
	for _, a := range s.sortedLocked() {
		if a.Status != agent.StatusIdle || a.CurrentMission != "" {
			continue
		}
		if preferred != "" && a.Role == preferred {
			cp := *a
			return &cp
		}
		if fallback == nil {
			fallback = a
		}
	}
	if fallback == nil {
		return nil
	}
	cp := *fallback
	return &cp
}

// GetLeastBusyAgent returns the agent with the lightest history, idle agents
// first. Returns nil when the pool is empty.
func (s *Spawner) GetLeastBusyAgent() *agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := s.sortedLocked()
	if len(agents) == 0 {
		return nil
	}
	sort.SliceStable(agents, func(i, j int) bool {
		ii, ji := agents[i].Status == agent.StatusIdle, agents[j].Status == agent.StatusIdle
		if ii != ji {
			return ii
		}
		return agents[i].Load() < agents[j].Load()
	})
	cp := *agents[0]
	return &cp
}

// DistributeMission assigns a mission to the best-available agent, falling
// back to the least busy one. Returns domain.ErrNoAgents when the pool is
// empty.
func (s *Spawner) DistributeMission(ctx context.Context, m *mission.Mission) (*agent.Agent, error) {
	chosen := s.GetAvailableAgent(m.Type)
	if chosen == nil {
		chosen = s.GetLeastBusyAgent()
	}
	if chosen == nil {
		return nil, fmt.Errorf("distribute mission %s: %w", m.ID, domain.ErrNoAgents)
	}
	return s.AssignMission(ctx, chosen.ID, m)
}

// AssignMission marks a specific agent busy with the mission. The caller
// picks the agent (GetAvailableAgent or GetLeastBusyAgent) so that the id it
// hands to the queue is the id that actually executes.
func (s *Spawner) AssignMission(ctx context.Context, agentID int, m *mission.Mission) (*agent.Agent, error) {
	s.mu.Lock()
	a, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("assign mission %s to agent %d: %w", m.ID, agentID, domain.ErrNotFound)
	}
	a.Status = agent.StatusBusy
	a.CurrentMission = m.ID
	s.assignments[m.ID] = a.ID
	cp := *a
	s.mu.Unlock()

	s.procs.SetStatus(a.ID, proc.StatusBusy)
	slog.Info("mission distributed", "mission_id", m.ID, "agent_id", a.ID, "role", a.Role, "model", SelectModel(m))
	s.broadcastAgent(ctx, &cp)
	return &cp, nil
}

// ReleaseMission returns the agent holding missionID to idle without
// recording an outcome. Used when an assignment is abandoned before the
// mission ever ran.
func (s *Spawner) ReleaseMission(ctx context.Context, missionID string) {
	s.mu.Lock()
	agentID, ok := s.assignments[missionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.assignments, missionID)

	a, live := s.agents[agentID]
	if !live {
		s.mu.Unlock()
		return
	}
	a.Status = agent.StatusIdle
	a.CurrentMission = ""
	cp := *a
	s.mu.Unlock()

	s.procs.SetStatus(agentID, proc.StatusIdle)
	s.broadcastAgent(ctx, &cp)
}

// CompleteMission records the outcome for the agent assigned to missionID and
// returns it to idle. Unknown mission ids are a no-op.
func (s *Spawner) CompleteMission(ctx context.Context, missionID string, success bool) {
	s.mu.Lock()
	agentID, ok := s.assignments[missionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.assignments, missionID)

	a, live := s.agents[agentID]
	if !live {
		s.mu.Unlock()
		return
	}
	if success {
		a.Completed++
	} else {
		a.Failed++
	}
	a.Status = agent.StatusIdle
	a.CurrentMission = ""
	cp := *a
	s.mu.Unlock()

	s.procs.SetStatus(agentID, proc.StatusIdle)
	s.broadcastAgent(ctx, &cp)
}

// AgentFor returns the agent currently assigned to missionID.
func (s *Spawner) AgentFor(missionID string) (*agent.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.assignments[missionID]
	if !ok {
		return nil, false
	}
	a, live := s.agents[id]
	if !live {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// Get returns a copy of an agent by id.
func (s *Spawner) Get(id int) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("get agent %d: %w", id, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// Agents returns copies of every agent ordered by id.
func (s *Spawner) Agents() []agent.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.sortedLocked() {
		out = append(out, *a)
	}
	return out
}

// Shutdown stops all worker processes and clears the pool and assignment
// state.
func (s *Spawner) Shutdown(ctx context.Context) {
	s.procs.Shutdown(ctx)

	s.mu.Lock()
	s.agents = make(map[int]*agent.Agent)
	s.assignments = make(map[string]int)
	s.mu.Unlock()
}

// sortedLocked must be called with s.mu held. Returns agents ordered by id
// so selection is deterministic.
func (s *Spawner) sortedLocked() []*agent.Agent {
	out := make([]*agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Spawner) broadcastAgent(ctx context.Context, a *agent.Agent) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventAgentStatus, ws.AgentStatusEvent{
		AgentID: a.ID,
		Role:    string(a.Role),
		Status:  string(a.Status),
	})
}

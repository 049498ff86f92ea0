// Package driver runs the control loop: it pulls ready missions from the
// queue, hands them to the spawner's agents, dispatches them to worker
// processes over the message queue, and reports results back to the queue.
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/adapter/ws"
	"github.com/agentmux/agentmux/internal/domain/mission"
	"github.com/agentmux/agentmux/internal/domain/proc"
	"github.com/agentmux/agentmux/internal/lifecycle"
	"github.com/agentmux/agentmux/internal/port/broadcast"
	"github.com/agentmux/agentmux/internal/port/messagequeue"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/sched"
	"github.com/agentmux/agentmux/internal/spawner"
	"github.com/agentmux/agentmux/internal/worktree"
)

// Config holds driver settings.
type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	MergeOnDone  bool          `yaml:"merge_on_done"` // merge+clean the agent worktree after success
}

// Defaults returns driver settings suitable for local development.
func Defaults() Config {
	return Config{
		TickInterval: time.Second,
		MergeOnDone:  true,
	}
}

// Driver is the single control loop composing the queue, spawner, lifecycle
// and workspace managers. Merge calls are serialized here; nothing else
// mutates the shared repository.
type Driver struct {
	cfg    Config
	queue  *queue.Queue
	pool   *spawner.Spawner
	procs  *lifecycle.Manager
	trees  *worktree.Manager // may be nil under shared isolation
	bus    messagequeue.Queue
	hub    broadcast.Broadcaster
	timers *sched.Scheduler
	clock  sched.Clock

	mu       sync.Mutex
	timeouts map[string]sched.ID // mission id -> pending timeout
	mergeMu  sync.Mutex          // serializes Merge across agents
}

// New creates a Driver. bus and hub may be nil (no worker dispatch, no
// fanout); trees may be nil when isolation is disabled.
func New(cfg Config, q *queue.Queue, pool *spawner.Spawner, procs *lifecycle.Manager, trees *worktree.Manager, bus messagequeue.Queue, hub broadcast.Broadcaster, timers *sched.Scheduler, clock sched.Clock) *Driver {
	if clock == nil {
		clock = sched.SystemClock()
	}
	if timers == nil {
		timers = sched.New(clock)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = Defaults().TickInterval
	}
	return &Driver{
		cfg:      cfg,
		queue:    q,
		pool:     pool,
		procs:    procs,
		trees:    trees,
		bus:      bus,
		hub:      hub,
		timers:   timers,
		clock:    clock,
		timeouts: make(map[string]sched.ID),
	}
}

// Run restores the queue, starts the result subscribers and the lifecycle
// event bridge, then ticks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if _, err := d.queue.Restore(ctx); err != nil {
		return fmt.Errorf("driver start: %w", err)
	}

	if d.bus != nil {
		cancelResults, err := d.bus.Subscribe(ctx, messagequeue.SubjectMissionResult, d.handleResult)
		if err != nil {
			return fmt.Errorf("driver start: subscribe results: %w", err)
		}
		defer cancelResults()

		cancelOutput, err := d.bus.Subscribe(ctx, messagequeue.SubjectMissionOutput, d.handleOutput)
		if err != nil {
			return fmt.Errorf("driver start: subscribe output: %w", err)
		}
		defer cancelOutput()
	}

	if d.hub != nil {
		events, cancelWatch := d.procs.Watch()
		defer cancelWatch()
		go d.bridgeLifecycle(ctx, events)
	}

	go d.timers.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.clock.After(d.cfg.TickInterval):
			d.Tick(ctx)
		}
	}
}

// Tick pairs ready missions with available agents until one side runs out.
// Returns the number of missions dispatched. The executor is chosen before
// the queue records the assignment, so the agent id the queue persists and
// broadcasts is the agent that actually runs the mission.
func (d *Driver) Tick(ctx context.Context) int {
	dispatched := 0
	for {
		next := d.queue.NextReady()
		if next == nil {
			return dispatched
		}
		candidate := d.pool.GetAvailableAgent(next.Type)
		if candidate == nil {
			return dispatched
		}

		a, err := d.pool.AssignMission(ctx, candidate.ID, next)
		if err != nil {
			// Agent was killed between selection and assignment.
			slog.Warn("agent lost before assignment", "mission_id", next.ID, "agent_id", candidate.ID, "error", err)
			return dispatched
		}

		m := d.queue.Take(ctx, next.ID, a.ID)
		if m == nil {
			// Mission left the queue between peek and claim; hand the
			// agent back untouched.
			d.pool.ReleaseMission(ctx, next.ID)
			continue
		}

		d.dispatch(ctx, m, a.ID, a.WorktreePath)
		dispatched++
	}
}

func (d *Driver) dispatch(ctx context.Context, m *mission.Mission, agentID int, workdir string) {
	if d.bus != nil {
		payload := messagequeue.DispatchPayload{
			MissionID: m.ID,
			AgentID:   agentID,
			Prompt:    m.Prompt,
			Context:   m.Context,
			Model:     string(spawner.SelectModel(m)),
			Workdir:   workdir,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("marshal dispatch payload", "mission_id", m.ID, "error", err)
		} else if err := d.bus.Publish(ctx, messagequeue.SubjectMissionDispatch, data); err != nil {
			slog.Error("publish mission dispatch", "mission_id", m.ID, "error", err)
		}
	}

	if m.Timeout > 0 {
		id := m.ID
		agent := agentID
		d.mu.Lock()
		d.timeouts[id] = d.timers.Schedule(m.Timeout, func() {
			d.expireMission(context.Background(), id, agent)
		})
		d.mu.Unlock()
	}
	slog.Info("mission dispatched", "mission_id", m.ID, "agent_id", agentID, "timeout", m.Timeout)
}

// expireMission enforces the advisory mission deadline: the worker is not
// killed, but the mission fails with a recoverable timeout error.
func (d *Driver) expireMission(ctx context.Context, missionID string, agentID int) {
	d.mu.Lock()
	delete(d.timeouts, missionID)
	d.mu.Unlock()

	retrying, backoff, err := d.queue.Fail(ctx, missionID, mission.Error{
		Code:        "timeout",
		Message:     "mission deadline exceeded",
		Recoverable: true,
	})
	if err != nil {
		return // completed in the meantime
	}
	slog.Warn("mission timed out", "mission_id", missionID, "agent_id", agentID, "retrying", retrying)
	d.pool.CompleteMission(ctx, missionID, false)
	if retrying {
		d.scheduleRelease(missionID, backoff)
	}
}

func (d *Driver) scheduleRelease(missionID string, backoff time.Duration) {
	d.timers.Schedule(backoff, func() {
		if err := d.queue.ReleaseRetry(context.Background(), missionID); err != nil {
			slog.Debug("retry release skipped", "mission_id", missionID, "error", err)
		}
	})
}

// handleResult processes a worker's completion report.
func (d *Driver) handleResult(ctx context.Context, _ string, data []byte) error {
	var payload messagequeue.ResultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode result payload: %w", err)
	}

	d.cancelTimeout(payload.MissionID)

	if payload.Success {
		err := d.queue.Complete(ctx, payload.MissionID, mission.Result{
			Output:    payload.Output,
			Duration:  time.Duration(payload.DurationMS) * time.Millisecond,
			TokensIn:  payload.TokensIn,
			TokensOut: payload.TokensOut,
		})
		if err != nil {
			return fmt.Errorf("complete mission %s: %w", payload.MissionID, err)
		}
		d.pool.CompleteMission(ctx, payload.MissionID, true)
		d.reconcile(ctx, payload.AgentID)
		return nil
	}

	retrying, backoff, err := d.queue.Fail(ctx, payload.MissionID, mission.Error{
		Code:        "worker_error",
		Message:     payload.Error,
		Recoverable: payload.Recoverable,
	})
	if err != nil {
		return fmt.Errorf("fail mission %s: %w", payload.MissionID, err)
	}
	d.pool.CompleteMission(ctx, payload.MissionID, false)
	if retrying {
		d.scheduleRelease(payload.MissionID, backoff)
	}
	return nil
}

// reconcile merges a successful agent's worktree back into the base branch
// and cleans it up. Merges are serialized; a conflict leaves the worktree in
// place for operator inspection.
func (d *Driver) reconcile(ctx context.Context, agentID int) {
	if !d.cfg.MergeOnDone || d.trees == nil {
		return
	}

	d.mergeMu.Lock()
	defer d.mergeMu.Unlock()

	res, err := d.trees.Merge(ctx, agentID)
	if err != nil {
		slog.Error("worktree merge failed", "agent_id", agentID, "error", err)
		return
	}
	if !res.Success {
		slog.Warn("worktree merge conflict, keeping branch", "agent_id", agentID, "conflicts", res.Conflicts)
		return
	}
	if err := d.trees.Cleanup(ctx, agentID); err != nil {
		slog.Warn("worktree cleanup failed", "agent_id", agentID, "error", err)
	}
}

// handleOutput relays streaming worker output onto the fanout hub.
func (d *Driver) handleOutput(ctx context.Context, _ string, data []byte) error {
	if d.hub == nil {
		return nil
	}
	var payload struct {
		MissionID string `json:"mission_id"`
		AgentID   int    `json:"agent_id"`
		Line      string `json:"line"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode output payload: %w", err)
	}
	d.hub.BroadcastEvent(ctx, ws.EventMissionOutput, ws.MissionOutputEvent{
		MissionID: payload.MissionID,
		AgentID:   payload.AgentID,
		Line:      payload.Line,
	})
	return nil
}

// bridgeLifecycle mirrors lifecycle events onto the fanout hub.
func (d *Driver) bridgeLifecycle(ctx context.Context, events <-chan proc.Event) {
	for evt := range events {
		e := ws.LifecycleEvent{Type: string(evt.Type), AgentID: evt.AgentID}
		if evt.Health != nil {
			alive := evt.Health.Alive
			e.Alive = &alive
			e.Memory = evt.Health.MemoryMB
			e.CPU = evt.Health.CPUPercent
		}
		d.hub.BroadcastEvent(ctx, ws.EventLifecycle, e)
	}
}

func (d *Driver) cancelTimeout(missionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.timeouts[missionID]; ok {
		d.timers.Cancel(id)
		delete(d.timeouts, missionID)
	}
}

// Package queue implements the dependency- and priority-ordered mission queue.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/agentmux/internal/adapter/ws"
	"github.com/agentmux/agentmux/internal/domain"
	"github.com/agentmux/agentmux/internal/domain/mission"
	"github.com/agentmux/agentmux/internal/port/broadcast"
	"github.com/agentmux/agentmux/internal/port/database"
	"github.com/agentmux/agentmux/internal/resilience"
	"github.com/agentmux/agentmux/internal/sched"
)

// Config holds retry backoff tuning.
type Config struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// Defaults returns backoff settings suitable for local development.
func Defaults() Config {
	return Config{
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	}
}

// Queue orders missions by (priority, created_at) and gates them on
// dependency completion. All mutation happens under one mutex; durability is
// write-through to the store port, guarded by a circuit breaker so a dead
// store degrades to in-memory operation instead of wedging the control loop.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	clock    sched.Clock
	store    database.MissionStore
	breaker  *resilience.Breaker
	hub      broadcast.Broadcaster
	missions map[string]*mission.Mission
}

// New creates a Queue. store, breaker and hub may each be nil (no durability,
// no write protection, no event fanout respectively).
func New(cfg Config, clock sched.Clock, store database.MissionStore, breaker *resilience.Breaker, hub broadcast.Broadcaster) *Queue {
	if clock == nil {
		clock = sched.SystemClock()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = Defaults().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = Defaults().BackoffCap
	}
	return &Queue{
		cfg:      cfg,
		clock:    clock,
		store:    store,
		breaker:  breaker,
		hub:      hub,
		missions: make(map[string]*mission.Mission),
	}
}

// Enqueue validates the spec, computes the initial status (blocked when any
// dependency is not yet completed) and returns the new mission id.
func (q *Queue) Enqueue(ctx context.Context, spec mission.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, exists := q.missions[id]; exists {
		return "", fmt.Errorf("enqueue mission %s: %w", id, domain.ErrConflict)
	}

	priority := spec.Priority
	if priority == "" {
		priority = mission.PriorityNormal
	}

	m := &mission.Mission{
		ID:         id,
		Prompt:     spec.Prompt,
		Context:    spec.Context,
		Type:       spec.Type,
		Priority:   priority,
		Status:     mission.StatusQueued,
		Timeout:    spec.Timeout,
		MaxRetries: spec.MaxRetries,
		DependsOn:  append([]string(nil), spec.DependsOn...),
		CreatedAt:  q.clock.Now(),
	}
	if !q.depsSatisfied(m) {
		m.Status = mission.StatusBlocked
	}

	q.missions[id] = m
	q.persist(ctx, m)
	q.broadcast(ctx, m)
	slog.Info("mission enqueued", "mission_id", id, "priority", priority, "status", m.Status, "depends_on", len(m.DependsOn))
	return id, nil
}

// Dequeue returns the highest-priority queued mission, marks it running and
// assigns it to agentID. Returns nil when nothing is eligible; that is not
// an error.
func (q *Queue) Dequeue(ctx context.Context, agentID int) *mission.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := q.nextQueuedLocked()
	if best == nil {
		return nil
	}
	return q.claimLocked(ctx, best, agentID)
}

// NextReady returns a copy of the mission Dequeue would hand out next,
// without assigning it. Returns nil when nothing is eligible. The caller
// claims it afterwards with Take, naming the agent that will actually run it.
func (q *Queue) NextReady() *mission.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := q.nextQueuedLocked()
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// Take claims a specific queued mission for agentID, marking it running.
// Returns nil if the mission is unknown or no longer queued, in which case
// the caller must release whatever agent it reserved.
func (q *Queue) Take(ctx context.Context, id string, agentID int) *mission.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok || m.Status != mission.StatusQueued {
		return nil
	}
	return q.claimLocked(ctx, m, agentID)
}

// nextQueuedLocked returns the best queued mission, or nil. Caller holds q.mu.
func (q *Queue) nextQueuedLocked() *mission.Mission {
	var best *mission.Mission
	for _, m := range q.missions {
		if m.Status != mission.StatusQueued {
			continue
		}
		if best == nil || less(m, best) {
			best = m
		}
	}
	return best
}

// claimLocked transitions a queued mission to running under agentID and
// returns a copy. Caller holds q.mu.
func (q *Queue) claimLocked(ctx context.Context, m *mission.Mission, agentID int) *mission.Mission {
	now := q.clock.Now()
	m.Status = mission.StatusRunning
	m.AssignedTo = agentID
	m.StartedAt = &now
	q.persist(ctx, m)
	q.broadcast(ctx, m)

	cp := *m
	return &cp
}

// less orders missions for dequeue: priority rank descending, then
// created_at ascending, then id for a stable total order.
func less(a, b *mission.Mission) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Complete marks a running mission completed, stores its result and
// synchronously unblocks any dependent whose every dependency is now
// completed.
func (q *Queue) Complete(ctx context.Context, id string, result mission.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("complete mission %s: %w", id, domain.ErrNotFound)
	}
	if m.Status != mission.StatusRunning {
		return fmt.Errorf("complete mission %s: status is %s, expected running", id, m.Status)
	}

	now := q.clock.Now()
	m.Status = mission.StatusCompleted
	m.Result = &result
	m.CompletedAt = &now
	m.AssignedTo = 0
	q.persist(ctx, m)
	q.broadcast(ctx, m)
	slog.Info("mission completed", "mission_id", id, "duration_ms", result.Duration.Milliseconds())

	q.unblockDependents(ctx, id)
	return nil
}

// Fail records a failed attempt. For a recoverable error with retries left it
// transitions the mission to retrying and returns (true, backoff): the caller
// owns scheduling the delayed ReleaseRetry after the backoff elapses
// (base * 2^retryCount, capped). Otherwise the mission goes to failed
// permanently; dependents stay blocked until an operator cancels them.
func (q *Queue) Fail(ctx context.Context, id string, mErr mission.Error) (retrying bool, backoff time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return false, 0, fmt.Errorf("fail mission %s: %w", id, domain.ErrNotFound)
	}
	if m.Status != mission.StatusRunning {
		return false, 0, fmt.Errorf("fail mission %s: status is %s, expected running", id, m.Status)
	}

	if mErr.OccurredAt.IsZero() {
		mErr.OccurredAt = q.clock.Now()
	}
	m.Error = &mErr
	m.AssignedTo = 0

	if mErr.Recoverable && m.RetryCount < m.MaxRetries {
		m.RetryCount++
		m.Status = mission.StatusRetrying
		backoff = q.backoffFor(m.RetryCount)
		q.persist(ctx, m)
		q.broadcast(ctx, m)
		slog.Warn("mission failed, will retry", "mission_id", id, "attempt", m.RetryCount, "max_retries", m.MaxRetries, "backoff", backoff, "error", mErr.Message)
		return true, backoff, nil
	}

	now := q.clock.Now()
	m.Status = mission.StatusFailed
	m.CompletedAt = &now
	q.persist(ctx, m)
	q.broadcast(ctx, m)
	slog.Error("mission failed permanently", "mission_id", id, "retries", m.RetryCount, "error", mErr.Message)
	return false, 0, nil
}

// ReleaseRetry returns a retrying mission to the queued state. The driver
// calls this once the backoff delay has elapsed.
func (q *Queue) ReleaseRetry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("release mission %s: %w", id, domain.ErrNotFound)
	}
	if m.Status != mission.StatusRetrying {
		return fmt.Errorf("release mission %s: status is %s, expected retrying", id, m.Status)
	}

	m.Status = mission.StatusQueued
	q.persist(ctx, m)
	q.broadcast(ctx, m)
	return nil
}

// Retry forces a mission back into rotation regardless of whether its last
// error was recoverable. Manual operator override: the mission requeues
// immediately, no backoff (or blocks again if its dependencies regressed).
func (q *Queue) Retry(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("retry mission %s: %w", id, domain.ErrNotFound)
	}

	m.Status = mission.StatusQueued
	if !q.depsSatisfied(m) {
		m.Status = mission.StatusBlocked
	}
	m.AssignedTo = 0
	m.StartedAt = nil
	m.CompletedAt = nil
	q.persist(ctx, m)
	q.broadcast(ctx, m)
	slog.Info("mission retry forced", "mission_id", id, "reason", reason, "status", m.Status)
	return nil
}

// Cancel transitions a non-terminal mission to cancelled. This is the
// operator escape hatch for dependents stranded by a permanently failed
// dependency.
func (q *Queue) Cancel(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("cancel mission %s: %w", id, domain.ErrNotFound)
	}
	if m.Status.Terminal() {
		return fmt.Errorf("cancel mission %s: already %s", id, m.Status)
	}

	now := q.clock.Now()
	m.Status = mission.StatusCancelled
	m.AssignedTo = 0
	m.CompletedAt = &now
	q.persist(ctx, m)
	q.broadcast(ctx, m)
	slog.Info("mission cancelled", "mission_id", id, "reason", reason)
	return nil
}

// SetPriority mutates a mission's priority in place. Missions already
// dequeued keep running; only future ordering changes.
func (q *Queue) SetPriority(ctx context.Context, id string, p mission.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return fmt.Errorf("set priority %s: %w", id, domain.ErrNotFound)
	}

	m.Priority = p
	if q.store != nil {
		update := func() error { return q.store.UpdatePriority(ctx, id, p) }
		var err error
		if q.breaker != nil {
			err = q.breaker.Execute(update)
		} else {
			err = update()
		}
		if err != nil {
			slog.Error("mission priority persist failed", "mission_id", id, "error", err)
		}
	}
	return nil
}

// Get returns a copy of a mission by id.
func (q *Queue) Get(id string) (*mission.Mission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.missions[id]
	if !ok {
		return nil, fmt.Errorf("get mission %s: %w", id, domain.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

// List returns all missions, terminal states included, ordered like dequeue.
func (q *Queue) List() []mission.Mission {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]mission.Mission, 0, len(q.missions))
	for _, m := range q.missions {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

// Restore reloads the active mission set from the durable store. Missions
// found running have no live worker after a restart and are returned to
// queued; retrying missions are released immediately since their backoff
// timers did not survive the restart.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}

	pending, err := q.store.LoadPendingMissions(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range pending {
		m := pending[i]
		switch m.Status {
		case mission.StatusRunning, mission.StatusRetrying, mission.StatusPending:
			m.Status = mission.StatusQueued
			m.AssignedTo = 0
			m.StartedAt = nil
		}
		q.missions[m.ID] = &m
		q.persist(ctx, &m)
	}
	slog.Info("queue restored", "missions", len(pending))
	return len(pending), nil
}

// unblockDependents must be called with q.mu held.
func (q *Queue) unblockDependents(ctx context.Context, completedID string) {
	for _, m := range q.missions {
		if m.Status != mission.StatusBlocked {
			continue
		}
		waits := false
		for _, dep := range m.DependsOn {
			if dep == completedID {
				waits = true
				break
			}
		}
		if !waits || !q.depsSatisfied(m) {
			continue
		}
		m.Status = mission.StatusQueued
		q.persist(ctx, m)
		q.broadcast(ctx, m)
		slog.Info("mission unblocked", "mission_id", m.ID, "completed_dependency", completedID)
	}
}

// depsSatisfied must be called with q.mu held. Unknown dependency ids count
// as unmet.
func (q *Queue) depsSatisfied(m *mission.Mission) bool {
	for _, dep := range m.DependsOn {
		d, ok := q.missions[dep]
		if !ok || d.Status != mission.StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) backoffFor(retryCount int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= q.cfg.BackoffCap {
			return q.cfg.BackoffCap
		}
	}
	return d
}

// persist must be called with q.mu held. Store failures are absorbed: the
// queue keeps serving in-memory state and the breaker sheds writes while the
// store is down.
func (q *Queue) persist(ctx context.Context, m *mission.Mission) {
	if q.store == nil {
		return
	}
	cp := *m
	write := func() error { return q.store.SaveMission(ctx, &cp) }

	var err error
	if q.breaker != nil {
		err = q.breaker.Execute(write)
	} else {
		err = write()
	}
	if err != nil {
		slog.Error("mission persist failed", "mission_id", m.ID, "error", err)
	}
}

// broadcast must be called with q.mu held.
func (q *Queue) broadcast(ctx context.Context, m *mission.Mission) {
	if q.hub == nil {
		return
	}
	q.hub.BroadcastEvent(ctx, ws.EventMissionStatus, ws.MissionStatusEvent{
		MissionID: m.ID,
		Status:    string(m.Status),
		Priority:  string(m.Priority),
		AgentID:   m.AssignedTo,
		Retries:   m.RetryCount,
	})
}

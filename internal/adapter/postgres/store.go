package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentmux/agentmux/internal/domain"
	"github.com/agentmux/agentmux/internal/domain/mission"
)

// Store implements database.MissionStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const missionColumns = `id, prompt, context, type, priority, status, timeout_ms, max_retries,
	retry_count, depends_on, assigned_to, result, error, created_at, started_at, completed_at`

// priorityRank orders rows critical > high > normal > low in SQL.
const priorityRank = `CASE priority WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END`

// SaveMission upserts a mission keyed by id. Fields fixed at creation
// (prompt, context, type, priority, timeout, max_retries, depends_on,
// created_at) are not overwritten on update; priority changes go through
// UpdatePriority.
func (s *Store) SaveMission(ctx context.Context, m *mission.Mission) error {
	depsJSON, err := json.Marshal(m.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	resultJSON, err := marshalNullable(m.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errorJSON, err := marshalNullable(m.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO missions (`+missionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   retry_count = EXCLUDED.retry_count,
		   assigned_to = EXCLUDED.assigned_to,
		   result = EXCLUDED.result,
		   error = EXCLUDED.error,
		   started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at`,
		m.ID, m.Prompt, m.Context, string(m.Type), string(m.Priority), string(m.Status),
		m.Timeout.Milliseconds(), m.MaxRetries, m.RetryCount, depsJSON, m.AssignedTo,
		resultJSON, errorJSON, m.CreatedAt, m.StartedAt, m.CompletedAt)
	if err != nil {
		return fmt.Errorf("save mission %s: %w", m.ID, err)
	}
	return nil
}

// UpdatePriority mutates a stored mission's priority in place.
func (s *Store) UpdatePriority(ctx context.Context, id string, p mission.Priority) error {
	tag, err := s.pool.Exec(ctx, `UPDATE missions SET priority = $2 WHERE id = $1`, id, string(p))
	if err != nil {
		return fmt.Errorf("update mission priority %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update mission priority %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetMission returns a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)

	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get mission %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get mission %s: %w", id, err)
	}
	return &m, nil
}

// LoadPendingMissions returns the recovery set: every mission in an active
// status, priority descending then created_at ascending.
func (s *Store) LoadPendingMissions(ctx context.Context) ([]mission.Mission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+missionColumns+` FROM missions
		 WHERE status = ANY($1)
		 ORDER BY `+priorityRank+` DESC, created_at ASC`,
		statusStrings(mission.ActiveStatuses))
	if err != nil {
		return nil, fmt.Errorf("load pending missions: %w", err)
	}
	defer rows.Close()

	return collectMissions(rows)
}

// ListMissions returns every stored mission, terminal states included.
func (s *Store) ListMissions(ctx context.Context) ([]mission.Mission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+missionColumns+` FROM missions
		 ORDER BY `+priorityRank+` DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	defer rows.Close()

	return collectMissions(rows)
}

func collectMissions(rows pgx.Rows) ([]mission.Mission, error) {
	var missions []mission.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

func scanMission(row pgx.Row) (mission.Mission, error) {
	var (
		m          mission.Mission
		typ        string
		priority   string
		status     string
		timeoutMS  int64
		depsJSON   []byte
		resultJSON []byte
		errorJSON  []byte
	)
	err := row.Scan(&m.ID, &m.Prompt, &m.Context, &typ, &priority, &status, &timeoutMS,
		&m.MaxRetries, &m.RetryCount, &depsJSON, &m.AssignedTo, &resultJSON, &errorJSON,
		&m.CreatedAt, &m.StartedAt, &m.CompletedAt)
	if err != nil {
		return m, err
	}

	m.Type = mission.Type(typ)
	m.Priority = mission.Priority(priority)
	m.Status = mission.Status(status)
	m.Timeout = time.Duration(timeoutMS) * time.Millisecond

	if err := json.Unmarshal(depsJSON, &m.DependsOn); err != nil {
		return m, fmt.Errorf("unmarshal depends_on: %w", err)
	}
	if len(resultJSON) > 0 {
		m.Result = &mission.Result{}
		if err := json.Unmarshal(resultJSON, m.Result); err != nil {
			return m, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		m.Error = &mission.Error{}
		if err := json.Unmarshal(errorJSON, m.Error); err != nil {
			return m, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return m, nil
}

func marshalNullable(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *mission.Result:
		if t == nil {
			return nil, nil
		}
	case *mission.Error:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func statusStrings(statuses []mission.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

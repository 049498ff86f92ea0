// Package database defines the durable mission store port (interface).
package database

import (
	"context"

	"github.com/agentmux/agentmux/internal/domain/mission"
)

// MissionStore is the port for mission durability. Every queue state
// transition is written through SaveMission as an upsert keyed by mission id;
// missions are never physically deleted, so terminal states stay queryable.
type MissionStore interface {
	// SaveMission inserts the mission if absent, otherwise updates its
	// mutable fields. Prompt, priority and type set at creation are not
	// overwritten on update.
	SaveMission(ctx context.Context, m *mission.Mission) error

	// UpdatePriority mutates a stored mission's priority. Priority is the
	// one creation-time field with a dedicated mutation path; SaveMission
	// never overwrites it.
	UpdatePriority(ctx context.Context, id string, p mission.Priority) error

	// GetMission returns a mission by id, or domain.ErrNotFound.
	GetMission(ctx context.Context, id string) (*mission.Mission, error)

	// LoadPendingMissions returns all missions in an active status
	// (pending, queued, running, retrying, blocked) ordered by priority
	// descending then created_at ascending. This is the exact recovery
	// set after a restart.
	LoadPendingMissions(ctx context.Context) ([]mission.Mission, error)

	// ListMissions returns every stored mission, terminal states included,
	// in the same ordering as LoadPendingMissions.
	ListMissions(ctx context.Context) ([]mission.Mission, error)
}

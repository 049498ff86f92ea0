package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventMissionStatus = "mission.status"
	EventMissionOutput = "mission.output"
	EventAgentStatus   = "agent.status"
	EventLifecycle     = "lifecycle.event"
)

// MissionStatusEvent is broadcast on every mission state transition.
type MissionStatusEvent struct {
	MissionID string `json:"mission_id"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	AgentID   int    `json:"agent_id,omitempty"`
	Retries   int    `json:"retries,omitempty"`
}

// MissionOutputEvent is broadcast when a worker streams output for a mission.
type MissionOutputEvent struct {
	MissionID string `json:"mission_id"`
	AgentID   int    `json:"agent_id"`
	Line      string `json:"line"`
}

// AgentStatusEvent is broadcast when an agent's status changes.
type AgentStatusEvent struct {
	AgentID int    `json:"agent_id"`
	Role    string `json:"role"`
	Status  string `json:"status"`
}

// LifecycleEvent mirrors process lifecycle events (spawn/crash/restart/health)
// onto connected clients.
type LifecycleEvent struct {
	Type    string  `json:"type"`
	AgentID int     `json:"agent_id"`
	Alive   *bool   `json:"alive,omitempty"`
	Memory  float64 `json:"memory_mb,omitempty"`
	CPU     float64 `json:"cpu_percent,omitempty"`
}

// BroadcastEvent marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// Package proc defines the process handle entity owned by the lifecycle manager.
package proc

import "time"

// Status represents the lifecycle state of a managed worker process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusWorking  Status = "working"
	StatusError    Status = "error"
)

// Handle is a running worker process bound to a terminal-multiplexer pane.
type Handle struct {
	AgentID       int       `json:"agent_id"`
	PID           int       `json:"pid"`
	PaneID        string    `json:"pane_id"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// EventType classifies lifecycle events emitted by the manager.
type EventType string

const (
	EventSpawn   EventType = "spawn"
	EventKill    EventType = "kill"
	EventRestart EventType = "restart"
	EventCrash   EventType = "crash"
	EventHealth  EventType = "health"
)

// Event is a lifecycle notification delivered to watchers.
type Event struct {
	Type    EventType `json:"type"`
	AgentID int       `json:"agent_id"`
	Health  *Health   `json:"health,omitempty"`
	At      time.Time `json:"at"`
}

// Health is the payload of a health-check probe.
type Health struct {
	Alive          bool    `json:"alive"`
	PaneResponsive bool    `json:"pane_responsive"`
	MemoryMB       float64 `json:"memory_mb,omitempty"`
	CPUPercent     float64 `json:"cpu_percent,omitempty"`
}

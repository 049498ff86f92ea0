// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used between the control plane and agent worker processes.
const (
	SubjectMissionDispatch = "missions.dispatch" // control plane -> worker: execute a mission
	SubjectMissionResult   = "missions.result"   // worker -> control plane: mission finished
	SubjectMissionOutput   = "missions.output"   // worker -> control plane: streaming output lines
	SubjectAgentStatus     = "agents.status"     // worker -> control plane: busy/idle transitions
)

// DispatchPayload is published on SubjectMissionDispatch.
type DispatchPayload struct {
	MissionID string `json:"mission_id"`
	AgentID   int    `json:"agent_id"`
	Prompt    string `json:"prompt"`
	Context   string `json:"context,omitempty"`
	Model     string `json:"model"`
	Workdir   string `json:"workdir,omitempty"`
}

// ResultPayload is published on SubjectMissionResult by a worker.
type ResultPayload struct {
	MissionID   string `json:"mission_id"`
	AgentID     int    `json:"agent_id"`
	Success     bool   `json:"success"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	TokensIn    int    `json:"tokens_in"`
	TokensOut   int    `json:"tokens_out"`
}

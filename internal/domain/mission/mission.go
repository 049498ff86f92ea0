// Package mission defines the Mission domain entity and its state machine.
package mission

import (
	"fmt"
	"time"
)

// Status represents the current state of a mission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a mission in this status can never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActiveStatuses is the recovery set loaded after a restart.
var ActiveStatuses = []Status{StatusPending, StatusQueued, StatusRunning, StatusRetrying, StatusBlocked}

// Priority orders missions in the queue.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its sort weight; higher dequeues first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// Type categorizes the work a mission carries.
type Type string

const (
	TypeExtraction Type = "extraction"
	TypeAnalysis   Type = "analysis"
	TypeSynthesis  Type = "synthesis"
	TypeReview     Type = "review"
	TypeGeneral    Type = "general"
)

// Mission represents a unit of work drawn from the queue by an agent.
type Mission struct {
	ID          string        `json:"id"`
	Prompt      string        `json:"prompt"`
	Context     string        `json:"context,omitempty"`
	Type        Type          `json:"type,omitempty"`
	Priority    Priority      `json:"priority"`
	Status      Status        `json:"status"`
	Timeout     time.Duration `json:"timeout_ms"`
	MaxRetries  int           `json:"max_retries"`
	RetryCount  int           `json:"retry_count"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	AssignedTo  int           `json:"assigned_to,omitempty"` // agent id; 0 = unassigned
	Result      *Result       `json:"result,omitempty"`
	Error       *Error        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Result holds the output of a completed mission.
type Result struct {
	Output    string        `json:"output"`
	Duration  time.Duration `json:"duration_ms"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
}

// Error describes why a mission attempt failed.
type Error struct {
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Spec holds the caller-supplied fields for enqueueing a new mission.
type Spec struct {
	ID         string        `json:"id,omitempty"` // generated when empty
	Prompt     string        `json:"prompt"`
	Context    string        `json:"context,omitempty"`
	Type       Type          `json:"type,omitempty"`
	Priority   Priority      `json:"priority,omitempty"`
	Timeout    time.Duration `json:"timeout_ms,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`
	DependsOn  []string      `json:"depends_on,omitempty"`
}

// Validate checks the spec fields that must hold before a mission is created.
func (s *Spec) Validate() error {
	if s.Prompt == "" {
		return fmt.Errorf("mission spec: prompt is required")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("mission spec: timeout must be >= 0, got %s", s.Timeout)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("mission spec: max_retries must be >= 0, got %d", s.MaxRetries)
	}
	return nil
}

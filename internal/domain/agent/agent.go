// Package agent defines the Agent domain entity.
package agent

import (
	"time"

	"github.com/agentmux/agentmux/internal/domain/mission"
	"github.com/agentmux/agentmux/internal/domain/proc"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusWorking Status = "working"
	StatusError   Status = "error"
)

// Role describes what kind of work an agent specializes in.
type Role string

const (
	RoleCoder      Role = "coder"
	RoleTester     Role = "tester"
	RoleAnalyst    Role = "analyst"
	RoleReviewer   Role = "reviewer"
	RoleGeneralist Role = "generalist"
	RoleOracle     Role = "oracle"
	RoleArchitect  Role = "architect"
	RoleDebugger   Role = "debugger"
	RoleResearcher Role = "researcher"
	RoleScribe     Role = "scribe"
)

// Model is the capability tier an agent's worker process runs with.
type Model string

const (
	ModelHaiku  Model = "haiku"
	ModelSonnet Model = "sonnet"
	ModelOpus   Model = "opus"
)

// DefaultModel returns the model tier a role runs with when none is configured.
func DefaultModel(r Role) Model {
	switch r {
	case RoleOracle, RoleArchitect:
		return ModelOpus
	case RoleAnalyst, RoleReviewer, RoleDebugger:
		return ModelSonnet
	default:
		return ModelHaiku
	}
}

// PreferredRole maps a mission type to the role best suited to execute it.
// Returns "" when the type has no preference.
func PreferredRole(t mission.Type) Role {
	switch t {
	case mission.TypeExtraction:
		return RoleResearcher
	case mission.TypeAnalysis:
		return RoleAnalyst
	case mission.TypeSynthesis:
		return RoleOracle
	case mission.TypeReview:
		return RoleReviewer
	case "testing":
		return RoleTester
	case "coding":
		return RoleCoder
	case "debugging":
		return RoleDebugger
	}
	return ""
}

// Agent represents a logical worker identity, bound 1:1 to a spawned
// process while alive.
type Agent struct {
	ID             int          `json:"id"`
	Role           Role         `json:"role"`
	Model          Model        `json:"model"`
	Status         Status       `json:"status"`
	CurrentMission string       `json:"current_mission,omitempty"`
	Completed      int          `json:"missions_completed"`
	Failed         int          `json:"missions_failed"`
	CreatedAt      time.Time    `json:"created_at"`
	Proc           *proc.Handle `json:"proc,omitempty"`
	WorktreePath   string       `json:"worktree_path,omitempty"`
	WorktreeBranch string       `json:"worktree_branch,omitempty"`
}

// Load is the number of missions this agent has handled, used for
// least-busy selection.
func (a *Agent) Load() int { return a.Completed + a.Failed }

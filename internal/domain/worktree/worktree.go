// Package worktree defines the isolated working-copy entities owned by the
// workspace isolation manager.
package worktree

import "time"

// Status represents the state of an agent's working copy.
type Status string

const (
	StatusActive   Status = "active"
	StatusMerged   Status = "merged"
	StatusConflict Status = "conflict"
	StatusCleaned  Status = "cleaned"
)

// Info describes one agent's isolated, branch-scoped working copy.
type Info struct {
	AgentID    int       `json:"agent_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// BranchStrategy selects how workspace branches are named.
type BranchStrategy string

const (
	BranchPerAgent BranchStrategy = "per-agent"
	BranchPerTask  BranchStrategy = "per-task"
)

// ConflictStrategy is the policy applied when merging an agent's branch
// hits overlapping edits, or when the workspace is dirty.
type ConflictStrategy string

const (
	ConflictAbort  ConflictStrategy = "abort"
	ConflictStash  ConflictStrategy = "stash"
	ConflictTheirs ConflictStrategy = "theirs"
	ConflictOurs   ConflictStrategy = "ours"
)

// SyncStrategy selects how a workspace is brought up to date with its base.
type SyncStrategy string

const (
	SyncRebase SyncStrategy = "rebase"
	SyncMerge  SyncStrategy = "merge"
)

// MergeResult reports the outcome of merging an agent's branch into the base.
// A conflict is an expected, recoverable outcome, not an error: Success is
// false and Conflicts lists the overlapping paths.
type MergeResult struct {
	Success   bool     `json:"success"`
	Commit    string   `json:"commit,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// TreeStatus reports whether a workspace is clean.
type TreeStatus struct {
	Clean   bool     `json:"clean"`
	Changed []string `json:"changed,omitempty"`
}

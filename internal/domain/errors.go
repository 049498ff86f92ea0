// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the entity already exists.
var ErrConflict = errors.New("already exists")

// ErrNoAgents indicates the spawner pool has no agents to assign work to.
var ErrNoAgents = errors.New("no agents available")

// ErrUnsupported indicates the host platform cannot run managed worker
// processes (no POSIX signals or no terminal multiplexer).
var ErrUnsupported = errors.New("platform not supported")

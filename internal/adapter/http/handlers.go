// Package http exposes the read-only inspection API: missions, agents,
// worktrees, process handles and the realtime event socket. Mission
// submission is not part of this surface.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentmux/agentmux/internal/domain"
	"github.com/agentmux/agentmux/internal/lifecycle"
	"github.com/agentmux/agentmux/internal/port/cache"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/spawner"
	"github.com/agentmux/agentmux/internal/worktree"
)

const missionCacheTTL = 2 * time.Second

// Handlers bundles the engine components the inspection API reads from.
type Handlers struct {
	Queue *queue.Queue
	Pool  *spawner.Spawner
	Procs *lifecycle.Manager
	Trees *worktree.Manager // may be nil under shared isolation
	Cache cache.Cache       // may be nil
}

// ListMissions returns every mission, terminal states included.
func (h *Handlers) ListMissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Queue.List())
}

// GetMission returns one mission by id, read through the cache.
func (h *Handlers) GetMission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.Cache != nil {
		if data, ok, _ := h.Cache.Get(r.Context(), "mission:"+id); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}
	}

	m, err := h.Queue.Get(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "mission not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.Cache != nil {
		if data, err := json.Marshal(m); err == nil {
			_ = h.Cache.Set(r.Context(), "mission:"+id, data, missionCacheTTL)
		}
	}
	writeJSON(w, http.StatusOK, m)
}

// ListAgents returns the spawner's agent pool.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pool.Agents())
}

// ListHandles returns every live process handle.
func (h *Handlers) ListHandles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Procs.AllHandles())
}

// ListWorktrees returns both views of workspace state: the manager's
// bookkeeping and git's own registry. The two can diverge when external
// tooling touches worktrees directly.
func (h *Handlers) ListWorktrees(w http.ResponseWriter, r *http.Request) {
	if h.Trees == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tracked": []any{}, "git": []any{}})
		return
	}

	gitView, err := h.Trees.ListGitWorktrees(r.Context())
	if err != nil {
		slog.Warn("git worktree enumeration failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tracked": h.Trees.All(),
		"git":     gitView,
	})
}

// Healthz reports engine liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"supported": h.Procs.Supported(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

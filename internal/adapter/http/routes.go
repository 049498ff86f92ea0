package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentmux/agentmux/internal/adapter/ws"
)

// MountRoutes registers the inspection API on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub) {
	r.Get("/healthz", h.Healthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		r.Get("/missions", h.ListMissions)
		r.Get("/missions/{id}", h.GetMission)
		r.Get("/agents", h.ListAgents)
		r.Get("/handles", h.ListHandles)
		r.Get("/worktrees", h.ListWorktrees)
	})

	r.Get("/ws", hub.HandleWS)
}

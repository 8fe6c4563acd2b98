package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	middlewarePkg "github.com/arducord/arducord/internal/middleware"
	"github.com/arducord/arducord/internal/relay"
	"github.com/arducord/arducord/pkg/utils"
)

// NewRouter wires HTTP routes to the relay hub.
func NewRouter(hub *relay.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			bridges, sessions, uptime := hub.Stats()
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":        "ok",
				"bridges":       bridges,
				"sessions":      sessions,
				"uptimeSeconds": int(uptime / time.Second),
			})
		})
	})

	r.Get("/ws/chat", hub.ServeUser)
	r.Get("/ws/bridge", hub.ServeBridge)

	return r
}

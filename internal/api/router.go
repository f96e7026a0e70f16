package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/investotype/sim-engine/internal/metrics"
)

// NewRouter mounts the HTTP API. hub may be nil, in which case no
// WebSocket endpoint is served.
func NewRouter(h *Handler, hub *Hub, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The WebSocket endpoint is long-lived and sits outside the request timeout.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Post("/assets/validate", h.ValidateAsset)
			r.Post("/assets/price", h.PriceAsset)
			r.Post("/assets/resolve", h.ResolveAsset)

			r.Post("/simulations", h.StartSimulation)
			r.Route("/simulations/{simulationID}", func(r chi.Router) {
				r.Get("/", h.GetSimulation)
				r.Post("/assets", h.AddAsset)
				r.Post("/rebalance", h.Rebalance)
				r.Post("/trade", h.Trade)
				r.Get("/timeline", h.Timeline)
				r.Get("/replay", h.Replay)
				r.Get("/projection", h.Projection)
				r.Post("/finish", h.Finish)
				r.Get("/market-briefing", h.MarketBriefing)
				r.Post("/market-search", h.MarketSearch)
			})
		})
	})

	return r
}

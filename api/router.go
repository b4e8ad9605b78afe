package api

import (
	"net/http"

	"scarf/auth"
	"scarf/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route of the server. The admin API and the static
// UI are only mounted when webUI is set.
func NewRouter(h *APIHandler, webUI bool, staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- Public / Unauthenticated Routes ---
	r.Get("/health", h.HealthCheck)
	r.Get("/api/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/torznab/{indexer}/api", h.TorznabAPI)
	r.Get("/torznab/{indexer}", h.TorznabAPI)

	if !webUI {
		return r
	}

	r.Post("/api/v1/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/api/v1/indexers", h.ListIndexers)
		r.Get("/api/v1/categories", h.ListCategories)
		r.Get("/api/v1/search", h.WebSearch)
		r.Get("/api/v1/test_indexer", h.TestIndexer)
		r.Get("/api/v1/api_key", h.GetAPIKey)
		r.Post("/api/v1/indexer/toggle", h.ToggleIndexer)
		r.Post("/api/v1/indexer/config", h.UpdateIndexerConfig)
		r.Delete("/api/v1/indexer/config", h.ClearIndexerConfig)
		r.Post("/api/v1/indexers/reload", h.ReloadIndexers)
		r.Get("/api/v1/logs", logger.WebSocketHandler)
	})

	if staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(staticDir)))
	}
	return r
}

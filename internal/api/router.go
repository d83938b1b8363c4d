// Package api assembles the HTTP surface of the control plane.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/conclave-ai/conclave/internal/api/handlers"
	"github.com/conclave-ai/conclave/internal/api/middleware"
	"github.com/conclave-ai/conclave/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.ListModels)
			r.Post("/rescan", h.RescanModels)
			r.Get("/tiers", h.ListTiers)
			r.Put("/port-range", h.SetPortRange)
			r.Post("/bulk-enable", h.BulkSetEnabled)
			r.Route("/{modelID}", func(r chi.Router) {
				r.Get("/", h.GetModel)
				r.Put("/tier", h.SetModelTier)
				r.Put("/thinking", h.SetModelThinking)
				r.Put("/enabled", h.SetModelEnabled)
				r.Put("/runtime", h.SetModelRuntime)
			})
		})

		r.Route("/servers", func(r chi.Router) {
			r.Get("/status", h.ServerStatus)
			r.Post("/start-all", h.StartAllServers)
			r.Post("/stop-all", h.StopAllServers)
			r.Post("/restart-all", h.RestartAllServers)
			r.Post("/{modelID}/start", h.StartServer)
			r.Post("/{modelID}/stop", h.StopServer)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", h.ListInstances)
			r.Post("/", h.CreateInstance)
			r.Route("/{instanceID}", func(r chi.Router) {
				r.Get("/", h.GetInstance)
				r.Put("/", h.UpdateInstance)
				r.Delete("/", h.DeleteInstance)
				r.Post("/start", h.StartInstance)
				r.Post("/stop", h.StopInstance)
			})
		})

		r.Post("/query", h.SubmitQuery)

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/", h.ListMetrics)
			r.Get("/time-series", h.MetricTimeSeries)
			r.Get("/summary", h.MetricSummary)
			r.Get("/compare", h.MetricCompare)
			r.Get("/model-breakdown", h.MetricModelBreakdown)
		})

		r.Get("/topology", h.TopologySnapshot)

		r.Get("/events/stream", h.StreamEvents)

		r.Route("/retrieval", func(r chi.Router) {
			r.Get("/status", h.RetrievalStatus)
			r.Post("/index", h.BuildRetrievalIndex)
		})

		r.Route("/agent", func(r chi.Router) {
			r.Post("/tasks", h.RunAgentTask)
			r.Post("/sessions/{sessionID}/confirm", h.ConfirmAgentAction)
			r.Post("/sessions/{sessionID}/cancel", h.CancelAgentSession)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "conclave-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "conclave-control-plane",
		})
	}
}

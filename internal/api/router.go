// Package api assembles the chi router from the handler set and the
// middleware stack.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelrelay/modelrelay/internal/api/handlers"
	"github.com/modelrelay/modelrelay/internal/api/middleware"
	"github.com/modelrelay/modelrelay/internal/config"
)

// NewRouter builds the HTTP routing table.
func NewRouter(h *handlers.Handlers, authCfg config.AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", h.GetVersion)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKey(authCfg.APIKeys, authCfg.APIKeyHeader))

		r.Post("/chat/completions", h.ChatCompletions)
		r.Post("/multimodal/completions", h.MultiModalCompletions)
		r.Post("/embeddings", h.Embeddings)

		r.Get("/models", h.ListModels)
		r.Get("/models/{model}", h.GetModel)
		r.Get("/route/{model}", h.RouteModel)

		r.Get("/providers", h.ListProviders)
		r.Get("/providers/{name}/health", h.ProviderHealth)

		r.Get("/usage", h.ListUsage)
		r.Get("/usage/summary", h.UsageSummary)
		r.Get("/costs/summary", h.CostSummary)

		r.Route("/budgets", func(r chi.Router) {
			r.Post("/", h.CreateBudget)
			r.Get("/", h.ListBudgets)
			r.Get("/{id}", h.GetBudget)
			r.Put("/{id}", h.UpdateBudget)
			r.Delete("/{id}", h.DeleteBudget)
			r.Get("/{id}/usage", h.BudgetUsage)
		})

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", h.CreateExperiment)
			r.Get("/", h.ListExperiments)
			r.Get("/{id}", h.GetExperiment)
			r.Put("/{id}", h.UpdateExperiment)
			r.Delete("/{id}", h.DeleteExperiment)
			r.Get("/{id}/stats", h.ExperimentStats)
		})

		r.Route("/fine-tuning/{provider}", func(r chi.Router) {
			r.Post("/jobs", h.CreateFineTuningJob)
			r.Get("/jobs/{id}", h.GetFineTuningJob)
			r.Post("/jobs/{id}/cancel", h.CancelFineTuningJob)
		})

		r.Route("/prompts", func(r chi.Router) {
			r.Post("/", h.CreatePrompt)
			r.Get("/", h.ListPrompts)
			r.Get("/{name}", h.GetPrompt)
			r.Delete("/{name}", h.DeletePrompt)
			r.Post("/{name}/render", h.RenderPrompt)
		})

		r.Route("/rag/{namespace}", func(r chi.Router) {
			r.Post("/documents", h.IndexDocuments)
			r.Post("/search", h.SearchDocuments)
			r.Post("/ask", h.Ask)
		})
	})

	return r
}

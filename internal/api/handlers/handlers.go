// Package handlers implements the REST surface: the OpenAI-compatible
// inference endpoints plus the management API for models, usage, budgets,
// experiments, prompts, and retrieval.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/experiment"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/prompt"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/rag"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/usage"
)

// Handlers bundles every dependency the REST surface needs.
type Handlers struct {
	Version string

	Gateway     *gateway.Gateway
	Registry    *registry.Registry
	Router      *router.Router
	Providers   *provider.Factory
	Ledger      *usage.Ledger
	Costs       *cost.Engine
	Experiments *experiment.Engine
	Store       store.Store
	Prompts     *prompt.Registry
	RAG         *rag.Service
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// respondPipelineError maps pipeline errors to HTTP statuses.
func respondPipelineError(w http.ResponseWriter, err error) {
	var (
		validation *gateway.ValidationError
		budget     *gateway.BudgetExceededError
		filtered   *gateway.ContentFilteredError
		notFound   *store.ErrNotFound
	)
	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, "invalid_request", validation.Error())
	case errors.As(err, &budget):
		respondError(w, http.StatusPaymentRequired, "budget_exceeded", budget.Error())
	case errors.As(err, &filtered):
		respondError(w, http.StatusBadRequest, "content_filtered", filtered.Error())
	case gateway.IsModelNotFound(err):
		respondError(w, http.StatusNotFound, "model_not_found", err.Error())
	case gateway.IsFallbackExhausted(err):
		respondError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetVersion reports the build version.
func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"version": h.Version})
}

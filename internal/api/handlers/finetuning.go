package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/provider"
)

// fineTuner resolves a provider name to its fine-tuning facet.
func (h *Handlers) fineTuner(w http.ResponseWriter, name string) (provider.FineTuner, bool) {
	p, err := h.Providers.Get(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return nil, false
	}
	if !p.Supports(provider.CapFineTuning) {
		respondError(w, http.StatusBadRequest, "not_supported", "provider does not support fine-tuning: "+name)
		return nil, false
	}
	ft, ok := p.(provider.FineTuner)
	if !ok {
		respondError(w, http.StatusBadRequest, "not_supported", "provider does not support fine-tuning: "+name)
		return nil, false
	}
	return ft, true
}

// CreateFineTuningJob serves POST /v1/fine-tuning/{provider}/jobs.
func (h *Handlers) CreateFineTuningJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model        string `json:"model"`
		TrainingFile string `json:"training_file"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Model == "" || body.TrainingFile == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "model and training_file required")
		return
	}
	ft, ok := h.fineTuner(w, chi.URLParam(r, "provider"))
	if !ok {
		return
	}
	job, err := ft.CreateFineTuningJob(r.Context(), body.Model, body.TrainingFile)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

// GetFineTuningJob serves GET /v1/fine-tuning/{provider}/jobs/{id}.
func (h *Handlers) GetFineTuningJob(w http.ResponseWriter, r *http.Request) {
	ft, ok := h.fineTuner(w, chi.URLParam(r, "provider"))
	if !ok {
		return
	}
	job, err := ft.GetFineTuningJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// CancelFineTuningJob serves POST /v1/fine-tuning/{provider}/jobs/{id}/cancel.
func (h *Handlers) CancelFineTuningJob(w http.ResponseWriter, r *http.Request) {
	ft, ok := h.fineTuner(w, chi.URLParam(r, "provider"))
	if !ok {
		return
	}
	if err := ft.CancelFineTuningJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondPipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

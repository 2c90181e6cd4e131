package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// ListModels serves GET /v1/models.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	catalog := h.Registry.List(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   catalog,
	})
}

// GetModel serves GET /v1/models/{model}.
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	mapping, err := h.Registry.Get(r.Context(), chi.URLParam(r, "model"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mapping)
}

// RouteModel serves GET /v1/route/{model}: the routing decision without an
// upstream call.
func (h *Handlers) RouteModel(w http.ResponseWriter, r *http.Request) {
	result := h.Router.RouteCompletion(r.Context(), chi.URLParam(r, "model"))
	status := http.StatusOK
	if !result.Success {
		status = http.StatusNotFound
	}
	respondJSON(w, status, result)
}

// ── Usage ───────────────────────────────────────────────────

func usageFilterFromQuery(r *http.Request) store.UsageFilter {
	q := r.URL.Query()
	f := store.UsageFilter{
		UserID:    q.Get("user_id"),
		ModelID:   q.Get("model_id"),
		Provider:  q.Get("provider"),
		ProjectID: q.Get("project_id"),
		Operation: models.OperationType(q.Get("operation")),
	}
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Start = t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.End = t
		}
	}
	return f
}

// ListUsage serves GET /v1/usage.
func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Ledger.List(r.Context(), usageFilterFromQuery(r))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": recs})
}

// UsageSummary serves GET /v1/usage/summary.
func (h *Handlers) UsageSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Ledger.Summary(r.Context(), usageFilterFromQuery(r))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// CostSummary serves GET /v1/costs/summary?group_by=model|provider|user|project.
func (h *Handlers) CostSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CostFilter{
		UserID:    q.Get("user_id"),
		ProjectID: q.Get("project_id"),
		ModelID:   q.Get("model_id"),
		Provider:  q.Get("provider"),
	}
	if v := q.Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Start = t
		}
	}
	if v := q.Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.End = t
		}
	}
	groups, err := h.Costs.Summarize(r.Context(), filter, q.Get("group_by"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": groups})
}

// ── Budgets ─────────────────────────────────────────────────

// CreateBudget serves POST /v1/budgets.
func (h *Handlers) CreateBudget(w http.ResponseWriter, r *http.Request) {
	var b models.Budget
	if !decodeBody(w, r, &b) {
		return
	}
	if b.AmountUSD <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "amount_usd must be positive")
		return
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if b.StartDate.IsZero() {
		b.StartDate = now
	}
	b.CreatedAt = now
	b.UpdatedAt = now
	if err := h.Store.CreateBudget(r.Context(), &b); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, b)
}

// ListBudgets serves GET /v1/budgets.
func (h *Handlers) ListBudgets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	budgets, err := h.Store.ListBudgets(r.Context(), q.Get("owner_user_id"), q.Get("project_id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": budgets})
}

// GetBudget serves GET /v1/budgets/{id}.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := h.Store.GetBudget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// UpdateBudget serves PUT /v1/budgets/{id}.
func (h *Handlers) UpdateBudget(w http.ResponseWriter, r *http.Request) {
	var b models.Budget
	if !decodeBody(w, r, &b) {
		return
	}
	b.ID = chi.URLParam(r, "id")
	b.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateBudget(r.Context(), &b); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// DeleteBudget serves DELETE /v1/budgets/{id}.
func (h *Handlers) DeleteBudget(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteBudget(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondPipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BudgetUsage serves GET /v1/budgets/{id}/usage.
func (h *Handlers) BudgetUsage(w http.ResponseWriter, r *http.Request) {
	b, err := h.Store.GetBudget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	usage, err := h.Costs.Usage(r.Context(), b, time.Now())
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usage)
}

// ── Experiments ─────────────────────────────────────────────

// CreateExperiment serves POST /v1/experiments.
func (h *Handlers) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var e models.Experiment
	if !decodeBody(w, r, &e) {
		return
	}
	if e.ControlModelID == "" || e.TreatmentModelID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "control and treatment models required")
		return
	}
	if e.TrafficAllocationPct < 0 || e.TrafficAllocationPct > 100 {
		respondError(w, http.StatusBadRequest, "invalid_request", "traffic_allocation_pct must be in [0, 100]")
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.StartDate.IsZero() {
		e.StartDate = now
	}
	e.CreatedAt = now
	if err := h.Store.CreateExperiment(r.Context(), &e); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

// ListExperiments serves GET /v1/experiments.
func (h *Handlers) ListExperiments(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	exps, err := h.Store.ListExperiments(r.Context(), activeOnly)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": exps})
}

// GetExperiment serves GET /v1/experiments/{id}.
func (h *Handlers) GetExperiment(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetExperiment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// UpdateExperiment serves PUT /v1/experiments/{id}.
func (h *Handlers) UpdateExperiment(w http.ResponseWriter, r *http.Request) {
	var e models.Experiment
	if !decodeBody(w, r, &e) {
		return
	}
	e.ID = chi.URLParam(r, "id")
	if err := h.Store.UpdateExperiment(r.Context(), &e); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// DeleteExperiment serves DELETE /v1/experiments/{id}.
func (h *Handlers) DeleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteExperiment(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondPipelineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExperimentStats serves GET /v1/experiments/{id}/stats.
func (h *Handlers) ExperimentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Experiments.Statistics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ListProviders serves GET /v1/providers.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   h.Providers.Names(),
	})
}

// ProviderHealth serves GET /v1/providers/{name}/health: a live model-list
// call against the backend, bounded to ten seconds.
func (h *Handlers) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, err := h.Providers.Get(name)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err = p.ListModels(ctx)
	latency := time.Since(start)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"provider":   name,
			"healthy":    false,
			"latency_ms": latency.Milliseconds(),
			"error":      err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":   name,
		"healthy":    true,
		"latency_ms": latency.Milliseconds(),
	})
}

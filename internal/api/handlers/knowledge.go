package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/prompt"
	"github.com/modelrelay/modelrelay/internal/rag"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// ── Prompt templates ────────────────────────────────────────

// CreatePrompt serves POST /v1/prompts.
func (h *Handlers) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	var t models.PromptTemplate
	if !decodeBody(w, r, &t) {
		return
	}
	if t.Name == "" || t.Template == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name and template required")
		return
	}
	h.Prompts.Register(t)
	stored, err := h.Prompts.Get(t.Name)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, stored)
}

// ListPrompts serves GET /v1/prompts.
func (h *Handlers) ListPrompts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": h.Prompts.List()})
}

// GetPrompt serves GET /v1/prompts/{name}.
func (h *Handlers) GetPrompt(w http.ResponseWriter, r *http.Request) {
	t, err := h.Prompts.Get(chi.URLParam(r, "name"))
	if err != nil {
		respondPromptError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// DeletePrompt serves DELETE /v1/prompts/{name}.
func (h *Handlers) DeletePrompt(w http.ResponseWriter, r *http.Request) {
	if err := h.Prompts.Delete(chi.URLParam(r, "name")); err != nil {
		respondPromptError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenderPrompt serves POST /v1/prompts/{name}/render.
func (h *Handlers) RenderPrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Variables map[string]string `json:"variables"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rendered, err := h.Prompts.Render(chi.URLParam(r, "name"), body.Variables)
	if err != nil {
		respondPromptError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"rendered": rendered})
}

func respondPromptError(w http.ResponseWriter, err error) {
	var (
		notFound *prompt.ErrTemplateNotFound
		missing  *prompt.MissingVariablesError
	)
	switch {
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &missing):
		respondError(w, http.StatusBadRequest, "missing_variables", err.Error())
	default:
		respondPipelineError(w, err)
	}
}

// ── Retrieval ───────────────────────────────────────────────

// IndexDocuments serves POST /v1/rag/{namespace}/documents.
func (h *Handlers) IndexDocuments(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Documents []rag.Document `json:"documents"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Documents) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "at least one document required")
		return
	}
	if err := h.RAG.Index(r.Context(), chi.URLParam(r, "namespace"), body.Documents); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"indexed": len(body.Documents)})
}

// SearchDocuments serves POST /v1/rag/{namespace}/search.
func (h *Handlers) SearchDocuments(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Query == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query required")
		return
	}
	results, err := h.RAG.SearchByText(r.Context(), chi.URLParam(r, "namespace"), body.Query, body.Limit)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": results})
}

// Ask serves POST /v1/rag/{namespace}/ask.
func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question string `json:"question"`
		UserID   string `json:"user_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Question == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "question required")
		return
	}
	answer, err := h.RAG.Ask(r.Context(), chi.URLParam(r, "namespace"), body.Question, body.UserID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, answer)
}

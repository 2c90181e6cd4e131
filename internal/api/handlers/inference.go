package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// ChatCompletions serves POST /v1/chat/completions, switching to SSE when
// the request asks for streaming.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.CompletionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, &req)
		return
	}

	resp, err := h.Gateway.Complete(r.Context(), &req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// streamCompletion writes chunks as server-sent events, ending with the
// [DONE] sentinel. Errors after the first chunk arrive as an error event;
// the status line is already committed by then.
func (h *Handlers) streamCompletion(w http.ResponseWriter, r *http.Request, req *models.CompletionRequest) {
	stream, err := h.Gateway.CompleteStream(r.Context(), req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			w.Write([]byte("data: [DONE]\n\n"))
			flusher.Flush()
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Stream interrupted")
			payload, _ := json.Marshal(errorBody{Error: errorDetail{Code: "stream_error", Message: err.Error()}})
			w.Write([]byte("data: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode chunk")
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// MultiModalCompletions serves POST /v1/multimodal/completions.
func (h *Handlers) MultiModalCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.MultiModalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.Gateway.CompleteMultiModal(r.Context(), &req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Embeddings serves POST /v1/embeddings.
func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req models.EmbeddingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := h.Gateway.Embed(r.Context(), &req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

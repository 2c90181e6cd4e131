package gateway

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/pkg/models"
)

func validateMultiModal(req *models.MultiModalRequest) error {
	if req.ModelID == "" {
		return &ValidationError{Field: "model", Message: "required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message required"}
	}
	return nil
}

// CompleteMultiModal runs the pipeline for mixed text-and-image requests.
// Image bytes are never fingerprinted, so these responses bypass the cache.
func (g *Gateway) CompleteMultiModal(ctx context.Context, req *models.MultiModalRequest) (*models.CompletionResponse, error) {
	if err := validateMultiModal(req); err != nil {
		return nil, err
	}

	requestID := newRequestID()

	if g.filter != nil && g.filter.FilterPrompts() {
		for _, m := range req.Messages {
			for _, part := range m.Parts {
				if part.Text == "" {
					continue
				}
				if res := g.filter.Check(ctx, part.Text); !res.Allowed {
					return nil, &ContentFilteredError{Stage: "prompt", Result: res}
				}
			}
		}
	}

	if err := g.checkBudget(ctx, req.User, req.ProjectID, g.estimateMultiModalCost(ctx, req)); err != nil {
		return nil, err
	}

	var (
		resp        *models.CompletionResponse
		servedModel string
	)
	call := func(modelID string) error {
		res, err := g.router.ResolveMultiModal(ctx, modelID)
		if err != nil {
			return err
		}
		mm, ok := res.Provider.(provider.MultiModalCompleter)
		if !ok {
			return &provider.ErrNotSupported{Provider: res.Provider.Name(), Operation: "multimodal completions"}
		}
		upstream := *req
		upstream.ModelID = res.Mapping.ProviderModelID
		out, err := mm.CreateMultiModalCompletion(ctx, &upstream)
		if err != nil {
			return err
		}
		resp = out
		servedModel = modelID
		return nil
	}

	if err := call(req.ModelID); err != nil {
		if g.fallback == nil {
			return nil, err
		}
		log.Warn().Err(err).Str("request_id", requestID).Str("model_id", req.ModelID).Msg("Primary multimodal completion failed")
		if fbErr := g.fallback.Execute(ctx, req.ModelID, err, call); fbErr != nil {
			return nil, fbErr
		}
	}

	if g.filter != nil && g.filter.FilterCompletions() {
		if res := g.filter.CheckResponse(ctx, resp); !res.Allowed {
			g.trackUsage(ctx, requestID, resp.Provider, servedModel, models.OperationCompletion, resp.Usage, req.User, req.ProjectID, req.Tags)
			return nil, &ContentFilteredError{Stage: "completion", Result: res}
		}
	}

	g.trackUsage(ctx, requestID, resp.Provider, servedModel, models.OperationCompletion, resp.Usage, req.User, req.ProjectID, req.Tags)

	resp.Model = req.ModelID
	if resp.ID == "" {
		resp.ID = requestID
	}
	return resp, nil
}

package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/pkg/models"
)

func validateEmbedding(req *models.EmbeddingRequest) error {
	if req.ModelID == "" {
		return &ValidationError{Field: "model", Message: "required"}
	}
	if len(req.Input) == 0 {
		return &ValidationError{Field: "input", Message: "at least one input required"}
	}
	return nil
}

// Embed runs the embedding pipeline. Embeddings are deterministic, so every
// request is cache-eligible; responses served via fallback are not cached.
func (g *Gateway) Embed(ctx context.Context, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if err := validateEmbedding(req); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "gateway.embed")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", req.ModelID))

	requestID := newRequestID()

	if err := g.checkBudget(ctx, req.User, req.ProjectID, g.estimateEmbeddingCost(ctx, req)); err != nil {
		return nil, err
	}

	var cacheKey string
	if g.cache != nil {
		key, err := cache.EmbeddingFingerprint(req)
		if err == nil {
			cacheKey = key
			if data, ok := g.cache.Get(ctx, cacheKey); ok {
				var cached models.EmbeddingResponse
				if err := json.Unmarshal(data, &cached); err == nil {
					cached.Model = req.ModelID
					span.SetAttributes(attribute.Bool("cache_hit", true))
					return &cached, nil
				}
			}
		}
	}

	var (
		resp        *models.EmbeddingResponse
		servedModel string
	)
	call := func(modelID string) error {
		res, err := g.router.ResolveEmbedding(ctx, modelID)
		if err != nil {
			return err
		}
		upstream := *req
		upstream.ModelID = res.Mapping.ProviderModelID
		out, err := res.Provider.CreateEmbedding(ctx, &upstream)
		if err != nil {
			return err
		}
		resp = out
		servedModel = modelID
		return nil
	}

	usedFallback := false
	if err := call(req.ModelID); err != nil {
		if g.fallback == nil {
			return nil, err
		}
		log.Warn().Err(err).Str("request_id", requestID).Str("model_id", req.ModelID).Msg("Primary embedding failed")
		if fbErr := g.fallback.Execute(ctx, req.ModelID, err, call); fbErr != nil {
			return nil, fbErr
		}
		usedFallback = true
	}

	g.trackUsage(ctx, requestID, resp.Provider, servedModel, models.OperationEmbedding, resp.Usage, req.User, req.ProjectID, req.Tags)

	if cacheKey != "" && !usedFallback {
		if data, err := json.Marshal(resp); err == nil {
			g.cache.Set(ctx, cacheKey, data, g.cacheTTL)
		}
	}

	resp.Model = req.ModelID
	return resp, nil
}

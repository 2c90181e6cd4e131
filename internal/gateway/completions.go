package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/pkg/models"
)

func validateCompletion(req *models.CompletionRequest) error {
	if req.ModelID == "" {
		return &ValidationError{Field: "model", Message: "required"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message required"}
	}
	return nil
}

// Complete runs the full completion pipeline. The returned response always
// reports the model identifier the caller asked for, regardless of
// experiment assignment or fallback.
func (g *Gateway) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	if err := validateCompletion(req); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "gateway.complete")
	defer span.End()
	span.SetAttributes(attribute.String("model_id", req.ModelID))

	requestID := newRequestID()
	started := time.Now()

	if g.filter != nil && g.filter.FilterPrompts() {
		if res := g.filter.CheckMessages(ctx, req.Messages); !res.Allowed {
			return nil, &ContentFilteredError{Stage: "prompt", Result: res}
		}
	}

	effective, assignment := g.effectiveModel(ctx, req.User, req.ModelID)
	if assignment != nil {
		span.SetAttributes(
			attribute.String("experiment_id", assignment.ExperimentID),
			attribute.String("variant", assignment.Variant),
		)
	}

	if err := g.checkBudget(ctx, req.User, req.ProjectID, g.estimateCompletionCost(ctx, effective, req)); err != nil {
		return nil, err
	}

	// Cache keys are computed over the effective model so experiment
	// variants never share entries.
	var cacheKey string
	if g.cache != nil && cache.Cacheable(req, g.tempThreshold) {
		keyed := *req
		keyed.ModelID = effective
		key, err := cache.CompletionFingerprint(&keyed)
		if err == nil {
			cacheKey = key
			if data, ok := g.cache.Get(ctx, cacheKey); ok {
				var cached models.CompletionResponse
				if err := json.Unmarshal(data, &cached); err == nil {
					cached.Model = req.ModelID
					span.SetAttributes(attribute.Bool("cache_hit", true))
					log.Debug().Str("request_id", requestID).Str("model_id", req.ModelID).Msg("Completion served from cache")
					return &cached, nil
				}
			}
		}
	}

	var (
		resp        *models.CompletionResponse
		servedModel string
	)
	call := func(modelID string) error {
		res, err := g.router.ResolveCompletion(ctx, modelID)
		if err != nil {
			return err
		}
		upstream := *req
		upstream.ModelID = res.Mapping.ProviderModelID
		out, err := res.Provider.CreateCompletion(ctx, &upstream)
		if err != nil {
			return err
		}
		resp = out
		servedModel = modelID
		return nil
	}

	usedFallback := false
	if err := call(effective); err != nil {
		if g.fallback == nil {
			return nil, err
		}
		log.Warn().Err(err).Str("request_id", requestID).Str("model_id", effective).Msg("Primary completion failed")
		if fbErr := g.fallback.Execute(ctx, effective, err, call); fbErr != nil {
			return nil, fbErr
		}
		usedFallback = true
	}

	if g.filter != nil && g.filter.FilterCompletions() {
		if res := g.filter.CheckResponse(ctx, resp); !res.Allowed {
			// Tokens were consumed upstream; account for them even though
			// the caller gets nothing back.
			g.trackUsage(ctx, requestID, resp.Provider, servedModel, models.OperationCompletion, resp.Usage, req.User, req.ProjectID, req.Tags)
			return nil, &ContentFilteredError{Stage: "completion", Result: res}
		}
	}

	g.trackUsage(ctx, requestID, resp.Provider, servedModel, models.OperationCompletion, resp.Usage, req.User, req.ProjectID, req.Tags)
	g.recordExperimentResult(ctx, assignment, requestID, req.User, time.Since(started), resp.Usage)

	// Fallback responses are never cached; the primary model could serve a
	// different answer once it recovers.
	if cacheKey != "" && !usedFallback {
		if data, err := json.Marshal(resp); err == nil {
			g.cache.Set(ctx, cacheKey, data, g.cacheTTL)
		}
	}

	resp.Model = req.ModelID
	if resp.ID == "" {
		resp.ID = requestID
	}
	return resp, nil
}

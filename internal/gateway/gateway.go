// Package gateway orchestrates the request pipeline: content filtering,
// experiment assignment, budget enforcement, response caching, routing with
// fallback, and usage accounting for completions, streaming completions,
// and embeddings.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/experiment"
	"github.com/modelrelay/modelrelay/internal/moderation"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/usage"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Gateway wires the pipeline stages together. All fields except the router
// pair are optional; a nil stage is skipped.
type Gateway struct {
	router   *router.Router
	fallback *router.FallbackController

	cache         cache.Service
	cacheTTL      time.Duration
	tempThreshold float64

	filter      *moderation.Filter
	experiments *experiment.Engine
	ledger      *usage.Ledger
	tokenizer   *usage.Tokenizer
	costs       *cost.Engine

	tracer trace.Tracer
}

// Options carries the optional pipeline stages.
type Options struct {
	Cache                cache.Service
	CacheTTL             time.Duration
	TemperatureThreshold float64
	Filter               *moderation.Filter
	Experiments          *experiment.Engine
	Ledger               *usage.Ledger
	Tokenizer            *usage.Tokenizer
	Costs                *cost.Engine
}

// New creates a Gateway.
func New(r *router.Router, fb *router.FallbackController, opts Options) *Gateway {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	tokenizer := opts.Tokenizer
	if tokenizer == nil {
		tokenizer = usage.NewTokenizer()
	}
	return &Gateway{
		router:        r,
		fallback:      fb,
		cache:         opts.Cache,
		cacheTTL:      ttl,
		tempThreshold: opts.TemperatureThreshold,
		filter:        opts.Filter,
		experiments:   opts.Experiments,
		ledger:        opts.Ledger,
		tokenizer:     tokenizer,
		costs:         opts.Costs,
		tracer:        otel.Tracer("modelrelay/gateway"),
	}
}

// newRequestID mints the gateway-scoped request identifier.
func newRequestID() string {
	return uuid.NewString()
}

// effectiveModel applies experiment assignment to the requested model.
func (g *Gateway) effectiveModel(ctx context.Context, userID, requested string) (string, *experiment.Assignment) {
	if g.experiments == nil {
		return requested, nil
	}
	return g.experiments.GetModelForUser(ctx, userID, requested)
}

// checkBudget blocks the request when an enforced budget cannot absorb its
// estimated cost.
func (g *Gateway) checkBudget(ctx context.Context, userID, projectID string, estimatedUSD float64) error {
	if g.costs == nil {
		return nil
	}
	exceeded, err := g.costs.CheckSpend(ctx, userID, projectID, estimatedUSD)
	if err != nil {
		return err
	}
	if exceeded != nil {
		return &BudgetExceededError{BudgetID: exceeded.ID}
	}
	return nil
}

// estimateCompletionCost projects a request's cost before the upstream
// call: the tokenized prompt plus the caller's full completion allowance.
func (g *Gateway) estimateCompletionCost(ctx context.Context, modelID string, req *models.CompletionRequest) float64 {
	if g.costs == nil {
		return 0
	}
	return g.costs.EstimateCompletion(ctx, modelID, g.tokenizer.CountMessages(modelID, req.Messages), req.MaxTokens)
}

// estimateEmbeddingCost projects an embedding request's cost.
func (g *Gateway) estimateEmbeddingCost(ctx context.Context, req *models.EmbeddingRequest) float64 {
	if g.costs == nil {
		return 0
	}
	tokens := 0
	for _, in := range req.Input {
		tokens += g.tokenizer.CountText(req.ModelID, in)
	}
	return g.costs.EstimateEmbedding(ctx, req.ModelID, tokens)
}

// estimateMultiModalCost projects a multi-modal request's cost from its
// text parts; binary parts are not token-priced.
func (g *Gateway) estimateMultiModalCost(ctx context.Context, req *models.MultiModalRequest) float64 {
	if g.costs == nil {
		return 0
	}
	tokens := 0
	for _, m := range req.Messages {
		for _, part := range m.Parts {
			if part.Text != "" {
				tokens += g.tokenizer.CountText(req.ModelID, part.Text)
			}
		}
	}
	return g.costs.EstimateCompletion(ctx, req.ModelID, tokens, req.MaxTokens)
}

// trackUsage records ledger and cost entries for one upstream call.
func (g *Gateway) trackUsage(ctx context.Context, requestID, providerName, modelID string, op models.OperationType, tokens models.TokenUsage, userID, projectID string, tags []string) {
	var costUSD float64
	if g.costs != nil {
		switch op {
		case models.OperationEmbedding:
			costUSD = g.costs.EmbeddingCost(ctx, providerName, modelID, tokens)
		default:
			costUSD = g.costs.CompletionCost(ctx, providerName, modelID, tokens)
		}
	}
	now := time.Now().UTC()
	if g.ledger != nil {
		g.ledger.Track(ctx, &models.UsageRecord{
			RequestID:        requestID,
			UserID:           userID,
			Provider:         providerName,
			ModelID:          modelID,
			Operation:        op,
			Timestamp:        now,
			PromptTokens:     tokens.PromptTokens,
			CompletionTokens: tokens.CompletionTokens,
			TotalTokens:      tokens.TotalTokens,
			EstimatedCostUSD: costUSD,
			ProjectID:        projectID,
			Tags:             tags,
		})
	}
	if g.costs != nil {
		g.costs.Record(ctx, &models.CostRecord{
			RequestID:    requestID,
			UserID:       userID,
			ProjectID:    projectID,
			Provider:     providerName,
			ModelID:      modelID,
			Operation:    op,
			TotalTokens:  tokens.TotalTokens,
			TotalCostUSD: costUSD,
			Timestamp:    now,
			Tags:         tags,
		})
	}
}

// recordExperimentResult stores latency and token metrics for a request
// served under an experiment variant.
func (g *Gateway) recordExperimentResult(ctx context.Context, assignment *experiment.Assignment, requestID, userID string, latency time.Duration, tokens models.TokenUsage) {
	if g.experiments == nil || assignment == nil {
		return
	}
	g.experiments.RecordResult(ctx, &models.ExperimentResult{
		ExperimentID: assignment.ExperimentID,
		UserID:       userID,
		RequestID:    requestID,
		Variant:      assignment.Variant,
		ModelID:      assignment.ModelID,
		Metrics: map[string]float64{
			"latency_ms":   float64(latency.Milliseconds()),
			"total_tokens": float64(tokens.TotalTokens),
		},
	})
}

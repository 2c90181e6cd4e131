package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/experiment"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// CompleteStream runs the streaming completion pipeline. Fallback applies
// only while opening the stream; once the first chunk could have been
// delivered the stream is committed to its provider. Responses are never
// cached. Usage is recorded when the stream finishes or is closed, from the
// provider's final-chunk usage when present or a tokenizer estimate
// otherwise.
func (g *Gateway) CompleteStream(ctx context.Context, req *models.CompletionRequest) (provider.Stream, error) {
	if err := validateCompletion(req); err != nil {
		return nil, err
	}

	requestID := newRequestID()

	if g.filter != nil && g.filter.FilterPrompts() {
		if res := g.filter.CheckMessages(ctx, req.Messages); !res.Allowed {
			return nil, &ContentFilteredError{Stage: "prompt", Result: res}
		}
	}

	effective, assignment := g.effectiveModel(ctx, req.User, req.ModelID)

	if err := g.checkBudget(ctx, req.User, req.ProjectID, g.estimateCompletionCost(ctx, effective, req)); err != nil {
		return nil, err
	}

	var (
		inner       provider.Stream
		servedModel string
	)
	open := func(modelID string) error {
		res, err := g.router.ResolveStreaming(ctx, modelID)
		if err != nil {
			return err
		}
		upstream := *req
		upstream.ModelID = res.Mapping.ProviderModelID
		upstream.Stream = true
		s, err := res.Provider.CreateCompletionStream(ctx, &upstream)
		if err != nil {
			return err
		}
		inner = s
		servedModel = modelID
		return nil
	}

	if err := open(effective); err != nil {
		if g.fallback == nil {
			return nil, err
		}
		log.Warn().Err(err).Str("request_id", requestID).Str("model_id", effective).Msg("Primary stream open failed")
		if fbErr := g.fallback.Execute(ctx, effective, err, open); fbErr != nil {
			return nil, fbErr
		}
	}

	return &gatewayStream{
		gw:             g,
		ctx:            ctx,
		inner:          inner,
		requestID:      requestID,
		requestedModel: req.ModelID,
		servedModel:    servedModel,
		messages:       req.Messages,
		userID:         req.User,
		projectID:      req.ProjectID,
		tags:           req.Tags,
		assignment:     assignment,
		started:        time.Now(),
	}, nil
}

// gatewayStream wraps a provider stream, rewriting chunk model identifiers
// to the caller's requested model and accounting usage exactly once at end
// of stream.
type gatewayStream struct {
	gw             *Gateway
	ctx            context.Context
	inner          provider.Stream
	requestID      string
	requestedModel string
	servedModel    string
	messages       []models.Message
	userID         string
	projectID      string
	tags           []string
	assignment     *experiment.Assignment
	started        time.Time

	content  strings.Builder
	usage    *models.TokenUsage
	provider string
	sawFinal bool

	trackOnce sync.Once
}

func (s *gatewayStream) Recv() (*models.CompletionChunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		s.finalize()
		return nil, err
	}

	chunk.Model = s.requestedModel
	s.provider = chunk.Provider
	for _, c := range chunk.Choices {
		if c.Delta != nil {
			s.content.WriteString(c.Delta.Content)
		}
		if c.FinishReason != "" {
			s.sawFinal = true
		}
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		s.usage = &u
		s.sawFinal = true
	}
	return chunk, nil
}

func (s *gatewayStream) Close() error {
	err := s.inner.Close()
	s.finalize()
	return err
}

// finalize records usage and experiment metrics once, even when the caller
// both drains the stream and closes it. A stream abandoned before its final
// chunk produced no complete generation and is not accounted.
func (s *gatewayStream) finalize() {
	if !s.sawFinal {
		return
	}
	s.trackOnce.Do(func() {
		tokens := models.TokenUsage{}
		if s.usage != nil {
			tokens = *s.usage
		} else {
			tokens.PromptTokens = s.gw.tokenizer.CountMessages(s.servedModel, s.messages)
			tokens.CompletionTokens = s.gw.tokenizer.CountText(s.servedModel, s.content.String())
			tokens.TotalTokens = tokens.PromptTokens + tokens.CompletionTokens
		}
		// The request context may already be cancelled; accounting still
		// has to land.
		ctx := context.WithoutCancel(s.ctx)
		s.gw.trackUsage(ctx, s.requestID, s.provider, s.servedModel, models.OperationCompletion, tokens, s.userID, s.projectID, s.tags)
		s.gw.recordExperimentResult(ctx, s.assignment, s.requestID, s.userID, time.Since(s.started), tokens)
	})
}

var _ provider.Stream = (*gatewayStream)(nil)

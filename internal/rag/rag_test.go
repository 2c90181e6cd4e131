package rag_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/experiment"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/moderation"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/rag"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/usage"
	"github.com/modelrelay/modelrelay/internal/vectorstore"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// ragProvider embeds by keyword lookup so similarity search is
// deterministic, and answers completions by echoing the last user turn.
type ragProvider struct {
	embeddings  int
	completions int
	lastPrompt  string
}

func vectorFor(text string) []float64 {
	switch {
	case strings.Contains(text, "go"):
		return []float64{1, 0, 0}
	case strings.Contains(text, "python"):
		return []float64{0, 1, 0}
	default:
		return []float64{0, 0, 1}
	}
}

func (p *ragProvider) Name() string                      { return "rag-prov" }
func (p *ragProvider) Supports(provider.Capability) bool { return true }

func (p *ragProvider) ListModels(context.Context) ([]models.ModelInfo, error) { return nil, nil }

func (p *ragProvider) GetModel(context.Context, string) (*models.ModelInfo, error) {
	return nil, errors.New("not implemented")
}

func (p *ragProvider) CreateCompletion(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	p.completions++
	p.lastPrompt = req.Messages[len(req.Messages)-1].Content
	return &models.CompletionResponse{
		ID:       "resp-1",
		Model:    req.ModelID,
		Provider: "rag-prov",
		Choices: []models.Choice{{
			Message:      &models.Message{Role: models.RoleAssistant, Content: "Grounded answer."},
			FinishReason: "stop",
		}},
		Usage: models.TokenUsage{PromptTokens: 20, CompletionTokens: 4, TotalTokens: 24},
	}, nil
}

func (p *ragProvider) CreateCompletionStream(context.Context, *models.CompletionRequest) (provider.Stream, error) {
	return nil, errors.New("not implemented")
}

func (p *ragProvider) CreateEmbedding(_ context.Context, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	p.embeddings++
	data := make([]models.Embedding, len(req.Input))
	for i, in := range req.Input {
		data[i] = models.Embedding{Index: i, Embedding: vectorFor(in)}
	}
	return &models.EmbeddingResponse{
		Model:    req.ModelID,
		Provider: "rag-prov",
		Data:     data,
		Usage:    models.TokenUsage{PromptTokens: 3 * len(req.Input), TotalTokens: 3 * len(req.Input)},
	}, nil
}

func newTestService(t *testing.T) (*rag.Service, *ragProvider) {
	t.Helper()

	st, err := store.NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })

	prov := &ragProvider{}
	factory := provider.NewFactory()
	factory.Register(prov)

	reg := registry.New([]models.ModelMapping{
		{ModelID: "embed-1", Provider: "rag-prov", ProviderModelID: "embed-1-upstream"},
		{ModelID: "gpt-x", Provider: "rag-prov", ProviderModelID: "gpt-x-upstream"},
	}, factory)

	rt := router.New(reg, factory, config.FallbacksConfig{})
	fb := router.NewFallbackController(rt, 1, time.Millisecond, time.Millisecond)

	filter, err := moderation.New(config.FilterConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	c := cache.NewMemory()
	t.Cleanup(c.Close)

	gw := gateway.New(rt, fb, gateway.Options{
		Cache:                c,
		CacheTTL:             time.Minute,
		TemperatureThreshold: 0.1,
		Filter:               filter,
		Experiments:          experiment.New(st),
		Ledger:               usage.NewLedger(st),
		Costs: cost.New(reg, config.PricingConfig{
			Fallback: config.PricePair{Input: 0.001, Output: 0.002},
		}, st, st, false),
	})

	vs := vectorstore.NewEmbedded(0)
	return rag.New(gw, vs, "embed-1", "gpt-x", 2), prov
}

func TestIndexAndSearch(t *testing.T) {
	svc, prov := newTestService(t)
	ctx := context.Background()

	err := svc.Index(ctx, "kb", []rag.Document{
		{ID: "1", Content: "go is a compiled language"},
		{ID: "2", Content: "python is interpreted"},
		{ID: "3", Content: "rust has a borrow checker"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if prov.embeddings != 1 {
		t.Errorf("embedding calls = %d, want one batch", prov.embeddings)
	}

	res, err := svc.SearchByText(ctx, "kb", "tell me about go", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Doc.ID != "1" {
		t.Errorf("results = %+v", res)
	}
}

func TestIndexEmpty(t *testing.T) {
	svc, prov := newTestService(t)

	if err := svc.Index(context.Background(), "kb", nil); err != nil {
		t.Fatal(err)
	}
	if prov.embeddings != 0 {
		t.Errorf("embedding calls = %d, want none for empty batch", prov.embeddings)
	}
}

func TestAskGroundsOnSources(t *testing.T) {
	svc, prov := newTestService(t)
	ctx := context.Background()

	err := svc.Index(ctx, "kb", []rag.Document{
		{ID: "1", Content: "go is a compiled language"},
		{ID: "2", Content: "python is interpreted"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ans, err := svc.Ask(ctx, "kb", "what kind of language is go?", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Answer != "Grounded answer." {
		t.Errorf("answer = %q", ans.Answer)
	}
	if ans.Model != "gpt-x" {
		t.Errorf("model = %q", ans.Model)
	}
	if len(ans.Sources) == 0 || ans.Sources[0].Doc.ID != "1" {
		t.Errorf("sources = %+v", ans.Sources)
	}
	if ans.Usage.TotalTokens != 24 {
		t.Errorf("usage = %+v", ans.Usage)
	}

	// The retrieved passages are inlined above the question.
	if !strings.Contains(prov.lastPrompt, "Context:") ||
		!strings.Contains(prov.lastPrompt, "[1] go is a compiled language") ||
		!strings.Contains(prov.lastPrompt, "Question: what kind of language is go?") {
		t.Errorf("prompt = %q", prov.lastPrompt)
	}
}

func TestAskUnknownNamespace(t *testing.T) {
	svc, _ := newTestService(t)

	ans, err := svc.Ask(context.Background(), "empty-ns", "anything?", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 0 {
		t.Errorf("sources = %+v", ans.Sources)
	}
}

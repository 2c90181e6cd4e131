package router_test

import (
	"context"
	"errors"
	"testing"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// fakeProvider supports a fixed capability set.
type fakeProvider struct {
	name string
	caps map[provider.Capability]bool
}

func (p *fakeProvider) Name() string                        { return p.name }
func (p *fakeProvider) Supports(c provider.Capability) bool { return p.caps[c] }

func (p *fakeProvider) ListModels(context.Context) ([]models.ModelInfo, error) {
	return nil, nil
}

func (p *fakeProvider) GetModel(context.Context, string) (*models.ModelInfo, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) CreateCompletion(context.Context, *models.CompletionRequest) (*models.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) CreateCompletionStream(context.Context, *models.CompletionRequest) (provider.Stream, error) {
	return nil, errors.New("not implemented")
}

func (p *fakeProvider) CreateEmbedding(context.Context, *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	return nil, errors.New("not implemented")
}

func newTestRouter(t *testing.T, fallbacks config.FallbacksConfig) *router.Router {
	t.Helper()
	factory := provider.NewFactory()
	factory.Register(&fakeProvider{name: "openai", caps: map[provider.Capability]bool{
		provider.CapCompletion: true,
		provider.CapStreaming:  true,
		provider.CapEmbedding:  true,
	}})
	factory.Register(&fakeProvider{name: "anthropic", caps: map[provider.Capability]bool{
		provider.CapCompletion: true,
	}})

	reg := registry.New([]models.ModelMapping{
		{ModelID: "gpt-x", Provider: "openai", ProviderModelID: "gpt-4o"},
		{ModelID: "claude-z", Provider: "anthropic", ProviderModelID: "claude-3"},
		{ModelID: "orphan", Provider: "gone", ProviderModelID: "x"},
	}, factory)

	return router.New(reg, factory, fallbacks)
}

func TestResolveCompletion(t *testing.T) {
	r := newTestRouter(t, config.FallbacksConfig{})

	res, err := r.ResolveCompletion(context.Background(), "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider.Name() != "openai" {
		t.Errorf("provider = %q", res.Provider.Name())
	}
	if res.Mapping.ProviderModelID != "gpt-4o" {
		t.Errorf("provider model = %q", res.Mapping.ProviderModelID)
	}
}

func TestResolveCapabilityMismatch(t *testing.T) {
	r := newTestRouter(t, config.FallbacksConfig{})

	// anthropic fake does not advertise streaming
	if _, err := r.ResolveStreaming(context.Background(), "claude-z"); err == nil {
		t.Error("expected capability error")
	}
	if _, err := r.ResolveEmbedding(context.Background(), "claude-z"); err == nil {
		t.Error("expected capability error")
	}
}

func TestResolveUnknownModelAndProvider(t *testing.T) {
	r := newTestRouter(t, config.FallbacksConfig{})
	ctx := context.Background()

	var notFound *registry.ErrModelNotFound
	if _, err := r.ResolveCompletion(ctx, "missing"); !errors.As(err, &notFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}

	var noProvider *provider.ErrProviderNotFound
	if _, err := r.ResolveCompletion(ctx, "orphan"); !errors.As(err, &noProvider) {
		t.Errorf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestRouteCompletion(t *testing.T) {
	r := newTestRouter(t, config.FallbacksConfig{})
	ctx := context.Background()

	res := r.RouteCompletion(ctx, "gpt-x")
	if !res.Success || res.Provider != "openai" || res.EffectiveModelID != "gpt-x" {
		t.Errorf("result = %+v", res)
	}

	res = r.RouteCompletion(ctx, "missing")
	if res.Success || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestFallbackModelsPrecedence(t *testing.T) {
	r := newTestRouter(t, config.FallbacksConfig{
		PerError: map[string]map[string][]string{
			"RATE_LIMIT": {
				"gpt-x": {"gpt-y"},
				"*":     {"claude-z"},
			},
		},
		PerModel: map[string][]string{"gpt-x": {"gpt-w", "gpt-y"}},
		Generic:  []string{"llama-1", "gpt-x"},
	})

	got := r.FallbackModels("gpt-x", provider.ErrCodeRateLimit)
	want := []string{"gpt-y", "claude-z", "gpt-w", "llama-1"}
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// A different error code skips the per-error rules.
	got = r.FallbackModels("gpt-x", provider.ErrCodeTimeout)
	want = []string{"gpt-w", "gpt-y", "llama-1"}
	if len(got) != len(want) {
		t.Fatalf("timeout chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("timeout chain[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFallbackModelsExcludesSelf(t *testing.T) {
	r := newTestRouter(t, config.FallbacksConfig{Generic: []string{"gpt-x", "claude-z"}})

	got := r.FallbackModels("gpt-x", provider.ErrCodeUnavailable)
	if len(got) != 1 || got[0] != "claude-z" {
		t.Errorf("chain = %v", got)
	}
}

package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// fakeProvider serves canned discovery results.
type fakeProvider struct {
	name      string
	models    []models.ModelInfo
	listErr   error
	listCalls int
}

func (p *fakeProvider) Name() string                      { return p.name }
func (p *fakeProvider) Supports(provider.Capability) bool { return true }

func (p *fakeProvider) ListModels(context.Context) ([]models.ModelInfo, error) {
	p.listCalls++
	return p.models, p.listErr
}

func (p *fakeProvider) GetModel(_ context.Context, id string) (*models.ModelInfo, error) {
	for _, m := range p.models {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, errors.New("no such model")
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

func staticMappings() []models.ModelMapping {
	return []models.ModelMapping{
		{ModelID: "gpt-x", Provider: "openai", ProviderModelID: "gpt-4o", Capabilities: models.ModelCapabilities{Completion: true}},
		{ModelID: "claude-z", Provider: "anthropic", ProviderModelID: "claude-3", Capabilities: models.ModelCapabilities{Completion: true}},
	}
}

func TestGetStatic(t *testing.T) {
	reg := registry.New(staticMappings(), provider.NewFactory())

	m, err := reg.Get(context.Background(), "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	if m.Provider != "openai" || m.ProviderModelID != "gpt-4o" {
		t.Errorf("mapping = %+v", m)
	}
}

func TestGetUnknown(t *testing.T) {
	reg := registry.New(staticMappings(), provider.NewFactory())

	_, err := reg.Get(context.Background(), "missing")
	var notFound *registry.ErrModelNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	if notFound.ModelID != "missing" {
		t.Errorf("ModelID = %q", notFound.ModelID)
	}
}

func TestListOrdersStaticByID(t *testing.T) {
	reg := registry.New(staticMappings(), provider.NewFactory())

	list := reg.List(context.Background())
	if len(list) != 2 {
		t.Fatalf("len = %d", len(list))
	}
	if list[0].ModelID != "claude-z" || list[1].ModelID != "gpt-x" {
		t.Errorf("order = %s, %s", list[0].ModelID, list[1].ModelID)
	}
}

func TestRegisterAddsAndReplaces(t *testing.T) {
	reg := registry.New(nil, provider.NewFactory())
	ctx := context.Background()

	reg.Register(models.ModelMapping{ModelID: "m1", Provider: "openai"})
	if m, err := reg.Get(ctx, "m1"); err != nil || m.Provider != "openai" {
		t.Fatalf("after register: %v, %v", m, err)
	}

	reg.Register(models.ModelMapping{ModelID: "m1", Provider: "anthropic"})
	m, _ := reg.Get(ctx, "m1")
	if m.Provider != "anthropic" {
		t.Errorf("replacement not applied: %+v", m)
	}
	if len(reg.List(ctx)) != 1 {
		t.Error("replacement grew the catalog")
	}
}

func TestDiscoveryUnion(t *testing.T) {
	factory := provider.NewFactory()
	fake := &fakeProvider{name: "openai", models: []models.ModelInfo{
		{ID: "gpt-x", ContextWindow: 128000},  // shadowed by static
		{ID: "gpt-new", ContextWindow: 8192},
	}}
	factory.Register(fake)

	reg := registry.New(staticMappings(), factory, registry.WithDiscovery([]string{"openai"}))
	ctx := context.Background()

	// A discovered model resolves.
	m, err := reg.Get(ctx, "gpt-new")
	if err != nil {
		t.Fatal(err)
	}
	if m.Provider != "openai" || !m.Capabilities.Completion {
		t.Errorf("discovered mapping = %+v", m)
	}

	// The static entry wins over its discovered namesake.
	m, _ = reg.Get(ctx, "gpt-x")
	if m.ProviderModelID != "gpt-4o" {
		t.Errorf("static entry shadowed: %+v", m)
	}

	list := reg.List(ctx)
	if len(list) != 3 {
		t.Errorf("catalog size = %d, want 3 (2 static + 1 unshadowed)", len(list))
	}
}

func TestDiscoveryCached(t *testing.T) {
	factory := provider.NewFactory()
	fake := &fakeProvider{name: "openai", models: []models.ModelInfo{{ID: "gpt-new"}}}
	factory.Register(fake)

	reg := registry.New(nil, factory,
		registry.WithDiscovery([]string{"openai"}),
		registry.WithDiscoveryTTL(time.Hour))
	ctx := context.Background()

	reg.List(ctx)
	reg.List(ctx)
	reg.Get(ctx, "gpt-new")
	if fake.listCalls != 1 {
		t.Errorf("provider swept %d times, want 1", fake.listCalls)
	}
}

func TestDiscoveryFailureLeavesStatic(t *testing.T) {
	factory := provider.NewFactory()
	factory.Register(&fakeProvider{name: "openai", listErr: errors.New("upstream down")})

	reg := registry.New(staticMappings(), factory, registry.WithDiscovery([]string{"openai"}))
	list := reg.List(context.Background())
	if len(list) != 2 {
		t.Errorf("catalog size = %d, want the 2 static entries", len(list))
	}
}

// Package router maps logical model identifiers to provider targets and
// drives the fallback chain when a target fails. Routing is pure resolution;
// the fallback controller owns retry pacing and attempt budgets.
package router

import (
	"context"
	"fmt"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Resolution is a fully resolved routing target.
type Resolution struct {
	Mapping  *models.ModelMapping
	Provider provider.Provider
}

// Router resolves model identifiers against the registry and the provider
// factory.
type Router struct {
	registry  *registry.Registry
	factory   *provider.Factory
	fallbacks config.FallbacksConfig
}

// New creates a Router.
func New(reg *registry.Registry, factory *provider.Factory, fallbacks config.FallbacksConfig) *Router {
	return &Router{registry: reg, factory: factory, fallbacks: fallbacks}
}

func (r *Router) resolve(ctx context.Context, modelID string, cap provider.Capability) (*Resolution, error) {
	mapping, err := r.registry.Get(ctx, modelID)
	if err != nil {
		return nil, err
	}
	p, err := r.factory.Get(mapping.Provider)
	if err != nil {
		return nil, err
	}
	if !p.Supports(cap) {
		return nil, fmt.Errorf("provider %s does not support %s", mapping.Provider, cap)
	}
	return &Resolution{Mapping: mapping, Provider: p}, nil
}

// ResolveCompletion resolves a model for completion traffic.
func (r *Router) ResolveCompletion(ctx context.Context, modelID string) (*Resolution, error) {
	return r.resolve(ctx, modelID, provider.CapCompletion)
}

// ResolveStreaming resolves a model for streaming completion traffic.
func (r *Router) ResolveStreaming(ctx context.Context, modelID string) (*Resolution, error) {
	return r.resolve(ctx, modelID, provider.CapStreaming)
}

// ResolveMultiModal resolves a model for mixed text-and-image traffic.
func (r *Router) ResolveMultiModal(ctx context.Context, modelID string) (*Resolution, error) {
	return r.resolve(ctx, modelID, provider.CapMultiModal)
}

// ResolveEmbedding resolves a model for embedding traffic.
func (r *Router) ResolveEmbedding(ctx context.Context, modelID string) (*Resolution, error) {
	return r.resolve(ctx, modelID, provider.CapEmbedding)
}

// RouteCompletion resolves a model and reports the outcome in the shape the
// management API exposes.
func (r *Router) RouteCompletion(ctx context.Context, modelID string) models.RoutingResult {
	res, err := r.ResolveCompletion(ctx, modelID)
	if err != nil {
		return models.RoutingResult{Success: false, Error: err.Error()}
	}
	return models.RoutingResult{
		Success:          true,
		Provider:         res.Mapping.Provider,
		ProviderModelID:  res.Mapping.ProviderModelID,
		EffectiveModelID: res.Mapping.ModelID,
	}
}

// FallbackModels returns the fallback chain for a failed model, most
// specific rules first: per-error per-model, per-error wildcard, per-model,
// then the generic chain. The failed model itself and duplicates are
// dropped, so the result order is deterministic for a given configuration.
func (r *Router) FallbackModels(modelID string, code provider.ErrorCode) []string {
	var chain []string
	if perErr, ok := r.fallbacks.PerError[string(code)]; ok {
		chain = append(chain, perErr[modelID]...)
		chain = append(chain, perErr["*"]...)
	}
	chain = append(chain, r.fallbacks.PerModel[modelID]...)
	chain = append(chain, r.fallbacks.Generic...)

	seen := map[string]bool{modelID: true}
	out := make([]string, 0, len(chain))
	for _, id := range chain {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

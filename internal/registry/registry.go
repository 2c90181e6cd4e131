// Package registry resolves logical model identifiers to provider mappings.
// The catalog is the union of static configuration and optional provider
// discovery; static entries always win on conflict. Discovery results are
// cached with a TTL and deduplicated with singleflight.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// ErrModelNotFound reports an identifier absent from the catalog.
type ErrModelNotFound struct {
	ModelID string
}

func (e *ErrModelNotFound) Error() string {
	return fmt.Sprintf("model not found: %s", e.ModelID)
}

// defaultDiscoveryTTL bounds how long discovered model lists are reused.
const defaultDiscoveryTTL = 5 * time.Minute

// Registry is the model catalog.
type Registry struct {
	factory            *provider.Factory
	discoveryProviders []string
	ttl                time.Duration

	mu        sync.RWMutex
	static    map[string]*models.ModelMapping
	staticIDs []string

	discovered   []models.ModelMapping
	discoveredAt time.Time

	sf singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithDiscovery enables model discovery against the named providers.
func WithDiscovery(providers []string) Option {
	return func(r *Registry) { r.discoveryProviders = providers }
}

// WithDiscoveryTTL overrides the discovery cache TTL.
func WithDiscoveryTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// New builds a Registry over static mappings.
func New(static []models.ModelMapping, factory *provider.Factory, opts ...Option) *Registry {
	r := &Registry{
		factory: factory,
		ttl:     defaultDiscoveryTTL,
		static:  make(map[string]*models.ModelMapping, len(static)),
	}
	for i := range static {
		m := static[i]
		r.static[m.ModelID] = &m
		r.staticIDs = append(r.staticIDs, m.ModelID)
	}
	sort.Strings(r.staticIDs)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the mapping for a logical model identifier.
func (r *Registry) Get(ctx context.Context, modelID string) (*models.ModelMapping, error) {
	r.mu.RLock()
	if m, ok := r.static[modelID]; ok {
		cp := *m
		r.mu.RUnlock()
		return &cp, nil
	}
	r.mu.RUnlock()

	if len(r.discoveryProviders) > 0 {
		for _, m := range r.discoveredModels(ctx) {
			if m.ModelID == modelID {
				cp := m
				return &cp, nil
			}
		}
	}
	return nil, &ErrModelNotFound{ModelID: modelID}
}

// List returns the full catalog: static mappings first in ID order, then
// discovered models not shadowed by a static entry.
func (r *Registry) List(ctx context.Context) []models.ModelMapping {
	r.mu.RLock()
	out := make([]models.ModelMapping, 0, len(r.staticIDs))
	for _, id := range r.staticIDs {
		out = append(out, *r.static[id])
	}
	r.mu.RUnlock()

	if len(r.discoveryProviders) == 0 {
		return out
	}
	for _, m := range r.discoveredModels(ctx) {
		r.mu.RLock()
		_, shadowed := r.static[m.ModelID]
		r.mu.RUnlock()
		if !shadowed {
			out = append(out, m)
		}
	}
	return out
}

// Register adds or replaces a static mapping at runtime.
func (r *Registry) Register(m models.ModelMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.static[m.ModelID]; !exists {
		r.staticIDs = append(r.staticIDs, m.ModelID)
		sort.Strings(r.staticIDs)
	}
	r.static[m.ModelID] = &m
	log.Info().Str("model_id", m.ModelID).Str("provider", m.Provider).Msg("Model mapping registered")
}

// discoveredModels returns the cached discovery set, refreshing it when the
// TTL has elapsed. Concurrent refreshes collapse to one provider sweep;
// failures fall back to the previous (possibly stale) set.
func (r *Registry) discoveredModels(ctx context.Context) []models.ModelMapping {
	r.mu.RLock()
	fresh := time.Since(r.discoveredAt) < r.ttl
	cached := r.discovered
	r.mu.RUnlock()
	if fresh {
		return cached
	}

	v, _, _ := r.sf.Do("discover", func() (interface{}, error) {
		found := r.sweep(ctx)
		r.mu.Lock()
		r.discovered = found
		r.discoveredAt = time.Now()
		r.mu.Unlock()
		return found, nil
	})
	return v.([]models.ModelMapping)
}

func (r *Registry) sweep(ctx context.Context) []models.ModelMapping {
	var out []models.ModelMapping
	for _, name := range r.discoveryProviders {
		p, err := r.factory.Get(name)
		if err != nil {
			log.Warn().Str("provider", name).Msg("Discovery skipped unknown provider")
			continue
		}
		infos, err := p.ListModels(ctx)
		if err != nil {
			log.Warn().Err(err).Str("provider", name).Msg("Model discovery failed")
			continue
		}
		for _, info := range infos {
			out = append(out, models.ModelMapping{
				ModelID:         info.ID,
				DisplayName:     info.ID,
				Provider:        name,
				ProviderModelID: info.ID,
				ContextWindow:   info.ContextWindow,
				Capabilities: models.ModelCapabilities{
					Completion: true,
					Streaming:  true,
				},
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

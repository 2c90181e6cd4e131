// Package provider defines the uniform capability set remote model backends
// implement, the error taxonomy the orchestrators route on, and the factory
// that resolves provider names to registered instances.
//
// Built-in drivers speak the OpenAI-compatible wire format (OpenAI, Azure
// OpenAI, Ollama, most hosted open-source backends) and the Anthropic
// messages API. New backends register through the Factory.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/modelrelay/modelrelay/pkg/models"
	"github.com/rs/zerolog/log"
)

// Capability identifies one optional provider feature.
type Capability string

const (
	CapCompletion      Capability = "completion"
	CapStreaming       Capability = "streaming"
	CapEmbedding       Capability = "embedding"
	CapFunctionCalling Capability = "function_calling"
	CapMultiModal      Capability = "multimodal"
	CapVision          Capability = "vision"
	CapFineTuning      Capability = "fine_tuning"
)

// Provider is the uniform interface every backend implements. The core
// pipeline depends on nothing else.
type Provider interface {
	// Name is the instance name used in routing results and usage records.
	Name() string

	// Supports reports whether the backend implements a capability.
	Supports(cap Capability) bool

	// ListModels returns the models the backend reports as servable.
	ListModels(ctx context.Context) ([]models.ModelInfo, error)

	// GetModel returns a single servable model or a not-found error.
	GetModel(ctx context.Context, id string) (*models.ModelInfo, error)

	// CreateCompletion performs a unary chat completion.
	CreateCompletion(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)

	// CreateCompletionStream starts a streaming completion. The returned
	// stream yields chunks in provider order and io.EOF at end.
	CreateCompletionStream(ctx context.Context, req *models.CompletionRequest) (Stream, error)

	// CreateEmbedding computes embeddings for the request inputs.
	CreateEmbedding(ctx context.Context, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error)
}

// Stream is a finite, non-restartable sequence of completion chunks.
// Recv returns io.EOF after the final chunk. Close releases the underlying
// connection and may be called concurrently with Recv.
type Stream interface {
	Recv() (*models.CompletionChunk, error)
	Close() error
}

// MultiModalCompleter is the optional facet for mixed text-and-image
// completions. Callers type-assert on it after checking
// Supports(CapMultiModal).
type MultiModalCompleter interface {
	CreateMultiModalCompletion(ctx context.Context, req *models.MultiModalRequest) (*models.CompletionResponse, error)
}

// FineTuningJob is the minimal job record the optional facet exposes.
type FineTuningJob struct {
	ID             string `json:"id"`
	Model          string `json:"model"`
	Status         string `json:"status"`
	TrainingFile   string `json:"training_file"`
	FineTunedModel string `json:"fine_tuned_model,omitempty"`
}

// FineTuner is the optional fine-tuning facet. Callers type-assert on it
// after checking Supports(CapFineTuning).
type FineTuner interface {
	CreateFineTuningJob(ctx context.Context, model, trainingFileID string) (*FineTuningJob, error)
	CancelFineTuningJob(ctx context.Context, jobID string) error
	GetFineTuningJob(ctx context.Context, jobID string) (*FineTuningJob, error)
	UploadTrainingFile(ctx context.Context, filename string, content []byte) (string, error)
	GetSupportedBaseModels(ctx context.Context) ([]string, error)
	DeleteFineTunedModel(ctx context.Context, modelID string) error
}

// ── Factory ─────────────────────────────────────────────────

// Factory resolves provider names to registered instances. Registration
// happens at startup; lookups are concurrent-safe.
type Factory struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewFactory creates an empty provider factory.
func NewFactory() *Factory {
	return &Factory{providers: make(map[string]Provider)}
}

// Register adds a provider instance, replacing any previous registration
// under the same name.
func (f *Factory) Register(p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[p.Name()] = p
	log.Info().Str("provider", p.Name()).Msg("Provider registered")
}

// Get returns the provider registered under name.
func (f *Factory) Get(name string) (Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.providers[name]
	if !ok {
		return nil, &ErrProviderNotFound{Name: name}
	}
	return p, nil
}

// Names returns the registered provider names in registration-stable
// (sorted) order.
func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.providers))
	for n := range f.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every registered provider, ordered by name.
func (f *Factory) All() []Provider {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.providers))
	for n := range f.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		out = append(out, f.providers[n])
	}
	return out
}

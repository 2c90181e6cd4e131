// Package server assembles the gateway from configuration: providers,
// registry, stores, pipeline stages, and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/api/handlers"
	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/experiment"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/moderation"
	"github.com/modelrelay/modelrelay/internal/prompt"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/rag"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/telemetry"
	"github.com/modelrelay/modelrelay/internal/usage"
	"github.com/modelrelay/modelrelay/internal/vectorstore"
)

// Server is the assembled gateway process.
type Server struct {
	cfg  *config.Config
	http *http.Server

	store       store.Store
	respCache   *cache.Memory
	vectors     vectorstore.Store
	sweeper     *usage.Sweeper
	stopSweeper context.CancelFunc

	shutdownTelemetry func(context.Context) error
}

// New wires a Server from configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		s.shutdownTelemetry = shutdown
	}

	mf, err := config.LoadModelFile(cfg.ModelsFile)
	if err != nil {
		return nil, err
	}

	factory := provider.NewFactory()
	for _, pc := range mf.Providers {
		timeout := time.Duration(pc.TimeoutSeconds) * time.Second
		switch pc.Kind {
		case "anthropic":
			factory.Register(provider.NewAnthropic(pc.Name, pc.BaseURL, pc.APIKey, timeout))
		default:
			factory.Register(provider.NewOpenAICompatible(pc.Name, pc.Kind, pc.BaseURL, pc.APIKey, timeout))
		}
	}

	var regOpts []registry.Option
	if mf.Discovery {
		regOpts = append(regOpts, registry.WithDiscovery(factory.Names()))
	}
	reg := registry.New(mf.Models, factory, regOpts...)

	st, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	s.store = st

	filter, err := moderation.New(mf.Filter, moderation.NewKeywordClassifier())
	if err != nil {
		return nil, err
	}

	rt := router.New(reg, factory, mf.Fallbacks)
	fb := router.NewFallbackController(rt,
		cfg.Fallback.MaxAttempts, cfg.Fallback.InitialBackoff, cfg.Fallback.MaxBackoff)

	costEngine := cost.New(reg, mf.Pricing, st, st, cfg.Budget.FailClosed)
	ledger := usage.NewLedger(st)
	experiments := experiment.New(st)
	s.sweeper = usage.NewSweeper(st, cfg.Retention.UsageRetention, cfg.Retention.SweepInterval)

	s.respCache = cache.NewMemory()
	gw := gateway.New(rt, fb, gateway.Options{
		Cache:                s.respCache,
		CacheTTL:             cfg.Cache.TTL,
		TemperatureThreshold: cfg.Cache.TemperatureThreshold,
		Filter:               filter,
		Experiments:          experiments,
		Ledger:               ledger,
		Costs:                costEngine,
	})

	vectors, err := newVectorStore(ctx, cfg.RAG)
	if err != nil {
		return nil, err
	}
	s.vectors = vectors
	ragSvc := rag.New(gw, vectors, cfg.RAG.EmbeddingModel, ragCompletionModel(cfg.RAG, mf), 0)

	h := &handlers.Handlers{
		Version:     cfg.Version,
		Gateway:     gw,
		Registry:    reg,
		Router:      rt,
		Providers:   factory,
		Ledger:      ledger,
		Costs:       costEngine,
		Experiments: experiments,
		Store:       st,
		Prompts:     prompt.NewRegistry(),
		RAG:         ragSvc,
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(h, cfg.Auth),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Kind {
	case "postgres":
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return store.NewMemory(cfg.DataDir)
	}
}

func newVectorStore(ctx context.Context, cfg config.RAGConfig) (vectorstore.Store, error) {
	if cfg.VectorStore == "pgvector" {
		return vectorstore.NewPgvector(ctx, cfg.PgvectorURL, cfg.Dimensions)
	}
	return vectorstore.NewEmbedded(0), nil
}

// ragCompletionModel picks the completion model the RAG endpoints answer
// with: explicit config, otherwise the first completion-capable mapping.
func ragCompletionModel(cfg config.RAGConfig, mf *config.ModelFile) string {
	if cfg.CompletionModel != "" {
		return cfg.CompletionModel
	}
	for _, m := range mf.Models {
		if m.Capabilities.Completion {
			return m.ModelID
		}
	}
	return ""
}

// Start serves HTTP and runs background loops until the context is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweeper = cancel
	go s.sweeper.Start(sweepCtx)

	log.Info().Str("addr", s.http.Addr).Str("version", s.cfg.Version).Msg("Gateway listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and background loops, flushing state.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.http.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.respCache.Close()
	if s.vectors != nil {
		if err := s.vectors.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.store.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.shutdownTelemetry != nil {
		if err := s.shutdownTelemetry(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

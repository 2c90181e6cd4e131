// Package config loads gateway configuration. Runtime settings come from
// environment variables with sensible defaults; model mappings, fallback
// chains, pricing overrides, and the content-filter policy come from a YAML
// file referenced by MODELRELAY_MODELS_FILE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/modelrelay/modelrelay/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the ModelRelay gateway.
type Config struct {
	Port       int
	Version    string
	ModelsFile string

	Store     StoreConfig
	Cache     CacheConfig
	Fallback  FallbackConfig
	Budget    BudgetConfig
	Retention RetentionConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	RAG       RAGConfig
}

type StoreConfig struct {
	// Kind selects the repository backend: "memory" or "postgres".
	Kind        string
	DatabaseURL string
	// DataDir holds the memory store's JSON snapshot ("" disables persistence).
	DataDir string
}

type CacheConfig struct {
	// TTL bounds how long cached responses are served.
	TTL time.Duration
	// TemperatureThreshold is the cacheability cutoff: completions with
	// temperature below it are considered near-deterministic.
	TemperatureThreshold float64
}

type FallbackConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type BudgetConfig struct {
	// FailClosed denies requests when budget lookups error instead of the
	// default fail-open behavior.
	FailClosed bool
}

type RetentionConfig struct {
	// UsageRetention is how long usage records are kept before the sweeper
	// purges them.
	UsageRetention time.Duration
	SweepInterval  time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// APIKeys is the static allow-list; empty disables the key gate.
	APIKeys      []string
	APIKeyHeader string
}

type RAGConfig struct {
	// EmbeddingModel is the logical model used by SearchByText/PerformRAG.
	EmbeddingModel string
	// CompletionModel is the logical model PerformRAG answers with.
	CompletionModel string
	// VectorStore selects the driver: "embedded" or "pgvector".
	VectorStore  string
	PgvectorURL  string
	Dimensions   int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:       envInt("MODELRELAY_PORT", 8080),
		Version:    envStr("MODELRELAY_VERSION", "0.4.0"),
		ModelsFile: envStr("MODELRELAY_MODELS_FILE", "models.yaml"),
		Store: StoreConfig{
			Kind:        envStr("MODELRELAY_STORE", "memory"),
			DatabaseURL: envStr("DATABASE_URL", ""),
			DataDir:     envStr("MODELRELAY_DATA_DIR", defaultDataDir()),
		},
		Cache: CacheConfig{
			TTL:                  envDuration("MODELRELAY_CACHE_TTL", 15*time.Minute),
			TemperatureThreshold: envFloat("MODELRELAY_CACHE_TEMPERATURE_THRESHOLD", 0.1),
		},
		Fallback: FallbackConfig{
			MaxAttempts:    envInt("MODELRELAY_FALLBACK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("MODELRELAY_FALLBACK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("MODELRELAY_FALLBACK_MAX_BACKOFF", 30*time.Second),
		},
		Budget: BudgetConfig{
			FailClosed: envBool("MODELRELAY_BUDGET_FAIL_CLOSED", false),
		},
		Retention: RetentionConfig{
			UsageRetention: envDuration("MODELRELAY_USAGE_RETENTION", 90*24*time.Hour),
			SweepInterval:  envDuration("MODELRELAY_USAGE_SWEEP_INTERVAL", 12*time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "modelrelay-gateway"),
		},
		Auth: AuthConfig{
			APIKeys:      envList("MODELRELAY_API_KEYS"),
			APIKeyHeader: envStr("MODELRELAY_API_KEY_HEADER", "Authorization"),
		},
		RAG: RAGConfig{
			EmbeddingModel:  envStr("MODELRELAY_RAG_EMBEDDING_MODEL", "text-embed-small"),
			CompletionModel: envStr("MODELRELAY_RAG_COMPLETION_MODEL", ""),
			VectorStore:     envStr("MODELRELAY_VECTOR_STORE", "embedded"),
			PgvectorURL:     envStr("MODELRELAY_PGVECTOR_URL", ""),
			Dimensions:      envInt("MODELRELAY_VECTOR_DIMENSIONS", 1536),
		},
	}
}

// ── Model file ──────────────────────────────────────────────

// ProviderConfig configures one remote backend instance.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // "openai", "azure-openai", "anthropic", "ollama"
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	// APIKeyEnv names an environment variable holding the key; it takes
	// precedence over APIKey so secrets stay out of the file.
	APIKeyEnv      string `yaml:"api_key_env,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

// FilterConfig is the content-filter policy section of the model file.
type FilterConfig struct {
	Enabled            bool               `yaml:"enabled"`
	FilterPrompts      bool               `yaml:"filter_prompts"`
	FilterCompletions  bool               `yaml:"filter_completions"`
	BlockedTerms       []string           `yaml:"blocked_terms,omitempty"`
	BlockedPatterns    []string           `yaml:"blocked_patterns,omitempty"`
	CategoryThresholds map[string]float64 `yaml:"category_thresholds,omitempty"`
}

// PricingConfig is the pricing fallback chain: per-provider per-model prices
// consulted when a mapping has no pricing, then the global pair.
type PricingConfig struct {
	// Defaults is provider to model to {input, output} per 1K tokens.
	Defaults map[string]map[string]PricePair `yaml:"defaults,omitempty"`
	// FineTuning is provider to model to price per 1K training tokens.
	FineTuning map[string]map[string]float64 `yaml:"fine_tuning,omitempty"`
	// Fallback applies when no other source has a price.
	Fallback PricePair `yaml:"fallback"`
}

// PricePair is an input/output price per 1K tokens.
type PricePair struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// FallbacksConfig declares the fallback chains the router serves.
type FallbacksConfig struct {
	// PerError is error code to model (or "*" wildcard) to ordered
	// fallback model IDs.
	PerError map[string]map[string][]string `yaml:"per_error,omitempty"`
	// PerModel is model to ordered fallback model IDs for any retriable error.
	PerModel map[string][]string `yaml:"per_model,omitempty"`
	// Generic applies when a model has no configured chain.
	Generic []string `yaml:"generic,omitempty"`
}

// ModelFile is the YAML document containing providers, model mappings,
// fallback chains, pricing, and the filter policy.
type ModelFile struct {
	Providers []ProviderConfig      `yaml:"providers"`
	Models    []models.ModelMapping `yaml:"models"`
	Discovery bool                  `yaml:"discovery"`
	Fallbacks FallbacksConfig       `yaml:"fallbacks"`
	Pricing   PricingConfig         `yaml:"pricing"`
	Filter    FilterConfig          `yaml:"filter"`
}

// LoadModelFile parses the YAML model file at path.
func LoadModelFile(path string) (*ModelFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	var mf ModelFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse model file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(mf.Models))
	for _, m := range mf.Models {
		if m.ModelID == "" {
			return nil, fmt.Errorf("model file %s: mapping with empty model_id", path)
		}
		if seen[m.ModelID] {
			return nil, fmt.Errorf("model file %s: duplicate model_id %q", path, m.ModelID)
		}
		seen[m.ModelID] = true
	}
	for i := range mf.Providers {
		p := &mf.Providers[i]
		if p.APIKeyEnv != "" {
			if v := os.Getenv(p.APIKeyEnv); v != "" {
				p.APIKey = v
			}
		}
	}
	return &mf, nil
}

// ── Env helpers ─────────────────────────────────────────────

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.modelrelay"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if s := v[start:i]; s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	return out
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "models.yaml", cfg.ModelsFile)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 0.1, cfg.Cache.TemperatureThreshold)
	assert.Equal(t, 3, cfg.Fallback.MaxAttempts)
	assert.False(t, cfg.Budget.FailClosed)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention.UsageRetention)
	assert.Empty(t, cfg.Auth.APIKeys)
	assert.Equal(t, "embedded", cfg.RAG.VectorStore)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MODELRELAY_PORT", "9090")
	t.Setenv("MODELRELAY_CACHE_TTL", "30s")
	t.Setenv("MODELRELAY_BUDGET_FAIL_CLOSED", "true")
	t.Setenv("MODELRELAY_API_KEYS", "key-a,key-b,")

	cfg := config.Load()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.True(t, cfg.Budget.FailClosed)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Auth.APIKeys)
}

func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("MODELRELAY_PORT", "not-a-number")
	t.Setenv("MODELRELAY_CACHE_TTL", "soon")

	cfg := config.Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL)
}

func writeModelFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadModelFile(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	path := writeModelFile(t, `
providers:
  - name: openai
    kind: openai
    api_key_env: TEST_OPENAI_KEY
  - name: local
    kind: ollama
    base_url: http://localhost:11434/v1

models:
  - model_id: gpt-4o
    provider: openai
    provider_model_id: gpt-4o-2024-08-06
    input_price_per_1k: 0.0025
    output_price_per_1k: 0.01
    capabilities:
      completion: true
      streaming: true
  - model_id: llama-local
    provider: local
    provider_model_id: llama3

discovery: true

fallbacks:
  per_error:
    RATE_LIMIT:
      gpt-4o: [llama-local]
  per_model:
    gpt-4o: [llama-local]
  generic: [llama-local]

pricing:
  defaults:
    openai:
      gpt-4o: {input: 0.0025, output: 0.01}
  fallback: {input: 0.001, output: 0.002}

filter:
  enabled: true
  filter_prompts: true
  blocked_terms: [secret]
`)

	mf, err := config.LoadModelFile(path)
	require.NoError(t, err)

	require.Len(t, mf.Providers, 2)
	assert.Equal(t, "sk-from-env", mf.Providers[0].APIKey)
	assert.Equal(t, "ollama", mf.Providers[1].Kind)

	require.Len(t, mf.Models, 2)
	assert.Equal(t, "gpt-4o-2024-08-06", mf.Models[0].ProviderModelID)
	assert.True(t, mf.Models[0].Capabilities.Streaming)
	assert.True(t, mf.Discovery)

	assert.Equal(t, []string{"llama-local"}, mf.Fallbacks.PerError["RATE_LIMIT"]["gpt-4o"])
	assert.Equal(t, []string{"llama-local"}, mf.Fallbacks.Generic)
	assert.Equal(t, 0.0025, mf.Pricing.Defaults["openai"]["gpt-4o"].Input)
	assert.Equal(t, 0.002, mf.Pricing.Fallback.Output)
	assert.True(t, mf.Filter.Enabled)
	assert.Equal(t, []string{"secret"}, mf.Filter.BlockedTerms)
}

func TestLoadModelFileRejectsDuplicates(t *testing.T) {
	path := writeModelFile(t, `
models:
  - model_id: gpt-4o
    provider: openai
  - model_id: gpt-4o
    provider: other
`)

	_, err := config.LoadModelFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate model_id")
}

func TestLoadModelFileRejectsEmptyID(t *testing.T) {
	path := writeModelFile(t, `
models:
  - provider: openai
    provider_model_id: gpt-4o
`)

	_, err := config.LoadModelFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty model_id")
}

func TestLoadModelFileMissing(t *testing.T) {
	_, err := config.LoadModelFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

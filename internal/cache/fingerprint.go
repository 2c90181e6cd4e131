package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// DefaultTemperatureThreshold is the cacheability cutoff for completions:
// requests below it are treated as near-deterministic.
const DefaultTemperatureThreshold = 0.1

// Cacheable reports whether a completion request may be served from cache.
// Streaming responses are never cached.
func Cacheable(req *models.CompletionRequest, temperatureThreshold float64) bool {
	if req.Stream {
		return false
	}
	if temperatureThreshold <= 0 {
		temperatureThreshold = DefaultTemperatureThreshold
	}
	return req.TemperatureOrDefault(1.0) < temperatureThreshold
}

// completionKey is the canonical shape hashed into a completion fingerprint.
// Only request-defining fields participate; user identity and tags do not.
type completionKey struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Tools       []models.Tool    `json:"tools,omitempty"`
}

// CompletionFingerprint derives the cache key for a completion request.
func CompletionFingerprint(req *models.CompletionRequest) (string, error) {
	data, err := json.Marshal(completionKey{
		Model:       req.ModelID,
		Messages:    req.Messages,
		Temperature: req.TemperatureOrDefault(1.0),
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
	})
	if err != nil {
		return "", err
	}
	return fingerprint("completion", data), nil
}

type embeddingKey struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions"`
}

// EmbeddingFingerprint derives the cache key for an embedding request.
// All embedding requests are cacheable.
func EmbeddingFingerprint(req *models.EmbeddingRequest) (string, error) {
	data, err := json.Marshal(embeddingKey{
		Model:      req.ModelID,
		Input:      req.Input,
		Dimensions: req.Dimensions,
	})
	if err != nil {
		return "", err
	}
	return fingerprint("embedding", data), nil
}

func fingerprint(kind string, canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return kind + ":" + hex.EncodeToString(sum[:])
}

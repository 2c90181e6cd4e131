package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// OpenAICompatible talks to any backend exposing the OpenAI REST surface:
// OpenAI itself, Azure OpenAI, Ollama, and most hosted open-source servers.
type OpenAICompatible struct {
	name    string
	kind    string // "openai", "azure-openai", "ollama", ...
	baseURL string
	apiKey  string
	client  *http.Client
}

// OpenAIOption configures the driver.
type OpenAIOption func(*OpenAICompatible)

// WithHTTPClient overrides the default HTTP client (tests, custom transports).
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(p *OpenAICompatible) { p.client = c }
}

// NewOpenAICompatible creates a driver instance. kind selects auth header
// conventions ("azure-openai" uses api-key, everything else Bearer).
func NewOpenAICompatible(name, kind, baseURL, apiKey string, timeout time.Duration, opts ...OpenAIOption) *OpenAICompatible {
	if baseURL == "" {
		switch kind {
		case "ollama":
			baseURL = "http://localhost:11434/v1"
		default:
			baseURL = "https://api.openai.com/v1"
		}
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	p := &OpenAICompatible{
		name:    name,
		kind:    kind,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAICompatible) Name() string { return p.name }

func (p *OpenAICompatible) Supports(cap Capability) bool {
	switch cap {
	case CapCompletion, CapStreaming, CapEmbedding, CapFunctionCalling:
		return true
	case CapVision, CapMultiModal:
		return p.kind != "ollama"
	case CapFineTuning:
		return p.kind == "openai"
	default:
		return false
	}
}

// ── Wire types ──────────────────────────────────────────────

type oaiChatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Tools       []models.Tool    `json:"tools,omitempty"`
	User        string           `json:"user,omitempty"`
}

type oaiChatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int            `json:"index"`
		Message      models.Message `json:"message"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage oaiUsage `json:"usage"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type oaiChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int            `json:"index"`
		Delta        models.Message `json:"delta"`
		FinishReason string         `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage,omitempty"`
}

type oaiEmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
	User       string   `json:"user,omitempty"`
}

type oaiEmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// ── Requests ────────────────────────────────────────────────

func (p *OpenAICompatible) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		// Azure OpenAI uses a different auth header
		if p.kind == "azure-openai" {
			req.Header.Set("api-key", p.apiKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+p.apiKey)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrapTransportError(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, httpError(p.name, resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func (p *OpenAICompatible) CreateCompletion(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	resp, err := p.do(ctx, http.MethodPost, "/chat/completions", oaiChatRequest{
		Model:       req.ModelID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       req.Tools,
		User:        req.User,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: p.name, Code: ErrCodeUnknown, Message: "decode response: " + err.Error()}
	}

	result := &models.CompletionResponse{
		ID:       out.ID,
		Model:    req.ModelID,
		Provider: p.name,
		Usage: models.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}
	for _, c := range out.Choices {
		msg := c.Message
		result.Choices = append(result.Choices, models.Choice{
			Index:        c.Index,
			Message:      &msg,
			FinishReason: c.FinishReason,
		})
	}
	return result, nil
}

func (p *OpenAICompatible) CreateCompletionStream(ctx context.Context, req *models.CompletionRequest) (Stream, error) {
	resp, err := p.do(ctx, http.MethodPost, "/chat/completions", oaiChatRequest{
		Model:       req.ModelID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
		Tools:       req.Tools,
		User:        req.User,
	})
	if err != nil {
		return nil, err
	}
	return &sseStream{
		provider: p.name,
		model:    req.ModelID,
		body:     resp.Body,
		scanner:  bufio.NewScanner(resp.Body),
	}, nil
}

func (p *OpenAICompatible) CreateEmbedding(ctx context.Context, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	resp, err := p.do(ctx, http.MethodPost, "/embeddings", oaiEmbeddingRequest{
		Model:      req.ModelID,
		Input:      req.Input,
		Dimensions: req.Dimensions,
		User:       req.User,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out oaiEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: p.name, Code: ErrCodeUnknown, Message: "decode response: " + err.Error()}
	}

	result := &models.EmbeddingResponse{
		Model:    req.ModelID,
		Provider: p.name,
		Usage: models.TokenUsage{
			PromptTokens: out.Usage.PromptTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
	}
	for _, d := range out.Data {
		result.Data = append(result.Data, models.Embedding{Index: d.Index, Embedding: d.Embedding})
	}
	return result, nil
}

func (p *OpenAICompatible) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	resp, err := p.do(ctx, http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: p.name, Code: ErrCodeUnknown, Message: "decode response: " + err.Error()}
	}

	infos := make([]models.ModelInfo, 0, len(out.Data))
	for _, m := range out.Data {
		infos = append(infos, models.ModelInfo{ID: m.ID, Provider: p.name})
	}
	return infos, nil
}

func (p *OpenAICompatible) GetModel(ctx context.Context, id string) (*models.ModelInfo, error) {
	infos, err := p.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range infos {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, &Error{Provider: p.name, Code: ErrCodeUnknown, Message: "model not found: " + id, Status: http.StatusNotFound}
}

// ── SSE stream ──────────────────────────────────────────────

// sseStream parses the "data: {...}" server-sent-event framing used by
// OpenAI-compatible streaming endpoints.
type sseStream struct {
	provider string
	model    string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool
}

func (s *sseStream) Recv() (*models.CompletionChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		var raw oaiChunk
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			return nil, &Error{Provider: s.provider, Code: ErrCodeUnknown, Message: "decode chunk: " + err.Error()}
		}

		chunk := &models.CompletionChunk{
			ID:       raw.ID,
			Model:    s.model,
			Provider: s.provider,
		}
		for _, c := range raw.Choices {
			delta := c.Delta
			chunk.Choices = append(chunk.Choices, models.Choice{
				Index:        c.Index,
				Delta:        &delta,
				FinishReason: c.FinishReason,
			})
		}
		if raw.Usage != nil {
			chunk.Usage = &models.TokenUsage{
				PromptTokens:     raw.Usage.PromptTokens,
				CompletionTokens: raw.Usage.CompletionTokens,
				TotalTokens:      raw.Usage.TotalTokens,
			}
		}
		return chunk, nil
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return nil, wrapTransportError(s.provider, err)
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

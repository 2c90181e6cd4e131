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

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens applies when the request does not set a limit;
// the messages API requires one.
const defaultAnthropicMaxTokens = 4096

// Anthropic talks to the Anthropic messages API. It does not serve
// embeddings; route embedding-capable models elsewhere.
type Anthropic struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAnthropic creates an Anthropic driver instance.
func NewAnthropic(name, baseURL, apiKey string, timeout time.Duration) *Anthropic {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Anthropic{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Anthropic) Name() string { return p.name }

func (p *Anthropic) Supports(cap Capability) bool {
	switch cap {
	case CapCompletion, CapStreaming, CapFunctionCalling, CapVision, CapMultiModal:
		return true
	default:
		return false
	}
}

// ── Wire types ──────────────────────────────────────────────

type anthMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type anthResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// splitSystem separates the system prompt from conversational turns; the
// messages API carries it as a top-level field.
func splitSystem(msgs []models.Message) (string, []anthMessage) {
	var system string
	out := make([]anthMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}
		role := m.Role
		if role == models.RoleTool {
			role = models.RoleUser
		}
		out = append(out, anthMessage{Role: role, Content: m.Content})
	}
	return system, out
}

func (p *Anthropic) buildRequest(req *models.CompletionRequest, stream bool) anthRequest {
	system, msgs := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return anthRequest{
		Model:       req.ModelID,
		System:      system,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *Anthropic) post(ctx context.Context, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

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

func (p *Anthropic) CreateCompletion(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out anthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Provider: p.name, Code: ErrCodeUnknown, Message: "decode response: " + err.Error()}
	}

	var content strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}

	return &models.CompletionResponse{
		ID:       out.ID,
		Model:    req.ModelID,
		Provider: p.name,
		Choices: []models.Choice{{
			Index:        0,
			Message:      &models.Message{Role: models.RoleAssistant, Content: content.String()},
			FinishReason: finishReason(out.StopReason),
		}},
		Usage: models.TokenUsage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}

func (p *Anthropic) CreateCompletionStream(ctx context.Context, req *models.CompletionRequest) (Stream, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	return &anthStream{
		provider: p.name,
		model:    req.ModelID,
		body:     resp.Body,
		scanner:  bufio.NewScanner(resp.Body),
	}, nil
}

func (p *Anthropic) CreateEmbedding(ctx context.Context, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	return nil, &ErrNotSupported{Provider: p.name, Operation: "embeddings"}
}

func (p *Anthropic) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	// The messages API has no discovery endpoint worth depending on;
	// mappings for Anthropic models come from static configuration.
	return nil, nil
}

func (p *Anthropic) GetModel(ctx context.Context, id string) (*models.ModelInfo, error) {
	return nil, &Error{Provider: p.name, Code: ErrCodeUnknown, Message: "model not found: " + id, Status: http.StatusNotFound}
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return stopReason
	}
}

// ── SSE stream ──────────────────────────────────────────────

// anthStream converts the Anthropic event stream (content_block_delta,
// message_delta, message_stop) into provider-agnostic chunks.
type anthStream struct {
	provider string
	model    string
	body     io.ReadCloser
	scanner  *bufio.Scanner
	done     bool

	inputTokens  int
	outputTokens int
	msgID        string
}

type anthEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (s *anthStream) Recv() (*models.CompletionChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var ev anthEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			return nil, &Error{Provider: s.provider, Code: ErrCodeUnknown, Message: "decode event: " + err.Error()}
		}

		switch ev.Type {
		case "message_start":
			s.msgID = ev.Message.ID
			s.inputTokens = ev.Message.Usage.InputTokens

		case "content_block_delta":
			if ev.Delta.Type != "text_delta" {
				continue
			}
			return &models.CompletionChunk{
				ID:       s.msgID,
				Model:    s.model,
				Provider: s.provider,
				Choices: []models.Choice{{
					Delta: &models.Message{Role: models.RoleAssistant, Content: ev.Delta.Text},
				}},
			}, nil

		case "message_delta":
			s.outputTokens = ev.Usage.OutputTokens
			if ev.Delta.StopReason != "" {
				s.done = true
				return &models.CompletionChunk{
					ID:       s.msgID,
					Model:    s.model,
					Provider: s.provider,
					Choices: []models.Choice{{
						FinishReason: finishReason(ev.Delta.StopReason),
					}},
					Usage: &models.TokenUsage{
						PromptTokens:     s.inputTokens,
						CompletionTokens: s.outputTokens,
						TotalTokens:      s.inputTokens + s.outputTokens,
					},
				}, nil
			}

		case "message_stop":
			s.done = true
			return nil, io.EOF

		case "error":
			s.done = true
			return nil, &Error{Provider: s.provider, Code: ErrCodeUpstream5xx, Message: "stream error event"}
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		return nil, wrapTransportError(s.provider, err)
	}
	return nil, io.EOF
}

func (s *anthStream) Close() error {
	s.done = true
	return s.body.Close()
}

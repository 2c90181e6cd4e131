package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// ── OpenAI-compatible ───────────────────────────────────────

type oaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type oaiMultiModalMessage struct {
	Role    string           `json:"role"`
	Content []oaiContentPart `json:"content"`
}

type oaiMultiModalRequest struct {
	Model       string                 `json:"model"`
	Messages    []oaiMultiModalMessage `json:"messages"`
	Temperature *float64               `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	User        string                 `json:"user,omitempty"`
}

func oaiParts(parts []models.ContentPart) []oaiContentPart {
	out := make([]oaiContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "image":
			url := p.ImageURL
			if url == "" && p.ImageData != "" {
				url = "data:" + p.MediaType + ";base64," + p.ImageData
			}
			part := oaiContentPart{Type: "image_url"}
			part.ImageURL = &struct {
				URL string `json:"url"`
			}{URL: url}
			out = append(out, part)
		default:
			out = append(out, oaiContentPart{Type: "text", Text: p.Text})
		}
	}
	return out
}

func (p *OpenAICompatible) CreateMultiModalCompletion(ctx context.Context, req *models.MultiModalRequest) (*models.CompletionResponse, error) {
	if !p.Supports(CapMultiModal) {
		return nil, &ErrNotSupported{Provider: p.name, Operation: "multimodal completions"}
	}
	payload := oaiMultiModalRequest{
		Model:       req.ModelID,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.User,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, oaiMultiModalMessage{
			Role:    m.Role,
			Content: oaiParts(m.Parts),
		})
	}

	resp, err := p.do(ctx, http.MethodPost, "/chat/completions", payload)
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

// ── Anthropic ───────────────────────────────────────────────

type anthImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthContentBlock struct {
	Type   string           `json:"type"`
	Text   string           `json:"text,omitempty"`
	Source *anthImageSource `json:"source,omitempty"`
}

type anthMultiModalMessage struct {
	Role    string             `json:"role"`
	Content []anthContentBlock `json:"content"`
}

type anthMultiModalRequest struct {
	Model       string                  `json:"model"`
	System      string                  `json:"system,omitempty"`
	Messages    []anthMultiModalMessage `json:"messages"`
	MaxTokens   int                     `json:"max_tokens"`
	Temperature *float64                `json:"temperature,omitempty"`
}

func anthBlocks(parts []models.ContentPart) []anthContentBlock {
	out := make([]anthContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "image":
			src := &anthImageSource{}
			if p.ImageData != "" {
				src.Type = "base64"
				src.MediaType = p.MediaType
				src.Data = p.ImageData
			} else {
				src.Type = "url"
				src.URL = p.ImageURL
			}
			out = append(out, anthContentBlock{Type: "image", Source: src})
		default:
			out = append(out, anthContentBlock{Type: "text", Text: p.Text})
		}
	}
	return out
}

func (p *Anthropic) CreateMultiModalCompletion(ctx context.Context, req *models.MultiModalRequest) (*models.CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	payload := anthMultiModalRequest{
		Model:       req.ModelID,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	var system []string
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			for _, part := range m.Parts {
				if part.Type != "image" {
					system = append(system, part.Text)
				}
			}
			continue
		}
		payload.Messages = append(payload.Messages, anthMultiModalMessage{
			Role:    m.Role,
			Content: anthBlocks(m.Parts),
		})
	}
	payload.System = strings.Join(system, "\n")

	resp, err := p.post(ctx, payload)
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

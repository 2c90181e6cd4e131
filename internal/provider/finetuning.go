package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// Fine-tuning support for OpenAI-compatible backends. Only the "openai"
// kind advertises the capability; other compatible servers rarely expose
// these endpoints.

func (p *OpenAICompatible) CreateFineTuningJob(ctx context.Context, model, trainingFileID string) (*FineTuningJob, error) {
	resp, err := p.do(ctx, http.MethodPost, "/fine_tuning/jobs", map[string]string{
		"model":         model,
		"training_file": trainingFileID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeFineTuningJob(p.name, resp.Body)
}

func (p *OpenAICompatible) GetFineTuningJob(ctx context.Context, jobID string) (*FineTuningJob, error) {
	resp, err := p.do(ctx, http.MethodGet, "/fine_tuning/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeFineTuningJob(p.name, resp.Body)
}

func (p *OpenAICompatible) CancelFineTuningJob(ctx context.Context, jobID string) error {
	resp, err := p.do(ctx, http.MethodPost, "/fine_tuning/jobs/"+jobID+"/cancel", struct{}{})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// UploadTrainingFile uploads JSONL training data and returns the file ID.
func (p *OpenAICompatible) UploadTrainingFile(ctx context.Context, filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "fine-tune"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", wrapTransportError(p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", httpError(p.name, resp.StatusCode, string(body))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Provider: p.name, Code: ErrCodeUnknown, Message: "decode response: " + err.Error()}
	}
	return out.ID, nil
}

func (p *OpenAICompatible) GetSupportedBaseModels(ctx context.Context) ([]string, error) {
	// The fine-tuning API has no discovery endpoint for tunable bases.
	return []string{"gpt-4o-mini-2024-07-18", "gpt-3.5-turbo"}, nil
}

func (p *OpenAICompatible) DeleteFineTunedModel(ctx context.Context, modelID string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/models/"+modelID, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func decodeFineTuningJob(providerName string, r io.Reader) (*FineTuningJob, error) {
	var out struct {
		ID             string `json:"id"`
		Model          string `json:"model"`
		Status         string `json:"status"`
		TrainingFile   string `json:"training_file"`
		FineTunedModel string `json:"fine_tuned_model"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, &Error{Provider: providerName, Code: ErrCodeUnknown, Message: "decode response: " + err.Error()}
	}
	return &FineTuningJob{
		ID:             out.ID,
		Model:          out.Model,
		Status:         out.Status,
		TrainingFile:   out.TrainingFile,
		FineTunedModel: out.FineTunedModel,
	}, nil
}

var _ FineTuner = (*OpenAICompatible)(nil)

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/api/handlers"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/cost"
	"github.com/modelrelay/modelrelay/internal/experiment"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/prompt"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/usage"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// stubProvider answers every completion with a fixed message.
type stubProvider struct{ name string }

func (p *stubProvider) Name() string                      { return p.name }
func (p *stubProvider) Supports(provider.Capability) bool { return true }

func (p *stubProvider) ListModels(context.Context) ([]models.ModelInfo, error) {
	return nil, nil
}

func (p *stubProvider) GetModel(context.Context, string) (*models.ModelInfo, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) CreateCompletion(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	return &models.CompletionResponse{
		ID:       "resp-1",
		Model:    req.ModelID,
		Provider: p.name,
		Choices: []models.Choice{{
			Message:      &models.Message{Role: models.RoleAssistant, Content: "Hello!"},
			FinishReason: "stop",
		}},
		Usage: models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *stubProvider) CreateCompletionStream(_ context.Context, req *models.CompletionRequest) (provider.Stream, error) {
	return &stubStream{chunks: []*models.CompletionChunk{
		{Model: req.ModelID, Provider: p.name, Choices: []models.Choice{{Delta: &models.Message{Content: "Hel"}}}},
		{Model: req.ModelID, Provider: p.name, Choices: []models.Choice{{Delta: &models.Message{Content: "lo"}, FinishReason: "stop"}}},
	}}, nil
}

func (p *stubProvider) CreateEmbedding(_ context.Context, req *models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	return &models.EmbeddingResponse{
		Model:    req.ModelID,
		Provider: p.name,
		Data:     []models.Embedding{{Embedding: []float64{0.1, 0.2}}},
		Usage:    models.TokenUsage{PromptTokens: 4, TotalTokens: 4},
	}, nil
}

type stubStream struct {
	chunks []*models.CompletionChunk
	pos    int
}

func (s *stubStream) Recv() (*models.CompletionChunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *stubStream) Close() error { return nil }

func newTestServer(t *testing.T, apiKeys []string) (*httptest.Server, *store.Memory) {
	t.Helper()

	st, err := store.NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })

	factory := provider.NewFactory()
	factory.Register(&stubProvider{name: "stub"})

	reg := registry.New([]models.ModelMapping{
		{ModelID: "gpt-x", Provider: "stub", ProviderModelID: "gpt-x-upstream",
			Capabilities: models.ModelCapabilities{Completion: true, Streaming: true}},
	}, factory)

	rt := router.New(reg, factory, config.FallbacksConfig{})
	fb := router.NewFallbackController(rt, 3, time.Millisecond, 5*time.Millisecond)

	costs := cost.New(reg, config.PricingConfig{Fallback: config.PricePair{Input: 0.001, Output: 0.002}}, st, st, false)
	ledger := usage.NewLedger(st)

	gw := gateway.New(rt, fb, gateway.Options{
		Ledger:      ledger,
		Costs:       costs,
		Experiments: experiment.New(st),
	})

	h := &handlers.Handlers{
		Version:     "test",
		Gateway:     gw,
		Registry:    reg,
		Router:      rt,
		Providers:   factory,
		Ledger:      ledger,
		Costs:       costs,
		Experiments: experiment.New(st),
		Store:       st,
		Prompts:     prompt.NewRegistry(),
	}

	srv := httptest.NewServer(api.NewRouter(h, config.AuthConfig{APIKeys: apiKeys}))
	t.Cleanup(srv.Close)
	return srv, st
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAPIKeyEnforcement(t *testing.T) {
	srv, _ := newTestServer(t, []string{"secret"})

	resp, err := http.Get(srv.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = http.Get(srv.URL + "/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestChatCompletions(t *testing.T) {
	srv, st := newTestServer(t, nil)

	body := `{"model":"gpt-x","messages":[{"role":"user","content":"Say hello."}],"user":"alice"}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out models.CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Model != "gpt-x" || out.Provider != "stub" {
		t.Errorf("resp = %+v", out)
	}
	if out.Choices[0].Message.Content != "Hello!" {
		t.Errorf("content = %q", out.Choices[0].Message.Content)
	}

	recs, _ := st.ListUsage(context.Background(), store.UsageFilter{})
	if len(recs) != 1 || recs[0].UserID != "alice" {
		t.Errorf("usage = %v", recs)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body := `{"model":"gpt-x","messages":[{"role":"user","content":"Say hello."}],"stream":true}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	raw, _ := io.ReadAll(resp.Body)
	text := string(raw)
	if !strings.Contains(text, `"content":"Hel"`) || !strings.Contains(text, `"content":"lo"`) {
		t.Errorf("stream body = %q", text)
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "data: [DONE]") {
		t.Errorf("stream not terminated: %q", text)
	}
}

func TestChatCompletionsErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	// Malformed body.
	resp, _ := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader("{"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", resp.StatusCode)
	}

	// Unknown model maps to the uniform error envelope.
	body := `{"model":"missing","messages":[{"role":"user","content":"x"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown model status = %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "model_not_found" {
		t.Errorf("code = %q", envelope.Error.Code)
	}
}

func TestEmbeddingsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	body := `{"model":"gpt-x","input":["hello"]}`
	resp, err := http.Post(srv.URL+"/v1/embeddings", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out models.EmbeddingResponse
	json.NewDecoder(resp.Body).Decode(&out)
	if len(out.Data) != 1 || out.Model != "gpt-x" {
		t.Errorf("resp = %+v", out)
	}
}

func TestBudgetLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	create := `{"owner_user_id":"alice","amount_usd":50,"reset_period":"monthly","enforce":true}`
	resp, err := http.Post(srv.URL+"/v1/budgets/", "application/json", strings.NewReader(create))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var b models.Budget
	json.NewDecoder(resp.Body).Decode(&b)
	resp.Body.Close()
	if b.ID == "" || b.AmountUSD != 50 {
		t.Fatalf("created = %+v", b)
	}

	resp, err = http.Get(srv.URL + "/v1/budgets/" + b.ID + "/usage")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("usage status = %d", resp.StatusCode)
	}
	var u models.BudgetUsage
	json.NewDecoder(resp.Body).Decode(&u)
	if u.BudgetID != b.ID || u.UsedUSD != 0 || u.RemainingUSD != 50 {
		t.Errorf("usage = %+v", u)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/budgets/"+b.ID, nil)
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/v1/budgets/" + b.ID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get-after-delete status = %d", resp.StatusCode)
	}
}

func TestCreateBudgetValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := http.Post(srv.URL+"/v1/budgets/", "application/json",
		strings.NewReader(`{"owner_user_id":"alice","amount_usd":0}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestCreateExperimentValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := http.Post(srv.URL+"/v1/experiments/", "application/json",
		strings.NewReader(`{"name":"x","traffic_allocation_pct":50}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing models status = %d", resp.StatusCode)
	}

	resp, _ = http.Post(srv.URL+"/v1/experiments/", "application/json",
		strings.NewReader(`{"control_model_id":"a","treatment_model_id":"b","traffic_allocation_pct":150}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad allocation status = %d", resp.StatusCode)
	}
}

func TestRouteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/route/gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var result models.RoutingResult
	json.NewDecoder(resp.Body).Decode(&result)
	if !result.Success || result.Provider != "stub" || result.ProviderModelID != "gpt-x-upstream" {
		t.Errorf("result = %+v", result)
	}

	resp, _ = http.Get(srv.URL + "/v1/route/missing")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing model status = %d", resp.StatusCode)
	}
}

func TestPromptEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	create := `{"name":"greet","template":"Hello {{name}}!"}`
	resp, err := http.Post(srv.URL+"/v1/prompts/", "application/json", strings.NewReader(create))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/prompts/greet/render", "application/json",
		strings.NewReader(`{"variables":{"name":"Ada"}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("render status = %d", resp.StatusCode)
	}
	var rendered struct {
		Rendered string `json:"rendered"`
	}
	json.NewDecoder(resp.Body).Decode(&rendered)
	if rendered.Rendered != "Hello Ada!" {
		t.Errorf("rendered = %q", rendered.Rendered)
	}

	// A render without required values surfaces the missing set.
	resp, _ = http.Post(srv.URL+"/v1/prompts/greet/render", "application/json", strings.NewReader(`{}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing values status = %d", resp.StatusCode)
	}
}

func TestProviderHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/v1/providers/stub/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health struct {
		Provider string `json:"provider"`
		Healthy  bool   `json:"healthy"`
	}
	json.NewDecoder(resp.Body).Decode(&health)
	if health.Provider != "stub" || !health.Healthy {
		t.Errorf("health = %+v", health)
	}

	resp, _ = http.Get(srv.URL + "/v1/providers/missing/health")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown provider status = %d", resp.StatusCode)
	}
}

// Package models defines the shared domain types for the ModelRelay gateway:
// model mappings, completion/embedding requests and responses, usage records,
// budgets, experiments, and content-filter results. These types are shared by
// the internal services and the HTTP surface.
package models

import (
	"time"
)

// ══════════════════════════════════════════════════════════════
// ── Model Registry ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ModelCapabilities describes what a mapped model can do.
type ModelCapabilities struct {
	Completion      bool `json:"completion" yaml:"completion"`
	Embedding       bool `json:"embedding" yaml:"embedding"`
	Streaming       bool `json:"streaming" yaml:"streaming"`
	FunctionCalling bool `json:"function_calling" yaml:"function_calling"`
	Vision          bool `json:"vision" yaml:"vision"`
}

// ModelMapping links a logical model ID (what clients request) to a concrete
// provider and provider-side model ID. Mappings are loaded at startup and are
// immutable for the lifetime of the process.
type ModelMapping struct {
	ModelID          string            `json:"model_id" yaml:"model_id"`
	DisplayName      string            `json:"display_name" yaml:"display_name"`
	Provider         string            `json:"provider" yaml:"provider"`
	ProviderModelID  string            `json:"provider_model_id" yaml:"provider_model_id"`
	ContextWindow    int               `json:"context_window" yaml:"context_window"`
	InputPricePer1K  float64           `json:"input_price_per_1k" yaml:"input_price_per_1k"`
	OutputPricePer1K float64           `json:"output_price_per_1k" yaml:"output_price_per_1k"`
	Capabilities     ModelCapabilities `json:"capabilities" yaml:"capabilities"`
	Properties       map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// ModelInfo is the provider-reported description of a servable model,
// returned by discovery (Provider.ListModels).
type ModelInfo struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// RoutingResult is the outcome of resolving a request's model ID.
// EffectiveModelID may differ from the requested ID under an A/B override.
type RoutingResult struct {
	Success          bool   `json:"success"`
	Provider         string `json:"provider,omitempty"`
	ProviderModelID  string `json:"provider_model_id,omitempty"`
	EffectiveModelID string `json:"effective_model_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Completions ──────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall is a tool invocation emitted by a model.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single conversation turn.
type Message struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// Tool describes a function the model may call.
type Tool struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-schema description of a callable function.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// CompletionRequest is a provider-agnostic chat completion request.
type CompletionRequest struct {
	ModelID     string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	User        string    `json:"user,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// TemperatureOrDefault returns the request temperature, or def when unset.
func (r *CompletionRequest) TemperatureOrDefault(def float64) float64 {
	if r.Temperature == nil {
		return def
	}
	return *r.Temperature
}

// Choice is a single completion alternative. Unary responses carry Message;
// streaming chunks carry Delta.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// TokenUsage is the token accounting attached to a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is a provider-agnostic completion result.
// Model always carries the logical ID the client requested; Provider names
// the backend that actually served the request (they diverge under fallback).
type CompletionResponse struct {
	ID       string     `json:"id"`
	Model    string     `json:"model"`
	Provider string     `json:"provider"`
	Choices  []Choice   `json:"choices"`
	Usage    TokenUsage `json:"usage"`
}

// CompletionChunk is one element of a streaming completion.
type CompletionChunk struct {
	ID       string      `json:"id"`
	Model    string      `json:"model"`
	Provider string      `json:"provider"`
	Choices  []Choice    `json:"choices"`
	Usage    *TokenUsage `json:"usage,omitempty"`
}

// FinalChunk reports whether this chunk closes the stream (carries a finish
// reason).
func (c *CompletionChunk) FinalChunk() bool {
	for _, ch := range c.Choices {
		if ch.FinishReason != "" {
			return true
		}
	}
	return false
}

// ── Multi-modal completions ──────────────────────────────────

// ContentPart is one segment of a multi-modal message: text or an image.
type ContentPart struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
	// ImageURL references a remote image.
	ImageURL string `json:"image_url,omitempty"`
	// ImageData carries base64-encoded image bytes with its media type.
	ImageData string `json:"image_data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// MultiModalMessage is a chat turn whose content mixes text and images.
type MultiModalMessage struct {
	Role  string        `json:"role"`
	Parts []ContentPart `json:"parts"`
}

// MultiModalRequest is a completion request over mixed text and image
// content. Served only by providers reporting multi-modal support.
type MultiModalRequest struct {
	ModelID     string              `json:"model"`
	Messages    []MultiModalMessage `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	User        string              `json:"user,omitempty"`
	ProjectID   string              `json:"project_id,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Embeddings ───────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// EmbeddingRequest asks for vector embeddings of one or more inputs.
type EmbeddingRequest struct {
	ModelID    string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
	User       string   `json:"user,omitempty"`
	ProjectID  string   `json:"project_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Embedding is a single embedding vector with its input index.
type Embedding struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse carries the computed vectors and token usage.
type EmbeddingResponse struct {
	Model    string      `json:"model"`
	Provider string      `json:"provider"`
	Data     []Embedding `json:"data"`
	Usage    TokenUsage  `json:"usage"`
}

// ══════════════════════════════════════════════════════════════
// ── Usage Ledger ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// OperationType classifies what kind of call a usage record accounts for.
type OperationType string

const (
	OperationCompletion OperationType = "completion"
	OperationEmbedding  OperationType = "embedding"
	OperationFineTuning OperationType = "fine-tuning"
)

// UsageRecord is one append-only entry in the token-usage ledger.
// Invariant: TotalTokens == PromptTokens + CompletionTokens for completions,
// and == PromptTokens for embeddings.
type UsageRecord struct {
	ID               string        `json:"id"`
	RequestID        string        `json:"request_id"`
	UserID           string        `json:"user_id"`
	APIKeyID         string        `json:"api_key_id,omitempty"`
	Provider         string        `json:"provider"`
	ModelID          string        `json:"model_id"`
	Operation        OperationType `json:"operation"`
	Timestamp        time.Time     `json:"timestamp"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	EstimatedCostUSD float64       `json:"estimated_cost_usd"`
	ProjectID        string        `json:"project_id,omitempty"`
	Tags             []string      `json:"tags,omitempty"`
}

// UsageTotals aggregates a set of usage records.
type UsageTotals struct {
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
}

// UsageSummary is the time-ranged rollup returned by the ledger.
type UsageSummary struct {
	Start      time.Time              `json:"start"`
	End        time.Time              `json:"end"`
	Totals     UsageTotals            `json:"totals"`
	ByModel    map[string]UsageTotals `json:"by_model"`
	ByProvider map[string]UsageTotals `json:"by_provider"`
	ByUser     map[string]UsageTotals `json:"by_user"`
}

// ══════════════════════════════════════════════════════════════
// ── Cost & Budgets ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ResetPeriod controls how a budget's spend window rolls over.
type ResetPeriod string

const (
	ResetNever     ResetPeriod = "never"
	ResetDaily     ResetPeriod = "daily"
	ResetWeekly    ResetPeriod = "weekly"
	ResetMonthly   ResetPeriod = "monthly"
	ResetQuarterly ResetPeriod = "quarterly"
	ResetYearly    ResetPeriod = "yearly"
)

// Budget caps spend for a user (optionally scoped to a project).
type Budget struct {
	ID                string      `json:"id"`
	OwnerUserID       string      `json:"owner_user_id"`
	ProjectID         string      `json:"project_id,omitempty"`
	AmountUSD         float64     `json:"amount_usd"`
	StartDate         time.Time   `json:"start_date"`
	EndDate           *time.Time  `json:"end_date,omitempty"`
	ResetPeriod       ResetPeriod `json:"reset_period"`
	AlertThresholdPct float64     `json:"alert_threshold_pct"`
	Enforce           bool        `json:"enforce"`
	Tags              []string    `json:"tags,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// BudgetUsage reports spend against a budget for its current period.
type BudgetUsage struct {
	BudgetID              string     `json:"budget_id"`
	AmountUSD             float64    `json:"amount_usd"`
	UsedUSD               float64    `json:"used_usd"`
	RemainingUSD          float64    `json:"remaining_usd"`
	UsagePct              float64    `json:"usage_pct"`
	NextResetDate         *time.Time `json:"next_reset_date,omitempty"`
	BudgetExceeded        bool       `json:"budget_exceeded"`
	AlertThresholdReached bool       `json:"alert_threshold_reached"`
}

// CostRecord is a persisted per-request cost entry.
type CostRecord struct {
	ID           string        `json:"id"`
	RequestID    string        `json:"request_id"`
	UserID       string        `json:"user_id"`
	ProjectID    string        `json:"project_id,omitempty"`
	Provider     string        `json:"provider"`
	ModelID      string        `json:"model_id"`
	Operation    OperationType `json:"operation"`
	TotalTokens  int           `json:"total_tokens"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	Timestamp    time.Time     `json:"timestamp"`
	Tags         []string      `json:"tags,omitempty"`
}

// CostSummaryGroup is one aggregation bucket of a cost summary.
type CostSummaryGroup struct {
	Key          string  `json:"key"`
	Requests     int64   `json:"requests"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// ══════════════════════════════════════════════════════════════
// ── A/B Experiments ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Experiment variants.
const (
	VariantControl   = "control"
	VariantTreatment = "treatment"
)

// Experiment routes a share of a model's traffic to a treatment model.
type Experiment struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Active               bool       `json:"active"`
	StartDate            time.Time  `json:"start_date"`
	EndDate              *time.Time `json:"end_date,omitempty"`
	TrafficAllocationPct float64    `json:"traffic_allocation_pct"`
	ControlModelID       string     `json:"control_model_id"`
	TreatmentModelID     string     `json:"treatment_model_id"`
	UserSegments         []string   `json:"user_segments,omitempty"`
	Metrics              []string   `json:"metrics,omitempty"`
	CreatedBy            string     `json:"created_by,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// Expired reports whether the experiment has passed its end date.
func (e *Experiment) Expired(now time.Time) bool {
	return e.EndDate != nil && !e.EndDate.After(now)
}

// ExperimentResult is one recorded observation for an experiment.
type ExperimentResult struct {
	ExperimentID string             `json:"experiment_id"`
	UserID       string             `json:"user_id"`
	RequestID    string             `json:"request_id"`
	Variant      string             `json:"variant"`
	ModelID      string             `json:"model_id"`
	Metrics      map[string]float64 `json:"metrics"`
	Timestamp    time.Time          `json:"timestamp"`
}

// MetricComparison compares one metric between control and treatment.
// PValue is a heuristic approximation, not a valid statistical test; it
// exists for dashboards only and must not drive automated decisions.
type MetricComparison struct {
	Metric        string  `json:"metric"`
	ControlMean   float64 `json:"control_mean"`
	TreatmentMean float64 `json:"treatment_mean"`
	PctDifference float64 `json:"pct_difference"`
	PValue        float64 `json:"p_value"`
}

// ExperimentStatistics is the per-metric rollup for an experiment.
type ExperimentStatistics struct {
	ExperimentID   string             `json:"experiment_id"`
	ControlCount   int                `json:"control_count"`
	TreatmentCount int                `json:"treatment_count"`
	Comparisons    []MetricComparison `json:"comparisons"`
}

// ══════════════════════════════════════════════════════════════
// ── Content Filtering ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Moderation categories scored by the classifier.
const (
	CategoryHate       = "hate"
	CategoryHarassment = "harassment"
	CategorySelfHarm   = "self_harm"
	CategorySexual     = "sexual"
	CategoryViolence   = "violence"
)

// FilterResult is the outcome of evaluating text against the content filter.
type FilterResult struct {
	Allowed    bool               `json:"allowed"`
	Reason     string             `json:"reason,omitempty"`
	Categories []string           `json:"categories,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Vector Search & RAG ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// VectorDoc is a document stored in the vector index.
type VectorDoc struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Vector    []float64         `json:"vector,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SearchResult pairs a document with its similarity score.
type SearchResult struct {
	Doc   VectorDoc `json:"doc"`
	Score float64   `json:"score"`
}

// ══════════════════════════════════════════════════════════════
// ── Prompt Templates ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// TemplateVariable declares a {{placeholder}} in a prompt template.
type TemplateVariable struct {
	Name         string `json:"name"`
	Required     bool   `json:"required"`
	DefaultValue string `json:"default_value,omitempty"`
}

// PromptTemplate is a reusable prompt with declared variables. Template
// management is owned elsewhere; the gateway only renders.
type PromptTemplate struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Template  string             `json:"template"`
	Variables []TemplateVariable `json:"variables,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

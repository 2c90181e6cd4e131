// Package cost prices token usage, keeps the cost record trail, and
// enforces budgets over reset-period windows. Budget checks bias toward
// availability: when usage cannot be determined the request proceeds,
// unless fail-closed enforcement is configured.
package cost

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Engine prices usage and enforces budgets.
type Engine struct {
	registry   *registry.Registry
	pricing    config.PricingConfig
	costs      store.CostRepo
	budgets    store.BudgetRepo
	failClosed bool
}

// New creates an Engine. failClosed makes budget checks block when usage
// cannot be computed.
func New(reg *registry.Registry, pricing config.PricingConfig, costs store.CostRepo, budgets store.BudgetRepo, failClosed bool) *Engine {
	return &Engine{
		registry:   reg,
		pricing:    pricing,
		costs:      costs,
		budgets:    budgets,
		failClosed: failClosed,
	}
}

// ── Pricing ─────────────────────────────────────────────────

// PriceFor resolves per-1K-token input and output prices: the model
// mapping's own prices win, then the per-provider pricing table, then the
// global fallback pair.
func (e *Engine) PriceFor(ctx context.Context, providerName, modelID string) (float64, float64) {
	if mapping, err := e.registry.Get(ctx, modelID); err == nil {
		if mapping.InputPricePer1K > 0 || mapping.OutputPricePer1K > 0 {
			return mapping.InputPricePer1K, mapping.OutputPricePer1K
		}
	}
	if perProvider, ok := e.pricing.Defaults[providerName]; ok {
		if pair, ok := perProvider[modelID]; ok {
			return pair.Input, pair.Output
		}
		// Prefix match covers dated model releases sharing a price. The
		// longest prefix wins so overlapping rows resolve the same way on
		// every run.
		best := ""
		for prefix := range perProvider {
			if strings.HasPrefix(modelID, prefix) && len(prefix) > len(best) {
				best = prefix
			}
		}
		if best != "" {
			pair := perProvider[best]
			return pair.Input, pair.Output
		}
	}
	return e.pricing.Fallback.Input, e.pricing.Fallback.Output
}

// CompletionCost prices a completion from its token usage.
func (e *Engine) CompletionCost(ctx context.Context, providerName, modelID string, usage models.TokenUsage) float64 {
	in, out := e.PriceFor(ctx, providerName, modelID)
	return float64(usage.PromptTokens)/1000*in + float64(usage.CompletionTokens)/1000*out
}

// EmbeddingCost prices an embedding call; only the input rate applies.
func (e *Engine) EmbeddingCost(ctx context.Context, providerName, modelID string, usage models.TokenUsage) float64 {
	in, _ := e.PriceFor(ctx, providerName, modelID)
	return float64(usage.PromptTokens) / 1000 * in
}

// FineTuningCost prices a training run from its token count.
func (e *Engine) FineTuningCost(providerName, modelID string, trainingTokens int) float64 {
	if perProvider, ok := e.pricing.FineTuning[providerName]; ok {
		if rate, ok := perProvider[modelID]; ok {
			return float64(trainingTokens) / 1000 * rate
		}
		best := ""
		for prefix := range perProvider {
			if strings.HasPrefix(modelID, prefix) && len(prefix) > len(best) {
				best = prefix
			}
		}
		if best != "" {
			return float64(trainingTokens) / 1000 * perProvider[best]
		}
	}
	return float64(trainingTokens) / 1000 * e.pricing.Fallback.Input
}

// Record persists a cost record, assigning ID and timestamp when absent.
// Failures are logged and swallowed.
func (e *Engine) Record(ctx context.Context, rec *models.CostRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := e.costs.InsertCost(ctx, rec); err != nil {
		log.Error().Err(err).Str("request_id", rec.RequestID).Msg("Failed to record cost")
	}
}

// Summarize groups cost records by "model", "provider", "user", or
// "project".
func (e *Engine) Summarize(ctx context.Context, filter store.CostFilter, groupBy string) ([]models.CostSummaryGroup, error) {
	recs, err := e.costs.ListCosts(ctx, filter)
	if err != nil {
		return nil, err
	}
	groups := map[string]*models.CostSummaryGroup{}
	var order []string
	for _, r := range recs {
		var key string
		switch groupBy {
		case "provider":
			key = r.Provider
		case "user":
			key = r.UserID
		case "project":
			key = r.ProjectID
		default:
			key = r.ModelID
		}
		g, ok := groups[key]
		if !ok {
			g = &models.CostSummaryGroup{Key: key}
			groups[key] = g
			order = append(order, key)
		}
		g.Requests++
		g.TotalTokens += int64(r.TotalTokens)
		g.TotalCostUSD += r.TotalCostUSD
	}
	out := make([]models.CostSummaryGroup, 0, len(order))
	for _, key := range order {
		out = append(out, *groups[key])
	}
	return out, nil
}

// ── Budget windows ──────────────────────────────────────────

// PeriodWindow computes the current accounting window for a budget at a
// given instant, in UTC. Weekly windows anchor on Monday. The window start
// never precedes the budget's start date.
func PeriodWindow(b *models.Budget, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	var start, end time.Time
	switch b.ResetPeriod {
	case models.ResetDaily:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	case models.ResetWeekly:
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
			AddDate(0, 0, -daysSinceMonday)
		end = start.AddDate(0, 0, 7)
	case models.ResetMonthly:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case models.ResetQuarterly:
		quarterStart := time.Month((int(now.Month())-1)/3*3 + 1)
		start = time.Date(now.Year(), quarterStart, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 3, 0)
	case models.ResetYearly:
		start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default: // ResetNever
		start = b.StartDate.UTC()
		if b.EndDate != nil {
			end = b.EndDate.UTC()
		} else {
			end = now.AddDate(100, 0, 0)
		}
	}
	if bs := b.StartDate.UTC(); bs.After(start) {
		start = bs
	}
	if b.EndDate != nil {
		if be := b.EndDate.UTC(); be.Before(end) {
			end = be
		}
	}
	return start, end
}

// NextResetDate returns when the budget's window next rolls over, or nil
// for non-resetting budgets.
func NextResetDate(b *models.Budget, now time.Time) *time.Time {
	if b.ResetPeriod == models.ResetNever || b.ResetPeriod == "" {
		return nil
	}
	_, end := PeriodWindow(b, now)
	return &end
}

// ── Enforcement ─────────────────────────────────────────────

func (e *Engine) budgetFilter(b *models.Budget, start, end time.Time) store.CostFilter {
	return store.CostFilter{
		UserID:    b.OwnerUserID,
		ProjectID: b.ProjectID,
		Tags:      b.Tags,
		Start:     start,
		End:       end,
	}
}

// Usage reports a budget's consumption over its current window.
func (e *Engine) Usage(ctx context.Context, b *models.Budget, now time.Time) (*models.BudgetUsage, error) {
	start, end := PeriodWindow(b, now)
	used, err := e.costs.SumCosts(ctx, e.budgetFilter(b, start, end))
	if err != nil {
		return nil, err
	}

	usage := &models.BudgetUsage{
		BudgetID:      b.ID,
		AmountUSD:     b.AmountUSD,
		UsedUSD:       used,
		RemainingUSD:  b.AmountUSD - used,
		NextResetDate: NextResetDate(b, now),
	}
	if b.AmountUSD > 0 {
		usage.UsagePct = used / b.AmountUSD * 100
	}
	usage.BudgetExceeded = used >= b.AmountUSD
	usage.AlertThresholdReached = b.AlertThresholdPct > 0 && usage.UsagePct >= b.AlertThresholdPct
	return usage, nil
}

// EstimateCompletion prices a request before the upstream call: the
// tokenized prompt plus the caller's full completion allowance.
func (e *Engine) EstimateCompletion(ctx context.Context, modelID string, promptTokens, maxTokens int) float64 {
	return e.CompletionCost(ctx, e.providerFor(ctx, modelID), modelID, models.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: maxTokens,
	})
}

// EstimateEmbedding prices an embedding request before the upstream call.
func (e *Engine) EstimateEmbedding(ctx context.Context, modelID string, promptTokens int) float64 {
	return e.EmbeddingCost(ctx, e.providerFor(ctx, modelID), modelID, models.TokenUsage{
		PromptTokens: promptTokens,
	})
}

func (e *Engine) providerFor(ctx context.Context, modelID string) string {
	if mapping, err := e.registry.Get(ctx, modelID); err == nil {
		return mapping.Provider
	}
	return ""
}

// CheckSpend decides whether a request owner may spend estimatedUSD more.
// It returns the first enforced budget the request would push past its
// cap, or nil when spending is allowed. Evaluation errors allow the
// request unless fail-closed is configured.
func (e *Engine) CheckSpend(ctx context.Context, userID, projectID string, estimatedUSD float64) (*models.Budget, error) {
	candidates, err := e.applicableBudgets(ctx, userID, projectID)
	if err != nil {
		if e.failClosed {
			return nil, err
		}
		log.Warn().Err(err).Msg("Budget lookup failed, allowing request")
		return nil, nil
	}

	now := time.Now()
	for _, b := range candidates {
		if !b.Enforce {
			continue
		}
		usage, err := e.Usage(ctx, b, now)
		if err != nil {
			if e.failClosed {
				return nil, err
			}
			log.Warn().Err(err).Str("budget_id", b.ID).Msg("Budget usage check failed, allowing request")
			continue
		}
		if usage.AlertThresholdReached && !usage.BudgetExceeded {
			log.Warn().
				Str("budget_id", b.ID).
				Float64("usage_pct", usage.UsagePct).
				Msg("Budget alert threshold reached")
		}
		// Allowed iff the projected spend stays within the cap.
		if usage.UsedUSD+estimatedUSD > b.AmountUSD {
			return b, nil
		}
	}
	return nil, nil
}

// applicableBudgets returns budgets scoped to the user, the project, or
// both, deduplicated by ID.
func (e *Engine) applicableBudgets(ctx context.Context, userID, projectID string) ([]*models.Budget, error) {
	seen := map[string]bool{}
	var out []*models.Budget
	appendAll := func(bs []*models.Budget) {
		for _, b := range bs {
			if !seen[b.ID] {
				seen[b.ID] = true
				out = append(out, b)
			}
		}
	}
	if userID != "" {
		bs, err := e.budgets.ListBudgets(ctx, userID, "")
		if err != nil {
			return nil, err
		}
		appendAll(bs)
	}
	if projectID != "" {
		bs, err := e.budgets.ListBudgets(ctx, "", projectID)
		if err != nil {
			return nil, err
		}
		appendAll(bs)
	}
	return out, nil
}

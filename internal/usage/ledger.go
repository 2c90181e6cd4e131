// Package usage records per-request token consumption and answers
// aggregate queries over it. Recording is best-effort: a ledger failure
// never fails the request that produced the usage.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Ledger records and summarizes usage.
type Ledger struct {
	repo store.UsageRepo
}

// NewLedger creates a Ledger over the given repository.
func NewLedger(repo store.UsageRepo) *Ledger {
	return &Ledger{repo: repo}
}

// Track persists one usage record, assigning an ID and timestamp when
// absent. Failures are logged and swallowed.
func (l *Ledger) Track(ctx context.Context, rec *models.UsageRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := l.repo.InsertUsage(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("request_id", rec.RequestID).
			Str("model_id", rec.ModelID).
			Msg("Failed to record usage")
		return
	}
	log.Debug().
		Str("request_id", rec.RequestID).
		Str("model_id", rec.ModelID).
		Int("total_tokens", rec.TotalTokens).
		Float64("cost_usd", rec.EstimatedCostUSD).
		Msg("Usage recorded")
}

// List returns raw usage records matching the filter.
func (l *Ledger) List(ctx context.Context, filter store.UsageFilter) ([]*models.UsageRecord, error) {
	return l.repo.ListUsage(ctx, filter)
}

// Summary aggregates usage over a window, grouped by model, provider, and
// user.
func (l *Ledger) Summary(ctx context.Context, filter store.UsageFilter) (*models.UsageSummary, error) {
	recs, err := l.repo.ListUsage(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary := &models.UsageSummary{
		Start:      filter.Start,
		End:        filter.End,
		ByModel:    make(map[string]models.UsageTotals),
		ByProvider: make(map[string]models.UsageTotals),
		ByUser:     make(map[string]models.UsageTotals),
	}
	for _, r := range recs {
		summary.Totals = accumulate(summary.Totals, r)
		summary.ByModel[r.ModelID] = accumulate(summary.ByModel[r.ModelID], r)
		summary.ByProvider[r.Provider] = accumulate(summary.ByProvider[r.Provider], r)
		if r.UserID != "" {
			summary.ByUser[r.UserID] = accumulate(summary.ByUser[r.UserID], r)
		}
	}
	return summary, nil
}

func accumulate(t models.UsageTotals, r *models.UsageRecord) models.UsageTotals {
	t.Requests++
	t.PromptTokens += int64(r.PromptTokens)
	t.CompletionTokens += int64(r.CompletionTokens)
	t.TotalTokens += int64(r.TotalTokens)
	t.TotalCostUSD += r.EstimatedCostUSD
	return t
}

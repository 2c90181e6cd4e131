package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/usage"
	"github.com/modelrelay/modelrelay/pkg/models"
)

func newTestLedger(t *testing.T) (*usage.Ledger, *store.Memory) {
	t.Helper()
	st, err := store.NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })
	return usage.NewLedger(st), st
}

func TestTrackAssignsIdentity(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	l.Track(ctx, &models.UsageRecord{
		RequestID:        "req-1",
		ModelID:          "gpt-x",
		Provider:         "openai",
		Operation:        models.OperationCompletion,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
	})

	recs, err := st.ListUsage(ctx, store.UsageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	r := recs[0]
	if r.ID == "" {
		t.Error("ID not assigned")
	}
	if r.Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
	if r.TotalTokens != r.PromptTokens+r.CompletionTokens {
		t.Errorf("total = %d, prompt+completion = %d", r.TotalTokens, r.PromptTokens+r.CompletionTokens)
	}
}

func TestSummaryGrouping(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	l.Track(ctx, &models.UsageRecord{UserID: "alice", ModelID: "gpt-x", Provider: "openai",
		PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, EstimatedCostUSD: 0.01})
	l.Track(ctx, &models.UsageRecord{UserID: "alice", ModelID: "claude-z", Provider: "anthropic",
		PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30, EstimatedCostUSD: 0.02})
	l.Track(ctx, &models.UsageRecord{UserID: "bob", ModelID: "gpt-x", Provider: "openai",
		PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, EstimatedCostUSD: 0.001})

	s, err := l.Summary(ctx, store.UsageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if s.Totals.Requests != 3 || s.Totals.TotalTokens != 47 {
		t.Errorf("totals = %+v", s.Totals)
	}
	if s.ByModel["gpt-x"].Requests != 2 {
		t.Errorf("gpt-x requests = %d", s.ByModel["gpt-x"].Requests)
	}
	if s.ByProvider["anthropic"].TotalTokens != 30 {
		t.Errorf("anthropic tokens = %d", s.ByProvider["anthropic"].TotalTokens)
	}
	if s.ByUser["alice"].TotalCostUSD < 0.029 || s.ByUser["alice"].TotalCostUSD > 0.031 {
		t.Errorf("alice cost = %v", s.ByUser["alice"].TotalCostUSD)
	}
}

func TestSummaryWindowFilter(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()

	l.Track(ctx, &models.UsageRecord{ModelID: "gpt-x", Timestamp: now.Add(-2 * time.Hour), TotalTokens: 10})
	l.Track(ctx, &models.UsageRecord{ModelID: "gpt-x", Timestamp: now, TotalTokens: 20})

	s, err := l.Summary(ctx, store.UsageFilter{Start: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if s.Totals.Requests != 1 || s.Totals.TotalTokens != 20 {
		t.Errorf("windowed totals = %+v", s.Totals)
	}
}

func TestTokenizerCounts(t *testing.T) {
	tok := usage.NewTokenizer()

	short := tok.CountText("gpt-4", "Hello")
	long := tok.CountText("gpt-4", "Hello there, this is a much longer sentence with many more words in it.")
	if short <= 0 {
		t.Errorf("short count = %d", short)
	}
	if long <= short {
		t.Errorf("long count %d not greater than short count %d", long, short)
	}
}

func TestTokenizerMessageOverhead(t *testing.T) {
	tok := usage.NewTokenizer()
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "You are helpful."},
		{Role: models.RoleUser, Content: "Hi!"},
	}
	total := tok.CountMessages("gpt-4", msgs)
	contentOnly := tok.CountText("gpt-4", msgs[0].Content) + tok.CountText("gpt-4", msgs[1].Content)
	if total <= contentOnly {
		t.Errorf("total %d must exceed content-only count %d", total, contentOnly)
	}
}

func TestSweeperPurgesOldRecords(t *testing.T) {
	st, err := store.NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })
	ctx := context.Background()
	now := time.Now().UTC()

	st.InsertUsage(ctx, &models.UsageRecord{ID: "stale", Timestamp: now.Add(-100 * 24 * time.Hour)})
	st.InsertUsage(ctx, &models.UsageRecord{ID: "fresh", Timestamp: now})

	sweeper := usage.NewSweeper(st, 90*24*time.Hour, time.Hour)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sweeper.Start(runCtx)
		close(done)
	}()

	// The first cycle runs immediately; poll briefly for its effect.
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, _ := st.ListUsage(ctx, store.UsageFilter{})
		if len(recs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("sweep did not purge, %d records remain", len(recs))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	recs, _ := st.ListUsage(ctx, store.UsageFilter{})
	if len(recs) != 1 || recs[0].ID != "fresh" {
		t.Errorf("remaining = %v", recs)
	}
}

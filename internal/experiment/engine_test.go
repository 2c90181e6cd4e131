package experiment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/experiment"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/pkg/models"
)

func newTestEngine(t *testing.T) (*experiment.Engine, *store.Memory) {
	t.Helper()
	st, err := store.NewMemory("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close(context.Background()) })
	return experiment.New(st), st
}

func activeExperiment(id string, trafficPct float64) *models.Experiment {
	now := time.Now().UTC()
	return &models.Experiment{
		ID:                   id,
		Name:                 "test",
		Active:               true,
		StartDate:            now.Add(-time.Hour),
		TrafficAllocationPct: trafficPct,
		ControlModelID:       "gpt-x",
		TreatmentModelID:     "gpt-y",
		CreatedAt:            now,
	}
}

func TestNoUserPassesThrough(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	st.CreateExperiment(ctx, activeExperiment("e1", 100))

	model, asg := eng.GetModelForUser(ctx, "", "gpt-x")
	if model != "gpt-x" || asg != nil {
		t.Errorf("got %q, %v; want passthrough", model, asg)
	}
}

func TestFullAllocationRoutesToTreatment(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	st.CreateExperiment(ctx, activeExperiment("e1", 100))

	model, asg := eng.GetModelForUser(ctx, "alice", "gpt-x")
	if model != "gpt-y" {
		t.Errorf("model = %q, want treatment gpt-y", model)
	}
	if asg == nil || asg.Variant != models.VariantTreatment {
		t.Errorf("assignment = %v", asg)
	}
}

func TestZeroAllocationRoutesToControl(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	st.CreateExperiment(ctx, activeExperiment("e1", 0))

	model, asg := eng.GetModelForUser(ctx, "alice", "gpt-x")
	if model != "gpt-x" {
		t.Errorf("model = %q, want control gpt-x", model)
	}
	if asg == nil || asg.Variant != models.VariantControl {
		t.Errorf("assignment = %v", asg)
	}
}

// Once assigned, a user keeps their variant even when the allocation is
// later changed.
func TestAssignmentSticky(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	exp := activeExperiment("e1", 100)
	st.CreateExperiment(ctx, exp)

	model, _ := eng.GetModelForUser(ctx, "alice", "gpt-x")
	if model != "gpt-y" {
		t.Fatalf("initial model = %q", model)
	}

	exp.TrafficAllocationPct = 0
	if err := st.UpdateExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		model, asg := eng.GetModelForUser(ctx, "alice", "gpt-x")
		if model != "gpt-y" {
			t.Fatalf("request %d: model = %q, lost sticky assignment", i, model)
		}
		if asg == nil || asg.Variant != models.VariantTreatment {
			t.Fatalf("request %d: assignment = %v", i, asg)
		}
	}
}

func TestOtherModelUnaffected(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	st.CreateExperiment(ctx, activeExperiment("e1", 100))

	model, asg := eng.GetModelForUser(ctx, "alice", "claude-z")
	if model != "claude-z" || asg != nil {
		t.Errorf("got %q, %v; want passthrough", model, asg)
	}
}

func TestSegmentsGateEligibility(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	exp := activeExperiment("e1", 100)
	exp.UserSegments = []string{"alice"}
	st.CreateExperiment(ctx, exp)

	if model, _ := eng.GetModelForUser(ctx, "alice", "gpt-x"); model != "gpt-y" {
		t.Errorf("segment member got %q", model)
	}

	// Non-members are pinned to control, with the assignment persisted.
	model, asg := eng.GetModelForUser(ctx, "bob", "gpt-x")
	if model != "gpt-x" {
		t.Errorf("non-member got %q", model)
	}
	if asg == nil || asg.Variant != models.VariantControl {
		t.Fatalf("non-member assignment = %v", asg)
	}
	if v, err := st.GetAssignment(ctx, "e1", "bob"); err != nil || v != models.VariantControl {
		t.Errorf("persisted assignment = %q, %v", v, err)
	}
}

// A user assigned control while outside the segments keeps that variant
// after being added to them.
func TestSegmentChangeKeepsAssignment(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	exp := activeExperiment("e1", 100)
	exp.UserSegments = []string{"alice"}
	st.CreateExperiment(ctx, exp)

	if model, _ := eng.GetModelForUser(ctx, "bob", "gpt-x"); model != "gpt-x" {
		t.Fatalf("excluded user got %q", model)
	}

	exp.UserSegments = []string{"alice", "bob"}
	if err := st.UpdateExperiment(ctx, exp); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		model, asg := eng.GetModelForUser(ctx, "bob", "gpt-x")
		if model != "gpt-x" || asg == nil || asg.Variant != models.VariantControl {
			t.Fatalf("request %d: re-rolled to %q, %v", i, model, asg)
		}
	}
}

func TestExpiredExperimentIgnored(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	exp := activeExperiment("e1", 100)
	past := time.Now().UTC().Add(-time.Minute)
	exp.EndDate = &past
	st.CreateExperiment(ctx, exp)

	if model, _ := eng.GetModelForUser(ctx, "alice", "gpt-x"); model != "gpt-x" {
		t.Errorf("expired experiment still routed to %q", model)
	}
}

func TestNotYetStartedIgnored(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	exp := activeExperiment("e1", 100)
	exp.StartDate = time.Now().UTC().Add(time.Hour)
	st.CreateExperiment(ctx, exp)

	if model, _ := eng.GetModelForUser(ctx, "alice", "gpt-x"); model != "gpt-x" {
		t.Errorf("future experiment routed to %q", model)
	}
}

type failingRepo struct {
	store.ExperimentRepo
}

func (r *failingRepo) ListExperiments(context.Context, bool) ([]*models.Experiment, error) {
	return nil, errors.New("store down")
}

func TestRepoFailureFailsOpen(t *testing.T) {
	eng := experiment.New(&failingRepo{})
	model, asg := eng.GetModelForUser(context.Background(), "alice", "gpt-x")
	if model != "gpt-x" || asg != nil {
		t.Errorf("got %q, %v; want requested model", model, asg)
	}
}

func TestStatistics(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	exp := activeExperiment("e1", 50)
	exp.Metrics = []string{"latency_ms"}
	st.CreateExperiment(ctx, exp)

	for i, v := range []float64{100, 110, 90, 105} {
		eng.RecordResult(ctx, &models.ExperimentResult{
			ExperimentID: "e1",
			UserID:       "c",
			RequestID:    "r",
			Variant:      models.VariantControl,
			Metrics:      map[string]float64{"latency_ms": v},
			Timestamp:    time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}
	for _, v := range []float64{200, 210, 190, 205} {
		eng.RecordResult(ctx, &models.ExperimentResult{
			ExperimentID: "e1",
			Variant:      models.VariantTreatment,
			Metrics:      map[string]float64{"latency_ms": v},
		})
	}

	stats, err := eng.Statistics(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.ControlCount != 4 || stats.TreatmentCount != 4 {
		t.Errorf("counts = %d/%d", stats.ControlCount, stats.TreatmentCount)
	}
	if len(stats.Comparisons) != 1 {
		t.Fatalf("comparisons = %v", stats.Comparisons)
	}
	c := stats.Comparisons[0]
	if c.Metric != "latency_ms" {
		t.Errorf("metric = %q", c.Metric)
	}
	if c.ControlMean != 101.25 {
		t.Errorf("control mean = %v", c.ControlMean)
	}
	if c.TreatmentMean != 201.25 {
		t.Errorf("treatment mean = %v", c.TreatmentMean)
	}
	if c.PctDifference < 98 || c.PctDifference > 99.5 {
		t.Errorf("pct difference = %v", c.PctDifference)
	}
	// A clear separation should push the heuristic p-value toward zero.
	if c.PValue >= 0.05 {
		t.Errorf("p-value = %v, want < 0.05", c.PValue)
	}
}

func TestStatisticsUnknownExperiment(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Statistics(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown experiment")
	}
}

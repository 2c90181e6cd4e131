// Package experiment implements A/B routing of completion traffic: sticky
// variant assignment against active experiments plus summary statistics
// over recorded per-request metrics.
package experiment

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/pkg/models"
)

// Assignment describes the variant a request was routed under.
type Assignment struct {
	ExperimentID string
	Variant      string
	ModelID      string
}

// Engine resolves the effective model for a user under active experiments.
// Failures inside the engine never fail the request; callers get the
// requested model back.
type Engine struct {
	repo store.ExperimentRepo

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an Engine seeded from the current time.
func New(repo store.ExperimentRepo) *Engine {
	return &Engine{
		repo: repo,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// roll returns a uniform integer in [1, 100].
func (e *Engine) roll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Intn(100) + 1
}

// GetModelForUser resolves the model to serve. When an active, unexpired
// experiment's control model matches the requested model, the user gets a
// sticky variant assignment; otherwise the requested model passes through.
// A nil Assignment means no experiment applied.
func (e *Engine) GetModelForUser(ctx context.Context, userID, requestedModelID string) (string, *Assignment) {
	if userID == "" {
		return requestedModelID, nil
	}

	exps, err := e.repo.ListExperiments(ctx, true)
	if err != nil {
		log.Warn().Err(err).Msg("Experiment lookup failed, using requested model")
		return requestedModelID, nil
	}

	now := time.Now()
	for _, exp := range exps {
		if exp.ControlModelID != requestedModelID {
			continue
		}
		if now.Before(exp.StartDate) || exp.Expired(now) {
			continue
		}
		// Users outside the experiment's segments still get a persisted
		// control assignment, so a later segment change cannot re-roll them
		// and no other experiment on the same control model captures them.
		eligible := len(exp.UserSegments) == 0 || inSegments(userID, exp.UserSegments)

		variant, err := e.resolveVariant(ctx, exp, userID, eligible)
		if err != nil {
			log.Warn().Err(err).Str("experiment_id", exp.ID).Msg("Variant assignment failed, using requested model")
			return requestedModelID, nil
		}

		modelID := exp.ControlModelID
		if variant == models.VariantTreatment {
			modelID = exp.TreatmentModelID
		}
		return modelID, &Assignment{ExperimentID: exp.ID, Variant: variant, ModelID: modelID}
	}

	return requestedModelID, nil
}

// resolveVariant returns the user's sticky variant, rolling a fresh one
// when an eligible user is unassigned. Ineligible users are pinned to
// control. The repository resolves concurrent first assignments to a
// single winner.
func (e *Engine) resolveVariant(ctx context.Context, exp *models.Experiment, userID string, eligible bool) (string, error) {
	if v, err := e.repo.GetAssignment(ctx, exp.ID, userID); err == nil {
		return v, nil
	}

	proposed := models.VariantControl
	if eligible && float64(e.roll()) <= exp.TrafficAllocationPct {
		proposed = models.VariantTreatment
	}
	return e.repo.AssignVariant(ctx, exp.ID, userID, proposed)
}

// RecordResult stores one per-request metric observation. Failures are
// logged and swallowed; metric collection never affects serving.
func (e *Engine) RecordResult(ctx context.Context, r *models.ExperimentResult) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if err := e.repo.RecordResult(ctx, r); err != nil {
		log.Warn().Err(err).Str("experiment_id", r.ExperimentID).Msg("Failed to record experiment result")
	}
}

// Statistics computes per-metric control/treatment comparisons for an
// experiment.
func (e *Engine) Statistics(ctx context.Context, experimentID string) (*models.ExperimentStatistics, error) {
	exp, err := e.repo.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	results, err := e.repo.ListResults(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return computeStatistics(exp, results), nil
}

func inSegments(userID string, segments []string) bool {
	for _, s := range segments {
		if s == userID {
			return true
		}
	}
	return false
}

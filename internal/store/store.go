// Package store defines the persistence ports for usage records, cost
// records, budgets, and experiments, with an in-memory implementation
// (JSON snapshot persistence) and a PostgreSQL implementation.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// ErrNotFound reports a missing entity.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// UsageFilter narrows usage queries. Zero fields match everything.
type UsageFilter struct {
	UserID    string
	ModelID   string
	Provider  string
	ProjectID string
	Operation models.OperationType
	Start     time.Time
	End       time.Time
	Limit     int
}

// Matches reports whether a record satisfies the filter.
func (f UsageFilter) Matches(r *models.UsageRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.ModelID != "" && r.ModelID != f.ModelID {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if f.Operation != "" && r.Operation != f.Operation {
		return false
	}
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !r.Timestamp.Before(f.End) {
		return false
	}
	return true
}

// CostFilter narrows cost queries. Zero fields match everything.
type CostFilter struct {
	UserID    string
	ProjectID string
	ModelID   string
	Provider  string
	// Tags match when every filter tag appears on the record.
	Tags  []string
	Start time.Time
	End   time.Time
}

// Matches reports whether a record satisfies the filter.
func (f CostFilter) Matches(r *models.CostRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if f.ModelID != "" && r.ModelID != f.ModelID {
		return false
	}
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range r.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !r.Timestamp.Before(f.End) {
		return false
	}
	return true
}

// UsageRepo stores per-request usage records.
type UsageRepo interface {
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]*models.UsageRecord, error)
	PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// CostRepo stores per-request cost records.
type CostRepo interface {
	InsertCost(ctx context.Context, rec *models.CostRecord) error
	ListCosts(ctx context.Context, filter CostFilter) ([]*models.CostRecord, error)
	SumCosts(ctx context.Context, filter CostFilter) (float64, error)
}

// BudgetRepo stores budget definitions.
type BudgetRepo interface {
	CreateBudget(ctx context.Context, b *models.Budget) error
	GetBudget(ctx context.Context, id string) (*models.Budget, error)
	ListBudgets(ctx context.Context, ownerUserID, projectID string) ([]*models.Budget, error)
	UpdateBudget(ctx context.Context, b *models.Budget) error
	DeleteBudget(ctx context.Context, id string) error
}

// ExperimentRepo stores experiment definitions, sticky user assignments,
// and per-request results.
type ExperimentRepo interface {
	CreateExperiment(ctx context.Context, e *models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ListExperiments(ctx context.Context, activeOnly bool) ([]*models.Experiment, error)
	UpdateExperiment(ctx context.Context, e *models.Experiment) error
	DeleteExperiment(ctx context.Context, id string) error

	// AssignVariant records a sticky assignment. If the user already has
	// one for the experiment, the existing variant wins and is returned.
	AssignVariant(ctx context.Context, experimentID, userID, variant string) (string, error)
	GetAssignment(ctx context.Context, experimentID, userID string) (string, error)

	RecordResult(ctx context.Context, r *models.ExperimentResult) error
	ListResults(ctx context.Context, experimentID string) ([]*models.ExperimentResult, error)
}

// Store bundles every repository behind one handle.
type Store interface {
	UsageRepo
	CostRepo
	BudgetRepo
	ExperimentRepo

	Close(ctx context.Context) error
}

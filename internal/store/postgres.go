package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/modelrelay/pkg/models"
)

// Postgres is a Store backed by PostgreSQL via pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and runs schema migration.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("Postgres store ready")
	return s, nil
}

func (s *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			prompt_tokens INTEGER NOT NULL,
			completion_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			estimated_cost_usd DOUBLE PRECISION NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS usage_records_ts_idx ON usage_records (ts)`,
		`CREATE INDEX IF NOT EXISTS usage_records_user_idx ON usage_records (user_id)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			total_tokens INTEGER NOT NULL,
			total_cost_usd DOUBLE PRECISION NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			tags JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS cost_records_ts_idx ON cost_records (ts)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			owner_user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			amount_usd DOUBLE PRECISION NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ,
			reset_period TEXT NOT NULL,
			alert_threshold_pct DOUBLE PRECISION NOT NULL,
			enforce BOOLEAN NOT NULL,
			tags JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ,
			traffic_allocation_pct INTEGER NOT NULL,
			control_model_id TEXT NOT NULL,
			treatment_model_id TEXT NOT NULL,
			user_segments JSONB NOT NULL DEFAULT '[]',
			metrics JSONB NOT NULL DEFAULT '[]',
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_assignments (
			experiment_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			PRIMARY KEY (experiment_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS experiment_results (
			experiment_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			model_id TEXT NOT NULL,
			metrics JSONB NOT NULL DEFAULT '{}',
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS experiment_results_exp_idx ON experiment_results (experiment_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Postgres) Close(_ context.Context) error {
	s.pool.Close()
	return nil
}

// ── Usage ───────────────────────────────────────────────────

func (s *Postgres) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records
			(id, request_id, user_id, api_key_id, provider, model_id, operation, ts,
			 prompt_tokens, completion_tokens, total_tokens, estimated_cost_usd, project_id, tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.RequestID, rec.UserID, rec.APIKeyID, rec.Provider, rec.ModelID,
		string(rec.Operation), rec.Timestamp, rec.PromptTokens, rec.CompletionTokens,
		rec.TotalTokens, rec.EstimatedCostUSD, rec.ProjectID, listOrEmpty(rec.Tags))
	return err
}

// usageWhere builds the WHERE clause for a usage filter.
func usageWhere(f UsageFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ModelID != "" {
		add("model_id = $%d", f.ModelID)
	}
	if f.Provider != "" {
		add("provider = $%d", f.Provider)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.Operation != "" {
		add("operation = $%d", string(f.Operation))
	}
	if !f.Start.IsZero() {
		add("ts >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("ts < $%d", f.End)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Postgres) ListUsage(ctx context.Context, filter UsageFilter) ([]*models.UsageRecord, error) {
	where, args := usageWhere(filter)
	query := `SELECT id, request_id, user_id, api_key_id, provider, model_id, operation, ts,
		prompt_tokens, completion_tokens, total_tokens, estimated_cost_usd, project_id, tags
		FROM usage_records` + where + ` ORDER BY ts`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var op string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &r.APIKeyID, &r.Provider, &r.ModelID,
			&op, &r.Timestamp, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.EstimatedCostUSD, &r.ProjectID, &r.Tags); err != nil {
			return nil, err
		}
		r.Operation = models.OperationType(op)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Postgres) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_records WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Costs ───────────────────────────────────────────────────

func costWhere(f CostFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.ModelID != "" {
		add("model_id = $%d", f.ModelID)
	}
	if f.Provider != "" {
		add("provider = $%d", f.Provider)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", listOrEmpty(f.Tags))
	}
	if !f.Start.IsZero() {
		add("ts >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("ts < $%d", f.End)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *Postgres) InsertCost(ctx context.Context, rec *models.CostRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_records
			(id, request_id, user_id, project_id, provider, model_id, operation,
			 total_tokens, total_cost_usd, ts, tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.RequestID, rec.UserID, rec.ProjectID, rec.Provider, rec.ModelID,
		string(rec.Operation), rec.TotalTokens, rec.TotalCostUSD, rec.Timestamp, listOrEmpty(rec.Tags))
	return err
}

func (s *Postgres) ListCosts(ctx context.Context, filter CostFilter) ([]*models.CostRecord, error) {
	where, args := costWhere(filter)
	rows, err := s.pool.Query(ctx, `SELECT id, request_id, user_id, project_id, provider, model_id,
		operation, total_tokens, total_cost_usd, ts, tags FROM cost_records`+where+` ORDER BY ts`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CostRecord
	for rows.Next() {
		var r models.CostRecord
		var op string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.UserID, &r.ProjectID, &r.Provider, &r.ModelID,
			&op, &r.TotalTokens, &r.TotalCostUSD, &r.Timestamp, &r.Tags); err != nil {
			return nil, err
		}
		r.Operation = models.OperationType(op)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *Postgres) SumCosts(ctx context.Context, filter CostFilter) (float64, error) {
	where, args := costWhere(filter)
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_cost_usd), 0) FROM cost_records`+where, args...).Scan(&total)
	return total, err
}

// ── Budgets ─────────────────────────────────────────────────

func (s *Postgres) CreateBudget(ctx context.Context, b *models.Budget) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budgets
			(id, owner_user_id, project_id, amount_usd, start_date, end_date, reset_period,
			 alert_threshold_pct, enforce, tags, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.OwnerUserID, b.ProjectID, b.AmountUSD, b.StartDate, b.EndDate,
		string(b.ResetPeriod), b.AlertThresholdPct, b.Enforce, listOrEmpty(b.Tags),
		b.CreatedAt, b.UpdatedAt)
	return err
}

func scanBudget(row pgx.Row) (*models.Budget, error) {
	var b models.Budget
	var period string
	err := row.Scan(&b.ID, &b.OwnerUserID, &b.ProjectID, &b.AmountUSD, &b.StartDate,
		&b.EndDate, &period, &b.AlertThresholdPct, &b.Enforce, &b.Tags, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.ResetPeriod = models.ResetPeriod(period)
	return &b, nil
}

const budgetCols = `id, owner_user_id, project_id, amount_usd, start_date, end_date,
	reset_period, alert_threshold_pct, enforce, tags, created_at, updated_at`

func (s *Postgres) GetBudget(ctx context.Context, id string) (*models.Budget, error) {
	b, err := scanBudget(s.pool.QueryRow(ctx, `SELECT `+budgetCols+` FROM budgets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Kind: "budget", ID: id}
	}
	return b, err
}

func (s *Postgres) ListBudgets(ctx context.Context, ownerUserID, projectID string) ([]*models.Budget, error) {
	var conds []string
	var args []any
	if ownerUserID != "" {
		args = append(args, ownerUserID)
		conds = append(conds, fmt.Sprintf("owner_user_id = $%d", len(args)))
	}
	if projectID != "" {
		args = append(args, projectID)
		conds = append(conds, fmt.Sprintf("project_id = $%d", len(args)))
	}
	query := `SELECT ` + budgetCols + ` FROM budgets`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateBudget(ctx context.Context, b *models.Budget) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE budgets SET owner_user_id=$2, project_id=$3, amount_usd=$4, start_date=$5,
			end_date=$6, reset_period=$7, alert_threshold_pct=$8, enforce=$9, tags=$10, updated_at=$11
		WHERE id=$1`,
		b.ID, b.OwnerUserID, b.ProjectID, b.AmountUSD, b.StartDate, b.EndDate,
		string(b.ResetPeriod), b.AlertThresholdPct, b.Enforce, listOrEmpty(b.Tags), b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Kind: "budget", ID: b.ID}
	}
	return nil
}

func (s *Postgres) DeleteBudget(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM budgets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Kind: "budget", ID: id}
	}
	return nil
}

// ── Experiments ─────────────────────────────────────────────

const experimentCols = `id, name, active, start_date, end_date, traffic_allocation_pct,
	control_model_id, treatment_model_id, user_segments, metrics, created_by, created_at`

func (s *Postgres) CreateExperiment(ctx context.Context, e *models.Experiment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO experiments (`+experimentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.Name, e.Active, e.StartDate, e.EndDate, e.TrafficAllocationPct,
		e.ControlModelID, e.TreatmentModelID, listOrEmpty(e.UserSegments),
		listOrEmpty(e.Metrics), e.CreatedBy, e.CreatedAt)
	return err
}

func scanExperiment(row pgx.Row) (*models.Experiment, error) {
	var e models.Experiment
	err := row.Scan(&e.ID, &e.Name, &e.Active, &e.StartDate, &e.EndDate, &e.TrafficAllocationPct,
		&e.ControlModelID, &e.TreatmentModelID, &e.UserSegments, &e.Metrics, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Postgres) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	e, err := scanExperiment(s.pool.QueryRow(ctx,
		`SELECT `+experimentCols+` FROM experiments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Kind: "experiment", ID: id}
	}
	return e, err
}

func (s *Postgres) ListExperiments(ctx context.Context, activeOnly bool) ([]*models.Experiment, error) {
	query := `SELECT ` + experimentCols + ` FROM experiments`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateExperiment(ctx context.Context, e *models.Experiment) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE experiments SET name=$2, active=$3, start_date=$4, end_date=$5,
			traffic_allocation_pct=$6, control_model_id=$7, treatment_model_id=$8,
			user_segments=$9, metrics=$10, created_by=$11
		WHERE id=$1`,
		e.ID, e.Name, e.Active, e.StartDate, e.EndDate, e.TrafficAllocationPct,
		e.ControlModelID, e.TreatmentModelID, listOrEmpty(e.UserSegments),
		listOrEmpty(e.Metrics), e.CreatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Kind: "experiment", ID: e.ID}
	}
	return nil
}

func (s *Postgres) DeleteExperiment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM experiments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Kind: "experiment", ID: id}
	}
	return nil
}

func (s *Postgres) AssignVariant(ctx context.Context, experimentID, userID, variant string) (string, error) {
	// Insert-if-absent; the stored variant always wins over the proposal.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO experiment_assignments (experiment_id, user_id, variant)
		VALUES ($1, $2, $3)
		ON CONFLICT (experiment_id, user_id) DO NOTHING`,
		experimentID, userID, variant)
	if err != nil {
		return "", err
	}
	return s.GetAssignment(ctx, experimentID, userID)
}

func (s *Postgres) GetAssignment(ctx context.Context, experimentID, userID string) (string, error) {
	var variant string
	err := s.pool.QueryRow(ctx, `
		SELECT variant FROM experiment_assignments WHERE experiment_id = $1 AND user_id = $2`,
		experimentID, userID).Scan(&variant)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &ErrNotFound{Kind: "assignment", ID: experimentID + "/" + userID}
	}
	return variant, err
}

func (s *Postgres) RecordResult(ctx context.Context, r *models.ExperimentResult) error {
	metrics := r.Metrics
	if metrics == nil {
		metrics = map[string]float64{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO experiment_results (experiment_id, user_id, request_id, variant, model_id, metrics, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ExperimentID, r.UserID, r.RequestID, r.Variant, r.ModelID, metrics, r.Timestamp)
	return err
}

func (s *Postgres) ListResults(ctx context.Context, experimentID string) ([]*models.ExperimentResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT experiment_id, user_id, request_id, variant, model_id, metrics, ts
		FROM experiment_results WHERE experiment_id = $1 ORDER BY ts`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ExperimentResult
	for rows.Next() {
		var r models.ExperimentResult
		if err := rows.Scan(&r.ExperimentID, &r.UserID, &r.RequestID, &r.Variant,
			&r.ModelID, &r.Metrics, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func listOrEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

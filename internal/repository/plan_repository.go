package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/datagov/internal/domain"
)

type planRepository struct {
	pool *pgxpool.Pool
}

// NewPlanRepository creates a Postgres-backed plan repository.
func NewPlanRepository(pool *pgxpool.Pool) PlanRepository {
	return &planRepository{pool: pool}
}

const planColumns = `id, source_type, source_id, target_asset, target_column, transformation_type,
	description, parameters, requested_by, accuracy_threshold, max_iterations,
	generated_code, iteration_count, final_accuracy, status, created_at, updated_at`

func (r *planRepository) Create(ctx context.Context, plan domain.TransformationPlan) (domain.TransformationPlan, error) {
	parametersJSON, err := parametersToJSONB(plan.Parameters)
	if err != nil {
		return domain.TransformationPlan{}, fmt.Errorf("marshal parameters: %w", err)
	}

	query := `INSERT INTO transformation_plans (
			id, source_type, source_id, target_asset, target_column, transformation_type,
			description, parameters, requested_by, accuracy_threshold, max_iterations, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + planColumns

	row := r.pool.QueryRow(ctx, query,
		plan.ID,
		plan.SourceType,
		plan.SourceID,
		plan.TargetAsset,
		plan.TargetColumn,
		string(plan.TransformationType),
		plan.Description,
		parametersJSON,
		plan.RequestedBy,
		plan.AccuracyThreshold,
		plan.MaxIterations,
		string(plan.Status),
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	created, err := scanPlan(row)
	if err != nil {
		return domain.TransformationPlan{}, fmt.Errorf("create plan: %w", err)
	}
	return created, nil
}

func (r *planRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.TransformationPlan, error) {
	query := `SELECT ` + planColumns + ` FROM transformation_plans WHERE id = $1`
	plan, err := scanPlan(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransformationPlan{}, ErrNotFound
		}
		return domain.TransformationPlan{}, fmt.Errorf("get plan: %w", err)
	}
	return plan, nil
}

func (r *planRepository) List(ctx context.Context, filter PlanFilter, limit, offset int) ([]domain.TransformationPlan, error) {
	if limit <= 0 {
		limit = 25
	}
	if offset < 0 {
		offset = 0
	}

	args := make([]any, 0, 4)
	clauses := make([]string, 0, 2)
	if asset := strings.TrimSpace(filter.TargetAsset); asset != "" {
		args = append(args, asset)
		clauses = append(clauses, fmt.Sprintf("target_asset = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + planColumns + ` FROM transformation_plans`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	return collectPlans(rows)
}

func (r *planRepository) ListByStatus(ctx context.Context, statuses []domain.PlanStatus) ([]domain.TransformationPlan, error) {
	if len(statuses) == 0 {
		return []domain.TransformationPlan{}, nil
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	query := `SELECT ` + planColumns + ` FROM transformation_plans
		WHERE status = ANY($1::text[]) ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, values)
	if err != nil {
		return nil, fmt.Errorf("list plans by status: %w", err)
	}
	defer rows.Close()

	return collectPlans(rows)
}

func (r *planRepository) CountByStatus(ctx context.Context) (map[domain.PlanStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM transformation_plans GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count plans by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PlanStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.PlanStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func (r *planRepository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.PlanStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transformation_plans SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(expected), string(next),
	)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrPlanStatusConflict
	}
	return nil
}

func (r *planRepository) RecordIteration(ctx context.Context, id uuid.UUID, code string, iterationCount int, accuracy float64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transformation_plans
			SET generated_code = $2, iteration_count = $3, final_accuracy = $4, updated_at = NOW()
			WHERE id = $1`,
		id, code, iterationCount, accuracy,
	)
	if err != nil {
		return fmt.Errorf("record plan iteration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (domain.TransformationPlan, error) {
	var (
		plan               domain.TransformationPlan
		transformationType string
		status             string
		parametersJSON     []byte
	)
	if err := row.Scan(
		&plan.ID,
		&plan.SourceType,
		&plan.SourceID,
		&plan.TargetAsset,
		&plan.TargetColumn,
		&transformationType,
		&plan.Description,
		&parametersJSON,
		&plan.RequestedBy,
		&plan.AccuracyThreshold,
		&plan.MaxIterations,
		&plan.GeneratedCode,
		&plan.IterationCount,
		&plan.FinalAccuracy,
		&status,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	); err != nil {
		return domain.TransformationPlan{}, err
	}

	parameters, err := parametersFromJSONB(parametersJSON)
	if err != nil {
		return domain.TransformationPlan{}, fmt.Errorf("decode plan parameters: %w", err)
	}
	plan.Parameters = parameters
	plan.TransformationType = domain.TransformationType(transformationType)
	plan.Status = domain.PlanStatus(status)
	return plan, nil
}

func collectPlans(rows pgx.Rows) ([]domain.TransformationPlan, error) {
	plans := make([]domain.TransformationPlan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan rows: %w", err)
	}
	return plans, nil
}

func parametersToJSONB(parameters map[string]any) ([]byte, error) {
	if parameters == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(parameters)
}

func parametersFromJSONB(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var parameters map[string]any
	if err := json.Unmarshal(data, &parameters); err != nil {
		return nil, err
	}
	if len(parameters) == 0 {
		return nil, nil
	}
	return parameters, nil
}

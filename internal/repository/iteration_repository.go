package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/datagov/internal/domain"
)

type iterationRepository struct {
	pool *pgxpool.Pool
}

// NewIterationRepository creates a Postgres-backed iteration repository.
func NewIterationRepository(pool *pgxpool.Pool) IterationRepository {
	return &iterationRepository{pool: pool}
}

const iterationColumns = `id, plan_id, iteration_number, code, execution_time_ms, success,
	output, error_message, accuracy, meets_threshold, evaluation_notes,
	issues_found, improvements_suggested, created_at`

func (r *iterationRepository) Create(ctx context.Context, iteration domain.TransformationIteration) error {
	outputJSON, err := domain.OutputToJSON(iteration.Output)
	if err != nil {
		return fmt.Errorf("marshal iteration output: %w", err)
	}

	// ON CONFLICT DO NOTHING makes replays after a crash idempotent: the
	// unique (plan_id, iteration_number) index keeps the first write.
	query := `INSERT INTO transformation_iterations (
			id, plan_id, iteration_number, code, execution_time_ms, success,
			output, error_message, accuracy, meets_threshold, evaluation_notes,
			issues_found, improvements_suggested, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (plan_id, iteration_number) DO NOTHING`

	_, err = r.pool.Exec(ctx, query,
		iteration.ID,
		iteration.PlanID,
		iteration.IterationNumber,
		iteration.Code,
		iteration.ExecutionTimeMs,
		iteration.Success,
		outputJSON,
		iteration.ErrorMessage,
		iteration.Accuracy,
		iteration.MeetsThreshold,
		iteration.EvaluationNotes,
		iteration.IssuesFound,
		iteration.Improvements,
		iteration.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create iteration: %w", err)
	}
	return nil
}

func (r *iterationRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.TransformationIteration, error) {
	query := `SELECT ` + iterationColumns + ` FROM transformation_iterations
		WHERE plan_id = $1 ORDER BY iteration_number ASC`
	rows, err := r.pool.Query(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	iterations := make([]domain.TransformationIteration, 0)
	for rows.Next() {
		iteration, err := scanIteration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan iteration row: %w", err)
		}
		iterations = append(iterations, iteration)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate iteration rows: %w", err)
	}
	return iterations, nil
}

func (r *iterationRepository) Latest(ctx context.Context, planID uuid.UUID) (domain.TransformationIteration, error) {
	query := `SELECT ` + iterationColumns + ` FROM transformation_iterations
		WHERE plan_id = $1 ORDER BY iteration_number DESC LIMIT 1`
	iteration, err := scanIteration(r.pool.QueryRow(ctx, query, planID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransformationIteration{}, ErrNotFound
		}
		return domain.TransformationIteration{}, fmt.Errorf("latest iteration: %w", err)
	}
	return iteration, nil
}

func (r *iterationRepository) CountByPlan(ctx context.Context, planID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transformation_iterations WHERE plan_id = $1`, planID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count iterations: %w", err)
	}
	return count, nil
}

func scanIteration(row rowScanner) (domain.TransformationIteration, error) {
	var (
		iteration  domain.TransformationIteration
		outputJSON []byte
	)
	if err := row.Scan(
		&iteration.ID,
		&iteration.PlanID,
		&iteration.IterationNumber,
		&iteration.Code,
		&iteration.ExecutionTimeMs,
		&iteration.Success,
		&outputJSON,
		&iteration.ErrorMessage,
		&iteration.Accuracy,
		&iteration.MeetsThreshold,
		&iteration.EvaluationNotes,
		&iteration.IssuesFound,
		&iteration.Improvements,
		&iteration.CreatedAt,
	); err != nil {
		return domain.TransformationIteration{}, err
	}

	output, err := domain.OutputFromJSON(outputJSON)
	if err != nil {
		return domain.TransformationIteration{}, fmt.Errorf("decode iteration output: %w", err)
	}
	iteration.Output = output
	return iteration, nil
}

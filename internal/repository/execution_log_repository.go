package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/datagov/internal/domain"
)

type executionLogRepository struct {
	pool *pgxpool.Pool
}

// NewExecutionLogRepository creates a Postgres-backed execution log repository.
func NewExecutionLogRepository(pool *pgxpool.Pool) ExecutionLogRepository {
	return &executionLogRepository{pool: pool}
}

func (r *executionLogRepository) Create(ctx context.Context, entry domain.TransformationExecutionLog) (domain.TransformationExecutionLog, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO transformation_execution_logs (
			id, plan_id, executed_by, outcome, code_hash, error_message, rows_processed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, plan_id, executed_by, outcome, code_hash, error_message, rows_processed, created_at`,
		entry.ID,
		entry.PlanID,
		entry.ExecutedBy,
		string(entry.Outcome),
		entry.CodeHash,
		entry.ErrorMessage,
		entry.RowsProcessed,
		entry.CreatedAt,
	)
	created, err := scanExecutionLog(row)
	if err != nil {
		return domain.TransformationExecutionLog{}, fmt.Errorf("create execution log: %w", err)
	}
	return created, nil
}

func (r *executionLogRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.TransformationExecutionLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, plan_id, executed_by, outcome, code_hash, error_message, rows_processed, created_at
			FROM transformation_execution_logs WHERE plan_id = $1 ORDER BY created_at ASC`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("list execution logs: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.TransformationExecutionLog, 0)
	for rows.Next() {
		entry, err := scanExecutionLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution log row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution log rows: %w", err)
	}
	return entries, nil
}

func scanExecutionLog(row rowScanner) (domain.TransformationExecutionLog, error) {
	var (
		entry   domain.TransformationExecutionLog
		outcome string
	)
	if err := row.Scan(
		&entry.ID,
		&entry.PlanID,
		&entry.ExecutedBy,
		&outcome,
		&entry.CodeHash,
		&entry.ErrorMessage,
		&entry.RowsProcessed,
		&entry.CreatedAt,
	); err != nil {
		return domain.TransformationExecutionLog{}, err
	}
	entry.Outcome = domain.ExecutionOutcome(outcome)
	return entry, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/datagov/internal/db"
	"github.com/rpattn/datagov/internal/domain"
)

type approvalRepository struct {
	pool *pgxpool.Pool
}

// NewApprovalRepository creates a Postgres-backed approval repository.
func NewApprovalRepository(pool *pgxpool.Pool) ApprovalRepository {
	return &approvalRepository{pool: pool}
}

func (r *approvalRepository) Create(ctx context.Context, approval domain.TransformationApproval) (domain.TransformationApproval, error) {
	var created domain.TransformationApproval
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE transformation_approvals SET active = FALSE WHERE plan_id = $1 AND active`,
			approval.PlanID,
		); err != nil {
			return fmt.Errorf("deactivate prior approvals: %w", err)
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO transformation_approvals (id, plan_id, reviewed_by, decision, comment, active, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id, plan_id, reviewed_by, decision, comment, active, created_at`,
			approval.ID,
			approval.PlanID,
			approval.ReviewedBy,
			string(approval.Decision),
			approval.Comment,
			approval.Active,
			approval.CreatedAt,
		)
		scanned, err := scanApproval(row)
		if err != nil {
			return fmt.Errorf("create approval: %w", err)
		}
		created = scanned
		return nil
	})
	if err != nil {
		return domain.TransformationApproval{}, err
	}
	return created, nil
}

func (r *approvalRepository) GetActive(ctx context.Context, planID uuid.UUID) (domain.TransformationApproval, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, plan_id, reviewed_by, decision, comment, active, created_at
			FROM transformation_approvals WHERE plan_id = $1 AND active`,
		planID,
	)
	approval, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransformationApproval{}, ErrNotFound
		}
		return domain.TransformationApproval{}, fmt.Errorf("get active approval: %w", err)
	}
	return approval, nil
}

func scanApproval(row rowScanner) (domain.TransformationApproval, error) {
	var (
		approval domain.TransformationApproval
		decision string
	)
	if err := row.Scan(
		&approval.ID,
		&approval.PlanID,
		&approval.ReviewedBy,
		&decision,
		&approval.Comment,
		&approval.Active,
		&approval.CreatedAt,
	); err != nil {
		return domain.TransformationApproval{}, err
	}
	approval.Decision = domain.ApprovalDecision(decision)
	return approval, nil
}

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/rpattn/datagov/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrPlanStatusConflict is returned by conditional status updates when the
// plan is no longer in the expected status. Callers reload the plan and
// decide whether the observed status is acceptable.
var ErrPlanStatusConflict = errors.New("plan status conflict")

// PlanFilter narrows plan listings.
type PlanFilter struct {
	TargetAsset string
	Status      *domain.PlanStatus
}

// PlanRepository persists transformation plans.
type PlanRepository interface {
	Create(ctx context.Context, plan domain.TransformationPlan) (domain.TransformationPlan, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.TransformationPlan, error)
	List(ctx context.Context, filter PlanFilter, limit, offset int) ([]domain.TransformationPlan, error)
	ListByStatus(ctx context.Context, statuses []domain.PlanStatus) ([]domain.TransformationPlan, error)
	CountByStatus(ctx context.Context) (map[domain.PlanStatus]int, error)

	// UpdateStatus moves a plan from an expected status to a new one as a
	// single compare-and-set. Returns ErrPlanStatusConflict when the plan
	// was not in the expected status.
	UpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.PlanStatus) error

	// RecordIteration updates the plan's rolling iteration summary: latest
	// generated code, iteration count and final accuracy.
	RecordIteration(ctx context.Context, id uuid.UUID, code string, iterationCount int, accuracy float64) error
}

// IterationRepository persists the append-only iteration history.
type IterationRepository interface {
	// Create persists an iteration. Writes are idempotent per
	// (plan, iteration number): replaying the same iteration is a no-op.
	Create(ctx context.Context, iteration domain.TransformationIteration) error
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.TransformationIteration, error)
	Latest(ctx context.Context, planID uuid.UUID) (domain.TransformationIteration, error)
	CountByPlan(ctx context.Context, planID uuid.UUID) (int, error)
}

// ApprovalRepository persists human review decisions.
type ApprovalRepository interface {
	// Create inserts an approval and deactivates any prior approval rows
	// for the same plan.
	Create(ctx context.Context, approval domain.TransformationApproval) (domain.TransformationApproval, error)
	GetActive(ctx context.Context, planID uuid.UUID) (domain.TransformationApproval, error)
}

// ExecutionLogRepository persists production execution attempts.
type ExecutionLogRepository interface {
	Create(ctx context.Context, entry domain.TransformationExecutionLog) (domain.TransformationExecutionLog, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.TransformationExecutionLog, error)
}

// DatasetRepository reads and writes the rows of a governed data asset.
type DatasetRepository interface {
	// SampleRows returns up to limit rows of the asset for sandbox runs.
	SampleRows(ctx context.Context, asset string, limit int) ([]map[string]any, error)
	// Rows returns all rows of the asset.
	Rows(ctx context.Context, asset string) ([]map[string]any, error)
	// ReplaceRows atomically swaps the asset's rows for the transformed set.
	ReplaceRows(ctx context.Context, asset string, rows []map[string]any) (int, error)
}

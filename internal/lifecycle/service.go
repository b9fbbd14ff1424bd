package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rpattn/datagov/internal/domain"
	"github.com/rpattn/datagov/internal/engine"
	"github.com/rpattn/datagov/internal/repository"
	"github.com/rpattn/datagov/internal/sandbox"
)

// Service owns the plan state machine: it creates plans, hands them to the
// iteration engine, enforces the review gates and runs approved code against
// production data.
type Service struct {
	plans      repository.PlanRepository
	iterations repository.IterationRepository
	approvals  repository.ApprovalRepository
	execLogs   repository.ExecutionLogRepository
	datasets   repository.DatasetRepository

	runner   *engine.Runner
	executor *sandbox.Executor

	inlineTypes map[domain.TransformationType]bool
	logger      zerolog.Logger
}

type Option func(*Service)

// WithInlineTypes marks transformation types whose iteration loop runs
// synchronously inside CreatePlan instead of on a background worker.
func WithInlineTypes(types []domain.TransformationType) Option {
	return func(s *Service) {
		for _, t := range types {
			s.inlineTypes[t] = true
		}
	}
}

// WithLogger sets the structured logger for lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(
	plans repository.PlanRepository,
	iterations repository.IterationRepository,
	approvals repository.ApprovalRepository,
	execLogs repository.ExecutionLogRepository,
	datasets repository.DatasetRepository,
	runner *engine.Runner,
	executor *sandbox.Executor,
	opts ...Option,
) *Service {
	service := &Service{
		plans:       plans,
		iterations:  iterations,
		approvals:   approvals,
		execLogs:    execLogs,
		datasets:    datasets,
		runner:      runner,
		executor:    executor,
		inlineTypes: make(map[domain.TransformationType]bool),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// CreatePlan validates the request, persists a draft plan and starts the
// iteration loop: inline for trivial transformation types, in the background
// otherwise.
func (s *Service) CreatePlan(ctx context.Context, req domain.TransformationRequest) (domain.TransformationPlan, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return domain.TransformationPlan{}, err
	}

	plan, err := s.plans.Create(ctx, domain.NewPlanFromRequest(req))
	if err != nil {
		return domain.TransformationPlan{}, fmt.Errorf("persist plan: %w", err)
	}

	s.logger.Info().
		Str("plan_id", plan.ID.String()).
		Str("target_asset", plan.TargetAsset).
		Str("transformation_type", string(plan.TransformationType)).
		Msg("plan created")

	if s.inlineTypes[plan.TransformationType] {
		if err := s.runner.RunInline(ctx, plan); err != nil {
			return domain.TransformationPlan{}, fmt.Errorf("run plan inline: %w", err)
		}
	} else {
		s.runner.Start(plan)
	}
	return s.plans.GetByID(ctx, plan.ID)
}

// GetPlan returns a plan by ID.
func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (domain.TransformationPlan, error) {
	return s.plans.GetByID(ctx, id)
}

// History is the listing projection: plans plus aggregate counts by status.
type History struct {
	Plans        []domain.TransformationPlan `json:"plans"`
	StatusCounts map[domain.PlanStatus]int   `json:"status_counts"`
}

// ListHistory returns plans filtered by asset and status, with aggregate
// status counts across all plans.
func (s *Service) ListHistory(ctx context.Context, filter repository.PlanFilter, limit, offset int) (History, error) {
	plans, err := s.plans.List(ctx, filter, limit, offset)
	if err != nil {
		return History{}, err
	}
	counts, err := s.plans.CountByStatus(ctx)
	if err != nil {
		return History{}, err
	}
	return History{Plans: plans, StatusCounts: counts}, nil
}

// ListIterations returns the full iteration history of a plan.
func (s *Service) ListIterations(ctx context.Context, planID uuid.UUID) ([]domain.TransformationIteration, error) {
	if _, err := s.plans.GetByID(ctx, planID); err != nil {
		return nil, err
	}
	return s.iterations.ListByPlan(ctx, planID)
}

// ListExecutionLogs returns the production run history of a plan.
func (s *Service) ListExecutionLogs(ctx context.Context, planID uuid.UUID) ([]domain.TransformationExecutionLog, error) {
	if _, err := s.plans.GetByID(ctx, planID); err != nil {
		return nil, err
	}
	return s.execLogs.ListByPlan(ctx, planID)
}

// GetPreview returns the plan, its latest iteration and a diff between the
// before and after samples. Read-only.
func (s *Service) GetPreview(ctx context.Context, planID uuid.UUID) (domain.PlanPreview, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return domain.PlanPreview{}, err
	}
	preview := domain.PlanPreview{Plan: plan}

	latest, err := s.iterations.Latest(ctx, planID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return preview, nil
		}
		return domain.PlanPreview{}, err
	}
	preview.LatestIteration = &latest
	preview.Diff = domain.DiffSamples(latest.Output.SampleBefore, latest.Output.SampleAfter)
	return preview, nil
}

// RequestApproval confirms a plan is awaiting review. Valid only from
// pending_approval, where it is an idempotent no-op.
func (s *Service) RequestApproval(ctx context.Context, planID uuid.UUID) (domain.TransformationPlan, error) {
	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return domain.TransformationPlan{}, err
	}
	if plan.Status != domain.PlanStatusPendingApproval {
		return plan, &domain.InvalidStateTransitionError{PlanStatus: plan.Status, Requested: domain.PlanStatusPendingApproval}
	}
	return plan, nil
}

// Approve moves a pending plan to approved and records the review. The
// status check is a compare-and-set: of two racing decisions only the first
// wins.
func (s *Service) Approve(ctx context.Context, planID uuid.UUID, reviewedBy, comment string) (domain.TransformationPlan, error) {
	if strings.TrimSpace(reviewedBy) == "" {
		return domain.TransformationPlan{}, &domain.MissingReviewerError{}
	}
	return s.decide(ctx, planID, reviewedBy, comment, domain.DecisionApproved, domain.PlanStatusApproved)
}

// Reject moves a pending plan to rejected. A reason is mandatory.
func (s *Service) Reject(ctx context.Context, planID uuid.UUID, reviewedBy, comment string) (domain.TransformationPlan, error) {
	if strings.TrimSpace(reviewedBy) == "" {
		return domain.TransformationPlan{}, &domain.MissingReviewerError{}
	}
	if strings.TrimSpace(comment) == "" {
		return domain.TransformationPlan{}, &domain.MissingReasonError{}
	}
	return s.decide(ctx, planID, reviewedBy, comment, domain.DecisionRejected, domain.PlanStatusRejected)
}

func (s *Service) decide(ctx context.Context, planID uuid.UUID, reviewedBy, comment string, decision domain.ApprovalDecision, next domain.PlanStatus) (domain.TransformationPlan, error) {
	if err := s.plans.UpdateStatus(ctx, planID, domain.PlanStatusPendingApproval, next); err != nil {
		if errors.Is(err, repository.ErrPlanStatusConflict) {
			current, getErr := s.plans.GetByID(ctx, planID)
			if getErr != nil {
				return domain.TransformationPlan{}, getErr
			}
			return current, &domain.InvalidStateTransitionError{PlanStatus: current.Status, Requested: next}
		}
		return domain.TransformationPlan{}, err
	}

	if _, err := s.approvals.Create(ctx, domain.NewApproval(planID, reviewedBy, decision, comment)); err != nil {
		return domain.TransformationPlan{}, fmt.Errorf("record approval: %w", err)
	}

	s.logger.Info().
		Str("plan_id", planID.String()).
		Str("decision", string(decision)).
		Str("reviewed_by", reviewedBy).
		Msg("review recorded")

	return s.plans.GetByID(ctx, planID)
}

// Execute runs the approved plan's generated code against the full dataset.
// Success replaces the asset rows and completes the plan; failure is logged
// and leaves the plan approved for a manual re-trigger.
func (s *Service) Execute(ctx context.Context, planID uuid.UUID, executedBy string) (domain.TransformationPlan, domain.TransformationExecutionLog, error) {
	if strings.TrimSpace(executedBy) == "" {
		return domain.TransformationPlan{}, domain.TransformationExecutionLog{}, &domain.ValidationError{Field: "executed_by"}
	}

	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return domain.TransformationPlan{}, domain.TransformationExecutionLog{}, err
	}
	if plan.Status != domain.PlanStatusApproved {
		return plan, domain.TransformationExecutionLog{}, &domain.InvalidStateTransitionError{PlanStatus: plan.Status, Requested: domain.PlanStatusCompleted}
	}
	if strings.TrimSpace(plan.GeneratedCode) == "" {
		return plan, domain.TransformationExecutionLog{}, fmt.Errorf("plan %s has no generated code", planID)
	}

	rows, err := s.datasets.Rows(ctx, plan.TargetAsset)
	if err != nil {
		return plan, domain.TransformationExecutionLog{}, fmt.Errorf("load asset rows: %w", err)
	}

	result := s.executor.Execute(ctx, plan.GeneratedCode, rows)
	if !result.Success {
		entry, logErr := s.execLogs.Create(ctx, domain.NewExecutionLog(
			planID, executedBy, plan.GeneratedCode, domain.OutcomeFailed, result.Error, 0,
		))
		if logErr != nil {
			return plan, domain.TransformationExecutionLog{}, fmt.Errorf("record failed execution: %w", logErr)
		}
		s.logger.Warn().
			Str("plan_id", planID.String()).
			Str("error", result.Error).
			Msg("production execution failed")
		return plan, entry, nil
	}

	processed, err := s.datasets.ReplaceRows(ctx, plan.TargetAsset, result.Output.SampleAfter)
	if err != nil {
		entry, logErr := s.execLogs.Create(ctx, domain.NewExecutionLog(
			planID, executedBy, plan.GeneratedCode, domain.OutcomeFailed, err.Error(), 0,
		))
		if logErr != nil {
			return plan, domain.TransformationExecutionLog{}, fmt.Errorf("record failed execution: %w", logErr)
		}
		return plan, entry, nil
	}

	entry, err := s.execLogs.Create(ctx, domain.NewExecutionLog(
		planID, executedBy, plan.GeneratedCode, domain.OutcomeSucceeded, "", processed,
	))
	if err != nil {
		return plan, domain.TransformationExecutionLog{}, fmt.Errorf("record execution: %w", err)
	}

	if err := s.plans.UpdateStatus(ctx, planID, domain.PlanStatusApproved, domain.PlanStatusCompleted); err != nil {
		if !errors.Is(err, repository.ErrPlanStatusConflict) {
			return plan, entry, err
		}
	}

	s.logger.Info().
		Str("plan_id", planID.String()).
		Int("rows_processed", processed).
		Msg("plan executed")

	updated, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return plan, entry, err
	}
	return updated, entry, nil
}

// Cancel stops a running plan.
func (s *Service) Cancel(ctx context.Context, planID uuid.UUID) (domain.TransformationPlan, error) {
	return s.runner.Cancel(ctx, planID)
}

// Resume relaunches plans left runnable by a previous process.
func (s *Service) Resume(ctx context.Context) error {
	return s.runner.Resume(ctx)
}

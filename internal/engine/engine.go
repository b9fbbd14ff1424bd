package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rpattn/datagov/internal/domain"
	"github.com/rpattn/datagov/internal/oracle"
	"github.com/rpattn/datagov/internal/repository"
	"github.com/rpattn/datagov/internal/sandbox"
)

// errPlanNotRunnable signals that a plan left the runnable states before the
// loop could claim it.
var errPlanNotRunnable = errors.New("plan is no longer runnable")

// Engine drives the generate-execute-evaluate loop for a single plan until
// the accuracy threshold is met, the iteration budget is exhausted, or the
// run is cancelled.
type Engine struct {
	plans       repository.PlanRepository
	iterations  repository.IterationRepository
	datasets    repository.DatasetRepository
	synthesizer *oracle.Synthesizer
	evaluator   *oracle.Evaluator
	executor    *sandbox.Executor

	sampleSize    int
	retryAttempts int
	retryBackoff  time.Duration
	skipEvalTypes map[domain.TransformationType]bool

	logger zerolog.Logger
}

type Option func(*Engine)

// WithSampleSize sets how many rows are sampled for sandbox runs.
func WithSampleSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.sampleSize = size
		}
	}
}

// WithStepRetries configures retries for oracle and storage steps.
func WithStepRetries(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.retryAttempts = attempts
		}
		if backoff >= 0 {
			e.retryBackoff = backoff
		}
	}
}

// WithSkipEvaluationTypes marks transformation types whose generated code is
// trusted without oracle evaluation. Plans of these types synthesize once and
// go straight to review.
func WithSkipEvaluationTypes(types []domain.TransformationType) Option {
	return func(e *Engine) {
		for _, t := range types {
			e.skipEvalTypes[t] = true
		}
	}
}

// WithLogger sets the structured logger for loop progress.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func NewEngine(
	plans repository.PlanRepository,
	iterations repository.IterationRepository,
	datasets repository.DatasetRepository,
	synthesizer *oracle.Synthesizer,
	evaluator *oracle.Evaluator,
	executor *sandbox.Executor,
	opts ...Option,
) *Engine {
	engine := &Engine{
		plans:         plans,
		iterations:    iterations,
		datasets:      datasets,
		synthesizer:   synthesizer,
		evaluator:     evaluator,
		executor:      executor,
		sampleSize:    100,
		retryAttempts: 3,
		retryBackoff:  500 * time.Millisecond,
		skipEvalTypes: make(map[domain.TransformationType]bool),
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Run executes the iteration loop for one plan. It claims the plan by moving
// it from draft to iterating; a plan already iterating (a resumed run) is
// picked up where its persisted history left off.
func (e *Engine) Run(ctx context.Context, plan domain.TransformationPlan) error {
	if err := e.plans.UpdateStatus(ctx, plan.ID, domain.PlanStatusDraft, domain.PlanStatusIterating); err != nil {
		if !errors.Is(err, repository.ErrPlanStatusConflict) {
			return fmt.Errorf("claim plan: %w", err)
		}
		current, getErr := e.plans.GetByID(ctx, plan.ID)
		if getErr != nil {
			return fmt.Errorf("reload plan: %w", getErr)
		}
		if current.Status != domain.PlanStatusIterating {
			return errPlanNotRunnable
		}
		plan = current
	}

	sample, err := e.loadSample(ctx, plan)
	if err != nil {
		return err
	}

	if e.skipEvalTypes[plan.TransformationType] {
		return e.runTrusted(ctx, plan, sample)
	}
	return e.runLoop(ctx, plan, sample)
}

func (e *Engine) runLoop(ctx context.Context, plan domain.TransformationPlan, sample []map[string]any) error {
	startNumber, feedback, err := e.resumePoint(ctx, plan)
	if err != nil {
		return err
	}

	for number := startNumber; number <= plan.MaxIterations; number++ {
		if ctx.Err() != nil {
			return e.cancelPlan(plan.ID, ctx.Err())
		}

		code, err := e.synthesizeStep(ctx, plan, number, feedback, sample)
		if err != nil {
			return err
		}

		result := e.executor.Execute(ctx, code, sample)

		eval, err := e.evaluateStep(ctx, plan, result)
		if err != nil {
			return err
		}

		// A cancel that lands between iterations must not leave a
		// partially recorded pass behind.
		if ctx.Err() != nil {
			return e.cancelPlan(plan.ID, ctx.Err())
		}

		iteration := domain.NewIteration(plan.ID, number, code, result, eval)
		if err := e.persistIteration(ctx, plan, iteration); err != nil {
			return err
		}

		e.logger.Info().
			Str("plan_id", plan.ID.String()).
			Int("iteration", number).
			Float64("accuracy", eval.Accuracy).
			Bool("meets_threshold", eval.MeetsThreshold).
			Msg("iteration recorded")

		if eval.MeetsThreshold {
			if err := e.plans.UpdateStatus(ctx, plan.ID, domain.PlanStatusIterating, domain.PlanStatusPendingApproval); err != nil {
				return fmt.Errorf("move plan to pending approval: %w", err)
			}
			return nil
		}

		feedback = &oracle.IterationFeedback{
			Code:         code,
			Error:        result.Error,
			Accuracy:     eval.Accuracy,
			Issues:       eval.Issues,
			Improvements: eval.Improvements,
		}
	}

	if err := e.plans.UpdateStatus(ctx, plan.ID, domain.PlanStatusIterating, domain.PlanStatusFailed); err != nil {
		return fmt.Errorf("mark plan failed: %w", err)
	}
	e.logger.Warn().
		Str("plan_id", plan.ID.String()).
		Int("max_iterations", plan.MaxIterations).
		Msg("iteration budget exhausted")
	return nil
}

// runTrusted is the fast path for transformation types whose generated code
// does not need oracle scoring: one synthesis, one sandbox run, straight to
// review.
func (e *Engine) runTrusted(ctx context.Context, plan domain.TransformationPlan, sample []map[string]any) error {
	if ctx.Err() != nil {
		return e.cancelPlan(plan.ID, ctx.Err())
	}

	code, err := e.synthesizeStep(ctx, plan, 1, nil, sample)
	if err != nil {
		return err
	}

	result := e.executor.Execute(ctx, code, sample)

	eval := domain.Evaluation{
		Accuracy:       1.0,
		MeetsThreshold: true,
		Notes:          fmt.Sprintf("evaluation skipped for trusted transformation type %s", plan.TransformationType),
	}

	if ctx.Err() != nil {
		return e.cancelPlan(plan.ID, ctx.Err())
	}

	iteration := domain.NewIteration(plan.ID, 1, code, result, eval)
	if err := e.persistIteration(ctx, plan, iteration); err != nil {
		return err
	}

	if err := e.plans.UpdateStatus(ctx, plan.ID, domain.PlanStatusIterating, domain.PlanStatusPendingApproval); err != nil {
		return fmt.Errorf("move plan to pending approval: %w", err)
	}
	return nil
}

// resumePoint inspects persisted history so a resumed run continues at the
// next iteration number with the last recorded feedback.
func (e *Engine) resumePoint(ctx context.Context, plan domain.TransformationPlan) (int, *oracle.IterationFeedback, error) {
	count, err := e.iterations.CountByPlan(ctx, plan.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("count iterations: %w", err)
	}
	if count == 0 {
		return 1, nil, nil
	}

	latest, err := e.iterations.Latest(ctx, plan.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("load latest iteration: %w", err)
	}
	feedback := &oracle.IterationFeedback{
		Code:         latest.Code,
		Error:        latest.ErrorMessage,
		Accuracy:     latest.Accuracy,
		Issues:       latest.IssuesFound,
		Improvements: latest.Improvements,
	}
	return count + 1, feedback, nil
}

func (e *Engine) loadSample(ctx context.Context, plan domain.TransformationPlan) ([]map[string]any, error) {
	var sample []map[string]any
	err := e.retryStep(ctx, "load sample rows", func() error {
		rows, err := e.datasets.SampleRows(ctx, plan.TargetAsset, e.sampleSize)
		if err != nil {
			return &domain.InfrastructureError{Op: "load sample rows", Err: err}
		}
		sample = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

func (e *Engine) synthesizeStep(ctx context.Context, plan domain.TransformationPlan, number int, feedback *oracle.IterationFeedback, sample []map[string]any) (string, error) {
	var code string
	err := e.retryStep(ctx, "synthesize code", func() error {
		generated, err := e.synthesizer.Synthesize(ctx, plan, number, feedback, sample)
		if err != nil {
			return err
		}
		code = generated
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

func (e *Engine) evaluateStep(ctx context.Context, plan domain.TransformationPlan, result domain.ExecutionResult) (domain.Evaluation, error) {
	var eval domain.Evaluation
	err := e.retryStep(ctx, "evaluate result", func() error {
		scored, err := e.evaluator.Evaluate(ctx, plan, result)
		if err != nil {
			return err
		}
		eval = scored
		return nil
	})
	if err != nil {
		return domain.Evaluation{}, err
	}
	return eval, nil
}

func (e *Engine) persistIteration(ctx context.Context, plan domain.TransformationPlan, iteration domain.TransformationIteration) error {
	return e.retryStep(ctx, "persist iteration", func() error {
		if err := e.iterations.Create(ctx, iteration); err != nil {
			return &domain.InfrastructureError{Op: "persist iteration", Err: err}
		}
		if err := e.plans.RecordIteration(ctx, plan.ID, iteration.Code, iteration.IterationNumber, iteration.Accuracy); err != nil {
			return &domain.InfrastructureError{Op: "record iteration summary", Err: err}
		}
		return nil
	})
}

// retryStep retries infrastructure failures with a fixed backoff. Anything
// else fails immediately.
func (e *Engine) retryStep(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= e.retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn()
		if err == nil {
			return nil
		}
		var infraErr *domain.InfrastructureError
		if !errors.As(err, &infraErr) {
			return err
		}
		lastErr = err
		e.logger.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Err(err).
			Msg("step failed")
		if attempt < e.retryAttempts {
			select {
			case <-time.After(e.retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// cancelPlan moves an iterating plan to cancelled. The loop context is
// already dead, so the status write uses a fresh one.
func (e *Engine) cancelPlan(id uuid.UUID, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.plans.UpdateStatus(ctx, id, domain.PlanStatusIterating, domain.PlanStatusCancelled); err != nil && !errors.Is(err, repository.ErrPlanStatusConflict) {
		e.logger.Error().Str("plan_id", id.String()).Err(err).Msg("failed to mark plan cancelled")
	}
	return cause
}

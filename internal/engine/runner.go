package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rpattn/datagov/internal/domain"
	"github.com/rpattn/datagov/internal/repository"
)

// Runner owns the background goroutines that drive plan iteration. Each
// running plan has a cancel function registered so reviewers can stop it
// mid-loop.
type Runner struct {
	engine *Engine
	plans  repository.PlanRepository

	runTimeout time.Duration
	logger     zerolog.Logger

	workerCancels sync.Map // map[uuid.UUID]context.CancelFunc
	wg            sync.WaitGroup
}

type RunnerOption func(*Runner)

// WithRunTimeout bounds the total wall-clock time of one plan's loop.
func WithRunTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		if timeout > 0 {
			r.runTimeout = timeout
		}
	}
}

// WithRunnerLogger sets the structured logger for worker lifecycle events.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

func NewRunner(engine *Engine, plans repository.PlanRepository, opts ...RunnerOption) *Runner {
	runner := &Runner{
		engine:     engine,
		plans:      plans,
		runTimeout: 30 * time.Minute,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(runner)
	}
	return runner
}

// Start launches the iteration loop for a plan in the background.
func (r *Runner) Start(plan domain.TransformationPlan) {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	ctx := baseCtx
	cancelFunc := baseCancel
	if r.runTimeout > 0 {
		timeoutCtx, timeoutCancel := context.WithTimeout(baseCtx, r.runTimeout)
		ctx = timeoutCtx
		cancelFunc = func() {
			timeoutCancel()
			baseCancel()
		}
	}
	// One worker per plan: a second Start while a worker is live would run
	// two concurrent loops over the same iteration numbers.
	if _, loaded := r.workerCancels.LoadOrStore(plan.ID, cancelFunc); loaded {
		cancelFunc()
		r.logger.Info().Str("plan_id", plan.ID.String()).Msg("plan already has a live worker")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancelFunc()
			r.workerCancels.Delete(plan.ID)
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("plan_id", plan.ID.String()).
					Interface("panic", rec).
					Msg("panic while iterating plan")
				r.failPlan(plan.ID, fmt.Errorf("panic: %v", rec))
			}
		}()
		if err := r.engine.Run(ctx, plan); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				r.logger.Info().Str("plan_id", plan.ID.String()).Msg("plan run cancelled")
			case errors.Is(err, errPlanNotRunnable):
				r.logger.Info().Str("plan_id", plan.ID.String()).Msg("plan no longer runnable, skipping")
			default:
				r.failPlan(plan.ID, err)
			}
		}
	}()
}

// RunInline runs the iteration loop synchronously on the caller's
// goroutine. Used for trivial transformation types that converge in one
// pass.
func (r *Runner) RunInline(ctx context.Context, plan domain.TransformationPlan) error {
	err := r.engine.Run(ctx, plan)
	if err != nil && !errors.Is(err, errPlanNotRunnable) && !errors.Is(err, context.Canceled) {
		r.failPlan(plan.ID, err)
		return err
	}
	return nil
}

// Cancel stops a running plan. It works both for plans with a live worker
// and for plans left iterating by a crashed process.
func (r *Runner) Cancel(ctx context.Context, id uuid.UUID) (domain.TransformationPlan, error) {
	plan, err := r.plans.GetByID(ctx, id)
	if err != nil {
		return domain.TransformationPlan{}, err
	}
	if plan.Status != domain.PlanStatusDraft && plan.Status != domain.PlanStatusIterating {
		return plan, &domain.InvalidStateTransitionError{PlanStatus: plan.Status, Requested: domain.PlanStatusCancelled}
	}

	if cancel, ok := r.workerCancels.LoadAndDelete(id); ok {
		if fn, okCast := cancel.(context.CancelFunc); okCast {
			fn()
		}
	}

	// A plan still in draft has no persisted progress to preserve; claim
	// it into iterating first so the cancel transition stays legal.
	if plan.Status == domain.PlanStatusDraft {
		if err := r.plans.UpdateStatus(ctx, id, domain.PlanStatusDraft, domain.PlanStatusIterating); err != nil && !errors.Is(err, repository.ErrPlanStatusConflict) {
			return domain.TransformationPlan{}, err
		}
	}
	if err := r.plans.UpdateStatus(ctx, id, domain.PlanStatusIterating, domain.PlanStatusCancelled); err != nil && !errors.Is(err, repository.ErrPlanStatusConflict) {
		return domain.TransformationPlan{}, err
	}
	return r.plans.GetByID(ctx, id)
}

// Resume relaunches plans that a previous process left in a runnable state.
// Called once at startup.
func (r *Runner) Resume(ctx context.Context) error {
	plans, err := r.plans.ListByStatus(ctx, []domain.PlanStatus{
		domain.PlanStatusDraft,
		domain.PlanStatusIterating,
	})
	if err != nil {
		return fmt.Errorf("list resumable plans: %w", err)
	}
	for _, plan := range plans {
		r.logger.Info().
			Str("plan_id", plan.ID.String()).
			Str("status", string(plan.Status)).
			Int("iterations", plan.IterationCount).
			Msg("resuming plan")
		r.Start(plan)
	}
	return nil
}

// Wait blocks until all workers finish. Used by tests and shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels all running workers and waits for them to exit.
func (r *Runner) Shutdown() {
	r.workerCancels.Range(func(key, value any) bool {
		if fn, ok := value.(context.CancelFunc); ok {
			fn()
		}
		return true
	})
	r.wg.Wait()
}

func (r *Runner) failPlan(id uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.plans.UpdateStatus(ctx, id, domain.PlanStatusIterating, domain.PlanStatusFailed); err != nil {
		if errors.Is(err, repository.ErrPlanStatusConflict) {
			return
		}
		r.logger.Error().
			Str("plan_id", id.String()).
			Err(err).
			Msg("failed to mark plan failed")
		return
	}
	r.logger.Warn().Str("plan_id", id.String()).Err(cause).Msg("plan failed")
}

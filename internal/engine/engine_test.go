package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/datagov/internal/domain"
	"github.com/rpattn/datagov/internal/oracle"
	"github.com/rpattn/datagov/internal/repository"
	"github.com/rpattn/datagov/internal/sandbox"
)

type memPlanRepository struct {
	mu    sync.Mutex
	plans map[uuid.UUID]domain.TransformationPlan
}

func newMemPlanRepository() *memPlanRepository {
	return &memPlanRepository{plans: make(map[uuid.UUID]domain.TransformationPlan)}
}

func (m *memPlanRepository) Create(ctx context.Context, plan domain.TransformationPlan) (domain.TransformationPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
	return plan, nil
}

func (m *memPlanRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.TransformationPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return domain.TransformationPlan{}, repository.ErrNotFound
	}
	return plan, nil
}

func (m *memPlanRepository) List(ctx context.Context, filter repository.PlanFilter, limit, offset int) ([]domain.TransformationPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]domain.TransformationPlan, 0, len(m.plans))
	for _, plan := range m.plans {
		if filter.TargetAsset != "" && plan.TargetAsset != filter.TargetAsset {
			continue
		}
		if filter.Status != nil && plan.Status != *filter.Status {
			continue
		}
		result = append(result, plan)
	}
	return result, nil
}

func (m *memPlanRepository) ListByStatus(ctx context.Context, statuses []domain.PlanStatus) ([]domain.TransformationPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]domain.TransformationPlan, 0)
	for _, plan := range m.plans {
		for _, status := range statuses {
			if plan.Status == status {
				result = append(result, plan)
				break
			}
		}
	}
	return result, nil
}

func (m *memPlanRepository) CountByStatus(ctx context.Context) (map[domain.PlanStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[domain.PlanStatus]int)
	for _, plan := range m.plans {
		counts[plan.Status]++
	}
	return counts, nil
}

func (m *memPlanRepository) UpdateStatus(ctx context.Context, id uuid.UUID, expected, next domain.PlanStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return repository.ErrNotFound
	}
	if plan.Status != expected {
		return repository.ErrPlanStatusConflict
	}
	plan.Status = next
	plan.UpdatedAt = time.Now()
	m.plans[id] = plan
	return nil
}

func (m *memPlanRepository) RecordIteration(ctx context.Context, id uuid.UUID, code string, iterationCount int, accuracy float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return repository.ErrNotFound
	}
	plan.GeneratedCode = code
	plan.IterationCount = iterationCount
	plan.FinalAccuracy = accuracy
	plan.UpdatedAt = time.Now()
	m.plans[id] = plan
	return nil
}

type memIterationRepository struct {
	mu         sync.Mutex
	iterations map[uuid.UUID][]domain.TransformationIteration
}

func newMemIterationRepository() *memIterationRepository {
	return &memIterationRepository{iterations: make(map[uuid.UUID][]domain.TransformationIteration)}
}

func (m *memIterationRepository) Create(ctx context.Context, iteration domain.TransformationIteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.iterations[iteration.PlanID] {
		if existing.IterationNumber == iteration.IterationNumber {
			return nil
		}
	}
	m.iterations[iteration.PlanID] = append(m.iterations[iteration.PlanID], iteration)
	return nil
}

func (m *memIterationRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.TransformationIteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransformationIteration(nil), m.iterations[planID]...), nil
}

func (m *memIterationRepository) Latest(ctx context.Context, planID uuid.UUID) (domain.TransformationIteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.iterations[planID]
	if len(list) == 0 {
		return domain.TransformationIteration{}, repository.ErrNotFound
	}
	latest := list[0]
	for _, iteration := range list {
		if iteration.IterationNumber > latest.IterationNumber {
			latest = iteration
		}
	}
	return latest, nil
}

func (m *memIterationRepository) CountByPlan(ctx context.Context, planID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.iterations[planID]), nil
}

type memDatasetRepository struct {
	mu     sync.Mutex
	assets map[string][]map[string]any
}

func newMemDatasetRepository() *memDatasetRepository {
	return &memDatasetRepository{assets: make(map[string][]map[string]any)}
}

func (m *memDatasetRepository) SampleRows(ctx context.Context, asset string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.assets[asset]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]map[string]any(nil), rows...), nil
}

func (m *memDatasetRepository) Rows(ctx context.Context, asset string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.assets[asset]...), nil
}

func (m *memDatasetRepository) ReplaceRows(ctx context.Context, asset string, rows []map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[asset] = append([]map[string]any(nil), rows...)
	return len(rows), nil
}

type fakeOracleClient struct {
	mu        sync.Mutex
	responses []string
	calls     int
	onCall    func(callNumber int)
	prompts   []string
}

func (c *fakeOracleClient) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.prompts = append(c.prompts, prompt)
	hook := c.onCall
	var response string
	if len(c.responses) > 0 {
		response = c.responses[0]
		if len(c.responses) > 1 {
			c.responses = c.responses[1:]
		}
	}
	c.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if response == "" {
		return "", errors.New("no scripted response")
	}
	return response, nil
}

func (c *fakeOracleClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

const identityScript = "def transform(rows):\n    return rows"

func verdict(accuracy float64) string {
	return fmt.Sprintf(`{"accuracy": %.2f, "issues": ["rows still wrong"], "improvements": ["adjust the mapping"], "notes": "scored"}`, accuracy)
}

func newTestEngine(t *testing.T, synthClient, evalClient oracle.Client, plans repository.PlanRepository, iterations repository.IterationRepository, datasets repository.DatasetRepository, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithStepRetries(2, time.Millisecond)}
	base = append(base, opts...)
	return NewEngine(
		plans,
		iterations,
		datasets,
		oracle.NewSynthesizer(synthClient),
		oracle.NewEvaluator(evalClient),
		sandbox.NewExecutor(sandbox.WithTimeout(2*time.Second)),
		base...,
	)
}

func seedPlan(t *testing.T, plans *memPlanRepository, datasets *memDatasetRepository, transformationType domain.TransformationType, maxIterations int) domain.TransformationPlan {
	t.Helper()
	req := domain.TransformationRequest{
		TargetAsset:        "customers",
		TargetColumn:       "email",
		TransformationType: transformationType,
		Description:        "fill missing emails",
		RequestedBy:        "steward",
		AccuracyThreshold:  0.95,
		MaxIterations:      maxIterations,
	}
	req.Normalize()
	plan := domain.NewPlanFromRequest(req)
	if _, err := plans.Create(context.Background(), plan); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	if datasets != nil {
		_, _ = datasets.ReplaceRows(context.Background(), "customers", []map[string]any{
			{"name": "alice", "email": ""},
			{"name": "bob", "email": "bob@example.com"},
		})
	}
	return plan
}

func TestEngine_ConvergesWhenThresholdMet(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.5), verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	if err := engine.Run(context.Background(), plan); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	updated, err := plans.GetByID(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("reload plan: %v", err)
	}
	if updated.Status != domain.PlanStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", updated.Status)
	}
	if updated.IterationCount != 2 {
		t.Fatalf("expected 2 iterations, got %d", updated.IterationCount)
	}
	if updated.FinalAccuracy != 0.97 {
		t.Fatalf("expected final accuracy 0.97, got %f", updated.FinalAccuracy)
	}

	history, err := iterations.ListByPlan(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("list iterations: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 iteration rows, got %d", len(history))
	}
	latest, _ := iterations.Latest(context.Background(), plan.ID)
	if latest.Accuracy != updated.FinalAccuracy {
		t.Fatalf("final accuracy %f does not match latest iteration %f", updated.FinalAccuracy, latest.Accuracy)
	}
	if !latest.MeetsThreshold {
		t.Fatal("latest iteration should meet threshold")
	}
}

func TestEngine_FailsWhenBudgetExhausted(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.5)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	if err := engine.Run(context.Background(), plan); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	updated, _ := plans.GetByID(context.Background(), plan.ID)
	if updated.Status != domain.PlanStatusFailed {
		t.Fatalf("expected failed, got %s", updated.Status)
	}
	history, _ := iterations.ListByPlan(context.Background(), plan.ID)
	if len(history) != 5 {
		t.Fatalf("expected 5 iteration rows, got %d", len(history))
	}
	if updated.FinalAccuracy != 0.5 {
		t.Fatalf("expected final accuracy 0.5, got %f", updated.FinalAccuracy)
	}
}

func TestEngine_SecondIterationPromptCarriesFeedback(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.5), verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	if err := engine.Run(context.Background(), plan); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(synthClient.prompts) != 2 {
		t.Fatalf("expected 2 synthesis prompts, got %d", len(synthClient.prompts))
	}
	second := synthClient.prompts[1]
	if !strings.Contains(second, "attempt 2") {
		t.Fatalf("second prompt missing attempt marker: %q", second)
	}
	if !strings.Contains(second, "rows still wrong") {
		t.Fatalf("second prompt missing evaluation issues: %q", second)
	}
}

func TestEngine_SandboxCrashBecomesFeedback(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	// The script crashes at runtime; evaluation short-circuits and the
	// loop keeps iterating until the budget runs out.
	crashing := "def transform(rows):\n    return [row[\"missing\"] for row in rows]"
	synthClient := &fakeOracleClient{responses: []string{crashing}}
	evalClient := &fakeOracleClient{}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 2)

	if err := engine.Run(context.Background(), plan); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	updated, _ := plans.GetByID(context.Background(), plan.ID)
	if updated.Status != domain.PlanStatusFailed {
		t.Fatalf("expected failed, got %s", updated.Status)
	}
	history, _ := iterations.ListByPlan(context.Background(), plan.ID)
	if len(history) != 2 {
		t.Fatalf("expected 2 iteration rows, got %d", len(history))
	}
	for _, iteration := range history {
		if iteration.Success {
			t.Fatal("crashing script must not be recorded as success")
		}
		if iteration.Accuracy != 0 {
			t.Fatalf("expected accuracy 0, got %f", iteration.Accuracy)
		}
		if len(iteration.IssuesFound) == 0 {
			t.Fatal("expected issues for crashed execution")
		}
	}
	if evalClient.callCount() != 0 {
		t.Fatal("failed executions must not consult the evaluation oracle")
	}
}

func TestEngine_TrustedTypeSkipsEvaluation(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets,
		WithSkipEvaluationTypes([]domain.TransformationType{domain.TransformationStandardize}),
	)
	plan := seedPlan(t, plans, datasets, domain.TransformationStandardize, 5)

	if err := engine.Run(context.Background(), plan); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	updated, _ := plans.GetByID(context.Background(), plan.ID)
	if updated.Status != domain.PlanStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", updated.Status)
	}
	history, _ := iterations.ListByPlan(context.Background(), plan.ID)
	if len(history) != 1 {
		t.Fatalf("expected 1 iteration row, got %d", len(history))
	}
	if history[0].Accuracy != 1.0 || !history[0].MeetsThreshold {
		t.Fatalf("trusted iteration should score 1.0, got %+v", history[0])
	}
	if !strings.Contains(history[0].EvaluationNotes, "skipped") {
		t.Fatalf("expected skip note, got %q", history[0].EvaluationNotes)
	}
	if evalClient.callCount() != 0 {
		t.Fatal("trusted plans must not consult the evaluation oracle")
	}
	if synthClient.callCount() != 1 {
		t.Fatalf("expected a single synthesis call, got %d", synthClient.callCount())
	}
}

func TestEngine_CancelBetweenIterationsKeepsHistory(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancellation lands while iteration 3 is being synthesized: the two
	// completed iterations stay, nothing partial is written.
	synthClient := &fakeOracleClient{
		responses: []string{identityScript},
		onCall: func(callNumber int) {
			if callNumber == 3 {
				cancel()
			}
		},
	}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.5)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	err := engine.Run(ctx, plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	history, _ := iterations.ListByPlan(context.Background(), plan.ID)
	if len(history) != 2 {
		t.Fatalf("expected exactly 2 iteration rows, got %d", len(history))
	}
}

func TestEngine_ResumeContinuesFromPersistedHistory(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	// Simulate a crashed process: two iterations already persisted and the
	// plan stuck in iterating.
	if err := plans.UpdateStatus(context.Background(), plan.ID, domain.PlanStatusDraft, domain.PlanStatusIterating); err != nil {
		t.Fatalf("claim plan: %v", err)
	}
	for number := 1; number <= 2; number++ {
		iteration := domain.NewIteration(plan.ID, number, identityScript,
			domain.ExecutionResult{Success: true},
			domain.Evaluation{Accuracy: 0.4, Issues: []string{"emails still empty"}},
		)
		if err := iterations.Create(context.Background(), iteration); err != nil {
			t.Fatalf("seed iteration: %v", err)
		}
	}

	if err := engine.Run(context.Background(), plan); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	history, _ := iterations.ListByPlan(context.Background(), plan.ID)
	if len(history) != 3 {
		t.Fatalf("expected 3 iteration rows after resume, got %d", len(history))
	}
	if len(synthClient.prompts) != 1 {
		t.Fatalf("expected a single synthesis prompt, got %d", len(synthClient.prompts))
	}
	if !strings.Contains(synthClient.prompts[0], "attempt 3") {
		t.Fatalf("resumed prompt should continue at attempt 3: %q", synthClient.prompts[0])
	}
	if !strings.Contains(synthClient.prompts[0], "emails still empty") {
		t.Fatalf("resumed prompt should carry persisted feedback: %q", synthClient.prompts[0])
	}

	updated, _ := plans.GetByID(context.Background(), plan.ID)
	if updated.Status != domain.PlanStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", updated.Status)
	}
}

func TestEngine_IterationPersistIsIdempotent(t *testing.T) {
	iterations := newMemIterationRepository()
	planID := uuid.New()

	iteration := domain.NewIteration(planID, 1, identityScript,
		domain.ExecutionResult{Success: true}, domain.Evaluation{Accuracy: 0.9})
	if err := iterations.Create(context.Background(), iteration); err != nil {
		t.Fatalf("first create: %v", err)
	}
	replay := iteration
	replay.ID = uuid.New()
	if err := iterations.Create(context.Background(), replay); err != nil {
		t.Fatalf("replayed create: %v", err)
	}

	history, _ := iterations.ListByPlan(context.Background(), planID)
	if len(history) != 1 {
		t.Fatalf("expected a single row after replay, got %d", len(history))
	}
}

func TestEngine_TerminalPlanIsNotRunnable(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	// Force the plan into a terminal state before the engine claims it.
	_ = plans.UpdateStatus(context.Background(), plan.ID, domain.PlanStatusDraft, domain.PlanStatusIterating)
	_ = plans.UpdateStatus(context.Background(), plan.ID, domain.PlanStatusIterating, domain.PlanStatusCancelled)

	err := engine.Run(context.Background(), plan)
	if !errors.Is(err, errPlanNotRunnable) {
		t.Fatalf("expected errPlanNotRunnable, got %v", err)
	}
	if synthClient.callCount() != 0 {
		t.Fatal("terminal plan must not trigger synthesis")
	}
}

func TestRunner_StartDrivesPlanToReview(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	runner := NewRunner(engine, plans)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	runner.Start(plan)
	runner.Wait()

	updated, _ := plans.GetByID(context.Background(), plan.ID)
	if updated.Status != domain.PlanStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", updated.Status)
	}
}

func TestRunner_StartTwiceRunsSingleLoop(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	release := make(chan struct{})
	synthClient := &fakeOracleClient{
		responses: []string{identityScript},
		onCall: func(callNumber int) {
			<-release
		},
	}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	runner := NewRunner(engine, plans)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	// The second Start lands while the first worker is parked in synthesis.
	runner.Start(plan)
	runner.Start(plan)
	close(release)
	runner.Wait()

	if got := synthClient.callCount(); got != 1 {
		t.Fatalf("expected a single synthesis call, got %d", got)
	}
	history, _ := iterations.ListByPlan(context.Background(), plan.ID)
	if len(history) != 1 {
		t.Fatalf("expected 1 iteration row, got %d", len(history))
	}
	updated, _ := plans.GetByID(context.Background(), plan.ID)
	if updated.Status != domain.PlanStatusPendingApproval {
		t.Fatalf("expected pending_approval, got %s", updated.Status)
	}
}

func TestRunner_ResumeRelaunchesStuckPlans(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	runner := NewRunner(engine, plans)

	stuck := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)
	_ = plans.UpdateStatus(context.Background(), stuck.ID, domain.PlanStatusDraft, domain.PlanStatusIterating)

	if err := runner.Resume(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	runner.Wait()

	updated, _ := plans.GetByID(context.Background(), stuck.ID)
	if updated.Status != domain.PlanStatusPendingApproval {
		t.Fatalf("expected resumed plan in pending_approval, got %s", updated.Status)
	}
}

func TestRunner_CancelTerminalPlanRejected(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	runner := NewRunner(engine, plans)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	_ = plans.UpdateStatus(context.Background(), plan.ID, domain.PlanStatusDraft, domain.PlanStatusIterating)
	_ = plans.UpdateStatus(context.Background(), plan.ID, domain.PlanStatusIterating, domain.PlanStatusFailed)

	_, err := runner.Cancel(context.Background(), plan.ID)
	var transitionErr *domain.InvalidStateTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected invalid state transition error, got %v", err)
	}
}

func TestRunner_CancelStuckIteratingPlan(t *testing.T) {
	plans := newMemPlanRepository()
	iterations := newMemIterationRepository()
	datasets := newMemDatasetRepository()

	synthClient := &fakeOracleClient{responses: []string{identityScript}}
	evalClient := &fakeOracleClient{responses: []string{verdict(0.97)}}

	engine := newTestEngine(t, synthClient, evalClient, plans, iterations, datasets)
	runner := NewRunner(engine, plans)
	plan := seedPlan(t, plans, datasets, domain.TransformationNullRemediation, 5)

	// No live worker: the plan was left iterating by a dead process.
	_ = plans.UpdateStatus(context.Background(), plan.ID, domain.PlanStatusDraft, domain.PlanStatusIterating)

	cancelled, err := runner.Cancel(context.Background(), plan.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.PlanStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

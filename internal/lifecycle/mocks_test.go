package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/datagov/internal/domain"
	"github.com/rpattn/datagov/internal/repository"
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

func (m *memPlanRepository) put(plan domain.TransformationPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
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

type memApprovalRepository struct {
	mu        sync.Mutex
	approvals map[uuid.UUID][]domain.TransformationApproval
}

func newMemApprovalRepository() *memApprovalRepository {
	return &memApprovalRepository{approvals: make(map[uuid.UUID][]domain.TransformationApproval)}
}

func (m *memApprovalRepository) Create(ctx context.Context, approval domain.TransformationApproval) (domain.TransformationApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.approvals[approval.PlanID]
	for i := range list {
		list[i].Active = false
	}
	m.approvals[approval.PlanID] = append(list, approval)
	return approval, nil
}

func (m *memApprovalRepository) GetActive(ctx context.Context, planID uuid.UUID) (domain.TransformationApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, approval := range m.approvals[planID] {
		if approval.Active {
			return approval, nil
		}
	}
	return domain.TransformationApproval{}, repository.ErrNotFound
}

type memExecutionLogRepository struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]domain.TransformationExecutionLog
}

func newMemExecutionLogRepository() *memExecutionLogRepository {
	return &memExecutionLogRepository{entries: make(map[uuid.UUID][]domain.TransformationExecutionLog)}
}

func (m *memExecutionLogRepository) Create(ctx context.Context, entry domain.TransformationExecutionLog) (domain.TransformationExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.PlanID] = append(m.entries[entry.PlanID], entry)
	return entry, nil
}

func (m *memExecutionLogRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]domain.TransformationExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TransformationExecutionLog(nil), m.entries[planID]...), nil
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
}

func (c *fakeOracleClient) Complete(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	response := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return response, nil
}

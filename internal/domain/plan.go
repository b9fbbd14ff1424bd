package domain

import (
	"time"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle state of a transformation plan.
type PlanStatus string

const (
	PlanStatusDraft           PlanStatus = "draft"
	PlanStatusIterating       PlanStatus = "iterating"
	PlanStatusPendingApproval PlanStatus = "pending_approval"
	PlanStatusFailed          PlanStatus = "failed"
	PlanStatusApproved        PlanStatus = "approved"
	PlanStatusRejected        PlanStatus = "rejected"
	PlanStatusCompleted       PlanStatus = "completed"
	PlanStatusCancelled       PlanStatus = "cancelled"
)

// TransformationType classifies the requested data transformation.
type TransformationType string

const (
	TransformationNullRemediation TransformationType = "null_remediation"
	TransformationDedup           TransformationType = "dedup"
	TransformationFormatFix       TransformationType = "format_fix"
	TransformationStandardize     TransformationType = "standardize"
	TransformationCustom          TransformationType = "custom"
)

// TransformationPlan is the full lifecycle record for one transformation
// request. generatedCode always holds the code of the most recent iteration.
type TransformationPlan struct {
	ID                 uuid.UUID          `json:"id"`
	SourceType         string             `json:"source_type"`
	SourceID           string             `json:"source_id"`
	TargetAsset        string             `json:"target_asset"`
	TargetColumn       string             `json:"target_column,omitempty"`
	TransformationType TransformationType `json:"transformation_type"`
	Description        string             `json:"description"`
	Parameters         map[string]any     `json:"parameters,omitempty"`
	RequestedBy        string             `json:"requested_by"`
	AccuracyThreshold  float64            `json:"accuracy_threshold"`
	MaxIterations      int                `json:"max_iterations"`
	GeneratedCode      string             `json:"generated_code,omitempty"`
	IterationCount     int                `json:"iteration_count"`
	FinalAccuracy      float64            `json:"final_accuracy"`
	Status             PlanStatus         `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// NewPlanFromRequest creates a draft plan from a validated request.
func NewPlanFromRequest(req TransformationRequest) TransformationPlan {
	now := time.Now()
	return TransformationPlan{
		ID:                 uuid.New(),
		SourceType:         req.SourceType,
		SourceID:           req.SourceID,
		TargetAsset:        req.TargetAsset,
		TargetColumn:       req.TargetColumn,
		TransformationType: req.TransformationType,
		Description:        req.Description,
		Parameters:         copyParameters(req.Parameters),
		RequestedBy:        req.RequestedBy,
		AccuracyThreshold:  req.AccuracyThreshold,
		MaxIterations:      req.MaxIterations,
		Status:             PlanStatusDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanStatusDraft:           {PlanStatusIterating},
	PlanStatusIterating:       {PlanStatusPendingApproval, PlanStatusFailed, PlanStatusCancelled},
	PlanStatusPendingApproval: {PlanStatusApproved, PlanStatusRejected},
	PlanStatusApproved:        {PlanStatusCompleted},
}

// CanTransition reports whether the state machine allows moving from one
// status to another. Terminal states (failed, rejected, completed,
// cancelled) have no outgoing transitions.
func CanTransition(from, to PlanStatus) bool {
	for _, allowed := range planTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a plan in this status can never change again.
func (s PlanStatus) IsTerminal() bool {
	return len(planTransitions[s]) == 0
}

func copyParameters(parameters map[string]any) map[string]any {
	if parameters == nil {
		return nil
	}
	out := make(map[string]any, len(parameters))
	for k, v := range parameters {
		out[k] = v
	}
	return out
}

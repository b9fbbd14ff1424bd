package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ApprovalDecision is the reviewer's verdict on a pending plan.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// TransformationApproval records one human review of a plan. At most one
// approval row per plan is active at a time.
type TransformationApproval struct {
	ID         uuid.UUID        `json:"id"`
	PlanID     uuid.UUID        `json:"plan_id"`
	ReviewedBy string           `json:"reviewed_by"`
	Decision   ApprovalDecision `json:"decision"`
	Comment    string           `json:"comment,omitempty"`
	Active     bool             `json:"active"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewApproval creates an active approval row for a plan.
func NewApproval(planID uuid.UUID, reviewedBy string, decision ApprovalDecision, comment string) TransformationApproval {
	return TransformationApproval{
		ID:         uuid.New(),
		PlanID:     planID,
		ReviewedBy: reviewedBy,
		Decision:   decision,
		Comment:    comment,
		Active:     true,
		CreatedAt:  time.Now(),
	}
}

// ExecutionOutcome is the result class of a production run.
type ExecutionOutcome string

const (
	OutcomeSucceeded ExecutionOutcome = "succeeded"
	OutcomeFailed    ExecutionOutcome = "failed"
)

// TransformationExecutionLog records one production execution attempt. The
// code hash ties the log to the exact code that ran, which must be the code
// of the iteration that satisfied the threshold.
type TransformationExecutionLog struct {
	ID            uuid.UUID        `json:"id"`
	PlanID        uuid.UUID        `json:"plan_id"`
	ExecutedBy    string           `json:"executed_by"`
	Outcome       ExecutionOutcome `json:"outcome"`
	CodeHash      string           `json:"code_hash"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	RowsProcessed int              `json:"rows_processed"`
	CreatedAt     time.Time        `json:"created_at"`
}

// NewExecutionLog creates a log entry for a production run of the given code.
func NewExecutionLog(planID uuid.UUID, executedBy, code string, outcome ExecutionOutcome, errMessage string, rows int) TransformationExecutionLog {
	return TransformationExecutionLog{
		ID:            uuid.New(),
		PlanID:        planID,
		ExecutedBy:    executedBy,
		Outcome:       outcome,
		CodeHash:      HashCode(code),
		ErrorMessage:  errMessage,
		RowsProcessed: rows,
		CreatedAt:     time.Now(),
	}
}

// HashCode returns a stable fingerprint of generated code for audit trails.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

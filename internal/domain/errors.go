package domain

import "fmt"

// ValidationError reports a missing required field on a transformation
// request. Raised before any persistence and never retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("required field %s is missing", e.Field)
}

// MissingReviewerError is returned when an approval decision arrives without
// a reviewer identity.
type MissingReviewerError struct{}

func (e *MissingReviewerError) Error() string {
	return "reviewer is required for approval decisions"
}

// MissingReasonError is returned when a rejection arrives without a comment.
type MissingReasonError struct{}

func (e *MissingReasonError) Error() string {
	return "a comment is required when rejecting a plan"
}

// InvalidStateTransitionError reports an operation attempted from the wrong
// plan status. The status is the one observed when the transition failed.
type InvalidStateTransitionError struct {
	PlanStatus PlanStatus
	Requested  PlanStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("plan in status %s cannot move to %s", e.PlanStatus, e.Requested)
}

// InfrastructureError wraps a failure of an external collaborator (oracle,
// storage) that is eligible for step-level retry.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

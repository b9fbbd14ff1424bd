package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStats summarizes one sandbox run over a row sample.
type ExecutionStats struct {
	RowsIn      int `json:"rows_in"`
	RowsOut     int `json:"rows_out"`
	RowsChanged int `json:"rows_changed"`
}

// ExecutionOutput carries the before/after samples produced by a sandbox run.
type ExecutionOutput struct {
	SampleBefore []map[string]any `json:"sample_before"`
	SampleAfter  []map[string]any `json:"sample_after"`
	Stats        ExecutionStats   `json:"stats"`
}

// ExecutionResult is the structured outcome of running generated code in the
// sandbox. A crash or timeout is reported here, never as a Go error.
type ExecutionResult struct {
	Success         bool            `json:"success"`
	Output          ExecutionOutput `json:"output"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
}

// Evaluation scores an execution result against the plan's intent.
type Evaluation struct {
	Accuracy       float64  `json:"accuracy"`
	MeetsThreshold bool     `json:"meets_threshold"`
	Issues         []string `json:"issues"`
	Improvements   []string `json:"improvements"`
	Notes          string   `json:"notes"`
}

// TransformationIteration is one generate-execute-evaluate attempt. Rows are
// append-only: written exactly once per (plan, iteration number), never
// updated.
type TransformationIteration struct {
	ID              uuid.UUID       `json:"id"`
	PlanID          uuid.UUID       `json:"plan_id"`
	IterationNumber int             `json:"iteration_number"`
	Code            string          `json:"code"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	Success         bool            `json:"success"`
	Output          ExecutionOutput `json:"output"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Accuracy        float64         `json:"accuracy"`
	MeetsThreshold  bool            `json:"meets_threshold"`
	EvaluationNotes string          `json:"evaluation_notes,omitempty"`
	IssuesFound     []string        `json:"issues_found"`
	Improvements    []string        `json:"improvements_suggested"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewIteration assembles an iteration record from one pass through the loop.
func NewIteration(planID uuid.UUID, number int, code string, result ExecutionResult, eval Evaluation) TransformationIteration {
	return TransformationIteration{
		ID:              uuid.New(),
		PlanID:          planID,
		IterationNumber: number,
		Code:            code,
		ExecutionTimeMs: result.ExecutionTimeMs,
		Success:         result.Success,
		Output:          result.Output,
		ErrorMessage:    result.Error,
		Accuracy:        eval.Accuracy,
		MeetsThreshold:  eval.MeetsThreshold,
		EvaluationNotes: eval.Notes,
		IssuesFound:     eval.Issues,
		Improvements:    eval.Improvements,
		CreatedAt:       time.Now(),
	}
}

// OutputToJSON serializes execution output for jsonb storage.
func OutputToJSON(output ExecutionOutput) (json.RawMessage, error) {
	return json.Marshal(output)
}

// OutputFromJSON restores execution output from jsonb storage.
func OutputFromJSON(data json.RawMessage) (ExecutionOutput, error) {
	var output ExecutionOutput
	if len(data) == 0 {
		return output, nil
	}
	if err := json.Unmarshal(data, &output); err != nil {
		return ExecutionOutput{}, err
	}
	return output, nil
}

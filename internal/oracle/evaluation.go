package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rpattn/datagov/internal/domain"
)

// Evaluator scores an execution result against the plan's intent.
type Evaluator struct {
	client Client
}

func NewEvaluator(client Client) *Evaluator {
	return &Evaluator{client: client}
}

// Evaluate scores one iteration. Failed executions short-circuit to accuracy
// zero without consulting the oracle. An unparseable oracle verdict falls
// back to a conservative mid score so the loop keeps iterating rather than
// aborting.
func (e *Evaluator) Evaluate(ctx context.Context, plan domain.TransformationPlan, result domain.ExecutionResult) (domain.Evaluation, error) {
	if !result.Success {
		return domain.Evaluation{
			Accuracy:       0,
			MeetsThreshold: false,
			Issues:         []string{fmt.Sprintf("execution failed: %s", result.Error)},
			Improvements:   []string{"fix the script so it runs without errors"},
			Notes:          "execution failed before evaluation",
		}, nil
	}

	prompt := e.buildPrompt(plan, result)
	completion, err := e.client.Complete(ctx, prompt)
	if err != nil {
		return domain.Evaluation{}, &domain.InfrastructureError{Op: "evaluate result", Err: err}
	}

	eval, ok := parseEvaluation(completion)
	if ok {
		eval.MeetsThreshold = eval.Accuracy >= plan.AccuracyThreshold
	}
	return eval, nil
}

func (e *Evaluator) buildPrompt(plan domain.TransformationPlan, result domain.ExecutionResult) string {
	var builder strings.Builder
	builder.WriteString("Evaluate whether a data transformation achieved its goal.\n")
	builder.WriteString(fmt.Sprintf("Goal: %s\n", plan.Description))
	builder.WriteString(fmt.Sprintf("Transformation type: %s\n", plan.TransformationType))
	if plan.TargetColumn != "" {
		builder.WriteString(fmt.Sprintf("Target column: %s\n", plan.TargetColumn))
	}

	builder.WriteString(fmt.Sprintf("\nRows in: %d, rows out: %d, rows changed: %d\n",
		result.Output.Stats.RowsIn, result.Output.Stats.RowsOut, result.Output.Stats.RowsChanged))

	builder.WriteString("\nSample before:\n")
	writeSample(&builder, result.Output.SampleBefore)
	builder.WriteString("\nSample after:\n")
	writeSample(&builder, result.Output.SampleAfter)

	builder.WriteString("\nRespond with JSON only: ")
	builder.WriteString(`{"accuracy": 0.0, "issues": [], "improvements": [], "notes": ""}`)
	builder.WriteString("\naccuracy is a number between 0 and 1.\n")
	return builder.String()
}

func writeSample(builder *strings.Builder, rows []map[string]any) {
	for i, row := range rows {
		if i >= 5 {
			break
		}
		builder.WriteString(fmt.Sprintf("  %v\n", row))
	}
}

type evaluationVerdict struct {
	Accuracy     float64  `json:"accuracy"`
	Issues       []string `json:"issues"`
	Improvements []string `json:"improvements"`
	Notes        string   `json:"notes"`
}

// parseEvaluation returns the parsed verdict and whether parsing succeeded.
// The fallback verdict never meets the threshold, whatever the plan's
// threshold is: an unreadable oracle response is not evidence of accuracy.
func parseEvaluation(completion string) (domain.Evaluation, bool) {
	raw := extractJSONObject(completion)
	var verdict evaluationVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return domain.Evaluation{
			Accuracy:       0.5,
			MeetsThreshold: false,
			Issues:         []string{"evaluation response could not be parsed"},
			Notes:          truncate(completion, 256),
		}, false
	}
	if verdict.Accuracy < 0 {
		verdict.Accuracy = 0
	}
	if verdict.Accuracy > 1 {
		verdict.Accuracy = 1
	}
	return domain.Evaluation{
		Accuracy:     verdict.Accuracy,
		Issues:       verdict.Issues,
		Improvements: verdict.Improvements,
		Notes:        verdict.Notes,
	}, true
}

// extractJSONObject pulls the first JSON object out of a completion that may
// be wrapped in prose or code fences.
func extractJSONObject(completion string) string {
	trimmed := stripCodeFences(completion)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return trimmed
	}
	return trimmed[start : end+1]
}

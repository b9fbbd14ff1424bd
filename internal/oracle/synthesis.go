package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/rpattn/datagov/internal/domain"
)

// Synthesizer turns a plan description plus accumulated feedback into a
// candidate transformation script.
type Synthesizer struct {
	client Client
}

func NewSynthesizer(client Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// IterationFeedback carries what the previous iteration learned.
type IterationFeedback struct {
	Code         string
	Error        string
	Accuracy     float64
	Issues       []string
	Improvements []string
}

// Synthesize generates a transform(rows) script for the plan. On the first
// iteration the prompt describes only the task; later iterations include the
// previous code and its evaluation feedback so the oracle can correct it.
func (s *Synthesizer) Synthesize(ctx context.Context, plan domain.TransformationPlan, iteration int, feedback *IterationFeedback, sample []map[string]any) (string, error) {
	prompt := s.buildPrompt(plan, iteration, feedback, sample)
	completion, err := s.client.Complete(ctx, prompt)
	if err != nil {
		return "", &domain.InfrastructureError{Op: "synthesize code", Err: err}
	}
	code := stripCodeFences(completion)
	if strings.TrimSpace(code) == "" {
		return "", &domain.InfrastructureError{Op: "synthesize code", Err: fmt.Errorf("oracle returned empty script")}
	}
	return code, nil
}

func (s *Synthesizer) buildPrompt(plan domain.TransformationPlan, iteration int, feedback *IterationFeedback, sample []map[string]any) string {
	var builder strings.Builder
	builder.WriteString("Write a Starlark script that defines transform(rows).\n")
	builder.WriteString("rows is a list of dicts. Return the transformed list of dicts.\n")
	builder.WriteString("The script must be self-contained: no imports, no I/O.\n\n")

	builder.WriteString(fmt.Sprintf("Target asset: %s\n", plan.TargetAsset))
	if plan.TargetColumn != "" {
		builder.WriteString(fmt.Sprintf("Target column: %s\n", plan.TargetColumn))
	}
	builder.WriteString(fmt.Sprintf("Transformation type: %s\n", plan.TransformationType))
	builder.WriteString(fmt.Sprintf("Task: %s\n", plan.Description))
	for key, value := range plan.Parameters {
		builder.WriteString(fmt.Sprintf("Parameter %s: %v\n", key, value))
	}

	if len(sample) > 0 {
		builder.WriteString("\nSample rows:\n")
		for i, row := range sample {
			if i >= 5 {
				break
			}
			builder.WriteString(fmt.Sprintf("  %v\n", row))
		}
	}

	if iteration > 1 && feedback != nil {
		builder.WriteString(fmt.Sprintf("\nThis is attempt %d. The previous attempt scored %.2f.\n", iteration, feedback.Accuracy))
		if feedback.Code != "" {
			builder.WriteString("Previous script:\n")
			builder.WriteString(feedback.Code)
			builder.WriteString("\n")
		}
		if feedback.Error != "" {
			builder.WriteString(fmt.Sprintf("Previous execution error: %s\n", feedback.Error))
		}
		if len(feedback.Issues) > 0 {
			builder.WriteString("Issues found:\n")
			for _, issue := range feedback.Issues {
				builder.WriteString("  - " + issue + "\n")
			}
		}
		if len(feedback.Improvements) > 0 {
			builder.WriteString("Suggested improvements:\n")
			for _, improvement := range feedback.Improvements {
				builder.WriteString("  - " + improvement + "\n")
			}
		}
		builder.WriteString("Produce a corrected script.\n")
	}

	return builder.String()
}

// stripCodeFences removes markdown code fences that chat models wrap
// completions in.
func stripCodeFences(completion string) string {
	trimmed := strings.TrimSpace(completion)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence (which may carry a language tag) and the
	// closing fence if present.
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			lines = append(lines[:i], lines[i+1:]...)
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

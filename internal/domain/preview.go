package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PlanPreview is a read-only projection of a plan, its latest iteration and
// a unified diff between the sample rows before and after transformation.
type PlanPreview struct {
	Plan            TransformationPlan       `json:"plan"`
	LatestIteration *TransformationIteration `json:"latest_iteration,omitempty"`
	Diff            string                   `json:"diff,omitempty"`
}

// DiffSamples produces a unified diff between the before and after row
// samples of an execution output. Rows are flattened into deterministic
// key-sorted lines so logically equal rows always compare equal.
func DiffSamples(before, after []map[string]any) string {
	baseLines := canonicalRows(before)
	targetLines := canonicalRows(after)

	var builder strings.Builder
	builder.WriteString("--- sample_before\n")
	builder.WriteString("+++ sample_after\n")
	for _, op := range diffLines(baseLines, targetLines) {
		builder.WriteString(op.prefix)
		builder.WriteString(op.line)
		builder.WriteString("\n")
	}
	return builder.String()
}

func canonicalRows(rows []map[string]any) []string {
	lines := make([]string, 0, len(rows))
	for i, row := range rows {
		lines = append(lines, fmt.Sprintf("row %d: %s", i, canonicalRow(row)))
	}
	return lines
}

func canonicalRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		encoded, err := json.Marshal(row[key])
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s=%v", key, row[key]))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", key, encoded))
	}
	return strings.Join(parts, " ")
}

type diffOp struct {
	prefix string
	line   string
}

// diffLines computes a line diff via longest common subsequence.
func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		switch {
		case base[i] == target[j]:
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		default:
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}
	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}
	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}
	return ops
}

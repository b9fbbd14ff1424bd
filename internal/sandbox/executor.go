package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"

	"github.com/rpattn/datagov/internal/domain"
)

// Executor runs generated transformation scripts in an isolated Starlark
// interpreter. Scripts have no filesystem, network or process access; they
// see only the rows passed in and must define transform(rows) returning the
// transformed rows.
type Executor struct {
	timeout  time.Duration
	maxSteps uint64
}

type Option func(*Executor)

// WithTimeout bounds wall-clock time for a single script run.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithMaxSteps bounds interpreter steps for a single script run.
func WithMaxSteps(steps uint64) Option {
	return func(e *Executor) {
		if steps > 0 {
			e.maxSteps = steps
		}
	}
}

func NewExecutor(opts ...Option) *Executor {
	executor := &Executor{
		timeout:  10 * time.Second,
		maxSteps: 10_000_000,
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Execute runs the script against the given rows. Script failures (syntax
// errors, runtime errors, timeouts, bad return shapes) are reported in the
// result, never as a Go error: they are feedback for the next iteration.
func (e *Executor) Execute(ctx context.Context, code string, rows []map[string]any) domain.ExecutionResult {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type runOutcome struct {
		rows []map[string]any
		err  error
	}

	thread := &starlark.Thread{
		Name:  "transform",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(e.maxSteps)

	outcomeCh := make(chan runOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				outcomeCh <- runOutcome{err: fmt.Errorf("script panic: %v", rec)}
			}
		}()
		transformed, err := runScript(thread, code, rows)
		outcomeCh <- runOutcome{rows: transformed, err: err}
	}()

	var outcome runOutcome
	select {
	case <-runCtx.Done():
		thread.Cancel("execution timed out")
		outcome = <-outcomeCh
		if outcome.err == nil {
			outcome.err = fmt.Errorf("execution timed out after %v", e.timeout)
		}
	case outcome = <-outcomeCh:
	}

	elapsed := time.Since(start).Milliseconds()
	if outcome.err != nil {
		return domain.ExecutionResult{
			Success: false,
			Output: domain.ExecutionOutput{
				SampleBefore: rows,
				Stats:        domain.ExecutionStats{RowsIn: len(rows)},
			},
			Error:           outcome.err.Error(),
			ExecutionTimeMs: elapsed,
		}
	}

	return domain.ExecutionResult{
		Success: true,
		Output: domain.ExecutionOutput{
			SampleBefore: rows,
			SampleAfter:  outcome.rows,
			Stats:        computeStats(rows, outcome.rows),
		},
		ExecutionTimeMs: elapsed,
	}
}

func runScript(thread *starlark.Thread, code string, rows []map[string]any) ([]map[string]any, error) {
	globals, err := starlark.ExecFile(thread, "transform.star", code, nil)
	if err != nil {
		return nil, fmt.Errorf("script failed: %w", err)
	}

	transformFn, ok := globals["transform"]
	if !ok {
		return nil, fmt.Errorf("script does not define transform(rows)")
	}
	callable, ok := transformFn.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("transform is not callable")
	}

	input, err := rowsToStarlark(rows)
	if err != nil {
		return nil, fmt.Errorf("convert input rows: %w", err)
	}

	value, err := starlark.Call(thread, callable, starlark.Tuple{input}, nil)
	if err != nil {
		return nil, fmt.Errorf("transform failed: %w", err)
	}

	output, err := rowsFromStarlark(value)
	if err != nil {
		return nil, fmt.Errorf("convert output rows: %w", err)
	}
	return output, nil
}

func computeStats(before, after []map[string]any) domain.ExecutionStats {
	stats := domain.ExecutionStats{RowsIn: len(before), RowsOut: len(after)}
	for i := range after {
		if i >= len(before) {
			stats.RowsChanged++
			continue
		}
		if !rowsEqual(before[i], after[i]) {
			stats.RowsChanged++
		}
	}
	if len(before) > len(after) {
		stats.RowsChanged += len(before) - len(after)
	}
	return stats
}

// rowsEqual compares rows by canonical JSON so numeric widening across the
// interpreter boundary does not count as a change.
func rowsEqual(left, right map[string]any) bool {
	leftJSON, err := json.Marshal(left)
	if err != nil {
		return false
	}
	rightJSON, err := json.Marshal(right)
	if err != nil {
		return false
	}
	return string(leftJSON) == string(rightJSON)
}

func rowsToStarlark(rows []map[string]any) (starlark.Value, error) {
	list := make([]starlark.Value, 0, len(rows))
	for _, row := range rows {
		converted, err := toStarlarkValue(row)
		if err != nil {
			return nil, err
		}
		list = append(list, converted)
	}
	return starlark.NewList(list), nil
}

func rowsFromStarlark(value starlark.Value) ([]map[string]any, error) {
	iterable, ok := value.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("transform must return a list of rows, got %s", value.Type())
	}

	rows := make([]map[string]any, 0)
	iter := iterable.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		converted, err := fromStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		row, ok := converted.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("transform must return dict rows, got %s", item.Type())
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func toStarlarkValue(value any) (starlark.Value, error) {
	switch v := value.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case []any:
		list := make([]starlark.Value, 0, len(v))
		for _, item := range v {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list = append(list, converted)
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(v))
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			converted, err := toStarlarkValue(v[key])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

func fromStarlarkValue(value starlark.Value) (any, error) {
	switch v := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return v.String(), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		list := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			converted, err := fromStarlarkValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			list = append(list, converted)
		}
		return list, nil
	case starlark.Tuple:
		list := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			converted, err := fromStarlarkValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			list = append(list, converted)
		}
		return list, nil
	case *starlark.Dict:
		result := make(map[string]any, v.Len())
		for _, key := range v.Keys() {
			str, ok := starlark.AsString(key)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", key.Type())
			}
			item, _, err := v.Get(key)
			if err != nil {
				return nil, err
			}
			converted, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			result[str] = converted
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported script value type %s", value.Type())
	}
}

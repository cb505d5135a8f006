package expand

import (
	"context"
	"fmt"
	"math"

	"github.com/calder/transitpipe/internal/expr"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/worker"
)

// forLoopHandler materialises one child chain per loop value, each binding
// the loop variable and its index as task metadata. Values come from an
// explicit list, a linear range or a logarithmic range.
func forLoopHandler(ctx context.Context, hc *worker.HandlerContext) error {
	m, err := description(ctx, hc)
	if err != nil {
		return err
	}
	env, err := hc.Env(ctx)
	if err != nil {
		return err
	}

	name, present, err := resolveString(m, "name", env)
	if err != nil {
		return err
	}
	if !present || name == "" {
		return fmt.Errorf("task %d: %s has no loop variable name", hc.Task.ID, TaskTypeForLoop)
	}

	values, err := loopValues(m, env)
	if err != nil {
		return fmt.Errorf("task %d: %w", hc.Task.ID, err)
	}

	body, present, err := taskList(m, "task_list")
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("task %d: %s has no task_list", hc.Task.ID, TaskTypeForLoop)
	}

	for i, v := range values {
		value, err := toValue(v)
		if err != nil {
			return fmt.Errorf("loop value %d: %w", i, err)
		}
		childID, err := materialiseChain(ctx, hc, body, map[string]models.Value{
			name:            value,
			name + "_index": models.Num(float64(i)),
		})
		if err != nil {
			return err
		}
		hc.Infof(ctx, "materialised chain task %d for %s=%v", childID, name, v)
	}
	return nil
}

// loopValues resolves the loop's value source: exactly one of values,
// linear_range or log_range.
func loopValues(m map[string]interface{}, env *expr.Env) ([]interface{}, error) {
	sources := 0
	for _, key := range []string{"values", "linear_range", "log_range"} {
		if _, present := m[key]; present {
			sources++
		}
	}
	if sources != 1 {
		return nil, fmt.Errorf("need exactly one of values, linear_range, log_range")
	}

	if raw, present := m["values"]; present {
		evaluated, err := expr.EvaluateTree(raw, env)
		if err != nil {
			return nil, err
		}
		list, ok := evaluated.([]interface{})
		if !ok {
			return nil, fmt.Errorf("values is not a list")
		}
		return list, nil
	}

	key := "linear_range"
	if _, present := m["log_range"]; present {
		key = "log_range"
	}
	min, max, count, err := rangeSpec(m[key], env)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	out := make([]interface{}, count)
	if key == "linear_range" {
		for i := 0; i < count; i++ {
			out[i] = interpolate(min, max, i, count)
		}
		return out, nil
	}
	if min <= 0 || max <= 0 {
		return nil, fmt.Errorf("log_range bounds must be positive")
	}
	for i := 0; i < count; i++ {
		out[i] = math.Exp(interpolate(math.Log(min), math.Log(max), i, count))
	}
	return out, nil
}

func rangeSpec(raw interface{}, env *expr.Env) (min, max float64, count int, err error) {
	evaluated, err := expr.EvaluateTree(raw, env)
	if err != nil {
		return 0, 0, 0, err
	}
	list, ok := evaluated.([]interface{})
	if !ok || len(list) != 3 {
		return 0, 0, 0, fmt.Errorf("expected [min, max, count]")
	}
	nums := make([]float64, 3)
	for i, v := range list {
		f, ok := v.(float64)
		if !ok {
			return 0, 0, 0, fmt.Errorf("element %d is not a number", i)
		}
		nums[i] = f
	}
	count = int(nums[2])
	if count < 1 || float64(count) != nums[2] {
		return 0, 0, 0, fmt.Errorf("count must be a positive integer")
	}
	return nums[0], nums[1], count, nil
}

func interpolate(min, max float64, i, count int) float64 {
	if count == 1 {
		return min
	}
	return min + (max-min)*float64(i)/float64(count-1)
}

package expand

import (
	"context"
	"fmt"

	"github.com/calder/transitpipe/internal/expr"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/worker"
)

// doWhileHandler materialises one loop iteration: a child chain holding the
// loop body plus a successor do-while task with the iteration counter
// incremented. The repeat criterion is checked before expanding, so it runs
// after the previous iteration's body (the successor's metadata inputs make
// the scheduler wait for the body). The task tree therefore grows by one
// chain per iteration.
func doWhileHandler(ctx context.Context, hc *worker.HandlerContext) error {
	m, err := description(ctx, hc)
	if err != nil {
		return err
	}
	env, err := hc.Env(ctx)
	if err != nil {
		return err
	}

	iterationName, present, err := resolveString(m, "iteration_name", env)
	if err != nil {
		return err
	}
	if !present || iterationName == "" {
		return fmt.Errorf("task %d: %s has no iteration_name", hc.Task.ID, TaskTypeDoWhile)
	}
	counterKey := iterationName + "_index"

	counter := 0.0
	if v, ok, err := hc.Store.GetMetadata(ctx, models.ScopeTask, hc.Task.ID, counterKey); err != nil {
		return err
	} else if ok && v.IsNumber() {
		counter = v.Float()
	}

	// Iterations after the first re-check the criterion; the first body run
	// is unconditional (do-while, not while-do).
	if counter > 0 {
		rawCriterion, present := m["repeat_criterion"]
		if !present {
			return fmt.Errorf("task %d: %s has no repeat_criterion", hc.Task.ID, TaskTypeDoWhile)
		}
		evaluated, err := expr.EvaluateTree(rawCriterion, env)
		if err != nil {
			return err
		}
		repeat, ok := evaluated.(bool)
		if !ok {
			return fmt.Errorf("task %d: repeat_criterion is not a boolean", hc.Task.ID)
		}
		if !repeat {
			hc.Infof(ctx, "loop %s terminated after %g iterations", iterationName, counter)
			return nil
		}
	}

	body, present, err := taskList(m, "task_list")
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("task %d: %s has no task_list", hc.Task.ID, TaskTypeDoWhile)
	}

	successor, err := successorDescriptor(m, counterKey, counter+1)
	if err != nil {
		return err
	}
	iteration := append(append([]interface{}{}, body...), successor)

	childID, err := materialiseChain(ctx, hc, iteration, map[string]models.Value{
		counterKey: models.Num(counter),
	})
	if err != nil {
		return err
	}
	hc.Infof(ctx, "materialised loop iteration %g as chain task %d", counter, childID)
	return nil
}

// successorDescriptor clones the loop descriptor for the next iteration:
// counter incremented and requires_metadata_from_child promoted to
// requires_metadata_from, so the successor waits for this iteration's body
// and sees its metadata.
func successorDescriptor(m map[string]interface{}, counterKey string, next float64) (map[string]interface{}, error) {
	successor := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		successor[k] = v
	}
	successor["task"] = TaskTypeDoWhile

	md := map[string]interface{}{}
	if raw, present := m["metadata"]; present {
		existing, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("field \"metadata\" is not a map")
		}
		for k, v := range existing {
			md[k] = v
		}
	}
	md[counterKey] = next
	successor["metadata"] = md

	if deps, present := m["requires_metadata_from_child"]; present {
		successor["requires_metadata_from"] = deps
	}
	return successor, nil
}

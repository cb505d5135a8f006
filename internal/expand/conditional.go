package expand

import (
	"context"
	"fmt"

	"github.com/calder/transitpipe/internal/expr"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/worker"
)

// conditionalHandler evaluates criterion and materialises a single child
// chain from task_list or task_list_else. A missing else-branch on a false
// criterion is a no-op, not an error.
func conditionalHandler(ctx context.Context, hc *worker.HandlerContext) error {
	m, err := description(ctx, hc)
	if err != nil {
		return err
	}
	env, err := hc.Env(ctx)
	if err != nil {
		return err
	}

	rawCriterion, present := m["criterion"]
	if !present {
		return fmt.Errorf("task %d: %s has no criterion", hc.Task.ID, TaskTypeConditional)
	}
	evaluated, err := expr.EvaluateTree(rawCriterion, env)
	if err != nil {
		return err
	}
	verdict, ok := evaluated.(bool)
	if !ok {
		return fmt.Errorf("task %d: criterion is not a boolean", hc.Task.ID)
	}

	branch := "task_list"
	if !verdict {
		branch = "task_list_else"
	}
	body, present, err := taskList(m, branch)
	if err != nil {
		return err
	}
	if !present {
		hc.Infof(ctx, "criterion %v, branch %s absent, nothing to do", verdict, branch)
		return nil
	}

	childID, err := materialiseChain(ctx, hc, body, nil)
	if err != nil {
		return err
	}
	hc.Infof(ctx, "criterion %v, materialised chain task %d from %s", verdict, childID, branch)
	return nil
}

// materialiseChain creates one fully configured execution_chain child whose
// body is the given raw task_list, with optional extra metadata bindings.
func materialiseChain(ctx context.Context, hc *worker.HandlerContext, body []interface{},
	metadata map[string]models.Value) (int64, error) {
	return materialise(ctx, hc, &childSpec{
		taskType:         TaskTypeChain,
		jobName:          hc.Task.JobName,
		workingDirectory: hc.Task.WorkingDirectory,
		description: map[string]interface{}{
			"task":      TaskTypeChain,
			"task_list": body,
		},
		metadata: metadata,
	})
}

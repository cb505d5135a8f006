package expand

import (
	"context"
	"fmt"

	"github.com/calder/transitpipe/internal/expr"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/worker"
)

// chainHandler materialises the entries of task_list as sibling child
// tasks, in declared order. Only the structural fields of each entry are
// evaluated here; payload fields keep their expressions for the child's own
// handler, whose metadata environment may not exist yet.
func chainHandler(ctx context.Context, hc *worker.HandlerContext) error {
	m, err := description(ctx, hc)
	if err != nil {
		return err
	}
	list, present, err := taskList(m, "task_list")
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("task %d: %s has no task_list", hc.Task.ID, TaskTypeChain)
	}
	env, err := hc.Env(ctx)
	if err != nil {
		return err
	}
	return expandChain(ctx, hc, env, list)
}

func expandChain(ctx context.Context, hc *worker.HandlerContext, env *expr.Env, list []interface{}) error {
	// Names of prior siblings in this chain; requires_metadata_from resolves
	// against this scope only.
	localNames := map[string]int64{}

	for i, raw := range list {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			return fmt.Errorf("task_list entry %d is not a map", i)
		}
		spec, err := resolveEntry(ctx, hc, env, entry, localNames)
		if err != nil {
			return fmt.Errorf("task_list entry %d: %w", i, err)
		}
		childID, err := materialise(ctx, hc, spec)
		if err != nil {
			return fmt.Errorf("task_list entry %d: %w", i, err)
		}
		if spec.taskName != "" {
			localNames[spec.taskName] = childID
		}
		hc.Infof(ctx, "materialised %s task %d (%s)", spec.taskType, childID, spec.taskName)
	}
	return nil
}

// resolveEntry evaluates the structural fields of one subtask descriptor
// and resolves its declared dependencies.
func resolveEntry(ctx context.Context, hc *worker.HandlerContext, env *expr.Env,
	entry map[string]interface{}, localNames map[string]int64) (*childSpec, error) {

	taskType, present, err := resolveString(entry, "task", env)
	if err != nil {
		return nil, err
	}
	if !present || taskType == "" {
		return nil, fmt.Errorf("subtask has no task type")
	}

	spec := &childSpec{
		taskType:         taskType,
		jobName:          hc.Task.JobName,
		taskName:         "",
		workingDirectory: hc.Task.WorkingDirectory,
	}
	if v, ok, err := resolveString(entry, "job_name", env); err != nil {
		return nil, err
	} else if ok {
		spec.jobName = v
	}
	if v, ok, err := resolveString(entry, "task_name", env); err != nil {
		return nil, err
	} else if ok {
		spec.taskName = v
	}
	if v, ok, err := resolveString(entry, "working_directory", env); err != nil {
		return nil, err
	} else if ok {
		spec.workingDirectory = v
	}

	inputs, err := resolveStringMap(entry, "inputs", env)
	if err != nil {
		return nil, err
	}
	for semanticType, filename := range inputs {
		product, found, err := hc.Store.LookupProduct(ctx, spec.workingDirectory, filename)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: input %s (%s/%s)",
				ErrDependencyMissing, semanticType, spec.workingDirectory, filename)
		}
		spec.fileInputs = append(spec.fileInputs, fileInput{
			productID:    product.ID,
			semanticType: semanticType,
		})
	}

	requires, err := resolveStringList(entry, "requires_metadata_from", env)
	if err != nil {
		return nil, err
	}
	for _, name := range requires {
		predID, known := localNames[name]
		if !known {
			return nil, fmt.Errorf("%w: no prior sibling named %q", ErrDependencyMissing, name)
		}
		spec.metadataInputs = append(spec.metadataInputs, predID)
	}

	outputs, err := resolveStringMap(entry, "outputs", env)
	if err != nil {
		return nil, err
	}
	for semanticType, filename := range outputs {
		_, exists, err := hc.Store.LookupProduct(ctx, spec.workingDirectory, filename)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: output %s (%s/%s)",
				ErrOutputCollision, semanticType, spec.workingDirectory, filename)
		}
		spec.outputs = append(spec.outputs, outputDecl{
			semanticType: semanticType,
			filename:     filename,
		})
	}

	if rawMD, present := entry["metadata"]; present {
		evaluated, err := expr.EvaluateTree(rawMD, env)
		if err != nil {
			return nil, err
		}
		mdMap, ok := evaluated.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("field \"metadata\" is not a map")
		}
		spec.metadata = map[string]models.Value{}
		for k, v := range mdMap {
			value, err := toValue(v)
			if err != nil {
				return nil, fmt.Errorf("metadata %q: %w", k, err)
			}
			spec.metadata[k] = value
		}
	}

	// The child's description is the entry with its structural fields
	// replaced by their resolved forms; payload fields stay as written.
	desc := make(map[string]interface{}, len(entry))
	for k, v := range entry {
		desc[k] = v
	}
	desc["task"] = spec.taskType
	desc["job_name"] = spec.jobName
	desc["working_directory"] = spec.workingDirectory
	if spec.taskName != "" {
		desc["task_name"] = spec.taskName
	}
	delete(desc, "metadata") // already bound onto the child
	if inputs != nil {
		asTree := make(map[string]interface{}, len(inputs))
		for k, v := range inputs {
			asTree[k] = v
		}
		desc["inputs"] = asTree
	}
	if outputs != nil {
		asTree := make(map[string]interface{}, len(outputs))
		for k, v := range outputs {
			asTree[k] = v
		}
		desc["outputs"] = asTree
	}
	spec.description = desc

	return spec, nil
}

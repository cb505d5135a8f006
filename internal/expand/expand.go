// Package expand implements the control-flow task types. Their handlers
// never compute anything themselves: the only effect of running one is a
// set of child tasks materialised in the store with their dependencies
// declared, after which the scheduler takes over.
package expand

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/calder/transitpipe/internal/expr"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/worker"
)

// Control-flow task types.
const (
	TaskTypeChain       = "execution_chain"
	TaskTypeConditional = "execution_conditional"
	TaskTypeForLoop     = "execution_for_loop"
	TaskTypeDoWhile     = "execution_do_while_loop"
)

// ErrDependencyMissing marks a declared input or metadata predecessor that
// could not be resolved at expansion time.
var ErrDependencyMissing = errors.New("dependency missing")

// ErrOutputCollision marks a declared output whose (directory, filename)
// identity already exists.
var ErrOutputCollision = errors.New("output already declared")

// Register installs the four control-flow handlers.
func Register(r *worker.HandlerRegistry) {
	r.Register(TaskTypeChain, chainHandler)
	r.Register(TaskTypeConditional, conditionalHandler)
	r.Register(TaskTypeForLoop, forLoopHandler)
	r.Register(TaskTypeDoWhile, doWhileHandler)
}

// childSpec is a fully resolved child task ready to be written. Callers
// resolve everything (reads included) before materialise opens its
// transaction.
type childSpec struct {
	taskType         string
	jobName          string
	taskName         string
	workingDirectory string

	description interface{} // serialised into the child's task_description

	metadata map[string]models.Value // bindings on top of the inherited copy

	fileInputs     []fileInput
	metadataInputs []int64
	outputs        []outputDecl
}

type fileInput struct {
	productID    int64
	semanticType string
}

type outputDecl struct {
	semanticType string
	filename     string
}

// materialise writes one child task and its declarations in a single
// transaction, flipping fully_configured as the last step. The parent's
// metadata (minus the description) is copied onto the child so loop and
// chain bindings flow down the tree.
func materialise(ctx context.Context, hc *worker.HandlerContext, spec *childSpec) (int64, error) {
	inherited, err := hc.Store.MetadataMap(ctx, models.ScopeTask, hc.Task.ID)
	if err != nil {
		return 0, err
	}

	descJSON, err := json.Marshal(spec.description)
	if err != nil {
		return 0, fmt.Errorf("serialise child description: %w", err)
	}

	childMD := make(map[string]models.Value, len(inherited)+len(spec.metadata)+1)
	for k, v := range inherited {
		if k == models.KeyTaskDescription {
			continue
		}
		childMD[k] = v
	}
	for k, v := range spec.metadata {
		childMD[k] = v
	}
	childMD[models.KeyTaskDescription] = models.Str(string(descJSON))

	parentID := hc.Task.ID
	child := &models.Task{
		ParentTask:       &parentID,
		TaskType:         spec.taskType,
		JobName:          spec.jobName,
		TaskName:         spec.taskName,
		WorkingDirectory: spec.workingDirectory,
	}

	err = hc.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := hc.Store.CreateTaskTx(ctx, tx, child); err != nil {
			return err
		}
		if err := hc.Store.SetMetadataMapTx(ctx, tx, models.ScopeTask, child.ID, childMD); err != nil {
			return err
		}
		for _, in := range spec.fileInputs {
			if err := hc.Store.AddFileInputTx(ctx, tx, child.ID, in.productID, in.semanticType); err != nil {
				return err
			}
		}
		for _, pred := range spec.metadataInputs {
			if err := hc.Store.AddMetadataInputTx(ctx, tx, child.ID, pred); err != nil {
				return err
			}
		}
		for _, out := range spec.outputs {
			_, err := hc.Store.CreateProductTx(ctx, tx, &models.FileProduct{
				GeneratorTask: child.ID,
				Directory:     spec.workingDirectory,
				Filename:      out.filename,
				SemanticType:  out.semanticType,
			})
			if err != nil {
				return err
			}
		}
		return hc.Store.SetFullyConfiguredTx(ctx, tx, child.ID, true)
	})
	if err != nil {
		return 0, err
	}
	return child.ID, nil
}

// description loads the task's description tree and checks it is a map.
func description(ctx context.Context, hc *worker.HandlerContext) (map[string]interface{}, error) {
	tree, err := hc.Description(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := tree.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("task %d: description is not a map", hc.Task.ID)
	}
	return m, nil
}

// resolveString evaluates one descriptor field to a string. Absent fields
// return ok=false.
func resolveString(m map[string]interface{}, key string, env *expr.Env) (string, bool, error) {
	raw, present := m[key]
	if !present {
		return "", false, nil
	}
	v, err := expr.EvaluateTree(raw, env)
	if err != nil {
		return "", false, err
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("field %q is not a string", key)
	}
	return s, true, nil
}

// resolveStringMap evaluates a {key: value} descriptor field of strings,
// e.g. inputs and outputs maps.
func resolveStringMap(m map[string]interface{}, key string, env *expr.Env) (map[string]string, error) {
	raw, present := m[key]
	if !present {
		return nil, nil
	}
	v, err := expr.EvaluateTree(raw, env)
	if err != nil {
		return nil, err
	}
	vm, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("field %q is not a map", key)
	}
	out := make(map[string]string, len(vm))
	for k, val := range vm {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("field %q: value for %q is not a string", key, k)
		}
		out[k] = s
	}
	return out, nil
}

// resolveStringList evaluates a list-of-strings descriptor field, e.g.
// requires_metadata_from.
func resolveStringList(m map[string]interface{}, key string, env *expr.Env) ([]string, error) {
	raw, present := m[key]
	if !present {
		return nil, nil
	}
	v, err := expr.EvaluateTree(raw, env)
	if err != nil {
		return nil, err
	}
	vl, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("field %q is not a list", key)
	}
	out := make([]string, 0, len(vl))
	for _, elem := range vl {
		s, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("field %q: element is not a string", key)
		}
		out = append(out, s)
	}
	return out, nil
}

// toValue converts an evaluated scalar to a metadata value. Booleans are
// stored numerically (1/0) since metadata is float-or-string.
func toValue(v interface{}) (models.Value, error) {
	switch v := v.(type) {
	case float64:
		return models.Num(v), nil
	case string:
		return models.Str(v), nil
	case bool:
		if v {
			return models.Num(1), nil
		}
		return models.Num(0), nil
	default:
		return models.Value{}, fmt.Errorf("cannot store %T as metadata", v)
	}
}

// taskList extracts a raw, unevaluated task_list field.
func taskList(m map[string]interface{}, key string) ([]interface{}, bool, error) {
	raw, present := m[key]
	if !present {
		return nil, false, nil
	}
	l, ok := raw.([]interface{})
	if !ok {
		return nil, false, fmt.Errorf("field %q is not a list", key)
	}
	return l, true, nil
}

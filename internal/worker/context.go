package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/expr"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/queue"
	"github.com/calder/transitpipe/internal/registry"
	"github.com/calder/transitpipe/internal/store"
)

// HandlerContext is everything a handler may touch while executing one
// attempt. Log lines emitted through it are mirrored into the store,
// attached to the attempt.
type HandlerContext struct {
	Store    *store.Store
	Registry *registry.Registry
	Queue    queue.Queue
	Config   *config.Config

	Task      *models.Task
	AttemptID int64
	HostID    int64

	Log zerolog.Logger
}

// Description fetches and decodes the task's stored description tree. The
// tree is raw: expressions inside it are not yet evaluated.
func (hc *HandlerContext) Description(ctx context.Context) (interface{}, error) {
	v, ok, err := hc.Store.GetMetadata(ctx, models.ScopeTask, hc.Task.ID, models.KeyTaskDescription)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("task %d has no %s", hc.Task.ID, models.KeyTaskDescription)
	}
	raw, isString := v.Native().(string)
	if !isString {
		return nil, fmt.Errorf("task %d: %s is not a string", hc.Task.ID, models.KeyTaskDescription)
	}
	var tree interface{}
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("task %d: decode %s: %w", hc.Task.ID, models.KeyTaskDescription, err)
	}
	return tree, nil
}

// Env assembles the expression environment for this task: the metadata of
// each declared predecessor (task scope, then the predecessor's most recent
// attempt that finished with all products passing QC), overlaid with the
// task's own metadata. Later layers shadow earlier ones, so a task's own
// keys always win.
func (hc *HandlerContext) Env(ctx context.Context) (*expr.Env, error) {
	merged := map[string]models.Value{}

	inputs, err := hc.Store.MetadataInputs(ctx, hc.Task.ID)
	if err != nil {
		return nil, err
	}
	for _, in := range inputs {
		taskMD, err := hc.Store.MetadataMap(ctx, models.ScopeTask, in.PredecessorTaskID)
		if err != nil {
			return nil, err
		}
		for k, v := range taskMD {
			if k == models.KeyTaskDescription {
				continue
			}
			merged[k] = v
		}

		attemptID, found, err := hc.latestSuccessfulAttempt(ctx, in.PredecessorTaskID)
		if err != nil {
			return nil, err
		}
		if found {
			attemptMD, err := hc.Store.MetadataMap(ctx, models.ScopeAttempt, attemptID)
			if err != nil {
				return nil, err
			}
			for k, v := range attemptMD {
				merged[k] = v
			}
		}
	}

	own, err := hc.Store.MetadataMap(ctx, models.ScopeTask, hc.Task.ID)
	if err != nil {
		return nil, err
	}
	for k, v := range own {
		if k == models.KeyTaskDescription {
			continue
		}
		merged[k] = v
	}
	return expr.NewEnv(merged), nil
}

func (hc *HandlerContext) latestSuccessfulAttempt(ctx context.Context, taskID int64) (int64, bool, error) {
	attempts, err := hc.Store.AttemptsForTask(ctx, taskID)
	if err != nil {
		return 0, false, err
	}
	var id int64
	var found bool
	for _, a := range attempts {
		if a.Finished && a.AllProductsPassedQC {
			id = a.ID
			found = true
		}
	}
	return id, found, nil
}

// SetResult records a metadata item on this attempt, the channel through
// which handlers expose measurements to downstream tasks.
func (hc *HandlerContext) SetResult(ctx context.Context, keyword string, value models.Value) error {
	return hc.Store.SetMetadata(ctx, models.ScopeAttempt, hc.AttemptID, keyword, value)
}

// Infof logs at info level and mirrors the line into the store.
func (hc *HandlerContext) Infof(ctx context.Context, format string, args ...interface{}) {
	hc.record(ctx, models.SeverityInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at warning level and mirrors the line into the store.
func (hc *HandlerContext) Warnf(ctx context.Context, format string, args ...interface{}) {
	hc.record(ctx, models.SeverityWarning, fmt.Sprintf(format, args...))
}

// Errorf logs at error level and mirrors the line into the store.
func (hc *HandlerContext) Errorf(ctx context.Context, format string, args ...interface{}) {
	hc.record(ctx, models.SeverityError, fmt.Sprintf(format, args...))
}

func (hc *HandlerContext) record(ctx context.Context, severity, message string) {
	switch severity {
	case models.SeverityError:
		hc.Log.Error().Msg(message)
	case models.SeverityWarning:
		hc.Log.Warn().Msg(message)
	default:
		hc.Log.Info().Msg(message)
	}
	attemptID := hc.AttemptID
	if err := hc.Store.AppendLog(ctx, &attemptID, severity, message); err != nil {
		hc.Log.Error().Err(err).Msg("failed to mirror log message to store")
	}
}

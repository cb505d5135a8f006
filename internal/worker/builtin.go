package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/calder/transitpipe/internal/expr"
)

// Built-in leaf task types. They carry no science payload; pipelines use
// them as placeholders, failure injectors and load simulators.
const (
	TaskTypeNull  = "null"
	TaskTypeError = "error"
	TaskTypeSleep = "sleep"
)

// RegisterBuiltins installs the built-in leaf handlers.
func RegisterBuiltins(r *HandlerRegistry) {
	r.Register(TaskTypeNull, nullHandler)
	r.Register(TaskTypeError, errorHandler)
	r.Register(TaskTypeSleep, sleepHandler)
}

func nullHandler(ctx context.Context, hc *HandlerContext) error {
	hc.Infof(ctx, "null task complete")
	return nil
}

// errorHandler always fails. An optional "message" key in the description
// customises the error text.
func errorHandler(ctx context.Context, hc *HandlerContext) error {
	message := "error task executed"
	if tree, err := hc.Description(ctx); err == nil {
		if m, ok := tree.(map[string]interface{}); ok {
			if s, ok := m["message"].(string); ok && s != "" {
				message = s
			}
		}
	}
	return fmt.Errorf("%s", message)
}

// sleepHandler blocks for the number of seconds given by the description's
// "seconds" key (default 1), evaluated against the task's environment.
func sleepHandler(ctx context.Context, hc *HandlerContext) error {
	seconds := 1.0
	tree, err := hc.Description(ctx)
	if err == nil {
		if m, ok := tree.(map[string]interface{}); ok {
			if raw, present := m["seconds"]; present {
				env, err := hc.Env(ctx)
				if err != nil {
					return err
				}
				resolved, err := expr.EvaluateTree(raw, env)
				if err != nil {
					return err
				}
				f, ok := resolved.(float64)
				if !ok {
					return fmt.Errorf("sleep: seconds is not a number")
				}
				seconds = f
			}
		}
	}
	if seconds < 0 {
		return fmt.Errorf("sleep: negative duration")
	}
	hc.Infof(ctx, "sleeping for %g seconds", seconds)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return nil
	}
}

// Package worker claims queued attempts and executes them through
// registered task-type handlers. One worker process serves the capability
// set of its configured container; everything it learns about an attempt is
// written back to the store.
package worker

import (
	"context"
	"fmt"
)

// Handler executes the work of one task type. A returned error marks the
// attempt failed; quality control still runs afterwards.
type Handler func(ctx context.Context, hc *HandlerContext) error

// QCHandler judges the outputs of a completed handler run. It records
// per-version verdicts and the attempt's overall verdict.
type QCHandler func(ctx context.Context, hc *HandlerContext) error

// HandlerRegistry maps task type names to their handlers. Registration
// happens once during process wiring, before the worker loop starts.
type HandlerRegistry struct {
	handlers map[string]Handler
	qc       map[string]QCHandler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
		qc:       make(map[string]QCHandler),
	}
}

// Register binds a task type to its handler. Re-registration is a
// programming error.
func (r *HandlerRegistry) Register(taskType string, h Handler) {
	if _, dup := r.handlers[taskType]; dup {
		panic(fmt.Sprintf("handler for %q registered twice", taskType))
	}
	r.handlers[taskType] = h
}

// RegisterQC binds a task type to a custom QC handler. Task types without
// one get the default verdict.
func (r *HandlerRegistry) RegisterQC(taskType string, h QCHandler) {
	if _, dup := r.qc[taskType]; dup {
		panic(fmt.Sprintf("qc handler for %q registered twice", taskType))
	}
	r.qc[taskType] = h
}

// Handler looks up the handler for a task type.
func (r *HandlerRegistry) Handler(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// QC looks up the QC handler for a task type, falling back to the default.
func (r *HandlerRegistry) QC(taskType string) QCHandler {
	if h, ok := r.qc[taskType]; ok {
		return h
	}
	return DefaultQC
}

// TaskTypes returns every registered task type name.
func (r *HandlerRegistry) TaskTypes() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// DefaultQC is the verdict applied when a task type registers no QC handler
// of its own: every version this attempt produced passes, and the attempt
// as a whole passes exactly when the handler did not fail.
func DefaultQC(ctx context.Context, hc *HandlerContext) error {
	attempt, err := hc.Store.GetAttempt(ctx, hc.AttemptID)
	if err != nil {
		return err
	}
	if !attempt.ErrorFail {
		versions, err := hc.Store.VersionsForAttempt(ctx, hc.AttemptID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v.PassedQC != nil {
				continue // a handler-recorded verdict wins
			}
			if err := hc.Store.SetVersionQC(ctx, v.ID, true); err != nil {
				return err
			}
		}
	}
	return hc.Store.SetAllProductsPassedQC(ctx, hc.AttemptID, !attempt.ErrorFail)
}

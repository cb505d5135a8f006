package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/logging"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/queue"
	"github.com/calder/transitpipe/internal/registry"
	"github.com/calder/transitpipe/internal/store"
)

// Worker polls the queues of its capability set, claims one attempt at a
// time and executes it to completion. A handler failure marks the attempt
// failed but never stops the loop.
type Worker struct {
	store    *store.Store
	queue    queue.Queue
	registry *registry.Registry
	handlers *HandlerRegistry
	cfg      *config.Config

	host         *models.WorkerHost
	capabilities []string
	token        string
	log          zerolog.Logger
}

// Token returns the per-process identifier minted at construction. It
// distinguishes workers sharing a hostname in logs.
func (w *Worker) Token() string {
	return w.token
}

// New wires a worker for one host and capability set. Capabilities are task
// type names; only those with a registered handler are polled.
func New(st *store.Store, q queue.Queue, reg *registry.Registry, handlers *HandlerRegistry,
	cfg *config.Config, host *models.WorkerHost, capabilities []string) *Worker {
	var polled []string
	for _, c := range capabilities {
		if _, ok := handlers.Handler(c); ok {
			polled = append(polled, c)
		}
	}
	token := uuid.NewString()
	return &Worker{
		store:        st,
		queue:        q,
		registry:     reg,
		handlers:     handlers,
		cfg:          cfg,
		host:         host,
		capabilities: polled,
		token:        token,
		log:          logging.Component("worker").With().Str("token", token).Logger(),
	}
}

// Capabilities returns the task types this worker polls.
func (w *Worker) Capabilities() []string {
	return w.capabilities
}

// Run loops until the context is cancelled: claim, execute, repeat. Empty
// polls sleep for the configured interval; transient queue failures are
// absorbed the same way.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Str("host", w.host.Hostname).
		Strs("capabilities", w.capabilities).
		Msg("worker starting")
	for {
		n, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, queue.ErrTransient) {
				return err
			}
			w.log.Warn().Err(err).Msg("transient queue failure, backing off")
		}
		if n > 0 {
			continue // drain while work is available
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce polls each capability queue once and executes every attempt it
// wins. Returns the number of attempts executed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	executed := 0
	for _, taskType := range w.capabilities {
		attemptID, ok, err := w.queue.FetchClaim(ctx, taskType, true, true)
		if err != nil {
			return executed, err
		}
		if !ok {
			continue
		}
		if err := w.Execute(ctx, attemptID); err != nil {
			return executed, err
		}
		executed++
	}
	return executed, nil
}

// Execute runs one claimed attempt through its handler and QC. Only
// infrastructure failures are returned; handler failures are recorded on
// the attempt.
func (w *Worker) Execute(ctx context.Context, attemptID int64) error {
	task, err := w.store.TaskForAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	log := logging.WithAttempt(w.log, attemptID)
	hc := &HandlerContext{
		Store:     w.store,
		Registry:  w.registry,
		Queue:     w.queue,
		Config:    w.cfg,
		Task:      task,
		AttemptID: attemptID,
		HostID:    w.host.ID,
		Log:       log,
	}

	timer := StartTimer()
	if err := w.store.RecordAttemptStart(ctx, attemptID, w.host.ID, timer.start); err != nil {
		return err
	}
	hb := startHeartbeat(ctx, w.store, attemptID, w.cfg.HeartbeatCadence, log)

	log.Info().Str("task_type", task.TaskType).Int64("task", task.ID).Msg("attempt started")

	if runErr := w.runHandler(ctx, task.TaskType, hc); runErr != nil {
		hc.Errorf(ctx, "handler failed: %v", runErr)
		if err := w.store.MarkAttemptFailed(ctx, attemptID, runErr.Error()); err != nil {
			hb.Stop()
			return err
		}
	}

	// QC runs whether or not the handler failed, so a failed attempt still
	// gets its overall verdict recorded.
	if qcErr := w.handlers.QC(task.TaskType)(ctx, hc); qcErr != nil {
		hc.Errorf(ctx, "quality control failed: %v", qcErr)
		if err := w.store.MarkAttemptFailed(ctx, attemptID, qcErr.Error()); err != nil {
			hb.Stop()
			return err
		}
	}

	hb.Stop()
	wall, cpu, cpuChildren := timer.Stop()
	if err := w.store.RecordAttemptEnd(ctx, attemptID, time.Now(), wall, cpu, cpuChildren); err != nil {
		return err
	}
	log.Info().Float64("wall_seconds", wall).Msg("attempt finished")
	return nil
}

// runHandler dispatches to the registered handler, converting a panic into
// an attempt failure so one bad handler cannot take the worker down.
func (w *Worker) runHandler(ctx context.Context, taskType string, hc *HandlerContext) (err error) {
	h, ok := w.handlers.Handler(taskType)
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", taskType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, hc)
}

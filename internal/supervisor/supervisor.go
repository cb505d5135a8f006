// Package supervisor watches the pipeline from the outside: it flags
// running attempts whose heartbeat went silent and summarises per-type
// progress for the status views. It never kills anything; rescheduling a
// stalled task is an operator decision.
package supervisor

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/config"
	"github.com/calder/transitpipe/internal/logging"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/store"
)

// Supervisor runs diagnostics sweeps over the store.
type Supervisor struct {
	store *store.Store
	cfg   *config.Config
	log   zerolog.Logger
}

// New builds a supervisor.
func New(st *store.Store, cfg *config.Config) *Supervisor {
	return &Supervisor{store: st, cfg: cfg, log: logging.Component("supervisor")}
}

// StalledAttempts returns the running attempts whose heartbeat is older
// than the configured maximum age.
func (s *Supervisor) StalledAttempts(ctx context.Context) ([]*models.Attempt, error) {
	running, err := s.store.RunningAttempts(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var stalled []*models.Attempt
	for _, a := range running {
		if a.Stalled(now, s.cfg.MaxHeartbeatAge) {
			stalled = append(stalled, a)
		}
	}
	return stalled, nil
}

// Sweep flags every stalled attempt once: a warning in the log stream and a
// mirrored store record tied to the attempt. Returns the stalled attempts.
func (s *Supervisor) Sweep(ctx context.Context) ([]*models.Attempt, error) {
	stalled, err := s.StalledAttempts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range stalled {
		s.log.Warn().
			Int64("attempt", a.ID).
			Int64("task", a.TaskID).
			Msg("attempt heartbeat is stale, worker presumed dead")
		attemptID := a.ID
		if err := s.store.AppendLog(ctx, &attemptID, models.SeverityWarning,
			"heartbeat stale, attempt presumed stalled"); err != nil {
			return stalled, err
		}
	}
	return stalled, nil
}

// Run sweeps on the poll interval until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info().Dur("max_heartbeat_age", s.cfg.MaxHeartbeatAge).Msg("supervisor starting")
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// TypeProgress is the per-task-type roll-up behind the status and timings
// views. Counts classify each task by its most recent attempt.
type TypeProgress struct {
	TaskType string

	Waiting  int // no attempt yet
	Queued   int
	Running  int
	Stalled  int
	DoneOK   int // finished, all products passed QC
	DoneFail int // finished, failed or QC-rejected

	WallSeconds float64
	CPUSeconds  float64
}

// Progress aggregates every task into per-type counters, sorted by type
// name.
func (s *Supervisor) Progress(ctx context.Context) ([]*TypeProgress, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	byType := map[string]*TypeProgress{}
	now := time.Now()
	for _, task := range tasks {
		p := byType[task.TaskType]
		if p == nil {
			p = &TypeProgress{TaskType: task.TaskType}
			byType[task.TaskType] = p
		}

		attempts, err := s.store.AttemptsForTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if len(attempts) == 0 {
			p.Waiting++
			continue
		}
		for _, a := range attempts {
			if a.RunTimeWallClock != nil {
				p.WallSeconds += *a.RunTimeWallClock
			}
			if a.RunTimeCPUIncChildren != nil {
				p.CPUSeconds += *a.RunTimeCPUIncChildren
			}
		}

		latest := attempts[len(attempts)-1]
		switch {
		case latest.Stalled(now, s.cfg.MaxHeartbeatAge):
			p.Stalled++
		case latest.Running:
			p.Running++
		case latest.Queued:
			p.Queued++
		case latest.Finished && latest.AllProductsPassedQC:
			p.DoneOK++
		default:
			p.DoneFail++
		}
	}

	out := make([]*TypeProgress, 0, len(byType))
	for _, p := range byType {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskType < out[j].TaskType })
	return out, nil
}

// Package scheduler decides which tasks are ready to run and places
// attempts on the queue. It never executes anything itself; eligibility is
// computed from stored state and the result is a queued attempt per
// eligible task.
package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/calder/transitpipe/internal/logging"
	"github.com/calder/transitpipe/internal/models"
	"github.com/calder/transitpipe/internal/queue"
	"github.com/calder/transitpipe/internal/store"
)

// SkipCriterion inspects one prior attempt of a task. When any attempt
// matches, the task is skipped this scheduling round.
type SkipCriterion func(a *models.Attempt) bool

// SkipIfAnyAttempt is the default criterion: a task is scheduled at most
// once, regardless of how its attempts ended.
func SkipIfAnyAttempt(*models.Attempt) bool {
	return true
}

// SkipIfSucceeded matches attempts that finished without a handler error.
// Used by rescheduling to retry only tasks whose attempts all failed.
func SkipIfSucceeded(a *models.Attempt) bool {
	return a.Finished && !a.ErrorFail
}

// Scheduler queues attempts for eligible tasks.
type Scheduler struct {
	store *store.Store
	queue queue.Queue
	log   zerolog.Logger
}

// New builds a scheduler over a store and a queue back-end.
func New(st *store.Store, q queue.Queue) *Scheduler {
	return &Scheduler{
		store: st,
		queue: q,
		log:   logging.Component("scheduler"),
	}
}

// ScheduleOne unconditionally creates and publishes an attempt for a task.
func (s *Scheduler) ScheduleOne(ctx context.Context, taskID int64) (int64, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return 0, err
	}
	attemptID, err := s.store.CreateAttempt(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if err := s.queue.Declare(ctx, task.TaskType); err != nil {
		return 0, err
	}
	if err := s.queue.Publish(ctx, task.TaskType, attemptID); err != nil {
		return 0, err
	}
	s.log.Debug().
		Int64("task", taskID).
		Int64("attempt", attemptID).
		Str("task_type", task.TaskType).
		Msg("attempt queued")
	return attemptID, nil
}

// ScheduleEligible scans every task in id order and queues an attempt for
// each eligible one. Returns the number of attempts created.
//
// A task is eligible when it is fully configured, no prior attempt matches
// the skip criterion, no attempt is currently queued or running, every file
// input has at least one version that passed QC, and every metadata
// predecessor has an attempt that finished with all products passing QC.
func (s *Scheduler) ScheduleEligible(ctx context.Context, skip SkipCriterion) (int, error) {
	if skip == nil {
		skip = SkipIfAnyAttempt
	}
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, task := range tasks {
		eligible, err := s.eligible(ctx, task, skip)
		if err != nil {
			return scheduled, fmt.Errorf("task %d eligibility: %w", task.ID, err)
		}
		if !eligible {
			continue
		}
		if _, err := s.ScheduleOne(ctx, task.ID); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	s.log.Info().Int("scheduled", scheduled).Msg("scheduling pass complete")
	return scheduled, nil
}

// RescheduleUnfinished queues a fresh attempt for tasks whose every prior
// attempt failed or went missing, leaving successful tasks alone.
func (s *Scheduler) RescheduleUnfinished(ctx context.Context) (int, error) {
	return s.ScheduleEligible(ctx, SkipIfSucceeded)
}

func (s *Scheduler) eligible(ctx context.Context, task *models.Task, skip SkipCriterion) (bool, error) {
	if !task.FullyConfigured {
		return false, nil
	}

	attempts, err := s.store.AttemptsForTask(ctx, task.ID)
	if err != nil {
		return false, err
	}
	for _, a := range attempts {
		// An in-flight attempt always blocks, whatever the criterion.
		if a.Queued || a.Running {
			return false, nil
		}
		if skip(a) {
			return false, nil
		}
	}

	inputs, err := s.store.FileInputs(ctx, task.ID)
	if err != nil {
		return false, err
	}
	for _, in := range inputs {
		passing, err := s.store.HasPassingVersion(ctx, in.InputProductID)
		if err != nil {
			return false, err
		}
		if !passing {
			return false, nil
		}
	}

	predecessors, err := s.store.MetadataInputs(ctx, task.ID)
	if err != nil {
		return false, err
	}
	for _, p := range predecessors {
		done, err := s.predecessorSucceeded(ctx, p.PredecessorTaskID)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) predecessorSucceeded(ctx context.Context, taskID int64) (bool, error) {
	attempts, err := s.store.AttemptsForTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, a := range attempts {
		if a.Finished && a.AllProductsPassedQC {
			return true, nil
		}
	}
	return false, nil
}

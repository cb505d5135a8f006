package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calder/transitpipe/internal/models"
)

const attemptColumns = `attempt_id, task_id, queued, running, finished,
	error_fail, all_products_passed_qc, error_text,
	queued_time, start_time, end_time, latest_heartbeat,
	run_time_wall_clock, run_time_cpu, run_time_cpu_inc_children, host_id`

func scanAttempt(row interface{ Scan(...interface{}) error }) (*models.Attempt, error) {
	var a models.Attempt
	var queuedTime, startTime, endTime, heartbeat sql.NullTime
	var wall, cpu, cpuChildren sql.NullFloat64
	var host sql.NullInt64
	err := row.Scan(&a.ID, &a.TaskID, &a.Queued, &a.Running, &a.Finished,
		&a.ErrorFail, &a.AllProductsPassedQC, &a.ErrorText,
		&queuedTime, &startTime, &endTime, &heartbeat,
		&wall, &cpu, &cpuChildren, &host)
	if err != nil {
		return nil, err
	}
	if queuedTime.Valid {
		a.QueuedTime = &queuedTime.Time
	}
	if startTime.Valid {
		a.StartTime = &startTime.Time
	}
	if endTime.Valid {
		a.EndTime = &endTime.Time
	}
	if heartbeat.Valid {
		a.LatestHeartbeat = &heartbeat.Time
	}
	if wall.Valid {
		a.RunTimeWallClock = &wall.Float64
	}
	if cpu.Valid {
		a.RunTimeCPU = &cpu.Float64
	}
	if cpuChildren.Valid {
		a.RunTimeCPUIncChildren = &cpuChildren.Float64
	}
	if host.Valid {
		a.HostID = &host.Int64
	}
	return &a, nil
}

// CreateAttempt inserts an attempt in the queued state and returns its id.
func (s *Store) CreateAttempt(ctx context.Context, taskID int64) (int64, error) {
	return s.insertReturningID(ctx, nil,
		`INSERT INTO task_attempts (task_id, queued, queued_time) VALUES (?, ?, ?)`,
		"attempt_id", taskID, true, now())
}

// GetAttempt fetches one attempt by id.
func (s *Store) GetAttempt(ctx context.Context, attemptID int64) (*models.Attempt, error) {
	a, err := scanAttempt(s.queryRow(ctx,
		`SELECT `+attemptColumns+` FROM task_attempts WHERE attempt_id = ?`, attemptID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attempt %d not found", attemptID)
	}
	if err != nil {
		return nil, wrap("get attempt", err)
	}
	return a, nil
}

// AttemptsForTask returns a task's attempts in creation order.
func (s *Store) AttemptsForTask(ctx context.Context, taskID int64) ([]*models.Attempt, error) {
	return s.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM task_attempts WHERE task_id = ? ORDER BY attempt_id`,
		taskID)
}

// RunningAttempts returns every attempt currently marked running.
func (s *Store) RunningAttempts(ctx context.Context) ([]*models.Attempt, error) {
	return s.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM task_attempts WHERE running = ? ORDER BY attempt_id`,
		true)
}

func (s *Store) listAttempts(ctx context.Context, query string, args ...interface{}) ([]*models.Attempt, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []*models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, wrap("scan attempt", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, wrap("list attempts", rows.Err())
}

// MarkQueued resets an attempt to the queued state: queued, not running, not
// finished, no owner. Used by Queue.Publish.
func (s *Store) MarkQueued(ctx context.Context, attemptID int64) error {
	_, err := s.exec(ctx,
		`UPDATE task_attempts
		 SET queued = ?, running = ?, finished = ?, host_id = NULL, queued_time = ?
		 WHERE attempt_id = ?`,
		true, false, false, now(), attemptID)
	return err
}

// ClaimAttempt atomically flips a queued attempt to running on the given
// host. The `queued = true` guard makes the transition mutually exclusive:
// the returned bool reports whether this caller won the claim.
func (s *Store) ClaimAttempt(ctx context.Context, attemptID, hostID int64) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE task_attempts
		 SET queued = ?, running = ?, host_id = ?, latest_heartbeat = ?
		 WHERE attempt_id = ? AND queued = ?`,
		false, true, hostID, now(), attemptID, true)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("claim rows", err)
	}
	return n == 1, nil
}

// ConfirmClaim re-queries ownership after a claim, the final step of the
// embedded queue's claim protocol.
func (s *Store) ConfirmClaim(ctx context.Context, attemptID, hostID int64) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM task_attempts
		 WHERE attempt_id = ? AND running = ? AND host_id = ?`,
		attemptID, true, hostID).Scan(&n)
	if err != nil {
		return false, wrap("confirm claim", err)
	}
	return n == 1, nil
}

// ResetStaleClaims clears running attempts previously claimed by this host.
// Called before each embedded-queue fetch so a restarted worker process
// recovers claims its predecessor orphaned on the same machine.
func (s *Store) ResetStaleClaims(ctx context.Context, hostID int64) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE task_attempts SET running = ? WHERE running = ? AND host_id = ?`,
		false, true, hostID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return n, wrap("reset stale claims", err)
}

// NextQueued returns the oldest queued attempt of the named task type, or
// (0, false) when the queue is empty. Ordering is queued_time then
// attempt_id, so ties break deterministically.
func (s *Store) NextQueued(ctx context.Context, taskType string) (int64, bool, error) {
	var id int64
	err := s.queryRow(ctx,
		`SELECT a.attempt_id
		 FROM task_attempts a JOIN tasks t ON t.task_id = a.task_id
		 WHERE a.queued = ? AND t.task_type = ?
		 ORDER BY a.queued_time, a.attempt_id
		 LIMIT 1`, true, taskType).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("next queued", err)
	}
	return id, true, nil
}

// QueuedAttempts snapshots all queued attempt ids of the named task type in
// queue order.
func (s *Store) QueuedAttempts(ctx context.Context, taskType string) ([]int64, error) {
	rows, err := s.query(ctx,
		`SELECT a.attempt_id
		 FROM task_attempts a JOIN tasks t ON t.task_id = a.task_id
		 WHERE a.queued = ? AND t.task_type = ?
		 ORDER BY a.queued_time, a.attempt_id`, true, taskType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan queued", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("queued attempts", rows.Err())
}

// QueuedCount counts queued attempts of the named task type.
func (s *Store) QueuedCount(ctx context.Context, taskType string) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM task_attempts a JOIN tasks t ON t.task_id = a.task_id
		 WHERE a.queued = ? AND t.task_type = ?`, true, taskType).Scan(&n)
	return n, wrap("queued count", err)
}

// EmptyQueue drops all queued attempts of the named task type out of the
// queued state without deleting the rows.
func (s *Store) EmptyQueue(ctx context.Context, taskType string) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE task_attempts SET queued = ?
		 WHERE queued = ? AND task_id IN (SELECT task_id FROM tasks WHERE task_type = ?)`,
		false, true, taskType)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return n, wrap("empty queue", err)
}

// RecordAttemptStart stamps the start of execution.
func (s *Store) RecordAttemptStart(ctx context.Context, attemptID, hostID int64, start time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE task_attempts SET start_time = ?, host_id = ?, latest_heartbeat = ?
		 WHERE attempt_id = ?`,
		start.UTC(), hostID, start.UTC(), attemptID)
	return err
}

// RecordAttemptEnd stamps the end of execution, stores the run-time
// measures and moves the attempt to the finished state.
func (s *Store) RecordAttemptEnd(ctx context.Context, attemptID int64, end time.Time, wall, cpu, cpuChildren float64) error {
	_, err := s.exec(ctx,
		`UPDATE task_attempts
		 SET running = ?, finished = ?, end_time = ?,
		     run_time_wall_clock = ?, run_time_cpu = ?, run_time_cpu_inc_children = ?
		 WHERE attempt_id = ?`,
		false, true, end.UTC(), wall, cpu, cpuChildren, attemptID)
	return err
}

// Heartbeat bumps the attempt's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, attemptID int64) error {
	_, err := s.exec(ctx,
		`UPDATE task_attempts SET latest_heartbeat = ? WHERE attempt_id = ?`,
		now(), attemptID)
	return err
}

// MarkAttemptFailed records a handler failure. QC still runs afterwards.
func (s *Store) MarkAttemptFailed(ctx context.Context, attemptID int64, errorText string) error {
	_, err := s.exec(ctx,
		`UPDATE task_attempts SET error_fail = ?, error_text = ? WHERE attempt_id = ?`,
		true, errorText, attemptID)
	return err
}

// SetAllProductsPassedQC records the QC handler's overall verdict.
func (s *Store) SetAllProductsPassedQC(ctx context.Context, attemptID int64, passed bool) error {
	_, err := s.exec(ctx,
		`UPDATE task_attempts SET all_products_passed_qc = ? WHERE attempt_id = ?`,
		passed, attemptID)
	return err
}

// TaskForAttempt resolves the task an attempt belongs to.
func (s *Store) TaskForAttempt(ctx context.Context, attemptID int64) (*models.Task, error) {
	a, err := s.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, a.TaskID)
}

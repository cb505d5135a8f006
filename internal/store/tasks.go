package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calder/transitpipe/internal/models"
)

const taskColumns = `task_id, parent_task, task_type, job_name, task_name,
	working_directory, created_time, fully_configured`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	var t models.Task
	var parent sql.NullInt64
	err := row.Scan(&t.ID, &parent, &t.TaskType, &t.JobName, &t.TaskName,
		&t.WorkingDirectory, &t.CreatedTime, &t.FullyConfigured)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		t.ParentTask = &parent.Int64
	}
	return &t, nil
}

// CreateTask inserts a task row. New tasks start not fully configured;
// the expansion parent flips the flag once inputs and outputs are declared.
func (s *Store) CreateTask(ctx context.Context, t *models.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if t.CreatedTime.IsZero() {
		t.CreatedTime = now()
	}
	var parent interface{}
	if t.ParentTask != nil {
		parent = *t.ParentTask
	}
	id, err := s.insertReturningID(ctx, nil,
		s.rebind(`INSERT INTO tasks (parent_task, task_type, job_name, task_name,
			working_directory, created_time, fully_configured)
			VALUES (?, ?, ?, ?, ?, ?, ?)`), "task_id",
		parent, t.TaskType, t.JobName, t.TaskName, t.WorkingDirectory,
		t.CreatedTime, t.FullyConfigured)
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// CreateTaskTx is CreateTask inside an existing transaction scope.
func (s *Store) CreateTaskTx(ctx context.Context, tx *sql.Tx, t *models.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if t.CreatedTime.IsZero() {
		t.CreatedTime = now()
	}
	var parent interface{}
	if t.ParentTask != nil {
		parent = *t.ParentTask
	}
	id, err := s.insertReturningID(ctx, tx,
		s.rebind(`INSERT INTO tasks (parent_task, task_type, job_name, task_name,
			working_directory, created_time, fully_configured)
			VALUES (?, ?, ?, ?, ?, ?, ?)`), "task_id",
		parent, t.TaskType, t.JobName, t.TaskName, t.WorkingDirectory,
		t.CreatedTime, t.FullyConfigured)
	if err != nil {
		return 0, err
	}
	t.ID = id
	return id, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*models.Task, error) {
	t, err := scanTask(s.queryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %d not found", taskID)
	}
	if err != nil {
		return nil, wrap("get task", err)
	}
	return t, nil
}

// ListTasks returns all tasks ordered by id.
func (s *Store) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY task_id`)
}

// ChildTasks returns the direct children of a task in creation order.
func (s *Store) ChildTasks(ctx context.Context, parentID int64) ([]*models.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task = ? ORDER BY task_id`, parentID)
}

// RootTasks returns the tasks with no parent, oldest first.
func (s *Store) RootTasks(ctx context.Context) ([]*models.Task, error) {
	return s.listTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_task IS NULL ORDER BY task_id`)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, wrap("scan task", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, wrap("list tasks", rows.Err())
}

// SetFullyConfigured flips the task's configuration flag.
func (s *Store) SetFullyConfigured(ctx context.Context, taskID int64, configured bool) error {
	_, err := s.exec(ctx,
		`UPDATE tasks SET fully_configured = ? WHERE task_id = ?`, configured, taskID)
	return err
}

// SetFullyConfiguredTx is SetFullyConfigured within a transaction.
func (s *Store) SetFullyConfiguredTx(ctx context.Context, tx *sql.Tx, taskID int64, configured bool) error {
	_, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE tasks SET fully_configured = ? WHERE task_id = ?`), configured, taskID)
	return wrap("set fully_configured", err)
}

// AddFileInputTx declares that a task consumes a file product.
func (s *Store) AddFileInputTx(ctx context.Context, tx *sql.Tx, taskID, productID int64, semanticType string) error {
	stID, err := s.internSemanticTypeTx(ctx, tx, semanticType)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO task_file_inputs (task_id, input_product_id, semantic_type_id)
			VALUES (?, ?, ?)`), taskID, productID, stID)
	return wrap("add file input", err)
}

// FileInputs returns the declared file inputs of a task.
func (s *Store) FileInputs(ctx context.Context, taskID int64) ([]models.FileInput, error) {
	rows, err := s.query(ctx,
		`SELECT i.task_id, i.input_product_id, st.name
		 FROM task_file_inputs i
		 JOIN semantic_types st ON st.semantic_type_id = i.semantic_type_id
		 WHERE i.task_id = ?
		 ORDER BY i.input_product_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var inputs []models.FileInput
	for rows.Next() {
		var in models.FileInput
		if err := rows.Scan(&in.TaskID, &in.InputProductID, &in.SemanticType); err != nil {
			return nil, wrap("scan file input", err)
		}
		inputs = append(inputs, in)
	}
	return inputs, wrap("file inputs", rows.Err())
}

// AddMetadataInputTx declares that a task reads metadata from a predecessor.
func (s *Store) AddMetadataInputTx(ctx context.Context, tx *sql.Tx, taskID, predecessorID int64) error {
	_, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO task_metadata_inputs (task_id, predecessor_task_id)
			VALUES (?, ?)`), taskID, predecessorID)
	return wrap("add metadata input", err)
}

// MetadataInputs returns the declared metadata predecessors of a task.
func (s *Store) MetadataInputs(ctx context.Context, taskID int64) ([]models.MetadataInput, error) {
	rows, err := s.query(ctx,
		`SELECT task_id, predecessor_task_id FROM task_metadata_inputs
		 WHERE task_id = ? ORDER BY predecessor_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var inputs []models.MetadataInput
	for rows.Next() {
		var in models.MetadataInput
		if err := rows.Scan(&in.TaskID, &in.PredecessorTaskID); err != nil {
			return nil, wrap("scan metadata input", err)
		}
		inputs = append(inputs, in)
	}
	return inputs, wrap("metadata inputs", rows.Err())
}

package models

import (
	"errors"
	"time"
)

// Task is a node in the job tree. Control-flow tasks (chains, conditionals,
// loops) expand into child tasks; leaf tasks perform computation.
type Task struct {
	ID               int64      // Unique task identifier
	ParentTask       *int64     // Parent task ID (nil for the root of a job)
	TaskType         string     // Task type name, keyed to the TaskType catalogue
	JobName          string     // Human-readable job this task belongs to (optional)
	TaskName         string     // Name scoped unique inside the parent chain (optional)
	WorkingDirectory string     // Directory within the repository for this task's products
	CreatedTime      time.Time  // When the task row was created
	FullyConfigured  bool       // True once all inputs/outputs are declared
}

// Validate checks that the task has the fields every task must carry.
func (t *Task) Validate() error {
	if t.TaskType == "" {
		return errors.New("task type is required")
	}
	return nil
}

// IsRoot reports whether this task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentTask == nil
}

// FileInput declares that a task consumes a file product in a given role.
type FileInput struct {
	TaskID         int64
	InputProductID int64
	SemanticType   string
}

// MetadataInput declares that a task reads metadata produced by a
// predecessor task. The predecessor must have at least one attempt with
// AllProductsPassedQC before the dependent task becomes eligible.
type MetadataInput struct {
	TaskID            int64
	PredecessorTaskID int64
}

package models

import "time"

// WorkerHost is a machine that has run at least one worker process.
// Hostnames are interned on first sighting.
type WorkerHost struct {
	ID       int64
	Hostname string
}

// LogMessage is one line of diagnostic output, optionally tied to an
// attempt. Messages longer than the configured maximum are truncated by the
// store with a "..." marker.
type LogMessage struct {
	ID            int64
	AttemptID     *int64
	GeneratedTime time.Time
	Severity      string
	Message       string
}

// Log severities, mirroring the logging levels workers emit.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ResourceRequirements is the per-container resource declaration from the
// TaskType catalogue.
type ResourceRequirements struct {
	CPU      float64
	GPU      float64
	MemoryGB float64
}

// TaskType pairs a task type name with the worker containers able to run it.
type TaskType struct {
	Name       string
	Containers []string
}

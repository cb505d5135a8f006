package models

import "time"

// Attempt states. Exactly one of the three primary flags is set at any
// moment; ErrorFail and AllProductsPassedQC are orthogonal to them.
const (
	StateQueued   = "queued"
	StateRunning  = "running"
	StateFinished = "finished"
	StateStalled  = "stalled" // derived, never stored
)

// Attempt is one scheduled execution of a Task.
type Attempt struct {
	ID     int64
	TaskID int64

	Queued              bool
	Running             bool
	Finished            bool
	ErrorFail           bool
	AllProductsPassedQC bool
	ErrorText           string

	QueuedTime      *time.Time
	StartTime       *time.Time
	EndTime         *time.Time
	LatestHeartbeat *time.Time

	RunTimeWallClock      *float64 // seconds
	RunTimeCPU            *float64 // seconds, claiming process only
	RunTimeCPUIncChildren *float64 // seconds, including child processes

	HostID *int64 // worker host holding the claim; nil while queued
}

// State returns the primary lifecycle state of the attempt.
func (a *Attempt) State() string {
	switch {
	case a.Running:
		return StateRunning
	case a.Finished:
		return StateFinished
	default:
		return StateQueued
	}
}

// Stalled reports whether the attempt is running but its heartbeat is older
// than maxAge as of now. A stalled attempt is a diagnostic status, not an
// error: operators decide whether to reschedule.
func (a *Attempt) Stalled(now time.Time, maxAge time.Duration) bool {
	if !a.Running {
		return false
	}
	if a.LatestHeartbeat == nil {
		// Claimed but never heartbeated; measure from the start time.
		if a.StartTime == nil {
			return false
		}
		return now.Sub(*a.StartTime) > maxAge
	}
	return now.Sub(*a.LatestHeartbeat) > maxAge
}

package worker

import (
	"syscall"
	"time"
)

// TaskTimer measures one attempt's wall-clock and CPU consumption. CPU time
// is read from the process resource accounting, so the child-inclusive
// figure covers subprocesses the handler spawned and reaped.
type TaskTimer struct {
	start      time.Time
	selfStart  float64
	childStart float64
}

// StartTimer snapshots the current usage counters.
func StartTimer() *TaskTimer {
	return &TaskTimer{
		start:      time.Now(),
		selfStart:  cpuSeconds(syscall.RUSAGE_SELF),
		childStart: cpuSeconds(syscall.RUSAGE_CHILDREN),
	}
}

// Stop returns the elapsed wall-clock seconds, the CPU seconds of this
// process, and the CPU seconds including reaped children.
func (t *TaskTimer) Stop() (wall, cpu, cpuIncChildren float64) {
	wall = time.Since(t.start).Seconds()
	cpu = cpuSeconds(syscall.RUSAGE_SELF) - t.selfStart
	if cpu < 0 {
		cpu = 0
	}
	children := cpuSeconds(syscall.RUSAGE_CHILDREN) - t.childStart
	if children < 0 {
		children = 0
	}
	return wall, cpu, cpu + children
}

func cpuSeconds(who int) float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(who, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Nano())
	sys := time.Duration(ru.Stime.Nano())
	return (user + sys).Seconds()
}

package cron

import (
	"sync"
	"time"
)

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls a scheduled job. Err is the error of the most recent run;
// a recurring job keeps being scheduled after a failed run.
type Handle interface {
	ID() int64
	Name() string
	Cancel()
	Status() ScheduleStatus
	Err() error
	Runs() int
	LastRun() time.Time
	Done() <-chan struct{}
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	name      string
	entryID   int
	done      chan struct{}

	mu      sync.RWMutex
	status  ScheduleStatus
	err     error
	runs    int
	lastRun time.Time
	once    sync.Once
}

func (h *jobHandle) ID() int64    { return h.id }
func (h *jobHandle) Name() string { return h.name }

func (h *jobHandle) Cancel() {
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *jobHandle) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *jobHandle) LastRun() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastRun
}

func (h *jobHandle) Done() <-chan struct{} {
	return h.done
}

// begin marks a run as started unless the handle already finished.
func (h *jobHandle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if isTerminalStatus(h.status) {
		return false
	}
	h.status = ScheduleStatusRunning
	h.runs++
	h.lastRun = time.Now()
	return true
}

// finish records the outcome of a run. Terminal states set concurrently by
// Cancel or Stop win.
func (h *jobHandle) finish(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	if !isTerminalStatus(h.status) {
		h.status = status
	}
}

func (h *jobHandle) setTerminal(status ScheduleStatus, err error) {
	h.mu.Lock()
	if isTerminalStatus(h.status) {
		h.mu.Unlock()
		return
	}
	h.status = status
	if err != nil {
		h.err = err
	}
	h.mu.Unlock()
	close(h.done)
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

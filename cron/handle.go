package cron

import (
	"context"
	"sync"

	rcron "github.com/robfig/cron/v3"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further run can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Handle controls a single schedule. The context handed to its runs is
// canceled once the handle reaches a terminal status.
type Handle interface {
	Cancel()
	Status() Status
	// Err is the error of the last failed run.
	Err() error
	Done() <-chan struct{}
	ID() int64
}

type handle struct {
	id    int64
	owner *Scheduler
	entry rcron.EntryID // guarded by owner.mu

	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}

	mu     sync.Mutex
	status Status
	err    error
}

func (h *handle) Cancel() {
	if h == nil {
		return
	}
	h.owner.forget(h)
	h.finish(StatusCanceled, nil)
}

func (h *handle) Status() Status {
	if h == nil {
		return StatusStopped
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} {
	return h.done
}

func (h *handle) ID() int64 {
	return h.id
}

// begin marks a run as started. It reports false once the handle finished.
func (h *handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = StatusRunning
	return true
}

// idle records the outcome of a recurring run.
func (h *handle) idle(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.Terminal() {
		h.status, h.err = StatusIdle, err
	}
}

// finish moves the handle to a terminal status. Only the first call counts.
func (h *handle) finish(status Status, err error) {
	h.mu.Lock()
	if h.status.Terminal() {
		h.mu.Unlock()
		return
	}
	h.status, h.err = status, err
	h.mu.Unlock()

	h.stop()
	close(h.done)
}

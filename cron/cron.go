package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/runner"
)

// Func is the unit of work run by a schedule.
type Func func(ctx context.Context) error

// Scheduler runs recurring work on aligned intervals through robfig/cron
// and one-off work on timers. Every run goes through a runner.Handler built
// from the schedule's HandlerConfig.
type Scheduler struct {
	cron     *rcron.Cron
	logger   jobguard.Logger
	onError  func(error)
	location *time.Location

	mu      sync.Mutex
	nextID  int64
	handles map[int64]*handle
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		handles:  make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = jobguard.NormalizeLogger(s.logger)
	if s.onError == nil {
		s.onError = func(err error) {
			s.logger.Error("scheduled run failed: %v", err)
		}
	}

	logger := cronLogger{logger: s.logger, onError: s.onError}
	s.cron = rcron.New(
		rcron.WithLocation(s.location),
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger)),
	)
	return s
}

// ScheduleEvery runs fn on every multiple of interval, shifted by offset.
// Ticks follow wall-clock boundaries of interval, not the call time, and
// only fire after Start. A failed run leaves the schedule in place.
func (s *Scheduler) ScheduleEvery(interval, offset time.Duration, cfg jobguard.HandlerConfig, fn Func) (Handle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", interval)
	}
	if fn == nil {
		return nil, fmt.Errorf("scheduled function cannot be nil")
	}

	h := s.register()
	run := s.newRunner(cfg, h.Cancel)
	entry := s.cron.Schedule(AlignedSchedule{Every: interval, Offset: offset}, rcron.FuncJob(func() {
		if !h.begin() {
			return
		}
		h.idle(run.Run(h.ctx, fn))
	}))

	s.mu.Lock()
	h.entry = entry
	s.mu.Unlock()
	return h, nil
}

// ScheduleAfter runs fn once after delay. One-off schedules do not need
// Start.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg jobguard.HandlerConfig, fn Func) (Handle, error) {
	return s.ScheduleAt(time.Now().Add(max(delay, 0)), cfg, fn)
}

// ScheduleAt runs fn once at at.
func (s *Scheduler) ScheduleAt(at time.Time, cfg jobguard.HandlerConfig, fn Func) (Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("scheduled function cannot be nil")
	}

	h := s.register()
	run := s.newRunner(cfg, nil)
	go func() {
		timer := time.NewTimer(time.Until(at))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.done:
			return
		}

		if !h.begin() {
			return
		}
		err := run.Run(h.ctx, fn)
		s.forget(h)
		if err != nil {
			h.finish(StatusFailed, err)
			return
		}
		h.finish(StatusCompleted, nil)
	}()
	return h, nil
}

// Start begins firing recurring schedules. Calling it again is a no-op.
func (s *Scheduler) Start(context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts recurring schedules and moves every live handle to stopped.
// It waits for running work until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[int64]*handle)
	entries := make([]rcron.EntryID, 0, len(handles))
	for _, h := range handles {
		if h.entry != 0 {
			entries = append(entries, h.entry)
			h.entry = 0
		}
	}
	s.mu.Unlock()

	for _, entry := range entries {
		s.cron.Remove(entry)
	}
	for _, h := range handles {
		h.finish(StatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of live handles.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) register() *handle {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := &handle{
		id:     s.nextID,
		owner:  s,
		ctx:    ctx,
		stop:   cancel,
		done:   make(chan struct{}),
		status: StatusScheduled,
	}
	s.handles[h.id] = h
	return h
}

func (s *Scheduler) forget(h *handle) {
	s.mu.Lock()
	delete(s.handles, h.id)
	entry := h.entry
	h.entry = 0
	s.mu.Unlock()

	if entry != 0 {
		s.cron.Remove(entry)
	}
}

// newRunner builds the run policy of one schedule. A single runner serves
// every tick of a recurring schedule so run limits count across ticks;
// exhausted is called once MaxRuns successful runs happened.
func (s *Scheduler) newRunner(cfg jobguard.HandlerConfig, exhausted func()) *runner.Handler {
	maxRuns := cfg.MaxRuns
	if cfg.RunOnce {
		maxRuns = 1
	}
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithMaxRuns(maxRuns),
		runner.WithDeadline(cfg.Deadline),
		runner.WithErrorHandler(s.onError),
		runner.WithLogger(s.logger),
		runner.WithRetryStrategy(retryStrategy(cfg)),
		runner.WithExitOnError(cfg.ExitOnError),
	}
	switch {
	case cfg.NoTimeout:
		opts = append(opts, runner.WithNoTimeout())
	case cfg.Timeout > 0:
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	if exhausted != nil {
		opts = append(opts, runner.WithDoneHandler(func(*runner.Handler) {
			exhausted()
		}))
	}
	return runner.NewHandler(opts...)
}

// retryStrategy never retries a run whose resource is gone.
func retryStrategy(cfg jobguard.HandlerConfig) runner.RetryStrategy {
	var delay runner.RetryStrategy = runner.NoDelayStrategy{}
	if cfg.RetryBase > 0 {
		factor := cfg.RetryFactor
		if factor <= 0 {
			factor = 2
		}
		delay = runner.ExponentialBackoffStrategy{Base: cfg.RetryBase, Factor: factor, Max: cfg.RetryMax}
	}
	return runner.PermanentErrorStrategy{Strategy: delay, Permanent: jobguard.IsUnknownResource}
}

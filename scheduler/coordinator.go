package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/cron"
)

// DefaultFrequency derives how often a job is searched from its bucket span.
func DefaultFrequency(bucketSpan time.Duration) time.Duration {
	switch {
	case bucketSpan <= 2*time.Minute:
		return bucketSpan
	case bucketSpan <= 20*time.Minute:
		return time.Minute
	case bucketSpan <= 12*time.Hour:
		return 10 * time.Minute
	default:
		return time.Hour
	}
}

type Option func(*Coordinator)

// WithGuardian sets the guardian used to claim scheduled starts. Chain it to
// a store.LockGuardian to keep a job scheduled on one host only.
func WithGuardian(g jobguard.Guardian[jobguard.ScheduledAction]) Option {
	return func(c *Coordinator) {
		if g != nil {
			c.guardian = g
		}
	}
}

func WithLogger(l jobguard.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithMetrics(m *jobguard.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithCron(s *cron.Scheduler) Option {
	return func(c *Coordinator) {
		c.cron = s
	}
}

// WithHandlerConfig configures how real-time ticks run.
func WithHandlerConfig(cfg jobguard.HandlerConfig) Option {
	return func(c *Coordinator) {
		c.handler = cfg
	}
}

// WithQueryDelay is used for jobs that do not set their own.
func WithQueryDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		c.queryDelay = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

type startWindow struct {
	start time.Time
	end   *time.Time
}

type StartOption func(*startWindow)

// StartFrom sets where the lookback begins.
func StartFrom(t time.Time) StartOption {
	return func(w *startWindow) {
		w.start = t
	}
}

// StartUntil makes the run lookback only, ending at t.
func StartUntil(t time.Time) StartOption {
	return func(w *startWindow) {
		w.end = &t
	}
}

// Coordinator keeps at most one scheduled Task per job, started and stopped
// from the job's persisted scheduler status.
type Coordinator struct {
	mu    sync.Mutex
	tasks map[string]*Task

	jobs       jobguard.JobProvider
	extractors ExtractorFactory
	processor  DataProcessor
	guardian   jobguard.Guardian[jobguard.ScheduledAction]
	cron       *cron.Scheduler
	handler    jobguard.HandlerConfig
	queryDelay time.Duration
	logger     jobguard.Logger
	metrics    *jobguard.Metrics
	now        func() time.Time
	panics     func(string, ...map[string]any)
}

func NewCoordinator(jobs jobguard.JobProvider, extractors ExtractorFactory, processor DataProcessor, opts ...Option) *Coordinator {
	c := &Coordinator{
		tasks:      make(map[string]*Task),
		jobs:       jobs,
		extractors: extractors,
		processor:  processor,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = jobguard.NormalizeLogger(c.logger)
	if c.guardian == nil {
		c.guardian = jobguard.NewGuardian[jobguard.ScheduledAction](
			jobguard.WithGuardianLogger[jobguard.ScheduledAction](c.logger),
			jobguard.WithGuardianMetrics[jobguard.ScheduledAction](c.metrics),
		)
	}
	if c.cron == nil {
		c.cron = cron.NewScheduler(
			cron.WithLogger(c.logger),
			cron.WithErrorHandler(func(err error) {
				c.logger.Error("scheduler tick failed: %v", err)
			}),
		)
	}
	c.panics = jobguard.MakePanicHandler(jobguard.LoggerPanicHandler(c.logger))
	return c
}

// Start schedules job when its scheduler status is started and no task
// exists for it yet. Anything else is a no-op.
func (c *Coordinator) Start(ctx context.Context, job jobguard.Job, opts ...StartOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tasks[job.ID]; ok {
		return nil
	}
	if job.SchedulerStatus != jobguard.SchedulerStarted {
		return nil
	}

	window := startWindow{}
	for _, opt := range opts {
		if opt != nil {
			opt(&window)
		}
	}

	extractor, err := c.extractors.NewExtractor(ctx, job)
	if err != nil {
		return err
	}

	ticket, err := c.guardian.TryAcquire(ctx, job.ID, jobguard.ScheduledActionStart)
	if err != nil {
		return err
	}

	queryDelay := job.QueryDelay
	if queryDelay <= 0 {
		queryDelay = c.queryDelay
	}
	task := NewTask(TaskConfig{
		JobID:      job.ID,
		BucketSpan: job.BucketSpan,
		Frequency:  job.Frequency,
		QueryDelay: queryDelay,
		Extractor:  extractor,
		Processor:  c.processor,
		Listener:   c.onStatus,
		Cron:       c.cron,
		Handler:    c.handler,
		Logger:     c.logger,
		Now:        c.now,
	})

	c.tasks[job.ID] = task
	c.metrics.SetActiveTasks(len(c.tasks))

	if err := task.Start(ctx, job, window.start, window.end, ticket); err != nil {
		delete(c.tasks, job.ID)
		c.metrics.SetActiveTasks(len(c.tasks))
		ticket.Rollback()
		return err
	}
	return nil
}

// Stop stops the task of jobID when the job's persisted scheduler status is
// stopping. Anything else is a no-op, including a Stop overlapping one that
// is already underway.
func (c *Coordinator) Stop(ctx context.Context, jobID string) error {
	task, ok := c.task(jobID)
	if !ok {
		return nil
	}

	job, err := c.jobs.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job.SchedulerStatus != jobguard.SchedulerStopping {
		return nil
	}
	err = task.StopManual(ctx)
	if err != nil && stoppingOrStopped(task) {
		c.logger.Debug("scheduler for job %s is already %s", jobID, task.Status())
		return nil
	}
	return err
}

func stoppingOrStopped(task *Task) bool {
	switch task.Status() {
	case jobguard.SchedulerStopping, jobguard.SchedulerStopped:
		return true
	}
	return false
}

// Observe applies an externally changed job to its schedule.
func (c *Coordinator) Observe(ctx context.Context, job jobguard.Job) error {
	switch job.SchedulerStatus {
	case jobguard.SchedulerStarted:
		return c.Start(ctx, job)
	case jobguard.SchedulerStopping:
		return c.Stop(ctx, job.ID)
	default:
		return nil
	}
}

func (c *Coordinator) Pause(jobID string) error {
	task, ok := c.task(jobID)
	if !ok {
		return jobguard.SchedulerStateError(jobID, "pause", string(jobguard.SchedulerStopped))
	}
	return task.Pause()
}

func (c *Coordinator) Resume(jobID string) error {
	task, ok := c.task(jobID)
	if !ok {
		return jobguard.SchedulerStateError(jobID, "resume", string(jobguard.SchedulerStopped))
	}
	return task.Resume()
}

// Task returns the scheduled task of jobID.
func (c *Coordinator) Task(jobID string) (*Task, bool) {
	return c.task(jobID)
}

func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Shutdown stops every task so that it resumes on the next start, then stops
// the cron scheduler.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	tasks := make([]*Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		tasks = append(tasks, task)
	}
	c.mu.Unlock()

	c.logger.Info("stopping %d scheduled tasks", len(tasks))

	var g errgroup.Group
	for _, task := range tasks {
		g.Go(func() error {
			if err := task.StopAuto(ctx); err != nil {
				return err
			}
			c.remove(task.JobID())
			return nil
		})
	}
	err := g.Wait()

	if stopErr := c.cron.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

func (c *Coordinator) task(jobID string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[jobID]
	return task, ok
}

func (c *Coordinator) remove(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, jobID)
	c.metrics.SetActiveTasks(len(c.tasks))
}

func (c *Coordinator) onStatus(ctx context.Context, jobID string, status jobguard.SchedulerStatus) {
	if status == jobguard.SchedulerStopped {
		c.closeProcessor(ctx, jobID)
		c.remove(jobID)
	}
	if err := c.jobs.UpdateSchedulerStatus(ctx, jobID, status); err != nil {
		c.logger.Error("setting scheduler status of job %s to %s: %v", jobID, status, err)
	}
}

func (c *Coordinator) closeProcessor(ctx context.Context, jobID string) {
	defer c.panics("scheduler.closeProcessor", map[string]any{"job_id": jobID})

	if err := c.processor.Close(ctx, jobID); err != nil {
		c.logger.Error("closing job %s after its scheduler stopped: %v", jobID, err)
	}
}

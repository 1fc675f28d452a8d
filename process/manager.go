package process

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/cron"
)

const defaultCloseRetryDelay = 10 * time.Second

type Option func(*Manager)

func WithGuardian(g jobguard.Guardian[jobguard.Action]) Option {
	return func(m *Manager) {
		if g != nil {
			m.guardian = g
		}
	}
}

// WithIdleTimeout closes a worker when no data was written to it for d.
// Zero disables the idle timer.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithCloseRetryDelay sets how long a background close waits before trying
// again when the job is in use.
func WithCloseRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.closeRetry = d
		}
	}
}

func WithScheduler(s *cron.Scheduler) Option {
	return func(m *Manager) {
		m.scheduler = s
	}
}

func WithLogger(l jobguard.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

func WithMetrics(metrics *jobguard.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Manager owns the live worker of every job and guards every operation on it
// with an action guardian.
type Manager struct {
	guardian    jobguard.Guardian[jobguard.Action]
	jobs        jobguard.JobProvider
	factory     WorkerFactory
	workers     cmap.ConcurrentMap[string, *workerEntry]
	timers      cmap.ConcurrentMap[string, cron.Handle]
	scheduler   *cron.Scheduler
	idleTimeout time.Duration
	closeRetry  time.Duration
	logger      jobguard.Logger
	metrics     *jobguard.Metrics
	now         func() time.Time
}

func New(jobs jobguard.JobProvider, factory WorkerFactory, opts ...Option) *Manager {
	m := &Manager{
		jobs:       jobs,
		factory:    factory,
		workers:    cmap.New[*workerEntry](),
		timers:     cmap.New[cron.Handle](),
		closeRetry: defaultCloseRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = jobguard.NormalizeLogger(m.logger)
	if m.guardian == nil {
		m.guardian = jobguard.NewGuardian[jobguard.Action](
			jobguard.WithGuardianLogger[jobguard.Action](m.logger),
			jobguard.WithGuardianMetrics[jobguard.Action](m.metrics),
		)
	}
	if m.scheduler == nil {
		m.scheduler = cron.NewScheduler(
			cron.WithLogger(m.logger),
			cron.WithErrorHandler(func(err error) {
				m.logger.Error("idle close failed: %v", err)
			}),
		)
	}
	return m
}

// ProcessData writes input to the job's worker, creating the worker on first
// use.
func (m *Manager) ProcessData(ctx context.Context, id string, input io.Reader, params DataLoadParams) (jobguard.DataCounts, error) {
	ticket, err := m.guardian.TryAcquire(ctx, id, jobguard.ActionWriting)
	if err != nil {
		return jobguard.DataCounts{}, err
	}
	m.cancelIdle(id)

	entry, existed := m.workers.Get(id)
	if !existed {
		entry, err = m.createWorker(ctx, id, params)
		if err != nil {
			ticket.Rollback()
			return jobguard.DataCounts{}, err
		}
	}
	defer func() {
		ticket.Release()
		m.armIdle(id, m.idleTimeout)
	}()

	if params.ResetBuckets {
		if err := m.resetBuckets(ctx, id, entry, existed, params); err != nil {
			return jobguard.DataCounts{}, err
		}
	}

	counts, err := entry.worker.Write(ctx, input, params)
	if err != nil {
		timeout := isTimeout(err)
		m.logger.Error("writing to worker for job %s: %v", id, err)
		if timeout {
			m.logger.Warn("connection to the worker for job %s was dropped due to a timeout, "+
				"if you are feeding this job from a connector it may have stalled for too long", id)
		}
		m.metrics.ProcessError("write")
		if exited(entry.worker, err) {
			m.failWorker(ctx, id)
			ticket.ReleaseAs(jobguard.ActionClosed)
		}
		return counts, jobguard.NewProcessRunError(id, "write", err, timeout)
	}
	return counts, nil
}

// failWorker forgets a worker whose process has gone away and marks the job
// failed.
func (m *Manager) failWorker(ctx context.Context, id string) {
	m.logger.Error("worker for job %s has exited, marking the job %s", id, jobguard.JobStatusFailed)
	m.cancelIdle(id)
	m.workers.Remove(id)
	m.metrics.SetActiveWorkers(m.workers.Count())
	if err := m.jobs.UpdateStatus(context.WithoutCancel(ctx), id, jobguard.JobStatusFailed); err != nil {
		m.logger.Error("setting status of job %s to %s: %v", id, jobguard.JobStatusFailed, err)
	}
}

func (m *Manager) createWorker(ctx context.Context, id string, params DataLoadParams) (*workerEntry, error) {
	job, err := m.jobs.Job(ctx, id)
	if err != nil {
		return nil, err
	}

	worker, err := m.factory.CreateWorker(ctx, job, CreateFlags{ResetBuckets: params.ResetBuckets})
	if err != nil {
		m.metrics.ProcessError("create")
		return nil, jobguard.NewProcessRunError(id, "create", err, isTimeout(err))
	}

	entry := &workerEntry{worker: worker, started: m.now()}
	m.workers.Set(id, entry)
	m.metrics.SetActiveWorkers(m.workers.Count())
	m.logger.Info("started worker for job %s", id)

	if err := m.jobs.UpdateStatus(ctx, id, jobguard.JobStatusRunning); err != nil {
		m.logger.Error("setting status of job %s to %s: %v", id, jobguard.JobStatusRunning, err)
	}
	return entry, nil
}

func (m *Manager) resetBuckets(ctx context.Context, id string, entry *workerEntry, existed bool, params DataLoadParams) error {
	if !existed {
		m.logger.Warn("cannot reset buckets for job %s, buckets can only be reset after data was sent to the worker", id)
		return nil
	}
	resetter, ok := entry.worker.(BucketResetter)
	if !ok {
		m.logger.Warn("worker for job %s does not support resetting buckets", id)
		return nil
	}
	if err := resetter.ResetBuckets(ctx, params); err != nil {
		m.metrics.ProcessError("reset_buckets")
		return jobguard.NewProcessRunError(id, "reset buckets", err, isTimeout(err))
	}
	return nil
}

// Flush asks the job's worker to process buffered data and returns the flush
// id. It does nothing when the job has no worker.
func (m *Manager) Flush(ctx context.Context, id string, params FlushParams) (string, error) {
	if !m.HasActive(id) {
		m.logger.Warn("worker for job %s is not running, nothing to flush", id)
		return "", nil
	}

	ticket, err := m.guardian.TryAcquire(ctx, id, jobguard.ActionFlushing)
	if err != nil {
		return "", err
	}
	defer ticket.Release()

	entry, ok := m.workers.Get(id)
	if !ok {
		ticket.Rollback()
		m.logger.Warn("worker for job %s closed before flush, nothing to flush", id)
		return "", nil
	}

	if params.ID == "" {
		params.ID = uuid.NewString()
	}
	m.logger.Info("flushing job %s (flush %s)", id, params.ID)

	if err := entry.worker.Flush(ctx, params); err != nil {
		m.logger.Error("flushing job %s: %v", id, err)
		m.metrics.ProcessError("flush")
		return params.ID, jobguard.NewProcessRunError(id, "flush", err, isTimeout(err))
	}
	return params.ID, nil
}

// Close shuts the job's worker down. Worker failures are logged; the worker
// is always forgotten and the job marked closed, or failed when its process
// had already exited.
func (m *Manager) Close(ctx context.Context, id string) error {
	if !m.HasActive(id) {
		m.logger.Warn("no worker for job %s to close", id)
		m.cancelIdle(id)
		return nil
	}

	ticket, err := m.guardian.TryAcquire(ctx, id, jobguard.ActionClosing)
	if err != nil {
		return err
	}
	defer ticket.Release()

	if !m.HasActive(id) {
		ticket.Rollback()
		return nil
	}
	m.closeWorker(ctx, id, jobguard.JobStatusClosed)
	return nil
}

func (m *Manager) closeWorker(ctx context.Context, id string, final jobguard.JobStatus) {
	m.cancelIdle(id)
	m.logger.Info("closing worker for job %s", id)

	if err := m.jobs.UpdateStatus(ctx, id, jobguard.JobStatusClosing); err != nil {
		m.logger.Error("setting status of job %s to %s: %v", id, jobguard.JobStatusClosing, err)
	}

	defer func() {
		m.workers.Remove(id)
		m.metrics.SetActiveWorkers(m.workers.Count())
		if err := m.jobs.UpdateStatus(ctx, id, final); err != nil {
			m.logger.Error("setting status of job %s to %s: %v", id, final, err)
		}
	}()

	entry, ok := m.workers.Get(id)
	if !ok {
		return
	}
	if err := entry.worker.Close(ctx); err != nil {
		m.metrics.ProcessError("close")
		m.logger.Error("closing worker for job %s: %v", id, err)
		if final == jobguard.JobStatusClosed && exited(entry.worker, err) {
			final = jobguard.JobStatusFailed
		}
	}
}

// Update runs fn while the job is held in the updating state.
func (m *Manager) Update(ctx context.Context, id string, fn func(context.Context) error) error {
	return m.guarded(ctx, id, jobguard.ActionUpdating, fn)
}

// Revert runs fn while the job is held in the reverting state.
func (m *Manager) Revert(ctx context.Context, id string, fn func(context.Context) error) error {
	return m.guarded(ctx, id, jobguard.ActionReverting, fn)
}

// Delete closes any worker of the job, runs fn and marks the job deleted.
func (m *Manager) Delete(ctx context.Context, id string, fn func(context.Context) error) error {
	return m.guarded(ctx, id, jobguard.ActionDeleting, func(ctx context.Context) error {
		if m.HasActive(id) {
			m.closeWorker(ctx, id, jobguard.JobStatusClosed)
		}
		if fn != nil {
			if err := fn(ctx); err != nil {
				return err
			}
		}
		return m.jobs.UpdateStatus(ctx, id, jobguard.JobStatusDeleted)
	})
}

// Pause closes any worker of the job and marks it paused.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.guarded(ctx, id, jobguard.ActionPausing, func(ctx context.Context) error {
		if m.HasActive(id) {
			m.closeWorker(ctx, id, jobguard.JobStatusPaused)
			return nil
		}
		return m.jobs.UpdateStatus(ctx, id, jobguard.JobStatusPaused)
	})
}

// Resume marks a paused job closed so that the next write starts a worker.
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.guarded(ctx, id, jobguard.ActionResuming, func(ctx context.Context) error {
		job, err := m.jobs.Job(ctx, id)
		if err != nil {
			return err
		}
		if job.Status != jobguard.JobStatusPaused {
			m.logger.Info("job %s is %s, nothing to resume", id, job.Status)
			return nil
		}
		return m.jobs.UpdateStatus(ctx, id, jobguard.JobStatusClosed)
	})
}

func (m *Manager) guarded(ctx context.Context, id string, action jobguard.Action, fn func(context.Context) error) error {
	ticket, err := m.guardian.TryAcquire(ctx, id, action)
	if err != nil {
		return err
	}
	defer ticket.Release()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (m *Manager) NumberOfActive() int {
	return m.workers.Count()
}

func (m *Manager) HasActive(id string) bool {
	return m.workers.Has(id)
}

// Uptime is zero when the job has no worker.
func (m *Manager) Uptime(id string) time.Duration {
	entry, ok := m.workers.Get(id)
	if !ok {
		return 0
	}
	return m.now().Sub(entry.started)
}

// CloseAll closes every worker concurrently, waiting for jobs in use. It is
// meant for service shutdown.
func (m *Manager) CloseAll(ctx context.Context) error {
	for _, id := range m.timers.Keys() {
		m.cancelIdle(id)
	}

	ids := m.workers.Keys()
	m.logger.Info("closing %d active workers", len(ids))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return m.closeWhenFree(ctx, id)
		})
	}
	return g.Wait()
}

func (m *Manager) closeWhenFree(ctx context.Context, id string) error {
	for {
		err := m.Close(ctx, id)
		if !jobguard.IsBusy(err) {
			return err
		}
		m.logger.Warn("job %s is in use and cannot be closed, retrying in %s", id, m.closeRetry)

		t := time.NewTimer(m.closeRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) armIdle(id string, after time.Duration) {
	if after <= 0 || !m.HasActive(id) {
		return
	}

	handle, err := m.scheduler.ScheduleAfter(after, jobguard.HandlerConfig{NoTimeout: true}, func(ctx context.Context) error {
		return m.closeIdle(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		m.logger.Error("scheduling idle close for job %s: %v", id, err)
		return
	}
	// the last arm wins and cancels the timer it replaces
	m.timers.Upsert(id, handle, func(exist bool, old, armed cron.Handle) cron.Handle {
		if exist && old != nil {
			old.Cancel()
		}
		return armed
	})
}

func (m *Manager) closeIdle(ctx context.Context, id string) error {
	m.logger.Info("idle timeout expired, closing worker for job %s", id)
	err := m.Close(ctx, id)
	if jobguard.IsBusy(err) {
		m.logger.Warn("job %s is in use and cannot be closed, retrying in %s", id, m.closeRetry)
		m.armIdle(id, m.closeRetry)
		return nil
	}
	return err
}

func (m *Manager) cancelIdle(id string) {
	if handle, ok := m.timers.Pop(id); ok && handle != nil {
		handle.Cancel()
	}
}

func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}

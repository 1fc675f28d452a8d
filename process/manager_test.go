package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/cron"
	"github.com/goliatone/go-jobguard/store"
)

type fakeWorker struct {
	mu       sync.Mutex
	written  bytes.Buffer
	flushes  []FlushParams
	resets   int
	closed   int
	writeErr error
	flushErr error
	closeErr error
	block    chan struct{}
	entered  chan struct{}
}

func (w *fakeWorker) Write(_ context.Context, input io.Reader, _ DataLoadParams) (jobguard.DataCounts, error) {
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return jobguard.DataCounts{}, w.writeErr
	}
	n, err := io.Copy(&w.written, input)
	if err != nil {
		return jobguard.DataCounts{}, err
	}
	return jobguard.DataCounts{ProcessedRecords: int64(strings.Count(w.written.String(), "\n")), InputBytes: n}, nil
}

func (w *fakeWorker) Flush(_ context.Context, params FlushParams) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes = append(w.flushes, params)
	return w.flushErr
}

func (w *fakeWorker) ResetBuckets(context.Context, DataLoadParams) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resets++
	return nil
}

func (w *fakeWorker) Close(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return w.closeErr
}

func (w *fakeWorker) closeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

type harness struct {
	manager *Manager
	jobs    *store.MemoryJobStore
	worker  *fakeWorker
	created atomic.Int32
	log     *bytes.Buffer
}

func newHarness(t *testing.T, worker *fakeWorker, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		jobs:   store.NewMemoryJobStore(jobguard.Job{ID: "job"}, jobguard.Job{ID: "other"}),
		worker: worker,
		log:    &bytes.Buffer{},
	}
	factory := WorkerFactoryFunc(func(_ context.Context, job jobguard.Job, _ CreateFlags) (Worker, error) {
		h.created.Add(1)
		if job.ID == "other" {
			return &fakeWorker{}, nil
		}
		return h.worker, nil
	})
	opts = append([]Option{WithLogger(jobguard.NewFmtLogger(&lockedBuffer{buf: h.log}))}, opts...)
	h.manager = New(h.jobs, factory, opts...)
	return h
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (h *harness) status(t *testing.T, id string) jobguard.JobStatus {
	t.Helper()
	job, err := h.jobs.Job(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func TestCloseWithoutWorkerIsNoop(t *testing.T) {
	h := newHarness(t, &fakeWorker{})

	require.NoError(t, h.manager.Close(context.Background(), "jobX"))
	assert.Equal(t, 0, h.manager.NumberOfActive())
	assert.Contains(t, h.log.String(), "no worker for job jobX to close")
}

func TestProcessDataCreatesWorkerLazily(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	h := newHarness(t, &fakeWorker{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	counts, err := h.manager.ProcessData(ctx, "job", strings.NewReader("a\nb\n"), DataLoadParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.ProcessedRecords)
	assert.Equal(t, int64(4), counts.InputBytes)

	_, err = h.manager.ProcessData(ctx, "job", strings.NewReader("c\n"), DataLoadParams{})
	require.NoError(t, err)

	assert.Equal(t, int32(1), h.created.Load())
	assert.Equal(t, 1, h.manager.NumberOfActive())
	assert.True(t, h.manager.HasActive("job"))
	assert.Equal(t, jobguard.JobStatusRunning, h.status(t, "job"))

	now = start.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, h.manager.Uptime("job"))
	assert.Zero(t, h.manager.Uptime("other"))
}

func TestProcessDataUnknownJob(t *testing.T) {
	g := jobguard.NewGuardian[jobguard.Action](jobguard.WithGuardianLogger[jobguard.Action](jobguard.NewFmtLogger(io.Discard)))
	h := newHarness(t, &fakeWorker{}, WithGuardian(g))

	_, err := h.manager.ProcessData(context.Background(), "ghost", strings.NewReader("x"), DataLoadParams{})
	require.Error(t, err)
	assert.True(t, jobguard.IsUnknownResource(err))
	assert.Equal(t, "No known job with id 'ghost'", err.Error())
	assert.False(t, h.manager.HasActive("ghost"))
	assert.Equal(t, jobguard.ActionClosed, g.CurrentAction("ghost"))
}

func TestProcessDataWrapsWriteFailure(t *testing.T) {
	cause := fmt.Errorf("upstream read: %w", context.DeadlineExceeded)
	h := newHarness(t, &fakeWorker{writeErr: cause})

	_, err := h.manager.ProcessData(context.Background(), "job", strings.NewReader("x"), DataLoadParams{})
	require.Error(t, err)

	var runErr *jobguard.ProcessRunError
	require.True(t, errors.As(err, &runErr))
	assert.True(t, runErr.Timeout)
	assert.Equal(t, "write", runErr.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, h.log.String(), "may have stalled")

	// the worker stays alive after a failed write
	assert.True(t, h.manager.HasActive("job"))
}

// exitedWorker reports a dead process through Liveness.
type exitedWorker struct {
	*fakeWorker
	alive atomic.Bool
}

func (w *exitedWorker) Alive() bool { return w.alive.Load() }

func TestProcessDataDropsExitedWorker(t *testing.T) {
	worker := &fakeWorker{}
	g := jobguard.NewGuardian[jobguard.Action](jobguard.WithGuardianLogger[jobguard.Action](jobguard.NewFmtLogger(io.Discard)))
	h := newHarness(t, worker, WithGuardian(g), WithIdleTimeout(time.Hour))
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)
	require.True(t, h.manager.HasActive("job"))

	worker.mu.Lock()
	worker.writeErr = fmt.Errorf("broken pipe: %w", ErrWorkerExited)
	worker.mu.Unlock()

	_, err = h.manager.ProcessData(ctx, "job", strings.NewReader("y\n"), DataLoadParams{})
	require.Error(t, err)
	assert.True(t, jobguard.IsProcessRunError(err))
	assert.ErrorIs(t, err, ErrWorkerExited)

	assert.False(t, h.manager.HasActive("job"))
	assert.Zero(t, h.manager.NumberOfActive())
	assert.Equal(t, jobguard.JobStatusFailed, h.status(t, "job"))
	assert.Equal(t, jobguard.ActionClosed, g.CurrentAction("job"))
	assert.Contains(t, h.log.String(), "worker for job job has exited")

	// the next write starts a fresh worker
	worker.mu.Lock()
	worker.writeErr = nil
	worker.mu.Unlock()
	_, err = h.manager.ProcessData(ctx, "job", strings.NewReader("z\n"), DataLoadParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.created.Load())
	assert.Equal(t, jobguard.JobStatusRunning, h.status(t, "job"))
}

func TestExitedWorkerIsReportedThroughLiveness(t *testing.T) {
	dead := &exitedWorker{fakeWorker: &fakeWorker{writeErr: errors.New("write on closed stdin")}}
	dead.alive.Store(true)
	h := newHarness(t, &fakeWorker{})
	h.manager.factory = WorkerFactoryFunc(func(context.Context, jobguard.Job, CreateFlags) (Worker, error) {
		return dead, nil
	})
	ctx := context.Background()

	// a failed write from a live worker keeps it
	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.True(t, jobguard.IsProcessRunError(err))
	require.True(t, h.manager.HasActive("job"))

	dead.alive.Store(false)
	_, err = h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.True(t, jobguard.IsProcessRunError(err))
	assert.False(t, h.manager.HasActive("job"))
	assert.Equal(t, jobguard.JobStatusFailed, h.status(t, "job"))
}

func TestCloseOfExitedWorkerMarksJobFailed(t *testing.T) {
	worker := &fakeWorker{closeErr: fmt.Errorf("kill: %w", ErrWorkerExited)}
	h := newHarness(t, worker)
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	require.NoError(t, h.manager.Close(ctx, "job"))
	assert.False(t, h.manager.HasActive("job"))
	assert.Equal(t, jobguard.JobStatusFailed, h.status(t, "job"))
}

func TestConcurrentOperationsAreRefusedWhileWriting(t *testing.T) {
	worker := &fakeWorker{}
	h := newHarness(t, worker)
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("warmup\n"), DataLoadParams{})
	require.NoError(t, err)

	worker.block = make(chan struct{})
	worker.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("slow\n"), DataLoadParams{})
		done <- err
	}()
	<-worker.entered

	_, err = h.manager.Flush(ctx, "job", FlushParams{})
	require.Error(t, err)
	assert.True(t, jobguard.IsBusy(err))
	assert.Contains(t, err.Error(), "is writing to the job")

	err = h.manager.Close(ctx, "job")
	assert.True(t, jobguard.IsBusy(err))

	close(worker.block)
	require.NoError(t, <-done)
	worker.entered = nil

	require.NoError(t, h.manager.Close(ctx, "job"))
	assert.Equal(t, 1, worker.closeCount())
}

func TestFlushAssignsID(t *testing.T) {
	worker := &fakeWorker{}
	h := newHarness(t, worker)
	ctx := context.Background()

	id, err := h.manager.Flush(ctx, "job", FlushParams{})
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	id, err = h.manager.Flush(ctx, "job", FlushParams{CalcInterim: true})
	require.NoError(t, err)
	assert.Len(t, id, 36)
	require.Len(t, worker.flushes, 1)
	assert.Equal(t, id, worker.flushes[0].ID)

	id, err = h.manager.Flush(ctx, "job", FlushParams{ID: "given"})
	require.NoError(t, err)
	assert.Equal(t, "given", id)
}

func TestFlushFailureIsProcessRunError(t *testing.T) {
	h := newHarness(t, &fakeWorker{flushErr: errors.New("broken pipe")})
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	_, err = h.manager.Flush(ctx, "job", FlushParams{})
	assert.True(t, jobguard.IsProcessRunError(err))
	assert.Equal(t, jobguard.ErrCodeProcessRun, jobguard.ErrorCode(err))
}

func TestCloseAlwaysForgetsWorker(t *testing.T) {
	worker := &fakeWorker{closeErr: errors.New("worker already exited")}
	h := newHarness(t, worker)
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	require.NoError(t, h.manager.Close(ctx, "job"))
	assert.False(t, h.manager.HasActive("job"))
	assert.Equal(t, jobguard.JobStatusClosed, h.status(t, "job"))
	assert.Contains(t, h.log.String(), "worker already exited")
}

func TestResetBucketsOnlyForExistingWorker(t *testing.T) {
	worker := &fakeWorker{}
	h := newHarness(t, worker)
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{ResetBuckets: true})
	require.NoError(t, err)
	assert.Zero(t, worker.resets)
	assert.Contains(t, h.log.String(), "cannot reset buckets for job job")

	_, err = h.manager.ProcessData(ctx, "job", strings.NewReader("y\n"), DataLoadParams{ResetBuckets: true})
	require.NoError(t, err)
	assert.Equal(t, 1, worker.resets)
}

func TestIdleTimeoutClosesWorker(t *testing.T) {
	worker := &fakeWorker{}
	h := newHarness(t, worker, WithIdleTimeout(50*time.Millisecond))

	_, err := h.manager.ProcessData(context.Background(), "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !h.manager.HasActive("job")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, worker.closeCount())
	assert.Equal(t, jobguard.JobStatusClosed, h.status(t, "job"))
}

func TestConcurrentIdleArmsLeaveOneTimer(t *testing.T) {
	timers := cron.NewScheduler(cron.WithLogger(jobguard.NewFmtLogger(io.Discard)))
	h := newHarness(t, &fakeWorker{}, WithIdleTimeout(time.Hour), WithScheduler(timers))
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)
	require.Equal(t, 1, timers.Len())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.manager.armIdle("job", time.Hour)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, timers.Len())
	assert.Equal(t, 1, h.manager.timers.Count())
	handle, ok := h.manager.timers.Get("job")
	require.True(t, ok)
	assert.Equal(t, cron.StatusScheduled, handle.Status())

	require.NoError(t, h.manager.Close(ctx, "job"))
	assert.Zero(t, timers.Len())
	assert.True(t, handle.Status().Terminal())
}

func TestCloseAllWaitsForBusyJobs(t *testing.T) {
	worker := &fakeWorker{}
	h := newHarness(t, worker, WithCloseRetryDelay(20*time.Millisecond))
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "other", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	worker.block = make(chan struct{})
	worker.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
		done <- err
	}()
	<-worker.entered

	closed := make(chan error, 1)
	go func() {
		closed <- h.manager.CloseAll(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	close(worker.block)
	require.NoError(t, <-done)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected CloseAll to finish once the write completed")
	}
	assert.Equal(t, 0, h.manager.NumberOfActive())
	assert.Equal(t, 1, worker.closeCount())
}

func TestDeletePauseResume(t *testing.T) {
	worker := &fakeWorker{}
	h := newHarness(t, worker)
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	require.NoError(t, h.manager.Pause(ctx, "job"))
	assert.False(t, h.manager.HasActive("job"))
	assert.Equal(t, jobguard.JobStatusPaused, h.status(t, "job"))

	require.NoError(t, h.manager.Resume(ctx, "job"))
	assert.Equal(t, jobguard.JobStatusClosed, h.status(t, "job"))

	_, err = h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)

	deleted := false
	require.NoError(t, h.manager.Delete(ctx, "job", func(context.Context) error {
		deleted = true
		return nil
	}))
	assert.True(t, deleted)
	assert.False(t, h.manager.HasActive("job"))
	assert.Equal(t, jobguard.JobStatusDeleted, h.status(t, "job"))
	assert.Equal(t, 2, worker.closeCount())
}

func TestUpdateFromSleepingKeepsWorkerState(t *testing.T) {
	g := jobguard.NewGuardian[jobguard.Action](jobguard.WithGuardianLogger[jobguard.Action](jobguard.NewFmtLogger(io.Discard)))
	h := newHarness(t, &fakeWorker{}, WithGuardian(g))
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)
	require.Equal(t, jobguard.ActionSleeping, g.CurrentAction("job"))

	require.NoError(t, h.manager.Update(ctx, "job", func(context.Context) error {
		assert.Equal(t, jobguard.ActionUpdating, g.CurrentAction("job"))
		return nil
	}))
	assert.Equal(t, jobguard.ActionSleeping, g.CurrentAction("job"))

	err = h.manager.Revert(ctx, "job", nil)
	assert.True(t, jobguard.IsBusy(err))
}

func TestManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobguard.NewMetrics(reg, "test")
	h := newHarness(t, &fakeWorker{}, WithMetrics(metrics))
	ctx := context.Background()

	_, err := h.manager.ProcessData(ctx, "job", strings.NewReader("x\n"), DataLoadParams{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActiveWorkers))

	require.NoError(t, h.manager.Close(ctx, "job"))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ActiveWorkers))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Acquisitions.WithLabelValues("action", "CLOSING", "granted")))
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/cron"
	"github.com/goliatone/go-jobguard/process"
	"github.com/goliatone/go-jobguard/runner"
)

const (
	eventStart   = "start"
	eventStop    = "stop"
	eventFinish  = "finish"
	eventSuspend = "suspend"

	// real-time ticks run slightly after each frequency boundary
	nextTickDelay = 100 * time.Millisecond
)

// TaskConfig binds a Task to one job.
type TaskConfig struct {
	JobID      string
	BucketSpan time.Duration
	Frequency  time.Duration
	QueryDelay time.Duration
	Extractor  DataExtractor
	Processor  DataProcessor
	Listener   StatusListener
	Cron       *cron.Scheduler
	Handler    jobguard.HandlerConfig
	Logger     jobguard.Logger
	Now        func() time.Time
}

// Task extracts the data of one job and feeds it to a DataProcessor: first a
// lookback over past data, then real-time ticks at the job frequency.
type Task struct {
	cfg      TaskConfig
	logger   jobguard.Logger
	problems *ProblemTracker
	fsm      *fsm.FSM
	panics   func(string, ...map[string]any)

	// mu serializes lifecycle changes
	mu      sync.Mutex
	ticket  *jobguard.Ticket[jobguard.ScheduledAction]
	control *runner.Gate
	handle  cron.Handle
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// extractMu serializes searches
	extractMu sync.Mutex

	stateMu       sync.RWMutex
	lastEnd       time.Time
	lookbackStart time.Time
	realTime      bool
	lookbackOnly  bool
}

func NewTask(cfg TaskConfig) *Task {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = DefaultFrequency(cfg.BucketSpan)
	}
	if cfg.Cron == nil {
		cfg.Cron = cron.NewScheduler()
	}
	logger := jobguard.WithLoggerFields(jobguard.NormalizeLogger(cfg.Logger), map[string]any{"job_id": cfg.JobID})

	t := &Task{
		cfg:      cfg,
		logger:   logger,
		problems: NewProblemTracker(cfg.JobID, logger),
		panics:   jobguard.MakePanicHandler(jobguard.LoggerPanicHandler(logger)),
		control:  runner.NewGate(),
	}
	t.fsm = fsm.NewFSM(
		string(jobguard.SchedulerStopped),
		fsm.Events{
			{Name: eventStart, Src: []string{string(jobguard.SchedulerStopped)}, Dst: string(jobguard.SchedulerStarted)},
			{Name: eventStop, Src: []string{string(jobguard.SchedulerStarted)}, Dst: string(jobguard.SchedulerStopping)},
			{Name: eventFinish, Src: []string{string(jobguard.SchedulerStopping)}, Dst: string(jobguard.SchedulerStopped)},
			{Name: eventSuspend, Src: []string{string(jobguard.SchedulerStopping)}, Dst: string(jobguard.SchedulerStopped)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.logger.Info("scheduler status changed from %s to %s", e.Src, e.Dst)
			},
		},
	)
	return t
}

func (t *Task) JobID() string {
	return t.cfg.JobID
}

func (t *Task) Status() jobguard.SchedulerStatus {
	return jobguard.SchedulerStatus(t.fsm.Current())
}

func (t *Task) IsStarted() bool {
	return t.Status() == jobguard.SchedulerStarted
}

func (t *Task) IsStopped() bool {
	return t.Status() == jobguard.SchedulerStopped
}

// LastEndTime is the end of the last range known to be processed, zero when
// no data was seen yet.
func (t *Task) LastEndTime() time.Time {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.lastEnd
}

// Start runs a lookback from start, or from the last processed record when
// that is later. With a nil end the task keeps going in real time; otherwise
// it stops once the lookback is done. The ticket is released when the task
// stops.
func (t *Task) Start(ctx context.Context, job jobguard.Job, start time.Time, end *time.Time, ticket *jobguard.Ticket[jobguard.ScheduledAction]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status := t.Status(); status != jobguard.SchedulerStopped {
		return jobguard.SchedulerStateError(t.cfg.JobID, "start", string(status))
	}

	t.ticket = ticket
	t.control = runner.NewGate()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	lookbackEnd := t.cfg.Now().Add(-t.cfg.QueryDelay)
	if end != nil {
		lookbackEnd = *end
	}

	t.stateMu.Lock()
	t.lastEnd = time.Time{}
	if !job.LatestRecordTime.IsZero() {
		t.lastEnd = job.LatestRecordTime.Add(time.Millisecond)
	}
	t.lookbackStart = start
	if t.lastEnd.After(start) {
		t.lookbackStart = t.lastEnd
	}
	t.lookbackOnly = end != nil
	t.realTime = false
	lookbackStart := t.lookbackStart
	t.stateMu.Unlock()

	if err := t.transition(ctx, eventStart); err != nil {
		return err
	}

	t.wg.Add(1)
	go t.lookbackThenRealTime(runCtx, lookbackStart, lookbackEnd)
	return nil
}

func (t *Task) lookbackThenRealTime(ctx context.Context, start, end time.Time) {
	defer t.wg.Done()
	defer t.panics("scheduler.lookback", map[string]any{"job_id": t.cfg.JobID})

	ran := end.After(start)
	if ran {
		t.logger.Info("starting lookback from %s to %s", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
		t.extractMu.Lock()
		t.extractAndProcess(ctx, start, end)
		t.extractMu.Unlock()
		t.logger.Info("lookback has finished")
	}

	if !t.IsStarted() {
		return
	}

	t.stateMu.RLock()
	lookbackOnly := t.lookbackOnly
	t.stateMu.RUnlock()

	if lookbackOnly {
		t.finishLookback(ctx)
		return
	}
	t.startRealTime(ctx, ran)
}

func (t *Task) finishLookback(ctx context.Context) {
	t.mu.Lock()
	t.releaseTicket()
	if !t.IsStarted() {
		t.mu.Unlock()
		return
	}
	if err := t.transition(ctx, eventStop); err != nil {
		t.mu.Unlock()
		t.logger.Error("stopping scheduler after lookback: %v", err)
		return
	}
	t.mu.Unlock()

	t.closeJob(ctx)
	t.finish(ctx, eventFinish)
}

func (t *Task) startRealTime(ctx context.Context, afterLookback bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.IsStarted() {
		return
	}
	if afterLookback {
		t.logger.Info("lookback complete, continuing in real time")
	} else {
		t.logger.Info("started in real time")
	}

	if err := t.cfg.Cron.Start(ctx); err != nil {
		t.logger.Error("starting cron scheduler: %v", err)
		return
	}
	handle, err := t.cfg.Cron.ScheduleEvery(t.cfg.Frequency, nextTickDelay, t.cfg.Handler, t.tick)
	if err != nil {
		t.logger.Error("scheduling real-time extraction: %v", err)
		return
	}
	t.handle = handle

	t.stateMu.Lock()
	t.realTime = true
	t.stateMu.Unlock()
}

func (t *Task) tick(ctx context.Context) error {
	if !t.IsStarted() {
		return nil
	}
	if t.Paused() {
		t.logger.Debug("scheduler is paused, skipping tick")
		return nil
	}
	if !t.extractMu.TryLock() {
		t.logger.Warn("previous extraction still running, skipping tick")
		return nil
	}
	defer t.extractMu.Unlock()

	t.stateMu.RLock()
	start := t.lastEnd
	if start.IsZero() {
		start = t.lookbackStart
	}
	t.stateMu.RUnlock()

	end := t.cfg.Now().Add(-t.cfg.QueryDelay).Truncate(t.cfg.Frequency)
	t.extractAndProcess(ctx, start, end)
	return nil
}

// extractAndProcess must be called with extractMu held.
func (t *Task) extractAndProcess(ctx context.Context, start, end time.Time) {
	if !end.After(start) {
		return
	}

	previous := t.LastEndTime()
	control := t.currentControl()
	var latest time.Time

	if err := t.cfg.Extractor.NewSearch(ctx, start, end, t.logger); err != nil {
		t.problems.ReportExtractionProblem(err.Error())
		t.logger.Error("starting a new search for [%s, %s): %v", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), err)
	}

	for !t.problems.HasProblems() && t.cfg.Extractor.HasNext() {
		if err := control.Wait(ctx); err != nil {
			break
		}
		data, err := t.cfg.Extractor.Next(ctx)
		if err != nil {
			t.problems.ReportExtractionProblem(err.Error())
			t.logger.Error("extracting data: %v", err)
			continue
		}
		if data == nil {
			continue
		}

		counts, err := t.cfg.Processor.ProcessData(ctx, t.cfg.JobID, data, process.DataLoadParams{})
		if err != nil {
			t.problems.ReportAnalysisProblem(err.Error())
			t.logger.Error("submitting data to job %s: %v", t.cfg.JobID, err)
			continue
		}
		if !counts.LatestRecordTime.IsZero() {
			latest = counts.LatestRecordTime
			t.setLastEnd(latest.Add(time.Millisecond))
		}
	}

	t.updateLastEnd(latest, end)
	if t.problems.UpdateEmptyDataCount(latest.IsZero()) {
		t.closeJob(ctx)
	}
	t.problems.FinishReport()

	if last := t.LastEndTime(); !last.IsZero() && !last.Equal(previous) {
		t.flush(ctx, last)
	}
}

func (t *Task) setLastEnd(at time.Time) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.lastEnd = at
}

// updateLastEnd moves the last end to the end of the bucket holding latest,
// bounded by the search end. Only in real time, while started and without
// problems, so failed ranges are searched again.
func (t *Task) updateLastEnd(latest, searchEnd time.Time) {
	if latest.IsZero() || !t.IsStarted() || t.problems.HasProblems() {
		return
	}
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.realTime {
		return
	}
	end := alignToBucketEnd(latest, t.cfg.BucketSpan)
	if searchEnd.Before(end) {
		end = searchEnd
	}
	t.lastEnd = end
}

func alignToBucketEnd(at time.Time, span time.Duration) time.Time {
	if span <= 0 {
		return at
	}
	start := at.Truncate(span)
	if start.Equal(at) {
		return start
	}
	return start.Add(span)
}

func (t *Task) flush(ctx context.Context, lastEnd time.Time) {
	params := process.FlushParams{CalcInterim: true}
	t.stateMu.RLock()
	if t.realTime {
		params.AdvanceTime = lastEnd
	}
	t.stateMu.RUnlock()

	if _, err := t.cfg.Processor.Flush(ctx, t.cfg.JobID, params); err != nil {
		t.logger.Error("flushing job %s: %v", t.cfg.JobID, err)
	}
}

func (t *Task) closeJob(ctx context.Context) {
	if err := t.cfg.Processor.Close(ctx, t.cfg.JobID); err != nil {
		t.logger.Error("closing job %s: %v", t.cfg.JobID, err)
	}
}

// StopManual stops a started task and waits for in-flight extraction. The
// final status is stopped.
func (t *Task) StopManual(ctx context.Context) error {
	t.mu.Lock()
	if status := t.Status(); status != jobguard.SchedulerStarted {
		t.mu.Unlock()
		return jobguard.SchedulerStateError(t.cfg.JobID, "stop", string(status))
	}
	if err := t.transition(ctx, eventStop); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	t.cancelAndWait(ctx)
	t.finish(ctx, eventFinish)

	t.mu.Lock()
	t.releaseTicket()
	t.mu.Unlock()
	return nil
}

// StopAuto stops a started task for a service shutdown. Listeners are told
// the scheduler is started again so that it resumes on the next start. It
// does nothing when the task is not started.
func (t *Task) StopAuto(ctx context.Context) error {
	t.mu.Lock()
	if !t.IsStarted() {
		t.mu.Unlock()
		return nil
	}
	if err := t.transition(ctx, eventStop); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()

	t.cancelAndWait(ctx)
	t.finish(ctx, eventSuspend)

	t.mu.Lock()
	t.releaseTicket()
	t.mu.Unlock()
	return nil
}

func (t *Task) cancelAndWait(ctx context.Context) {
	t.cfg.Extractor.Cancel()

	t.mu.Lock()
	t.control.Cancel(nil)
	if t.cancel != nil {
		t.cancel()
	}
	handle := t.handle
	t.handle = nil
	t.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		t.extractMu.Lock()
		t.extractMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.logger.Error("unable to stop the scheduler: %v", ctx.Err())
	}
}

func (t *Task) finish(ctx context.Context, event string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.transition(ctx, event); err != nil {
		t.logger.Error("finishing scheduler: %v", err)
	}
	t.cfg.Extractor.Clear()

	t.stateMu.Lock()
	t.realTime = false
	t.stateMu.Unlock()
}

// Pause holds real-time extraction until Resume.
func (t *Task) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.IsStarted() {
		return jobguard.SchedulerStateError(t.cfg.JobID, "pause", string(t.Status()))
	}
	t.control.Hold()
	return nil
}

func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.IsStarted() {
		return jobguard.SchedulerStateError(t.cfg.JobID, "resume", string(t.Status()))
	}
	t.control.Release()
	return nil
}

func (t *Task) Paused() bool {
	return t.currentControl().Held()
}

func (t *Task) currentControl() *runner.Gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.control
}

// releaseTicket must be called with mu held.
func (t *Task) releaseTicket() {
	if t.ticket != nil {
		t.ticket.Release()
		t.ticket = nil
	}
}

// transition fires event and tells the listener about the new status. A
// suspended task is reported as started.
func (t *Task) transition(ctx context.Context, event string) error {
	if err := t.fsm.Event(context.WithoutCancel(ctx), event); err != nil {
		return err
	}
	status := t.Status()
	if event == eventSuspend {
		status = jobguard.SchedulerStarted
	}
	if t.cfg.Listener != nil {
		t.cfg.Listener(ctx, t.cfg.JobID, status)
	}
	return nil
}

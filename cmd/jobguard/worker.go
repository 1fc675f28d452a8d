package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/process"
)

// recordTime reads the timestamp leading a line, either separated by
// whitespace or by a comma.
func recordTime(line string) (time.Time, bool) {
	field := strings.TrimSpace(line)
	if idx := strings.IndexAny(field, " \t,"); idx >= 0 {
		field = field[:idx]
	}
	at, err := time.Parse(time.RFC3339Nano, field)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

// lineWorker counts records. It stands in for a real analysis process.
type lineWorker struct {
	jobID  string
	logger jobguard.Logger

	mu    sync.Mutex
	total jobguard.DataCounts
}

func newLineWorkerFactory(logger jobguard.Logger) process.WorkerFactory {
	return process.WorkerFactoryFunc(func(_ context.Context, job jobguard.Job, flags process.CreateFlags) (process.Worker, error) {
		logger.Info("starting line worker for job %s (reset buckets: %t)", job.ID, flags.ResetBuckets)
		return &lineWorker{jobID: job.ID, logger: logger}, nil
	})
}

func (w *lineWorker) Write(ctx context.Context, input io.Reader, _ process.DataLoadParams) (jobguard.DataCounts, error) {
	var counts jobguard.DataCounts
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		line := scanner.Text()
		counts.InputBytes += int64(len(line)) + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		counts.ProcessedRecords++
		if at, ok := recordTime(line); ok && at.After(counts.LatestRecordTime) {
			counts.LatestRecordTime = at
		}
	}
	if err := scanner.Err(); err != nil {
		return counts, err
	}

	w.mu.Lock()
	w.total.Add(counts)
	w.mu.Unlock()
	return counts, nil
}

func (w *lineWorker) ResetBuckets(_ context.Context, params process.DataLoadParams) error {
	w.logger.Info("resetting buckets of job %s between %s and %s", w.jobID, params.Start, params.End)
	return nil
}

func (w *lineWorker) Flush(_ context.Context, params process.FlushParams) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Info("flush %s of job %s: %d records, latest %s", params.ID, w.jobID,
		w.total.ProcessedRecords, w.total.LatestRecordTime.Format(time.RFC3339))
	return nil
}

func (w *lineWorker) Close(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Info("closing line worker of job %s after %d records (%d bytes)", w.jobID,
		w.total.ProcessedRecords, w.total.InputBytes)
	return nil
}

// fileExtractor serves the lines of a file whose leading timestamp falls in
// the searched range, pageSize lines at a time.
type fileExtractor struct {
	path     string
	pageSize int

	mu       sync.Mutex
	pending  []string
	canceled bool
}

func newFileExtractor(path string, pageSize int) *fileExtractor {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &fileExtractor{path: path, pageSize: pageSize}
}

func (e *fileExtractor) NewSearch(ctx context.Context, start, end time.Time, logger jobguard.Logger) error {
	f, err := os.Open(e.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.path, err)
	}
	defer f.Close()

	var lines []string
	skipped := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		at, ok := recordTime(line)
		if !ok {
			skipped++
			continue
		}
		if at.Before(start) || !at.Before(end) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", e.path, err)
	}
	if skipped > 0 {
		logger.Warn("skipped %d lines without a leading timestamp in %s", skipped, e.path)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = lines
	e.canceled = false
	return nil
}

func (e *fileExtractor) HasNext() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.canceled && len(e.pending) > 0
}

func (e *fileExtractor) Next(context.Context) (io.Reader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil, nil
	}
	n := min(e.pageSize, len(e.pending))
	page := e.pending[:n]
	e.pending = e.pending[n:]
	return strings.NewReader(strings.Join(page, "\n") + "\n"), nil
}

func (e *fileExtractor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = true
}

func (e *fileExtractor) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
}

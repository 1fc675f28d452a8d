package scheduler

import (
	"context"
	"io"
	"time"

	"github.com/goliatone/go-jobguard"
	"github.com/goliatone/go-jobguard/process"
)

// DataExtractor pages through the input of a job for a time range.
type DataExtractor interface {
	// NewSearch starts a search over [start, end).
	NewSearch(ctx context.Context, start, end time.Time, logger jobguard.Logger) error
	HasNext() bool
	// Next returns the next chunk of the search. A nil reader means the page
	// held no data.
	Next(ctx context.Context) (io.Reader, error)
	// Cancel ends the current search early. It may be called from another
	// goroutine.
	Cancel()
	// Clear drops any state kept between searches.
	Clear()
}

type ExtractorFactory interface {
	NewExtractor(ctx context.Context, job jobguard.Job) (DataExtractor, error)
}

// ExtractorFactoryFunc adapts a function to ExtractorFactory.
type ExtractorFactoryFunc func(ctx context.Context, job jobguard.Job) (DataExtractor, error)

func (f ExtractorFactoryFunc) NewExtractor(ctx context.Context, job jobguard.Job) (DataExtractor, error) {
	return f(ctx, job)
}

// DataProcessor receives extracted data. *process.Manager implements it.
type DataProcessor interface {
	ProcessData(ctx context.Context, id string, input io.Reader, params process.DataLoadParams) (jobguard.DataCounts, error)
	Flush(ctx context.Context, id string, params process.FlushParams) (string, error)
	Close(ctx context.Context, id string) error
}

var _ DataProcessor = (*process.Manager)(nil)

// StatusListener is told about every scheduler status change of a task.
type StatusListener func(ctx context.Context, jobID string, status jobguard.SchedulerStatus)

package process

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/goliatone/go-jobguard"
)

// DataLoadParams qualifies a write to a job's worker.
type DataLoadParams struct {
	// ResetBuckets asks an existing worker to discard results between Start
	// and End before the new data is written.
	ResetBuckets bool
	Start        time.Time
	End          time.Time
}

// FlushParams qualifies a flush. ID is assigned when empty.
type FlushParams struct {
	ID          string
	CalcInterim bool
	Start       time.Time
	End         time.Time
	AdvanceTime time.Time
}

type CreateFlags struct {
	ResetBuckets bool
}

// Worker is the live per-job process data is streamed into.
type Worker interface {
	Write(ctx context.Context, input io.Reader, params DataLoadParams) (jobguard.DataCounts, error)
	Flush(ctx context.Context, params FlushParams) error
	Close(ctx context.Context) error
}

// ErrWorkerExited is returned, possibly wrapped, by a worker whose process
// has gone away.
var ErrWorkerExited = errors.New("worker exited")

// Liveness is implemented by workers that can report whether their process
// is still running.
type Liveness interface {
	Alive() bool
}

// exited reports whether err left w unusable.
func exited(w Worker, err error) bool {
	if errors.Is(err, ErrWorkerExited) {
		return true
	}
	l, ok := w.(Liveness)
	return ok && !l.Alive()
}

// BucketResetter is implemented by workers that support resetting buckets.
type BucketResetter interface {
	ResetBuckets(ctx context.Context, params DataLoadParams) error
}

type WorkerFactory interface {
	CreateWorker(ctx context.Context, job jobguard.Job, flags CreateFlags) (Worker, error)
}

// WorkerFactoryFunc adapts a function to WorkerFactory.
type WorkerFactoryFunc func(ctx context.Context, job jobguard.Job, flags CreateFlags) (Worker, error)

func (f WorkerFactoryFunc) CreateWorker(ctx context.Context, job jobguard.Job, flags CreateFlags) (Worker, error) {
	return f(ctx, job, flags)
}

type workerEntry struct {
	worker  Worker
	started time.Time
}

package jobguard

import (
	"context"
	"time"
)

type JobStatus string

const (
	JobStatusClosed  JobStatus = "closed"
	JobStatusRunning JobStatus = "running"
	JobStatusClosing JobStatus = "closing"
	JobStatusFailed  JobStatus = "failed"
	JobStatusPaused  JobStatus = "paused"
	JobStatusDeleted JobStatus = "deleted"
)

type SchedulerStatus string

const (
	SchedulerStarted  SchedulerStatus = "started"
	SchedulerStopping SchedulerStatus = "stopping"
	SchedulerStopped  SchedulerStatus = "stopped"
)

// Job is the persisted configuration and status of a resource.
type Job struct {
	ID               string          `json:"id" yaml:"id"`
	BucketSpan       time.Duration   `json:"bucket_span" yaml:"bucket_span"`
	Frequency        time.Duration   `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	QueryDelay       time.Duration   `json:"query_delay,omitempty" yaml:"query_delay,omitempty"`
	Status           JobStatus       `json:"status" yaml:"status"`
	SchedulerStatus  SchedulerStatus `json:"scheduler_status" yaml:"scheduler_status"`
	LatestRecordTime time.Time       `json:"latest_record_time,omitempty" yaml:"latest_record_time,omitempty"`
}

// DataCounts summarizes a write to a job's worker.
type DataCounts struct {
	ProcessedRecords int64     `json:"processed_records"`
	InputBytes       int64     `json:"input_bytes"`
	LatestRecordTime time.Time `json:"latest_record_time"`
}

// Add accumulates other into c.
func (c *DataCounts) Add(other DataCounts) {
	c.ProcessedRecords += other.ProcessedRecords
	c.InputBytes += other.InputBytes
	if other.LatestRecordTime.After(c.LatestRecordTime) {
		c.LatestRecordTime = other.LatestRecordTime
	}
}

// JobProvider resolves job configuration and persists status changes.
type JobProvider interface {
	// Job returns the job or an *UnknownResourceError.
	Job(ctx context.Context, id string) (Job, error)
	UpdateStatus(ctx context.Context, id string, status JobStatus) error
	UpdateSchedulerStatus(ctx context.Context, id string, status SchedulerStatus) error
}

// HandlerConfig configures how background work is executed.
type HandlerConfig struct {
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Deadline   time.Time     `json:"deadline" yaml:"deadline"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	MaxRuns    int           `json:"max_runs" yaml:"max_runs"`
	RunOnce    bool          `json:"run_once" yaml:"run_once"`
	NoTimeout  bool          `json:"no_timeout" yaml:"no_timeout"`
	// RetryBase turns on exponential backoff between retries. RetryFactor
	// defaults to 2 and RetryMax caps a single delay when set.
	RetryBase   time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryFactor float64       `json:"retry_factor" yaml:"retry_factor"`
	RetryMax    time.Duration `json:"retry_max" yaml:"retry_max"`
	ExitOnError bool          `json:"exit_on_error" yaml:"exit_on_error"`
}

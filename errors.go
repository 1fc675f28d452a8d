package jobguard

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeUnknownJob       = "UNKNOWN_JOB"
	ErrCodeProcessRun       = "PROCESS_RUN_ERROR"
	ErrCodeSchedulerState   = "SCHEDULER_INVALID_STATE"
	ErrCodeGuardUnavailable = "GUARD_UNAVAILABLE"
)

var (
	// ErrBusy marks a refused transition. Instances carry a rendered message.
	ErrBusy = errors.New("job in use", errors.CategoryConflict).
		WithTextCode(ErrCodeConcurrentUse)
	ErrUnknownJob = errors.New("unknown job", errors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownJob)
	ErrProcessRun = errors.New("process run failed", errors.CategoryExternal).
			WithTextCode(ErrCodeProcessRun)
	ErrSchedulerState = errors.New("scheduler in invalid state", errors.CategoryConflict).
				WithTextCode(ErrCodeSchedulerState)
	ErrGuardUnavailable = errors.New("guardian unavailable", errors.CategoryExternal).
				WithTextCode(ErrCodeGuardUnavailable)
)

func cloneError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// BusyError reports that a requested action was refused because another
// action holds the resource.
type BusyError struct {
	ResourceID string
	Current    string
	Requested  string
	Host       string

	err *errors.Error
}

// NewBusyError renders the conflict message for requested and wraps it.
func NewBusyError[A State[A]](resourceID string, current, requested A, host string) *BusyError {
	msg := requested.BusyMessage(resourceID, current, host)
	base := ErrBusy.Clone().WithTextCode(requested.ErrorCode())
	return &BusyError{
		ResourceID: resourceID,
		Current:    current.String(),
		Requested:  requested.Verb(),
		Host:       host,
		err: cloneError(base, msg, nil, map[string]any{
			"resource_id": resourceID,
			"current":     current.String(),
			"requested":   requested.String(),
			"host":        host,
		}),
	}
}

func (e *BusyError) Error() string {
	return e.err.Message
}

func (e *BusyError) Unwrap() error {
	return e.err
}

// Code returns the text code of the refusal.
func (e *BusyError) Code() string {
	return e.err.TextCode
}

// UnknownResourceError is returned when no configuration resolves for an id.
type UnknownResourceError struct {
	ResourceID string

	err *errors.Error
}

func NewUnknownResourceError(resourceID string) *UnknownResourceError {
	return &UnknownResourceError{
		ResourceID: resourceID,
		err: cloneError(ErrUnknownJob, fmt.Sprintf("No known job with id '%s'", resourceID), nil,
			map[string]any{"resource_id": resourceID}),
	}
}

func (e *UnknownResourceError) Error() string {
	return e.err.Message
}

func (e *UnknownResourceError) Unwrap() error {
	return e.err
}

// ProcessRunError wraps an I/O failure while talking to a job's worker.
type ProcessRunError struct {
	ResourceID string
	Op         string
	Timeout    bool
	Err        error

	err *errors.Error
}

func NewProcessRunError(resourceID, op string, cause error, timeout bool) *ProcessRunError {
	msg := fmt.Sprintf("Exception during %s for job %s", op, resourceID)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &ProcessRunError{
		ResourceID: resourceID,
		Op:         op,
		Timeout:    timeout,
		Err:        cause,
		err: cloneError(ErrProcessRun, msg, cause, map[string]any{
			"resource_id": resourceID,
			"op":          op,
			"timeout":     timeout,
		}),
	}
}

func (e *ProcessRunError) Error() string {
	return e.err.Message
}

// Unwrap exposes both the cause and the categorized error.
func (e *ProcessRunError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.err}
	}
	return []error{e.Err, e.err}
}

// SchedulerStateError builds a scheduler state error for jobID.
func SchedulerStateError(jobID, op, status string) error {
	return cloneError(ErrSchedulerState,
		fmt.Sprintf("Cannot %s scheduler for job '%s' while its status is %s", op, jobID, status),
		nil,
		map[string]any{"resource_id": jobID, "status": status, "op": op},
	)
}

// GuardUnavailableError wraps a failure of a shared guardian backend.
func GuardUnavailableError(resourceID string, cause error) error {
	return cloneError(ErrGuardUnavailable,
		fmt.Sprintf("guardian unavailable for job %s", resourceID),
		cause,
		map[string]any{"resource_id": resourceID},
	)
}

func IsBusy(err error) bool {
	var be *BusyError
	return stderrors.As(err, &be)
}

func IsUnknownResource(err error) bool {
	var ue *UnknownResourceError
	return stderrors.As(err, &ue)
}

func IsProcessRunError(err error) bool {
	var pe *ProcessRunError
	return stderrors.As(err, &pe)
}

// ErrorCode returns the text code of the first go-errors error in err's chain.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

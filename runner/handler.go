package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

const ErrCodeRunFailed = "RUN_FAILED"

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Handler runs a function with retries, timeouts and run limits.
type Handler struct {
	mu sync.Mutex

	logger        Logger
	errorHandler  func(error)
	doneHandler   func(h *Handler)
	retryStrategy RetryStrategy

	EntryID        int
	runs           int
	successfulRuns int

	maxRuns     int
	maxRetries  int
	timeout     time.Duration
	deadline    time.Time
	runOnce     bool
	exitOnError bool
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		doneHandler:   func(*Handler) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds or the retry budget is spent. Run returns
// nil without calling fn when the run-once or max-runs limit was reached.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	h.mu.Lock()
	if h.exhausted() {
		h.mu.Unlock()
		return nil
	}
	maxRetries := h.maxRetries
	if h.exitOnError {
		maxRetries = 0
	}
	strategy := h.retryStrategy
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		if err = fn(ctx); err == nil {
			break
		}
		if attempt == maxRetries || ctx.Err() != nil {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}

		attemptErr := errors.Wrap(err, errors.CategoryHandler,
			fmt.Sprintf("runner failed, attempt %d of %d", attempt+1, maxRetries+1),
		).WithTextCode(ErrCodeRunFailed)
		if len(decision.Metadata) > 0 {
			attemptErr = attemptErr.WithMetadata(decision.Metadata)
		}
		h.handleError(attemptErr)

		if !sleepContext(ctx, decision.Delay) {
			err = ctx.Err()
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs++
	if err == nil {
		h.successfulRuns++
		if h.maxRuns > 0 && h.successfulRuns >= h.maxRuns {
			h.doneHandler(h)
		}
		return nil
	}

	wrapped := errors.Wrap(err, errors.CategoryHandler,
		fmt.Sprintf("runner failed after %d attempts", attempts),
	).WithTextCode(ErrCodeRunFailed).WithMetadata(map[string]any{
		"attempts":    attempts,
		"max_retries": maxRetries,
	})
	h.handleError(wrapped)
	h.logError("runner failed after %d attempts: %v", attempts, err)
	return wrapped
}

// Runs returns how many times Run executed fn to completion or failure.
func (h *Handler) Runs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs
}

func (h *Handler) SuccessfulRuns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successfulRuns
}

func (h *Handler) ShouldStopOnErr() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitOnError
}

func (h *Handler) exhausted() bool {
	if h.runOnce && h.successfulRuns >= 1 {
		return true
	}
	return h.maxRuns > 0 && h.successfulRuns >= h.maxRuns
}

func (h *Handler) handleError(err error) {
	if h.errorHandler != nil {
		h.errorHandler(err)
	}
}

func (h *Handler) logError(format string, args ...any) {
	if h.logger != nil {
		h.logger.Error(format, args...)
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

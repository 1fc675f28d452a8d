package runner

import "time"

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

// WithNoTimeout clears any timeout set by an earlier option.
func WithNoTimeout() Option {
	return func(h *Handler) {
		h.timeout = 0
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithRunOnce(once bool) Option {
	return func(h *Handler) {
		h.runOnce = once
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		h.maxRetries = max
	}
}

func WithMaxRuns(max int) Option {
	return func(h *Handler) {
		h.maxRuns = max
	}
}

func WithErrorHandler(eh func(error)) Option {
	return func(h *Handler) {
		if eh == nil {
			eh = func(error) {}
		}
		h.errorHandler = eh
	}
}

func WithLogger(l Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func WithDoneHandler(d func(*Handler)) Option {
	return func(h *Handler) {
		if d == nil {
			d = func(*Handler) {}
		}
		h.doneHandler = d
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		h.retryStrategy = s
	}
}

// WithExitOnError stops retrying after the first failed attempt.
func WithExitOnError(exit bool) Option {
	return func(h *Handler) {
		h.exitOnError = exit
	}
}

package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-jobguard"
)

type Option func(*Scheduler)

// WithLocation sets the time zone aligned schedules are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

func WithLogger(logger jobguard.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithErrorHandler receives every failed run attempt and recovered panic.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) {
		s.onError = handler
	}
}

// cronLogger feeds robfig/cron's key/value log calls into a Logger.
type cronLogger struct {
	logger  jobguard.Logger
	onError func(error)
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Trace("cron %s%s", msg, formatPairs(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron %s: %v%s", msg, err, formatPairs(keysAndValues))
	if err != nil && l.onError != nil {
		l.onError(err)
	}
}

func formatPairs(keysAndValues []any) string {
	var sb strings.Builder
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	return sb.String()
}

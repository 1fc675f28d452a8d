package jobguard

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-logger/glog"
)

// Logger is the logging and audit sink used by guardians and coordinators.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Fatal(msg string, args ...any)
	WithContext(ctx context.Context) Logger
}

// FieldsLogger extends Logger with structured-field support.
type FieldsLogger interface {
	WithFields(map[string]any) Logger
}

// FmtLogger writes plain text lines. It is the fallback when no logger is
// configured.
type FmtLogger struct {
	out    *syncWriter
	fields map[string]any
	suffix string
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFmtLogger writes to out, or to stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: &syncWriter{w: out}}
}

func (l *FmtLogger) Trace(msg string, args ...any) { l.print("TRACE", msg, args) }
func (l *FmtLogger) Debug(msg string, args ...any) { l.print("DEBUG", msg, args) }
func (l *FmtLogger) Info(msg string, args ...any)  { l.print("INFO", msg, args) }
func (l *FmtLogger) Warn(msg string, args ...any)  { l.print("WARN", msg, args) }
func (l *FmtLogger) Error(msg string, args ...any) { l.print("ERROR", msg, args) }
func (l *FmtLogger) Fatal(msg string, args ...any) { l.print("FATAL", msg, args) }

// WithContext returns l. Plain text output carries no context values.
func (l *FmtLogger) WithContext(context.Context) Logger {
	return l
}

// WithFields returns a logger appending fields, sorted by key, to each line.
func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	merged := maps.Clone(l.fields)
	if merged == nil {
		merged = make(map[string]any, len(fields))
	}
	maps.Copy(merged, fields)

	var sb strings.Builder
	for _, key := range slices.Sorted(maps.Keys(merged)) {
		fmt.Fprintf(&sb, " %s=%v", key, merged[key])
	}
	return &FmtLogger{out: l.out, fields: merged, suffix: sb.String()}
}

func (l *FmtLogger) print(level, msg string, args []any) {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	fmt.Fprintf(l.out.w, "%s %-5s %s%s\n", time.Now().UTC().Format(time.RFC3339Nano), level, strings.TrimSpace(msg), l.suffix)
}

// NormalizeLogger returns logger, or a stdout FmtLogger when logger is nil.
func NormalizeLogger(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// WithLoggerFields attaches fields when the logger supports them.
func WithLoggerFields(logger Logger, fields map[string]any) Logger {
	logger = NormalizeLogger(logger)
	if fl, ok := logger.(FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return logger
}

// GlogLogger adapts a go-logger logger to Logger.
type GlogLogger struct {
	logger glog.Logger
}

// NewGlogLogger wraps base. A nil base falls back to FmtLogger output.
func NewGlogLogger(base glog.Logger) Logger {
	if base == nil {
		return NewFmtLogger(nil)
	}
	return GlogLogger{logger: base}
}

func (l GlogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l GlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l GlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l GlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l GlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l GlogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l GlogLogger) WithContext(ctx context.Context) Logger {
	return GlogLogger{logger: l.logger.WithContext(ctx)}
}

func (l GlogLogger) WithFields(fields map[string]any) Logger {
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return GlogLogger{logger: fl.WithFields(fields)}
	}
	return l
}

package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failing returns a func failing its first n calls and counting every call.
func failing(n int32) (func(context.Context) error, *atomic.Int32) {
	calls := &atomic.Int32{}
	return func(context.Context) error {
		if c := calls.Add(1); c <= n {
			return fmt.Errorf("attempt %d failed", c)
		}
		return nil
	}, calls
}

func TestHandlerRetries(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		failures  int32
		wantCalls int32
		wantErr   bool
	}{
		{"success without retries", nil, 0, 1, false},
		{"success on second attempt", []Option{WithMaxRetries(3)}, 1, 2, false},
		{"retry budget spent", []Option{WithMaxRetries(2)}, 5, 3, true},
		{"exit on first error", []Option{WithMaxRetries(5), WithExitOnError(true)}, 5, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(append(tt.opts, WithErrorHandler(nil))...)
			fn, calls := failing(tt.failures)

			err := h.Run(context.Background(), fn)
			if tt.wantErr {
				require.Error(t, err)
				assert.Zero(t, h.SuccessfulRuns())
			} else {
				require.NoError(t, err)
				assert.Equal(t, 1, h.SuccessfulRuns())
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, 1, h.Runs())
		})
	}
}

func TestHandlerPermanentErrorIsNotRetried(t *testing.T) {
	busy := errors.New("job is busy")
	h := NewHandler(
		WithMaxRetries(3),
		WithErrorHandler(nil),
		WithRetryStrategy(PermanentErrorStrategy{
			Strategy:  NoDelayStrategy{},
			Permanent: func(err error) bool { return errors.Is(err, busy) },
		}),
	)

	var calls atomic.Int32
	err := h.Run(context.Background(), func(context.Context) error {
		calls.Add(1)
		return busy
	})
	assert.ErrorIs(t, err, busy)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHandlerRunLimits(t *testing.T) {
	t.Run("run once", func(t *testing.T) {
		h := NewHandler(WithRunOnce(true))
		fn, calls := failing(0)
		for i := 0; i < 3; i++ {
			require.NoError(t, h.Run(context.Background(), fn))
		}
		assert.EqualValues(t, 1, calls.Load())
	})

	t.Run("max runs calls done handler once", func(t *testing.T) {
		done := 0
		h := NewHandler(WithMaxRuns(2), WithDoneHandler(func(*Handler) { done++ }))
		fn, calls := failing(0)
		for i := 0; i < 4; i++ {
			require.NoError(t, h.Run(context.Background(), fn))
		}
		assert.EqualValues(t, 2, calls.Load())
		assert.Equal(t, 2, h.SuccessfulRuns())
		assert.Equal(t, 1, done)
	})

	t.Run("failed runs do not count", func(t *testing.T) {
		h := NewHandler(WithMaxRuns(1), WithErrorHandler(nil))
		fn, calls := failing(1)
		require.Error(t, h.Run(context.Background(), fn))
		require.NoError(t, h.Run(context.Background(), fn))
		require.NoError(t, h.Run(context.Background(), fn))
		assert.EqualValues(t, 2, calls.Load())
	})
}

func blockUntilDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}

func TestHandlerBoundsRunTime(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"timeout", []Option{WithTimeout(50 * time.Millisecond)}},
		{"deadline", []Option{WithDeadline(time.Now().Add(50 * time.Millisecond))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(append(tt.opts, WithErrorHandler(nil))...)

			start := time.Now()
			err := h.Run(context.Background(), blockUntilDone)
			assert.Less(t, time.Since(start), 500*time.Millisecond)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Zero(t, h.SuccessfulRuns())
		})
	}
}

func TestHandlerNoTimeoutOverridesTimeout(t *testing.T) {
	h := NewHandler(WithTimeout(time.Millisecond), WithNoTimeout())

	err := h.Run(context.Background(), func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			return errors.New("unexpected deadline")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestHandlerBackoffStopsOnCancel(t *testing.T) {
	h := NewHandler(
		WithMaxRetries(3),
		WithErrorHandler(nil),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: time.Second, Factor: 2}),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	fn, calls := failing(10)
	start := time.Now()
	require.Error(t, h.Run(ctx, fn))
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHandlerConcurrentRuns(t *testing.T) {
	h := NewHandler(WithMaxRetries(1), WithErrorHandler(nil))
	fn, calls := failing(0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Run(context.Background(), fn)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, calls.Load())
	assert.Equal(t, 10, h.Runs())
	assert.Equal(t, 10, h.SuccessfulRuns())
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Info(string, ...any) {}

func (l *recordingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(msg, args...))
}

func TestHandlerLogsFinalFailure(t *testing.T) {
	logger := &recordingLogger{}
	var handled []error
	h := NewHandler(
		WithLogger(logger),
		WithMaxRetries(1),
		WithErrorHandler(func(err error) { handled = append(handled, err) }),
	)

	fn, _ := failing(2)
	require.Error(t, h.Run(context.Background(), fn))

	require.Len(t, logger.errors, 1)
	assert.Contains(t, logger.errors[0], "after 2 attempts")
	// one report per failed attempt that is retried, plus the final one
	assert.Len(t, handled, 2)
}

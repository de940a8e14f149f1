package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRetryableClassifiesErrors(t *testing.T) {
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(context.DeadlineExceeded))
	require.True(t, IsRetryable(io.EOF))
	require.True(t, IsRetryable(io.ErrUnexpectedEOF))
	require.True(t, IsRetryable(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.False(t, IsRetryable(errors.New("some unrelated error")))
}

func TestIsRetryableRespectsTimeoutNetError(t *testing.T) {
	require.True(t, IsRetryable(timeoutErr{}))
	require.False(t, IsRetryable(nonTimeoutNetErr{}))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type nonTimeoutNetErr struct{}

func (nonTimeoutNetErr) Error() string   { return "not a timeout" }
func (nonTimeoutNetErr) Timeout() bool   { return false }
func (nonTimeoutNetErr) Temporary() bool { return false }

func TestDoReturnsNilOnFirstSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoStopsImmediatelyOnNonRetryableError(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent failure")
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestDoRetriesRetryableErrorsUpToMaxAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return io.EOF
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	require.Equal(t, io.EOF, exhausted.LastError)
	require.Equal(t, 3, calls)
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return io.EOF
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsContextErrorWhenCanceledDuringBackoff(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			cancel()
		}
		return io.EOF
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoTreatsZeroMaxAttemptsAsOne(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{MaxAttempts: 0}, func(ctx context.Context) error {
		calls++
		return io.EOF
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestCalculateBackoffGrowsAndCapsAtMax(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2, Jitter: 0}
	require.Equal(t, 100*time.Millisecond, calculateBackoff(cfg, 1))
	require.Equal(t, 200*time.Millisecond, calculateBackoff(cfg, 2))
	require.Equal(t, 300*time.Millisecond, calculateBackoff(cfg, 3), "capped at MaxBackoff")
	require.Equal(t, 300*time.Millisecond, calculateBackoff(cfg, 10), "stays capped")
}

func TestCalculateBackoffJitterStaysWithinBounds(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 1, Jitter: 0.5}
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := calculateBackoff(cfg, 1)
		require.GreaterOrEqual(t, got, base/2)
		require.LessOrEqual(t, got, base*3/2)
	}
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(NewRecoverableError(errors.New("test error"))))
	assert.True(t, IsRecoverable(fmt.Errorf("step: %w", NewRecoverableError(errors.New("flaky")))))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(context.DeadlineExceeded))

	final := NewNonRecoverableError(NewRecoverableError(errors.New("request timeout")))
	assert.False(t, IsRecoverable(final))
	assert.Equal(t, "request timeout", final.Error())

	var nonRecoverable *NonRecoverableError
	assert.ErrorAs(t, fmt.Errorf("wrapped: %w", final), &nonRecoverable)
}

func TestRetryStopsOnUnmarkedError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("plain")
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
	require.EqualError(t, err, "plain")
	require.Equal(t, 1, count)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return NewNonRecoverableError(errors.New("agent not found"))
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.Error(t, err)
	require.Equal(t, "agent not found", err.Error())
	require.Equal(t, 1, count)
}

func TestRetryScheduleAndNotify(t *testing.T) {
	var waits []time.Duration
	var attempts []int
	count := 0
	err := Do(context.Background(), func() error {
		count++
		if count < 4 {
			return NewRecoverableError(errors.New("flaky"))
		}
		return nil
	},
		WithMaxRetries(5),
		WithSchedule(time.Millisecond, 2*time.Millisecond),
		WithNotify(func(attempt int, err error, wait time.Duration) {
			attempts = append(attempts, attempt)
			waits = append(waits, wait)
		}),
	)
	require.NoError(t, err)
	require.Equal(t, 4, count)
	require.Equal(t, []int{1, 2, 3}, attempts)
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("flaky"))
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.Error(t, err)
	require.Equal(t, 1, count)
}

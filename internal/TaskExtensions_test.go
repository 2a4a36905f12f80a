package internal

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitForRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	var retries []int
	result, err := WaitForRetry(context.Background(), nil, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection reset")
		}
		return "done", nil
	}, RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, func(count, total int, err error) {
		retries = append(retries, count)
		assert.Equal(t, 3, total)
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestWaitForRetryGivesUp(t *testing.T) {
	cause := errors.New("connection reset")
	attempts := 0
	_, err := WaitForRetry(context.Background(), nil, func(ctx context.Context) (int, error) {
		attempts++
		return 0, cause
	}, RetryPolicy{MaxAttempts: 4, Delay: time.Millisecond}, nil)

	assert.ErrorIs(t, err, cause)
	assert.ErrorContains(t, err, "after 4 attempts")
	assert.Equal(t, 4, attempts)
}

func TestWaitForRetryStopsOnPermanentError(t *testing.T) {
	attempts := 0
	_, err := WaitForRetry(context.Background(), nil, func(ctx context.Context) (int, error) {
		attempts++
		return 0, &HTTPStatusError{Url: "https://cdn.test/x", StatusCode: 403}
	}, RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}, nil)

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWaitForRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := WaitForRetry(ctx, nil, func(ctx context.Context) (int, error) {
		attempts++
		cancel()
		return 0, errors.New("interrupted")
	}, RetryPolicy{MaxAttempts: 5, Delay: time.Hour}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestWaitForRetryAttemptTimeout(t *testing.T) {
	_, err := WaitForRetry(context.Background(), nil, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}, RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond, Timeout: 10 * time.Millisecond}, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParallelForEachBoundsConcurrency(t *testing.T) {
	items := make([]int, 40)
	var active, peak, sum atomic.Int32
	for i := range items {
		items[i] = i
	}

	err := ParallelForEach(context.Background(), items, 4, func(ctx context.Context, item int) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		sum.Add(int32(item))
		active.Add(-1)
		return nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Equal(t, int32(780), sum.Load())
}

func TestParallelForEachReturnsFirstError(t *testing.T) {
	cause := errors.New("disk full")
	var started atomic.Int32
	err := ParallelForEach(context.Background(), make([]struct{}, 100), 2, func(ctx context.Context, _ struct{}) error {
		if started.Add(1) == 1 {
			return cause
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	assert.ErrorIs(t, err, cause)
	assert.Less(t, started.Load(), int32(100))
}

func TestParallelForEachCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := ParallelForEach(ctx, []int{1, 2, 3}, 1, func(ctx context.Context, _ int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

package internal

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// ActionTimeoutTaskCallback represents a callback function that performs a task with a cancellation context
type ActionTimeoutTaskCallback[T any] func(ctx context.Context) (T, error)

// ActionOnRetry represents a callback function invoked before the next attempt after an error
type ActionOnRetry func(retryAttemptCount, retryAttemptTotal int, err error)

// DefaultRetryDelay is the base delay of the linear backoff
const DefaultRetryDelay = time.Second

// RetryPolicy describes how many times an operation runs and how long to wait in between.
// The wait before attempt n+1 is Delay*n.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	// Timeout bounds a single attempt. Zero leaves the attempt bounded by ctx only.
	Timeout time.Duration
}

// ManifestRetryPolicy is used for manifest, release info and blob fetches
var ManifestRetryPolicy = RetryPolicy{MaxAttempts: 5, Delay: DefaultRetryDelay}

// DownloadRetryPolicy is used for resumable file downloads
var DownloadRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: DefaultRetryDelay}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// backoff returns the wait before the attempt following retryAttemptCount
func (p RetryPolicy) backoff(retryAttemptCount int) time.Duration {
	if p.Delay < 0 {
		return 0
	}
	return p.Delay * time.Duration(retryAttemptCount)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitForRetry executes a task with retry logic and linear backoff.
// Cancellation of ctx and permanent errors (4xx responses, invalid manifests) stop the loop immediately.
func WaitForRetry[T any](
	ctx context.Context,
	log *Logger,
	callback ActionTimeoutTaskCallback[T],
	policy RetryPolicy,
	actionOnRetry ActionOnRetry,
) (T, error) {
	var zero T
	retryAttemptTotal := policy.attempts()
	var lastError error

	for retryAttemptCurrent := 1; retryAttemptCurrent <= retryAttemptTotal; retryAttemptCurrent++ {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}

		result, err := callback(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}

		// Check if the context was canceled by the parent
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastError = err
		if isPermanentError(err) {
			return zero, err
		}
		if retryAttemptCurrent == retryAttemptTotal {
			break
		}

		log.PushLogWarning(nil, fmt.Sprintf("The operation has thrown an exception! Retrying attempt: %d/%d\n%v",
			retryAttemptCurrent, retryAttemptTotal, err))

		if actionOnRetry != nil {
			actionOnRetry(retryAttemptCurrent, retryAttemptTotal, err)
		}

		if err := sleepContext(ctx, policy.backoff(retryAttemptCurrent)); err != nil {
			return zero, err
		}
	}

	return zero, fmt.Errorf("operation failed after %d attempts: %w", retryAttemptTotal, lastError)
}

// ParallelForEach runs fn for every item with at most maxConcurrency calls in flight.
// The first error cancels the remaining work and is returned once every started call has finished.
func ParallelForEach[T any](ctx context.Context, items []T, maxConcurrency int, fn func(ctx context.Context, item T) error) error {
	if maxConcurrency <= 0 {
		maxConcurrency = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)
	var firstErr error
	var errMu sync.Mutex

	setErr := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		errMu.Unlock()
	}

loop:
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(it T) {
			defer func() {
				<-sem
				wg.Done()
			}()

			if err := fn(ctx, it); err != nil {
				setErr(err)
			}
		}(item)
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

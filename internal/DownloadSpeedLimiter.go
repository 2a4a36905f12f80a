package internal

import (
	"context"
	"sync/atomic"
	"time"
)

// minimumStreamSpeed is the lowest budget a single stream is throttled to (64KB/s)
const minimumStreamSpeed = int64(64 << 10)

// DownloadSpeedLimiter shares a global bytes-per-second budget between concurrent downloads.
// A nil limiter, or a limit of zero, does not throttle.
type DownloadSpeedLimiter struct {
	bytesPerSecond    atomic.Int64
	currentProcessing atomic.Int32
}

// NewDownloadSpeedLimiter creates a limiter with an initial speed in bytes per second
func NewDownloadSpeedLimiter(bytesPerSecond int64) *DownloadSpeedLimiter {
	s := &DownloadSpeedLimiter{}
	s.SetSpeed(bytesPerSecond)
	return s
}

// SetSpeed changes the limit. Streams pick the new value up on their next throttle call.
func (s *DownloadSpeedLimiter) SetSpeed(bytesPerSecond int64) {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	s.bytesPerSecond.Store(bytesPerSecond)
}

// GetCurrentProcessing returns the number of streams currently registered
func (s *DownloadSpeedLimiter) GetCurrentProcessing() int {
	if s == nil {
		return 0
	}
	return int(s.currentProcessing.Load())
}

// Begin registers a stream and returns its throttle. Call Done on it when the stream ends.
func (s *DownloadSpeedLimiter) Begin() *StreamThrottle {
	if s == nil {
		return nil
	}
	s.currentProcessing.Add(1)
	return &StreamThrottle{limiter: s, startTime: time.Now()}
}

// streamBudget returns the bytes per second a single stream may use, or -1 for unlimited
func (s *DownloadSpeedLimiter) streamBudget() float64 {
	limit := s.bytesPerSecond.Load()
	if limit <= 0 {
		return -1
	}
	limit = max(minimumStreamSpeed, limit)

	threadNum := float64(s.currentProcessing.Load())
	if threadNum < 1 {
		threadNum = 1
	}
	return max(float64(minimumStreamSpeed), float64(limit)/threadNum)
}

// StreamThrottle tracks the bytes written by one stream since its last pause
type StreamThrottle struct {
	limiter   *DownloadSpeedLimiter
	startTime time.Time
	written   int64
	done      bool
}

// Wait accounts n freshly written bytes and sleeps while the stream is ahead of its budget
func (t *StreamThrottle) Wait(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	t.written += int64(n)

	budget := t.limiter.streamBudget()
	if budget <= 0 || t.written <= 0 {
		return nil
	}

	elapsed := time.Since(t.startTime)
	expected := time.Duration(float64(t.written) / budget * float64(time.Second))
	if toSleep := expected - elapsed; toSleep > time.Millisecond {
		if err := sleepContext(ctx, toSleep); err != nil {
			return err
		}
		// Reset counters after sleep
		t.startTime = time.Now()
		t.written = 0
	}
	return nil
}

// Done unregisters the stream from its limiter
func (t *StreamThrottle) Done() {
	if t == nil || t.done {
		return
	}
	t.done = true
	t.limiter.currentProcessing.Add(-1)
}

package internal

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultBufferSize is the copy buffer used by downloads
const DefaultBufferSize = 64 << 10

// Downloader fetches single files with HTTP range resume and SHA-256 verification
type Downloader struct {
	Client       *http.Client
	UserAgent    string
	Retry        RetryPolicy
	BufferSize   int
	SpeedLimiter *DownloadSpeedLimiter
	Log          *Logger
}

// NewDownloader creates a downloader with the default retry policy
func NewDownloader(client *http.Client, log *Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{
		Client:     client,
		Retry:      DownloadRetryPolicy,
		BufferSize: DefaultBufferSize,
		Log:        log,
	}
}

// DownloadFile makes destPath hold exactly the content of url, expected to be expectedSize
// bytes with SHA-256 expectedHash.
//
// Bytes already present in destPath are kept and only the remainder is requested. A file
// that fails verification is truncated and fetched again, up to the retry policy's attempt
// count. writeInfo receives every byte that lands in destPath, bytes already present
// included, and a negative correction when an attempt is thrown away. On cancellation the
// partial file is left for the next run to resume.
func (d *Downloader) DownloadFile(
	ctx context.Context,
	destPath, url string,
	expectedSize int64,
	expectedHash string,
	writeInfo DelegateWriteStreamInfo,
) error {
	if err := EnsureDirectoryExists(filepath.Dir(destPath)); err != nil {
		return err
	}

	report := func(n int64) {
		if writeInfo != nil && n != 0 {
			writeInfo(n)
		}
	}

	retryCount := d.Retry.attempts()
	var lastErr error

	for currentRetry := 1; currentRetry <= retryCount; currentRetry++ {
		reported, err := d.downloadAttempt(ctx, destPath, url, expectedSize, expectedHash, report)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Roll back what this attempt reported
		report(-reported)
		lastErr = err

		var verifyErr *VerificationError
		if errors.As(err, &verifyErr) {
			d.Log.PushLogWarning(d, fmt.Sprintf("Downloaded file is corrupted: %s | Retry %d/%d: %v",
				destPath, currentRetry, retryCount, err))
			continue
		}
		if isPermanentError(err) {
			return err
		}

		d.Log.PushLogWarning(d, fmt.Sprintf("Error downloading file: %s | Retry %d/%d: %v",
			url, currentRetry, retryCount, err))
		if currentRetry < retryCount {
			if err := sleepContext(ctx, d.Retry.backoff(currentRetry)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("failed to download %s after %d attempts: %w", url, retryCount, lastErr)
}

// downloadAttempt performs one resume-and-verify cycle and returns the bytes it reported
func (d *Downloader) downloadAttempt(
	ctx context.Context,
	destPath, url string,
	expectedSize int64,
	expectedHash string,
	report func(int64),
) (int64, error) {
	file, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	length := info.Size()

	// An over-long partial cannot be resumed
	if length > expectedSize {
		if err := file.Truncate(0); err != nil {
			return 0, err
		}
		length = 0
	}

	reported := length
	report(length)

	if length < expectedSize {
		written, err := d.fetchRemainder(ctx, file, url, length, report)
		reported += written
		if err != nil {
			return reported, err
		}
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return reported, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return reported, err
	}

	actual := BytesToHex(h.Sum(nil))
	if HashEqual(actual, expectedHash) {
		d.Log.PushLogDebug(d, fmt.Sprintf("Download completed! File: %s (%d bytes)", destPath, expectedSize))
		return reported, nil
	}

	if err := file.Truncate(0); err != nil {
		return reported, err
	}
	return reported, &VerificationError{Target: destPath, Expected: expectedHash, Actual: actual}
}

// fetchRemainder requests url from offset onward and appends the body to file.
// It returns the bytes written to file relative to offset, negative when the server
// ignored the range and the file was rewritten from the start.
func (d *Downloader) fetchRemainder(ctx context.Context, file *os.File, url string, offset int64, report func(int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var written int64
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, ok := parseContentRangeStart(resp.Header.Get("Content-Range"))
		if !ok {
			start = offset
		}
		if start != offset {
			if err := file.Truncate(start); err != nil {
				return 0, err
			}
			report(start - offset)
			written = start - offset
		}
		if _, err := file.Seek(start, io.SeekStart); err != nil {
			return written, err
		}
	case http.StatusOK:
		// The server ignored the range, so the body starts at byte zero
		if err := file.Truncate(0); err != nil {
			return 0, err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		report(-offset)
		written = -offset
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial is longer than the remote file; start over on the next attempt
		if err := file.Truncate(0); err != nil {
			return 0, err
		}
		report(-offset)
		return -offset, &HTTPStatusError{Url: url, StatusCode: resp.StatusCode}
	default:
		return 0, &HTTPStatusError{Url: url, StatusCode: resp.StatusCode}
	}

	throttle := d.SpeedLimiter.Begin()
	defer throttle.Done()

	bufferSize := d.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	buffer := make([]byte, bufferSize)

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		read, readErr := resp.Body.Read(buffer)
		if read > 0 {
			if _, err := file.Write(buffer[:read]); err != nil {
				return written, fmt.Errorf("failed to write to output stream: %w", err)
			}
			written += int64(read)
			report(int64(read))

			if err := throttle.Wait(ctx, read); err != nil {
				return written, err
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// parseContentRangeStart extracts the first byte position of "bytes start-end/total"
func parseContentRangeStart(header string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, false
	}
	startStr, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

package internal

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestDownloadFile(t *testing.T) {
	server := newBlobServer(t)
	data := randomBytes(200<<10, 1)
	server.put("blob", data)

	var reported atomic.Int64
	dest := filepath.Join(t.TempDir(), "nested", "blob")
	err := newTestDownloader(server.Client()).DownloadFile(context.Background(), dest, server.url("blob"),
		int64(len(data)), Sha256Hex(data), func(n int64) { reported.Add(n) })
	require.NoError(t, err)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, written))
	assert.Equal(t, int64(len(data)), reported.Load())
	assert.Equal(t, 1, server.requestCount("blob"))
}

func TestDownloadFileResumesPartial(t *testing.T) {
	server := newBlobServer(t)
	data := randomBytes(100<<10, 2)
	server.put("blob", data)

	dest := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(dest, data[:40<<10], 0644))

	var reported atomic.Int64
	err := newTestDownloader(server.Client()).DownloadFile(context.Background(), dest, server.url("blob"),
		int64(len(data)), Sha256Hex(data), func(n int64) { reported.Add(n) })
	require.NoError(t, err)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, written))
	assert.Equal(t, int64(len(data)), reported.Load())
	assert.Equal(t, []string{"bytes=40960-"}, server.rangeHeaders())
}

func TestDownloadFileTruncatesOverlongPartial(t *testing.T) {
	server := newBlobServer(t)
	data := []byte("the quick brown fox")
	server.put("blob", data)

	dest := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(dest, append(bytes.Clone(data), []byte("garbage")...), 0644))

	err := newTestDownloader(server.Client()).DownloadFile(context.Background(), dest, server.url("blob"),
		int64(len(data)), Sha256Hex(data), nil)
	require.NoError(t, err)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, written)
	assert.Empty(t, server.rangeHeaders())
}

func TestDownloadFileRetriesCorruptedContent(t *testing.T) {
	server := newBlobServer(t)
	data := randomBytes(32<<10, 3)
	server.put("blob", data)
	server.corruptNext("blob", 1)

	var reported atomic.Int64
	dest := filepath.Join(t.TempDir(), "blob")
	err := newTestDownloader(server.Client()).DownloadFile(context.Background(), dest, server.url("blob"),
		int64(len(data)), Sha256Hex(data), func(n int64) { reported.Add(n) })
	require.NoError(t, err)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, written))
	assert.Equal(t, 2, server.requestCount("blob"))
	assert.Equal(t, int64(len(data)), reported.Load())
}

func TestDownloadFileGivesUpOnPersistentCorruption(t *testing.T) {
	server := newBlobServer(t)
	data := randomBytes(8<<10, 4)
	server.put("blob", data)
	server.corruptNext("blob", 100)

	var reported atomic.Int64
	dest := filepath.Join(t.TempDir(), "blob")
	err := newTestDownloader(server.Client()).DownloadFile(context.Background(), dest, server.url("blob"),
		int64(len(data)), Sha256Hex(data), func(n int64) { reported.Add(n) })
	require.Error(t, err)

	var verifyErr *VerificationError
	assert.True(t, errors.As(err, &verifyErr))
	assert.Equal(t, testRetryPolicy.MaxAttempts, server.requestCount("blob"))
	assert.Equal(t, int64(0), reported.Load())

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestDownloadFileDoesNotRetryNotFound(t *testing.T) {
	server := newBlobServer(t)

	err := newTestDownloader(server.Client()).DownloadFile(context.Background(), filepath.Join(t.TempDir(), "blob"),
		server.url("missing"), 10, Sha256Hex(nil), nil)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 404, statusErr.StatusCode)
	assert.Equal(t, 1, server.requestCount("missing"))
}

func TestDownloadFileCancelled(t *testing.T) {
	server := newBlobServer(t)
	data := randomBytes(1024, 5)
	server.put("blob", data)
	server.setDelay(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := newTestDownloader(server.Client()).DownloadFile(ctx, filepath.Join(t.TempDir(), "blob"),
		server.url("blob"), int64(len(data)), Sha256Hex(data), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDownloadFileWithSpeedLimit(t *testing.T) {
	server := newBlobServer(t)
	data := randomBytes(128<<10, 6)
	server.put("blob", data)

	downloader := newTestDownloader(server.Client())
	downloader.BufferSize = 16 << 10
	downloader.SpeedLimiter = NewDownloadSpeedLimiter(1 << 20)

	dest := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, downloader.DownloadFile(context.Background(), dest, server.url("blob"),
		int64(len(data)), Sha256Hex(data), nil))
	assert.Equal(t, 0, downloader.SpeedLimiter.GetCurrentProcessing())
}

func TestParseContentRangeStart(t *testing.T) {
	start, ok := parseContentRangeStart("bytes 100-199/200")
	assert.True(t, ok)
	assert.Equal(t, int64(100), start)

	_, ok = parseContentRangeStart("items 1-2/3")
	assert.False(t, ok)
}

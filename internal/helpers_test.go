package internal

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, root, rel string, content []byte) string {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, content, 0644))
	return full
}

func compressTestData(t *testing.T, data []byte) []byte {
	t.Helper()
	encoder, err := zstd.NewWriter(nil, zstd.WithZeroFrames(true))
	require.NoError(t, err)
	defer encoder.Close()
	return encoder.EncodeAll(data, nil)
}

// testRelease is an in-memory build: manifest plus the blobs it references
type testRelease struct {
	manifest *ReleaseManifest
	blobs    map[string][]byte
}

func newTestRelease(t *testing.T, version string, urlPrefix string, files map[string][]byte) *testRelease {
	t.Helper()
	release := &testRelease{
		manifest: &ReleaseManifest{
			Version:      version,
			Architecture: ArchitectureX64,
			InstallType:  InstallTypePortable,
			UrlPrefix:    urlPrefix,
		},
		blobs: make(map[string][]byte),
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		data := files[path]
		compressed := compressTestData(t, data)
		file := &ReleaseFile{
			Id:             CreateBlobId(data),
			Path:           path,
			Size:           int64(len(data)),
			CompressedSize: int64(len(compressed)),
			Hash:           Sha256Hex(data),
			CompressedHash: Sha256Hex(compressed),
		}
		release.manifest.Files = append(release.manifest.Files, file)
		release.blobs[file.Id] = compressed
	}
	release.manifest.Recount()
	return release
}

// blobServer serves blobs by name with range support and counts requests
type blobServer struct {
	*httptest.Server

	mu       sync.Mutex
	blobs    map[string][]byte
	corrupt  map[string]int
	requests map[string]int
	ranges   []string
	total    atomic.Int32
	delay    time.Duration
}

func newBlobServer(t *testing.T) *blobServer {
	t.Helper()
	s := &blobServer{
		blobs:    make(map[string][]byte),
		corrupt:  make(map[string]int),
		requests: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *blobServer) put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = data
}

func (s *blobServer) putAll(blobs map[string][]byte) {
	for name, data := range blobs {
		s.put(name, data)
	}
}

// corruptNext makes the next n responses for name carry flipped bytes
func (s *blobServer) corruptNext(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[name] = n
}

func (s *blobServer) requestCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

func (s *blobServer) setDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *blobServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ranges...)
}

func (s *blobServer) url(name string) string {
	return s.URL + "/" + name
}

func (s *blobServer) serve(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	s.total.Add(1)

	s.mu.Lock()
	s.requests[name]++
	if rng := r.Header.Get("Range"); rng != "" {
		s.ranges = append(s.ranges, rng)
	}
	data, ok := s.blobs[name]
	if ok && s.corrupt[name] > 0 {
		s.corrupt[name]--
		data = bytes.Clone(data)
		for i := range data {
			data[i] ^= 0xff
		}
	}
	delay := s.delay
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// testRetryPolicy keeps retry waits short
var testRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

func newTestDownloader(client *http.Client) *Downloader {
	d := NewDownloader(client, nil)
	d.Retry = testRetryPolicy
	return d
}

package internal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStream struct {
	mu     sync.Mutex
	frames []*UpdateProgress
}

func (r *recordingStream) Send(progress *UpdateProgress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, progress)
	return nil
}

func (r *recordingStream) snapshot() []*UpdateProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*UpdateProgress(nil), r.frames...)
}

func newTestController(t *testing.T, server *blobServer) (*UpdateController, string) {
	t.Helper()
	releases := NewReleaseClient(server.Client(), server.URL, nil)
	releases.Retry = testRetryPolicy
	service, target := newTestUpdateService(t, server, nil)
	controller := NewUpdateController(releases, service, nil)
	controller.Interval = 5 * time.Millisecond
	return controller, target
}

func putJSON(t *testing.T, server *blobServer, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	server.put(name, data)
	return server.url(name)
}

// publishRelease puts the info document of version 2.0.0 with a full x64 portable manifest
// and a diff manifest from 1.0.0
func publishRelease(t *testing.T, server *blobServer, full, diff *testRelease) {
	t.Helper()
	detail := &ReleaseInfoDetail{
		Version:      "2.0.0",
		Architecture: ArchitectureX64,
		InstallType:  InstallTypePortable,
		Diffs:        map[string]*ReleaseInfoDiff{},
	}
	if full != nil {
		server.putAll(full.blobs)
		detail.ManifestUrl = putJSON(t, server, "manifest/full.json", full.manifest)
	} else {
		detail.ManifestUrl = server.url("manifest/full.json")
	}
	if diff != nil {
		server.putAll(diff.blobs)
		detail.Diffs["1.0.0"] = &ReleaseInfoDiff{
			DiffVersion: "1.0.0",
			ManifestUrl: putJSON(t, server, "manifest/diff.json", diff.manifest),
		}
	}
	putJSON(t, server, "info/release_2.0.0.json", &ReleaseInfo{
		Version:  "2.0.0",
		Releases: map[string]*ReleaseInfoDetail{ReleaseKey(ArchitectureX64, InstallTypePortable): detail},
	})
}

func testUpdateRequest(target, currentVersion string) *UpdateRequest {
	return &UpdateRequest{
		Version:        "2.0.0",
		CurrentVersion: currentVersion,
		Architecture:   ArchitectureX64,
		InstallType:    InstallTypePortable,
		TargetPath:     target,
	}
}

func TestControllerStreamsUntilFinish(t *testing.T) {
	server := newBlobServer(t)
	full := newTestRelease(t, "2.0.0", server.URL, releaseV2Files)
	publishRelease(t, server, full, nil)
	controller, target := newTestController(t, server)

	stream := &recordingStream{}
	require.NoError(t, controller.Update(context.Background(), testUpdateRequest(target, ""), stream))

	frames := stream.snapshot()
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, UpdateStateFinish, last.State)
	assert.Equal(t, last.TotalBytes, last.DownloadedBytes)
	for _, frame := range frames[:len(frames)-1] {
		assert.False(t, frame.State.IsTerminal(), "only the last frame is terminal")
	}
	assertTree(t, target, releaseV2Files)
}

func TestControllerPrefersDiffManifest(t *testing.T) {
	server := newBlobServer(t)
	diff := newTestRelease(t, "2.0.0", server.URL, map[string][]byte{"Starward.exe": []byte("launcher v2")})
	diff.manifest.DiffVersion = "1.0.0"
	// The full manifest is never published, so only the diff can succeed
	publishRelease(t, server, nil, diff)
	controller, target := newTestController(t, server)

	manifest, err := controller.ResolveManifest(context.Background(), testUpdateRequest(target, "1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", manifest.DiffVersion)

	_, err = controller.ResolveManifest(context.Background(), testUpdateRequest(target, "0.9.0"))
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.StatusCode)
	assert.Equal(t, 1, server.requestCount("manifest/full.json"))
}

func TestControllerReportsNotSupport(t *testing.T) {
	server := newBlobServer(t)
	publishRelease(t, server, newTestRelease(t, "2.0.0", server.URL, releaseV2Files), nil)
	controller, target := newTestController(t, server)

	req := testUpdateRequest(target, "")
	req.Architecture = ArchitectureArm64
	stream := &recordingStream{}
	err := controller.Update(context.Background(), req, stream)
	assert.True(t, IsNotSupported(err))

	frames := stream.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, UpdateStateNotSupport, frames[0].State)
	assert.Equal(t, UpdateStateNotSupport, controller.Service.State())
}

func TestControllerReportsMissingRelease(t *testing.T) {
	server := newBlobServer(t)
	controller, target := newTestController(t, server)

	stream := &recordingStream{}
	err := controller.Update(context.Background(), testUpdateRequest(target, ""), stream)
	require.Error(t, err)
	assert.False(t, IsNotSupported(err))

	frames := stream.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, UpdateStateError, frames[0].State)
	assert.Contains(t, frames[0].ErrorMessage, "404")
	assert.Equal(t, 1, server.requestCount("info/release_2.0.0.json"))
}

func TestControllerRejectsInvalidRequest(t *testing.T) {
	server := newBlobServer(t)
	controller, _ := newTestController(t, server)

	stream := &recordingStream{}
	err := controller.Update(context.Background(), testUpdateRequest("", ""), stream)
	assert.Error(t, err)
	assert.Empty(t, stream.snapshot())
	assert.Equal(t, int32(0), server.total.Load())
}

func TestControllerCancelEndsInStop(t *testing.T) {
	server := newBlobServer(t)
	publishRelease(t, server, newTestRelease(t, "2.0.0", server.URL, releaseV2Files), nil)
	controller, target := newTestController(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manifest, err := controller.ResolveManifest(ctx, testUpdateRequest(target, ""))
	require.NoError(t, err)
	server.setDelay(10 * time.Second)

	stream := &recordingStream{}
	go func() {
		assert.Eventually(t, func() bool {
			return controller.Service.State() == UpdateStateDownloading
		}, 5*time.Second, 5*time.Millisecond)
		cancel()
	}()
	err = controller.Run(ctx, manifest, target, stream)
	assert.ErrorIs(t, err, context.Canceled)

	frames := stream.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, UpdateStateStop, frames[len(frames)-1].State)
}

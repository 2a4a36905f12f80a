package internal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const releaseInfoJSON = `{
  "version": "1.2.0",
  "releases": {
    "x64-portable": {
      "version": "1.2.0",
      "architecture": "x64",
      "install_type": "portable",
      "build_time": "2024-05-01T08:00:00+08:00",
      "disable_auto_update": "1",
      "package_url": "https://cdn.test/package/Starward_1.2.0_x64_portable.7z",
      "package_size": 1024,
      "package_hash": "abc",
      "manifest_url": "https://cdn.test/manifest/manifest_1.2.0_x64_portable.json",
      "diffs": {
        "1.1.0": {
          "diff_version": "1.1.0",
          "manifest_url": "https://cdn.test/manifest/manifest_1.2.0_x64_portable_diff_1.1.0.json"
        }
      }
    },
    "ARM64-Setup": {
      "version": "1.2.0",
      "architecture": "ARM64",
      "install_type": "Setup",
      "build_time": "2024-05-01T08:00:00+08:00",
      "disable_auto_update": 0,
      "manifest_url": "https://cdn.test/manifest/manifest_1.2.0_arm64_setup.json"
    }
  }
}`

func TestParseReleaseInfo(t *testing.T) {
	info, err := ParseReleaseInfo([]byte(releaseInfoJSON))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", info.Version)

	detail, ok := info.TryGetReleaseInfoDetail(ArchitectureX64, InstallTypePortable)
	require.True(t, ok)
	assert.True(t, bool(detail.DisableAutoUpdate))
	assert.Equal(t, 2024, detail.BuildTime.Year())

	url, isDiff := detail.DiffManifestUrl("1.1.0")
	assert.True(t, isDiff)
	assert.Contains(t, url, "_diff_1.1.0")

	url, isDiff = detail.DiffManifestUrl("1.0.0")
	assert.False(t, isDiff)
	assert.Equal(t, detail.ManifestUrl, url)

	_, ok = info.TryGetReleaseInfoDetail(ArchitectureX86, InstallTypePortable)
	assert.False(t, ok)

	_, err = ParseReleaseInfo([]byte(`{"releases":{}}`))
	assert.Error(t, err)
}

func TestVersionComparison(t *testing.T) {
	assert.True(t, SameVersion("1.2.0", "v1.2.0"))
	assert.True(t, SameVersion("1.2", "1.2.0"))
	assert.False(t, SameVersion("1.2.0", "1.2.1"))
	assert.True(t, SameVersion("nightly", "NIGHTLY"))

	assert.True(t, IsNewerVersion("1.1.0", "1.2.0"))
	assert.False(t, IsNewerVersion("1.2.0", "1.2.0"))
	assert.False(t, IsNewerVersion("1.3.0", "1.2.0"))
	assert.True(t, IsNewerVersion("1.2.0-preview.1", "1.2.0"))
	assert.True(t, IsNewerVersion("nightly-a", "nightly-b"))
}

func TestCombineReleaseInfos(t *testing.T) {
	x64 := &ReleaseInfo{Version: "1.2.0", Releases: map[string]*ReleaseInfoDetail{
		"x64-portable": {Version: "1.2.0", ManifestUrl: "a"},
		"x64-setup":    {Version: "1.2.0", ManifestUrl: "b"},
	}}
	arm := &ReleaseInfo{Version: "v1.2.0", Releases: map[string]*ReleaseInfoDetail{
		"ARM64-Portable": {Version: "1.2.0", ManifestUrl: "c"},
		"x64-setup":      {Version: "1.2.0", ManifestUrl: "d"},
	}}

	combined, err := CombineReleaseInfos([]*ReleaseInfo{x64, arm})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", combined.Version)
	require.Len(t, combined.Releases, 3)
	assert.Equal(t, "c", combined.Releases["arm64-portable"].ManifestUrl)
	assert.Equal(t, "d", combined.Releases["x64-setup"].ManifestUrl)

	_, err = CombineReleaseInfos([]*ReleaseInfo{x64, {Version: "1.3.0"}})
	assert.ErrorContains(t, err, "not the same")

	_, err = CombineReleaseInfos(nil)
	assert.Error(t, err)
}

func TestPruneReleaseInfo(t *testing.T) {
	info, err := ParseReleaseInfo([]byte(releaseInfoJSON))
	require.NoError(t, err)

	reachable := map[string]bool{
		"https://cdn.test/manifest/manifest_1.2.0_x64_portable.json": true,
	}
	var checked []string
	valid := func(ctx context.Context, url string) bool {
		checked = append(checked, url)
		return reachable[url]
	}

	require.NoError(t, info.Prune(context.Background(), valid, nil))

	require.Len(t, info.Releases, 1)
	detail := info.Releases["x64-portable"]
	require.NotNil(t, detail)
	assert.Empty(t, detail.PackageUrl)
	assert.Zero(t, detail.PackageSize)
	assert.Empty(t, detail.PackageHash)
	assert.Empty(t, detail.Diffs)
	assert.Len(t, checked, 4)
}

func TestPruneStopsOnCancel(t *testing.T) {
	info, err := ParseReleaseInfo([]byte(releaseInfoJSON))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = info.Prune(ctx, func(context.Context, string) bool { return true }, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, info.Releases, 2)
}

func TestReleaseInfoFile(t *testing.T) {
	info, err := ParseReleaseInfo([]byte(releaseInfoJSON))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "info", "release_1.2.0.json")
	require.NoError(t, WriteReleaseInfoFile(path, info))

	loaded, err := ReadReleaseInfoFile(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Releases, 2)
	assert.True(t, bool(loaded.Releases["x64-portable"].DisableAutoUpdate))
}

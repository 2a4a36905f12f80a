package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = LoadConfigFile("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7680", cfg.Serve.Listen)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(`
release_base_url: https://mirror.test/release
cache_folder: /var/cache/starward
concurrency: 4
download:
  max_attempts: 5
  retry_delay: 250ms
  speed_limit: 1048576
manifest:
  retry_delay: 2s
diff_tool:
  diff_path: /opt/hdiff/hdiffz
serve:
  listen: 0.0.0.0:9000
  progress_interval: 50ms
log:
  verbose: true
`))
	require.NoError(t, err)

	assert.Equal(t, "https://mirror.test/release", cfg.ReleaseBaseUrl)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, RetryPolicy{MaxAttempts: 5, Delay: 250 * time.Millisecond}, cfg.DownloadPolicy())
	assert.Equal(t, RetryPolicy{MaxAttempts: ManifestRetryPolicy.MaxAttempts, Delay: 2 * time.Second}, cfg.ManifestPolicy())
	assert.Equal(t, "/opt/hdiff/hdiffz", cfg.DiffTool.DiffPath)
	assert.Equal(t, DefaultPatchToolPath, cfg.DiffTool.PatchPath)
	assert.Equal(t, 50*time.Millisecond, cfg.Serve.ProgressInterval)
	assert.True(t, cfg.Log.Verbose)

	downloader := cfg.NewDownloader(nil, nil)
	require.NotNil(t, downloader.SpeedLimiter)
	assert.Equal(t, 5, downloader.Retry.MaxAttempts)

	releases := cfg.NewReleaseClient(cfg.NewHTTPClient(), nil)
	assert.Equal(t, "https://mirror.test/release", releases.BaseUrl)
	assert.Equal(t, cfg.UserAgent, releases.UserAgent)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("concurency: 4\n"))
	assert.ErrorContains(t, err, "concurency")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	for name, doc := range map[string]string{
		"attempts":    "download:\n  max_attempts: 0\n",
		"concurrency": "concurrency: -1\n",
		"speed":       "download:\n  speed_limit: -5\n",
		"duration":    "download:\n  retry_delay: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updater.yaml")
	require.NoError(t, os.WriteFile(path, []byte("user_agent: custom\n"), 0644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.UserAgent)

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

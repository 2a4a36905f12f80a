package internal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by every command
type Config struct {
	ReleaseBaseUrl string `yaml:"release_base_url"`
	BlobUrlPrefix  string `yaml:"blob_url_prefix"`
	CacheFolder    string `yaml:"cache_folder"`
	BaseDirectory  string `yaml:"base_directory"`
	UserAgent      string `yaml:"user_agent"`
	Concurrency    int    `yaml:"concurrency"`
	MaxConnections int    `yaml:"max_connections"`

	Download DownloadConfig `yaml:"download"`
	Manifest RetryConfig    `yaml:"manifest"`
	DiffTool DiffToolConfig `yaml:"diff_tool"`
	Serve    ServeConfig    `yaml:"serve"`
	Log      LogConfig      `yaml:"log"`
}

// DownloadConfig tunes file downloads
type DownloadConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	BufferSize  int           `yaml:"buffer_size"`
	// SpeedLimit is in bytes per second, 0 for unlimited
	SpeedLimit int64 `yaml:"speed_limit"`
}

// RetryConfig tunes small JSON fetches
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// DiffToolConfig locates the external diff and patch executables
type DiffToolConfig struct {
	DiffPath        string `yaml:"diff_path"`
	PatchPath       string `yaml:"patch_path"`
	CompressionFlag string `yaml:"compression_flag"`
}

// ServeConfig configures the update RPC server
type ServeConfig struct {
	Listen           string        `yaml:"listen"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// LogConfig configures the log sink
type LogConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the built-in settings
func DefaultConfig() *Config {
	return &Config{
		ReleaseBaseUrl: "https://starward-static.scighost.com/release",
		CacheFolder:    filepath.Join(os.TempDir(), "Starward", "update"),
		UserAgent:      "Starward.Updater",
		Concurrency:    runtime.NumCPU(),
		MaxConnections: 128,
		Download: DownloadConfig{
			MaxAttempts: DownloadRetryPolicy.MaxAttempts,
			RetryDelay:  DownloadRetryPolicy.Delay,
			BufferSize:  DefaultBufferSize,
		},
		Manifest: RetryConfig{
			MaxAttempts: ManifestRetryPolicy.MaxAttempts,
			RetryDelay:  ManifestRetryPolicy.Delay,
		},
		DiffTool: DiffToolConfig{
			DiffPath:        DefaultDiffToolPath,
			PatchPath:       DefaultPatchToolPath,
			CompressionFlag: DefaultCompressionFlag,
		},
		Serve: ServeConfig{
			Listen:           "127.0.0.1:7680",
			ProgressInterval: DefaultProgressInterval,
		},
	}
}

// LoadConfig reads YAML from r on top of DefaultConfig. Unknown keys are rejected.
func LoadConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads a config file. An empty path yields the defaults.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no command can work with
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if c.Download.MaxAttempts < 1 || c.Manifest.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.Download.SpeedLimit < 0 {
		return fmt.Errorf("speed_limit must not be negative")
	}
	return nil
}

// NewHTTPClient creates the HTTP client shared by every request of a command
func (c *Config) NewHTTPClient() *http.Client {
	maxConnections := c.MaxConnections
	if maxConnections <= 0 {
		maxConnections = 128
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = maxConnections
	transport.MaxConnsPerHost = maxConnections
	return &http.Client{Transport: transport}
}

// DownloadPolicy returns the retry policy of file downloads
func (c *Config) DownloadPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.Download.MaxAttempts, Delay: c.Download.RetryDelay}
}

// ManifestPolicy returns the retry policy of manifest and release info fetches
func (c *Config) ManifestPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.Manifest.MaxAttempts, Delay: c.Manifest.RetryDelay}
}

// NewReleaseClient creates a release client from the config
func (c *Config) NewReleaseClient(client *http.Client, log *Logger) *ReleaseClient {
	releases := NewReleaseClient(client, c.ReleaseBaseUrl, log)
	releases.UserAgent = c.UserAgent
	releases.Retry = c.ManifestPolicy()
	return releases
}

// NewDownloader creates a downloader from the config
func (c *Config) NewDownloader(client *http.Client, log *Logger) *Downloader {
	downloader := NewDownloader(client, log)
	downloader.UserAgent = c.UserAgent
	downloader.Retry = c.DownloadPolicy()
	downloader.BufferSize = c.Download.BufferSize
	if c.Download.SpeedLimit > 0 {
		downloader.SpeedLimiter = NewDownloadSpeedLimiter(c.Download.SpeedLimit)
	}
	return downloader
}

// NewHDiffTool creates the external diff tool driver from the config
func (c *Config) NewHDiffTool() *HDiffTool {
	return &HDiffTool{
		DiffPath:        c.DiffTool.DiffPath,
		PatchPath:       c.DiffTool.PatchPath,
		CompressionFlag: c.DiffTool.CompressionFlag,
	}
}

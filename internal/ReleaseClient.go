package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// ReleaseClient fetches release info documents, manifests and blobs from the release server
type ReleaseClient struct {
	Client    *http.Client
	BaseUrl   string
	UserAgent string
	Retry     RetryPolicy
	Log       *Logger
}

// NewReleaseClient creates a client for the release server at baseUrl
func NewReleaseClient(client *http.Client, baseUrl string, log *Logger) *ReleaseClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &ReleaseClient{
		Client:  client,
		BaseUrl: baseUrl,
		Retry:   ManifestRetryPolicy,
		Log:     log,
	}
}

// ReleaseInfoUrl returns the URL of the release info document of version
func (c *ReleaseClient) ReleaseInfoUrl(version string) string {
	return JoinUrl(c.BaseUrl, "info/release_"+strings.ToLower(version)+".json")
}

// ManifestUrl returns the URL of a full or diff manifest
func (c *ReleaseClient) ManifestUrl(version string, arch Architecture, installType InstallType, diffVersion string) string {
	return JoinUrl(c.BaseUrl, "manifest/"+ManifestName(version, arch, installType, diffVersion))
}

// PackageUrl returns the URL of a package file
func (c *ReleaseClient) PackageUrl(fileName string) string {
	return JoinUrl(c.BaseUrl, "package/"+fileName)
}

// getBytes performs a single GET and returns the body of a 2xx response
func (c *ReleaseClient) getBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{Url: url, StatusCode: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// GetReleaseInfo fetches the release info document of version
func (c *ReleaseClient) GetReleaseInfo(ctx context.Context, version string) (*ReleaseInfo, error) {
	url := c.ReleaseInfoUrl(version)
	return WaitForRetry(ctx, c.Log, func(ctx context.Context) (*ReleaseInfo, error) {
		data, err := c.getBytes(ctx, url)
		if err != nil {
			return nil, err
		}
		return ParseReleaseInfo(data)
	}, c.Retry, nil)
}

// GetReleaseManifest fetches and validates the manifest at url. Zstd-framed bodies are unwrapped.
func (c *ReleaseClient) GetReleaseManifest(ctx context.Context, url string) (*ReleaseManifest, error) {
	c.Log.PushLogDebug(c, fmt.Sprintf("Fetching manifest: %s", url))
	return WaitForRetry(ctx, c.Log, func(ctx context.Context) (*ReleaseManifest, error) {
		data, err := c.getBytes(ctx, url)
		if err != nil {
			return nil, err
		}
		return ParseReleaseManifest(data)
	}, c.Retry, nil)
}

// GetBlob downloads the zstd blob at url and returns its decompressed content, verified
// against expectedHash
func (c *ReleaseClient) GetBlob(ctx context.Context, url, id, expectedHash string) ([]byte, error) {
	return WaitForRetry(ctx, c.Log, func(ctx context.Context) ([]byte, error) {
		compressed, err := c.getBytes(ctx, url)
		if err != nil {
			return nil, err
		}
		data, err := DecompressZstd(compressed)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", url, err)
		}
		if actual := Sha256Hex(data); !HashEqual(actual, expectedHash) {
			return nil, &VerificationError{Target: url, Expected: expectedHash, Actual: actual}
		}
		// Releases packed with another fast hash carry a different prefix
		if !CheckBlobXxh64Hash(id, data) {
			c.Log.PushLogDebug(c, fmt.Sprintf("Blob id prefix is not the xxh64 of %s", id))
		}
		return data, nil
	}, c.Retry, nil)
}

// FetchBlobFile makes destPath hold the decompressed content of a file blob. An existing
// destPath with the right hash is reused without any request.
func (c *ReleaseClient) FetchBlobFile(ctx context.Context, url, id, expectedHash, destPath string) error {
	if hash, _, err := Sha256File(destPath); err == nil && HashEqual(hash, expectedHash) {
		return nil
	}

	data, err := c.GetBlob(ctx, url, id, expectedHash)
	if err != nil {
		return err
	}
	return writeFileAtomic(destPath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// IsUrlValid reports whether url answers a GET with a 2xx status
func (c *ReleaseClient) IsUrlValid(ctx context.Context, url string) bool {
	_, err := WaitForRetry(ctx, c.Log, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, err
		}
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, &HTTPStatusError{Url: url, StatusCode: resp.StatusCode}
		}
		return struct{}{}, nil
	}, c.Retry, nil)
	if err != nil {
		c.Log.PushLogWarning(c, fmt.Sprintf("Url is not reachable: %s (%v)", url, err))
		return false
	}
	return true
}

// LoadReleaseManifest reads a manifest from a local path or fetches it when source is a URL
func (c *ReleaseClient) LoadReleaseManifest(ctx context.Context, source string) (*ReleaseManifest, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return c.GetReleaseManifest(ctx, source)
	}
	if _, err := os.Stat(source); err != nil {
		return nil, err
	}
	return ReadReleaseManifestFile(source)
}

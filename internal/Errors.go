package internal

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNotSupported is returned when the release has no build for the requested architecture and install type
	ErrNotSupported = errors.New("platform not supported by this release")

	// ErrUpdateInProgress is returned when an update is started while another one is running
	ErrUpdateInProgress = errors.New("an update is already in progress")

	// ErrInvalidManifest wraps every manifest validation failure
	ErrInvalidManifest = errors.New("invalid release manifest")
)

// VerificationError reports content whose SHA-256 did not match the expected value
type VerificationError struct {
	Target   string
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Target, e.Expected, e.Actual)
}

// HTTPStatusError reports a non-2xx response
type HTTPStatusError struct {
	Url        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP request to %s failed with status: %d", e.Url, e.StatusCode)
}

// Temporary reports whether retrying the request may succeed
func (e *HTTPStatusError) Temporary() bool {
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// DiffToolError reports an external diff or patch tool that exited with a non-zero code
type DiffToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *DiffToolError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, msg)
}

// isPermanentError reports errors that a retry cannot fix
func isPermanentError(err error) bool {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Temporary()
	}
	return errors.Is(err, ErrInvalidManifest)
}

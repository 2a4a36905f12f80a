package internal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultProgressInterval is how often the controller pushes a progress snapshot
const DefaultProgressInterval = 100 * time.Millisecond

// UpdateRequest asks for targetPath to be brought to Version
type UpdateRequest struct {
	Version        string       `json:"version"`
	CurrentVersion string       `json:"current_version,omitempty"`
	Architecture   Architecture `json:"architecture"`
	InstallType    InstallType  `json:"install_type"`
	TargetPath     string       `json:"target_path"`
}

// Validate checks that every required field is present
func (r *UpdateRequest) Validate() error {
	if r.Version == "" {
		return fmt.Errorf("version is required")
	}
	if r.TargetPath == "" {
		return fmt.Errorf("target_path is required")
	}
	if _, err := ParseArchitecture(string(r.Architecture)); err != nil {
		return err
	}
	if _, err := ParseInstallType(string(r.InstallType)); err != nil {
		return err
	}
	return nil
}

// UpdateController resolves the manifest of a request, runs the update service and streams
// its progress
type UpdateController struct {
	Releases *ReleaseClient
	Service  *UpdateService
	Interval time.Duration
	Log      *Logger
}

// NewUpdateController creates a controller with the default progress interval
func NewUpdateController(releases *ReleaseClient, service *UpdateService, log *Logger) *UpdateController {
	return &UpdateController{
		Releases: releases,
		Service:  service,
		Interval: DefaultProgressInterval,
		Log:      log,
	}
}

// ResolveManifest fetches the manifest for req, preferring the diff manifest from
// req.CurrentVersion when the release offers one
func (c *UpdateController) ResolveManifest(ctx context.Context, req *UpdateRequest) (*ReleaseManifest, error) {
	info, err := c.Releases.GetReleaseInfo(ctx, req.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to get release info of %s: %w", req.Version, err)
	}

	detail, ok := info.TryGetReleaseInfoDetail(req.Architecture, req.InstallType)
	if !ok {
		return nil, fmt.Errorf("%w: %s-%s", ErrNotSupported, req.Architecture, req.InstallType)
	}

	url, isDiff := detail.DiffManifestUrl(req.CurrentVersion)
	if isDiff {
		c.Log.PushLogInfo(c, fmt.Sprintf("Using diff manifest from %s: %s", req.CurrentVersion, url))
	}
	return c.Releases.GetReleaseManifest(ctx, url)
}

// Update runs req and sends a snapshot to stream every Interval until the state is terminal.
// The final snapshot is always sent. When ctx is cancelled it waits for the service to roll
// back before returning.
func (c *UpdateController) Update(ctx context.Context, req *UpdateRequest, stream ProgressStream) error {
	if err := req.Validate(); err != nil {
		return err
	}
	if c.Service.IsRunning() {
		return ErrUpdateInProgress
	}

	manifest, err := c.ResolveManifest(ctx, req)
	if err != nil {
		progress := &UpdateProgress{State: UpdateStateError, ErrorMessage: err.Error()}
		if IsNotSupported(err) {
			c.Service.SetNotSupported(err.Error())
			progress.State = UpdateStateNotSupport
		}
		if ctx.Err() == nil {
			c.sendProgress(stream, progress)
		}
		return err
	}

	return c.Run(ctx, manifest, req.TargetPath, stream)
}

// Run updates targetPath to manifest and streams progress like Update
func (c *UpdateController) Run(ctx context.Context, manifest *ReleaseManifest, targetPath string, stream ProgressStream) error {
	done, err := c.Service.StartUpdate(ctx, manifest, targetPath)
	if err != nil {
		c.sendProgress(stream, &UpdateProgress{State: UpdateStateError, ErrorMessage: err.Error()})
		return err
	}

	interval := c.Interval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			c.sendProgress(stream, c.Service.GetUpdateProgress())
			return err
		case <-ticker.C:
			progress := c.Service.GetUpdateProgress()
			if progress.State.IsTerminal() {
				// The final snapshot is sent once the run has returned
				continue
			}
			c.sendProgress(stream, progress)
		}
	}
}

func (c *UpdateController) sendProgress(stream ProgressStream, progress *UpdateProgress) {
	if stream == nil {
		return
	}
	if err := stream.Send(progress); err != nil {
		c.Log.PushLogDebug(c, fmt.Sprintf("Failed to send progress: %v", err))
	}
}

// IsNotSupported reports whether err means the platform has no build
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

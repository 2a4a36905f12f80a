package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/riverfog7/StarwardUpdater/internal"
)

func DiffCommand(cfg *internal.Config, logger *internal.Logger, cmd *DiffCmd) int {
	if len(cmd.OldPath) > len(cmd.OldVersion) {
		fmt.Fprintln(os.Stderr, "More --old-path values than --old-version values")
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := cfg.NewHTTPClient()
	defer client.CloseIdleConnections()
	releases := cfg.NewReleaseClient(client, logger)

	tempPath := cmd.TempPath
	if tempPath == "" {
		tempPath = filepath.Join(os.TempDir(), "starward_diff")
	}

	generator := &internal.DiffGenerator{
		Client:        releases,
		Differ:        cfg.NewHDiffTool(),
		TempDir:       tempPath,
		OutputFileDir: filepath.Join(cmd.OutputPath, "file"),
		Concurrency:   cfg.Concurrency,
		Log:           logger,
	}

	newManifest, err := loadManifest(ctx, releases, cmd.OutputPath, cmd.NewVersion, cmd.Arch, cmd.InstallType)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest of %s: %v\n", cmd.NewVersion, err)
		return 1
	}

	for i, oldVersion := range cmd.OldVersion {
		oldPath := ""
		if i < len(cmd.OldPath) {
			oldPath = cmd.OldPath[i]
		}

		oldManifest, err := loadManifest(ctx, releases, cmd.OutputPath, oldVersion, cmd.Arch, cmd.InstallType)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading manifest of %s: %v\n", oldVersion, err)
			return 1
		}

		diffManifest, err := generator.GenerateDiff(ctx, oldManifest, newManifest, oldPath, cmd.NewPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating diff from %s: %v\n", oldVersion, err)
			return 1
		}

		name := internal.ManifestName(cmd.NewVersion, cmd.Arch, cmd.InstallType, oldVersion)
		outputFile := filepath.Join(cmd.OutputPath, "manifest", name)
		if err := internal.WriteReleaseManifestFile(outputFile, diffManifest); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", outputFile, err)
			return 1
		}

		fmt.Printf("Diff %s -> %s: %d files to transfer (%s), manifest %s\n",
			oldVersion, cmd.NewVersion, diffManifest.DiffFileCount,
			summarizeSizeSimple(float64(diffManifest.DiffSize)), outputFile)
	}

	if err := os.RemoveAll(tempPath); err != nil {
		logger.PushLogWarning(nil, fmt.Sprintf("Failed to delete %s: %v", tempPath, err))
	}
	return 0
}

// loadManifest prefers the manifest in outputPath and falls back to the release server
func loadManifest(
	ctx context.Context,
	releases *internal.ReleaseClient,
	outputPath, version string,
	arch internal.Architecture,
	installType internal.InstallType,
) (*internal.ReleaseManifest, error) {
	local := filepath.Join(outputPath, "manifest", internal.ManifestName(version, arch, installType, ""))
	if _, err := os.Stat(local); err == nil {
		return internal.ReadReleaseManifestFile(local)
	}
	return releases.GetReleaseManifest(ctx, releases.ManifestUrl(version, arch, installType, ""))
}

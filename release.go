package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/riverfog7/StarwardUpdater/internal"
)

func ReleaseCreateCommand(cfg *internal.Config, logger *internal.Logger, cmd *ReleaseCreateCmd) int {
	releases := cfg.NewReleaseClient(nil, logger)

	buildTime := cmd.BuildTime
	if buildTime.IsZero() {
		buildTime = time.Now()
	}

	detail := &internal.ReleaseInfoDetail{
		Version:           cmd.Version,
		Architecture:      cmd.Arch,
		InstallType:       cmd.InstallType,
		BuildTime:         buildTime.UTC(),
		DisableAutoUpdate: internal.BoolConverter(cmd.DisableAuto),
		ManifestUrl:       releases.ManifestUrl(cmd.Version, cmd.Arch, cmd.InstallType, ""),
	}

	if cmd.Package != "" {
		hash, size, err := internal.Sha256File(cmd.Package)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading package %s: %v\n", cmd.Package, err)
			return 1
		}
		detail.PackageUrl = releases.PackageUrl(filepath.Base(cmd.Package))
		detail.PackageSize = size
		detail.PackageHash = hash
	}

	if len(cmd.Diff) > 0 {
		detail.Diffs = make(map[string]*internal.ReleaseInfoDiff, len(cmd.Diff))
		for _, diffVersion := range cmd.Diff {
			detail.Diffs[diffVersion] = &internal.ReleaseInfoDiff{
				DiffVersion: diffVersion,
				ManifestUrl: releases.ManifestUrl(cmd.Version, cmd.Arch, cmd.InstallType, diffVersion),
			}
		}
	}

	info := &internal.ReleaseInfo{
		Version: cmd.Version,
		Releases: map[string]*internal.ReleaseInfoDetail{
			internal.ReleaseKey(cmd.Arch, cmd.InstallType): detail,
		},
	}
	if err := internal.WriteReleaseInfoFile(cmd.OutputFile, info); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", cmd.OutputFile, err)
		return 1
	}

	fmt.Printf("Release info written to %s\n", cmd.OutputFile)
	return 0
}

func ReleaseCombineCommand(cfg *internal.Config, logger *internal.Logger, cmd *ReleaseCombineCmd) int {
	ctx, cancel := signalContext()
	defer cancel()

	infos := make([]*internal.ReleaseInfo, 0, len(cmd.Input))
	for _, input := range cmd.Input {
		info, err := internal.ReadReleaseInfoFile(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", input, err)
			return 1
		}
		infos = append(infos, info)
	}

	combined, err := internal.CombineReleaseInfos(infos)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error combining release info: %v\n", err)
		return 1
	}

	client := cfg.NewHTTPClient()
	defer client.CloseIdleConnections()
	releases := cfg.NewReleaseClient(client, logger)

	if err := combined.Prune(ctx, releases.IsUrlValid, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error validating release urls: %v\n", err)
		return 1
	}

	if err := internal.WriteReleaseInfoFile(cmd.OutputFile, combined); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", cmd.OutputFile, err)
		return 1
	}

	fmt.Printf("Combined %d releases of version %s into %s\n", len(combined.Releases), combined.Version, cmd.OutputFile)
	return 0
}

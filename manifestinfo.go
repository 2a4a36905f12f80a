package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/riverfog7/StarwardUpdater/internal"
)

// manifestSummary is the JSON written by the manifestinfo command
type manifestSummary struct {
	Version        string                `json:"version"`
	Architecture   internal.Architecture `json:"architecture"`
	InstallType    internal.InstallType  `json:"install_type"`
	FileCount      int                   `json:"file_count"`
	Size           int64                 `json:"size"`
	CompressedSize int64                 `json:"compressed_size"`
	DiffVersion    string                `json:"diff_version,omitempty"`
	DiffFileCount  int                   `json:"diff_file_count,omitempty"`
	DiffSize       int64                 `json:"diff_size,omitempty"`
	PatchedFiles   int                   `json:"patched_files"`
	ReusedFiles    int                   `json:"reused_files"`
	DeleteFiles    []string              `json:"delete_files,omitempty"`
}

func ManifestInfoCommand(cfg *internal.Config, logger *internal.Logger, cmd *ManifestInfoCmd) int {
	client := cfg.NewHTTPClient()
	defer client.CloseIdleConnections()
	releases := cfg.NewReleaseClient(client, logger)

	manifest, err := releases.LoadReleaseManifest(context.Background(), cmd.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error getting manifest: %v\n", err)
		return 1
	}

	summary := manifestSummary{
		Version:        manifest.Version,
		Architecture:   manifest.Architecture,
		InstallType:    manifest.InstallType,
		FileCount:      manifest.FileCount,
		Size:           manifest.Size,
		CompressedSize: manifest.CompressedSize,
		DiffVersion:    manifest.DiffVersion,
		DiffFileCount:  manifest.DiffFileCount,
		DiffSize:       manifest.DiffSize,
		DeleteFiles:    manifest.DeleteFiles,
	}
	for _, file := range manifest.Files {
		switch {
		case file.HasPatchBlob():
			summary.PatchedFiles++
		case file.IsReused():
			summary.ReusedFiles++
		}
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding summary: %v\n", err)
		return 1
	}

	if cmd.OutputPath == "-" {
		fmt.Println(string(data))
		return 0
	}
	if err := os.WriteFile(cmd.OutputPath, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", cmd.OutputPath, err)
		return 1
	}
	return 0
}

package main

import (
	"fmt"
	"os"

	"github.com/riverfog7/StarwardUpdater/internal"
)

func PackCommand(cfg *internal.Config, logger *internal.Logger, cmd *PackCmd) int {
	ctx, cancel := signalContext()
	defer cancel()

	urlPrefix := cmd.UrlPrefix
	if urlPrefix == "" {
		urlPrefix = cfg.BlobUrlPrefix
	}

	packer := &internal.Packer{
		Concurrency: cfg.Concurrency,
		Log:         logger,
		FileProcessed: func(processed, total int, path string) {
			fmt.Printf("\r[%d/%d] Packed    ", processed, total)
		},
	}

	result, err := packer.Pack(ctx, cmd.RootPath, cmd.OutputPath, cmd.Version, cmd.Arch, cmd.InstallType, urlPrefix)
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error packing %s: %v\n", cmd.RootPath, err)
		return 1
	}

	fmt.Printf("Manifest: %s (%d files, %s -> %s)\n", result.ManifestPath, result.Manifest.FileCount,
		summarizeSizeSimple(float64(result.Manifest.Size)),
		summarizeSizeSimple(float64(result.Manifest.CompressedSize)))
	return 0
}

package internal

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
)

// BinaryDiffer produces a patch that turns oldFile into newFile.
// Leaving patchFile absent without an error means no patch could be produced.
type BinaryDiffer interface {
	Diff(ctx context.Context, oldFile, newFile, patchFile string) error
}

// BinaryPatcher applies a patch produced by a BinaryDiffer
type BinaryPatcher interface {
	Patch(ctx context.Context, oldFile, patchFile, newFile string) error
}

// Default settings of the HDiffPatch command line tools
const (
	DefaultDiffToolPath    = "hdiffz"
	DefaultPatchToolPath   = "hpatchz"
	DefaultCompressionFlag = "-c-zstd-17"
)

// HDiffTool drives the external hdiffz and hpatchz executables
type HDiffTool struct {
	DiffPath        string
	PatchPath       string
	CompressionFlag string
}

// NewHDiffTool creates a tool using the executables found in PATH
func NewHDiffTool() *HDiffTool {
	return &HDiffTool{
		DiffPath:        DefaultDiffToolPath,
		PatchPath:       DefaultPatchToolPath,
		CompressionFlag: DefaultCompressionFlag,
	}
}

// Diff runs `hdiffz old new patch -c-zstd-17`
func (t *HDiffTool) Diff(ctx context.Context, oldFile, newFile, patchFile string) error {
	args := []string{oldFile, newFile, patchFile}
	if t.CompressionFlag != "" {
		args = append(args, t.CompressionFlag)
	}
	return runTool(ctx, t.DiffPath, args...)
}

// Patch runs `hpatchz old patch new -f`
func (t *HDiffTool) Patch(ctx context.Context, oldFile, patchFile, newFile string) error {
	return runTool(ctx, t.PatchPath, oldFile, patchFile, newFile, "-f")
}

// runTool executes name and turns a non-zero exit into a *DiffToolError carrying stderr
func runTool(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var output bytes.Buffer
	cmd.Stderr = &output
	cmd.Stdout = &output

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &DiffToolError{
			Tool:     filepath.Base(name),
			ExitCode: exitErr.ExitCode(),
			Stderr:   output.String(),
		}
	}
	return err
}

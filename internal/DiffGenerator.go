package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// DiffGenerator builds the diff manifest between two releases and writes the patch blobs
type DiffGenerator struct {
	Client        *ReleaseClient
	Differ        BinaryDiffer
	TempDir       string
	OutputFileDir string
	Concurrency   int
	Log           *Logger

	// FileProcessed is invoked once per file of the new release
	FileProcessed DelegateFileProcessed

	blobLocks sync.Map
}

// GenerateDiff returns a copy of newManifest whose files carry patch information against
// oldManifest. Files are resolved from oldPath/newPath when present there with the right
// hash and downloaded otherwise. Patch blobs are written to OutputFileDir under their id.
func (g *DiffGenerator) GenerateDiff(
	ctx context.Context,
	oldManifest, newManifest *ReleaseManifest,
	oldPath, newPath string,
) (*ReleaseManifest, error) {
	if g.Differ == nil {
		return nil, errors.New("no binary diff tool configured")
	}
	for _, dir := range []string{g.TempDir, g.OutputFileDir} {
		if err := EnsureDirectoryExists(dir); err != nil {
			return nil, err
		}
	}

	result := newManifest.Clone()
	total := len(result.Files)
	var processed atomic.Int32

	err := ParallelForEach(ctx, result.Files, g.Concurrency, func(ctx context.Context, file *ReleaseFile) error {
		if err := g.diffFile(ctx, oldManifest, result, file, oldPath, newPath); err != nil {
			return fmt.Errorf("failed to diff %s: %w", file.Path, err)
		}

		count := int(processed.Add(1))
		g.Log.PushLogInfo(g, fmt.Sprintf("[%d/%d] Processed %s", count, total, file.Path))
		if g.FileProcessed != nil {
			g.FileProcessed(count, total, file.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.DiffVersion = oldManifest.Version
	result.Recount()
	result.ComputeDiffStats()
	result.ComputeDeleteFiles(oldManifest)
	return result, nil
}

// diffFile fills file.Patch. Only file is written, so calls for distinct files may run in parallel.
func (g *DiffGenerator) diffFile(
	ctx context.Context,
	oldManifest, newManifest *ReleaseManifest,
	file *ReleaseFile,
	oldPath, newPath string,
) error {
	file.Patch = nil

	if old := MatchExactFile(oldManifest.Files, file.Size, file.Hash); old != nil {
		file.Patch = &ReleaseFilePatch{
			OldPath:     old.Path,
			OldFileSize: old.Size,
			OldFileHash: old.Hash,
		}
		return nil
	}

	old := MatchOldFile(file.Path, oldManifest.Files)
	if old == nil {
		return nil
	}

	newFile, err := g.resolveFile(ctx, newManifest, file, newPath)
	if err != nil {
		return err
	}
	oldFile, err := g.resolveFile(ctx, oldManifest, old, oldPath)
	if err != nil {
		return err
	}

	diffTemp := filepath.Join(g.TempDir, fmt.Sprintf("diff_%s_%s", old.Id, file.Id))
	if err := os.Remove(diffTemp); err != nil && !os.IsNotExist(err) {
		return err
	}
	defer os.Remove(diffTemp)

	if err := g.Differ.Diff(ctx, oldFile, newFile, diffTemp); err != nil {
		return err
	}

	data, err := os.ReadFile(diffTemp)
	if os.IsNotExist(err) {
		g.Log.PushLogWarning(g, fmt.Sprintf("No patch was produced for %s, it will be transferred in full", file.Path))
		return nil
	}
	if err != nil {
		return err
	}

	patchId := CreateBlobId(data)
	if err := moveFile(diffTemp, filepath.Join(g.OutputFileDir, patchId)); err != nil {
		return err
	}

	file.Patch = &ReleaseFilePatch{
		Id:          patchId,
		OldPath:     old.Path,
		OldFileSize: old.Size,
		OldFileHash: old.Hash,
		PatchSize:   int64(len(data)),
		PatchHash:   Sha256Hex(data),
	}
	return nil
}

// resolveFile returns a local path holding the content of file, downloading its blob into
// TempDir when root does not have it
func (g *DiffGenerator) resolveFile(ctx context.Context, manifest *ReleaseManifest, file *ReleaseFile, root string) (string, error) {
	if root != "" {
		if local, err := JoinReleasePath(root, file.Path); err == nil {
			if hash, size, err := Sha256File(local); err == nil && size == file.Size && HashEqual(hash, file.Hash) {
				return local, nil
			}
		}
	}

	if g.Client == nil {
		return "", fmt.Errorf("%s is not available locally and no release client is configured", file.Path)
	}
	temp := filepath.Join(g.TempDir, file.Id)

	// Several new files can share one old file
	lock, _ := g.blobLocks.LoadOrStore(temp, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	if err := g.Client.FetchBlobFile(ctx, manifest.BlobUrl(file.Id), file.Id, file.Hash, temp); err != nil {
		return "", err
	}
	return temp, nil
}

package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// Packer turns a build directory into compressed blobs plus a full manifest
type Packer struct {
	Concurrency      int
	CompressionLevel zstd.EncoderLevel
	Log              *Logger

	// FileProcessed is invoked once per packed file
	FileProcessed DelegateFileProcessed
}

// PackResult is the outcome of Pack
type PackResult struct {
	Manifest     *ReleaseManifest
	ManifestPath string
}

// Pack hashes and compresses every file under rootPath. Blobs go to {outputPath}/file/{id},
// the manifest to {outputPath}/manifest/{ManifestName}. Blobs that already exist are not rewritten.
func (p *Packer) Pack(
	ctx context.Context,
	rootPath, outputPath, version string,
	arch Architecture,
	installType InstallType,
	urlPrefix string,
) (*PackResult, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", rootPath)
	}

	level := p.CompressionLevel
	if level == 0 {
		level = zstd.SpeedBestCompression
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithZeroFrames(true))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()

	var paths []string
	err = filepath.WalkDir(rootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fileDir := filepath.Join(outputPath, "file")
	if err := EnsureDirectoryExists(fileDir); err != nil {
		return nil, err
	}

	files := make([]*ReleaseFile, len(paths))
	indices := make([]int, len(paths))
	for i := range indices {
		indices[i] = i
	}
	var processed atomic.Int32

	err = ParallelForEach(ctx, indices, p.Concurrency, func(ctx context.Context, i int) error {
		file, err := p.packFile(encoder, rootPath, paths[i], fileDir)
		if err != nil {
			return fmt.Errorf("failed to pack %s: %w", paths[i], err)
		}
		files[i] = file

		count := int(processed.Add(1))
		p.Log.PushLogDebug(p, fmt.Sprintf("[%d/%d] Packed %s", count, len(paths), file.Path))
		if p.FileProcessed != nil {
			p.FileProcessed(count, len(paths), file.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(a, b int) bool { return files[a].Path < files[b].Path })

	manifest := &ReleaseManifest{
		Version:      version,
		Architecture: arch,
		InstallType:  installType,
		UrlPrefix:    urlPrefix,
		Files:        files,
	}
	manifest.Recount()
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(outputPath, "manifest", ManifestName(version, arch, installType, ""))
	if err := WriteReleaseManifestFile(manifestPath, manifest); err != nil {
		return nil, err
	}

	p.Log.PushLogInfo(p, fmt.Sprintf("Packed %d files (%d bytes, %d compressed) into %s",
		manifest.FileCount, manifest.Size, manifest.CompressedSize, manifestPath))
	return &PackResult{Manifest: manifest, ManifestPath: manifestPath}, nil
}

// packFile compresses one file into fileDir. EncodeAll is safe for concurrent use.
func (p *Packer) packFile(encoder *zstd.Encoder, rootPath, path, fileDir string) (*ReleaseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2+64))
	file := &ReleaseFile{
		Id:             CreateBlobId(data),
		Path:           relativeSlashPath(rootPath, path),
		Size:           int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Hash:           Sha256Hex(data),
		CompressedHash: Sha256Hex(compressed),
	}

	blobPath := filepath.Join(fileDir, file.Id)
	if _, err := os.Stat(blobPath); err == nil {
		// Identical content was packed before; keep the stored blob so its hash stays valid
		hash, size, err := Sha256File(blobPath)
		if err == nil {
			file.CompressedHash = hash
			file.CompressedSize = size
			return file, nil
		}
	}

	// Identical files packed in parallel each get their own temporary name
	tmp, err := os.CreateTemp(fileDir, file.Id+".*"+tempUpdateSuffix)
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := os.Rename(tmp.Name(), blobPath); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return file, nil
}

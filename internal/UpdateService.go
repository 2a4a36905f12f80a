package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// VersionIniName is the file that marks which version an install tree holds
const VersionIniName = "version.ini"

// updateSource tells where the final content of a file comes from
type updateSource int

const (
	// sourceLocal: From already holds the final content
	sourceLocal updateSource = iota
	// sourceBlob: From is the zstd blob of the file
	sourceBlob
	// sourcePatch: From is a patch blob to apply to OldFile
	sourcePatch
)

// UpdateFile is one entry of the update plan
type UpdateFile struct {
	File    *ReleaseFile
	To      string
	From    string
	OldFile string
	Url     string
	InPlace bool

	DownloadSize int64
	DownloadHash string

	source updateSource
}

// updateRun holds the state of a single PrepareForUpdate call
type updateRun struct {
	manifest   *ReleaseManifest
	targetPath string
	index      *LocalFileIndex
	files      []*UpdateFile
	downloads  []*UpdateFile

	versionIniBackedUp bool
	hadVersionIni      bool
}

// UpdateService brings an install tree to the content of a release manifest.
// It runs one update at a time; progress can be read concurrently from any goroutine.
type UpdateService struct {
	Downloader    *Downloader
	Patcher       BinaryPatcher
	BaseDirectory string
	CacheFolder   string
	Concurrency   int
	Log           *Logger

	running         atomic.Bool
	state           atomic.Int32
	totalFiles      atomic.Int32
	downloadedFiles atomic.Int32
	totalBytes      atomic.Int64
	downloadedBytes atomic.Int64

	errMu        sync.Mutex
	errorMessage string
}

// NewUpdateService creates a service that reuses files found under baseDirectory and keeps
// its downloads in cacheFolder
func NewUpdateService(downloader *Downloader, patcher BinaryPatcher, baseDirectory, cacheFolder string, log *Logger) *UpdateService {
	return &UpdateService{
		Downloader:    downloader,
		Patcher:       patcher,
		BaseDirectory: baseDirectory,
		CacheFolder:   cacheFolder,
		Log:           log,
	}
}

// State returns the current state
func (s *UpdateService) State() UpdateState {
	return UpdateState(s.state.Load())
}

// IsRunning reports whether an update is in progress
func (s *UpdateService) IsRunning() bool {
	return s.running.Load()
}

// ErrorMessage returns the message of the last failed run
func (s *UpdateService) ErrorMessage() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.errorMessage
}

// GetUpdateProgress returns a snapshot of the counters
func (s *UpdateService) GetUpdateProgress() *UpdateProgress {
	return &UpdateProgress{
		State:           s.State(),
		TotalFiles:      s.totalFiles.Load(),
		DownloadedFiles: s.downloadedFiles.Load(),
		TotalBytes:      s.totalBytes.Load(),
		DownloadedBytes: s.downloadedBytes.Load(),
		ErrorMessage:    s.ErrorMessage(),
	}
}

func (s *UpdateService) setState(state UpdateState) {
	s.state.Store(int32(state))
	s.Log.PushLogDebug(s, fmt.Sprintf("Update state: %v", state))
}

func (s *UpdateService) setErrorMessage(message string) {
	s.errMu.Lock()
	s.errorMessage = message
	s.errMu.Unlock()
}

// SetNotSupported records that no build exists for the caller's platform
func (s *UpdateService) SetNotSupported(message string) {
	if s.running.Load() {
		return
	}
	s.setErrorMessage(message)
	s.setState(UpdateStateNotSupport)
}

// PrepareForUpdate runs an update to completion. See StartUpdate.
func (s *UpdateService) PrepareForUpdate(ctx context.Context, manifest *ReleaseManifest, targetPath string) error {
	done, err := s.StartUpdate(ctx, manifest, targetPath)
	if err != nil {
		return err
	}
	return <-done
}

// StartUpdate validates the request, switches to Pending and runs the update in the
// background. The returned channel yields the outcome once the state is terminal.
// Cancelling ctx stops the run, restores version.ini and ends in Stop; any other failure
// restores version.ini and ends in Error.
func (s *UpdateService) StartUpdate(ctx context.Context, manifest *ReleaseManifest, targetPath string) (<-chan error, error) {
	if manifest == nil {
		return nil, fmt.Errorf("%w: manifest is nil", ErrInvalidManifest)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if targetPath == "" {
		return nil, errors.New("target path cannot be empty")
	}
	if s.CacheFolder == "" {
		return nil, errors.New("cache folder is not configured")
	}
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrUpdateInProgress
	}

	s.totalFiles.Store(0)
	s.downloadedFiles.Store(0)
	s.totalBytes.Store(0)
	s.downloadedBytes.Store(0)
	s.setErrorMessage("")
	s.setState(UpdateStatePending)

	run := &updateRun{manifest: manifest, targetPath: targetPath}
	done := make(chan error, 1)
	go func() {
		err := s.run(ctx, run)
		s.running.Store(false)
		done <- err
		close(done)
	}()
	return done, nil
}

func (s *UpdateService) run(ctx context.Context, run *updateRun) error {
	s.Log.PushLogInfo(s, fmt.Sprintf("Updating %s to version %s", run.targetPath, run.manifest.Version))

	err := s.update(ctx, run)
	if err == nil {
		s.Log.PushLogInfo(s, fmt.Sprintf("Update to version %s finished", run.manifest.Version))
		return nil
	}

	if rollbackErr := s.restoreVersionIni(run); rollbackErr != nil {
		s.Log.PushLogError(s, fmt.Sprintf("Failed to restore %s: %v", VersionIniName, rollbackErr))
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.Log.PushLogWarning(s, "Update was cancelled")
		s.setState(UpdateStateStop)
		return err
	}

	s.Log.PushLogError(s, fmt.Sprintf("Update failed: %v", err))
	s.setErrorMessage(err.Error())
	s.setState(UpdateStateError)
	return err
}

func (s *UpdateService) update(ctx context.Context, run *updateRun) error {
	baseDirectory := s.BaseDirectory
	if baseDirectory == "" {
		baseDirectory = run.targetPath
	}

	entries, err := ComputeLocalFileHashes(ctx, baseDirectory, s.Concurrency, s.CacheFolder)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	run.index = NewLocalFileIndex(entries)
	for _, failed := range run.index.Failed() {
		s.Log.PushLogWarning(s, fmt.Sprintf("Cannot reuse %s: %v", failed.FullPath, failed.Err))
	}

	if err := EnsureDirectoryExists(run.targetPath); err != nil {
		return err
	}
	if err := s.backupVersionIni(run); err != nil {
		return fmt.Errorf("failed to back up %s: %w", VersionIniName, err)
	}

	if err := s.plan(run); err != nil {
		return err
	}
	if err := s.stageLocalSources(run); err != nil {
		return err
	}

	s.setState(UpdateStateDownloading)
	if err := s.downloadFiles(ctx, run); err != nil {
		return err
	}

	s.setState(UpdateStatePending)
	if err := s.finalizeFiles(ctx, run); err != nil {
		return err
	}

	s.deleteOldFiles(run)
	if err := os.RemoveAll(s.CacheFolder); err != nil {
		s.Log.PushLogWarning(s, fmt.Sprintf("Failed to delete update cache %s: %v", s.CacheFolder, err))
	}

	s.setState(UpdateStateFinish)
	return nil
}

// plan decides the source of every file and the distinct set of blobs to download
func (s *UpdateService) plan(run *updateRun) error {
	fileDir := filepath.Join(s.CacheFolder, "file")
	patchDir := filepath.Join(s.CacheFolder, "patch")
	downloads := make(map[string]*UpdateFile)

	for _, file := range run.manifest.Files {
		to, err := JoinReleasePath(run.targetPath, file.Path)
		if err != nil {
			return err
		}
		uf := &UpdateFile{File: file, To: to}

		if local, ok := run.index.Lookup(file.Hash, file.Size); ok {
			uf.source = sourceLocal
			uf.From = local.FullPath
			uf.InPlace = samePath(local.FullPath, to)
		} else if old, ok := s.patchBase(run, file); ok {
			uf.source = sourcePatch
			uf.OldFile = old.FullPath
			uf.From = filepath.Join(patchDir, file.Patch.Id)
			uf.Url = run.manifest.BlobUrl(file.Patch.Id)
			uf.DownloadSize = file.Patch.PatchSize
			uf.DownloadHash = file.Patch.PatchHash
		} else {
			uf.source = sourceBlob
			uf.From = filepath.Join(fileDir, file.Id)
			uf.Url = run.manifest.BlobUrl(file.Id)
			uf.DownloadSize = file.CompressedSize
			uf.DownloadHash = file.CompressedHash
		}

		if uf.source != sourceLocal {
			if _, ok := downloads[uf.From]; !ok {
				downloads[uf.From] = uf
				run.downloads = append(run.downloads, uf)
			}
		}
		run.files = append(run.files, uf)
	}

	var totalBytes int64
	for _, uf := range run.downloads {
		totalBytes += uf.DownloadSize
	}
	s.totalFiles.Store(int32(len(run.downloads)))
	s.totalBytes.Store(totalBytes)

	s.Log.PushLogInfo(s, fmt.Sprintf("%d files to update, %d blobs (%d bytes) to download",
		len(run.files), len(run.downloads), totalBytes))
	return nil
}

// patchBase returns the local predecessor of file when it can be rebuilt from a patch blob
func (s *UpdateService) patchBase(run *updateRun, file *ReleaseFile) (*LocalFileHash, bool) {
	if s.Patcher == nil || !file.HasPatchBlob() || file.Patch.PatchHash == "" {
		return nil, false
	}
	return run.index.Lookup(file.Patch.OldFileHash, file.Patch.OldFileSize)
}

// stageLocalSources copies local sources that another entry will overwrite into the cache,
// so finalizing files in parallel never reads a file that is being replaced
func (s *UpdateService) stageLocalSources(run *updateRun) error {
	destinations := make(map[string]struct{}, len(run.files))
	for _, uf := range run.files {
		destinations[normalizedFullPath(uf.To)] = struct{}{}
	}

	stageDir := filepath.Join(s.CacheFolder, "local")
	staged := make(map[string]string)
	stage := func(path, hash string) (string, error) {
		if dst, ok := staged[path]; ok {
			return dst, nil
		}
		dst := filepath.Join(stageDir, strings.ToLower(hash))
		if err := CopyFile(path, dst); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", path, err)
		}
		staged[path] = dst
		return dst, nil
	}

	for _, uf := range run.files {
		switch uf.source {
		case sourceLocal:
			if uf.InPlace {
				continue
			}
			if _, conflict := destinations[normalizedFullPath(uf.From)]; conflict {
				dst, err := stage(uf.From, uf.File.Hash)
				if err != nil {
					return err
				}
				uf.From = dst
			}
		case sourcePatch:
			if samePath(uf.OldFile, uf.To) {
				continue
			}
			if _, conflict := destinations[normalizedFullPath(uf.OldFile)]; conflict {
				dst, err := stage(uf.OldFile, uf.File.Patch.OldFileHash)
				if err != nil {
					return err
				}
				uf.OldFile = dst
			}
		}
	}
	return nil
}

// downloadFiles fetches every planned blob into the cache
func (s *UpdateService) downloadFiles(ctx context.Context, run *updateRun) error {
	return ParallelForEach(ctx, run.downloads, s.Concurrency, func(ctx context.Context, uf *UpdateFile) error {
		err := s.Downloader.DownloadFile(ctx, uf.From, uf.Url, uf.DownloadSize, uf.DownloadHash, func(n int64) {
			s.downloadedBytes.Add(n)
		})
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", uf.File.Path, err)
		}
		s.downloadedFiles.Add(1)
		return nil
	})
}

// finalizeFiles writes every file into the target and verifies it. version.ini goes last.
func (s *UpdateService) finalizeFiles(ctx context.Context, run *updateRun) error {
	var versionIni *UpdateFile
	files := make([]*UpdateFile, 0, len(run.files))
	for _, uf := range run.files {
		if isVersionIni(uf.File.Path) {
			versionIni = uf
			continue
		}
		files = append(files, uf)
	}

	finalize := func(ctx context.Context, uf *UpdateFile) error {
		if err := s.applyFile(ctx, uf); err != nil {
			return err
		}
		return s.verifyAndRepair(ctx, run, uf)
	}

	if err := ParallelForEach(ctx, files, s.Concurrency, finalize); err != nil {
		return err
	}
	if versionIni != nil {
		if err := finalize(ctx, versionIni); err != nil {
			return err
		}
	}
	return nil
}

// applyFile materializes uf.To from its planned source
func (s *UpdateService) applyFile(ctx context.Context, uf *UpdateFile) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch uf.source {
	case sourceLocal:
		if uf.InPlace {
			return nil
		}
		if err := CopyFile(uf.From, uf.To); err != nil {
			return fmt.Errorf("failed to copy %s: %w", uf.File.Path, err)
		}
	case sourceBlob:
		if err := decompressBlobTo(uf.From, uf.To); err != nil {
			return fmt.Errorf("failed to decompress %s: %w", uf.File.Path, err)
		}
	case sourcePatch:
		// A failed patch is repaired by the verification pass
		if err := s.applyPatch(ctx, uf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.Log.PushLogWarning(s, fmt.Sprintf("Failed to patch %s: %v", uf.File.Path, err))
		}
	}
	return nil
}

// applyPatch rebuilds uf.To from uf.OldFile and the patch window of the downloaded blob
func (s *UpdateService) applyPatch(ctx context.Context, uf *UpdateFile) error {
	patch := uf.File.Patch
	patchFile := uf.From
	if patch.Offset != 0 || (patch.Length != 0 && patch.Length != patch.PatchSize) {
		patchFile = fmt.Sprintf("%s_%d_%d", uf.From, patch.Offset, patch.Length)
		if err := ExtractChunk(uf.From, patch.Offset, patch.Length, patchFile); err != nil {
			return err
		}
		defer os.Remove(patchFile)
	}

	if err := EnsureDirectoryExists(filepath.Dir(uf.To)); err != nil {
		return err
	}
	tmp := uf.To + tempUpdateSuffix
	if err := s.Patcher.Patch(ctx, uf.OldFile, patchFile, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if _, err := os.Stat(uf.To); err == nil {
		if err := UnassignReadOnlyFromFileInfo(uf.To); err != nil {
			return err
		}
	}
	return os.Rename(tmp, uf.To)
}

// verifyAndRepair checks the final content of uf.To and replaces it with the full blob on mismatch
func (s *UpdateService) verifyAndRepair(ctx context.Context, run *updateRun, uf *UpdateFile) error {
	file := uf.File
	if hash, size, err := Sha256File(uf.To); err == nil && size == file.Size && HashEqual(hash, file.Hash) {
		return nil
	}

	s.Log.PushLogWarning(s, fmt.Sprintf("Verification failed for %s, downloading it again", file.Path))

	blob := filepath.Join(s.CacheFolder, "file", file.Id)
	s.totalFiles.Add(1)
	s.totalBytes.Add(file.CompressedSize)
	err := s.Downloader.DownloadFile(ctx, blob, run.manifest.BlobUrl(file.Id), file.CompressedSize, file.CompressedHash, func(n int64) {
		s.downloadedBytes.Add(n)
	})
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", file.Path, err)
	}
	s.downloadedFiles.Add(1)

	if err := decompressBlobTo(blob, uf.To); err != nil {
		return fmt.Errorf("failed to decompress %s: %w", file.Path, err)
	}

	hash, size, err := Sha256File(uf.To)
	if err != nil {
		return err
	}
	if size != file.Size || !HashEqual(hash, file.Hash) {
		os.Remove(uf.To)
		return &VerificationError{Target: uf.To, Expected: file.Hash, Actual: hash}
	}
	return nil
}

// deleteOldFiles removes the paths the manifest lists as obsolete
func (s *UpdateService) deleteOldFiles(run *updateRun) {
	if len(run.manifest.DeleteFiles) == 0 {
		return
	}

	current := make(map[string]struct{}, len(run.files))
	for _, uf := range run.files {
		current[normalizedFullPath(uf.To)] = struct{}{}
	}

	for _, path := range run.manifest.DeleteFiles {
		full, err := JoinReleasePath(run.targetPath, path)
		if err != nil {
			s.Log.PushLogWarning(s, fmt.Sprintf("Skipping delete of %s: %v", path, err))
			continue
		}
		if _, keep := current[normalizedFullPath(full)]; keep {
			continue
		}
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			s.Log.PushLogWarning(s, fmt.Sprintf("Failed to delete %s: %v", full, err))
			continue
		}
		s.Log.PushLogDebug(s, fmt.Sprintf("Deleted %s", full))
	}
}

// backupVersionIni copies the current version.ini into the cache before anything is written
func (s *UpdateService) backupVersionIni(run *updateRun) error {
	src := filepath.Join(run.targetPath, VersionIniName)
	backup := filepath.Join(s.CacheFolder, VersionIniName)

	if _, err := os.Stat(src); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		run.hadVersionIni = false
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			return err
		}
		run.versionIniBackedUp = true
		return nil
	}

	if err := CopyFile(src, backup); err != nil {
		return err
	}
	run.hadVersionIni = true
	run.versionIniBackedUp = true
	return nil
}

// restoreVersionIni puts the backed up version.ini back, or removes a version.ini that did
// not exist before the run
func (s *UpdateService) restoreVersionIni(run *updateRun) error {
	if !run.versionIniBackedUp {
		return nil
	}
	dst := filepath.Join(run.targetPath, VersionIniName)

	if !run.hadVersionIni {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return CopyFile(filepath.Join(s.CacheFolder, VersionIniName), dst)
}

// decompressBlobTo writes the decompressed content of a zstd blob to dst
func decompressBlobTo(blob, dst string) error {
	in, err := os.Open(blob)
	if err != nil {
		return err
	}
	defer in.Close()

	decoder, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer decoder.Close()

	return writeFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, decoder)
		return err
	})
}

func isVersionIni(path string) bool {
	return strings.EqualFold(NormalizeReleasePath(path), VersionIniName)
}

func normalizedFullPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return strings.ToLower(filepath.Clean(path))
}

func samePath(a, b string) bool {
	return normalizedFullPath(a) == normalizedFullPath(b)
}

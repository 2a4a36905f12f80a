package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReleaseManifest is the complete file listing of one build, optionally carrying patch
// information against an older build
type ReleaseManifest struct {
	Version        string         `json:"version"`
	Architecture   Architecture   `json:"architecture"`
	InstallType    InstallType    `json:"install_type"`
	FileCount      int            `json:"file_count"`
	Size           int64          `json:"size"`
	CompressedSize int64          `json:"compressed_size"`
	DiffVersion    string         `json:"diff_version,omitempty"`
	DiffFileCount  int            `json:"diff_file_count"`
	DiffSize       int64          `json:"diff_size"`
	UrlPrefix      string         `json:"url_prefix"`
	Files          []*ReleaseFile `json:"files"`
	DeleteFiles    []string       `json:"delete_files,omitempty"`
}

// ReleaseFile describes one file of a build and the compressed blob that carries it
type ReleaseFile struct {
	Id             string            `json:"id"`
	Path           string            `json:"path"`
	Size           int64             `json:"size"`
	CompressedSize int64             `json:"compressed_size"`
	Hash           string            `json:"hash"`
	CompressedHash string            `json:"compressed_hash"`
	Patch          *ReleaseFilePatch `json:"patch,omitempty"`
}

// ReleaseFilePatch links a file to its predecessor. Without an Id there is no patch blob:
// the old content is identical and is reused as is.
type ReleaseFilePatch struct {
	Id          string `json:"id,omitempty"`
	OldPath     string `json:"old_path"`
	OldFileSize int64  `json:"old_file_size"`
	OldFileHash string `json:"old_file_hash"`
	PatchSize   int64  `json:"patch_size"`
	PatchHash   string `json:"patch_hash,omitempty"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
}

// HasPatchBlob reports whether the file can be rebuilt from its predecessor plus a patch blob
func (f *ReleaseFile) HasPatchBlob() bool {
	return f.Patch != nil && f.Patch.Id != ""
}

// IsReused reports whether the file content is identical to a file of the previous build
func (f *ReleaseFile) IsReused() bool {
	return f.Patch != nil && f.Patch.Id == ""
}

// ManifestName builds the canonical manifest file name, lower-cased.
// diffVersion is empty for full manifests.
func ManifestName(version string, arch Architecture, installType InstallType, diffVersion string) string {
	name := fmt.Sprintf("manifest_%s_%s_%s", version, arch, installType)
	if diffVersion != "" {
		name += "_diff_" + diffVersion
	}
	return strings.ToLower(name + ".json")
}

// ParseReleaseManifest decodes a manifest, unwrapping a zstd frame when present, and validates it
func ParseReleaseManifest(data []byte) (*ReleaseManifest, error) {
	if IsZstdFrame(data) {
		decoded, err := DecompressZstd(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress manifest: %w", err)
		}
		data = decoded
	}

	var manifest ReleaseManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// ReadReleaseManifestFile loads and validates a manifest from disk
func ReadReleaseManifestFile(path string) (*ReleaseManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	manifest, err := ParseReleaseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}

// WriteReleaseManifestFile writes the manifest as indented JSON, creating parent directories
func WriteReleaseManifestFile(path string, manifest *ReleaseManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the structural invariants every consumer relies on
func (m *ReleaseManifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}
	if _, err := ParseArchitecture(string(m.Architecture)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if _, err := ParseInstallType(string(m.InstallType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.FileCount != len(m.Files) {
		return fmt.Errorf("%w: file_count is %d but %d files are listed", ErrInvalidManifest, m.FileCount, len(m.Files))
	}

	seen := make(map[string]struct{}, len(m.Files))
	for i, file := range m.Files {
		if file == nil {
			return fmt.Errorf("%w: files[%d] is null", ErrInvalidManifest, i)
		}
		path := NormalizeReleasePath(file.Path)
		if path == "" {
			return fmt.Errorf("%w: files[%d] has an empty path", ErrInvalidManifest, i)
		}
		for _, part := range strings.Split(path, "/") {
			if part == ".." {
				return fmt.Errorf("%w: path escapes the install root: %s", ErrInvalidManifest, file.Path)
			}
		}
		if file.Id == "" || file.Hash == "" {
			return fmt.Errorf("%w: %s is missing its id or hash", ErrInvalidManifest, file.Path)
		}
		if file.Size < 0 || file.CompressedSize < 0 {
			return fmt.Errorf("%w: %s has a negative size", ErrInvalidManifest, file.Path)
		}
		key := strings.ToLower(path)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: duplicate path %s", ErrInvalidManifest, file.Path)
		}
		seen[key] = struct{}{}

		if p := file.Patch; p != nil && (p.Offset < 0 || p.Length < 0 || p.PatchSize < 0) {
			return fmt.Errorf("%w: %s has a negative patch window", ErrInvalidManifest, file.Path)
		}
	}
	return nil
}

// Recount recomputes FileCount, Size and CompressedSize from Files
func (m *ReleaseManifest) Recount() {
	m.FileCount = len(m.Files)
	m.Size = 0
	m.CompressedSize = 0
	for _, file := range m.Files {
		m.Size += file.Size
		m.CompressedSize += file.CompressedSize
	}
}

// ComputeDiffStats derives DiffFileCount and DiffSize from the patch information of Files.
// Both count what an updater coming from DiffVersion has to transfer: every patch blob
// plus every file without any patch relation.
func (m *ReleaseManifest) ComputeDiffStats() {
	m.DiffFileCount = 0
	m.DiffSize = 0
	for _, file := range m.Files {
		switch {
		case file.Patch == nil:
			m.DiffFileCount++
			m.DiffSize += file.CompressedSize
		case file.Patch.Id != "":
			m.DiffFileCount++
			m.DiffSize += file.Patch.PatchSize
		}
	}
}

// ComputeDeleteFiles lists the paths of old that no longer exist in m.
// Only setup installs carry a delete list; portable installs leave it empty.
func (m *ReleaseManifest) ComputeDeleteFiles(old *ReleaseManifest) {
	m.DeleteFiles = nil
	if m.InstallType != InstallTypeSetup || old == nil {
		return
	}

	paths := make([]string, len(m.Files))
	for i, file := range m.Files {
		paths[i] = strings.ToLower(NormalizeReleasePath(file.Path))
	}
	current := ToSet(paths)
	for _, file := range old.Files {
		if _, ok := current[strings.ToLower(NormalizeReleasePath(file.Path))]; !ok {
			m.DeleteFiles = append(m.DeleteFiles, file.Path)
		}
	}
}

// Clone returns a deep copy of the manifest
func (m *ReleaseManifest) Clone() *ReleaseManifest {
	clone := *m
	clone.Files = make([]*ReleaseFile, len(m.Files))
	for i, file := range m.Files {
		f := *file
		if file.Patch != nil {
			patch := *file.Patch
			f.Patch = &patch
		}
		clone.Files[i] = &f
	}
	if m.DeleteFiles != nil {
		clone.DeleteFiles = append([]string(nil), m.DeleteFiles...)
	}
	return &clone
}

// BlobUrl returns the download URL of a blob id under the manifest's prefix
func (m *ReleaseManifest) BlobUrl(id string) string {
	return JoinUrl(m.UrlPrefix, id)
}

// JoinUrl joins a base URL and a path segment with exactly one slash
func JoinUrl(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(name, "/")
}

package internal

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalFileHash is the content hash of one file found under a directory.
// Err is set when the file could not be read; Hash and Size are meaningless then.
type LocalFileHash struct {
	Path     string
	FullPath string
	Size     int64
	Hash     string
	Err      error
}

// ComputeLocalFileHashes hashes every regular file under rootDir, and every link to one,
// with bounded parallelism.
// Directories listed in exclude are skipped. Result order is unspecified. A file that cannot
// be read yields an entry with Err set; only walk failures and cancellation fail the call.
func ComputeLocalFileHashes(ctx context.Context, rootDir string, maxConcurrency int, exclude ...string) ([]*LocalFileHash, error) {
	excluded := make(map[string]struct{}, len(exclude))
	for _, dir := range exclude {
		if abs, err := filepath.Abs(dir); err == nil {
			excluded[abs] = struct{}{}
		}
	}

	var entries []*LocalFileHash
	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == rootDir {
				return err
			}
			entries = append(entries, &LocalFileHash{FullPath: path, Path: relativeSlashPath(rootDir, path), Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if abs, err := filepath.Abs(path); err == nil {
				if _, skip := excluded[abs]; skip {
					return fs.SkipDir
				}
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			// Links are hashed through their target; a dangling link fails on its own entry
			if info, err := os.Stat(path); err == nil && !info.Mode().IsRegular() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}
		entries = append(entries, &LocalFileHash{FullPath: path, Path: relativeSlashPath(rootDir, path)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %s: %w", rootDir, err)
	}

	err = ParallelForEach(ctx, entries, maxConcurrency, func(ctx context.Context, entry *LocalFileHash) error {
		if entry.Err != nil {
			return nil
		}
		entry.Hash, entry.Size, entry.Err = Sha256File(entry.FullPath)
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func relativeSlashPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// LocalFileIndex looks up local files by content
type LocalFileIndex struct {
	byHash map[string][]*LocalFileHash
	failed []*LocalFileHash
}

// NewLocalFileIndex indexes the entries that hashed successfully
func NewLocalFileIndex(entries []*LocalFileHash) *LocalFileIndex {
	index := &LocalFileIndex{byHash: make(map[string][]*LocalFileHash, len(entries))}
	for _, entry := range entries {
		if entry.Err != nil {
			index.failed = append(index.failed, entry)
			continue
		}
		key := strings.ToLower(entry.Hash)
		index.byHash[key] = append(index.byHash[key], entry)
	}
	return index
}

// Lookup returns a local file with the given content, or false
func (i *LocalFileIndex) Lookup(hash string, size int64) (*LocalFileHash, bool) {
	if i == nil {
		return nil, false
	}
	for _, entry := range i.byHash[strings.ToLower(hash)] {
		if entry.Size == size {
			return entry, true
		}
	}
	return nil, false
}

// Failed returns the entries that could not be hashed
func (i *LocalFileIndex) Failed() []*LocalFileHash {
	if i == nil {
		return nil
	}
	return i.failed
}

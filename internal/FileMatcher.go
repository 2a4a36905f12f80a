package internal

import "strings"

// MatchExactFile returns the first file with the same size and content hash, or nil
func MatchExactFile(files []*ReleaseFile, size int64, hash string) *ReleaseFile {
	for _, file := range files {
		if file.Size == size && HashEqual(file.Hash, hash) {
			return file
		}
	}
	return nil
}

// MatchOldFile finds the most likely predecessor of newPath among oldFiles when no exact
// content match exists.
//
// Candidates must share the file name. The directory suffix a candidate has to end with
// starts as the full new path and loses one leading component per round, so the longest
// common suffix wins. Within a round a candidate at the same depth as newPath is preferred,
// otherwise the first suffix match in manifest order is taken. Nil means no candidate shares
// even the bare file name.
func MatchOldFile(newPath string, oldFiles []*ReleaseFile) *ReleaseFile {
	newParts := splitReleasePath(newPath)
	if len(newParts) == 0 {
		return nil
	}
	fileName := newParts[len(newParts)-1]

	oldParts := make([][]string, len(oldFiles))
	for i, file := range oldFiles {
		oldParts[i] = splitReleasePath(file.Path)
	}

	for depth := len(newParts); depth >= 1; depth-- {
		suffix := newParts[len(newParts)-depth:]
		var fallback *ReleaseFile

		for i, parts := range oldParts {
			if len(parts) == 0 || !strings.EqualFold(parts[len(parts)-1], fileName) {
				continue
			}
			if !hasPathSuffix(parts, suffix) {
				continue
			}
			if len(parts) == len(newParts) {
				return oldFiles[i]
			}
			if fallback == nil {
				fallback = oldFiles[i]
			}
		}

		if fallback != nil {
			return fallback
		}
	}

	return nil
}

func splitReleasePath(p string) []string {
	p = NormalizeReleasePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func hasPathSuffix(parts, suffix []string) bool {
	if len(suffix) > len(parts) {
		return false
	}
	offset := len(parts) - len(suffix)
	for i, part := range suffix {
		if !strings.EqualFold(parts[offset+i], part) {
			return false
		}
	}
	return true
}

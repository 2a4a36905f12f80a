package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func releaseFiles(paths ...string) []*ReleaseFile {
	files := make([]*ReleaseFile, len(paths))
	for i, p := range paths {
		files[i] = &ReleaseFile{Id: p, Path: p}
	}
	return files
}

func TestMatchExactFile(t *testing.T) {
	files := []*ReleaseFile{
		{Path: "a.dll", Size: 10, Hash: "aaaa"},
		{Path: "b.dll", Size: 20, Hash: "BBBB"},
		{Path: "c.dll", Size: 20, Hash: "bbbb"},
	}

	assert.Equal(t, "b.dll", MatchExactFile(files, 20, "bbbb").Path)
	assert.Nil(t, MatchExactFile(files, 11, "aaaa"))
	assert.Nil(t, MatchExactFile(files, 10, "cccc"))
}

func TestMatchOldFile(t *testing.T) {
	tests := []struct {
		name     string
		newPath  string
		oldPaths []string
		expected string
	}{
		{
			name:     "same path",
			newPath:  "app/lib/foo.dll",
			oldPaths: []string{"other/foo.dll", "app/lib/foo.dll"},
			expected: "app/lib/foo.dll",
		},
		{
			name:     "moved to another directory",
			newPath:  "c/foo.dll",
			oldPaths: []string{"a/b/foo.dll", "d/bar.dll"},
			expected: "a/b/foo.dll",
		},
		{
			name:     "longest common suffix wins",
			newPath:  "app-1.2/lib/x64/foo.dll",
			oldPaths: []string{"app-1.1/foo.dll", "app-1.1/lib/x64/foo.dll", "app-1.1/lib/foo.dll"},
			expected: "app-1.1/lib/x64/foo.dll",
		},
		{
			name:     "same depth preferred within a round",
			newPath:  "v2/lib/foo.dll",
			oldPaths: []string{"x/y/z/foo.dll", "v1/bin/foo.dll"},
			expected: "v1/bin/foo.dll",
		},
		{
			name:     "manifest order breaks ties",
			newPath:  "new/foo.dll",
			oldPaths: []string{"first/foo.dll", "second/foo.dll"},
			expected: "first/foo.dll",
		},
		{
			name:     "windows separators",
			newPath:  "app\\lib\\foo.dll",
			oldPaths: []string{"app/bin/foo.dll", "app/lib/foo.dll"},
			expected: "app/lib/foo.dll",
		},
		{
			name:     "file name compares without case",
			newPath:  "lib/FOO.dll",
			oldPaths: []string{"lib/foo.DLL"},
			expected: "lib/foo.DLL",
		},
		{
			name:     "no file with the same name",
			newPath:  "c/foo.dll",
			oldPaths: []string{"c/bar.dll", "foo.dll.bak"},
		},
		{
			name:     "suffix must align on components",
			newPath:  "foo.dll",
			oldPaths: []string{"libfoo.dll"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match := MatchOldFile(tt.newPath, releaseFiles(tt.oldPaths...))
			if tt.expected == "" {
				assert.Nil(t, match)
				return
			}
			if assert.NotNil(t, match) {
				assert.Equal(t, tt.expected, match.Path)
			}
		})
	}
}

func TestMatchOldFileIsDeterministic(t *testing.T) {
	oldFiles := releaseFiles("a/foo.dll", "b/foo.dll", "c/d/foo.dll", "e/foo.dll")
	first := MatchOldFile("z/foo.dll", oldFiles)
	for i := 0; i < 50; i++ {
		assert.Same(t, first, MatchOldFile("z/foo.dll", oldFiles))
	}
}

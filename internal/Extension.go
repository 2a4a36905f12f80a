package internal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the frame header every zstd stream starts with
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// sharedDecoder is safe for concurrent DecodeAll calls
var sharedDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// BytesToHex converts a byte slice to a hexadecimal string
func BytesToHex(bytes []byte) string {
	return hex.EncodeToString(bytes)
}

// HexToBytes converts a hexadecimal string to a byte slice
func HexToBytes(hexStr string) ([]byte, error) {
	if len(hexStr) == 0 {
		return []byte{}, nil
	}
	if len(hexStr)%2 == 1 {
		return nil, fmt.Errorf("hex string must have even length")
	}
	return hex.DecodeString(hexStr)
}

// HashEqual compares two hex digests ignoring case
func HashEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Sha256Hex returns the lower-case hex SHA-256 of data
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return BytesToHex(sum[:])
}

// Sha256Stream hashes everything r yields and returns the digest with the byte count
func Sha256Stream(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return BytesToHex(h.Sum(nil)), n, nil
}

// Sha256File hashes the file at path
func Sha256File(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return Sha256Stream(f)
}

// Xxh64Hex returns the 16-digit hex xxh64 of data
func Xxh64Hex(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// CreateBlobId builds the {xxh64}_{sha256} identifier of content
func CreateBlobId(data []byte) string {
	return Xxh64Hex(data) + "_" + Sha256Hex(data)
}

// TryGetBlobXxh64Hash attempts to extract the XXH64 hash from a blob id
func TryGetBlobXxh64Hash(id string) ([]byte, bool) {
	parts := strings.Split(id, "_")
	if len(parts) != 2 {
		return nil, false
	}

	if len(parts[0]) != 16 {
		return nil, false
	}

	hash, err := HexToBytes(parts[0])
	if err != nil {
		return nil, false
	}

	return hash, true
}

// CheckBlobXxh64Hash verifies data against the xxh64 half of its id.
// Ids without an xxh64 prefix pass.
func CheckBlobXxh64Hash(id string, data []byte) bool {
	expected, ok := TryGetBlobXxh64Hash(id)
	if !ok {
		return true
	}
	h := xxhash.New()
	h.Write(data)
	return bytes.Equal(h.Sum(nil), expected)
}

// IsZstdFrame reports whether data starts with a zstd frame header
func IsZstdFrame(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// DecompressZstd decodes a whole zstd payload
func DecompressZstd(data []byte) ([]byte, error) {
	return sharedDecoder.DecodeAll(data, nil)
}

// NormalizeReleasePath converts a manifest path to forward slashes without a leading "./" or "/"
func NormalizeReleasePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return strings.TrimLeft(p, "/")
}

// JoinReleasePath resolves a manifest path under root, refusing paths that escape it
func JoinReleasePath(root, relativePath string) (string, error) {
	rel := NormalizeReleasePath(relativePath)
	if rel == "" {
		return "", errors.New("empty release path")
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	within, err := filepath.Rel(root, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("release path escapes the target directory: %s", relativePath)
	}
	return full, nil
}

// EnsureDirectoryExists creates the directory and its parents when missing
func EnsureDirectoryExists(dirPath string) error {
	if dirPath == "" {
		return errors.New("directory path cannot be empty or null")
	}
	return os.MkdirAll(dirPath, 0755)
}

// UnassignReadOnlyFromFileInfo removes the read-only flag from a file
func UnassignReadOnlyFromFileInfo(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}

	if info.Mode()&0200 == 0 { // Check if write permission is not set
		// Make the file writable
		return os.Chmod(filePath, info.Mode()|0200)
	}

	return nil
}

// CopyFile copies src over dst through a temporary sibling, then renames it into place
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFileAtomic(dst, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

// tempUpdateSuffix marks files that are being written and not yet renamed into place
const tempUpdateSuffix = "_tempUpdate"

// writeFileAtomic fills a temporary sibling of dst using fill, then renames it over dst
func writeFileAtomic(dst string, fill func(w io.Writer) error) error {
	if err := EnsureDirectoryExists(filepath.Dir(dst)); err != nil {
		return err
	}

	tmp := dst + tempUpdateSuffix
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	if err := fill(out); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if _, err := os.Stat(dst); err == nil {
		if err := UnassignReadOnlyFromFileInfo(dst); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return os.Rename(tmp, dst)
}

// moveFile renames src to dst, falling back to copy and delete across devices
func moveFile(src, dst string) error {
	if err := EnsureDirectoryExists(filepath.Dir(dst)); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// ToSet converts a slice to a set (map with empty struct values)
func ToSet[T comparable](items []T) map[T]struct{} {
	set := make(map[T]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}

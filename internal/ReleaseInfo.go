package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ReleaseInfo lists every build of one version, keyed by ReleaseKey
type ReleaseInfo struct {
	Version  string                        `json:"version"`
	Releases map[string]*ReleaseInfoDetail `json:"releases"`
}

// ReleaseInfoDetail describes the build of one architecture and install type
type ReleaseInfoDetail struct {
	Version           string                      `json:"version"`
	Architecture      Architecture                `json:"architecture"`
	InstallType       InstallType                 `json:"install_type"`
	BuildTime         time.Time                   `json:"build_time"`
	DisableAutoUpdate BoolConverter               `json:"disable_auto_update"`
	PackageUrl        string                      `json:"package_url,omitempty"`
	PackageSize       int64                       `json:"package_size,omitempty"`
	PackageHash       string                      `json:"package_hash,omitempty"`
	ManifestUrl       string                      `json:"manifest_url"`
	Setup             *ReleaseSetup               `json:"setup,omitempty"`
	Diffs             map[string]*ReleaseInfoDiff `json:"diffs,omitempty"`
}

// ReleaseSetup describes a full installer package
type ReleaseSetup struct {
	Url  string `json:"url"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// ReleaseInfoDiff points to the diff manifest from DiffVersion to the detail's version
type ReleaseInfoDiff struct {
	DiffVersion string        `json:"diff_version"`
	ManifestUrl string        `json:"manifest_url"`
	SetupDiff   *ReleaseSetup `json:"setup_diff,omitempty"`
}

// ReleaseKey is the lower-cased "{arch}-{type}" key of ReleaseInfo.Releases
func ReleaseKey(arch Architecture, installType InstallType) string {
	return strings.ToLower(fmt.Sprintf("%s-%s", arch, installType))
}

// TryGetReleaseInfoDetail returns the build for arch and installType
func (r *ReleaseInfo) TryGetReleaseInfoDetail(arch Architecture, installType InstallType) (*ReleaseInfoDetail, bool) {
	if r == nil || r.Releases == nil {
		return nil, false
	}
	detail, ok := r.Releases[ReleaseKey(arch, installType)]
	return detail, ok && detail != nil
}

// DiffManifestUrl returns the diff manifest URL from currentVersion, falling back to the full manifest
func (d *ReleaseInfoDetail) DiffManifestUrl(currentVersion string) (string, bool) {
	if currentVersion != "" {
		if diff, ok := d.Diffs[currentVersion]; ok && diff != nil && diff.ManifestUrl != "" {
			return diff.ManifestUrl, true
		}
	}
	return d.ManifestUrl, false
}

// ParseReleaseInfo decodes a release info document
func ParseReleaseInfo(data []byte) (*ReleaseInfo, error) {
	var info ReleaseInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid release info: %w", err)
	}
	if info.Version == "" {
		return nil, fmt.Errorf("invalid release info: missing version")
	}
	if info.Releases == nil {
		info.Releases = make(map[string]*ReleaseInfoDetail)
	}
	return &info, nil
}

// ReadReleaseInfoFile loads a release info document from disk
func ReadReleaseInfoFile(path string) (*ReleaseInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := ParseReleaseInfo(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// WriteReleaseInfoFile writes the document as indented JSON
func WriteReleaseInfoFile(path string, info *ReleaseInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SameVersion compares two version strings semantically, falling back to a case-insensitive
// string comparison when either is not a semantic version
func SameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return va.Equal(vb)
}

// IsNewerVersion reports whether target is strictly newer than current.
// Unparsable versions compare as different, so any change counts as newer.
func IsNewerVersion(current, target string) bool {
	vc, errC := semver.NewVersion(current)
	vt, errT := semver.NewVersion(target)
	if errC != nil || errT != nil {
		return !strings.EqualFold(current, target)
	}
	return vt.GreaterThan(vc)
}

// CombineReleaseInfos merges documents of the same version. Later documents override
// entries of earlier ones with the same key.
func CombineReleaseInfos(infos []*ReleaseInfo) (*ReleaseInfo, error) {
	if len(infos) == 0 {
		return nil, fmt.Errorf("no release info to combine")
	}

	combined := &ReleaseInfo{
		Version:  infos[0].Version,
		Releases: make(map[string]*ReleaseInfoDetail),
	}
	for _, info := range infos {
		if !SameVersion(info.Version, combined.Version) {
			return nil, fmt.Errorf("release versions are not the same: %s and %s", combined.Version, info.Version)
		}
		for key, detail := range info.Releases {
			combined.Releases[strings.ToLower(key)] = detail
		}
	}
	return combined, nil
}

// UrlValidator reports whether a URL is reachable
type UrlValidator func(ctx context.Context, url string) bool

// Prune removes what cannot be downloaded: releases whose manifest URL is unreachable,
// package fields whose package URL is unreachable and diffs whose manifest URL is unreachable.
func (r *ReleaseInfo) Prune(ctx context.Context, valid UrlValidator, log *Logger) error {
	keys := make([]string, 0, len(r.Releases))
	for key := range r.Releases {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		detail := r.Releases[key]
		if detail == nil || detail.ManifestUrl == "" || !valid(ctx, detail.ManifestUrl) {
			log.PushLogWarning(r, fmt.Sprintf("Removing release %s: manifest is unreachable", key))
			delete(r.Releases, key)
			continue
		}

		if detail.PackageUrl != "" && !valid(ctx, detail.PackageUrl) {
			log.PushLogWarning(r, fmt.Sprintf("Clearing package of release %s: %s is unreachable", key, detail.PackageUrl))
			detail.PackageUrl = ""
			detail.PackageSize = 0
			detail.PackageHash = ""
		}

		for version, diff := range detail.Diffs {
			if diff == nil || diff.ManifestUrl == "" || !valid(ctx, diff.ManifestUrl) {
				log.PushLogWarning(r, fmt.Sprintf("Removing diff %s of release %s: manifest is unreachable", version, key))
				delete(detail.Diffs, version)
			}
		}
	}
	return ctx.Err()
}

package internal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Architecture is the CPU architecture a build targets. Values are matched case-insensitively
// and always serialized in lower case.
type Architecture string

const (
	ArchitectureX64   Architecture = "x64"
	ArchitectureArm64 Architecture = "arm64"
	ArchitectureX86   Architecture = "x86"
)

// InstallType is the distribution flavor of a build
type InstallType string

const (
	InstallTypePortable InstallType = "portable"
	InstallTypeSetup    InstallType = "setup"
)

// ParseArchitecture parses an architecture name ignoring case
func ParseArchitecture(s string) (Architecture, error) {
	switch a := Architecture(strings.ToLower(strings.TrimSpace(s))); a {
	case ArchitectureX64, ArchitectureArm64, ArchitectureX86:
		return a, nil
	default:
		return "", fmt.Errorf("unknown architecture: %q", s)
	}
}

// ParseInstallType parses an install type name ignoring case
func ParseInstallType(s string) (InstallType, error) {
	switch t := InstallType(strings.ToLower(strings.TrimSpace(s))); t {
	case InstallTypePortable, InstallTypeSetup:
		return t, nil
	default:
		return "", fmt.Errorf("unknown install type: %q", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler, used by both JSON and CLI flag parsing
func (a *Architecture) UnmarshalText(text []byte) error {
	parsed, err := ParseArchitecture(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (a Architecture) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(string(a))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by both JSON and CLI flag parsing
func (t *InstallType) UnmarshalText(text []byte) error {
	parsed, err := ParseInstallType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (t InstallType) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(string(t))), nil
}

// BoolConverter handles custom JSON unmarshaling for boolean values
// It supports parsing booleans from true/false, strings, and numbers
type BoolConverter bool

// UnmarshalJSON implements the json.Unmarshaler interface for BoolConverter
func (b *BoolConverter) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = false
		return nil
	}

	var directBool bool
	if err := json.Unmarshal(data, &directBool); err == nil {
		*b = BoolConverter(directBool)
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str == "" {
			*b = false
			return nil
		}
		parsedBool, err := strconv.ParseBool(str)
		if err != nil {
			return err
		}
		*b = BoolConverter(parsedBool)
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*b = BoolConverter(num != 0)
		return nil
	}

	return fmt.Errorf("cannot convert %s to bool", string(data))
}

// MarshalJSON implements the json.Marshaler interface for BoolConverter
func (b BoolConverter) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}

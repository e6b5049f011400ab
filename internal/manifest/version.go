package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// RuntimeAPIMajor is the major version of the plugin contract this runtime serves.
const RuntimeAPIMajor = 1

// VersionConstraint restricts acceptable versions to a single major version.
type VersionConstraint struct {
	MajorVersion int
}

// ParseVersionConstraint parses a string in the form "N.x" into a VersionConstraint.
func ParseVersionConstraint(s string) (*VersionConstraint, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("version constraint string is empty")
	}

	parts := strings.Split(trimmed, ".")
	if len(parts) != 2 || parts[1] != "x" {
		return nil, fmt.Errorf("invalid version constraint '%s' (expected format: N.x)", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid major version in constraint '%s'", s)
	}
	if major < 0 {
		return nil, fmt.Errorf("major version must be non-negative in constraint '%s'", s)
	}

	return &VersionConstraint{MajorVersion: major}, nil
}

// SatisfiesMajor reports whether the constraint admits the given major version.
func (vc *VersionConstraint) SatisfiesMajor(major int) bool {
	if vc == nil {
		return true
	}
	return vc.MajorVersion == major
}

// String returns the canonical representation of the constraint.
func (vc *VersionConstraint) String() string {
	if vc == nil {
		return ""
	}
	return fmt.Sprintf("%d.x", vc.MajorVersion)
}

// CheckRuntime verifies the manifest's runtimeVersion, if any, against this runtime.
func (m Manifest) CheckRuntime() error {
	if m.RuntimeVersion == "" {
		return nil
	}
	vc, err := ParseVersionConstraint(m.RuntimeVersion)
	if err != nil {
		return err
	}
	if !vc.SatisfiesMajor(RuntimeAPIMajor) {
		return fmt.Errorf("plugin targets runtime %s but this runtime serves %d.x", vc, RuntimeAPIMajor)
	}
	return nil
}

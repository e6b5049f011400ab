package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// ManifestError reports a single candidate that could not be parsed or validated.
// Discovery skips the candidate and continues.
type ManifestError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest %s: %s", e.Path, e.Reason)
}

// Unwrap exposes the underlying parse or validation error.
func (e *ManifestError) Unwrap() error {
	return e.Err
}

func newManifestError(path string, err error) *ManifestError {
	return &ManifestError{Path: path, Reason: err.Error(), Err: err}
}

// DiscoveryError reports names declared by more than one manifest. None of the
// colliding manifests is registered.
type DiscoveryError struct {
	// Collisions maps each duplicated name to every path declaring it.
	Collisions map[string][]string
}

func (e *DiscoveryError) Error() string {
	names := make([]string, 0, len(e.Collisions))
	for name := range e.Collisions {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("'%s' declared by %s", name, strings.Join(e.Collisions[name], ", ")))
	}

	return fmt.Sprintf(
		"duplicate plugin names discovered:\n  %s\nHint: rename or remove all but one declaration of each name",
		strings.Join(lines, "\n  "),
	)
}

// Paths returns the colliding paths for name.
func (e *DiscoveryError) Paths(name string) []string {
	return append([]string(nil), e.Collisions[name]...)
}

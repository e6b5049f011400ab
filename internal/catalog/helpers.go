package catalog

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const flowIDMaxLength = 64

var (
	flowIDPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)
	nonAlphanumericExpr = regexp.MustCompile(`[^a-z0-9]+`)
)

// FlowID converts a flow file path into the id its runs are stored under.
func FlowID(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}

	id := SanitizeName(base)
	if len(id) < 2 {
		id = "flow-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return id
}

// ValidateFlowID ensures the provided ID matches the allowed pattern.
func ValidateFlowID(id string) error {
	if id == "" {
		return fmt.Errorf("flow ID cannot be empty")
	}
	if len(id) > flowIDMaxLength {
		return fmt.Errorf("flow ID %q is too long: maximum length is %d characters", id, flowIDMaxLength)
	}
	if !flowIDPattern.MatchString(id) {
		return fmt.Errorf("invalid flow ID %q: must match %s", id, flowIDPattern.String())
	}
	return nil
}

// SanitizeName lowercases name and collapses every other character run into a dash.
func SanitizeName(name string) string {
	sanitized := nonAlphanumericExpr.ReplaceAllString(strings.ToLower(name), "-")
	sanitized = strings.Trim(sanitized, "-")
	if len(sanitized) > flowIDMaxLength {
		sanitized = strings.Trim(sanitized[:flowIDMaxLength], "-")
	}
	return sanitized
}

package plugin

import (
	"os"
	"strings"
	"time"
)

// RegistryConfig tunes record validation and call limits.
type RegistryConfig struct {
	// StrictValidation checks every record against its schema instead of
	// only the first one per session.
	StrictValidation bool
	// CallTimeout bounds a single plugin call. Zero means no limit.
	CallTimeout time.Duration
}

// DefaultConfig returns environment-aware defaults for the registry configuration.
func DefaultConfig() *RegistryConfig {
	return &RegistryConfig{
		StrictValidation: isCIEnvironment(),
	}
}

func isCIEnvironment() bool {
	ciEnvVars := []string{
		"CI",
		"CONTINUOUS_INTEGRATION",
		"GITHUB_ACTIONS",
		"GITLAB_CI",
		"JENKINS_HOME",
	}

	for _, key := range ciEnvVars {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" && strings.ToLower(value) != "false" && value != "0" {
			return true
		}
	}

	return false
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWPLUG_"

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// Load reads the configuration at path over the defaults, applies FLOWPLUG_*
// environment overrides and validates the result. A missing file at an empty
// path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, flowerrors.NewParseError(path, 0, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, flowerrors.NewParseError(path, extractLine(err), err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePaths anchors relative roots and catalog path at the config file's directory.
func (c *Config) resolvePaths(base string) {
	for i, root := range c.Roots {
		if root != "" && !filepath.IsAbs(root) {
			c.Roots[i] = filepath.Join(base, root)
		}
	}
	if c.CatalogPath != "" && !filepath.IsAbs(c.CatalogPath) {
		c.CatalogPath = filepath.Join(base, c.CatalogPath)
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.LogFormat = strings.ToLower(v)
	}
	if v, ok := get("ROOTS"); ok {
		c.Roots = filepath.SplitList(v)
	}
	if v, ok := get("CATALOG"); ok {
		c.CatalogPath = v
	}
	if v, ok := get("STRICT_VALIDATION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("STRICT_VALIDATION", v, err)
		}
		c.StrictValidation = b
	}
	if v, ok := get("CALL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("CALL_TIMEOUT", v, err)
		}
		c.CallTimeout = d
	}
	if v, ok := get("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("WORKERS", v, err)
		}
		c.Workers = n
	}
	if v, ok := get("METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("METRICS", v, err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

func envError(key, value string, err error) error {
	name := EnvPrefix + key
	return flowerrors.NewValidationError(name, fmt.Sprintf("invalid %s %q", name, value), err)
}

// Validate checks field formats.
func Validate(cfg *Config) error {
	if cfg == nil {
		return flowerrors.NewValidationError("", "configuration is nil", nil)
	}
	if err := validatorInstance().Struct(cfg); err != nil {
		return convertValidationError(err)
	}
	return nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	var typeErr *yaml.TypeError
	msg := err.Error()
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		msg = typeErr.Errors[0]
	}

	matches := yamlLineRegex.FindStringSubmatch(msg)
	if len(matches) != 2 {
		return 0
	}

	line, scanErr := strconv.Atoi(matches[1])
	if scanErr != nil {
		return 0
	}
	return line
}

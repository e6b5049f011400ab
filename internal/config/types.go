// Package config loads the flowplug runtime configuration: logging, plugin
// roots, registry limits and metrics.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	"github.com/alexisbeaulieu97/flowplug/internal/schema"
)

// Config is the runtime configuration document.
type Config struct {
	LogLevel         string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat        string        `yaml:"log_format" validate:"omitempty,oneof=console json"`
	Roots            []string      `yaml:"roots" validate:"dive,required,root_path"`
	StrictValidation bool          `yaml:"strict_validation"`
	CallTimeout      time.Duration `yaml:"call_timeout" validate:"min=0"`
	SchemaCacheSize  int           `yaml:"schema_cache_size" validate:"min=1,max=65536"`
	Workers          int           `yaml:"workers" validate:"min=1,max=256"`
	Metrics          Metrics       `yaml:"metrics"`
	CatalogPath      string        `yaml:"catalog_path" validate:"omitempty,root_path"`
}

// Metrics controls the prometheus collectors.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"omitempty,metric_name"`
}

// Default returns environment-aware defaults. Strict record validation is on
// when running under CI.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		LogFormat:        "console",
		Roots:            []string{"plugins"},
		StrictValidation: plugin.DefaultConfig().StrictValidation,
		SchemaCacheSize:  schema.DefaultCacheSize,
		Workers:          4,
		Metrics:          Metrics{Namespace: "flowplug"},
		CatalogPath:      defaultCatalogPath(),
	}
}

// Registry returns the registry settings carried by c.
func (c *Config) Registry() *plugin.RegistryConfig {
	return &plugin.RegistryConfig{
		StrictValidation: c.StrictValidation,
		CallTimeout:      c.CallTimeout,
	}
}

func defaultCatalogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".flowplug", "catalog.json")
	}
	return filepath.Join(home, ".flowplug", "catalog.json")
}

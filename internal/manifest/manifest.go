// Package manifest parses plugin declarations and discovers them under a set
// of roots.
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// LoaderKind selects the strategy that turns an entry point into an implementation.
type LoaderKind string

const (
	// LoaderNative loads a compiled module exposing the C ABI.
	LoaderNative LoaderKind = "native"
	// LoaderScripted loads a Lua script.
	LoaderScripted LoaderKind = "scripted"
)

// Valid reports whether k is a known loader kind.
func (k LoaderKind) Valid() bool {
	return k == LoaderNative || k == LoaderScripted
}

// BuiltinPrefix marks native entry points served by modules linked into the binary.
const BuiltinPrefix = "builtin:"

// Manifest declares a plugin's identity, capability, loader strategy and
// config schema. Manifests are values; the registry keeps its own deep copy.
type Manifest struct {
	Name            string          `yaml:"name" json:"name" validate:"required,plugin_name"`
	Capability      capability.Kind `yaml:"capability" json:"capability" validate:"required,capability"`
	LoaderKind      LoaderKind      `yaml:"loaderKind" json:"loaderKind" validate:"required,loader_kind"`
	EntryPoint      string          `yaml:"entryPoint" json:"entryPoint" validate:"required,entry_point"`
	Version         string          `yaml:"version" json:"version" validate:"required,semver"`
	ConfigSchema    record.Record   `yaml:"configSchema,omitempty" json:"configSchema,omitempty"`
	RecordSchema    record.Record   `yaml:"recordSchema,omitempty" json:"recordSchema,omitempty"`
	ConcurrencySafe bool            `yaml:"concurrencySafe,omitempty" json:"concurrencySafe,omitempty"`
	RuntimeVersion  string          `yaml:"runtimeVersion,omitempty" json:"runtimeVersion,omitempty" validate:"omitempty,runtime_version"`
	Description     string          `yaml:"description,omitempty" json:"description,omitempty"`

	// Path is where the manifest was found. Set by discovery.
	Path string `yaml:"-" json:"path,omitempty"`
}

// Clone returns a deep copy.
func (m Manifest) Clone() Manifest {
	out := m
	if m.ConfigSchema != nil {
		out.ConfigSchema = m.ConfigSchema.Clone()
	}
	if m.RecordSchema != nil {
		out.RecordSchema = m.RecordSchema.Clone()
	}
	return out
}

// Dir is the directory relative entry points resolve against.
func (m Manifest) Dir() string {
	if m.Path == "" || strings.HasPrefix(m.Path, BuiltinPrefix) {
		return ""
	}
	return filepath.Dir(m.Path)
}

// IsBuiltin reports whether a native entry point names a linked-in module.
func (m Manifest) IsBuiltin() bool {
	return m.LoaderKind == LoaderNative && strings.HasPrefix(m.EntryPoint, BuiltinPrefix)
}

// ScriptTarget splits a scripted entry point "path/to/file.lua:Name" into the
// script path, resolved against the manifest directory, and the global name.
func (m Manifest) ScriptTarget() (string, string, error) {
	idx := strings.LastIndex(m.EntryPoint, ":")
	if idx <= 0 || idx == len(m.EntryPoint)-1 {
		return "", "", fmt.Errorf("entry point %q must have the form <script>:<name>", m.EntryPoint)
	}
	script, name := m.EntryPoint[:idx], m.EntryPoint[idx+1:]
	if !filepath.IsAbs(script) && m.Dir() != "" {
		script = filepath.Join(m.Dir(), script)
	}
	return script, name, nil
}

// ModulePath resolves a non-builtin native entry point against the manifest directory.
func (m Manifest) ModulePath() string {
	if m.IsBuiltin() || filepath.IsAbs(m.EntryPoint) || m.Dir() == "" {
		return m.EntryPoint
	}
	return filepath.Join(m.Dir(), m.EntryPoint)
}

// BuiltinModule returns the module name of a builtin entry point.
func (m Manifest) BuiltinModule() string {
	return strings.TrimPrefix(m.EntryPoint, BuiltinPrefix)
}

func (m Manifest) String() string {
	return fmt.Sprintf("%s@%s (%s, %s)", m.Name, m.Version, m.Capability, m.LoaderKind)
}

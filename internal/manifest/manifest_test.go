package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/flowplug/internal/logger"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
)

const csvYAML = `name: csv_source
capability: source_connector
loaderKind: native
entryPoint: builtin:flowplug
version: 1.2.0
configSchema:
  type: object
  required: [path]
  properties:
    path:
      type: string
`

const timestampJSON = `{
  "name": "add_timestamp",
  "capability": "enrichment_function",
  "loaderKind": "native",
  "entryPoint": "builtin:flowplug",
  "version": "1.0.0",
  "concurrencySafe": true,
  "configSchema": {"type": "object"}
}`

const chunkerHCL = `
name        = "lua_upper"
capability  = "enrichment_function"
loader_kind = "scripted"
entry_point = "upper.lua:Upper"
version     = "0.3.1-beta"
runtime_version = "1.x"
config_schema = {
  type = "object"
  properties = {
    field = { type = "string" }
  }
}
`

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseSupportsEveryFormat(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	t.Run("yaml", func(t *testing.T) {
		path := writeFile(t, dir, "csv/plugin.yaml", csvYAML)
		m, err := ParseFile(path)
		require.NoError(t, err)
		assert.Equal(t, "csv_source", m.Name)
		assert.Equal(t, capability.KindSourceConnector, m.Capability)
		assert.True(t, m.IsBuiltin())
		assert.Equal(t, "flowplug", m.BuiltinModule())
		required, ok := m.ConfigSchema["required"].AsList()
		require.True(t, ok)
		assert.Len(t, required, 1)
		assert.Equal(t, path, m.Path)
	})

	t.Run("json", func(t *testing.T) {
		path := writeFile(t, dir, "ts/plugin.json", timestampJSON)
		m, err := ParseFile(path)
		require.NoError(t, err)
		assert.Equal(t, capability.KindEnrichmentFunction, m.Capability)
		assert.True(t, m.ConcurrencySafe)
	})

	t.Run("hcl", func(t *testing.T) {
		path := writeFile(t, dir, "lua/plugin.hcl", chunkerHCL)
		m, err := ParseFile(path)
		require.NoError(t, err)
		assert.Equal(t, LoaderScripted, m.LoaderKind)
		assert.Equal(t, "0.3.1-beta", m.Version)

		script, name, err := m.ScriptTarget()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "lua", "upper.lua"), script)
		assert.Equal(t, "Upper", name)

		props, ok := m.ConfigSchema["properties"].AsMap()
		require.True(t, ok)
		field, ok := props["field"].AsMap()
		require.True(t, ok)
		typ, _ := field.GetString("type")
		assert.Equal(t, "string", typ)
	})
}

func TestParseRejectsMalformedManifests(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		file  string
		body  string
		field string
	}{
		"bad semver":          {"plugin.yaml", strings.Replace(csvYAML, "1.2.0", "1.2", 1), "version"},
		"unknown capability":  {"plugin.yaml", strings.Replace(csvYAML, "source_connector", "sink", 1), "capability"},
		"uppercase name":      {"plugin.yaml", strings.Replace(csvYAML, "csv_source", "CSV", 1), "name"},
		"missing entry point": {"plugin.yaml", strings.Replace(csvYAML, "entryPoint: builtin:flowplug\n", "", 1), "entryPoint"},
		"script without name": {"plugin.hcl", strings.Replace(chunkerHCL, "upper.lua:Upper", "upper.lua", 1), "entryPoint"},
		"future runtime":      {"plugin.hcl", strings.Replace(chunkerHCL, `"1.x"`, `"2.x"`, 1), "runtimeVersion"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.file, []byte(tc.body))
			var validationErr *flowerrors.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tc.field, validationErr.Field)
		})
	}

	t.Run("unknown yaml field", func(t *testing.T) {
		t.Parallel()
		_, err := Parse("plugin.yaml", []byte(csvYAML+"colour: blue\n"))
		var parseErr *flowerrors.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Positive(t, parseErr.Line)
	})

	t.Run("empty document", func(t *testing.T) {
		t.Parallel()
		_, err := Parse("plugin.json", nil)
		var parseErr *flowerrors.ParseError
		require.ErrorAs(t, err, &parseErr)
	})
}

func TestDiscoverSkipsMalformedAndContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "csv/plugin.yaml", csvYAML)
	writeFile(t, dir, "broken/plugin.yaml", "name: [unterminated\n")
	writeFile(t, dir, ".hidden/plugin.json", timestampJSON)
	writeFile(t, dir, "notes/README.md", "not a manifest")

	buf := &bytes.Buffer{}
	log, err := logger.New(logger.Options{Level: "debug", Writer: buf})
	require.NoError(t, err)

	report, err := Discover(context.Background(), log, DirRoot{Dir: dir})
	require.NoError(t, err)
	require.Len(t, report.Manifests, 1)
	assert.Equal(t, "csv_source", report.Manifests[0].Name)
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, filepath.Join(dir, "broken", "plugin.yaml"), report.Skipped[0].Path)

	var sawWarning bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["level"] == "warn" {
			sawWarning = true
			assert.Equal(t, report.Skipped[0].Path, entry["path"])
		}
	}
	assert.True(t, sawWarning)
}

func TestDiscoverReportsDuplicateNamesAcrossRoots(t *testing.T) {
	t.Parallel()

	first := t.TempDir()
	second := t.TempDir()
	a := writeFile(t, first, "csv/plugin.yaml", csvYAML)
	b := writeFile(t, second, "other/plugin.yaml", csvYAML)
	writeFile(t, second, "ts/plugin.json", timestampJSON)

	report, err := Discover(context.Background(), nil, DirRoot{Dir: first}, DirRoot{Dir: second})

	var discoveryErr *DiscoveryError
	require.ErrorAs(t, err, &discoveryErr)
	assert.ElementsMatch(t, []string{a, b}, discoveryErr.Paths("csv_source"))
	assert.Contains(t, err.Error(), a)
	assert.Contains(t, err.Error(), b)

	require.Len(t, report.Manifests, 1, "neither colliding manifest is preferred")
	assert.Equal(t, "add_timestamp", report.Manifests[0].Name)
}

func TestDiscoverMissingRootIsSkipped(t *testing.T) {
	t.Parallel()

	static := StaticRoot{Label: "test", Manifests: []Manifest{{
		Name:       "add_timestamp",
		Capability: capability.KindEnrichmentFunction,
		LoaderKind: LoaderNative,
		EntryPoint: "builtin:test",
		Version:    "1.0.0",
	}}}

	report, err := Discover(context.Background(), nil, DirRoot{Dir: filepath.Join(t.TempDir(), "absent")}, static)
	require.NoError(t, err)
	require.Len(t, report.Manifests, 1)
	assert.Equal(t, "builtin:test/add_timestamp", report.Manifests[0].Path)
	require.Len(t, report.Skipped, 1)
}

func TestDiscoverHonorsCancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "csv/plugin.yaml", csvYAML)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Discover(ctx, nil, DirRoot{Dir: dir})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCloneDoesNotShareSchemas(t *testing.T) {
	t.Parallel()

	m, err := Parse("plugin.yaml", []byte(csvYAML))
	require.NoError(t, err)

	clone := m.Clone()
	delete(clone.ConfigSchema, "required")
	_, ok := m.ConfigSchema["required"]
	assert.True(t, ok)
}

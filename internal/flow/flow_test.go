package flow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
)

const validFlow = `flow_name: docs
description: chunk csv rows
on_data_error: abort
workers: 2
steps:
  - step_name: rows
    plugin: csv_source
    config:
      path: data.csv
  - step_name: stamp
    plugin: add_timestamp
    config:
      format: unix_ms
`

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		doc    string
		assert func(t *testing.T, f *Flow, err error)
	}{
		{
			name: "valid flow",
			doc:  validFlow,
			assert: func(t *testing.T, f *Flow, err error) {
				require.NoError(t, err)
				assert.Equal(t, "docs", f.Name)
				assert.Equal(t, AbortRun, f.Policy())
				assert.Equal(t, 2, f.Workers)
				assert.Equal(t, "csv_source", f.Source().PluginName)
				require.Len(t, f.Enrichments(), 1)
				format, ok := f.Enrichments()[0].Config.GetString("format")
				require.True(t, ok)
				assert.Equal(t, "unix_ms", format)
			},
		},
		{
			name: "malformed yaml reports line",
			doc:  "flow_name: x\nsteps: {\n",
			assert: func(t *testing.T, f *Flow, err error) {
				var parseErr *flowerrors.ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Equal(t, "flow.yaml", parseErr.Path)
				assert.Positive(t, parseErr.Line)
			},
		},
		{
			name: "missing name",
			doc:  "steps:\n  - step_name: a\n    plugin: csv_source\n",
			assert: func(t *testing.T, f *Flow, err error) {
				var valErr *flowerrors.ValidationError
				require.ErrorAs(t, err, &valErr)
				assert.Equal(t, "flow_name", valErr.Field)
			},
		},
		{
			name: "no steps",
			doc:  "flow_name: empty\nsteps: []\n",
			assert: func(t *testing.T, f *Flow, err error) {
				var valErr *flowerrors.ValidationError
				require.ErrorAs(t, err, &valErr)
				assert.Equal(t, "steps", valErr.Field)
			},
		},
		{
			name: "bad step name",
			doc:  "flow_name: x\nsteps:\n  - step_name: Read Rows\n    plugin: csv_source\n",
			assert: func(t *testing.T, f *Flow, err error) {
				var valErr *flowerrors.ValidationError
				require.ErrorAs(t, err, &valErr)
				assert.Equal(t, "steps[0].step_name", valErr.Field)
			},
		},
		{
			name: "unknown policy",
			doc:  "flow_name: x\non_data_error: retry\nsteps:\n  - step_name: a\n    plugin: csv_source\n",
			assert: func(t *testing.T, f *Flow, err error) {
				var valErr *flowerrors.ValidationError
				require.ErrorAs(t, err, &valErr)
				assert.Equal(t, "on_data_error", valErr.Field)
			},
		},
		{
			name: "duplicate step name",
			doc:  "flow_name: x\nsteps:\n  - step_name: a\n    plugin: csv_source\n  - step_name: a\n    plugin: add_timestamp\n",
			assert: func(t *testing.T, f *Flow, err error) {
				var valErr *flowerrors.ValidationError
				require.ErrorAs(t, err, &valErr)
				assert.Equal(t, "steps[1].step_name", valErr.Field)
			},
		},
		{
			name: "plugin bound twice",
			doc:  "flow_name: x\nsteps:\n  - step_name: a\n    plugin: csv_source\n  - step_name: b\n    plugin: add_timestamp\n  - step_name: c\n    plugin: add_timestamp\n",
			assert: func(t *testing.T, f *Flow, err error) {
				var valErr *flowerrors.ValidationError
				require.ErrorAs(t, err, &valErr)
				assert.Equal(t, "steps[2].plugin", valErr.Field)
				assert.Contains(t, valErr.Reason, "steps[1]")
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := Parse("flow.yaml", []byte(tc.doc))
			tc.assert(t, f, err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFlow), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "docs", f.Name)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	var parseErr *flowerrors.ParseError
	require.ErrorAs(t, err, &parseErr)
}

const validJSONFlow = `{
  "flow_name": "docs",
  "on_data_error": "abort",
  "steps": [
    {"step_name": "rows", "plugin": "csv_source", "config": {"path": "data.csv"}},
    {"step_name": "stamp", "plugin": "add_timestamp", "config": {"format": "unix_ms"}}
  ]
}`

func TestLoadJSONFlow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "flow.json")
	require.NoError(t, os.WriteFile(path, []byte(validJSONFlow), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "docs", f.Name)
	assert.Equal(t, AbortRun, f.Policy())
	assert.Equal(t, "csv_source", f.Source().PluginName)
	format, ok := f.Enrichments()[0].Config.GetString("format")
	require.True(t, ok)
	assert.Equal(t, "unix_ms", format)

	cases := map[string]struct {
		doc  string
		line int
	}{
		"syntax error":  {doc: "{\n  \"flow_name\": \"x\",\n  \"steps\": [,]\n}", line: 3},
		"unknown field": {doc: `{"flow_name": "x", "stepz": []}`, line: 0},
		"wrong type":    {doc: "{\n\"flow_name\": 3\n}", line: 2},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("broken.json", []byte(tc.doc))
			var parseErr *flowerrors.ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, "broken.json", parseErr.Path)
			assert.Equal(t, tc.line, parseErr.Line)
		})
	}

	_, err = Parse("flow.json", []byte(`{"flow_name": "x", "steps": [{"step_name": "Bad Name", "plugin": "csv_source"}]}`))
	var validationErr *flowerrors.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestPolicyDefaultsToSkip(t *testing.T) {
	t.Parallel()

	f := &Flow{Name: "x", Steps: []Step{{StepName: "a", PluginName: "csv_source"}}}
	require.NoError(t, f.Validate())
	assert.Equal(t, SkipRecord, f.Policy())
	assert.Empty(t, f.Enrichments())
}

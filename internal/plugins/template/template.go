// Package templateplugin implements render_template, an enrichment function
// that renders a Go text/template against each record and stores the output
// in a field.
package templateplugin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"text/template"

	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Name is the plugin name render_template registers under.
const Name = "render_template"

const defaultField = "rendered"

// data is what templates see: {{ .Record.title }} and {{ .Vars.prefix }}.
type data struct {
	Record map[string]any
	Vars   map[string]any
}

type settings struct {
	text      string
	label     string
	field     string
	hashField string
	vars      map[string]any
}

func parseSettings(cfg record.Record) (settings, error) {
	s := settings{field: defaultField, label: Name}
	if f, ok := cfg.GetString("field"); ok && f != "" {
		s.field = f
	}
	if f, ok := cfg.GetString("hash_field"); ok {
		s.hashField = f
	}
	if v, ok := cfg["vars"]; ok {
		vars, isMap := v.AsMap()
		if !isMap {
			return s, capability.ConfigError("vars must be an object")
		}
		s.vars = vars.Native()
	}

	inline, hasInline := cfg.GetString("template")
	source, hasSource := cfg.GetString("source")
	switch {
	case hasInline && hasSource:
		return s, capability.ConfigError("set either template or source, not both")
	case hasInline:
		s.text = inline
	case hasSource:
		content, err := os.ReadFile(source)
		if err != nil {
			return s, capability.ConfigError("read template %s: %v", source, err)
		}
		s.text = string(content)
		s.label = source
	default:
		return s, capability.ConfigError("template or source is required")
	}
	return s, nil
}

func compile(s settings) (*template.Template, error) {
	tmpl, err := template.New(s.label).Option("missingkey=error").Parse(s.text)
	if err != nil {
		return nil, capability.ConfigError("invalid template syntax: %v", err)
	}
	return tmpl, nil
}

type renderer struct {
	base     settings
	compiled *template.Template
}

// New creates a render_template instance.
func New() capability.EnrichmentFunction {
	return &renderer{}
}

var (
	_ capability.EnrichmentFunction = (*renderer)(nil)
	_ capability.Initializer        = (*renderer)(nil)
)

// Manifest declares render_template for the given native entry point.
func Manifest(entryPoint string) manifest.Manifest {
	return manifest.Manifest{
		Name:            Name,
		Capability:      capability.KindEnrichmentFunction,
		LoaderKind:      manifest.LoaderNative,
		EntryPoint:      entryPoint,
		Version:         "1.0.0",
		ConcurrencySafe: true,
		Description:     "Renders a Go template against each record into a field.",
		ConfigSchema: record.MustFromMap(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"template":   map[string]any{"type": "string"},
				"source":     map[string]any{"type": "string", "minLength": 1},
				"field":      map[string]any{"type": "string", "minLength": 1},
				"hash_field": map[string]any{"type": "string"},
				"vars":       map[string]any{"type": "object"},
			},
		}),
	}
}

// Init compiles the instantiate-time template once.
func (r *renderer) Init(ctx context.Context, cfg record.Record) error {
	s, err := parseSettings(cfg)
	if err != nil {
		return err
	}
	tmpl, err := compile(s)
	if err != nil {
		return err
	}
	r.base = s
	r.compiled = tmpl
	return nil
}

func (r *renderer) Process(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
	s, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}

	tmpl := r.compiled
	if tmpl == nil || s.text != r.base.text {
		if tmpl, err = compile(s); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data{Record: rec.Native(), Vars: s.vars}); err != nil {
		return nil, capability.DataError("render template: %v", err)
	}

	out := rec.Clone()
	if out == nil {
		out = record.Record{}
	}
	rendered := buf.String()
	out[s.field] = record.String(rendered)
	if s.hashField != "" {
		out[s.hashField] = record.String(hashContent(rendered))
	}
	return out, nil
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum)
}

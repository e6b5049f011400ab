// Package chunkerplugin implements text_chunker, an enrichment function that
// cuts a text field into ordered chunks.
package chunkerplugin

import (
	"context"

	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Name is the plugin name text_chunker registers under.
const Name = "text_chunker"

const (
	// DefaultChunkSize is the target chunk length in characters.
	DefaultChunkSize = 1000
	// DefaultOverlap applies to the fixed strategy only.
	DefaultOverlap = 200

	defaultField = "text"
	chunksField  = "chunks"
	countField   = "chunk_count"
)

type settings struct {
	field    string
	strategy Strategy
	size     int
	overlap  int
}

func parseSettings(cfg record.Record) (settings, error) {
	s := settings{field: defaultField, strategy: StrategyParagraph, size: DefaultChunkSize, overlap: DefaultOverlap}
	if f, ok := cfg.GetString("field"); ok && f != "" {
		s.field = f
	}
	if v, ok := cfg.GetString("strategy"); ok && v != "" {
		s.strategy = Strategy(v)
	}
	if s.strategy != StrategyParagraph && s.strategy != StrategyFixed {
		return s, capability.ConfigError("unknown strategy %q", s.strategy)
	}
	if _, present := cfg["chunk_size"]; present {
		n, ok := cfg.GetInt("chunk_size")
		if !ok || n <= 0 {
			return s, capability.ConfigError("chunk_size must be a positive integer")
		}
		s.size = n
	}
	if _, present := cfg["overlap"]; present {
		n, ok := cfg.GetInt("overlap")
		if !ok || n < 0 {
			return s, capability.ConfigError("overlap must be a non-negative integer")
		}
		s.overlap = n
	}
	if s.strategy == StrategyFixed && s.overlap >= s.size {
		return s, capability.ConfigError("overlap %d must be smaller than chunk_size %d", s.overlap, s.size)
	}
	return s, nil
}

type chunker struct{}

// New creates a text_chunker instance.
func New() capability.EnrichmentFunction {
	return chunker{}
}

var (
	_ capability.EnrichmentFunction = chunker{}
	_ capability.Initializer        = chunker{}
)

// Manifest declares text_chunker for the given native entry point.
func Manifest(entryPoint string) manifest.Manifest {
	return manifest.Manifest{
		Name:            Name,
		Capability:      capability.KindEnrichmentFunction,
		LoaderKind:      manifest.LoaderNative,
		EntryPoint:      entryPoint,
		Version:         "1.0.0",
		ConcurrencySafe: true,
		Description:     "Splits a text field into paragraph-grouped or fixed-size chunks.",
		ConfigSchema: record.MustFromMap(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"field":      map[string]any{"type": "string", "minLength": 1},
				"strategy":   map[string]any{"enum": []any{string(StrategyParagraph), string(StrategyFixed)}},
				"chunk_size": map[string]any{"type": "integer", "minimum": 1},
				"overlap":    map[string]any{"type": "integer", "minimum": 0},
			},
		}),
	}
}

// Init rejects settings the schema cannot express, such as an overlap larger
// than the chunk size.
func (chunker) Init(ctx context.Context, cfg record.Record) error {
	_, err := parseSettings(cfg)
	return err
}

func (chunker) Process(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
	s, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}
	text, ok := rec.GetString(s.field)
	if !ok {
		return nil, &capability.Error{
			Kind:    capability.ErrorData,
			Message: "record has no text field " + s.field,
			Details: record.Record{"field": record.String(s.field)},
		}
	}

	var pieces []string
	switch s.strategy {
	case StrategyFixed:
		pieces = Fixed(text, s.size, s.overlap)
	default:
		pieces = Paragraphs(text, s.size)
	}

	chunks := make([]record.Value, 0, len(pieces))
	for i, piece := range pieces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunks = append(chunks, record.Map(record.Record{
			"order": record.Number(float64(i)),
			"text":  record.String(piece),
		}))
	}

	out := rec.Clone()
	out[chunksField] = record.List(chunks...)
	out[countField] = record.Number(float64(len(chunks)))
	return out, nil
}

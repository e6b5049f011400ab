// Package timestampplugin implements add_timestamp, an enrichment function that
// stamps each record with the time it was processed.
//
// The function is deliberately not idempotent: processing the same record
// twice yields two records that differ in the timestamp field only.
package timestampplugin

import (
	"context"
	"time"

	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Name is the plugin name add_timestamp registers under.
const Name = "add_timestamp"

const (
	defaultField = "timestamp"

	formatRFC3339 = "rfc3339"
	formatUnixMs  = "unix_ms"
)

// Clock returns the current time.
type Clock func() time.Time

type stamper struct {
	now Clock
}

// New creates an add_timestamp instance reading the wall clock.
func New() capability.EnrichmentFunction {
	return NewWithClock(time.Now)
}

// NewWithClock creates an add_timestamp instance reading now.
func NewWithClock(now Clock) capability.EnrichmentFunction {
	return &stamper{now: now}
}

// Manifest declares add_timestamp for the given native entry point.
func Manifest(entryPoint string) manifest.Manifest {
	return manifest.Manifest{
		Name:            Name,
		Capability:      capability.KindEnrichmentFunction,
		LoaderKind:      manifest.LoaderNative,
		EntryPoint:      entryPoint,
		Version:         "1.0.0",
		ConcurrencySafe: true,
		Description:     "Adds the processing time to each record. Not idempotent.",
		ConfigSchema: record.MustFromMap(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"field":  map[string]any{"type": "string", "minLength": 1},
				"format": map[string]any{"enum": []any{formatRFC3339, formatUnixMs}},
			},
		}),
	}
}

func (s *stamper) Process(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
	field := defaultField
	if f, ok := cfg.GetString("field"); ok && f != "" {
		field = f
	}
	format := formatRFC3339
	if f, ok := cfg.GetString("format"); ok && f != "" {
		format = f
	}

	now := s.now().UTC()
	var stamp record.Value
	switch format {
	case formatRFC3339:
		stamp = record.String(now.Format(time.RFC3339Nano))
	case formatUnixMs:
		stamp = record.Number(float64(now.UnixMilli()))
	default:
		return nil, capability.ConfigError("unknown format %q", format)
	}

	out := rec.Clone()
	if out == nil {
		out = record.Record{}
	}
	out[field] = stamp
	return out, nil
}

// Package capability defines the contracts every plugin implements, whichever
// loader produced it.
//
// The runtime guarantees the following about how it drives an implementation:
//   - Connect is called exactly once per handle, only after the config has been
//     validated against the manifest's config schema.
//   - Read is called at most once per connected handle. Sources that want to
//     offer several passes must do so inside the returned Stream.
//   - Close is called exactly once, after the stream is exhausted or the flow is
//     cancelled, and also after a Connect that failed part way.
//   - Process calls on one handle never overlap unless the manifest declares
//     concurrencySafe.
//   - Connect and Close never run concurrently with any other call on the
//     same handle.
package capability

import (
	"context"
	"fmt"
	"io"

	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Kind names one of the two plugin roles.
type Kind string

const (
	// KindSourceConnector fetches records from an external system.
	KindSourceConnector Kind = "source_connector"
	// KindEnrichmentFunction transforms one record at a time.
	KindEnrichmentFunction Kind = "enrichment_function"
)

// Valid reports whether k is a known capability.
func (k Kind) Valid() bool {
	return k == KindSourceConnector || k == KindEnrichmentFunction
}

// SourceConnector fetches data from an external system as a stream of records.
type SourceConnector interface {
	Connect(ctx context.Context, config record.Record) error
	// Read returns the record stream. It is called at most once per handle.
	Read(ctx context.Context) (Stream, error)
	// Schema describes the records the connector produces.
	Schema(ctx context.Context) (record.Record, error)
	Close(ctx context.Context) error
}

// Stream yields records one at a time and returns io.EOF when exhausted.
// The context is the cancellation flag; long reads should poll ctx.Err().
type Stream interface {
	Next(ctx context.Context) (record.Record, error)
}

// EnrichmentFunction transforms a single record. Implementations are stateless
// by default.
type EnrichmentFunction interface {
	Process(ctx context.Context, rec record.Record, config record.Record) (record.Record, error)
}

// Initializer is implemented by enrichment functions that need the
// instantiate-time config before the first Process call. Functions that do not
// need it can ignore this interface; the runtime detects it via type assertion.
type Initializer interface {
	Init(ctx context.Context, config record.Record) error
}

// Implementation holds exactly one capability implementation.
type Implementation struct {
	source     SourceConnector
	enrichment EnrichmentFunction
}

// FromSource wraps a SourceConnector.
func FromSource(s SourceConnector) Implementation {
	return Implementation{source: s}
}

// FromEnrichment wraps an EnrichmentFunction.
func FromEnrichment(e EnrichmentFunction) Implementation {
	return Implementation{enrichment: e}
}

// Kind reports which capability is held. The empty Kind means none.
func (i Implementation) Kind() Kind {
	switch {
	case i.source != nil:
		return KindSourceConnector
	case i.enrichment != nil:
		return KindEnrichmentFunction
	default:
		return ""
	}
}

// Source returns the held SourceConnector, if any.
func (i Implementation) Source() (SourceConnector, bool) {
	return i.source, i.source != nil
}

// Enrichment returns the held EnrichmentFunction, if any.
func (i Implementation) Enrichment() (EnrichmentFunction, bool) {
	return i.enrichment, i.enrichment != nil
}

// Expect checks that the implementation holds the wanted capability.
func (i Implementation) Expect(want Kind) error {
	got := i.Kind()
	if got == "" {
		return fmt.Errorf("implementation holds no capability")
	}
	if got != want {
		return fmt.Errorf("implementation is a %s, manifest declares %s", got, want)
	}
	return nil
}

// SliceStream serves a fixed list of records.
type SliceStream struct {
	records []record.Record
	pos     int
}

// NewSliceStream returns a stream over recs.
func NewSliceStream(recs ...record.Record) *SliceStream {
	return &SliceStream{records: recs}
}

// Next implements Stream.
func (s *SliceStream) Next(ctx context.Context) (record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}

// StreamFunc adapts a function to the Stream interface.
type StreamFunc func(ctx context.Context) (record.Record, error)

// Next implements Stream.
func (f StreamFunc) Next(ctx context.Context) (record.Record, error) {
	return f(ctx)
}

// EnrichmentFunc adapts a function to the EnrichmentFunction interface.
type EnrichmentFunc func(ctx context.Context, rec record.Record, config record.Record) (record.Record, error)

// Process implements EnrichmentFunction.
func (f EnrichmentFunc) Process(ctx context.Context, rec record.Record, config record.Record) (record.Record, error) {
	return f(ctx, rec, config)
}

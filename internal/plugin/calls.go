package plugin

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Read starts the single pass over a connected source. Sources are not
// restartable: a second Read on the same handle is a StateError and never
// reaches the plugin. The descriptor stays Active until the returned Reader
// is exhausted or closed.
func (r *Registry) Read(ctx context.Context, name string) (*Reader, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	h, err := r.begin(d, "read", capability.KindSourceConnector)
	if err != nil {
		return nil, err
	}
	if !h.startRead() {
		r.end(d, h)
		return nil, &StateError{Name: name, State: d.State(), Op: "read", Reason: "read already started on this handle; sources are single-pass"}
	}

	src, _ := h.impl.Source()

	var schemaDoc record.Record
	err = r.invoke(ctx, d, h, "schema", capability.ErrorConfig, h.shared("schema", false, func(ctx context.Context) error {
		doc, err := src.Schema(ctx)
		schemaDoc = doc
		return err
	}))
	if err != nil {
		r.end(d, h)
		return nil, err
	}

	var stream capability.Stream
	err = r.invoke(ctx, d, h, "read", capability.ErrorData, h.shared("read", false, func(ctx context.Context) error {
		s, err := src.Read(ctx)
		stream = s
		return err
	}))
	if err == nil && stream == nil {
		err = normalize(name, "read", capability.ErrorFatal, capability.FatalError("read returned no stream"))
		r.fail(ctx, d, h, err)
	}
	if err != nil {
		r.end(d, h)
		return nil, err
	}

	return &Reader{registry: r, d: d, h: h, stream: stream, schema: schemaDoc}, nil
}

// Reader yields the records of one read session. Next is safe for
// concurrent use but calls are serialized. Once the stream has ended every
// further Next returns io.EOF without reaching the plugin.
type Reader struct {
	registry *Registry
	d        *Descriptor
	h        *Handle
	stream   capability.Stream
	schema   record.Record

	mu    sync.Mutex
	done  bool
	count int
}

// Next returns the next record or io.EOF. A DataError rejects one record and
// leaves the stream usable; any other failure ends the session.
func (rd *Reader) Next(ctx context.Context) (record.Record, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()

	if rd.done {
		return nil, io.EOF
	}

	var rec record.Record
	r := rd.registry
	err := r.invoke(ctx, rd.d, rd.h, "next", capability.ErrorData, rd.h.shared("next", false, func(ctx context.Context) error {
		next, err := rd.stream.Next(ctx)
		rec = next
		return err
	}))

	switch {
	case errors.Is(err, io.EOF):
		rd.finish()
		return nil, io.EOF
	case err != nil:
		if !IsKind(err, capability.ErrorData) {
			rd.finish()
		}
		return nil, err
	}

	if err := r.checkRecord(rd.h, rd.schema, rec); err != nil {
		return nil, err
	}
	rd.count++
	return rec, nil
}

// Count returns how many records were delivered.
func (rd *Reader) Count() int {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.count
}

// Close ends the session early. The handle stays connected; close the plugin
// through the registry.
func (rd *Reader) Close() {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.finish()
}

func (rd *Reader) finish() {
	if rd.done {
		return
	}
	rd.done = true
	rd.registry.end(rd.d, rd.h)
}

// Process runs a connected enrichment function on rec. config is merged over
// the instantiate-time config and validated against the config schema.
// Calls are serialized per handle unless the manifest declares
// concurrencySafe.
func (r *Registry) Process(ctx context.Context, name string, rec, config record.Record) (record.Record, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	h, err := r.begin(d, "process", capability.KindEnrichmentFunction)
	if err != nil {
		return nil, err
	}
	defer r.end(d, h)

	if rec == nil {
		rec = record.Record{}
	}
	merged := record.Merge(h.config, config)
	if err := r.checkConfig(name, h.manifest.ConfigSchema, merged); err != nil {
		return nil, err
	}
	if err := r.checkRecord(h, h.manifest.RecordSchema, rec); err != nil {
		return nil, err
	}

	fn, _ := h.impl.Enrichment()
	var out record.Record
	err = r.invoke(ctx, d, h, "process", capability.ErrorData, h.shared("process", !h.ConcurrencySafe(), func(ctx context.Context) error {
		result, err := fn.Process(ctx, rec.Clone(), merged)
		out = result
		return err
	}))
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = record.Record{}
	}
	return out, nil
}

// Schema returns the record schema of a plugin: the source's own schema for
// connected sources, the manifest's record schema otherwise.
func (r *Registry) Schema(ctx context.Context, name string) (record.Record, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	m := d.Manifest()
	if m.Capability != capability.KindSourceConnector {
		return m.RecordSchema.Clone(), nil
	}

	h, err := r.begin(d, "schema", capability.KindSourceConnector)
	if err != nil {
		return nil, err
	}
	defer r.end(d, h)

	src, _ := h.impl.Source()
	var doc record.Record
	err = r.invoke(ctx, d, h, "schema", capability.ErrorConfig, h.shared("schema", false, func(ctx context.Context) error {
		out, err := src.Schema(ctx)
		doc = out
		return err
	}))
	return doc, err
}

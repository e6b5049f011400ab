package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Factory constructs a fresh implementation for each create call.
type Factory func() capability.Implementation

// StaticModule serves Go implementations through the same symbol contract a
// shared library exposes. Handles are ids into a table owned by the module.
type StaticModule struct {
	name    string
	version uint32

	mu        sync.Mutex
	factories map[string]Factory
	instances map[uintptr]*staticInstance
	next      uintptr

	created     atomic.Int64
	destroyed   atomic.Int64
	doubleFrees atomic.Int64
}

type staticInstance struct {
	// mu guards the stream of a source. Enrichment calls are not serialized
	// here; the registry decides whether they may overlap.
	mu     sync.Mutex
	impl   capability.Implementation
	stream capability.Stream
}

// NewStaticModule returns an empty module speaking the current ABI.
func NewStaticModule(name string) *StaticModule {
	return &StaticModule{
		name:      name,
		version:   ABIVersion,
		factories: make(map[string]Factory),
		instances: make(map[uintptr]*staticInstance),
	}
}

// Name returns the module name used in builtin entry points.
func (m *StaticModule) Name() string { return m.name }

// WithABIVersion overrides the advertised ABI version.
func (m *StaticModule) WithABIVersion(v uint32) *StaticModule {
	m.version = v
	return m
}

// Export publishes a factory for name under the capability its
// implementations hold.
func (m *StaticModule) Export(name string, kind capability.Kind, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[SymbolName("create", name, kind)] = factory
}

// ExportSource publishes a source connector factory.
func (m *StaticModule) ExportSource(name string, factory func() capability.SourceConnector) {
	m.Export(name, capability.KindSourceConnector, func() capability.Implementation {
		return capability.FromSource(factory())
	})
}

// ExportEnrichment publishes an enrichment function factory.
func (m *StaticModule) ExportEnrichment(name string, factory func() capability.EnrichmentFunction) {
	m.Export(name, capability.KindEnrichmentFunction, func() capability.Implementation {
		return capability.FromEnrichment(factory())
	})
}

// ABIVersion implements Module.
func (m *StaticModule) ABIVersion() (uint32, error) {
	return m.version, nil
}

// Resolve implements Module.
func (m *StaticModule) Resolve(name string, kind capability.Kind) (Symbols, error) {
	m.mu.Lock()
	factory, ok := m.factories[SymbolName("create", name, kind)]
	m.mu.Unlock()
	if !ok {
		return Symbols{}, fmt.Errorf("module %s does not export %s", m.name, SymbolName("create", name, kind))
	}

	return Symbols{
		Create: func() uintptr {
			impl := factory()
			if impl.Kind() != kind {
				return 0
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			m.next++
			m.instances[m.next] = &staticInstance{impl: impl}
			m.created.Add(1)
			return m.next
		},
		Destroy: m.destroy,
		Call:    m.call,
	}, nil
}

// Close implements Module. Builtin modules live as long as the process.
func (m *StaticModule) Close() error { return nil }

// Live reports handles created and not yet destroyed.
func (m *StaticModule) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// Created reports how many handles were ever created.
func (m *StaticModule) Created() int64 { return m.created.Load() }

// Destroyed reports how many handles were destroyed.
func (m *StaticModule) Destroyed() int64 { return m.destroyed.Load() }

// DoubleFrees reports destroy calls on unknown or already destroyed handles.
func (m *StaticModule) DoubleFrees() int64 { return m.doubleFrees.Load() }

func (m *StaticModule) destroy(handle uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[handle]; !ok {
		m.doubleFrees.Add(1)
		return
	}
	delete(m.instances, handle)
	m.destroyed.Add(1)
}

func (m *StaticModule) lookup(handle uintptr) (*staticInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[handle]
	return inst, ok
}

func (m *StaticModule) call(ctx context.Context, handle uintptr, op Op, in []byte) (status Status, out []byte) {
	inst, ok := m.lookup(handle)
	if !ok {
		return fail(StatusFatal, fmt.Sprintf("unknown handle %d", handle), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			status, out = fail(StatusFatal, fmt.Sprintf("panic in %s: %v", op, r), nil)
		}
	}()

	if source, ok := inst.impl.Source(); ok {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		return m.callSource(ctx, inst, source, op, in)
	}
	if fn, ok := inst.impl.Enrichment(); ok {
		return callEnrichment(ctx, fn, op, in)
	}
	return fail(StatusFatal, "handle holds no capability", nil)
}

func (m *StaticModule) callSource(ctx context.Context, inst *staticInstance, source capability.SourceConnector, op Op, in []byte) (Status, []byte) {
	switch op {
	case OpConnect:
		var cfg record.Record
		if err := record.Unmarshal(in, &cfg); err != nil {
			return fail(StatusConfig, "decode config: "+err.Error(), nil)
		}
		return respond(op, source.Connect(ctx, cfg), nil)
	case OpRead:
		if inst.stream != nil {
			return fail(StatusFatal, "read already called on this handle", nil)
		}
		stream, err := source.Read(ctx)
		if err != nil {
			return respond(op, err, nil)
		}
		inst.stream = stream
		return StatusOK, nil
	case OpNext:
		if inst.stream == nil {
			return fail(StatusFatal, "next called before read", nil)
		}
		rec, err := inst.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return StatusEndOfStream, nil
		}
		return respond(op, err, rec)
	case OpSchema:
		rec, err := source.Schema(ctx)
		return respond(op, err, rec)
	case OpClose:
		return respond(op, source.Close(ctx), nil)
	}
	return StatusNotImplemented, nil
}

func callEnrichment(ctx context.Context, fn capability.EnrichmentFunction, op Op, in []byte) (Status, []byte) {
	switch op {
	case OpProcess:
		var req processRequest
		if err := record.Unmarshal(in, &req); err != nil {
			return fail(StatusData, "decode request: "+err.Error(), nil)
		}
		out, err := fn.Process(ctx, req.Record, req.Config)
		return respond(op, err, out)
	case OpInit:
		initializer, ok := fn.(capability.Initializer)
		if !ok {
			return StatusNotImplemented, nil
		}
		var cfg record.Record
		if err := record.Unmarshal(in, &cfg); err != nil {
			return fail(StatusConfig, "decode config: "+err.Error(), nil)
		}
		return respond(op, initializer.Init(ctx, cfg), nil)
	}
	return StatusNotImplemented, nil
}

// respond encodes either the error or the successful record.
func respond(op Op, err error, rec record.Record) (Status, []byte) {
	if err != nil {
		var tagged *capability.Error
		if errors.As(err, &tagged) {
			message := tagged.Message
			if tagged.Err != nil {
				message = strings.TrimPrefix(message+": "+tagged.Err.Error(), ": ")
			}
			return fail(statusFor(tagged.Kind), message, tagged.Details)
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fail(StatusCancelled, err.Error(), record.Record{"cause": record.String(causeDeadlineExceeded)})
		case errors.Is(err, context.Canceled):
			return fail(StatusCancelled, err.Error(), record.Record{"cause": record.String(causeCanceled)})
		}
		return fail(defaultStatus(op), err.Error(), nil)
	}
	if rec == nil {
		return StatusOK, nil
	}
	out, encErr := record.Marshal(rec)
	if encErr != nil {
		return fail(StatusData, "encode record: "+encErr.Error(), nil)
	}
	return StatusOK, out
}

func fail(status Status, message string, details record.Record) (Status, []byte) {
	out, err := record.Marshal(errorPayload{Message: message, Details: details})
	if err != nil {
		return StatusFatal, nil
	}
	return status, out
}

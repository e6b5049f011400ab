package plugin

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/flowplug/internal/loader"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Descriptor is the registry entry for one plugin name: its manifest, its
// lifecycle state and, while connected, its handle.
type Descriptor struct {
	name string

	mu       sync.Mutex
	manifest manifest.Manifest
	state    State
	handle   *Handle
	lastErr  error
}

// Name returns the plugin name.
func (d *Descriptor) Name() string { return d.name }

// Manifest returns a copy of the current manifest.
func (d *Descriptor) Manifest() manifest.Manifest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manifest.Clone()
}

// State returns the current lifecycle state.
func (d *Descriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Handle returns the live handle, if any.
func (d *Descriptor) Handle() (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handle, d.handle != nil
}

// LastError returns the failure that moved the descriptor to Failed.
func (d *Descriptor) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Snapshot is a point-in-time view of a descriptor.
type Snapshot struct {
	Name      string            `json:"name"`
	State     State             `json:"state"`
	HandleID  string            `json:"handle_id,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	Manifest  manifest.Manifest `json:"manifest"`
}

func (d *Descriptor) snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{Name: d.name, State: d.state, Manifest: d.manifest.Clone()}
	if d.handle != nil {
		s.HandleID = d.handle.id
	}
	if d.lastErr != nil {
		s.LastError = d.lastErr.Error()
	}
	return s
}

// Handle is the registry-owned reference to one instantiated implementation.
// Callers never invoke it directly; the registry drives it by name.
type Handle struct {
	id       string
	manifest manifest.Manifest
	impl     capability.Implementation
	release  loader.Release
	config   record.Record

	// callMu is shared by calls and exclusive for connect and close.
	callMu    sync.RWMutex
	processMu sync.Mutex
	dead      bool

	// active counts in-flight calls and open streams; guarded by the owning
	// descriptor's mu.
	active int

	readStarted bool
	validated   bool
	checkMu     sync.Mutex

	shutdownOnce sync.Once
}

func newHandle(m manifest.Manifest, impl capability.Implementation, release loader.Release, config record.Record) *Handle {
	return &Handle{
		id:       uuid.NewString(),
		manifest: m,
		impl:     impl,
		release:  release,
		config:   config.Clone(),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Name returns the plugin name.
func (h *Handle) Name() string { return h.manifest.Name }

// Capability returns the capability the handle implements.
func (h *Handle) Capability() capability.Kind { return h.manifest.Capability }

// LoaderKind returns the strategy that produced the handle.
func (h *Handle) LoaderKind() manifest.LoaderKind { return h.manifest.LoaderKind }

// ConcurrencySafe reports whether process may run concurrently on this handle.
func (h *Handle) ConcurrencySafe() bool { return h.manifest.ConcurrencySafe }

// shared wraps fn so it runs while holding the call lock in shared mode.
// Unless the manifest allows concurrency, serialize also holds processMu.
func (h *Handle) shared(op string, serialize bool, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		h.callMu.RLock()
		defer h.callMu.RUnlock()
		if h.dead {
			return &StateError{Name: h.Name(), State: StateClosed, Op: op, Reason: "handle already released"}
		}
		if serialize {
			h.processMu.Lock()
			defer h.processMu.Unlock()
		}
		return fn(ctx)
	}
}

// exclusive wraps fn so no other call on the handle runs alongside it.
func (h *Handle) exclusive(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		h.callMu.Lock()
		defer h.callMu.Unlock()
		return fn(ctx)
	}
}

// startRead marks the single read of a connected source.
func (h *Handle) startRead() bool {
	h.checkMu.Lock()
	defer h.checkMu.Unlock()
	if h.readStarted {
		return false
	}
	h.readStarted = true
	return true
}

// needsCheck reports whether the next record must be validated.
func (h *Handle) needsCheck(strict bool) bool {
	h.checkMu.Lock()
	defer h.checkMu.Unlock()
	if strict || !h.validated {
		h.validated = true
		return true
	}
	return false
}

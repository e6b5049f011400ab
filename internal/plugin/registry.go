// Package plugin owns plugin descriptors and drives their lifecycle:
//
//	Discovered -> Loaded -> Connected -> Active <-> Connected -> Closed
//	Loaded | Connected | Active -> Failed
//
// Orchestrators talk to a Registry by plugin name and never touch loaders or
// raw implementations. A Registry is an ordinary value; independent
// registries share nothing.
package plugin

import (
	"context"
	"errors"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexisbeaulieu97/flowplug/internal/loader"
	"github.com/alexisbeaulieu97/flowplug/internal/loader/native"
	"github.com/alexisbeaulieu97/flowplug/internal/loader/scripted"
	"github.com/alexisbeaulieu97/flowplug/internal/logger"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/internal/schema"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

const tracerName = "github.com/alexisbeaulieu97/flowplug/internal/plugin"

// Registry maps plugin names to descriptors.
type Registry struct {
	descriptors cmap.ConcurrentMap[string, *Descriptor]
	loaders     map[manifest.LoaderKind]loader.Loader
	schemas     *schema.Validator
	cfg         RegistryConfig
	log         *logger.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg *RegistryConfig) Option {
	return func(r *Registry) {
		if cfg != nil {
			r.cfg = *cfg
		}
	}
}

// WithLoader installs the loader for its kind, replacing the default.
func WithLoader(l loader.Loader) Option {
	return func(r *Registry) { r.loaders[l.Kind()] = l }
}

// WithMetrics records calls and transitions on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithSchemaValidator shares a schema cache between registries.
func WithSchemaValidator(v *schema.Validator) Option {
	return func(r *Registry) { r.schemas = v }
}

// NewRegistry returns an empty registry. Loaders not supplied through
// WithLoader default to a native loader without built-in modules and a
// scripted loader.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		descriptors: cmap.New[*Descriptor](),
		loaders:     make(map[manifest.LoaderKind]loader.Loader),
		cfg:         *DefaultConfig(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if _, ok := r.loaders[manifest.LoaderNative]; !ok {
		r.loaders[manifest.LoaderNative] = native.NewLoader(native.WithLogger(r.log))
	}
	if _, ok := r.loaders[manifest.LoaderScripted]; !ok {
		r.loaders[manifest.LoaderScripted] = scripted.NewLoader(r.log)
	}
	if r.schemas == nil {
		r.schemas, _ = schema.NewValidator(schema.DefaultCacheSize)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	return r
}

// Register inserts a descriptor in state Discovered, or replaces the manifest
// of a descriptor that holds no handle. Re-registering a Closed or Failed
// descriptor resets it to Discovered.
func (r *Registry) Register(m manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}

	fresh := &Descriptor{name: m.Name, manifest: m.Clone(), state: StateDiscovered}
	if r.descriptors.SetIfAbsent(m.Name, fresh) {
		r.log.Debug("plugin registered", "plugin", m.Name, "capability", string(m.Capability), "loader", string(m.LoaderKind))
		return nil
	}

	d, _ := r.descriptors.Get(m.Name)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.Live() || d.state == StateLoaded {
		return &ConflictError{Name: m.Name, State: d.state, Op: "register"}
	}
	d.manifest = m.Clone()
	if d.state != StateDiscovered {
		r.metrics.transition(d.state, StateDiscovered)
		d.state = StateDiscovered
		d.lastErr = nil
	}
	r.log.Debug("plugin manifest updated", "plugin", m.Name, "version", m.Version)
	return nil
}

// RegisterAll registers every manifest and joins the failures.
func (r *Registry) RegisterAll(ms []manifest.Manifest) error {
	var errs []error
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resolve returns the descriptor registered under name.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	d, ok := r.descriptors.Get(name)
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return d, nil
}

// Instantiate loads the plugin, validates config against its config schema
// and connects (sources) or initializes (enrichments) it. The descriptor only
// becomes Connected once that succeeds; on any failure whatever was
// constructed is released and the descriptor is back in Discovered.
func (r *Registry) Instantiate(ctx context.Context, name string, config record.Record) (*Handle, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = record.Record{}
	}

	d.mu.Lock()
	switch {
	case d.state.Terminal():
		state := d.state
		d.mu.Unlock()
		return nil, &StateError{Name: name, State: state, Op: "instantiate", Reason: "re-register the manifest first"}
	case d.state != StateDiscovered:
		state := d.state
		d.mu.Unlock()
		return nil, &ConflictError{Name: name, State: state, Op: "instantiate"}
	}
	m := d.manifest.Clone()
	if err := r.checkConfig(name, m.ConfigSchema, config); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	r.setState(d, StateLoaded)
	d.mu.Unlock()

	h, err := r.load(ctx, m, config)
	if err != nil {
		r.rollback(d, err)
		return nil, err
	}

	if err := r.open(ctx, h, config); err != nil {
		var timeout *TimeoutError
		if errors.As(err, &timeout) {
			go r.shutdown(context.Background(), h)
		} else {
			r.shutdown(context.WithoutCancel(ctx), h)
		}
		r.rollback(d, err)
		return nil, err
	}

	d.mu.Lock()
	r.setState(d, StateConnected)
	d.handle = h
	d.mu.Unlock()

	r.log.Info("plugin instantiated", "plugin", name, "handle", h.id, "loader", string(m.LoaderKind))
	return h, nil
}

func (r *Registry) load(ctx context.Context, m manifest.Manifest, config record.Record) (*Handle, error) {
	l, ok := r.loaders[m.LoaderKind]
	if !ok {
		return nil, loader.NewLoadError(m, "no loader for kind "+string(m.LoaderKind), nil)
	}
	impl, release, err := l.Load(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := impl.Expect(m.Capability); err != nil {
		release()
		return nil, loader.NewLoadError(m, "capability mismatch", err)
	}
	return newHandle(m, impl, release, config), nil
}

// open runs the plugin's own connect or init.
func (r *Registry) open(ctx context.Context, h *Handle, config record.Record) error {
	if src, ok := h.impl.Source(); ok {
		return r.run(ctx, h, "connect", capability.ErrorConnect, true, h.exclusive(func(ctx context.Context) error {
			return src.Connect(ctx, config.Clone())
		}))
	}
	fn, _ := h.impl.Enrichment()
	initializer, ok := fn.(capability.Initializer)
	if !ok {
		return nil
	}
	return r.run(ctx, h, "init", capability.ErrorConfig, true, h.exclusive(func(ctx context.Context) error {
		return initializer.Init(ctx, config.Clone())
	}))
}

func (r *Registry) rollback(d *Descriptor, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.setState(d, StateDiscovered)
	r.log.Warn("plugin instantiation failed", "plugin", d.name, "error", cause)
}

// Close closes the plugin's handle and moves the descriptor to Closed.
// Closing a Discovered, Closed or Failed descriptor does nothing. Failures
// reported by the plugin's own close are logged, never returned.
func (r *Registry) Close(ctx context.Context, name string) error {
	d, err := r.Resolve(name)
	if err != nil {
		return err
	}

	h, err := r.detach(d, "close")
	if err != nil || h == nil {
		return err
	}
	r.shutdown(ctx, h)
	r.log.Info("plugin closed", "plugin", name, "handle", h.id)
	return nil
}

// ForceClose moves the descriptor to Closed immediately. The plugin's own
// close and the handle release run in the background once in-flight calls
// return; this is best-effort cleanup.
func (r *Registry) ForceClose(name string) error {
	d, err := r.Resolve(name)
	if err != nil {
		return err
	}
	h, err := r.detach(d, "force close")
	if err != nil || h == nil {
		return err
	}
	go r.shutdown(context.Background(), h)
	r.log.Warn("plugin force closed", "plugin", name, "handle", h.id)
	return nil
}

// CloseAll closes every live descriptor.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs []error
	for _, s := range r.List() {
		if !s.State.Live() {
			continue
		}
		if err := r.Close(ctx, s.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns snapshots of all descriptors sorted by name.
func (r *Registry) List() []Snapshot {
	out := make([]Snapshot, 0, r.descriptors.Count())
	for _, d := range r.descriptors.Items() {
		out = append(out, d.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// detach takes the handle away from a live descriptor and marks it Closed.
func (r *Registry) detach(d *Descriptor, op string) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.state == StateLoaded:
		return nil, &StateError{Name: d.name, State: d.state, Op: op, Reason: "instantiation in progress"}
	case !d.state.Live():
		return nil, nil
	}
	h := d.handle
	d.handle = nil
	r.setState(d, StateClosed)
	return h, nil
}

func (r *Registry) forceClose(d *Descriptor, h *Handle, cause error) {
	d.mu.Lock()
	if d.handle != h {
		d.mu.Unlock()
		return
	}
	d.handle = nil
	r.setState(d, StateClosed)
	d.mu.Unlock()

	r.log.Warn("plugin force closed", "plugin", d.name, "handle", h.id, "error", cause)
	go r.shutdown(context.Background(), h)
}

// fail moves the descriptor to Failed and releases its handle once other
// in-flight calls return.
func (r *Registry) fail(ctx context.Context, d *Descriptor, h *Handle, cause error) {
	d.mu.Lock()
	if d.handle != h {
		d.mu.Unlock()
		return
	}
	d.handle = nil
	d.lastErr = cause
	r.setState(d, StateFailed)
	d.mu.Unlock()

	r.log.Error(cause, "plugin failed", "plugin", d.name, "handle", h.id)
	r.shutdown(context.WithoutCancel(ctx), h)
}

// shutdown closes the plugin (sources) and releases the handle, exactly once.
// A close that outlives the call timeout is abandoned; the handle is released
// in the background once it returns.
func (r *Registry) shutdown(ctx context.Context, h *Handle) {
	h.shutdownOnce.Do(func() {
		h.callMu.Lock()
		h.dead = true

		src, ok := h.impl.Source()
		if !ok {
			h.release()
			h.callMu.Unlock()
			return
		}

		returned := make(chan struct{})
		err := r.run(ctx, h, "close", capability.ErrorClose, true, func(ctx context.Context) error {
			defer close(returned)
			return src.Close(ctx)
		})

		var timeout *TimeoutError
		if errors.As(err, &timeout) {
			r.log.Warn("plugin close abandoned", "plugin", h.Name(), "handle", h.id, "error", err)
			go func() {
				<-returned
				h.release()
				h.callMu.Unlock()
			}()
			return
		}
		if err != nil {
			r.log.Warn("plugin close failed", "plugin", h.Name(), "handle", h.id, "error", err)
		}
		h.release()
		h.callMu.Unlock()
	})
}

// setState applies a checked transition. d.mu must be held.
func (r *Registry) setState(d *Descriptor, next State) {
	if !d.state.CanTransition(next) {
		r.log.Warn("unexpected plugin transition", "plugin", d.name, "from", d.state.String(), "to", next.String())
	}
	r.metrics.transition(d.state, next)
	d.state = next
}

// begin returns the live handle of d and counts a call or stream as active.
func (r *Registry) begin(d *Descriptor, op string, want capability.Kind) (*Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.Live() {
		return nil, &StateError{Name: d.name, State: d.state, Op: op, Reason: "plugin is not connected"}
	}
	h := d.handle
	if h.Capability() != want {
		return nil, &StateError{Name: d.name, State: d.state, Op: op, Reason: "plugin is a " + string(h.Capability())}
	}
	h.active++
	if d.state == StateConnected {
		r.setState(d, StateActive)
	}
	return h, nil
}

// end undoes begin.
func (r *Registry) end(d *Descriptor, h *Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != h {
		return
	}
	h.active--
	if h.active == 0 && d.state == StateActive {
		r.setState(d, StateConnected)
	}
}

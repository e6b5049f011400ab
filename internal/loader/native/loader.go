package native

import (
	"context"
	"fmt"

	"github.com/alexisbeaulieu97/flowplug/internal/loader"
	"github.com/alexisbeaulieu97/flowplug/internal/logger"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
)

// Opener opens a shared library module.
type Opener func(path string) (Module, error)

// Loader implements loader.Loader for the native kind.
type Loader struct {
	builtins map[string]Module
	open     Opener
	log      *logger.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithBuiltin serves entry point "builtin:<name>" from m.
func WithBuiltin(name string, m Module) Option {
	return func(l *Loader) { l.builtins[name] = m }
}

// WithStatic serves a StaticModule under its own name.
func WithStatic(m *StaticModule) Option {
	return WithBuiltin(m.Name(), m)
}

// WithOpener replaces the shared library opener.
func WithOpener(open Opener) Option {
	return func(l *Loader) { l.open = open }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Loader) { l.log = log }
}

// NewLoader returns a native Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{builtins: make(map[string]Module), open: OpenDynamic}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Kind implements loader.Loader.
func (l *Loader) Kind() manifest.LoaderKind { return manifest.LoaderNative }

// Load implements loader.Loader. The module's ABI version is checked before
// any plugin symbol is touched. The returned release destroys the handle
// through the destroy symbol resolved together with its constructor, then
// drops the module reference.
func (l *Loader) Load(ctx context.Context, m manifest.Manifest) (impl capability.Implementation, release loader.Release, err error) {
	if err := ctx.Err(); err != nil {
		return impl, nil, loader.NewLoadError(m, "cancelled", err)
	}

	mod, owned, err := l.module(m)
	if err != nil {
		return impl, nil, loader.NewLoadError(m, "open module", err)
	}
	closeModule := func() {
		if owned {
			if cerr := mod.Close(); cerr != nil {
				l.log.Warn("closing native module failed", "plugin", m.Name, "error", cerr)
			}
		}
	}

	version, err := mod.ABIVersion()
	if err != nil {
		closeModule()
		return impl, nil, loader.NewLoadError(m, "read abi version", err)
	}
	if version != ABIVersion {
		closeModule()
		return impl, nil, loader.NewLoadError(m, fmt.Sprintf("abi version mismatch: module speaks %d, runtime requires %d", version, ABIVersion), nil)
	}

	syms, err := mod.Resolve(m.Name, m.Capability)
	if err != nil {
		closeModule()
		return impl, nil, loader.NewLoadError(m, "resolve symbols", err)
	}

	handle, err := construct(syms)
	if err != nil {
		closeModule()
		return impl, nil, loader.NewLoadError(m, "construct", err)
	}

	release = loader.Once(func() {
		defer closeModule()
		defer func() {
			if r := recover(); r != nil {
				l.log.Warn("native destroy panicked", "plugin", m.Name, "panic", fmt.Sprint(r))
			}
		}()
		syms.Destroy(handle)
	})

	l.log.Debug("loaded native plugin", "plugin", m.Name, "entry_point", m.EntryPoint)
	return wrap(m.Name, m.Capability, syms, handle), release, nil
}

func (l *Loader) module(m manifest.Manifest) (Module, bool, error) {
	if m.IsBuiltin() {
		mod, ok := l.builtins[m.BuiltinModule()]
		if !ok {
			return nil, false, fmt.Errorf("no builtin module named %q", m.BuiltinModule())
		}
		return mod, false, nil
	}
	mod, err := l.open(m.ModulePath())
	if err != nil {
		return nil, false, err
	}
	return mod, true, nil
}

func construct(syms Symbols) (handle uintptr, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructor panicked: %v", r)
		}
	}()
	handle = syms.Create()
	if handle == 0 {
		return 0, fmt.Errorf("constructor returned a null handle")
	}
	return handle, nil
}

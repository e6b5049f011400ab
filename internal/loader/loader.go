// Package loader defines the contract shared by the native and scripted
// strategies that turn a manifest entry point into a capability implementation.
package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
)

// Release frees whatever a Load constructed. It is safe to call more than
// once; only the first call has an effect.
type Release func()

// Loader resolves and instantiates plugin implementations.
type Loader interface {
	Kind() manifest.LoaderKind
	// Load returns an implementation of exactly the capability the manifest
	// declares, plus the function that destroys it. On error nothing is retained.
	Load(ctx context.Context, m manifest.Manifest) (capability.Implementation, Release, error)
}

// LoadError reports a failure to resolve or construct an implementation.
// Callers cannot tell from it which strategy was used.
type LoadError struct {
	Plugin     string
	EntryPoint string
	Reason     string
	Err        error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load plugin '%s' from '%s': %s", e.Plugin, e.EntryPoint, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + "\nHint: check the manifest entry point and that the plugin was built for this runtime"
}

// Unwrap exposes the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// Is matches capability.ErrLoad.
func (e *LoadError) Is(target error) bool {
	return target == capability.ErrLoad
}

// NewLoadError builds a LoadError for m.
func NewLoadError(m manifest.Manifest, reason string, err error) *LoadError {
	return &LoadError{Plugin: m.Name, EntryPoint: m.EntryPoint, Reason: reason, Err: err}
}

// Once wraps fn so that only its first invocation runs.
func Once(fn func()) Release {
	var once sync.Once
	return func() {
		once.Do(fn)
	}
}

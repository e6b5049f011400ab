// Package watch keeps a registry in step with the manifests on disk.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alexisbeaulieu97/flowplug/internal/logger"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
)

const defaultDebounce = 250 * time.Millisecond

// Outcome reports one reload.
type Outcome struct {
	// Registered names were added or had their manifest replaced.
	Registered []string
	// Busy names hold a live handle and kept their previous manifest.
	Busy []string
	// Vanished names were discovered by an earlier reload but not this one.
	Vanished []string
	Skipped  []*manifest.ManifestError
	// Err is the discovery error, such as duplicate names.
	Err error
}

// Watcher re-runs discovery when files under its directories change.
type Watcher struct {
	registry *plugin.Registry
	roots    []manifest.Root
	log      *logger.Logger
	debounce time.Duration
	notify   func(Outcome)

	mu    sync.Mutex
	known map[string]bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher logger.
func WithLogger(log *logger.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// WithDebounce sets how long the watcher waits for a burst of events to settle.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithNotify registers a callback invoked after every reload.
func WithNotify(fn func(Outcome)) Option {
	return func(w *Watcher) { w.notify = fn }
}

// New returns a watcher over roots. Only DirRoot roots are watched on disk;
// other roots are rescanned with them.
func New(reg *plugin.Registry, roots []manifest.Root, opts ...Option) *Watcher {
	w := &Watcher{
		registry: reg,
		roots:    roots,
		debounce: defaultDebounce,
		known:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload runs discovery and registers what it finds. Plugins that are live
// keep their current manifest until they are closed.
func (w *Watcher) Reload(ctx context.Context) (Outcome, error) {
	report, err := manifest.Discover(ctx, w.log, w.roots...)
	var discoveryErr *manifest.DiscoveryError
	if err != nil && !errors.As(err, &discoveryErr) {
		return Outcome{}, err
	}

	out := Outcome{Skipped: report.Skipped, Err: err}
	found := make(map[string]bool, len(report.Manifests))
	for _, m := range report.Manifests {
		found[m.Name] = true
		if regErr := w.registry.Register(m); regErr != nil {
			var conflict *plugin.ConflictError
			if errors.As(regErr, &conflict) {
				out.Busy = append(out.Busy, m.Name)
				continue
			}
			w.log.Warn("plugin registration failed", "plugin", m.Name, "error", regErr)
			continue
		}
		out.Registered = append(out.Registered, m.Name)
	}

	w.mu.Lock()
	for name := range w.known {
		if !found[name] {
			out.Vanished = append(out.Vanished, name)
		}
	}
	w.known = found
	w.mu.Unlock()
	sort.Strings(out.Vanished)

	w.log.Info("plugins reloaded",
		"registered", len(out.Registered),
		"busy", len(out.Busy),
		"vanished", len(out.Vanished),
		"skipped", len(out.Skipped))
	for _, name := range out.Vanished {
		w.log.Warn("plugin manifest disappeared; descriptor kept", "plugin", name)
	}
	if w.notify != nil {
		w.notify(out)
	}
	return out, nil
}

// Run reloads once, then again after every settled burst of file changes,
// until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	for _, root := range w.roots {
		dirRoot, ok := root.(manifest.DirRoot)
		if !ok {
			continue
		}
		if err := addTree(fw, dirRoot.Dir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			w.log.Warn("plugin root does not exist; not watching it", "root", dirRoot.Dir)
		}
	}

	if _, err := w.Reload(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				if fi, statErr := os.Stat(event.Name); statErr == nil && fi.IsDir() {
					if err := addTree(fw, event.Name); err != nil {
						w.log.Warn("cannot watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			if !relevant(event) {
				continue
			}
			w.log.Debug("plugin files changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		case <-timer.C:
			if _, err := w.Reload(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Error(err, "reload failed")
			}
		}
	}
}

// relevant ignores chmod-only events and editor swap files.
func relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}

// addTree watches dir and every non-hidden directory below it.
func addTree(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

// Package catalog persists what the runtime knows about plugins and flow runs
// between invocations of the CLI.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/alexisbeaulieu97/flowplug/internal/flow"
	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
)

const fileVersion = "1.0"

// ErrNotFound is returned for names the catalog does not hold.
var ErrNotFound = errors.New("not in catalog")

// Catalog is a JSON file of plugin entries and last-run records.
type Catalog struct {
	path string
	now  func() time.Time

	mu      sync.RWMutex
	version string
	plugins map[string]Entry
	runs    map[string]RunRecord
}

// New creates a catalog backed by path and loads it if the file exists.
func New(path string) (*Catalog, error) {
	c := &Catalog{
		path:    path,
		now:     time.Now,
		version: fileVersion,
		plugins: make(map[string]Entry),
		runs:    make(map[string]RunRecord),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	if err := c.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return c, nil
}

// Path returns the backing file.
func (c *Catalog) Path() string { return c.path }

// Load replaces the in-memory state with the file contents.
func (c *Catalog) Load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return flowerrors.NewParseError(c.path, 0, fmt.Errorf("failed to parse catalog: %w", err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = file.Version
	c.plugins = make(map[string]Entry, len(file.Plugins))
	for _, e := range file.Plugins {
		c.plugins[e.Name] = e
	}
	c.runs = file.Runs
	if c.runs == nil {
		c.runs = make(map[string]RunRecord)
	}
	return nil
}

// Save writes the catalog to disk atomically
func (c *Catalog) Save() error {
	c.mu.RLock()
	file := File{Version: c.version, Plugins: c.sortedLocked(), Runs: c.runs}
	data, err := json.MarshalIndent(file, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// List returns all entries sorted by name.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sortedLocked()
}

func (c *Catalog) sortedLocked() []Entry {
	out := make([]Entry, 0, len(c.plugins))
	for _, e := range c.plugins {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get retrieves a plugin entry by name.
func (c *Catalog) Get(name string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.plugins[name]
	if !ok {
		return Entry{}, fmt.Errorf("plugin %s: %w", name, ErrNotFound)
	}
	return e, nil
}

// Sync folds registry snapshots into the catalog. Entries the snapshots no
// longer contain are kept and marked missing. It reports how many entries
// were new and how many went missing.
func (c *Catalog) Sync(snaps []plugin.Snapshot) (added, missing int) {
	now := c.now().UTC()
	seen := make(map[string]bool, len(snaps))

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range snaps {
		seen[s.Name] = true
		e, exists := c.plugins[s.Name]
		if !exists {
			added++
			e.FirstSeen = now
		}
		e.Name = s.Name
		e.Capability = s.Manifest.Capability
		e.Loader = string(s.Manifest.LoaderKind)
		e.Version = s.Manifest.Version
		e.Path = s.Manifest.Path
		e.Description = s.Manifest.Description
		e.State = s.State
		e.LastError = s.LastError
		e.LastSeen = now
		e.Missing = false
		c.plugins[s.Name] = e
	}

	for name, e := range c.plugins {
		if seen[name] || e.Missing {
			continue
		}
		e.Missing = true
		c.plugins[name] = e
		missing++
	}
	return added, missing
}

// Prune drops entries marked missing and returns their names.
func (c *Catalog) Prune() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pruned []string
	for name, e := range c.plugins {
		if e.Missing {
			pruned = append(pruned, name)
			delete(c.plugins, name)
		}
	}
	sort.Strings(pruned)
	return pruned
}

// Remove deletes a plugin entry.
func (c *Catalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.plugins[name]; !ok {
		return fmt.Errorf("plugin %s: %w", name, ErrNotFound)
	}
	delete(c.plugins, name)
	return nil
}

// RecordRun stores the outcome of a run under the flow id.
func (c *Catalog) RecordRun(id string, rec RunRecord) error {
	if err := ValidateFlowID(id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[id] = rec
	return nil
}

// LastRun returns the stored outcome of a flow's last run.
func (c *Catalog) LastRun(id string) (RunRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.runs[id]
	return rec, ok
}

// RunIDs returns the ids of every stored run, sorted.
func (c *Catalog) RunIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.runs))
	for id := range c.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ForgetRuns removes every stored run.
func (c *Catalog) ForgetRuns() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = make(map[string]RunRecord)
}

// NewRunRecord summarizes a finished run. res may be nil when the flow never
// started.
func NewRunRecord(flowName string, res *flow.Result, runErr error, at time.Time) RunRecord {
	rec := RunRecord{Flow: flowName, Status: RunSucceeded, LastRun: at.UTC()}
	if res != nil {
		rec.RunID = res.RunID
		rec.Duration = res.Duration
		rec.Read = res.Read
		rec.Emitted = res.Emitted
		rec.Rejected = res.Rejected
		for _, rej := range res.Rejections {
			rec.FailedSteps = appendStep(rec.FailedSteps, rej)
		}
		if res.Rejected > 0 {
			rec.Status = RunPartial
		}
	}
	if runErr != nil {
		rec.Status = RunFailed
		rec.Error = runErr.Error()
		rec.FailedSteps = appendStep(rec.FailedSteps, runErr)
	}
	return rec
}

func appendStep(steps []string, err error) []string {
	var stepErr *flowerrors.StepError
	if !errors.As(err, &stepErr) {
		return steps
	}
	for _, s := range steps {
		if s == stepErr.Step {
			return steps
		}
	}
	return append(steps, stepErr.Step)
}

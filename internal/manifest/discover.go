package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/alexisbeaulieu97/flowplug/internal/logger"
)

// Candidate is one manifest declaration found by a Root.
type Candidate struct {
	Path string
	Load func() (Manifest, error)
}

// Root yields manifest candidates. Implementations must be safe to scan
// concurrently with other roots.
type Root interface {
	Name() string
	Scan(ctx context.Context) ([]Candidate, error)
}

// DirRoot finds marker files anywhere below Dir.
type DirRoot struct {
	Dir string
}

// Name implements Root.
func (r DirRoot) Name() string { return r.Dir }

// Scan implements Root. Hidden directories are not descended into.
func (r DirRoot) Scan(ctx context.Context) ([]Candidate, error) {
	var candidates []Candidate
	err := filepath.WalkDir(r.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != r.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsMarker(d.Name()) {
			return nil
		}
		candidatePath := path
		candidates = append(candidates, Candidate{
			Path: candidatePath,
			Load: func() (Manifest, error) { return ParseFile(candidatePath) },
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// StaticRoot serves manifests registered in code, such as the plugins linked
// into the binary.
type StaticRoot struct {
	Label     string
	Manifests []Manifest
}

// Name implements Root.
func (r StaticRoot) Name() string { return BuiltinPrefix + r.Label }

// Scan implements Root.
func (r StaticRoot) Scan(ctx context.Context) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(r.Manifests))
	for _, m := range r.Manifests {
		m := m.Clone()
		if m.Path == "" {
			m.Path = fmt.Sprintf("%s%s/%s", BuiltinPrefix, r.Label, m.Name)
		}
		candidates = append(candidates, Candidate{
			Path: m.Path,
			Load: func() (Manifest, error) {
				if err := m.Validate(); err != nil {
					return Manifest{}, err
				}
				return m, nil
			},
		})
	}
	return candidates, nil
}

// Report is the outcome of a discovery pass.
type Report struct {
	// Manifests are the valid, uniquely named declarations in root order.
	Manifests []Manifest
	// Skipped lists candidates rejected as malformed.
	Skipped []*ManifestError
}

type rootResult struct {
	manifests []Manifest
	skipped   []*ManifestError
}

// Discover scans every root concurrently and parses each candidate. Malformed
// candidates are logged and skipped. Names declared more than once produce a
// *DiscoveryError alongside the report, and none of their declarations is
// included in it.
func Discover(ctx context.Context, log *logger.Logger, roots ...Root) (Report, error) {
	results := make([]rootResult, len(roots))

	g, gctx := errgroup.WithContext(ctx)
	for i, root := range roots {
		g.Go(func() error {
			candidates, err := root.Scan(gctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				results[i].skipped = append(results[i].skipped, newManifestError(root.Name(), err))
				return nil
			}
			for _, candidate := range candidates {
				m, err := candidate.Load()
				if err != nil {
					results[i].skipped = append(results[i].skipped, newManifestError(candidate.Path, err))
					continue
				}
				results[i].manifests = append(results[i].manifests, m)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	var (
		report Report
		all    []Manifest
		paths  = make(map[string][]string)
	)
	for _, result := range results {
		for _, skipped := range result.skipped {
			log.Warn("skipping malformed plugin manifest", "path", skipped.Path, "reason", skipped.Reason)
			report.Skipped = append(report.Skipped, skipped)
		}
		for _, m := range result.manifests {
			paths[m.Name] = append(paths[m.Name], m.Path)
			all = append(all, m)
		}
	}

	collisions := make(map[string][]string)
	for name, found := range paths {
		if len(found) > 1 {
			collisions[name] = found
		}
	}

	for _, m := range all {
		if _, dup := collisions[m.Name]; dup {
			continue
		}
		log.Debug("discovered plugin", "plugin", m.Name, "path", m.Path, "capability", string(m.Capability))
		report.Manifests = append(report.Manifests, m)
	}

	if len(collisions) > 0 {
		return report, &DiscoveryError{Collisions: collisions}
	}
	return report, nil
}

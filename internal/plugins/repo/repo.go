// Package repoplugin implements git_source, a connector that streams the files
// of a git revision as records.
package repoplugin

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// Name is the plugin name git_source registers under.
const Name = "git_source"

const defaultMaxBytes = 1 << 20

type repoConfig struct {
	Path          string
	URL           string
	Ref           string
	Pattern       string
	MaxBytes      int
	IncludeBinary bool
}

func loadRepoConfig(cfg record.Record) (repoConfig, error) {
	out := repoConfig{Ref: "HEAD", MaxBytes: defaultMaxBytes}
	out.Path, _ = cfg.GetString("path")
	out.URL, _ = cfg.GetString("url")
	out.Path = strings.TrimSpace(out.Path)
	out.URL = strings.TrimSpace(out.URL)

	switch {
	case out.Path == "" && out.URL == "":
		return out, capability.ConfigError("one of path or url is required")
	case out.Path != "" && out.URL != "":
		return out, capability.ConfigError("path and url are mutually exclusive")
	}

	if ref, ok := cfg.GetString("ref"); ok && strings.TrimSpace(ref) != "" {
		out.Ref = strings.TrimSpace(ref)
	}
	if pattern, ok := cfg.GetString("pattern"); ok && pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return out, capability.ConfigError("invalid pattern %q: %v", pattern, err)
		}
		out.Pattern = pattern
	}
	if _, present := cfg["max_bytes"]; present {
		n, ok := cfg.GetInt("max_bytes")
		if !ok || n <= 0 {
			return out, capability.ConfigError("max_bytes must be a positive integer")
		}
		out.MaxBytes = n
	}
	if b, ok := cfg.GetBool("include_binary"); ok {
		out.IncludeBinary = b
	}
	return out, nil
}

type repoSource struct {
	cfg    repoConfig
	repo   *git.Repository
	commit *object.Commit
	files  *object.FileIter
}

// New creates a git_source instance.
func New() capability.SourceConnector {
	return &repoSource{}
}

var _ capability.SourceConnector = (*repoSource)(nil)

// Manifest declares git_source for the given native entry point.
func Manifest(entryPoint string) manifest.Manifest {
	return manifest.Manifest{
		Name:        Name,
		Capability:  capability.KindSourceConnector,
		LoaderKind:  manifest.LoaderNative,
		EntryPoint:  entryPoint,
		Version:     "1.0.0",
		Description: "Streams the files of a git revision from a local repository or a remote clone.",
		ConfigSchema: record.MustFromMap(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":           map[string]any{"type": "string"},
				"url":            map[string]any{"type": "string"},
				"ref":            map[string]any{"type": "string"},
				"pattern":        map[string]any{"type": "string"},
				"max_bytes":      map[string]any{"type": "integer", "minimum": 1},
				"include_binary": map[string]any{"type": "boolean"},
			},
		}),
	}
}

func (s *repoSource) Connect(ctx context.Context, cfg record.Record) error {
	repoCfg, err := loadRepoConfig(cfg)
	if err != nil {
		return err
	}
	s.cfg = repoCfg

	if repoCfg.Path != "" {
		s.repo, err = git.PlainOpen(repoCfg.Path)
		if err != nil {
			return capability.ConnectError(err, "open repository %s", repoCfg.Path)
		}
	} else {
		opts := &git.CloneOptions{URL: repoCfg.URL}
		if repoCfg.Ref == "HEAD" {
			opts.Depth = 1
			opts.SingleBranch = true
		}
		s.repo, err = git.CloneContext(ctx, memory.NewStorage(), nil, opts)
		if err != nil {
			return capability.ConnectError(err, "clone %s", repoCfg.URL)
		}
	}

	hash, err := s.repo.ResolveRevision(plumbing.Revision(repoCfg.Ref))
	if err != nil {
		return capability.ConfigError("resolve ref %q: %v", repoCfg.Ref, err)
	}
	s.commit, err = s.repo.CommitObject(*hash)
	if err != nil {
		return capability.ConnectError(err, "load commit %s", hash)
	}
	return nil
}

func (s *repoSource) Read(ctx context.Context) (capability.Stream, error) {
	if s.commit == nil {
		return nil, capability.FatalError("read before connect")
	}
	tree, err := s.commit.Tree()
	if err != nil {
		return nil, &capability.Error{Kind: capability.ErrorFatal, Message: "load tree", Err: err}
	}
	s.files = tree.Files()
	return capability.StreamFunc(s.next), nil
}

func (s *repoSource) next(ctx context.Context) (record.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := s.files.Next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, &capability.Error{Kind: capability.ErrorFatal, Message: "walk tree", Err: err}
		}
		if !s.matches(f.Name) || f.Size > int64(s.cfg.MaxBytes) {
			continue
		}
		if !s.cfg.IncludeBinary {
			binary, err := f.IsBinary()
			if err != nil {
				return nil, capability.DataError("inspect %s: %v", f.Name, err)
			}
			if binary {
				continue
			}
		}
		content, err := f.Contents()
		if err != nil {
			return nil, capability.DataError("read %s: %v", f.Name, err)
		}
		return record.Record{
			"path":         record.String(f.Name),
			"content":      record.String(content),
			"size":         record.Number(float64(f.Size)),
			"blob":         record.String(f.Hash.String()),
			"commit":       record.String(s.commit.Hash.String()),
			"committed_at": record.String(s.commit.Committer.When.UTC().Format(time.RFC3339)),
		}, nil
	}
}

// matches applies the pattern to the full path, or to the base name when the
// pattern has no slash.
func (s *repoSource) matches(name string) bool {
	if s.cfg.Pattern == "" {
		return true
	}
	target := name
	if !strings.Contains(s.cfg.Pattern, "/") {
		target = path.Base(name)
	}
	ok, _ := path.Match(s.cfg.Pattern, target)
	return ok
}

func (s *repoSource) Schema(ctx context.Context) (record.Record, error) {
	return record.MustFromMap(map[string]any{
		"type":     "object",
		"required": []any{"path", "content", "commit"},
		"properties": map[string]any{
			"path":         map[string]any{"type": "string"},
			"content":      map[string]any{"type": "string"},
			"size":         map[string]any{"type": "number"},
			"blob":         map[string]any{"type": "string"},
			"commit":       map[string]any{"type": "string"},
			"committed_at": map[string]any{"type": "string"},
		},
	}), nil
}

func (s *repoSource) Close(ctx context.Context) error {
	if s.files != nil {
		s.files.Close()
		s.files = nil
	}
	s.commit = nil
	s.repo = nil
	return nil
}


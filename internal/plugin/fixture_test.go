package plugin

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexisbeaulieu97/flowplug/internal/loader/native"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// tally collects what the fixture plugins observed.
type tally struct {
	connects atomic.Int64
	closes   atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64

	// unblock lets a stalled close return.
	unblock chan struct{}

	mu    sync.Mutex
	spans [][2]time.Time
}

func (p *tally) track(start, end time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spans = append(p.spans, [2]time.Time{start, end})
}

func (p *tally) intervals() [][2]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]time.Time(nil), p.spans...)
}

type rowsSource struct {
	tally *tally
	count int
}

func (s *rowsSource) Connect(ctx context.Context, cfg record.Record) error {
	s.tally.connects.Add(1)
	if _, ok := cfg.GetString("refuse"); ok {
		return capability.ConnectError(errors.New("connection refused"), "dial upstream")
	}
	s.count = 3
	if n, ok := cfg.GetInt("count"); ok {
		s.count = n
	}
	return nil
}

func (s *rowsSource) Read(ctx context.Context) (capability.Stream, error) {
	i := 0
	return capability.StreamFunc(func(ctx context.Context) (record.Record, error) {
		if i >= s.count {
			return nil, io.EOF
		}
		i++
		if i == 2 && s.count == 99 {
			return nil, capability.FatalError("upstream vanished")
		}
		rec := record.Record{"n": record.Number(float64(i))}
		if s.count == 42 && i > 1 {
			rec["n"] = record.String("not a number")
		}
		return rec, nil
	}), nil
}

func (s *rowsSource) Schema(ctx context.Context) (record.Record, error) {
	return record.MustFromMap(map[string]any{
		"type":     "object",
		"required": []any{"n"},
		"properties": map[string]any{
			"n": map[string]any{"type": "number"},
		},
	}), nil
}

func (s *rowsSource) Close(ctx context.Context) error {
	s.tally.closes.Add(1)
	return nil
}

// stallSource waits for cancellation on connect when asked to, and blocks in
// close until unblock is closed.
type stallSource struct {
	tally *tally
	hang  bool
}

func (s *stallSource) Connect(ctx context.Context, cfg record.Record) error {
	s.tally.connects.Add(1)
	s.hang, _ = cfg.GetBool("hang_close")
	if wait, _ := cfg.GetBool("wait_connect"); wait {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (s *stallSource) Read(ctx context.Context) (capability.Stream, error) {
	return capability.StreamFunc(func(ctx context.Context) (record.Record, error) {
		return nil, io.EOF
	}), nil
}

func (s *stallSource) Schema(ctx context.Context) (record.Record, error) {
	return record.Record{}, nil
}

func (s *stallSource) Close(ctx context.Context) error {
	s.tally.closes.Add(1)
	if s.hang {
		<-s.tally.unblock
	}
	return nil
}

type workFn struct {
	tally *tally
}

func (w *workFn) Process(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
	n := w.tally.inFlight.Add(1)
	defer w.tally.inFlight.Add(-1)
	for {
		seen := w.tally.maxSeen.Load()
		if n <= seen || w.tally.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	start := time.Now()
	defer func() { w.tally.track(start, time.Now()) }()

	if ms, ok := cfg.GetInt("sleep_ms"); ok {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	switch mode, _ := rec.GetString("mode"); mode {
	case "bad":
		return nil, capability.DataError("cannot transform record")
	case "fatal":
		return nil, capability.FatalError("model unloaded")
	case "panic":
		panic("process blew up")
	}

	out := rec.Clone()
	out["seen"] = record.Bool(true)
	return out, nil
}

func fixtureModule(p *tally) *native.StaticModule {
	mod := native.NewStaticModule("fixture")
	mod.ExportSource("rows", func() capability.SourceConnector { return &rowsSource{tally: p} })
	mod.ExportSource("stall", func() capability.SourceConnector { return &stallSource{tally: p} })
	mod.ExportEnrichment("work", func() capability.EnrichmentFunction { return &workFn{tally: p} })
	mod.ExportEnrichment("work_parallel", func() capability.EnrichmentFunction { return &workFn{tally: p} })
	return mod
}

func fixtureManifest(name string, kind capability.Kind) manifest.Manifest {
	return manifest.Manifest{
		Name:       name,
		Capability: kind,
		LoaderKind: manifest.LoaderNative,
		EntryPoint: "builtin:fixture",
		Version:    "1.0.0",
	}
}

func fixtureManifests() []manifest.Manifest {
	parallel := fixtureManifest("work_parallel", capability.KindEnrichmentFunction)
	parallel.ConcurrencySafe = true
	return []manifest.Manifest{
		fixtureManifest("rows", capability.KindSourceConnector),
		fixtureManifest("work", capability.KindEnrichmentFunction),
		parallel,
	}
}

func newFixtureRegistry(p *tally, opts ...Option) (*Registry, *native.StaticModule) {
	mod := fixtureModule(p)
	opts = append([]Option{
		WithConfig(&RegistryConfig{}),
		WithLoader(native.NewLoader(native.WithStatic(mod))),
	}, opts...)
	return NewRegistry(opts...), mod
}

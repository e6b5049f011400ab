package flow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/flowplug/internal/flow"
	"github.com/alexisbeaulieu97/flowplug/internal/loader/native"
	"github.com/alexisbeaulieu97/flowplug/internal/manifest"
	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	"github.com/alexisbeaulieu97/flowplug/internal/plugins"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// counterSource emits {"n": 0..count-1}. Its connect fails until
// connectFailures attempts have been made, counted across instances.
type counterSource struct {
	count           int
	connectFailures int64
	attempts        *atomic.Int64
}

func (s *counterSource) Connect(ctx context.Context, cfg record.Record) error {
	if s.attempts.Add(1) <= s.connectFailures {
		return capability.ConnectError(errors.New("connection refused"), "dial counter")
	}
	return nil
}

func (s *counterSource) Read(ctx context.Context) (capability.Stream, error) {
	if s.count < 0 {
		var n atomic.Int64
		return capability.StreamFunc(func(ctx context.Context) (record.Record, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return record.Record{"n": record.Number(float64(n.Add(1) - 1))}, nil
		}), nil
	}
	recs := make([]record.Record, s.count)
	for i := range recs {
		recs[i] = record.Record{"n": record.Number(float64(i))}
	}
	return capability.NewSliceStream(recs...), nil
}

func (s *counterSource) Schema(ctx context.Context) (record.Record, error) {
	return record.Record{}, nil
}

func (s *counterSource) Close(ctx context.Context) error { return nil }

func rejectOdd(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
	n, _ := rec.GetInt("n")
	if n%2 == 1 {
		return nil, capability.DataError("odd record %d", n)
	}
	out := rec.Clone()
	out["even"] = record.Bool(true)
	return out, nil
}

func explode(ctx context.Context, rec, cfg record.Record) (record.Record, error) {
	return nil, capability.FatalError("backend gone")
}

type harness struct {
	reg      *plugin.Registry
	mod      *native.StaticModule
	attempts *atomic.Int64
}

// newHarness builds a registry holding the builtins plus a few test plugins
// served from the same static module.
func newHarness(t *testing.T, count int, connectFailures int64) *harness {
	t.Helper()

	h := &harness{mod: plugins.Module(), attempts: &atomic.Int64{}}
	h.mod.ExportSource("counter", func() capability.SourceConnector {
		return &counterSource{count: count, connectFailures: connectFailures, attempts: h.attempts}
	})
	h.mod.ExportEnrichment("reject_odd", func() capability.EnrichmentFunction {
		return capability.EnrichmentFunc(rejectOdd)
	})
	h.mod.ExportEnrichment("explode", func() capability.EnrichmentFunction {
		return capability.EnrichmentFunc(explode)
	})

	h.reg = plugin.NewRegistry(
		plugin.WithConfig(&plugin.RegistryConfig{}),
		plugin.WithLoader(native.NewLoader(native.WithStatic(h.mod))),
	)

	report, err := manifest.Discover(context.Background(), nil, plugins.Root())
	require.NoError(t, err)
	require.NoError(t, h.reg.RegisterAll(report.Manifests))
	require.NoError(t, h.reg.RegisterAll([]manifest.Manifest{
		testManifest("counter", capability.KindSourceConnector),
		testManifest("reject_odd", capability.KindEnrichmentFunction),
		testManifest("explode", capability.KindEnrichmentFunction),
	}))
	return h
}

func testManifest(name string, kind capability.Kind) manifest.Manifest {
	return manifest.Manifest{
		Name:            name,
		Capability:      kind,
		LoaderKind:      manifest.LoaderNative,
		EntryPoint:      plugins.EntryPoint,
		Version:         "0.1.0",
		ConcurrencySafe: true,
	}
}

func (h *harness) runner(opts ...flow.Option) *flow.Runner {
	base := []flow.Option{
		flow.WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(0) }),
	}
	return flow.NewRunner(h.reg, append(base, opts...)...)
}

// assertAllReleased checks no step is left holding a handle.
func (h *harness) assertAllReleased(t *testing.T) {
	t.Helper()
	for _, s := range h.reg.List() {
		assert.False(t, s.State.Live(), "%s is still %s", s.Name, s.State)
	}
	assert.Eventually(t, func() bool { return h.mod.Live() == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.mod.DoubleFrees())
}

type collector struct {
	mu   sync.Mutex
	recs []record.Record
}

func (c *collector) sink(ctx context.Context, rec record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *collector) numbers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.recs))
	for _, rec := range c.recs {
		n, _ := rec.GetInt("n")
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func steps(names ...string) []flow.Step {
	out := make([]flow.Step, len(names))
	for i, name := range names {
		out[i] = flow.Step{StepName: fmt.Sprintf("s%d", i), PluginName: name}
	}
	return out
}

func TestRunBuiltinChain(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "docs.csv")
	body := "id,text\n1,\"first paragraph\n\nsecond paragraph\"\n2,short\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	h := newHarness(t, 0, 0)
	f := &flow.Flow{
		Name: "docs",
		Steps: []flow.Step{
			{StepName: "rows", PluginName: "csv_source", Config: record.Record{"path": record.String(path)}},
			{StepName: "stamp", PluginName: "add_timestamp", Config: record.Record{"format": record.String("unix_ms")}},
			{StepName: "chunk", PluginName: "text_chunker", Config: record.Record{"chunk_size": record.Number(16)}},
		},
	}

	var out collector
	res, err := h.runner().Run(context.Background(), f, out.sink)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Read)
	assert.Equal(t, int64(2), res.Emitted)
	assert.Zero(t, res.Rejected)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, out.recs, 2)
	first := out.recs[0]
	id, _ := first.GetString("id")
	assert.Equal(t, "1", id)
	stamp, ok := first.GetNumber("timestamp")
	require.True(t, ok)
	assert.Positive(t, stamp)
	count, _ := first.GetInt("chunk_count")
	assert.Equal(t, 2, count)

	h.assertAllReleased(t)
}

func TestRunAgainReregistersClosedSteps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4, 0)
	f := &flow.Flow{Name: "twice", Steps: steps("counter", "reject_odd")}
	runner := h.runner()

	for i := 0; i < 2; i++ {
		res, err := runner.Run(context.Background(), f, nil)
		require.NoError(t, err, "run %d", i)
		assert.Equal(t, int64(2), res.Emitted)
	}

	d, err := h.reg.Resolve("counter")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateClosed, d.State())
	h.assertAllReleased(t)
}

func TestRunDataErrorPolicy(t *testing.T) {
	t.Parallel()

	t.Run("skip", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 6, 0)
		f := &flow.Flow{Name: "skip", Steps: steps("counter", "reject_odd")}

		var out collector
		res, err := h.runner().Run(context.Background(), f, out.sink)
		require.NoError(t, err)
		assert.Equal(t, int64(6), res.Read)
		assert.Equal(t, int64(3), res.Emitted)
		assert.Equal(t, int64(3), res.Rejected)
		assert.Equal(t, []int{0, 2, 4}, out.numbers())

		require.Len(t, res.Rejections, 3)
		var stepErr *flowerrors.StepError
		require.ErrorAs(t, res.Rejections[0], &stepErr)
		assert.Equal(t, "reject_odd", stepErr.Plugin)
		assert.ErrorIs(t, res.Rejections[0], plugin.ErrData)
		h.assertAllReleased(t)
	})

	t.Run("abort", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 6, 0)
		f := &flow.Flow{Name: "abort", OnDataError: flow.AbortRun, Steps: steps("counter", "reject_odd")}

		res, err := h.runner().Run(context.Background(), f, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, plugin.ErrData)
		var stepErr *flowerrors.StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "s1", stepErr.Step)
		assert.Less(t, res.Emitted, int64(6))
		h.assertAllReleased(t)
	})
}

func TestRunFatalAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	f := &flow.Flow{Name: "fatal", Steps: steps("counter", "explode")}

	_, err := h.runner().Run(context.Background(), f, nil)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, capability.ErrorFatal))

	d, err := h.reg.Resolve("explode")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateFailed, d.State())
	h.assertAllReleased(t)
}

func TestRunChecksCapabilitiesBeforeInstantiating(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	f := &flow.Flow{Name: "backwards", Steps: steps("reject_odd", "counter", "missing")}

	_, err := h.runner().Run(context.Background(), f, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a source_connector")
	assert.Contains(t, err.Error(), "needs a enrichment_function")
	var notFound *plugin.NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Zero(t, h.mod.Created())
}

func TestRunRetriesConnect(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 2, 2)
		f := &flow.Flow{Name: "flaky", Steps: steps("counter")}

		res, err := h.runner(flow.WithConnectRetries(3)).Run(context.Background(), f, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Emitted)
		assert.Equal(t, int64(3), h.attempts.Load())
		h.assertAllReleased(t)
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 2, 5)
		f := &flow.Flow{Name: "down", Steps: steps("counter")}

		_, err := h.runner(flow.WithConnectRetries(1)).Run(context.Background(), f, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, plugin.ErrConnect)
		assert.Equal(t, int64(2), h.attempts.Load())

		d, err := h.reg.Resolve("counter")
		require.NoError(t, err)
		assert.Equal(t, plugin.StateDiscovered, d.State())
		h.assertAllReleased(t)
	})

	t.Run("config errors are not retried", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, 0, 0)
		f := &flow.Flow{Name: "bad", Steps: []flow.Step{{StepName: "rows", PluginName: "csv_source"}}}

		_, err := h.runner(flow.WithConnectRetries(5)).Run(context.Background(), f, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, plugin.ErrConfig)
		assert.Zero(t, h.mod.Created())
	})
}

func TestRunSinkErrorAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 10, 0)
	f := &flow.Flow{Name: "sink", Steps: steps("counter")}

	var calls atomic.Int64
	_, err := h.runner().Run(context.Background(), f, func(ctx context.Context, rec record.Record) error {
		if calls.Add(1) == 3 {
			return errors.New("disk full")
		}
		return nil
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "disk full"))
	h.assertAllReleased(t)
}

func TestRunParallelWorkers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 50, 0)
	f := &flow.Flow{Name: "wide", Workers: 4, Steps: steps("counter", "reject_odd")}

	var out collector
	res, err := h.runner().Run(context.Background(), f, out.sink)
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.Emitted)
	assert.Equal(t, int64(25), res.Rejected)

	want := make([]int, 0, 25)
	for i := 0; i < 50; i += 2 {
		want = append(want, i)
	}
	assert.Equal(t, want, out.numbers())
	h.assertAllReleased(t)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, -1, 0)
	f := &flow.Flow{Name: "endless", Steps: steps("counter")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen atomic.Int64
	_, err := h.runner().Run(ctx, f, func(ctx context.Context, rec record.Record) error {
		if seen.Add(1) == 5 {
			cancel()
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	h.assertAllReleased(t)
}

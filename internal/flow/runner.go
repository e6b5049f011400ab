package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"

	"github.com/alexisbeaulieu97/flowplug/internal/logger"
	"github.com/alexisbeaulieu97/flowplug/internal/plugin"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

const (
	defaultWorkers        = 1
	defaultConnectRetries = 3
	maxRecordedRejections = 100
)

// Sink receives every record that made it through the whole chain. Calls are
// serialized.
type Sink func(ctx context.Context, rec record.Record) error

// Result summarizes one run.
type Result struct {
	Flow     string
	RunID    string
	Read     int64
	Emitted  int64
	Rejected int64
	Duration time.Duration
	// Rejections holds the first rejected-record errors, each a *errors.StepError.
	Rejections []error
}

// Runner executes flows against a registry. A Runner only borrows plugins for
// the length of a run: every step it instantiates is closed before Run returns.
type Runner struct {
	registry   *plugin.Registry
	log        *logger.Logger
	workers    int
	retries    uint64
	newBackOff func() backoff.BackOff
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(log *logger.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithWorkers sets how many records go through the enrichment chain at once
// when the flow does not say.
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithConnectRetries sets how many times a step whose connect failed is
// instantiated again.
func WithConnectRetries(n uint64) Option {
	return func(r *Runner) { r.retries = n }
}

// WithBackOff sets the delay policy between connect retries.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(r *Runner) { r.newBackOff = fn }
}

// NewRunner returns a runner bound to reg.
func NewRunner(reg *plugin.Registry, opts ...Option) *Runner {
	r := &Runner{
		registry: reg,
		workers:  defaultWorkers,
		retries:  defaultConnectRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run instantiates every step, streams the source through the enrichment
// chain into sink and closes the steps again. Rejected records are skipped or
// abort the run according to the flow's on_data_error policy; any other
// failure aborts it. With more than one worker, records reach the sink in no
// particular order.
func (r *Runner) Run(ctx context.Context, f *Flow, sink Sink) (*Result, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := r.checkCapabilities(f); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = func(context.Context, record.Record) error { return nil }
	}

	log, runID := r.log.WithRunID()
	log = log.With("flow", f.Name)
	res := &Result{Flow: f.Name, RunID: runID}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var opened []Step
	defer func() { r.closeSteps(parent, log, opened) }()

	for _, step := range f.Steps {
		if err := r.instantiate(ctx, log, step); err != nil {
			return res, flowerrors.NewStepError(step.StepName, step.PluginName, err)
		}
		opened = append(opened, step)
	}
	log.Info("flow started", "steps", len(f.Steps))

	src := f.Source()
	reader, err := r.registry.Read(ctx, src.PluginName)
	if err != nil {
		return res, flowerrors.NewStepError(src.StepName, src.PluginName, err)
	}
	defer reader.Close()

	workers := r.workers
	if f.Workers > 0 {
		workers = f.Workers
	}

	run := &execution{
		runner: r,
		flow:   f,
		log:    log,
		sink:   sink,
		cancel: cancel,
		result: res,
	}

	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p any) {
		run.abort(fmt.Errorf("worker panic: %v", p))
	}))
	if err != nil {
		return res, fmt.Errorf("start worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for {
		rec, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if run.aborted() {
				break
			}
			if !run.reject(src, err) {
				break
			}
			continue
		}
		run.read.Add(1)

		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			run.enrich(ctx, rec)
		}); err != nil {
			wg.Done()
			run.abort(fmt.Errorf("submit record: %w", err))
			break
		}
	}
	wg.Wait()
	run.tally()

	if err := run.err(); err != nil {
		log.Error(err, "flow aborted", "read", res.Read, "emitted", res.Emitted, "rejected", res.Rejected)
		return res, err
	}
	log.Info("flow finished", "read", res.Read, "emitted", res.Emitted, "rejected", res.Rejected)
	return res, nil
}

// checkCapabilities resolves every step and checks it plays its role.
func (r *Runner) checkCapabilities(f *Flow) error {
	var errs []error
	for i, step := range f.Steps {
		d, err := r.registry.Resolve(step.PluginName)
		if err != nil {
			errs = append(errs, flowerrors.NewStepError(step.StepName, step.PluginName, err))
			continue
		}
		want := capability.KindEnrichmentFunction
		if i == 0 {
			want = capability.KindSourceConnector
		}
		if got := d.Manifest().Capability; got != want {
			errs = append(errs, flowerrors.NewStepError(step.StepName, step.PluginName,
				fmt.Errorf("plugin is a %s, step %d needs a %s", got, i, want)))
		}
	}
	return errors.Join(errs...)
}

// instantiate retries connect failures with backoff. Every other failure is
// permanent. A plugin left Closed or Failed by an earlier run is registered
// again first.
func (r *Runner) instantiate(ctx context.Context, log *logger.Logger, step Step) error {
	d, err := r.registry.Resolve(step.PluginName)
	if err != nil {
		return err
	}
	if d.State().Terminal() {
		log.Debug("re-registering plugin", "plugin", step.PluginName, "state", d.State().String())
		if err := r.registry.Register(d.Manifest()); err != nil {
			return err
		}
	}

	op := func() error {
		_, err := r.registry.Instantiate(ctx, step.PluginName, step.Config)
		if err == nil || plugin.IsKind(err, capability.ErrorConnect) {
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.retries), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("connect failed, retrying", "step", step.StepName, "plugin", step.PluginName, "wait", wait.String(), "error", err)
	})
}

// closeSteps closes in reverse order. A cancelled run force-closes so a hung
// plugin cannot block shutdown.
func (r *Runner) closeSteps(parent context.Context, log *logger.Logger, steps []Step) {
	cancelled := parent.Err() != nil
	ctx := context.WithoutCancel(parent)
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		var err error
		if cancelled {
			err = r.registry.ForceClose(step.PluginName)
		} else {
			err = r.registry.Close(ctx, step.PluginName)
		}
		if err != nil {
			log.Warn("closing step failed", "step", step.StepName, "plugin", step.PluginName, "error", err)
		}
	}
}

// execution is the shared state of one run's workers.
type execution struct {
	runner *Runner
	flow   *Flow
	log    *logger.Logger
	sink   Sink
	cancel context.CancelFunc
	result *Result

	read     atomic.Int64
	emitted  atomic.Int64
	rejected atomic.Int64

	mu         sync.Mutex
	sinkMu     sync.Mutex
	failure    error
	rejections []error
}

// tally copies the counters into the result once the workers are done.
func (e *execution) tally() {
	e.result.Read = e.read.Load()
	e.result.Emitted = e.emitted.Load()
	e.result.Rejected = e.rejected.Load()
	e.mu.Lock()
	e.result.Rejections = e.rejections
	e.mu.Unlock()
}

func (e *execution) enrich(ctx context.Context, rec record.Record) {
	for _, step := range e.flow.Enrichments() {
		if ctx.Err() != nil {
			return
		}
		out, err := e.runner.registry.Process(ctx, step.PluginName, rec, nil)
		if err != nil {
			if !e.aborted() {
				e.reject(step, err)
			}
			return
		}
		rec = out
	}

	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := e.sink(ctx, rec); err != nil {
		e.abort(fmt.Errorf("sink: %w", err))
		return
	}
	e.emitted.Add(1)
}

// reject handles a failed record and reports whether the run goes on.
func (e *execution) reject(step Step, err error) bool {
	stepErr := flowerrors.NewStepError(step.StepName, step.PluginName, err)
	if !plugin.IsKind(err, capability.ErrorData) || e.flow.Policy() == AbortRun {
		e.abort(stepErr)
		return false
	}

	e.rejected.Add(1)
	e.log.Warn("record rejected", "step", step.StepName, "plugin", step.PluginName, "error", err)
	e.mu.Lock()
	if len(e.rejections) < maxRecordedRejections {
		e.rejections = append(e.rejections, stepErr)
	}
	e.mu.Unlock()
	return true
}

func (e *execution) abort(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failure == nil {
		e.failure = err
		e.cancel()
	}
}

func (e *execution) aborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure != nil
}

func (e *execution) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure
}

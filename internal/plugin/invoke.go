package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alexisbeaulieu97/flowplug/internal/schema"
	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// invoke runs one call on a live handle and applies the recovery policy:
// a fatal failure moves the descriptor to Failed and releases the handle,
// a timeout force-closes it.
func (r *Registry) invoke(ctx context.Context, d *Descriptor, h *Handle, op string, fallback capability.ErrorKind, fn func(context.Context) error) error {
	err := r.run(ctx, h, op, fallback, true, fn)
	if err == nil {
		return nil
	}

	var timeout *TimeoutError
	switch {
	case errors.As(err, &timeout):
		r.forceClose(d, h, err)
	case IsKind(err, capability.ErrorFatal):
		r.fail(ctx, d, h, err)
	}
	return err
}

// run performs one plugin call with tracing, panic recovery, the optional
// call timeout, metrics and error tagging. It never changes lifecycle state.
func (r *Registry) run(ctx context.Context, h *Handle, op string, fallback capability.ErrorKind, bounded bool, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "plugin."+op, trace.WithAttributes(
		attribute.String("plugin.name", h.Name()),
		attribute.String("plugin.capability", string(h.Capability())),
		attribute.String("plugin.loader", string(h.LoaderKind())),
		attribute.String("plugin.handle", h.ID()),
	))
	defer span.End()

	start := r.now()
	err := r.guard(ctx, h, op, fallback, bounded, fn)
	outcome := outcomeOf(err)
	r.metrics.observeCall(h.Name(), op, outcome, r.now().Sub(start))

	if err != nil && !errors.Is(err, io.EOF) {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return err
}

func (r *Registry) guard(ctx context.Context, h *Handle, op string, fallback capability.ErrorKind, bounded bool, fn func(context.Context) error) error {
	if !bounded || r.cfg.CallTimeout <= 0 {
		return tag(ctx, h, op, fallback, recovered(ctx, fn))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	// The call keeps its locks until the plugin returns, even after we stop waiting.
	done := make(chan error, 1)
	go func() {
		done <- recovered(callCtx, fn)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Name: h.Name(), Op: op, After: r.cfg.CallTimeout}
		}
		return tag(ctx, h, op, fallback, err)
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return tag(ctx, h, op, fallback, err)
		}
		return &TimeoutError{Name: h.Name(), Op: op, After: r.cfg.CallTimeout}
	}
}

func recovered(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = capability.FatalError("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// tag normalizes err into the registry's error shapes. End of stream, state
// errors and cancellation by the caller pass through.
func tag(ctx context.Context, h *Handle, op string, fallback capability.ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	var stateErr *StateError
	if errors.As(err, &stateErr) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("plugin '%s' %s: %w", h.Name(), op, err)
	}
	return normalize(h.Name(), op, fallback, err)
}

func outcomeOf(err error) string {
	var (
		timeout  *TimeoutError
		stateErr *StateError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, io.EOF):
		return "eof"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &stateErr):
		return "state"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	if kind, ok := KindOf(err); ok {
		return string(kind)
	}
	return "error"
}

// schemaFailure converts a schema check into a tagged error of kind.
func schemaFailure(name, op string, kind capability.ErrorKind, err error) *Error {
	out := &Error{Kind: kind, Plugin: name, Op: op, Message: err.Error(), Err: err}
	var violation *schema.ViolationError
	if errors.As(err, &violation) {
		out.Details = violation.Details()
	}
	var invalid *schema.InvalidSchemaError
	if errors.As(err, &invalid) {
		out.Kind = capability.ErrorConfig
	}
	return out
}

func (r *Registry) checkConfig(name string, schemaDoc, config record.Record) error {
	if err := r.schemas.Validate(schemaDoc, config); err != nil {
		return schemaFailure(name, "validate config", capability.ErrorConfig, err)
	}
	return nil
}

func (r *Registry) checkRecord(h *Handle, schemaDoc, rec record.Record) error {
	if len(schemaDoc) == 0 || !h.needsCheck(r.cfg.StrictValidation) {
		return nil
	}
	if err := r.schemas.Validate(schemaDoc, rec); err != nil {
		r.metrics.rejected(h.Name())
		return schemaFailure(h.Name(), "validate record", capability.ErrorData, err)
	}
	return nil
}

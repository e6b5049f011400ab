package main

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/alexisbeaulieu97/flowplug/internal/logger"
)

// spanLogger writes every finished span to the debug log.
type spanLogger struct {
	log *logger.Logger
}

func (s spanLogger) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (s spanLogger) OnEnd(span sdktrace.ReadOnlySpan) {
	kv := []any{
		"span", span.Name(),
		"duration", span.EndTime().Sub(span.StartTime()).String(),
		"status", span.Status().Code.String(),
	}
	for _, attr := range span.Attributes() {
		kv = append(kv, string(attr.Key), attr.Value.Emit())
	}
	s.log.Debug("plugin call traced", kv...)
}

func (s spanLogger) Shutdown(context.Context) error   { return nil }
func (s spanLogger) ForceFlush(context.Context) error { return nil }

func newTracerProvider(log *logger.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(spanLogger{log: log}),
	)
}

func writeExposition(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

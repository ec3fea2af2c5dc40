// Package tracing wires OpenTelemetry spans around task execution.
// Adapted from pkg/tracing/tracing.go: same TracerProvider/resource/
// batch-exporter setup and the TraceableContext span-wrapper convenience
// type, with the jaeger exporter branch dropped — OTLP/HTTP is the only
// transport the orchestrator's deployment targets use, so carrying a
// second exporter dependency bought nothing.
package tracing

import (
	"context"
	"fmt"

	"github.com/dbmplus/dbmorc/pkg/types"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Manager owns the process's TracerProvider and exposes a Tracer and
// StartSpan. internal/app constructs it and shuts it down; no pipeline
// task or HTTP handler starts spans from it.
type Manager struct {
	cfg      types.TracingConfig
	logger   *logrus.Logger
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
}

// New builds a Manager. When cfg.Enabled is false, the returned Manager's
// tracer is the otel no-op tracer — callers never need to branch on
// whether tracing is on.
func New(cfg types.TracingConfig, logger *logrus.Logger) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{cfg: cfg, logger: logger, tracer: otel.Tracer("noop")}, nil
	}

	m := &Manager{cfg: cfg, logger: logger}
	if err := m.initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) initialize() error {
	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(m.cfg.OTLPEndpoint),
	))
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(m.cfg.ServiceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to build trace resource: %w", err)
	}

	sampleRatio := m.cfg.SampleRatio
	if sampleRatio <= 0 {
		sampleRatio = 1.0
	}

	m.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(sampleRatio)),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	m.tracer = otel.Tracer(m.cfg.ServiceName)
	m.logger.WithFields(logrus.Fields{
		"service_name": m.cfg.ServiceName,
		"endpoint":     m.cfg.OTLPEndpoint,
		"sample_ratio": sampleRatio,
	}).Info("tracing initialized")
	return nil
}

// Tracer returns the process tracer.
func (m *Manager) Tracer() oteltrace.Tracer {
	return m.tracer
}

// Shutdown flushes and stops the tracer provider, if one was started.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider != nil {
		return m.provider.Shutdown(ctx)
	}
	return nil
}

// SpanContext wraps a context with its active span, mirroring the
// teacher's TraceableContext convenience wrapper.
type SpanContext struct {
	ctx  context.Context
	span oteltrace.Span
}

// StartSpan starts a new span named operationName as a child of ctx.
func (m *Manager) StartSpan(ctx context.Context, operationName string) *SpanContext {
	ctx, span := m.tracer.Start(ctx, operationName)
	return &SpanContext{ctx: ctx, span: span}
}

// Context returns the span-carrying context.
func (s *SpanContext) Context() context.Context { return s.ctx }

// SetAttribute adds a string attribute to the span.
func (s *SpanContext) SetAttribute(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

// SetError records err on the span, if non-nil.
func (s *SpanContext) SetError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

// End finalizes the span.
func (s *SpanContext) End() {
	s.span.End()
}

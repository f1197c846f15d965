// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package diagnostics provides tracing and metrics for lifecycle and update
operations.

# Tracers

  - NoOpTracer: generates W3C-shaped IDs for log correlation, exports nothing
  - OTelTracer: OpenTelemetry SDK with a stdout or OTLP/gRPC exporter

# Metrics

  - NoOpMetrics: in-memory counters, readable in tests
  - PrometheusMetrics: registers on a private registry served at /metrics

Both come in pairs so that every operation can call the same interface
whether or not the user enabled export.
*/
package diagnostics

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Exporter names accepted by TracerConfig.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// -----------------------------------------------------------------------------
// Tracer Interface
// -----------------------------------------------------------------------------

// Tracer creates spans around lifecycle and update operations.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
type Tracer interface {
	// StartSpan creates a span and returns a finish function.
	//
	// # Examples
	//
	//	ctx, finish := tracer.StartSpan(ctx, "lifecycle.start",
	//	    map[string]string{"op_id": opID})
	//	defer func() { finish(err) }()
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error))

	// TraceID returns the 32-character hex trace ID in ctx, or "".
	TraceID(ctx context.Context) string

	// Shutdown flushes pending spans.
	Shutdown(ctx context.Context) error
}

// TracerConfig selects and configures a Tracer.
type TracerConfig struct {
	// ServiceName identifies bootmgr in trace metadata. Default: "bootmgr".
	ServiceName string

	// ServiceVersion is the running binary's version.
	ServiceVersion string

	// Exporter is "none", "stdout" or "otlp". Default: "none".
	Exporter string

	// Endpoint is the OTLP/gRPC collector address. Default: "localhost:4317".
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// Writer receives stdout-exported spans. Default: os.Stderr.
	Writer io.Writer
}

// NewTracer builds the tracer named by cfg.Exporter.
func NewTracer(ctx context.Context, cfg TracerConfig) (Tracer, error) {
	switch cfg.Exporter {
	case "", ExporterNone:
		return NewNoOpTracer(), nil
	case ExporterStdout, ExporterOTLP:
		return NewOTelTracer(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// -----------------------------------------------------------------------------
// NoOpTracer
// -----------------------------------------------------------------------------

// NoOpTracer generates trace IDs for log correlation but exports nothing.
type NoOpTracer struct{}

// NewNoOpTracer returns a tracer that exports nothing.
func NewNoOpTracer() *NoOpTracer {
	return &NoOpTracer{}
}

type noOpTraceIDKey struct{}

// StartSpan stores a trace ID in ctx, reusing the parent's if present.
func (t *NoOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	if t.TraceID(ctx) == "" {
		ctx = context.WithValue(ctx, noOpTraceIDKey{}, randomHex(16))
	}
	return ctx, func(error) {}
}

// TraceID returns the ID stored by StartSpan.
func (t *NoOpTracer) TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(noOpTraceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// Shutdown is a no-op.
func (t *NoOpTracer) Shutdown(ctx context.Context) error {
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%016x%016x", time.Now().UnixNano(), os.Getpid())[:2*n]
	}
	return hex.EncodeToString(b)
}

// -----------------------------------------------------------------------------
// OTelTracer
// -----------------------------------------------------------------------------

// OTelTracer exports spans through the OpenTelemetry SDK.
//
// # Description
//
// The provider is installed as the global tracer provider so that the
// control API's otelgin middleware and bootmgr's own spans share traces.
type OTelTracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewOTelTracer creates the exporter named by cfg.Exporter and installs a
// batching tracer provider.
func NewOTelTracer(ctx context.Context, cfg TracerConfig) (*OTelTracer, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bootmgr"
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	default:
		if cfg.Endpoint == "" {
			cfg.Endpoint = "localhost:4317"
		}
		var dialOpts []grpc.DialOption
		if cfg.Insecure {
			dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		}
		conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return newOTelTracer(cfg.ServiceName, sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)), nil
}

func newOTelTracer(serviceName string, provider *sdktrace.TracerProvider) *OTelTracer {
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &OTelTracer{
		tracer:   provider.Tracer(serviceName),
		provider: provider,
	}
}

// StartSpan starts an internal span carrying attrs.
func (t *OTelTracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, attribute.String(k, v))
	}

	ctx, span := t.tracer.Start(ctx, name,
		trace.WithAttributes(otelAttrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// TraceID returns the active span's trace ID.
func (t *OTelTracer) TraceID(ctx context.Context) string {
	traceID := trace.SpanFromContext(ctx).SpanContext().TraceID()
	if !traceID.IsValid() {
		return ""
	}
	return traceID.String()
}

// Shutdown flushes and stops the provider.
func (t *OTelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

var _ Tracer = (*NoOpTracer)(nil)
var _ Tracer = (*OTelTracer)(nil)

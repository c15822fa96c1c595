// Package otel wires OpenTelemetry tracing for the pipeline. Tracing is off
// unless explicitly enabled; the CLI opens spans around the build and push
// (rollout) commands.
package otel

import (
	"context"
	"errors"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/eunomia-project/eunomia/internal/version"
)

// Exporter protocols.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Config holds tracing options.
type Config struct {
	Endpoint string // falls back to OTEL_EXPORTER_OTLP_ENDPOINT, then the protocol default
	Protocol string // "http" (default) or "grpc"
	Insecure bool
	// SampleRatio in [0,1]; 0 samples nothing, 1 everything.
	SampleRatio float64
}

// Handle is the initialized tracer plus its shutdown hook.
type Handle struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Tracer returns the handle's tracer.
func (h *Handle) Tracer() trace.Tracer { return h.tracer }

// Shutdown flushes and stops the provider.
func (h *Handle) Shutdown(ctx context.Context) error {
	if h.shutdown == nil {
		return nil
	}
	return h.shutdown(ctx)
}

// Init builds the OTLP exporter and tracer provider and installs it as the
// global provider.
func Init(ctx context.Context, cfg Config) (*Handle, error) {
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = ProtocolHTTP
	}
	if protocol != ProtocolHTTP && protocol != ProtocolGRPC {
		return nil, errors.New("otel: protocol must be http or grpc")
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, errors.New("otel: sample ratio must be in [0,1]")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		if protocol == ProtocolGRPC {
			endpoint = "localhost:4317"
		} else {
			endpoint = "localhost:4318"
		}
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("eunomia"),
			semconv.ServiceVersion(version.BuildVersion()),
		),
	)
	if err != nil {
		return nil, err
	}

	var exporter sdktrace.SpanExporter
	if protocol == ProtocolGRPC {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	} else {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	}
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	if cfg.SampleRatio >= 1 {
		sampler = sdktrace.AlwaysSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Handle{tracer: tp.Tracer("eunomia"), shutdown: tp.Shutdown}, nil
}

// NewHandle wraps an existing provider, for tests.
func NewHandle(tp trace.TracerProvider) *Handle {
	return &Handle{tracer: tp.Tracer("eunomia")}
}

type handleKey struct{}

// WithHandle stores the handle on the context.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// From returns the context's handle, or nil when tracing is off.
func From(ctx context.Context) *Handle {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h
}

// StartSpan starts a span on the context's handle. With tracing off it
// returns a no-op span, so call sites need no nil checks.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if h := From(ctx); h != nil {
		return h.tracer.Start(ctx, name, opts...)
	}
	return noop.NewTracerProvider().Tracer("eunomia").Start(ctx, name, opts...)
}

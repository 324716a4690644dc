package telemetry

import (
	"context"
	"errors"
	"fmt"

	"contract-collab/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: ONE TRACE PER EDIT

Every HTTP request and websocket frame opens a root span; the log append,
snapshot, redline and assistant paths open children through
middleware.StartSpan. With several coordinators, the node attribute tells
which shard owner served a trace:

  client → node (root span) → OperationLog.Append → Snapshot.Take
                                  ↓
                           Jaeger collector → UI

Sampling follows the caller's decision when there is one and falls back
to SampleRatio for new traces.
*/

// Version is reported as the service version on every span.
var Version = "0.1.0"

// Options configures the tracer provider.
type Options struct {
	ServiceName string
	Endpoint    string  // Jaeger collector URL
	NodeID      string  // coordinator node, recorded on every span
	SampleRatio float64 // 0 < ratio <= 1 for new traces
}

// Shutdown flushes buffered spans.
type Shutdown func(context.Context) error

// InitJaeger installs a Jaeger-backed tracer provider as the global one.
func InitJaeger(opts Options) (Shutdown, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("jaeger endpoint is required")
	}
	if opts.SampleRatio <= 0 || opts.SampleRatio > 1 {
		opts.SampleRatio = 1
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(Version),
			attribute.String("collab.node", opts.NodeID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	l := logging.Component("telemetry")
	l.Info().
		Str("endpoint", opts.Endpoint).
		Str("service", opts.ServiceName).
		Str("node", opts.NodeID).
		Float64("sample_ratio", opts.SampleRatio).
		Msg("jaeger tracing initialized")

	return tp.Shutdown, nil
}

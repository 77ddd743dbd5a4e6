// Functions for working with OpenTelemetry in skilld.

package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/nais/skilld/pkg/types"
	"github.com/nais/skilld/pkg/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

// How long between each time OT sends something to the collector.
const batchTimeout = 5 * time.Second

const tracerName = "github.com/nais/skilld"

// Singleton instance of the default tracer.
// Access it with `Tracer()`.
var tracer *trace.TracerProvider

// Initialize the OpenTelemetry library.
//
// You MUST call `Shutdown()` on the tracer provider before exiting,
// lest traces are not sent to the collector.
func New(ctx context.Context, serviceName string, collectorEndpointURL string) (*trace.TracerProvider, error) {
	prop := newPropagator()
	otel.SetTextMapPropagator(prop)

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.OSName(runtime.GOOS),
		semconv.ServiceVersion(version.Version()),
	)

	tracerProvider, err := newTraceProvider(ctx, res, collectorEndpointURL)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)

	tracer = tracerProvider

	return tracerProvider, nil
}

// Returns the top-level tracer.
//
// When `New()` has not been called, spans go to the global provider,
// which discards them unless somebody else configured it.
func Tracer() otrace.Tracer {
	if tracer == nil {
		return otel.Tracer(tracerName)
	}
	return tracer.Tracer(tracerName)
}

// MetadataAttributes converts deployment metadata into span attributes.
func MetadataAttributes(metadata types.Metadata) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(types.LogFieldTrigger, metadata[types.MetadataTrigger]),
		attribute.String(types.LogFieldGitRefSha, metadata[types.MetadataCommitSHA]),
		attribute.String(types.LogFieldGitRef, metadata[types.MetadataBranch]),
		attribute.String(types.LogFieldDeliveryID, metadata[types.MetadataDeliveryID]),
	}
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(ctx context.Context, res *resource.Resource, endpointURL string) (*trace.TracerProvider, error) {
	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpointURL))
	if err != nil {
		return nil, err
	}

	traceProvider := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter,
			trace.WithBatchTimeout(batchTimeout)),
		trace.WithResource(res),
	)

	return traceProvider, nil
}

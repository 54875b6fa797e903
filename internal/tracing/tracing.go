package tracing

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/harbor_fdx"

// Span attribute keys shared by the worker, dispatcher and HTTP layer.
const (
	AttrTaskID    = attribute.Key("task.id")
	AttrOperation = attribute.Key("task.operation")
	AttrAttempt   = attribute.Key("task.attempt")
	AttrQueue     = attribute.Key("task.queue")
	AttrErrorKind = attribute.Key("task.error_kind")
	AttrCustomer  = attribute.Key("fdx.customer_id")
)

// Config describes the exporter and the resource identifying this process.
type Config struct {
	ServiceName string
	Version     string
	InstanceID  string
	Endpoint    string // host:port of the OTLP/HTTP collector
	SampleRatio float64
}

// ConfigFromEnv reads SERVICE_VERSION, HOSTNAME or POD_NAME, and
// OTEL_EXPORTER_OTLP_ENDPOINT.
func ConfigFromEnv(serviceName string, sampleRatio float64) Config {
	return Config{
		ServiceName: serviceName,
		Version:     firstEnv("dev", "SERVICE_VERSION"),
		InstanceID:  firstEnv("unknown", "HOSTNAME", "POD_NAME"),
		Endpoint:    hostPort(firstEnv("localhost:4318", "OTEL_EXPORTER_OTLP_ENDPOINT")),
		SampleRatio: sampleRatio,
	}
}

// InitTracing installs a global tracer provider exporting over OTLP/HTTP,
// configured from the environment.
func InitTracing(ctx context.Context, serviceName string, sampleRatio float64) (func(context.Context) error, error) {
	return Install(ctx, ConfigFromEnv(serviceName, sampleRatio))
}

// Install registers a batching OTLP/HTTP tracer provider and the W3C
// propagators, returning the provider's shutdown.
func Install(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			attribute.String("service.instance.id", cfg.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(Sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Sampler samples ratio of new traces and follows the parent otherwise.
// A ratio outside (0,1) samples everything.
func Sampler(ratio float64) trace.Sampler {
	if ratio > 0 && ratio < 1 {
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
	return trace.AlwaysSample()
}

// GetTracer returns the application tracer
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a new span with the given name and attributes
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := GetTracer().Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// TaskAttributes returns the standard attributes describing one attempt.
func TaskAttributes(taskID, operation, queue string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.String(taskID),
		AttrOperation.String(operation),
		AttrQueue.String(queue),
		AttrAttempt.Int(attempt),
	}
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil {
		span.AddEvent(name, oteltrace.WithAttributes(attrs...))
	}
}

// SetSpanError records an error on the current span
func SetSpanError(ctx context.Context, err error) {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// GetTraceID extracts the trace ID from the context
func GetTraceID(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// hostPort strips the scheme and trailing slash; otlptracehttp.WithEndpoint
// takes host:port.
func hostPort(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimSuffix(endpoint, "/")
}

// PropagateTrace serialises the trace context of ctx into task headers so an
// attempt executed later, possibly in another process, joins the same trace.
func PropagateTrace(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	if len(headers) == 0 {
		return nil
	}
	return headers
}

// ExtractTrace restores a trace context previously written by PropagateTrace.
func ExtractTrace(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

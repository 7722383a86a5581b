package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps OpenTelemetry tracer
type Tracer struct {
	tracer trace.Tracer
}

// Config holds tracing configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	JaegerEndpoint string
	Environment    string
}

// NewTracer creates a new OpenTelemetry tracer
func NewTracer(config Config) (*Tracer, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		tracer: otel.Tracer(config.ServiceName),
	}, nil
}

// StartSpan starts a new span
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// StartTaskSpan starts the root span for one submitted task
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID, callerID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.String("task.caller", callerID),
	}
	return t.tracer.Start(ctx, "dispatch.task", trace.WithAttributes(attrs...))
}

// StartClassifySpan starts a span for task classification
func (t *Tracer) StartClassifySpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", taskID),
	}
	return t.tracer.Start(ctx, "dispatch.classify", trace.WithAttributes(attrs...))
}

// StartSelectSpan starts a span for candidate selection
func (t *Tracer) StartSelectSpan(ctx context.Context, taskID string, complexity int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.Int("task.complexity", complexity),
	}
	return t.tracer.Start(ctx, "dispatch.select", trace.WithAttributes(attrs...))
}

// StartAttemptSpan starts a span for one provider attempt
func (t *Tracer) StartAttemptSpan(ctx context.Context, taskID, providerID string, position int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("task.id", taskID),
		attribute.String("provider.id", providerID),
		attribute.Int("attempt.position", position),
	}
	return t.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(attrs...))
}

// AddSpanAttributes adds attributes to a span
func AddSpanAttributes(span trace.Span, attrs map[string]interface{}) {
	for key, value := range attrs {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(key, v))
		case int:
			span.SetAttributes(attribute.Int(key, v))
		case int64:
			span.SetAttributes(attribute.Int64(key, v))
		case float64:
			span.SetAttributes(attribute.Float64(key, v))
		case bool:
			span.SetAttributes(attribute.Bool(key, v))
		case []string:
			span.SetAttributes(attribute.StringSlice(key, v))
		default:
			span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
		}
	}
}

// RecordSpanError records an error in a span
func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSpanSuccess records success in a span
func RecordSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "success")
}

// RecordSpanDuration records duration in a span
func RecordSpanDuration(span trace.Span, duration time.Duration) {
	span.SetAttributes(attribute.Float64("duration_ms", float64(duration.Nanoseconds())/1e6))
}

// RecordSpanUsage records token usage in a span
func RecordSpanUsage(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("tokens.input", inputTokens),
		attribute.Int("tokens.output", outputTokens),
		attribute.Int("tokens.total", inputTokens+outputTokens),
	)
}

// RecordSpanCost records cost in a span
func RecordSpanCost(span trace.Span, cost float64, currency string) {
	span.SetAttributes(
		attribute.Float64("cost.total", cost),
		attribute.String("cost.currency", currency),
	)
}

// RecordSpanOutcome records the attempt outcome in a span
func RecordSpanOutcome(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("attempt.outcome", outcome))
}

// Shutdown shuts down the tracer
func (t *Tracer) Shutdown(ctx context.Context) error {
	if tp, ok := otel.GetTracerProvider().(interface{ Shutdown(context.Context) error }); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}

// GetTraceID extracts trace ID from context
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID extracts span ID from context
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasSpanID() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/logging"
	"github.com/snow-ghost/dispatch/pkg/metrics"
	"github.com/snow-ghost/dispatch/pkg/tracing"
)

// Manager manages all observability components
type Manager struct {
	metrics *metrics.Metrics
	tracer  *tracing.Tracer
	logger  *logging.Logger
}

// Config holds observability configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	JaegerEndpoint string
	LogLevel       string
	LogFormat      string
}

// NewManager creates a new observability manager
func NewManager(config Config) (*Manager, error) {
	engineMetrics := metrics.New()

	tracer, err := tracing.NewTracer(tracing.Config{
		ServiceName:    config.ServiceName,
		ServiceVersion: config.ServiceVersion,
		JaegerEndpoint: config.JaegerEndpoint,
		Environment:    config.Environment,
	})
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:     config.LogLevel,
		Format:    config.LogFormat,
		Output:    "stdout",
		AddCaller: true,
		AddStack:  false,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		metrics: engineMetrics,
		tracer:  tracer,
		logger:  logger,
	}, nil
}

// GetMetrics returns the metrics instance
func (m *Manager) GetMetrics() *metrics.Metrics {
	return m.metrics
}

// GetTracer returns the tracer instance
func (m *Manager) GetTracer() *tracing.Tracer {
	return m.tracer
}

// GetLogger returns the logger instance
func (m *Manager) GetLogger() *logging.Logger {
	return m.logger
}

// StartTaskSpan starts the root span for a task and logs acceptance
func (m *Manager) StartTaskSpan(ctx context.Context, taskID, callerID string, textLen int) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartTaskSpan(ctx, taskID, callerID)
	span.SetAttributes(attribute.Int("task.text_len", textLen))
	m.logger.LogTaskSubmitted(ctx, taskID, callerID, textLen)
	return ctx, span
}

// RecordAttempt records one provider attempt across metrics and logs
func (m *Manager) RecordAttempt(ctx context.Context, taskID, providerID string, outcome core.Outcome, duration time.Duration, costUSD float64) {
	m.metrics.RecordAttempt(providerID, string(outcome), duration)
	m.logger.LogAttempt(ctx, taskID, providerID, outcome, duration, costUSD)
}

// RecordTaskCompletion records the terminal state of a task
func (m *Manager) RecordTaskCompletion(ctx context.Context, taskID string, state core.TaskState, duration time.Duration) {
	m.metrics.RecordTask(string(state), duration)
	m.logger.WithTaskID(taskID).Info("Task finished",
		"state", string(state),
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

// RecordUsageAndCost records settled usage and spend for a success
func (m *Manager) RecordUsageAndCost(providerID, currency string, usage core.Usage, costUSD float64) {
	m.metrics.RecordUsage(providerID, usage.InputTokens, usage.OutputTokens)
	m.metrics.RecordCost(providerID, currency, costUSD)
}

// RecordCircuitChange records a breaker transition across metrics and logs
func (m *Manager) RecordCircuitChange(ctx context.Context, providerID, from, to string) {
	var state float64
	switch to {
	case "open":
		state = 2
	case "half-open":
		state = 1
	default:
		state = 0
	}
	m.metrics.SetCircuitState(providerID, state)
	m.logger.LogCircuitChange(ctx, providerID, from, to)
}

// Shutdown shuts down all observability components
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.tracer.Shutdown(ctx); err != nil {
		return err
	}
	return m.logger.Sync()
}

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	callerKey    ctxKey = "caller"
)

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestIDFromContext extracts request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithCaller adds caller to context
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// GetCallerFromContext extracts caller from context
func GetCallerFromContext(ctx context.Context) string {
	if caller, ok := ctx.Value(callerKey).(string); ok {
		return caller
	}
	return "unknown"
}

package logging

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/snow-ghost/dispatch/core"
)

// Logger wraps both slog and zap loggers
type Logger struct {
	slog *slog.Logger
	zap  *zap.Logger
}

// Config holds logging configuration
type Config struct {
	Level     string
	Format    string // "json" or "console"
	Output    string // "stdout" or "stderr"
	AddCaller bool
	AddStack  bool
}

// NewLogger creates a new structured logger
func NewLogger(config Config) (*Logger, error) {
	slogLevel := parseSlogLevel(config.Level)
	slogHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel,
	})
	slogLogger := slog.New(slogHandler)

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = parseZapLevel(config.Level)
	zapConfig.Encoding = config.Format
	zapConfig.OutputPaths = []string{config.Output}
	zapConfig.ErrorOutputPaths = []string{config.Output}
	zapConfig.DisableCaller = !config.AddCaller
	zapConfig.DisableStacktrace = !config.AddStack

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{
		slog: slogLogger,
		zap:  zapLogger,
	}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{
		slog: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(127)})),
		zap:  zap.NewNop(),
	}
}

// parseSlogLevel parses slog level from string
func parseSlogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseZapLevel parses zap level from string
func parseZapLevel(level string) zap.AtomicLevel {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// WithTaskID adds the task ID to logger context
func (l *Logger) WithTaskID(taskID string) *Logger {
	return &Logger{
		slog: l.slog.With("task_id", taskID),
		zap:  l.zap.With(zap.String("task_id", taskID)),
	}
}

// WithTraceID adds trace ID to logger context
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		slog: l.slog.With("trace_id", traceID),
		zap:  l.zap.With(zap.String("trace_id", traceID)),
	}
}

// WithFields adds fields to logger context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	slogAttrs := make([]any, 0, len(fields)*2)
	zapFields := make([]zap.Field, 0, len(fields))

	for key, value := range fields {
		slogAttrs = append(slogAttrs, key, value)
		zapFields = append(zapFields, zap.Any(key, value))
	}

	return &Logger{
		slog: l.slog.With(slogAttrs...),
		zap:  l.zap.With(zapFields...),
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.slog.Debug(msg, args...)
	l.zap.Debug(msg, convertToZapFields(args)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.slog.Info(msg, args...)
	l.zap.Info(msg, convertToZapFields(args)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.slog.Warn(msg, args...)
	l.zap.Warn(msg, convertToZapFields(args)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.slog.Error(msg, args...)
	l.zap.Error(msg, convertToZapFields(args)...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.slog.Error(msg, args...)
	l.zap.Fatal(msg, convertToZapFields(args)...)
}

// convertToZapFields converts interface{} args to zap.Field
func convertToZapFields(args []interface{}) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields = append(fields, zap.Any(key, args[i+1]))
		}
	}
	return fields
}

// LogRequest logs an HTTP request
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, requestID string) {
	l.WithFields(map[string]interface{}{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
		"request_id":  requestID,
	}).Info("HTTP request completed")
}

// LogTaskSubmitted logs a newly accepted task
func (l *Logger) LogTaskSubmitted(ctx context.Context, taskID, callerID string, textLen int) {
	l.WithFields(map[string]interface{}{
		"task_id":  taskID,
		"caller":   callerID,
		"text_len": textLen,
	}).Info("Task submitted")
}

// LogClassification logs the classifier verdict for a task
func (l *Logger) LogClassification(ctx context.Context, taskID string, class core.Classification, fallback bool) {
	l.WithFields(map[string]interface{}{
		"task_id":          taskID,
		"task_type":        string(class.TaskType),
		"complexity":       class.Complexity,
		"context_tokens":   class.EstimatedContextTokens,
		"privacy":          class.PrivacySensitive,
		"default_fallback": fallback,
	}).Info("Task classified")
}

// LogSelection logs the ranked candidate list produced for a task
func (l *Logger) LogSelection(ctx context.Context, taskID string, providerIDs []string) {
	l.WithFields(map[string]interface{}{
		"task_id":    taskID,
		"candidates": providerIDs,
	}).Info("Candidates ranked")
}

// LogAttempt logs one fallback-chain attempt outcome
func (l *Logger) LogAttempt(ctx context.Context, taskID, providerID string, outcome core.Outcome, duration time.Duration, costUSD float64) {
	fields := map[string]interface{}{
		"task_id":     taskID,
		"provider":    providerID,
		"outcome":     string(outcome),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
		"cost_usd":    costUSD,
	}
	if outcome == core.OutcomeSuccess {
		l.WithFields(fields).Info("Attempt succeeded")
		return
	}
	l.WithFields(fields).Warn("Attempt failed")
}

// LogBudgetEvent logs reservation/commit/release traffic on the ledger
func (l *Logger) LogBudgetEvent(ctx context.Context, providerID, event string, amountUSD float64, admitted bool) {
	l.WithFields(map[string]interface{}{
		"provider":   providerID,
		"event":      event,
		"amount_usd": amountUSD,
		"admitted":   admitted,
	}).Info("Budget ledger event")
}

// LogCircuitChange logs a circuit breaker transition
func (l *Logger) LogCircuitChange(ctx context.Context, providerID, from, to string) {
	l.WithFields(map[string]interface{}{
		"provider": providerID,
		"from":     from,
		"to":       to,
	}).Warn("Circuit breaker state changed")
}

// Sync syncs the logger
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// Close closes the logger
func (l *Logger) Close() error {
	return l.zap.Sync()
}

// GetSlog returns the slog logger
func (l *Logger) GetSlog() *slog.Logger {
	return l.slog
}

// GetZap returns the zap logger
func (l *Logger) GetZap() *zap.Logger {
	return l.zap
}

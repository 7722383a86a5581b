package main

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the dispatch daemon
type Config struct {
	Port        string
	LogLevel    string
	LogFormat   string
	Environment string

	ConfigPath  string
	WatchConfig bool

	BudgetDBPath   string
	BudgetRollover string
	BudgetSnapshot string

	AuditDBPath string

	ThrottleRPS   float64
	ThrottleBurst int

	BreakerFailures    int
	BreakerOpenTimeout time.Duration
	BreakerProbes      int

	AttemptTimeout time.Duration
	TaskRetention  time.Duration

	Classifier         string
	ClassifierProvider string
	ClassifierTimeout  time.Duration
	ClassifyCacheSize  int
	ClassifyCacheTTL   time.Duration

	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Port:        getEnv("DISPATCH_PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		Environment: getEnv("DISPATCH_ENV", "development"),

		ConfigPath:  getEnv("DISPATCH_CONFIG", ""),
		WatchConfig: getEnvBool("DISPATCH_WATCH_CONFIG", true),

		BudgetDBPath:   getEnv("DISPATCH_BUDGET_DB", ""),
		BudgetRollover: getEnv("DISPATCH_BUDGET_ROLLOVER", "0 0 * * *"),
		BudgetSnapshot: getEnv("DISPATCH_BUDGET_SNAPSHOT", "@every 5m"),

		AuditDBPath: getEnv("DISPATCH_AUDIT_DB", ""),

		ThrottleRPS:   getEnvFloat("DISPATCH_THROTTLE_RPS", 5),
		ThrottleBurst: getEnvInt("DISPATCH_THROTTLE_BURST", 10),

		BreakerFailures:    getEnvInt("DISPATCH_BREAKER_FAILURES", 5),
		BreakerOpenTimeout: getEnvDuration("DISPATCH_BREAKER_OPEN_TIMEOUT", "30s"),
		BreakerProbes:      getEnvInt("DISPATCH_BREAKER_PROBES", 1),

		AttemptTimeout: getEnvDuration("DISPATCH_ATTEMPT_TIMEOUT", "30s"),
		TaskRetention:  getEnvDuration("DISPATCH_TASK_RETENTION", "24h"),

		Classifier:         getEnv("DISPATCH_CLASSIFIER", "heuristic"),
		ClassifierProvider: getEnv("DISPATCH_CLASSIFIER_PROVIDER", "local-runtime"),
		ClassifierTimeout:  getEnvDuration("DISPATCH_CLASSIFIER_TIMEOUT", "5s"),
		ClassifyCacheSize:  getEnvInt("DISPATCH_CLASSIFY_CACHE_SIZE", 4096),
		ClassifyCacheTTL:   getEnvDuration("DISPATCH_CLASSIFY_CACHE_TTL", "15m"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

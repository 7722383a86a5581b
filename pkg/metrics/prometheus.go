package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the dispatch engine.
// A nil *Metrics is valid and records nothing, which keeps unit tests free
// of default-registry collisions.
type Metrics struct {
	// Task pipeline
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Fallback chain attempts
	AttemptsTotal  *prometheus.CounterVec
	AttemptLatency *prometheus.HistogramVec

	// Admission control
	AdmissionRejectionsTotal *prometheus.CounterVec
	ThrottleRejectionsTotal  prometheus.Counter

	// Usage and spend
	TokensInputTotal  *prometheus.CounterVec
	TokensOutputTotal *prometheus.CounterVec
	CostTotal         *prometheus.CounterVec
	BudgetRemaining   *prometheus.GaugeVec

	// Circuit breaker
	CircuitState     *prometheus.GaugeVec
	CircuitOpenTotal *prometheus.CounterVec

	// Classification cache
	ClassificationCacheHitsTotal   prometheus.Counter
	ClassificationCacheMissesTotal prometheus.Counter
}

// New creates the engine metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		TasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_tasks_total",
				Help: "Total number of tasks by terminal outcome",
			},
			[]string{"outcome"},
		),

		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_task_duration_seconds",
				Help:    "End-to-end task duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		AttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_attempts_total",
				Help: "Total number of provider attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),

		AttemptLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_attempt_latency_seconds",
				Help:    "Provider attempt latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),

		AdmissionRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_admission_rejections_total",
				Help: "Admission rejections by provider and reason",
			},
			[]string{"provider", "reason"},
		),

		ThrottleRejectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_throttle_rejections_total",
				Help: "Inbound submissions rejected by the caller throttle",
			},
		),

		TokensInputTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_tokens_input_total",
				Help: "Total input tokens settled per provider",
			},
			[]string{"provider"},
		),

		TokensOutputTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_tokens_output_total",
				Help: "Total output tokens settled per provider",
			},
			[]string{"provider"},
		),

		CostTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_cost_usd_total",
				Help: "Total settled spend per provider",
			},
			[]string{"provider", "currency"},
		),

		BudgetRemaining: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_budget_remaining_usd",
				Help: "Remaining budget per provider and period",
			},
			[]string{"provider", "period"},
		),

		CircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_circuit_state",
				Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
			},
			[]string{"provider"},
		),

		CircuitOpenTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_circuit_open_total",
				Help: "Total number of circuit-open transitions",
			},
			[]string{"provider"},
		),

		ClassificationCacheHitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_classification_cache_hits_total",
				Help: "Classification cache hits",
			},
		),

		ClassificationCacheMissesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_classification_cache_misses_total",
				Help: "Classification cache misses",
			},
		),
	}
}

// RecordTask records a terminal task outcome with its duration.
func (m *Metrics) RecordTask(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(outcome).Inc()
	m.TaskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAttempt records one fallback-chain attempt.
func (m *Metrics) RecordAttempt(provider, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.AttemptLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordAdmissionRejection records a rate or budget rejection.
func (m *Metrics) RecordAdmissionRejection(provider, reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejectionsTotal.WithLabelValues(provider, reason).Inc()
}

// RecordThrottleRejection records an inbound throttle rejection.
func (m *Metrics) RecordThrottleRejection() {
	if m == nil {
		return
	}
	m.ThrottleRejectionsTotal.Inc()
}

// RecordUsage records settled token usage.
func (m *Metrics) RecordUsage(provider string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.TokensInputTotal.WithLabelValues(provider).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.TokensOutputTotal.WithLabelValues(provider).Add(float64(outputTokens))
	}
}

// RecordCost records settled spend.
func (m *Metrics) RecordCost(provider, currency string, cost float64) {
	if m == nil {
		return
	}
	m.CostTotal.WithLabelValues(provider, currency).Add(cost)
}

// SetBudgetRemaining updates the remaining-budget gauge.
func (m *Metrics) SetBudgetRemaining(provider, period string, remaining float64) {
	if m == nil {
		return
	}
	m.BudgetRemaining.WithLabelValues(provider, period).Set(remaining)
}

// SetCircuitState updates the breaker state gauge and counts opens.
func (m *Metrics) SetCircuitState(provider string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(provider).Set(state)
	if state == 2 {
		m.CircuitOpenTotal.WithLabelValues(provider).Inc()
	}
}

// RecordClassificationCacheHit records a classification cache hit.
func (m *Metrics) RecordClassificationCacheHit() {
	if m == nil {
		return
	}
	m.ClassificationCacheHitsTotal.Inc()
}

// RecordClassificationCacheMiss records a classification cache miss.
func (m *Metrics) RecordClassificationCacheMiss() {
	if m == nil {
		return
	}
	m.ClassificationCacheMissesTotal.Inc()
}

package core

import "time"

type TaskType string

const (
	TaskGenericGeneration TaskType = "generic-generation"
	TaskUIGeneration      TaskType = "ui-generation"
	TaskCompletion        TaskType = "completion"
	TaskClassification    TaskType = "classification"
	TaskOther             TaskType = "other"
)

type ProviderKind string

const (
	KindLocal ProviderKind = "local"
	KindCloud ProviderKind = "cloud"
)

type Tier string

const (
	TierCheap   Tier = "cheap"
	TierMid     Tier = "mid"
	TierPremium Tier = "premium"
)

type Classification struct {
	TaskType               TaskType `json:"task_type"`
	Complexity             int      `json:"complexity"` // 1..10
	EstimatedContextTokens int      `json:"estimated_context_tokens"`
	PrivacySensitive       bool     `json:"privacy_sensitive"`
}

type Task struct {
	ID          string
	RawText     string
	Class       Classification
	CallerID    string
	Deadline    time.Time // zero means no deadline
	SubmittedAt time.Time

	// ProviderOverride pins selection to one provider. An unknown or
	// incapable ID is ignored with a warning.
	ProviderOverride string
}

// Pricing is per 1K tokens, USD unless Currency says otherwise.
type Pricing struct {
	Currency    string  `yaml:"currency" json:"currency"`
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

type Provider struct {
	ID                 string       `yaml:"id" json:"id"`
	Kind               ProviderKind `yaml:"kind" json:"kind"`
	SupportedTaskTypes []TaskType   `yaml:"task_types" json:"task_types"`
	MaxContextTokens   int          `yaml:"max_context_tokens" json:"max_context_tokens"`
	Tier               Tier         `yaml:"tier" json:"tier"`
	ExpectedLatencyMs  int          `yaml:"expected_latency_ms" json:"expected_latency_ms"`
	Pricing            Pricing      `yaml:"pricing" json:"pricing"`

	// transport
	BaseURL   string `yaml:"base_url" json:"base_url,omitempty"`
	Model     string `yaml:"model" json:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`

	// admission window; MaxRequests <= 0 means unlimited
	MaxRequests int `yaml:"max_requests" json:"max_requests"`
	WindowMs    int `yaml:"window_ms" json:"window_ms"`
}

// SupportsTaskType reports whether the provider advertises the task type.
func (p Provider) SupportsTaskType(t TaskType) bool {
	for _, s := range p.SupportedTaskTypes {
		if s == t {
			return true
		}
	}
	return false
}

// PricePerInputToken returns the per-token input price in USD.
func (p Provider) PricePerInputToken() float64 {
	return p.Pricing.InputPer1K / 1000.0
}

// PricePerOutputToken returns the per-token output price in USD.
func (p Provider) PricePerOutputToken() float64 {
	return p.Pricing.OutputPer1K / 1000.0
}

// IsFree reports whether executions on the provider cost nothing.
func (p Provider) IsFree() bool {
	return p.Pricing.InputPer1K == 0 && p.Pricing.OutputPer1K == 0
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeBudgetBlocked Outcome = "budget_blocked"
	OutcomeError         Outcome = "error"
	OutcomeCancelled     Outcome = "cancelled"
)

// ExecutionRecord is one append-only audit row per provider attempt.
// Non-success outcomes always carry CostUSD == 0.
type ExecutionRecord struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	ProviderID   string       `json:"provider_id"`
	ProviderKind ProviderKind `json:"provider_kind"`
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	CostUSD      float64      `json:"cost_usd"`
	LatencyMs    int64        `json:"latency_ms"`
	Outcome      Outcome      `json:"outcome"`
	Reason       string       `json:"reason,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

type TaskState string

const (
	StateSubmitted    TaskState = "submitted"
	StateClassified   TaskState = "classified"
	StateRateCheck    TaskState = "rate_check"
	StateBudgetCheck  TaskState = "budget_check"
	StateExecuting    TaskState = "executing"
	StateSuccess      TaskState = "success"
	StateAllExhausted TaskState = "all_exhausted"
	StateCancelled    TaskState = "cancelled"
)

// Terminal reports whether the state is final for a task.
func (s TaskState) Terminal() bool {
	return s == StateSuccess || s == StateAllExhausted || s == StateCancelled
}

type Result struct {
	TaskID     string  `json:"task_id"`
	ProviderID string  `json:"provider_id"`
	Output     string  `json:"output"`
	Usage      Usage   `json:"usage"`
	CostUSD    float64 `json:"cost_usd"`
	LatencyMs  int64   `json:"latency_ms"`
}

// Chunk is one streamed fragment of provider output. Index restarts at zero
// when the fallback chain advances to another provider.
type Chunk struct {
	TaskID     string `json:"task_id"`
	ProviderID string `json:"provider_id"`
	Index      int    `json:"index"`
	Content    string `json:"content"`
	Final      bool   `json:"final"`
}

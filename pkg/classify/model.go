package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/tokens"
)

const classifyPrompt = `You are a task classifier. Inspect the task below and answer with a single JSON object, no prose, no code fences:
{"task_type":"generic-generation|ui-generation|completion|classification|other","complexity":1-10,"privacy_sensitive":true|false}

Task:
%s`

// DefaultClassifyTimeout bounds the model call so a slow or unreachable
// local runtime cannot stall submission.
const DefaultClassifyTimeout = 5 * time.Second

// modelVerdict is the JSON shape the classification model must return.
type modelVerdict struct {
	TaskType         string `json:"task_type"`
	Complexity       int    `json:"complexity"`
	PrivacySensitive bool   `json:"privacy_sensitive"`
}

// ModelClassifier asks a local model for the task type and complexity.
// Token estimation stays local: the classifier computes context size with
// the estimator rather than trusting the model's arithmetic. Any failure
// (timeout, transport, malformed verdict) degrades to ConservativeDefault
// so submission never blocks on classification.
type ModelClassifier struct {
	adapter   core.Adapter
	estimator tokens.Estimator
	timeout   time.Duration
}

// NewModelClassifier creates a model-backed classifier on the given adapter.
func NewModelClassifier(adapter core.Adapter, estimator tokens.Estimator, timeout time.Duration) *ModelClassifier {
	if estimator == nil {
		estimator = tokens.NewHeuristicEstimator()
	}
	if timeout <= 0 {
		timeout = DefaultClassifyTimeout
	}
	return &ModelClassifier{adapter: adapter, estimator: estimator, timeout: timeout}
}

// Classify sends the classification prompt and parses the verdict.
// On failure it returns ConservativeDefault together with the error;
// callers proceed with the returned classification and log the fallback.
func (m *ModelClassifier) Classify(ctx context.Context, rawText string) (core.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	res, err := m.adapter.Execute(ctx, core.ExecuteRequest{
		Task: core.Task{
			ID:      "classify",
			RawText: fmt.Sprintf(classifyPrompt, rawText),
			Class:   core.Classification{TaskType: core.TaskClassification, Complexity: 1},
		},
	})
	if err != nil {
		return m.ConservativeDefault(rawText), fmt.Errorf("%w: model call: %v", core.ErrClassification, err)
	}

	verdict, err := parseVerdict(res.Output)
	if err != nil {
		return m.ConservativeDefault(rawText), fmt.Errorf("%w: %v", core.ErrClassification, err)
	}

	class := core.Classification{
		TaskType:               normalizeTaskType(verdict.TaskType),
		Complexity:             clampComplexity(verdict.Complexity),
		EstimatedContextTokens: m.estimateTokens(rawText),
		PrivacySensitive:       verdict.PrivacySensitive,
	}
	// the lexical scan is a floor: the model may add sensitivity, never remove it
	if ContainsPrivacyMarkers(strings.ToLower(rawText)) {
		class.PrivacySensitive = true
	}
	return class, nil
}

// ConservativeDefault is the classification used when classification fails:
// maximum complexity and privacy sensitive, so selection prefers the safest
// capable providers.
func (m *ModelClassifier) ConservativeDefault(rawText string) core.Classification {
	return core.Classification{
		TaskType:               core.TaskOther,
		Complexity:             10,
		EstimatedContextTokens: m.estimateTokens(rawText),
		PrivacySensitive:       true,
	}
}

func (m *ModelClassifier) estimateTokens(rawText string) int {
	n, err := m.estimator.EstimateTokens(rawText)
	if err != nil || n < 0 {
		n = len(rawText) / 4
	}
	return n
}

// parseVerdict extracts the JSON object from the model output. Models wrap
// JSON in prose or fences often enough that we cut from the first '{' to
// the last '}' before decoding.
func parseVerdict(output string) (modelVerdict, error) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start < 0 || end <= start {
		return modelVerdict{}, fmt.Errorf("no JSON object in model output")
	}

	var v modelVerdict
	dec := json.NewDecoder(strings.NewReader(output[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return modelVerdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Complexity < 1 || v.Complexity > 10 {
		return modelVerdict{}, fmt.Errorf("complexity %d out of range", v.Complexity)
	}
	return v, nil
}

func normalizeTaskType(s string) core.TaskType {
	switch core.TaskType(strings.TrimSpace(strings.ToLower(s))) {
	case core.TaskGenericGeneration:
		return core.TaskGenericGeneration
	case core.TaskUIGeneration:
		return core.TaskUIGeneration
	case core.TaskCompletion:
		return core.TaskCompletion
	case core.TaskClassification:
		return core.TaskClassification
	default:
		return core.TaskOther
	}
}

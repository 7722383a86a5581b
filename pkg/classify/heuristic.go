package classify

import (
	"context"
	"strings"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/tokens"
)

// keyword tables for lexical classification; matching is case-insensitive
var (
	uiKeywords = []string{
		"component", "landing page", "web page", "button", "layout",
		"stylesheet", "css", "html", "react", "frontend", "navbar",
		"form field", "dashboard ui", "mockup", "wireframe",
	}
	completionKeywords = []string{
		"complete the", "continue the", "finish the", "fill in",
		"autocomplete", "next line",
	}
	classificationKeywords = []string{
		"classify", "categorize", "categorise", "label the",
		"which category", "sentiment of",
	}
	complexityKeywords = []string{
		"architecture", "refactor", "design a system", "multi-step",
		"step by step", "migration", "distributed", "concurrent",
		"optimize", "prove", "benchmark",
	}
	privacyKeywords = []string{
		"ssn", "social security", "passport", "credit card", "iban",
		"password", "api key", "secret key", "private key", "medical",
		"diagnosis", "patient", "salary", "payroll", "confidential",
		"do not share", "internal only", "pii",
	}
)

// HeuristicClassifier classifies tasks by lexical inspection alone.
// It never fails and needs no network, so it doubles as the fallback
// path when the model-backed classifier is unavailable.
type HeuristicClassifier struct {
	estimator tokens.Estimator
}

// NewHeuristicClassifier creates a heuristic classifier. A nil estimator
// falls back to the character heuristic.
func NewHeuristicClassifier(estimator tokens.Estimator) *HeuristicClassifier {
	if estimator == nil {
		estimator = tokens.NewHeuristicEstimator()
	}
	return &HeuristicClassifier{estimator: estimator}
}

// Classify derives a classification from the raw text.
func (h *HeuristicClassifier) Classify(_ context.Context, rawText string) (core.Classification, error) {
	lower := strings.ToLower(rawText)

	class := core.Classification{
		TaskType:               detectTaskType(lower),
		Complexity:             scoreComplexity(lower, len(rawText)),
		EstimatedContextTokens: h.estimateTokens(rawText),
		PrivacySensitive:       ContainsPrivacyMarkers(lower),
	}
	return class, nil
}

func (h *HeuristicClassifier) estimateTokens(rawText string) int {
	n, err := h.estimator.EstimateTokens(rawText)
	if err != nil || n < 0 {
		n = len(rawText) / 4
	}
	return n
}

func detectTaskType(lower string) core.TaskType {
	if containsAny(lower, uiKeywords) {
		return core.TaskUIGeneration
	}
	if containsAny(lower, classificationKeywords) {
		return core.TaskClassification
	}
	if containsAny(lower, completionKeywords) {
		return core.TaskCompletion
	}
	return core.TaskGenericGeneration
}

// scoreComplexity maps text length and structural markers onto the 1..10 scale.
func scoreComplexity(lower string, textLen int) int {
	score := 1
	switch {
	case textLen > 8000:
		score = 7
	case textLen > 2000:
		score = 5
	case textLen > 500:
		score = 3
	case textLen > 100:
		score = 2
	}

	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			score += 2
			break
		}
	}
	if strings.Contains(lower, "```") {
		score++
	}

	return clampComplexity(score)
}

// ContainsPrivacyMarkers reports whether the text carries terms that mark
// it as privacy sensitive. Callers pass lowercased text.
func ContainsPrivacyMarkers(lower string) bool {
	return containsAny(lower, privacyKeywords)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func clampComplexity(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

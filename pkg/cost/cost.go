package cost

import (
	"fmt"
	"math"

	"github.com/snow-ghost/dispatch/core"
)

// Breakdown is the settled cost of one execution.
type Breakdown struct {
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	TotalCost    float64 `json:"total_cost"`
	Currency     string  `json:"currency"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// round6 keeps cost math stable at micro-dollar precision.
func round6(v float64) float64 {
	return math.Round(v*1000000) / 1000000
}

// Settle computes the cost of reported usage under a provider's pricing.
func Settle(u core.Usage, p core.Pricing) (inputCost, outputCost, total float64) {
	inputCost = round6(float64(u.InputTokens) * p.InputPer1K / 1000.0)
	outputCost = round6(float64(u.OutputTokens) * p.OutputPer1K / 1000.0)
	total = round6(inputCost + outputCost)
	return inputCost, outputCost, total
}

// SettleBreakdown is Settle with the full per-side breakdown attached.
func SettleBreakdown(u core.Usage, p core.Pricing) *Breakdown {
	in, out, total := Settle(u, p)
	return &Breakdown{
		InputCost:    in,
		OutputCost:   out,
		TotalCost:    total,
		Currency:     p.Currency,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
	}
}

const (
	estimateOutputDivisor = 4   // expected output ~ a quarter of the input
	estimateOutputFloor   = 256 // tokens
)

// EstimateUsage derives the usage a classified task is expected to consume
// before any provider is called. Deterministic: identical classifications
// produce identical estimates, so candidate ranking is reproducible.
func EstimateUsage(class core.Classification) core.Usage {
	in := class.EstimatedContextTokens
	if in < 0 {
		in = 0
	}
	out := in / estimateOutputDivisor
	if out < estimateOutputFloor {
		out = estimateOutputFloor
	}
	return core.Usage{InputTokens: in, OutputTokens: out}
}

// Estimate returns the budget reservation for running a classified task on a
// provider. Free providers always estimate zero.
func Estimate(class core.Classification, p core.Provider) float64 {
	if p.IsFree() {
		return 0
	}
	_, _, total := Settle(EstimateUsage(class), p.Pricing)
	return total
}

// FormatHeader formats a settled total for the X-Cost-Total response header.
func FormatHeader(total float64, currency string) string {
	return fmt.Sprintf("%.6f;currency=%s", total, currency)
}

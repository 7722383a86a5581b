package cost

import (
	"testing"

	"github.com/snow-ghost/dispatch/core"
)

func TestSettle(t *testing.T) {
	tests := []struct {
		name       string
		usage      core.Usage
		pricing    core.Pricing
		wantInput  float64
		wantOutput float64
		wantTotal  float64
	}{
		{
			name:       "standard pricing",
			usage:      core.Usage{InputTokens: 1000, OutputTokens: 500},
			pricing:    core.Pricing{Currency: "USD", InputPer1K: 0.5, OutputPer1K: 1.5},
			wantInput:  0.5,
			wantOutput: 0.75,
			wantTotal:  1.25,
		},
		{
			name:       "free local provider",
			usage:      core.Usage{InputTokens: 100000, OutputTokens: 100000},
			pricing:    core.Pricing{Currency: "USD"},
			wantInput:  0,
			wantOutput: 0,
			wantTotal:  0,
		},
		{
			name:       "sub-cent rounding",
			usage:      core.Usage{InputTokens: 3, OutputTokens: 7},
			pricing:    core.Pricing{Currency: "USD", InputPer1K: 0.15, OutputPer1K: 0.6},
			wantInput:  0.00045,
			wantOutput: 0.0042,
			wantTotal:  0.004650,
		},
		{
			name:       "zero usage",
			usage:      core.Usage{},
			pricing:    core.Pricing{Currency: "USD", InputPer1K: 3.0, OutputPer1K: 15.0},
			wantInput:  0,
			wantOutput: 0,
			wantTotal:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out, total := Settle(tt.usage, tt.pricing)
			if in != tt.wantInput {
				t.Errorf("input cost = %v, want %v", in, tt.wantInput)
			}
			if out != tt.wantOutput {
				t.Errorf("output cost = %v, want %v", out, tt.wantOutput)
			}
			if total != tt.wantTotal {
				t.Errorf("total cost = %v, want %v", total, tt.wantTotal)
			}
		})
	}
}

func TestEstimateUsage(t *testing.T) {
	tests := []struct {
		name     string
		tokens   int
		wantIn   int
		wantOut  int
	}{
		{name: "large context", tokens: 8000, wantIn: 8000, wantOut: 2000},
		{name: "small context hits output floor", tokens: 100, wantIn: 100, wantOut: 256},
		{name: "zero context", tokens: 0, wantIn: 0, wantOut: 256},
		{name: "negative clamped", tokens: -5, wantIn: 0, wantOut: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := EstimateUsage(core.Classification{EstimatedContextTokens: tt.tokens})
			if u.InputTokens != tt.wantIn {
				t.Errorf("input tokens = %d, want %d", u.InputTokens, tt.wantIn)
			}
			if u.OutputTokens != tt.wantOut {
				t.Errorf("output tokens = %d, want %d", u.OutputTokens, tt.wantOut)
			}
		})
	}
}

func TestEstimateDeterministic(t *testing.T) {
	class := core.Classification{TaskType: core.TaskGenericGeneration, Complexity: 7, EstimatedContextTokens: 12000}
	paid := core.Provider{
		ID:      "cloud-premium",
		Kind:    core.KindCloud,
		Pricing: core.Pricing{Currency: "USD", InputPer1K: 3.0, OutputPer1K: 15.0},
	}

	first := Estimate(class, paid)
	for i := 0; i < 10; i++ {
		if got := Estimate(class, paid); got != first {
			t.Fatalf("estimate not deterministic: %v != %v", got, first)
		}
	}
	if first <= 0 {
		t.Errorf("paid provider estimate = %v, want > 0", first)
	}

	free := core.Provider{ID: "local-runtime", Kind: core.KindLocal}
	if got := Estimate(class, free); got != 0 {
		t.Errorf("free provider estimate = %v, want 0", got)
	}
}

func TestFormatHeader(t *testing.T) {
	got := FormatHeader(1.25, "USD")
	want := "1.250000;currency=USD"
	if got != want {
		t.Errorf("FormatHeader() = %q, want %q", got, want)
	}
}

package testkit

import (
	"time"

	"github.com/snow-ghost/dispatch/core"
)

// LocalProvider is a free local runtime fixture.
func LocalProvider() core.Provider {
	return core.Provider{
		ID:   "local-runtime",
		Kind: core.KindLocal,
		SupportedTaskTypes: []core.TaskType{
			core.TaskGenericGeneration,
			core.TaskCompletion,
			core.TaskClassification,
			core.TaskOther,
		},
		MaxContextTokens:  8192,
		Tier:              core.TierCheap,
		ExpectedLatencyMs: 800,
		Pricing:           core.Pricing{Currency: "USD"},
		Model:             "test-local",
	}
}

// CheapCloudProvider is a small, inexpensive cloud fixture with a rate
// window.
func CheapCloudProvider() core.Provider {
	return core.Provider{
		ID:   "cloud-cheap",
		Kind: core.KindCloud,
		SupportedTaskTypes: []core.TaskType{
			core.TaskGenericGeneration,
			core.TaskCompletion,
			core.TaskClassification,
			core.TaskOther,
		},
		MaxContextTokens:  128_000,
		Tier:              core.TierCheap,
		ExpectedLatencyMs: 600,
		Pricing:           core.Pricing{Currency: "USD", InputPer1K: 0.00015, OutputPer1K: 0.0006},
		Model:             "test-cheap",
		MaxRequests:       100,
		WindowMs:          60_000,
	}
}

// MidCloudProvider is a mid-tier cloud fixture that also supports UI
// generation.
func MidCloudProvider() core.Provider {
	return core.Provider{
		ID:   "cloud-mid",
		Kind: core.KindCloud,
		SupportedTaskTypes: []core.TaskType{
			core.TaskGenericGeneration,
			core.TaskUIGeneration,
			core.TaskCompletion,
			core.TaskOther,
		},
		MaxContextTokens:  128_000,
		Tier:              core.TierMid,
		ExpectedLatencyMs: 900,
		Pricing:           core.Pricing{Currency: "USD", InputPer1K: 0.005, OutputPer1K: 0.015},
		Model:             "test-mid",
		MaxRequests:       50,
		WindowMs:          60_000,
	}
}

// PremiumCloudProvider is a large-context premium cloud fixture.
func PremiumCloudProvider() core.Provider {
	return core.Provider{
		ID:   "cloud-premium",
		Kind: core.KindCloud,
		SupportedTaskTypes: []core.TaskType{
			core.TaskGenericGeneration,
			core.TaskUIGeneration,
			core.TaskCompletion,
			core.TaskOther,
		},
		MaxContextTokens:  200_000,
		Tier:              core.TierPremium,
		ExpectedLatencyMs: 1200,
		Pricing:           core.Pricing{Currency: "USD", InputPer1K: 0.003, OutputPer1K: 0.015},
		Model:             "test-premium",
		MaxRequests:       20,
		WindowMs:          60_000,
	}
}

// Providers returns the standard four-provider fixture set.
func Providers() []core.Provider {
	return []core.Provider{
		LocalProvider(),
		CheapCloudProvider(),
		MidCloudProvider(),
		PremiumCloudProvider(),
	}
}

// Task builds a classified task for tests.
func Task(id, text string, class core.Classification) core.Task {
	return core.Task{
		ID:          id,
		RawText:     text,
		Class:       class,
		CallerID:    "test-caller",
		SubmittedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

// SimpleClass is a low-complexity generic classification.
func SimpleClass(tokens int) core.Classification {
	return core.Classification{
		TaskType:               core.TaskGenericGeneration,
		Complexity:             2,
		EstimatedContextTokens: tokens,
	}
}

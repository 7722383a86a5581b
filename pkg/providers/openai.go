package providers

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/cost"
	"github.com/snow-ghost/dispatch/pkg/tokens"
)

// ChatAdapter executes tasks against any OpenAI-compatible chat endpoint:
// the hosted APIs, OpenRouter, and local runtimes (Ollama, LM Studio,
// vLLM) all speak this dialect. Local providers run keyless.
type ChatAdapter struct {
	provider  core.Provider
	client    *openai.Client
	estimator tokens.Estimator
}

// NewChatAdapter builds an adapter for the provider. apiKey may be empty
// for keyless endpoints.
func NewChatAdapter(p core.Provider, apiKey string, estimator tokens.Estimator) *ChatAdapter {
	config := openai.DefaultConfig(apiKey)
	if p.BaseURL != "" {
		config.BaseURL = p.BaseURL
	}
	if estimator == nil {
		estimator = tokens.NewHeuristicEstimator()
	}
	return &ChatAdapter{
		provider:  p,
		client:    openai.NewClientWithConfig(config),
		estimator: estimator,
	}
}

// ProviderID returns the provider this adapter serves.
func (a *ChatAdapter) ProviderID() string { return a.provider.ID }

// Execute streams one chat completion. Chunks flow through req.OnChunk as
// they arrive; the final result carries aggregated usage and settled cost.
func (a *ChatAdapter) Execute(ctx context.Context, req core.ExecuteRequest) (*core.ExecuteResult, error) {
	request := openai.ChatCompletionRequest{
		Model: a.provider.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Task.RawText},
		},
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}

	start := time.Now()
	stream, err := a.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	var output []byte
	var usage core.Usage
	usageReported := false
	index := 0

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}

		if len(resp.Choices) > 0 {
			delta := resp.Choices[0].Delta.Content
			if delta != "" {
				output = append(output, delta...)
				if req.OnChunk != nil {
					req.OnChunk(core.Chunk{
						TaskID:     req.Task.ID,
						ProviderID: a.provider.ID,
						Index:      index,
						Content:    delta,
					})
					index++
				}
			}
		}
		if resp.Usage != nil {
			usage = core.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
			usageReported = true
		}
	}

	if !usageReported {
		usage = a.estimateUsage(req.Task.RawText, string(output))
	}

	_, _, total := cost.Settle(usage, a.provider.Pricing)
	return &core.ExecuteResult{
		Output:    string(output),
		Usage:     usage,
		CostUSD:   total,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// estimateUsage fills in token counts when the backend omits them, which
// local runtimes routinely do.
func (a *ChatAdapter) estimateUsage(prompt, completion string) core.Usage {
	in, err := a.estimator.EstimateTokens(prompt)
	if err != nil {
		in = len(prompt) / 4
	}
	out, err := a.estimator.EstimateTokens(completion)
	if err != nil {
		out = len(completion) / 4
	}
	return core.Usage{InputTokens: in, OutputTokens: out}
}

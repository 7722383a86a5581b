package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/secrets"
	"github.com/snow-ghost/dispatch/testkit"
)

// chatStreamServer fakes an OpenAI-compatible streaming endpoint.
func chatStreamServer(t *testing.T, chunks []string, withUsage bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		for _, c := range chunks {
			fmt.Fprintf(w, `data: {"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"test","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", c)
		}
		if withUsage {
			fmt.Fprint(w, `data: {"id":"cmpl-1","object":"chat.completion.chunk","created":1,"model":"test","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`+"\n\n")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestChatAdapterStreamsAndSettlesCost(t *testing.T) {
	server := chatStreamServer(t, []string{"Hello ", "world"}, true)
	defer server.Close()

	p := testkit.CheapCloudProvider()
	p.BaseURL = server.URL + "/v1"
	adapter := NewChatAdapter(p, "test-key", nil)

	var got []core.Chunk
	res, err := adapter.Execute(context.Background(), core.ExecuteRequest{
		Task:    testkit.Task("t1", "say hello", testkit.SimpleClass(10)),
		OnChunk: func(c core.Chunk) { got = append(got, c) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello world", res.Output)
	assert.Equal(t, core.Usage{InputTokens: 10, OutputTokens: 2}, res.Usage)
	// 10 in @ $0.00015/1K + 2 out @ $0.0006/1K
	assert.InDelta(t, 0.000003, res.CostUSD, 1e-9)

	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Index)
	assert.Equal(t, "Hello ", got[0].Content)
	assert.Equal(t, 1, got[1].Index)
	assert.Equal(t, "cloud-cheap", got[1].ProviderID)
}

func TestChatAdapterEstimatesUsageWhenOmitted(t *testing.T) {
	server := chatStreamServer(t, []string{"four char bits"}, false)
	defer server.Close()

	p := testkit.LocalProvider()
	p.BaseURL = server.URL + "/v1"
	adapter := NewChatAdapter(p, "", nil)

	res, err := adapter.Execute(context.Background(), core.ExecuteRequest{
		Task: testkit.Task("t1", "say something", testkit.SimpleClass(10)),
	})
	require.NoError(t, err)
	assert.Positive(t, res.Usage.InputTokens, "usage falls back to a local estimate")
	assert.Positive(t, res.Usage.OutputTokens)
	assert.Zero(t, res.CostUSD, "local provider is free")
}

func TestChatAdapterClassifiesTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"backend exploded","type":"server_error"}}`)
	}))
	defer server.Close()

	p := testkit.CheapCloudProvider()
	p.BaseURL = server.URL + "/v1"
	adapter := NewChatAdapter(p, "test-key", nil)

	_, err := adapter.Execute(context.Background(), core.ExecuteRequest{
		Task: testkit.Task("t1", "boom", testkit.SimpleClass(10)),
	})
	assert.ErrorIs(t, err, core.ErrProviderTransport)
}

func TestChatAdapterClassifiesTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	p := testkit.CheapCloudProvider()
	p.BaseURL = server.URL + "/v1"
	adapter := NewChatAdapter(p, "test-key", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := adapter.Execute(ctx, core.ExecuteRequest{
		Task: testkit.Task("t1", "slow", testkit.SimpleClass(10)),
	})
	assert.ErrorIs(t, err, core.ErrProviderTimeout)
}

func TestClassifyKeepsCancellation(t *testing.T) {
	err := classify(fmt.Errorf("wrapped: %w", context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, core.ErrProviderTransport)
}

func TestClassifyAPIError(t *testing.T) {
	err := classify(&openai.APIError{HTTPStatusCode: 429, Message: "slow down"})
	assert.ErrorIs(t, err, core.ErrProviderTransport)
}

func TestSourceBuildsAndCachesAdapters(t *testing.T) {
	supplier := secrets.Static{"cloud-cheap": "key-123"}
	source := NewSource(supplier, nil)

	p := testkit.CheapCloudProvider()
	first, err := source.AdapterFor(p)
	require.NoError(t, err)
	second, err := source.AdapterFor(p)
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged provider reuses the cached adapter")

	p.Model = "test-cheap-v2"
	third, err := source.AdapterFor(p)
	require.NoError(t, err)
	assert.NotSame(t, first, third, "model change rebuilds the adapter")
}

func TestSourceRejectsKeylessCloud(t *testing.T) {
	source := NewSource(secrets.Static{}, nil)

	_, err := source.AdapterFor(testkit.CheapCloudProvider())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "key-", "error must not leak credential material")
}

func TestSourceAllowsKeylessLocal(t *testing.T) {
	source := NewSource(secrets.Static{}, nil)

	adapter, err := source.AdapterFor(testkit.LocalProvider())
	require.NoError(t, err)
	assert.Equal(t, "local-runtime", adapter.ProviderID())
}

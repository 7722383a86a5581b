package streaming

import (
	"bufio"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/dispatch/core"
)

func chunk(i int, content string) core.Chunk {
	return core.Chunk{TaskID: "t1", ProviderID: "p1", Index: i, Content: content}
}

func TestStreamDeliversInOrder(t *testing.T) {
	s := NewStream(8)

	s.Publish(chunk(0, "a"))
	s.Publish(chunk(1, "b"))
	s.Close()

	var got []string
	for c := range s.Chunks() {
		got = append(got, c.Content)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, s.Dropped())
}

func TestStreamEvictsOldestWhenFull(t *testing.T) {
	s := NewStream(2)

	s.Publish(chunk(0, "a"))
	s.Publish(chunk(1, "b"))
	s.Publish(chunk(2, "c")) // evicts "a"
	s.Close()

	var got []string
	for c := range s.Chunks() {
		got = append(got, c.Content)
	}
	assert.Equal(t, []string{"b", "c"}, got)
	assert.Equal(t, int64(1), s.Dropped())
}

func TestStreamPublishAfterCloseIsNoop(t *testing.T) {
	s := NewStream(2)
	s.Close()

	assert.NotPanics(t, func() { s.Publish(chunk(0, "late")) })
	_, open := <-s.Chunks()
	assert.False(t, open)
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := NewStream(2)
	assert.NotPanics(t, func() {
		s.Close()
		s.Close()
	})
}

func TestSSERoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteState("t1", core.StateExecuting))
	require.NoError(t, w.WriteChunk(chunk(0, "hello")))
	require.NoError(t, w.WriteResult(core.Result{TaskID: "t1", ProviderID: "p1", Output: "hello"}))

	var states []core.TaskState
	var chunks []core.Chunk
	var results []core.Result

	handler := &StreamHandler{
		OnChunk: func(c core.Chunk) error {
			chunks = append(chunks, c)
			return nil
		},
		OnState: func(taskID string, s core.TaskState) error {
			states = append(states, s)
			return nil
		},
		OnResult: func(r core.Result) error {
			results = append(results, r)
			return nil
		},
	}

	err = ParseSSEStream(context.Background(), bufio.NewReader(rec.Body), handler)
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, []core.TaskState{core.StateExecuting}, states)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello", chunks[0].Content)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].TaskID)
}

func TestSSEErrorEventCarriesAttempts(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	exhausted := &core.ExhaustedError{
		TaskID: "t1",
		Attempts: []core.AttemptFailure{
			{ProviderID: "p1", Stage: "rate_check", Outcome: core.OutcomeRateLimited, Reason: "window full"},
		},
	}
	require.NoError(t, w.WriteError(exhausted))

	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "window full")

	var gotErr error
	handler := &StreamHandler{
		OnError: func(e error) error {
			gotErr = e
			return nil
		},
	}
	err = ParseSSEStream(context.Background(), bufio.NewReader(strings.NewReader(body)), handler)
	require.ErrorIs(t, err, io.EOF)
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "all providers exhausted")
}

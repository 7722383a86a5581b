package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/accounting"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/classify"
	"github.com/snow-ghost/dispatch/pkg/dispatcher"
	"github.com/snow-ghost/dispatch/pkg/executor"
	"github.com/snow-ghost/dispatch/pkg/limiter"
	"github.com/snow-ghost/dispatch/pkg/registry"
	"github.com/snow-ghost/dispatch/pkg/selection"
	"github.com/snow-ghost/dispatch/policy/local"
	"github.com/snow-ghost/dispatch/testkit"
)

func newTestServer(t *testing.T, adapters ...core.Adapter) *httptest.Server {
	t.Helper()

	clock := testkit.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg, err := registry.New(testkit.Providers())
	require.NoError(t, err)

	ledger := budget.NewLedger(budget.Config{}, clock, nil, nil)
	admission := limiter.NewAdmission(clock)
	breakers := limiter.NewBreakerManager(&limiter.BreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
		ProbeRequests:       1,
	}, nil, nil)
	accountant := accounting.NewAccountant(accounting.NewMemoryAggregator(), ledger, clock, nil)
	source := testkit.NewStaticAdapterSource(adapters...)

	svc := dispatcher.New(dispatcher.Deps{
		Registry:   reg,
		Classifier: classify.NewHeuristicClassifier(nil),
		Selector:   selection.NewEngine(reg, ledger, breakers, selection.DefaultTierTable(), nil),
		Executor: &executor.Executor{
			Adapters:   source,
			Admission:  admission,
			Ledger:     ledger,
			Breakers:   breakers,
			Guard:      local.NewGuard(0),
			Accountant: accountant,
			Clock:      clock,
		},
		Ledger:     ledger,
		Accountant: accountant,
		Admission:  admission,
		Breakers:   breakers,
		Clock:      clock,
	}, dispatcher.Options{})
	t.Cleanup(func() { _ = svc.Close() })

	srv := httptest.NewServer(NewServer("", svc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func submitTask(t *testing.T, srv *httptest.Server, body SubmitTaskRequest) SubmitTaskResponse {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack SubmitTaskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.NotEmpty(t, ack.TaskID)
	return ack
}

func getStatus(t *testing.T, srv *httptest.Server, taskID string) (int, dispatcher.TaskStatus, http.Header) {
	t.Helper()

	resp, err := http.Get(srv.URL + "/v1/tasks/" + taskID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status dispatcher.TaskStatus
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	}
	return resp.StatusCode, status, resp.Header
}

func waitForState(t *testing.T, srv *httptest.Server, taskID string, want core.TaskState) dispatcher.TaskStatus {
	t.Helper()

	var status dispatcher.TaskStatus
	require.Eventually(t, func() bool {
		code, st, _ := getStatus(t, srv, taskID)
		if code != http.StatusOK {
			return false
		}
		status = st
		return st.State == want
	}, 5*time.Second, 10*time.Millisecond, "task %s should reach state %s", taskID, want)
	return status
}

func TestServer_SubmitAndStatus(t *testing.T) {
	srv := newTestServer(t, testkit.NewScriptedAdapter("local-runtime", testkit.Step{
		Output: "salt spray at dawn",
		Usage:  core.Usage{InputTokens: 12, OutputTokens: 9},
	}))

	ack := submitTask(t, srv, SubmitTaskRequest{Text: "write a haiku about the sea", CallerID: "alice"})
	status := waitForState(t, srv, ack.TaskID, core.StateSuccess)

	require.NotNil(t, status.Result)
	assert.Equal(t, "salt spray at dawn", status.Result.Output)
	assert.Equal(t, "local-runtime", status.Result.ProviderID)
	require.NotNil(t, status.Classification)
	assert.Equal(t, core.TaskGenericGeneration, status.Classification.TaskType)

	// terminal status carries the settled cost header
	code, _, header := getStatus(t, srv, ack.TaskID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0.000000;currency=USD", header.Get("X-Cost-Total"))
}

func TestServer_SubmitValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(`{"text":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "EMPTY_TASK", envelope.Code)

	resp, err = http.Post(srv.URL+"/v1/tasks", "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StatusNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tasks/no-such-task")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "TASK_NOT_FOUND", envelope.Code)
}

func TestServer_StreamDeliversChunksAndResult(t *testing.T) {
	srv := newTestServer(t, testkit.NewScriptedAdapter("local-runtime", testkit.Step{
		Output: "partial answer",
		Chunks: []string{"partial ", "answer"},
	}))

	ack := submitTask(t, srv, SubmitTaskRequest{Text: "stream me a short answer"})

	resp, err := http.Get(srv.URL + "/v1/tasks/" + ack.TaskID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var chunks []core.Chunk
	var result *core.Result
	var states []core.TaskState
	handler := &streaming.StreamHandler{
		OnChunk: func(c core.Chunk) error {
			chunks = append(chunks, c)
			return nil
		},
		OnState: func(_ string, state core.TaskState) error {
			states = append(states, state)
			return nil
		},
		OnResult: func(r core.Result) error {
			result = &r
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = streaming.ParseSSEStream(ctx, bufio.NewReader(resp.Body), handler)
	require.ErrorIs(t, err, io.EOF)

	require.NotEmpty(t, states, "stream should open with a state event")
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial ", chunks[0].Content)
	assert.Equal(t, "answer", chunks[1].Content)
	require.NotNil(t, result)
	assert.Equal(t, "partial answer", result.Output)
	assert.Equal(t, "local-runtime", result.ProviderID)
}

func TestServer_StreamReportsFailure(t *testing.T) {
	srv := newTestServer(t,
		testkit.NewScriptedAdapter("local-runtime", testkit.Step{Err: fmt.Errorf("runtime crashed")}),
		testkit.NewScriptedAdapter("cloud-cheap", testkit.Step{Err: fmt.Errorf("upstream 500")}),
	)

	ack := submitTask(t, srv, SubmitTaskRequest{Text: "write a haiku about the sea"})

	resp, err := http.Get(srv.URL + "/v1/tasks/" + ack.TaskID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	var streamErr error
	handler := &streaming.StreamHandler{
		OnError: func(e error) error {
			streamErr = e
			return nil
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = streaming.ParseSSEStream(ctx, bufio.NewReader(resp.Body), handler)
	require.ErrorIs(t, err, io.EOF)

	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "all providers exhausted")
}

func TestServer_CancelTask(t *testing.T) {
	srv := newTestServer(t, testkit.NewScriptedAdapter("local-runtime", testkit.Step{Hang: true}))

	ack := submitTask(t, srv, SubmitTaskRequest{Text: "write a haiku about the sea"})
	waitForState(t, srv, ack.TaskID, core.StateExecuting)

	resp, err := http.Post(srv.URL+"/v1/tasks/"+ack.TaskID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	status := waitForState(t, srv, ack.TaskID, core.StateCancelled)
	assert.Contains(t, status.Error, "task cancelled")
}

func TestServer_ProvidersCRUD(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/providers")
	require.NoError(t, err)
	var list ProvidersResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Providers, 4)

	extra := testkit.CheapCloudProvider()
	extra.ID = "cloud-extra"
	payload, err := json.Marshal(extra)
	require.NoError(t, err)

	resp, err = http.Post(srv.URL+"/v1/providers", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/providers", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/providers/cloud-extra", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_AddProviderRejectsInvalid(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/providers", "application/json",
		strings.NewReader(`{"id":"broken","kind":"orbital"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var envelope ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "INVALID_PROVIDER", envelope.Code)
}

func TestServer_BudgetsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/budgets")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body BudgetsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Budgets, 4)
}

func TestServer_CostsEndpoint(t *testing.T) {
	srv := newTestServer(t, testkit.NewScriptedAdapter("local-runtime", testkit.Step{
		Output: "done",
		Usage:  core.Usage{InputTokens: 10, OutputTokens: 5},
	}))

	ack := submitTask(t, srv, SubmitTaskRequest{Text: "quick question"})
	waitForState(t, srv, ack.TaskID, core.StateSuccess)

	resp, err := http.Get(srv.URL + "/v1/costs?task_id=" + ack.TaskID)
	require.NoError(t, err)
	var report accounting.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, int64(1), report.Summary.TotalRecords)
	assert.Equal(t, int64(1), report.Summary.SuccessCount)

	resp, err = http.Get(srv.URL + "/v1/costs?group_by=provider")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	require.NotEmpty(t, report.Groups)
	assert.Equal(t, "local-runtime", report.Groups[0].GroupValue)

	resp, err = http.Get(srv.URL + "/v1/costs?format=csv")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "Task ID")

	resp, err = http.Get(srv.URL + "/v1/costs?from=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/tasks", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

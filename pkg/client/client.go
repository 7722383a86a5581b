// Package client is the Go SDK for the dispatch HTTP API.
//
// The client wraps the REST surface exposed by pkg/httpserver: task
// submission, status polling, cancellation, SSE streaming, provider and
// budget management, and cost reporting. Non-2xx replies decode into
// *APIError, which unwraps to the matching core sentinel so callers can
// use errors.Is against core.ErrTaskNotFound and friends.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/accounting"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/dispatcher"
	"github.com/snow-ghost/dispatch/pkg/streaming"
)

// Client talks to a dispatch server over HTTP.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	retryCount   int
	retryDelay   time.Duration
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// NewClient creates a new dispatch API client.
func NewClient(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryCount == 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		// SSE streams stay open for the lifetime of a task, so the
		// streaming client carries no timeout; the caller's context
		// bounds it instead.
		streamClient: &http.Client{},
		retryCount:   config.RetryCount,
		retryDelay:   config.RetryDelay,
	}
}

// APIError is a non-2xx reply from the dispatch API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dispatch API returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("dispatch API returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the machine-readable error code back to the sentinel the
// server derived it from, so errors.Is works across the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "EMPTY_TASK":
		return dispatcher.ErrEmptyTask
	case "TASK_NOT_FOUND":
		return core.ErrTaskNotFound
	case "UNKNOWN_PROVIDER":
		return core.ErrUnknownProvider
	case "DUPLICATE_PROVIDER":
		return core.ErrDuplicateProvider
	case "RATE_LIMITED":
		return core.ErrRateLimited
	case "REGISTRY_EMPTY":
		return core.ErrRegistryEmpty
	case "SHUTTING_DOWN":
		return dispatcher.ErrShutdown
	}
	return nil
}

// SubmitOptions carries the optional knobs for Submit.
type SubmitOptions struct {
	// CallerID attributes the task for throttling and cost reports.
	CallerID string
	// Deadline bounds the whole task, fallbacks included. Zero means
	// no deadline.
	Deadline time.Duration
	// ProviderOverride pins the task to one provider by ID.
	ProviderOverride string
}

type submitRequest struct {
	Text             string `json:"text"`
	CallerID         string `json:"caller_id,omitempty"`
	DeadlineMs       int64  `json:"deadline_ms,omitempty"`
	ProviderOverride string `json:"provider_override,omitempty"`
}

type submitResponse struct {
	TaskID string         `json:"task_id"`
	State  core.TaskState `json:"state"`
}

type providersResponse struct {
	Providers []core.Provider `json:"providers"`
}

type budgetsResponse struct {
	Budgets []budget.Status `json:"budgets"`
}

// Submit enqueues a task and returns its ID. The task runs
// asynchronously; poll Status, Wait, or Stream to observe it.
func (c *Client) Submit(ctx context.Context, text string, opts *SubmitOptions) (string, error) {
	req := submitRequest{Text: text}
	if opts != nil {
		req.CallerID = opts.CallerID
		req.ProviderOverride = opts.ProviderOverride
		if opts.Deadline > 0 {
			req.DeadlineMs = opts.Deadline.Milliseconds()
		}
	}

	var resp submitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tasks", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Status fetches the current state of a task.
func (c *Client) Status(ctx context.Context, taskID string) (dispatcher.TaskStatus, error) {
	var status dispatcher.TaskStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, &status)
	return status, err
}

// Cancel requests cancellation of a running task.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}

// Wait polls Status until the task reaches a terminal state or the
// context expires. A zero pollInterval defaults to 100ms.
func (c *Client) Wait(ctx context.Context, taskID string, pollInterval time.Duration) (dispatcher.TaskStatus, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Status(ctx, taskID)
		if err != nil {
			return dispatcher.TaskStatus{}, err
		}
		if status.State.Terminal() {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return dispatcher.TaskStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stream consumes the task's SSE feed, invoking the handler's callbacks
// as events arrive. It returns once the server sends a terminal event
// or the context is cancelled.
func (c *Client) Stream(ctx context.Context, taskID string, handler *streaming.StreamHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+url.PathEscape(taskID)+"/stream", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	if err := streaming.ParseSSEStream(ctx, bufio.NewReader(resp.Body), handler); err != nil && err != io.EOF {
		return fmt.Errorf("stream interrupted: %w", err)
	}
	return nil
}

// Providers lists the registered providers.
func (c *Client) Providers(ctx context.Context) ([]core.Provider, error) {
	var resp providersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/providers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Providers, nil
}

// AddProvider registers a provider at runtime.
func (c *Client) AddProvider(ctx context.Context, p core.Provider) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/providers", p, nil)
}

// RemoveProvider deregisters a provider by ID.
func (c *Client) RemoveProvider(ctx context.Context, providerID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/providers/"+url.PathEscape(providerID), nil, nil)
}

// Budgets reports spend and remaining headroom per budget scope.
func (c *Client) Budgets(ctx context.Context) ([]budget.Status, error) {
	var resp budgetsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/budgets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Budgets, nil
}

// CostQuery narrows cost reports. Zero-valued fields are omitted.
type CostQuery struct {
	TaskID     string
	ProviderID string
	Outcome    core.Outcome
	From       time.Time
	To         time.Time
	GroupBy    string
	Limit      int
	Offset     int
}

func (q CostQuery) values() url.Values {
	v := url.Values{}
	if q.TaskID != "" {
		v.Set("task_id", q.TaskID)
	}
	if q.ProviderID != "" {
		v.Set("provider_id", q.ProviderID)
	}
	if q.Outcome != "" {
		v.Set("outcome", string(q.Outcome))
	}
	if !q.From.IsZero() {
		v.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.Format(time.RFC3339))
	}
	if q.GroupBy != "" {
		v.Set("group_by", q.GroupBy)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// Costs fetches an aggregated cost report for the query.
func (c *Client) Costs(ctx context.Context, query CostQuery) (accounting.Report, error) {
	path := "/v1/costs"
	if encoded := query.values().Encode(); encoded != "" {
		path += "?" + encoded
	}

	var report accounting.Report
	err := c.doJSON(ctx, http.MethodGet, path, nil, &report)
	return report, err
}

// ExportCostsCSV fetches the matching audit records as CSV.
func (c *Client) ExportCostsCSV(ctx context.Context, query CostQuery) ([]byte, error) {
	v := query.values()
	v.Set("format", "csv")
	return c.doRaw(ctx, "/v1/costs?"+v.Encode())
}

// Health checks whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

// doJSON sends a JSON request and decodes the JSON reply into out (nil
// out discards the body). GETs retry on transport errors and 5xx
// replies; mutating verbs are sent once so a flaky network cannot
// duplicate a submission.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.retryCount
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 && attempt < attempts-1 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: "retrying"}
			continue
		}

		return decodeResponse(resp, out)
	}

	return fmt.Errorf("request failed after %d attempts: %w", attempts, lastErr)
}

// doRaw GETs a path and returns the raw body, with the same retry
// policy as doJSON.
func (c *Client) doRaw(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 && attempt < c.retryCount {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: "retrying"}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, decodeAPIError(resp)
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return data, nil
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.retryCount+1, lastErr)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Code != "" {
		apiErr.Code = envelope.Code
		apiErr.Message = envelope.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// Package httpserver exposes the dispatch engine over a small REST and SSE
// surface: task submission and lifecycle, provider administration, budgets,
// and the cost audit.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snow-ghost/dispatch/core"
	"github.com/snow-ghost/dispatch/pkg/accounting"
	"github.com/snow-ghost/dispatch/pkg/budget"
	"github.com/snow-ghost/dispatch/pkg/cost"
	"github.com/snow-ghost/dispatch/pkg/dispatcher"
	"github.com/snow-ghost/dispatch/pkg/logging"
	"github.com/snow-ghost/dispatch/pkg/streaming"
)

// SubmitTaskRequest is the POST /v1/tasks body.
type SubmitTaskRequest struct {
	Text     string `json:"text"`
	CallerID string `json:"caller_id,omitempty"`

	// DeadlineMs bounds the whole task, measured from submission.
	DeadlineMs       int64  `json:"deadline_ms,omitempty"`
	ProviderOverride string `json:"provider_override,omitempty"`
}

// SubmitTaskResponse acknowledges an accepted task.
type SubmitTaskResponse struct {
	TaskID string         `json:"task_id"`
	State  core.TaskState `json:"state"`
}

// ProvidersResponse lists registered providers.
type ProvidersResponse struct {
	Providers []core.Provider `json:"providers"`
}

// BudgetsResponse lists per-provider budget status.
type BudgetsResponse struct {
	Budgets []budget.Status `json:"budgets"`
}

// ErrorResponse is the error envelope for non-2xx replies.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server is the HTTP front of a dispatcher service.
type Server struct {
	addr    string
	service *dispatcher.Service
	logger  *logging.Logger
	mux     *http.ServeMux
	httpSrv *http.Server
}

// NewServer wires the REST and SSE routes around the dispatcher. logger may
// be nil.
func NewServer(addr string, service *dispatcher.Service, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		addr:    addr,
		service: service,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.withRequestLog(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all the HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /v1/tasks", s.handleSubmitTask)
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskStatus)
	s.mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancelTask)
	s.mux.HandleFunc("GET /v1/tasks/{id}/stream", s.handleTaskStream)

	s.mux.HandleFunc("GET /v1/providers", s.handleListProviders)
	s.mux.HandleFunc("POST /v1/providers", s.handleAddProvider)
	s.mux.HandleFunc("DELETE /v1/providers/{id}", s.handleRemoveProvider)

	s.mux.HandleFunc("GET /v1/budgets", s.handleBudgets)
	s.mux.HandleFunc("GET /v1/costs", s.handleCosts)
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth handles liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "dispatchd",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSubmitTask accepts a task and returns its ID immediately; the
// pipeline keeps running after this request ends.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}

	submit := dispatcher.SubmitRequest{
		Text:             req.Text,
		CallerID:         req.CallerID,
		ProviderOverride: req.ProviderOverride,
	}
	if req.DeadlineMs > 0 {
		submit.Deadline = time.Now().UTC().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	handle, err := s.service.Submit(r.Context(), submit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: handle.ID(), State: handle.State()})
}

// handleTaskStatus reports the task's state, classification, result, and
// attempt history.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.Status(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if status.Result != nil {
		w.Header().Set("X-Cost-Total", cost.FormatHeader(status.Result.CostUSD, "USD"))
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleCancelTask requests cancellation; the task settles asynchronously.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Cancel(id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	status, err := s.service.Status(id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, SubmitTaskResponse{TaskID: id, State: status.State})
}

// handleTaskStream attaches to the task's progress as SSE. The stream opens
// with a state event, forwards chunks, and ends with a result or error
// event.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	handle, err := s.service.Handle(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	sse, err := streaming.NewSSEWriter(w)
	if err != nil {
		s.writeError(w, "streaming not supported", "SSE_UNSUPPORTED", http.StatusInternalServerError)
		return
	}
	if err := sse.WriteState(handle.ID(), handle.State()); err != nil {
		return
	}

	progress := handle.Progress()
	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-progress:
			if !ok {
				if result, rerr := handle.Result(); rerr != nil {
					sse.WriteError(rerr)
				} else {
					sse.WriteResult(result)
				}
				sse.Close()
				return
			}
			if err := sse.WriteChunk(chunk); err != nil {
				return
			}
		}
	}
}

// handleListProviders handles provider listing requests.
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, ProvidersResponse{Providers: s.service.Providers()})
}

// handleAddProvider registers a provider at runtime.
func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	var p core.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}
	if err := s.service.AddProvider(p); err != nil {
		if errors.Is(err, core.ErrDuplicateProvider) {
			s.writeError(w, err.Error(), "DUPLICATE_PROVIDER", http.StatusConflict)
			return
		}
		s.writeError(w, err.Error(), "INVALID_PROVIDER", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, ProvidersResponse{Providers: s.service.Providers()})
}

// handleRemoveProvider drops a provider at runtime.
func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RemoveProvider(r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBudgets handles budget status requests.
func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, BudgetsResponse{Budgets: s.service.Budgets()})
}

// handleCosts reports settled spend from the audit log. group_by buckets
// the JSON report; format=csv downloads an export instead.
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCostFilter(r)
	if err != nil {
		s.writeError(w, err.Error(), "INVALID_FILTER", http.StatusBadRequest)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		report, err := s.service.CostReport(filter)
		if err != nil {
			s.writeError(w, err.Error(), "INVALID_FILTER", http.StatusBadRequest)
			return
		}
		s.writeJSON(w, http.StatusOK, report)
	case "csv":
		data, err := s.service.ExportCosts(filter, accounting.ExportFormatCSV)
		if err != nil {
			s.writeError(w, err.Error(), "EXPORT_FAILED", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="costs.csv"`)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			s.logger.Error("cost export write failed", "error", err)
		}
	default:
		s.writeError(w, "format must be json or csv", "INVALID_FORMAT", http.StatusBadRequest)
	}
}

// parseCostFilter reads the audit filter from query parameters.
func parseCostFilter(r *http.Request) (accounting.Filter, error) {
	q := r.URL.Query()
	filter := accounting.Filter{
		TaskID:     q.Get("task_id"),
		ProviderID: q.Get("provider_id"),
		Outcome:    core.Outcome(q.Get("outcome")),
		GroupBy:    q.Get("group_by"),
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return accounting.Filter{}, fmt.Errorf("invalid from timestamp: %v", err)
		}
		filter.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return accounting.Filter{}, fmt.Errorf("invalid to timestamp: %v", err)
		}
		filter.To = &ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return accounting.Filter{}, fmt.Errorf("invalid limit: %s", v)
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return accounting.Filter{}, fmt.Errorf("invalid offset: %s", v)
		}
		filter.Offset = n
	}
	return filter, nil
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, dispatcher.ErrEmptyTask):
		status, code = http.StatusBadRequest, "EMPTY_TASK"
	case errors.Is(err, core.ErrTaskNotFound):
		status, code = http.StatusNotFound, "TASK_NOT_FOUND"
	case errors.Is(err, core.ErrUnknownProvider):
		status, code = http.StatusNotFound, "UNKNOWN_PROVIDER"
	case errors.Is(err, core.ErrDuplicateProvider):
		status, code = http.StatusConflict, "DUPLICATE_PROVIDER"
	case errors.Is(err, core.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, core.ErrRegistryEmpty):
		status, code = http.StatusServiceUnavailable, "REGISTRY_EMPTY"
	case errors.Is(err, dispatcher.ErrShutdown):
		status, code = http.StatusServiceUnavailable, "SHUTTING_DOWN"
	}
	s.writeError(w, err.Error(), code, status)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code}); err != nil {
		s.logger.Error("error response encode failed", "error", err)
	}
}

// writeJSON writes a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// statusRecorder captures the response code for the request log. Flush
// passes through so SSE keeps working behind the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withRequestLog logs one line per request with its status and duration.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(rec, r)

		s.logger.LogRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(start), requestID)
	})
}

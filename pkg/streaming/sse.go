package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/snow-ghost/dispatch/core"
)

// SSEWriter handles Server-Sent Events writing
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}, nil
}

// WriteEvent writes an SSE event
func (s *SSEWriter) WriteEvent(event string, data interface{}) error {
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// multi-line payloads become one data: line each
	lines := strings.Split(string(jsonData), "\n")
	for _, line := range lines {
		if _, err := fmt.Fprintf(s.w, "data: %s\n", line); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintf(s.w, "\n"); err != nil {
		return err
	}

	s.flusher.Flush()
	return nil
}

// WriteChunk writes a progress chunk event.
func (s *SSEWriter) WriteChunk(chunk core.Chunk) error {
	return s.WriteEvent("chunk", chunk)
}

// WriteState writes a task state transition event.
func (s *SSEWriter) WriteState(taskID string, state core.TaskState) error {
	return s.WriteEvent("state", map[string]interface{}{
		"task_id": taskID,
		"state":   state,
	})
}

// WriteResult writes the terminal result event.
func (s *SSEWriter) WriteResult(result core.Result) error {
	return s.WriteEvent("result", result)
}

// WriteError writes an error event
func (s *SSEWriter) WriteError(err error) error {
	payload := map[string]interface{}{
		"error": err.Error(),
	}
	if ee, ok := core.AsExhausted(err); ok {
		payload["attempts"] = ee.Attempts
	}
	return s.WriteEvent("error", payload)
}

// Close closes the SSE stream
func (s *SSEWriter) Close() error {
	if _, err := fmt.Fprintf(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// StreamHandler dispatches parsed SSE events to callbacks. Unset
// callbacks ignore their events.
type StreamHandler struct {
	OnChunk  func(chunk core.Chunk) error
	OnState  func(taskID string, state core.TaskState) error
	OnResult func(result core.Result) error
	OnError  func(err error) error
}

// ParseSSEStream parses an SSE stream from a reader until EOF or ctx is
// done. io.EOF after a complete event is a clean end.
func ParseSSEStream(ctx context.Context, reader *bufio.Reader, handler *StreamHandler) error {
	var currentEvent string
	var currentData strings.Builder

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		// empty line terminates the event
		if line == "" {
			if currentData.Len() > 0 {
				if err := processEvent(currentEvent, currentData.String(), handler); err != nil {
					return err
				}
			}
			currentEvent = ""
			currentData.Reset()
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if currentData.Len() > 0 {
				currentData.WriteString("\n")
			}
			currentData.WriteString(data)
			continue
		}
	}
}

func processEvent(eventType, data string, handler *StreamHandler) error {
	switch eventType {
	case "chunk":
		var chunk core.Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("failed to unmarshal chunk: %w", err)
		}
		if handler.OnChunk != nil {
			return handler.OnChunk(chunk)
		}
	case "state":
		var payload struct {
			TaskID string         `json:"task_id"`
			State  core.TaskState `json:"state"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal state: %w", err)
		}
		if handler.OnState != nil {
			return handler.OnState(payload.TaskID, payload.State)
		}
	case "result":
		var result core.Result
		if err := json.Unmarshal([]byte(data), &result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
		if handler.OnResult != nil {
			return handler.OnResult(result)
		}
	case "error":
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal error: %w", err)
		}
		if handler.OnError != nil {
			return handler.OnError(errors.New(payload.Error))
		}
	}
	return nil
}

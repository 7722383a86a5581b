package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sashabaranov/go-openai"

	"github.com/snow-ghost/dispatch/core"
)

// HTTPError carries a backend's HTTP status alongside the message.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// classify wraps a raw adapter error in the matching core sentinel so the
// executor can map it to an outcome without knowing the wire library.
// Cancellation passes through untouched: it must never look like a
// provider failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", core.ErrProviderTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", core.ErrProviderTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", core.ErrProviderTransport,
			&HTTPError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %v", core.ErrProviderTransport,
			&HTTPError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()})
	}

	return fmt.Errorf("%w: %v", core.ErrProviderTransport, err)
}

package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrTimeout marks a backend call that ran out of time. Retry is the caller's call.
	ErrTimeout = errors.New("backend timeout")
	// ErrUnavailable marks a backend that could not serve the call (down, overloaded, crashed).
	ErrUnavailable = errors.New("backend unavailable")
)

// ConfigurationError reports a malformed option. It is never retryable.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Classify wraps err with ErrTimeout or ErrUnavailable unless it is already
// classified or is a caller cancellation.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var cfgErr *ConfigurationError
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable), errors.As(err, &cfgErr):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// statusError maps a non-2xx backend status onto the error taxonomy.
func statusError(code int, body string) error {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: http status %d: %s", ErrTimeout, code, body)
	case IsRetryableHTTPStatus(code):
		return fmt.Errorf("%w: http status %d: %s", ErrUnavailable, code, body)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return &ConfigurationError{Field: "request", Reason: fmt.Sprintf("backend rejected request (%d): %s", code, body)}
	default:
		return fmt.Errorf("%w: http status %d: %s", ErrUnavailable, code, body)
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

package api

import (
	"fmt"

	"skylark/internal/model"
)

// TransportError is a low-level network failure, surfaced after the retry
// budget is exhausted.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError reports an exhausted API quota. It carries the rate
// window so callers can schedule a retry after the reset time.
type RateLimitError struct {
	Window model.RateWindow
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets %s", e.Window.Account, e.Window.Reset.Format("15:04:05"))
}

// APIError is any other non-2xx response. Message holds the `error` field
// of a JSON body when one is present; Body is always the raw text.
type APIError struct {
	Status  int
	Body    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api status %d", e.Status)
}

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Stream errors.
var (
	// ErrAttemptsExhausted is returned by ReconnectController.Run once
	// MaxAttempts consecutive connection attempts have failed.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

	// ErrStaleEvent marks an event whose sequence is not above the last one seen.
	ErrStaleEvent = errors.New("stale event")

	// ErrResyncRequired is reported when the server can no longer replay the
	// gap; local history must be rebuilt from a fresh snapshot.
	ErrResyncRequired = errors.New("resync required")

	// ErrLeadershipLost means another tab took over the connection lease.
	ErrLeadershipLost = errors.New("leadership lost")

	// ErrSessionMismatch marks an event addressed to another session.
	ErrSessionMismatch = errors.New("event for another session")
)

// APIError represents a structured error response from the streamgate API.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`

	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("streamgate: %d %s: %s (request_id=%s)", e.StatusCode, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("streamgate: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the request may succeed later unchanged.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsUnavailable returns true if the server rejected admission or is draining.
func IsUnavailable(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == http.StatusServiceUnavailable
}

// IsUnauthorized returns true if the credentials were refused.
func IsUnauthorized(err error) bool {
	var e *APIError
	return errors.As(err, &e) && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

// IsRateLimited returns true if the error is a 429 rate limit.
func IsRateLimited(err error) bool {
	var e *APIError
	return errors.As(err, &e) && e.StatusCode == http.StatusTooManyRequests
}

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// readAPIError builds an *APIError from a failed response. Bodies that are
// not a JSON error keep their text as the message.
func readAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = "unknown"
		apiErr.Message = string(body)
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}

	return apiErr
}

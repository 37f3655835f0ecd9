package models

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is wrapped by every request validation error.
var ErrInvalidInput = errors.New("invalid input")

// Sentinel errors for request validation.
var (
	ErrMissingUser     = fmt.Errorf("%w: user id is required", ErrInvalidInput)
	ErrMissingProject  = fmt.Errorf("%w: project id is required", ErrInvalidInput)
	ErrMissingInstance = fmt.Errorf("%w: instance id is required", ErrInvalidInput)
	ErrMissingType     = fmt.Errorf("%w: event type is required", ErrInvalidInput)
	ErrInvalidPayload  = fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
)

// Delivery errors. Every failure is scoped to a single connection.
var (
	// ErrAdmissionRejected means the cap was reached and eviction could not free a slot.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrStaleEvent marks an event whose sequence is not above the last one seen.
	ErrStaleEvent = errors.New("stale event")

	// ErrResyncRequired means the replay window no longer covers the requested position.
	ErrResyncRequired = errors.New("resync required")

	// ErrWriteTimeout means the transport did not accept a frame before the write fuse blew.
	ErrWriteTimeout = errors.New("write timeout")

	// ErrLeadershipLost means another tab took over the connection lease.
	ErrLeadershipLost = errors.New("leadership lost")
)

// ErrConnectionNotFound is returned for lookups of unknown or expired connections.
var ErrConnectionNotFound = errors.New("connection not found")

// ErrFieldTooLong returns an error indicating a field exceeds its maximum length.
func ErrFieldTooLong(field string, maxLen int) error {
	return fmt.Errorf("%w: %s exceeds maximum length of %d", ErrInvalidInput, field, maxLen)
}

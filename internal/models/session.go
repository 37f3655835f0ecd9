// Package models defines the core types of the event delivery subsystem.
package models

import (
	"strings"
)

// maxIDLen caps user, project and instance identifiers.
const maxIDLen = 128

// SessionKey identifies the logical scope of an event stream.
type SessionKey struct {
	UserID    string
	ProjectID string
}

// String renders the key as "<user>:<project>", the form used on the wire
// and in storage keys.
func (k SessionKey) String() string {
	return k.UserID + ":" + k.ProjectID
}

// Validate checks the key parts are present, bounded and free of the separator.
func (k SessionKey) Validate() error {
	if k.UserID == "" {
		return ErrMissingUser
	}

	if k.ProjectID == "" {
		return ErrMissingProject
	}

	if err := validatePart("user id", k.UserID); err != nil {
		return err
	}

	return validatePart("project id", k.ProjectID)
}

// ValidateInstanceID checks a browser instance identifier.
func ValidateInstanceID(id string) error {
	if id == "" {
		return ErrMissingInstance
	}

	return validatePart("instance id", id)
}

func validatePart(field, v string) error {
	if len(v) > maxIDLen {
		return ErrFieldTooLong(field, maxIDLen)
	}

	if strings.ContainsAny(v, ":{}\n\r ") {
		return &InvalidIDError{Field: field}
	}

	return nil
}

// InvalidIDError reports an identifier containing reserved characters.
type InvalidIDError struct {
	Field string
}

func (e *InvalidIDError) Error() string {
	return e.Field + " contains reserved characters"
}

// Unwrap lets callers match ErrInvalidInput.
func (e *InvalidIDError) Unwrap() error { return ErrInvalidInput }

package models

import (
	"encoding/json"
	"time"
)

// MaxPayloadSize caps an event payload. JSON escaping can grow a payload up
// to six times on the wire, which keeps the largest envelope under the
// client decoder's line limit.
const MaxPayloadSize = 128 << 10

// EventClass separates replayable events from fire-and-forget ones.
type EventClass string

// Event classes.
const (
	Durable   EventClass = "durable"
	Ephemeral EventClass = "ephemeral"
)

// Event is an immutable entry of a session's timeline. Sequence is zero for
// ephemeral events.
type Event struct {
	Sequence int64           `json:"seq"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Time     time.Time       `json:"ts"`
}

// PublishRequest is the body accepted by the internal publish endpoint and the
// ingress adapters.
type PublishRequest struct {
	UserID    string          `json:"userId"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Ephemeral bool            `json:"ephemeral,omitempty"`
}

// Session returns the session the request targets.
func (r *PublishRequest) Session() SessionKey {
	return SessionKey{UserID: r.UserID, ProjectID: r.ProjectID}
}

// Validate checks required fields.
func (r *PublishRequest) Validate() error {
	if err := r.Session().Validate(); err != nil {
		return err
	}

	if r.Type == "" {
		return ErrMissingType
	}

	if len(r.Type) > maxIDLen {
		return ErrFieldTooLong("type", maxIDLen)
	}

	if len(r.Payload) > MaxPayloadSize {
		return ErrFieldTooLong("payload", MaxPayloadSize)
	}

	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return ErrInvalidPayload
	}

	return nil
}

// Class reports the event class requested.
func (r *PublishRequest) Class() EventClass {
	if r.Ephemeral {
		return Ephemeral
	}

	return Durable
}

// PublishResult is returned to publishers.
type PublishResult struct {
	Sequence  int64 `json:"seq,omitempty"`
	Delivered bool  `json:"delivered"`
}

package client

import (
	"encoding/json"
	"time"
)

// Event is one event delivered on a stream. Seq is zero for ephemeral events.
type Event struct {
	Session string          `json:"session"`
	Type    string          `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// Durable reports whether the event carries a resumable sequence.
func (e *Event) Durable() bool { return e.Seq > 0 }

// PublishRequest is the body of an internal publish call.
type PublishRequest struct {
	UserID    string          `json:"userId"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ephemeral bool            `json:"ephemeral,omitempty"`
}

// PublishResult reports the sequence assigned to a durable event.
type PublishResult struct {
	Sequence  int64 `json:"seq,omitempty"`
	Delivered bool  `json:"delivered"`
}

// HealthResponse is returned by the liveness endpoint.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Redis         string  `json:"redis"`
	Database      string  `json:"database"`
	SchemaVersion int     `json:"schema_version"`
	Connections   int     `json:"connections"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ReadyResponse is returned by the readiness endpoint. Ready is derived from
// the HTTP status.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Ready  bool              `json:"-"`
}

// AuditEntry is one connection lifecycle record.
type AuditEntry struct {
	ID           int64          `json:"id"`
	ProjectID    string         `json:"project_id"`
	Action       string         `json:"action"`
	ConnectionID string         `json:"connection_id"`
	InstanceID   string         `json:"instance_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditPage is one page of Client.Audit results.
type AuditPage struct {
	Data    []AuditEntry `json:"data"`
	HasMore bool         `json:"has_more"`
}

// State is the lifecycle state of a ReconnectController.
type State int

// Controller states.
const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateBackoff
	StatePersistentError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StatePersistentError:
		return "persistent_error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role is the leadership role of a tab.
type Role int

// Leadership roles.
const (
	RoleUnelected Role = iota
	RoleElecting
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleUnelected:
		return "unelected"
	case RoleElecting:
		return "electing"
	case RoleLeader:
		return "leader"
	case RoleFollower:
		return "follower"
	default:
		return "unknown"
	}
}

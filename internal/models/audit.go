package models

import "time"

// Connection lifecycle actions recorded in the audit log.
const (
	AuditAdmitted     = "connection.admitted"
	AuditReplaced     = "connection.replaced"
	AuditEvicted      = "connection.evicted"
	AuditRemoved      = "connection.removed"
	AuditWriteTimeout = "connection.write_timeout"
	AuditRejected     = "connection.rejected"
)

// AuditEntry represents a single connection lifecycle record.
type AuditEntry struct {
	ID           int64          `json:"id"`
	UserID       string         `json:"user_id"`
	ProjectID    string         `json:"project_id"`
	Action       string         `json:"action"`
	ConnectionID string         `json:"connection_id"`
	InstanceID   string         `json:"instance_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AuditQueryOpts holds filters for querying the audit log.
type AuditQueryOpts struct {
	UserID       string
	ProjectID    string
	ConnectionID string
	Action       string
	Since        *time.Time
	Limit        int
	Offset       int
}

package models

import "time"

// Connection is one admitted transport.
type Connection struct {
	ID             string     `json:"id"`
	Session        SessionKey `json:"-"`
	InstanceID     string     `json:"instance_id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// EvictionReason explains why a connection left the registry.
type EvictionReason string

// Eviction reasons.
const (
	ReasonReplaced EvictionReason = "replaced" // same instance registered again
	ReasonCapacity EvictionReason = "capacity" // least-recently-active above the cap
)

// Eviction names a connection removed by a registration.
type Eviction struct {
	ConnectionID string         `json:"connection_id"`
	InstanceID   string         `json:"instance_id"`
	Reason       EvictionReason `json:"reason"`
}

// Admission is the outcome of a registration.
type Admission struct {
	Admitted bool       `json:"admitted"`
	Evicted  []Eviction `json:"evicted,omitempty"`
	Active   int        `json:"active"`
}

// EvictedIDs returns the IDs of every evicted connection.
func (a *Admission) EvictedIDs() []string {
	ids := make([]string, 0, len(a.Evicted))
	for _, e := range a.Evicted {
		ids = append(ids, e.ConnectionID)
	}

	return ids
}

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/models"
)

type memoryConn struct {
	instance string
	created  time.Time
	order    int64
	activity time.Time
}

type memorySession struct {
	conns     map[string]*memoryConn
	instances map[string]string // instance -> conn
	order     int64
}

// MemoryRegistry is a single-process Registry guarded by one mutex.
type MemoryRegistry struct {
	mu       sync.Mutex
	opts     Options
	sessions map[string]*memorySession
	now      func() time.Time
}

// NewMemoryRegistry creates a MemoryRegistry.
func NewMemoryRegistry(opts Options) *MemoryRegistry {
	return &MemoryRegistry{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) session(key models.SessionKey) *memorySession {
	s, ok := r.sessions[key.String()]
	if !ok {
		s = &memorySession{
			conns:     make(map[string]*memoryConn),
			instances: make(map[string]string),
		}
		r.sessions[key.String()] = s
	}

	return s
}

// purge drops connections whose TTL lapsed without a refresh.
func (r *MemoryRegistry) purge(s *memorySession, now time.Time) {
	for id, c := range s.conns {
		if now.Sub(c.activity) > r.opts.TTL {
			r.drop(s, id)
		}
	}
}

func (r *MemoryRegistry) drop(s *memorySession, id string) string {
	c, ok := s.conns[id]
	if !ok {
		return ""
	}

	delete(s.conns, id)

	if s.instances[c.instance] == id {
		delete(s.instances, c.instance)
	}

	return c.instance
}

// Register admits connID, replacing and evicting as needed.
func (r *MemoryRegistry) Register(_ context.Context, key models.SessionKey, instanceID, connID string) (*models.Admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := r.session(key)
	r.purge(s, now)

	adm := &models.Admission{}

	if c, ok := s.conns[connID]; ok && c.instance == instanceID {
		c.activity = now
		adm.Admitted = true
		adm.Active = len(s.conns)

		return adm, nil
	}

	if prev, ok := s.instances[instanceID]; ok && prev != connID {
		r.drop(s, prev)
		adm.Evicted = append(adm.Evicted, models.Eviction{
			ConnectionID: prev, InstanceID: instanceID, Reason: models.ReasonReplaced,
		})
	}

	for len(s.conns) >= r.opts.Cap {
		victim := oldest(s)
		if victim == "" {
			adm.Active = len(s.conns)

			return adm, models.ErrAdmissionRejected
		}

		inst := r.drop(s, victim)
		adm.Evicted = append(adm.Evicted, models.Eviction{
			ConnectionID: victim, InstanceID: inst, Reason: models.ReasonCapacity,
		})
	}

	s.order++
	s.conns[connID] = &memoryConn{instance: instanceID, created: now, order: s.order, activity: now}
	s.instances[instanceID] = connID

	adm.Admitted = true
	adm.Active = len(s.conns)

	return adm, nil
}

// oldest picks the least-recently-active connection, earliest created on ties.
func oldest(s *memorySession) string {
	var (
		victim string
		best   *memoryConn
	)

	for id, c := range s.conns {
		if best == nil ||
			c.activity.Before(best.activity) ||
			(c.activity.Equal(best.activity) && c.order < best.order) {
			victim, best = id, c
		}
	}

	return victim
}

// Refresh extends the connection's activity timestamp.
func (r *MemoryRegistry) Refresh(_ context.Context, key models.SessionKey, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key.String()]
	if !ok {
		return false, nil
	}

	now := r.now()
	r.purge(s, now)

	c, ok := s.conns[connID]
	if !ok {
		r.forget(key, s)

		return false, nil
	}

	c.activity = now

	return true, nil
}

// Remove deletes the connection.
func (r *MemoryRegistry) Remove(_ context.Context, key models.SessionKey, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key.String()]
	if !ok {
		return false, nil
	}

	_, existed := s.conns[connID]
	r.drop(s, connID)
	r.forget(key, s)

	return existed, nil
}

// forget removes a session left without connections.
func (r *MemoryRegistry) forget(key models.SessionKey, s *memorySession) {
	if len(s.conns) == 0 && len(s.instances) == 0 {
		delete(r.sessions, key.String())
	}
}

// Count returns the live connections of a session.
func (r *MemoryRegistry) Count(_ context.Context, key models.SessionKey) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key.String()]
	if !ok {
		return 0, nil
	}

	r.purge(s, r.now())
	r.forget(key, s)

	return len(s.conns), nil
}

// Lookup returns a registered connection.
func (r *MemoryRegistry) Lookup(_ context.Context, key models.SessionKey, connID string) (*models.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key.String()]
	if !ok {
		return nil, models.ErrConnectionNotFound
	}

	r.purge(s, r.now())

	c, ok := s.conns[connID]
	if !ok {
		r.forget(key, s)

		return nil, models.ErrConnectionNotFound
	}

	return &models.Connection{
		ID:             connID,
		Session:        key,
		InstanceID:     c.instance,
		CreatedAt:      c.created,
		LastActivityAt: c.activity,
	}, nil
}

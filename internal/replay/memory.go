package replay

import (
	"context"
	"sync"
	"time"

	"github.com/streamgate/streamgate/internal/models"
)

// sweepInterval is how often idle sessions are dropped from memory.
const sweepInterval = 10 * time.Minute

type memorySession struct {
	seq      int64
	events   []models.Event
	lastUsed time.Time
}

// MemoryStore is a single-process Store. Counters live in process memory,
// so it is only correct when one server instance serves every session.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	maxAge   time.Duration
	maxLen   int
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore with the given limits and starts a
// background goroutine that removes idle sessions.
func NewMemoryStore(maxLen int, maxAge time.Duration) *MemoryStore {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	if maxAge <= 0 {
		maxAge = DefaultTTL
	}

	ms := &MemoryStore{
		sessions: make(map[string]*memorySession),
		maxAge:   maxAge,
		maxLen:   maxLen,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go ms.cleanupLoop()

	return ms
}

// Stop halts the background cleanup goroutine.
func (ms *MemoryStore) Stop() {
	ms.stopOnce.Do(func() { close(ms.stop) })
}

func (ms *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ms.stop:
			return
		case <-ticker.C:
			ms.evictIdleSessions()
		}
	}
}

func (ms *MemoryStore) evictIdleSessions() {
	cutoff := ms.now().Add(-ms.maxAge)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, s := range ms.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(ms.sessions, key)
		}
	}
}

// session returns the live entry for key, creating it when create is set.
// Callers must hold the write lock when create is true.
func (ms *MemoryStore) session(key string, create bool) *memorySession {
	s, ok := ms.sessions[key]
	if ok && s.lastUsed.Before(ms.now().Add(-ms.maxAge)) {
		if !create {
			return nil
		}

		delete(ms.sessions, key)
		ok = false
	}

	if !ok {
		if !create {
			return nil
		}

		s = &memorySession{}
		ms.sessions[key] = s
	}

	return s
}

// NextSequence returns the next sequence number for a session.
func (ms *MemoryStore) NextSequence(_ context.Context, session models.SessionKey) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	s := ms.session(session.String(), true)
	s.seq++
	s.lastUsed = ms.now()

	return s.seq, nil
}

// LastSequence returns the last allocated sequence number, or 0.
func (ms *MemoryStore) LastSequence(_ context.Context, session models.SessionKey) (int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	s := ms.session(session.String(), false)
	if s == nil {
		return 0, nil
	}

	return s.seq, nil
}

// Append stores an event for potential replay, evicting old entries.
func (ms *MemoryStore) Append(_ context.Context, session models.SessionKey, evt *models.Event) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	s := ms.session(session.String(), true)
	now := ms.now()

	buf := trimExpired(s.events, ms.maxAge, now)

	buf = append(buf, *evt)
	if len(buf) > ms.maxLen {
		buf = buf[len(buf)-ms.maxLen:]
	}

	s.events = buf
	s.lastUsed = now

	return nil
}

// GetSince returns all retained events with sequence > after.
func (ms *MemoryStore) GetSince(_ context.Context, session models.SessionKey, after int64) ([]models.Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	s := ms.session(session.String(), false)
	if s == nil {
		return nil, nil
	}

	buf := trimExpired(s.events, ms.maxAge, ms.now())

	// Binary search for the first event with sequence > after.
	lo, hi := 0, len(buf)
	for lo < hi {
		mid := (lo + hi) / 2
		if buf[mid].Sequence <= after {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	if lo >= len(buf) {
		return nil, nil
	}

	// Return a copy to avoid holding the lock via slice reference.
	result := make([]models.Event, len(buf)-lo)
	copy(result, buf[lo:])

	return result, nil
}

// OldestSequence returns the first retained sequence that has not aged out.
func (ms *MemoryStore) OldestSequence(_ context.Context, session models.SessionKey) (int64, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	s := ms.session(session.String(), false)
	if s == nil {
		return 0, nil
	}

	buf := trimExpired(s.events, ms.maxAge, ms.now())
	if len(buf) == 0 {
		return 0, nil
	}

	return buf[0].Sequence, nil
}

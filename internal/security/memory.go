package security

import (
	"context"
	"slices"
	"sync"
	"time"
)

const (
	memorySweepInterval = time.Minute
	memoryMaxClients    = 10000
)

type failures struct {
	count    int
	first    time.Time
	lockedAt time.Time
}

// MemoryLockouts keeps failure counts in process. Each instance counts on its
// own, so a client spread over N instances gets N times the attempts.
type MemoryLockouts struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*failures
}

var _ Lockouts = (*MemoryLockouts)(nil)

// NewMemoryLockouts starts a sweeper that stops with ctx.
func NewMemoryLockouts(ctx context.Context, policy Policy) *MemoryLockouts {
	m := &MemoryLockouts{
		policy:  policy,
		now:     time.Now,
		clients: make(map[string]*failures),
	}
	go m.sweepLoop(ctx)
	return m
}

func (m *MemoryLockouts) Locked(_ context.Context, client string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.clients[clientHash(client)]
	if !ok || f.lockedAt.IsZero() {
		return 0, nil
	}

	return max(f.lockedAt.Add(m.policy.Lockout).Sub(m.now()), 0), nil
}

func (m *MemoryLockouts) Fail(_ context.Context, client string) (bool, error) {
	key := clientHash(client)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.clients[key]
	if !ok || now.Sub(f.first) > m.policy.Window {
		f = &failures{first: now}
		m.clients[key] = f
	}

	f.count++
	if f.count < m.policy.MaxFailures || !f.lockedAt.IsZero() {
		return false, nil
	}

	f.lockedAt = now
	return true, nil
}

func (m *MemoryLockouts) Reset(_ context.Context, client string) error {
	m.mu.Lock()
	delete(m.clients, clientHash(client))
	m.mu.Unlock()
	return nil
}

func (m *MemoryLockouts) sweepLoop(ctx context.Context) {
	t := time.NewTicker(memorySweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep forgets expired entries, then the oldest ones above memoryMaxClients.
func (m *MemoryLockouts) sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, f := range m.clients {
		if f.lockedAt.IsZero() && now.Sub(f.first) >= m.policy.Window ||
			!f.lockedAt.IsZero() && now.Sub(f.lockedAt) >= m.policy.Lockout {
			delete(m.clients, k)
		}
	}

	excess := len(m.clients) - memoryMaxClients
	if excess <= 0 {
		return
	}

	keys := make([]string, 0, len(m.clients))
	for k := range m.clients {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return m.clients[a].first.Compare(m.clients[b].first)
	})
	for _, k := range keys[:excess] {
		delete(m.clients, k)
	}
}

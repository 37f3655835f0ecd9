package client

import (
	"context"
	"errors"
	"sync"
)

// ErrBusClosed is returned when posting on a closed port.
var ErrBusClosed = errors.New("bus closed")

const busBuffer = 256

// MemoryLocker is an in-process Locker; goroutines stand in for tabs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) sem(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.locks[name]
	if !ok {
		s = make(chan struct{}, 1)
		l.locks[name] = s
	}

	return s
}

func releaser(s chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { <-s }) }
}

// TryAcquire implements Locker.
func (l *MemoryLocker) TryAcquire(name string) (func(), bool) {
	s := l.sem(name)

	select {
	case s <- struct{}{}:
		return releaser(s), true
	default:
		return nil, false
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, name string) (func(), error) {
	s := l.sem(name)

	select {
	case s <- struct{}{}:
		return releaser(s), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MemoryChannel is an in-process broadcast channel.
type MemoryChannel struct {
	mu    sync.RWMutex
	ports map[*memoryPort]struct{}
}

// NewMemoryChannel creates a MemoryChannel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{ports: make(map[*memoryPort]struct{})}
}

// Open implements Channel.
func (c *MemoryChannel) Open() Bus {
	p := &memoryPort{ch: c, msgs: make(chan []byte, busBuffer)}

	c.mu.Lock()
	c.ports[p] = struct{}{}
	c.mu.Unlock()

	return p
}

type memoryPort struct {
	ch     *MemoryChannel
	msgs   chan []byte
	closed bool
}

// Post delivers msg to every other open port. A port whose buffer is full
// misses the message, as a hung tab would.
func (p *memoryPort) Post(msg []byte) error {
	p.ch.mu.RLock()
	defer p.ch.mu.RUnlock()

	if p.closed {
		return ErrBusClosed
	}

	for other := range p.ch.ports {
		if other == p {
			continue
		}

		select {
		case other.msgs <- msg:
		default:
		}
	}

	return nil
}

func (p *memoryPort) Messages() <-chan []byte { return p.msgs }

func (p *memoryPort) Close() error {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()

	if !p.closed {
		p.closed = true
		delete(p.ch.ports, p)
		close(p.msgs)
	}

	return nil
}

// MemoryLeaseStore is an in-process LeaseStore.
type MemoryLeaseStore struct {
	mu       sync.Mutex
	leases   map[string]Lease
	watchers map[string]map[*leaseWatcher]struct{}
}

type leaseWatcher struct {
	writer string
	ch     chan Lease
}

// NewMemoryLeaseStore creates a MemoryLeaseStore.
func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{
		leases:   make(map[string]Lease),
		watchers: make(map[string]map[*leaseWatcher]struct{}),
	}
}

// Load implements LeaseStore.
func (s *MemoryLeaseStore) Load(key string) (Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[key]
	return l, ok
}

// Store implements LeaseStore. Watchers registered by other writers are
// notified; a watcher that is not keeping up only sees the latest value.
func (s *MemoryLeaseStore) Store(key, writer string, l Lease) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leases[key] = l

	for w := range s.watchers[key] {
		if w.writer == writer {
			continue
		}

		select {
		case w.ch <- l:
		default:
			select {
			case <-w.ch:
			default:
			}
			w.ch <- l
		}
	}
}

// Watch implements LeaseStore.
func (s *MemoryLeaseStore) Watch(key, writer string) (<-chan Lease, func()) {
	w := &leaseWatcher{writer: writer, ch: make(chan Lease, 1)}

	s.mu.Lock()
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*leaseWatcher]struct{})
	}
	s.watchers[key][w] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers[key], w)
			s.mu.Unlock()
		})
	}
}

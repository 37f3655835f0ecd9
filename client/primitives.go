package client

import (
	"context"
	"time"
)

// Locker is a named mutual-exclusion primitive shared by the tabs of one
// browser instance. A lock is held until its release func is called or the
// holder dies.
type Locker interface {
	// TryAcquire takes the lock only if it is free right now.
	TryAcquire(name string) (release func(), ok bool)
	// Acquire waits for the lock until ctx is done.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// Bus is one port on a same-origin broadcast channel. Posted messages reach
// every other port; a port never receives its own posts.
type Bus interface {
	Post(msg []byte) error
	Messages() <-chan []byte
	Close() error
}

// Channel opens ports on a broadcast channel.
type Channel interface {
	Open() Bus
}

// Lease is the shared-storage record of the current leader, used when no
// Locker is available. Generation grows with every takeover.
type Lease struct {
	Owner      string    `json:"owner"`
	Generation int64     `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at now.
func (l Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// LeaseStore is shared key-value storage with change notifications, like
// browser local storage. Watch notifies of writes made by other writers.
type LeaseStore interface {
	Load(key string) (Lease, bool)
	Store(key, writer string, l Lease)
	Watch(key, writer string) (changes <-chan Lease, stop func())
}

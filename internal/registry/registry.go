// Package registry admits stream connections per session under a hard cap.
//
// Each session holds at most one connection per browser instance and at most
// Cap connections in total. Registration replaces the instance's previous
// connection, then evicts the least-recently-active connections until a slot
// is free. Ties on activity are broken by creation order.
package registry

import (
	"context"
	"time"

	"github.com/streamgate/streamgate/internal/models"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultCap = 3
	DefaultTTL = 60 * time.Second
)

// Registry tracks active connections.
type Registry interface {
	// Register admits connID for instanceID. It is atomic with respect to
	// concurrent registrations in the same session.
	Register(ctx context.Context, session models.SessionKey, instanceID, connID string) (*models.Admission, error)
	// Refresh bumps lastActivityAt and every TTL of the connection together.
	// It returns false when the connection is no longer registered.
	Refresh(ctx context.Context, session models.SessionKey, connID string) (bool, error)
	// Remove deletes the connection. The instance marker is cleared only if it
	// still points at connID.
	Remove(ctx context.Context, session models.SessionKey, connID string) (bool, error)
	// Count returns the live connections of a session.
	Count(ctx context.Context, session models.SessionKey) (int, error)
	// Lookup returns the registered connection.
	Lookup(ctx context.Context, session models.SessionKey, connID string) (*models.Connection, error)
}

// Options configures a registry.
type Options struct {
	Cap int
	TTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.Cap <= 0 {
		o.Cap = DefaultCap
	}

	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}

	return o
}

// Package security holds abuse protections shared by the HTTP surfaces.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Policy decides when repeated credential failures lock a client out.
type Policy struct {
	MaxFailures int           // failures within Window that trigger a lockout
	Window      time.Duration // failures older than this are forgotten
	Lockout     time.Duration // how long a locked client is refused
}

// DefaultPolicy locks a client out for five minutes after five failures in
// fifteen minutes.
var DefaultPolicy = Policy{
	MaxFailures: 5,
	Window:      15 * time.Minute,
	Lockout:     5 * time.Minute,
}

// Lockouts counts failed credential checks per client. Clients are keyed by a
// caller-chosen identity, usually the remote address; only its hash is kept.
type Lockouts interface {
	// Locked returns the remaining lockout for client, or zero.
	Locked(ctx context.Context, client string) (time.Duration, error)
	// Fail records a failed check and reports whether it locked the client.
	Fail(ctx context.Context, client string) (bool, error)
	// Reset forgets earlier failures after a successful check.
	Reset(ctx context.Context, client string) error
}

func clientHash(client string) string {
	h := sha256.Sum256([]byte(client))
	return hex.EncodeToString(h[:])
}

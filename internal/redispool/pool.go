// Package redispool provides Redis client management.
package redispool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pool wraps a go-redis client with health check capabilities.
type Pool struct {
	client *redis.Client
}

// NewPool parses a redis:// URL, connects and pings.
func NewPool(ctx context.Context, redisURL string) (*Pool, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	opts.PoolSize = 64
	opts.MinIdleConns = 4
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck // closing a client that never connected.

		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Pool{client: client}, nil
}

// Wrap adopts an existing client (used by tests).
func Wrap(client *redis.Client) *Pool {
	return &Pool{client: client}
}

// Client returns the underlying client for stores that run scripts.
func (p *Pool) Client() *redis.Client {
	return p.client
}

// HealthCheck verifies connectivity.
func (p *Pool) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// Close closes the client.
func (p *Pool) Close() error {
	return p.client.Close()
}

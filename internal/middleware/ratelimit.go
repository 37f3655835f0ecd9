// Package middleware provides the gin middleware of the streamgate HTTP API.
package middleware

import (
	"context"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamgate/streamgate/internal/httputil"
	"github.com/streamgate/streamgate/internal/metrics"
)

const (
	// maxBuckets bounds the tracked keys so a flood of clients cannot grow
	// the table without limit.
	maxBuckets = 100_000

	sweepInterval = 5 * time.Minute
	bucketMaxAge  = 10 * time.Minute
)

// KeyFunc picks the bucket a request draws from. An empty key is not limited.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys on the client address. SetTrustedProxies(nil) in the router
// keeps X-Forwarded-For from choosing the key.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByUser keys on the authenticated user; it must run after JWTAuth.
func ByUser(c *gin.Context) string { return c.GetString(UserIDKey) }

// RateLimiter is a keyed token bucket limiter. Buckets refill continuously.
type RateLimiter struct {
	scope string
	rate  float64
	burst float64
	key   KeyFunc
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// take refills the bucket and spends one token, or reports how long until
// one is available.
func (b *bucket) take(now time.Time, rate, burst float64) (bool, time.Duration) {
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.last).Seconds()*rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	return false, time.Duration((1 - b.tokens) / rate * float64(time.Second))
}

// NewRateLimiter creates a limiter allowing ratePerSec sustained and burst
// at once per key. scope labels its rejections in logs and metrics. Stale
// buckets are swept until ctx is cancelled.
func NewRateLimiter(ctx context.Context, scope string, ratePerSec float64, burst int, key KeyFunc) *RateLimiter {
	rl := &RateLimiter{
		scope:   scope,
		rate:    ratePerSec,
		burst:   float64(burst),
		key:     key,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	go rl.sweepLoop(ctx)

	return rl
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for k, b := range rl.buckets {
		if now.Sub(b.last) > bucketMaxAge {
			delete(rl.buckets, k)
		}
	}
}

// allow spends a token for key.
func (rl *RateLimiter) allow(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		if len(rl.buckets) >= maxBuckets {
			return false, sweepInterval
		}

		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}

	return b.take(now, rl.rate, rl.burst)
}

// Handler returns gin middleware that rejects requests over the limit with
// 429 and a Retry-After hint.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := rl.key(c)
		if key == "" {
			c.Next()
			return
		}

		if ok, wait := rl.allow(key); !ok {
			metrics.RateLimited.WithLabelValues(rl.scope).Inc()
			httputil.SetRetryAfter(c, wait)
			respondError(c, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")

			return
		}

		c.Next()
	}
}

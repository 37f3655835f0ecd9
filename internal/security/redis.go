package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys:
//
//	sg:auth:fail:<hash>   failure counter, expires after Policy.Window
//	sg:auth:lock:<hash>   lockout marker, expires after Policy.Lockout
const redisKeyPrefix = "sg:auth:"

// failScript counts a failure and converts the counter into a lockout once
// it reaches the limit.
// KEYS: fail, lock. ARGV: window ms, max failures, lockout ms.
var failScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
if n >= tonumber(ARGV[2]) then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisLockouts shares failure counts between instances.
type RedisLockouts struct {
	rdb    redis.UniversalClient
	policy Policy
}

var _ Lockouts = (*RedisLockouts)(nil)

// NewRedisLockouts creates Lockouts backed by rdb.
func NewRedisLockouts(rdb redis.UniversalClient, policy Policy) *RedisLockouts {
	return &RedisLockouts{rdb: rdb, policy: policy}
}

func redisKeys(client string) (fail, lock string) {
	h := clientHash(client)
	return redisKeyPrefix + "fail:" + h, redisKeyPrefix + "lock:" + h
}

func (r *RedisLockouts) Locked(ctx context.Context, client string) (time.Duration, error) {
	_, lock := redisKeys(client)

	ttl, err := r.rdb.PTTL(ctx, lock).Result()
	if err != nil {
		return 0, fmt.Errorf("reading lockout: %w", err)
	}

	// Negative values mean the key is missing or has no expiry.
	return max(ttl, 0), nil
}

func (r *RedisLockouts) Fail(ctx context.Context, client string) (bool, error) {
	fail, lock := redisKeys(client)

	n, err := failScript.Run(ctx, r.rdb, []string{fail, lock},
		r.policy.Window.Milliseconds(), r.policy.MaxFailures, r.policy.Lockout.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("recording auth failure: %w", err)
	}

	return n == 1, nil
}

func (r *RedisLockouts) Reset(ctx context.Context, client string) error {
	fail, _ := redisKeys(client)

	if err := r.rdb.Del(ctx, fail).Err(); err != nil {
		return fmt.Errorf("clearing auth failures: %w", err)
	}

	return nil
}

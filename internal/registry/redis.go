package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamgate/streamgate/internal/models"
)

// Key layout, all under the session hash tag so a script touches one slot:
//
//	sg:{u:p}:act            zset conn -> lastActivityAt (ms)
//	sg:{u:p}:ord            zset conn -> creation order
//	sg:{u:p}:ctr            creation order counter
//	sg:{u:p}:conn:<id>      hash instance, created, order
//	sg:{u:p}:rev:<id>       conn -> instance reverse mapping
//	sg:{u:p}:inst:<inst>    instance -> conn marker
//
// Every key known before a script runs is passed in KEYS. Keys derived from
// stored values cannot be: the instance marker read back on refresh, and the
// conn, rev and marker keys of evicted or purged connections. The scripts
// build those from the prefix in ARGV[1]. They carry the same hash tag as the
// declared keys, so Redis Cluster routes them to the script's slot, but a
// proxy that rejects undeclared keys cannot front this registry.

// luaDrop removes one connection; shared by every script.
const luaDrop = `
local function drop(prefix, act, ord, id)
  local inst = redis.call('GET', prefix .. 'rev:' .. id)
  redis.call('DEL', prefix .. 'conn:' .. id, prefix .. 'rev:' .. id)
  redis.call('ZREM', act, id)
  redis.call('ZREM', ord, id)
  if inst then
    local marker = prefix .. 'inst:' .. inst
    if redis.call('GET', marker) == id then
      redis.call('DEL', marker)
    end
    return inst
  end
  return ''
end

local function purge(prefix, act, ord, cutoff)
  local stale = redis.call('ZRANGEBYSCORE', act, '-inf', '(' .. cutoff)
  for _, id in ipairs(stale) do
    drop(prefix, act, ord, id)
  end
end
`

// registerScript admits a connection.
// KEYS: act, ord, ctr, inst marker, conn hash, rev.
// ARGV: prefix, instance, conn, now ms, cap, ttl ms.
// Returns {admitted, active, id, instance, reason, id, instance, reason, ...}.
var registerScript = redis.NewScript(luaDrop + `
local prefix, instance, conn = ARGV[1], ARGV[2], ARGV[3]
local now, cap, ttl = tonumber(ARGV[4]), tonumber(ARGV[5]), tonumber(ARGV[6])
local act, ord, ctr, marker = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local connKey, revKey = KEYS[5], KEYS[6]

purge(prefix, act, ord, now - ttl)

local out = {0, 0}

local prev = redis.call('GET', marker)
if prev == conn and redis.call('ZSCORE', act, conn) then
  redis.call('ZADD', act, now, conn)
  out[1] = 1
  out[2] = redis.call('ZCARD', act)
  return out
end

if prev and prev ~= conn then
  drop(prefix, act, ord, prev)
  table.insert(out, prev)
  table.insert(out, instance)
  table.insert(out, 'replaced')
end

while redis.call('ZCARD', act) >= cap do
  local head = redis.call('ZRANGE', act, 0, 0, 'WITHSCORES')
  if #head == 0 then
    out[2] = redis.call('ZCARD', act)
    return out
  end

  local victim, best = head[1], nil
  local ties = redis.call('ZRANGEBYSCORE', act, head[2], head[2])
  if #ties > 1 then
    for _, id in ipairs(ties) do
      local o = tonumber(redis.call('ZSCORE', ord, id) or '0')
      if best == nil or o < best then
        best, victim = o, id
      end
    end
  end

  local inst = drop(prefix, act, ord, victim)
  table.insert(out, victim)
  table.insert(out, inst)
  table.insert(out, 'capacity')
end

local order = redis.call('INCR', ctr)
redis.call('HSET', connKey, 'instance', instance, 'created', now, 'order', order)
redis.call('PEXPIRE', connKey, ttl)
redis.call('SET', revKey, instance, 'PX', ttl)
redis.call('SET', marker, conn, 'PX', ttl)
redis.call('ZADD', act, now, conn)
redis.call('ZADD', ord, order, conn)
redis.call('PEXPIRE', act, ttl)
redis.call('PEXPIRE', ord, ttl)
redis.call('PEXPIRE', ctr, ttl)

out[1] = 1
out[2] = redis.call('ZCARD', act)
return out
`)

// refreshScript extends activity and every related TTL in one step.
// KEYS: act, ord, ctr, conn hash, rev. ARGV: prefix, conn, now ms, ttl ms.
// The instance marker is extended only while it still names conn.
var refreshScript = redis.NewScript(luaDrop + `
local prefix, conn = ARGV[1], ARGV[2]
local now, ttl = tonumber(ARGV[3]), tonumber(ARGV[4])
local act, ord, ctr, connKey, revKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]

purge(prefix, act, ord, now - ttl)

if not redis.call('ZSCORE', act, conn) then
  return 0
end

local inst = redis.call('GET', revKey)
if not inst or redis.call('EXISTS', connKey) == 0 then
  drop(prefix, act, ord, conn)
  return 0
end

redis.call('ZADD', act, now, conn)
redis.call('PEXPIRE', connKey, ttl)
redis.call('PEXPIRE', revKey, ttl)

local marker = prefix .. 'inst:' .. inst
if redis.call('GET', marker) == conn then
  redis.call('PEXPIRE', marker, ttl)
end

redis.call('PEXPIRE', act, ttl)
redis.call('PEXPIRE', ord, ttl)
redis.call('PEXPIRE', ctr, ttl)
return 1
`)

// removeScript deletes one connection. KEYS: act, ord, conn hash, rev.
// ARGV: prefix, conn.
var removeScript = redis.NewScript(luaDrop + `
local existed = redis.call('ZSCORE', KEYS[1], ARGV[2])
drop(ARGV[1], KEYS[1], KEYS[2], ARGV[2])
if existed then
  return 1
end
return 0
`)

// RedisRegistry is a Registry shared by every server instance.
type RedisRegistry struct {
	rdb  redis.UniversalClient
	opts Options
	now  func() time.Time
}

// NewRedisRegistry creates a RedisRegistry.
func NewRedisRegistry(rdb redis.UniversalClient, opts Options) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, opts: opts.withDefaults(), now: time.Now}
}

func prefix(session models.SessionKey) string { return "sg:{" + session.String() + "}:" }

func (r *RedisRegistry) keys(session models.SessionKey) (act, ord, ctr string) {
	p := prefix(session)

	return p + "act", p + "ord", p + "ctr"
}

// connKeys returns the per-connection hash and reverse mapping keys.
func connKeys(session models.SessionKey, connID string) (hash, rev string) {
	p := prefix(session)

	return p + "conn:" + connID, p + "rev:" + connID
}

// Register admits connID.
func (r *RedisRegistry) Register(ctx context.Context, session models.SessionKey, instanceID, connID string) (*models.Admission, error) {
	act, ord, ctr := r.keys(session)
	marker := prefix(session) + "inst:" + instanceID
	hash, rev := connKeys(session, connID)

	res, err := registerScript.Run(ctx, r.rdb, []string{act, ord, ctr, marker, hash, rev},
		prefix(session), instanceID, connID, r.now().UnixMilli(), r.opts.Cap, r.opts.TTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("register script: %w", err)
	}

	adm, err := parseAdmission(res)
	if err != nil {
		return nil, err
	}

	if !adm.Admitted {
		return adm, models.ErrAdmissionRejected
	}

	return adm, nil
}

func parseAdmission(res []any) (*models.Admission, error) {
	if len(res) < 2 || (len(res)-2)%3 != 0 {
		return nil, fmt.Errorf("register script: malformed reply of length %d", len(res))
	}

	admitted, _ := res[0].(int64)
	active, _ := res[1].(int64)

	adm := &models.Admission{Admitted: admitted == 1, Active: int(active)}

	for i := 2; i < len(res); i += 3 {
		id, _ := res[i].(string)
		inst, _ := res[i+1].(string)
		reason, _ := res[i+2].(string)
		adm.Evicted = append(adm.Evicted, models.Eviction{
			ConnectionID: id,
			InstanceID:   inst,
			Reason:       models.EvictionReason(reason),
		})
	}

	return adm, nil
}

// Refresh bumps activity and TTLs.
func (r *RedisRegistry) Refresh(ctx context.Context, session models.SessionKey, connID string) (bool, error) {
	act, ord, ctr := r.keys(session)
	hash, rev := connKeys(session, connID)

	n, err := refreshScript.Run(ctx, r.rdb, []string{act, ord, ctr, hash, rev},
		prefix(session), connID, r.now().UnixMilli(), r.opts.TTL.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh script: %w", err)
	}

	return n == 1, nil
}

// Remove deletes the connection.
func (r *RedisRegistry) Remove(ctx context.Context, session models.SessionKey, connID string) (bool, error) {
	act, ord, _ := r.keys(session)
	hash, rev := connKeys(session, connID)

	n, err := removeScript.Run(ctx, r.rdb, []string{act, ord, hash, rev}, prefix(session), connID).Int64()
	if err != nil {
		return false, fmt.Errorf("remove script: %w", err)
	}

	return n == 1, nil
}

// Count returns connections whose activity is within the TTL.
func (r *RedisRegistry) Count(ctx context.Context, session models.SessionKey) (int, error) {
	act, _, _ := r.keys(session)
	cutoff := r.now().Add(-r.opts.TTL).UnixMilli()

	n, err := r.rdb.ZCount(ctx, act, strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("counting connections: %w", err)
	}

	return int(n), nil
}

// Lookup returns a registered connection.
func (r *RedisRegistry) Lookup(ctx context.Context, session models.SessionKey, connID string) (*models.Connection, error) {
	act, _, _ := r.keys(session)

	var (
		fields *redis.MapStringStringCmd
		score  *redis.FloatCmd
	)

	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hash, _ := connKeys(session, connID)
		fields = pipe.HGetAll(ctx, hash)
		score = pipe.ZScore(ctx, act, connID)

		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("looking up connection: %w", err)
	}

	m := fields.Val()
	if len(m) == 0 || score.Err() != nil {
		return nil, models.ErrConnectionNotFound
	}

	created, _ := strconv.ParseInt(m["created"], 10, 64)

	return &models.Connection{
		ID:             connID,
		Session:        session,
		InstanceID:     m["instance"],
		CreatedAt:      time.UnixMilli(created),
		LastActivityAt: time.UnixMilli(int64(score.Val())),
	}, nil
}

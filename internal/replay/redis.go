package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamgate/streamgate/internal/models"
)

// appendScript adds one event and trims the window in a single step.
// KEYS[1]=log zset; ARGV[1]=seq; ARGV[2]=event json; ARGV[3]=max len; ARGV[4]=ttl ms.
var appendScript = redis.NewScript(`
local key    = KEYS[1]
local maxLen = tonumber(ARGV[3])

redis.call('ZADD', key, ARGV[1], ARGV[2])

local n = redis.call('ZCARD', key)
if n > maxLen then
  redis.call('ZREMRANGEBYRANK', key, 0, n - maxLen - 1)
  n = maxLen
end

redis.call('PEXPIRE', key, ARGV[4])
return n
`)

// headPage is how many entries OldestSequence reads per round trip.
const headPage = 16

// RedisStore keeps counters and replay windows in Redis so every server
// instance shares one timeline per session.
type RedisStore struct {
	rdb    redis.UniversalClient
	maxLen int
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb redis.UniversalClient, maxLen int, ttl time.Duration) *RedisStore {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{rdb: rdb, maxLen: maxLen, ttl: ttl, now: time.Now}
}

// Keys share a hash tag so the counter and the log land on one cluster slot.
func seqKey(session models.SessionKey) string { return "sg:{" + session.String() + "}:seq" }
func logKey(session models.SessionKey) string { return "sg:{" + session.String() + "}:log" }

// NextSequence increments the session counter and refreshes its TTL atomically.
func (s *RedisStore) NextSequence(ctx context.Context, session models.SessionKey) (int64, error) {
	var incr *redis.IntCmd

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, seqKey(session))
		pipe.PExpire(ctx, seqKey(session), s.ttl)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("allocating sequence: %w", err)
	}

	return incr.Val(), nil
}

// LastSequence reads the counter without advancing it.
func (s *RedisStore) LastSequence(ctx context.Context, session models.SessionKey) (int64, error) {
	v, err := s.rdb.Get(ctx, seqKey(session)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("reading sequence: %w", err)
	}

	return v, nil
}

// Append stores evt in the session's window.
func (s *RedisStore) Append(ctx context.Context, session models.SessionKey, evt *models.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	err = appendScript.Run(ctx, s.rdb, []string{logKey(session)},
		evt.Sequence, data, s.maxLen, s.ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}

	return nil
}

// GetSince returns retained events with sequence > after, ascending.
func (s *RedisStore) GetSince(ctx context.Context, session models.SessionKey, after int64) ([]models.Event, error) {
	raw, err := s.rdb.ZRangeByScore(ctx, logKey(session), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading replay window: %w", err)
	}

	events, err := decodeEvents(raw)
	if err != nil {
		return nil, err
	}

	return trimExpired(events, s.ttl, s.now()), nil
}

// OldestSequence walks the window from its head past entries that aged out.
func (s *RedisStore) OldestSequence(ctx context.Context, session models.SessionKey) (int64, error) {
	for start := int64(0); ; start += headPage {
		raw, err := s.rdb.ZRange(ctx, logKey(session), start, start+headPage-1).Result()
		if err != nil {
			return 0, fmt.Errorf("reading window head: %w", err)
		}

		if len(raw) == 0 {
			return 0, nil
		}

		events, err := decodeEvents(raw)
		if err != nil {
			return 0, err
		}

		if live := trimExpired(events, s.ttl, s.now()); len(live) > 0 {
			return live[0].Sequence, nil
		}
	}
}

func decodeEvents(raw []string) ([]models.Event, error) {
	events := make([]models.Event, 0, len(raw))
	for _, member := range raw {
		var evt models.Event
		if err := json.Unmarshal([]byte(member), &evt); err != nil {
			return nil, fmt.Errorf("decoding replay entry: %w", err)
		}
		events = append(events, evt)
	}

	return events, nil
}

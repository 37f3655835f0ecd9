package hub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisChannel is the Pub/Sub channel shared by all instances.
const DefaultRedisChannel = "streamgate:fanout"

// RedisFanout relays messages over Redis Pub/Sub.
type RedisFanout struct {
	rdb     redis.UniversalClient
	channel string
	log     *logrus.Logger
	subs    []*redis.PubSub
}

// NewRedisFanout creates a RedisFanout on channel.
func NewRedisFanout(rdb redis.UniversalClient, channel string, log *logrus.Logger) *RedisFanout {
	if channel == "" {
		channel = DefaultRedisChannel
	}

	return &RedisFanout{rdb: rdb, channel: channel, log: log}
}

// Publish sends msg on the channel.
func (f *RedisFanout) Publish(ctx context.Context, msg *Message) error {
	data, err := msg.marshal()
	if err != nil {
		return err
	}

	if err := f.rdb.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	return nil
}

// Subscribe waits for the subscription to be confirmed, then delivers in a goroutine.
func (f *RedisFanout) Subscribe(ctx context.Context, deliver func(*Message)) error {
	ps := f.rdb.Subscribe(ctx, f.channel)

	if _, err := ps.Receive(ctx); err != nil {
		ps.Close() //nolint:errcheck // subscription never became live.

		return fmt.Errorf("redis subscribe: %w", err)
	}

	f.subs = append(f.subs, ps)
	ch := ps.Channel()

	go func() {
		defer ps.Close() //nolint:errcheck // best-effort on shutdown

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				msg, err := unmarshalMessage([]byte(m.Payload))
				if err != nil {
					f.log.WithError(err).Warn("dropping malformed fanout message")
					continue
				}

				deliver(msg)
			}
		}
	}()

	return nil
}

// Close closes every subscription.
func (f *RedisFanout) Close() error {
	for _, ps := range f.subs {
		ps.Close() //nolint:errcheck // best-effort on shutdown
	}

	f.subs = nil

	return nil
}

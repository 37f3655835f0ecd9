package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/dbpool"
	"github.com/streamgate/streamgate/internal/models"
)

// validChannel matches safe PostgreSQL LISTEN channel names.
var validChannel = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	// DefaultChannel is the channel written by the stream_publish() function.
	DefaultChannel = "stream_events"

	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2
	publishTimeout    = 5 * time.Second

	// listenIdle re-arms the read deadline so a dead connection is noticed.
	listenIdle = 2 * time.Minute
)

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, req *models.PublishRequest) (*models.PublishResult, error)
}

// NotifyBridge subscribes to PostgreSQL LISTEN/NOTIFY and publishes each
// payload. Payloads have the shape of models.PublishRequest; NOTIFY caps them
// at 8000 bytes, so large events should go through the HTTP or Kafka ingress.
type NotifyBridge struct {
	log     *logrus.Logger
	pool    *dbpool.Pool
	pub     Publisher
	channel string
}

// NewNotifyBridge creates a NotifyBridge on channel, or DefaultChannel when empty.
func NewNotifyBridge(log *logrus.Logger, pool *dbpool.Pool, pub Publisher, channel string) *NotifyBridge {
	if channel == "" {
		channel = DefaultChannel
	}

	return &NotifyBridge{
		log:     log,
		pool:    pool,
		pub:     pub,
		channel: channel,
	}
}

// Start verifies the database is reachable and launches the LISTEN loop in a
// background goroutine that reconnects on failure.
func (b *NotifyBridge) Start(ctx context.Context) error {
	if !validChannel.MatchString(b.channel) {
		return fmt.Errorf("notify bridge: invalid channel name %q", b.channel)
	}

	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("notify bridge: database not reachable: %w", err)
	}

	go b.listen(ctx)

	return nil
}

func (b *NotifyBridge) listen(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		err := b.subscribeAndForward(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		b.log.WithError(err).WithField("retry_in", backoff).
			Warn("notify bridge connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

// subscribeAndForward holds one connection in LISTEN until it fails or ctx ends.
func (b *NotifyBridge) subscribeAndForward(ctx context.Context) error {
	l, err := b.pool.Listen(ctx, b.channel)
	if err != nil {
		return err
	}
	defer l.Close()

	b.log.WithField("channel", b.channel).Info("notify bridge listening")

	for {
		n, err := l.Wait(ctx, listenIdle)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, dbpool.ErrIdle):
			continue
		case err != nil:
			return err
		}

		b.handleNotification(ctx, n)
	}
}

// handleNotification publishes a single notification payload.
func (b *NotifyBridge) handleNotification(ctx context.Context, n *pgconn.Notification) {
	log := b.log.WithFields(logrus.Fields{
		"channel": n.Channel,
		"pid":     n.PID,
	})

	var req models.PublishRequest
	if err := json.Unmarshal([]byte(n.Payload), &req); err != nil {
		log.WithError(err).Warn("dropping malformed notification")
		return
	}

	if err := req.Validate(); err != nil {
		log.WithError(err).Warn("dropping invalid notification")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	res, err := b.pub.Publish(ctx, &req)
	if err != nil {
		log.WithError(err).Error("publishing notification")
		return
	}

	log.WithFields(logrus.Fields{
		"type": req.Type,
		"seq":  res.Sequence,
	}).Debug("notification published")
}

// nextBackoff doubles the backoff with ±25% jitter, capped at maxBackoff.
func nextBackoff(current time.Duration) time.Duration {
	next := current * backoffMultiplier
	if next > maxBackoff {
		next = maxBackoff
	}

	jitter := float64(next) * (0.75 + rand.Float64()*0.5) //nolint:gosec // jitter doesn't need crypto rand.

	return time.Duration(jitter)
}

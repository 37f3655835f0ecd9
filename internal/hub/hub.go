// Package hub publishes events into sessions and delivers them to the
// connections this instance holds.
package hub

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/models"
	"github.com/streamgate/streamgate/internal/registry"
	"github.com/streamgate/streamgate/internal/replay"
	"github.com/streamgate/streamgate/wire"
)

// Hub defaults.
const (
	DefaultAdmissionTimeout = 5 * time.Second
	DefaultDrainTimeout     = 3 * time.Second
	publishStripes          = 64
)

// ErrShuttingDown is returned by Attach once Shutdown has begun.
var ErrShuttingDown = errors.New("hub shutting down")

// Auditor records connection lifecycle entries. Enqueue must not block.
type Auditor interface {
	Enqueue(entry *models.AuditEntry)
}

// Options configures a Hub.
type Options struct {
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	QueueSize         int
	AdmissionTimeout  time.Duration
	DrainTimeout      time.Duration
}

// Hub wires the sequence allocator, replay log, registry and fanout together.
// Connections map mutations happen under mu; writes go through each
// connection's stream.Writer.
type Hub struct {
	log    *logrus.Logger
	store  replay.Store
	reg    registry.Registry
	fanout Fanout
	audit  Auditor
	opts   Options

	mu      sync.RWMutex
	conns   map[string]map[string]*conn // session -> connection id -> conn
	closing bool

	// Durable publishes of one session are serialized so sequences reach the
	// fanout in allocation order.
	publishMu [publishStripes]sync.Mutex
}

// New creates a Hub. audit may be nil.
func New(log *logrus.Logger, store replay.Store, reg registry.Registry, fanout Fanout, audit Auditor, opts Options) *Hub {
	if opts.AdmissionTimeout <= 0 {
		opts.AdmissionTimeout = DefaultAdmissionTimeout
	}

	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	return &Hub{
		log:    log,
		store:  store,
		reg:    reg,
		fanout: fanout,
		audit:  audit,
		opts:   opts,
		conns:  make(map[string]map[string]*conn),
	}
}

// Start subscribes to the fanout. Delivery stops when ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.fanout.Subscribe(ctx, h.deliver); err != nil {
		return fmt.Errorf("subscribing to fanout: %w", err)
	}

	return nil
}

// ConnectionCount returns the number of connections held by this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, m := range h.conns {
		n += len(m)
	}

	return n
}

func (h *Hub) stripe(session string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(session))

	return &h.publishMu[f.Sum32()%publishStripes]
}

// Publish allocates a sequence for durable events, appends them to the replay
// log and hands the frame to the fanout.
func (h *Hub) Publish(ctx context.Context, req *models.PublishRequest) (*models.PublishResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	session := req.Session()
	key := session.String()
	env := &wire.Envelope{Session: key, Type: req.Type, Payload: req.Payload, TS: time.Now().UTC()}

	if req.Class() == models.Ephemeral {
		if err := h.send(ctx, env); err != nil {
			return nil, err
		}

		metrics.EventsPublished.WithLabelValues(string(models.Ephemeral)).Inc()

		return &models.PublishResult{Delivered: true}, nil
	}

	mu := h.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	seq, err := h.store.NextSequence(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("allocating sequence: %w", err)
	}

	env.Seq = seq

	evt := &models.Event{Sequence: seq, Type: req.Type, Payload: req.Payload, Time: env.TS}
	if err := h.store.Append(ctx, session, evt); err != nil {
		return nil, fmt.Errorf("appending to replay log: %w", err)
	}

	metrics.EventsPublished.WithLabelValues(string(models.Durable)).Inc()

	// The event is retained even when the fanout fails; clients catch up on reconnect.
	if err := h.send(ctx, env); err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"session": key,
			"seq":     seq,
		}).Warn("fanout failed, event left for replay")

		return &models.PublishResult{Sequence: seq}, nil
	}

	return &models.PublishResult{Sequence: seq, Delivered: true}, nil
}

func (h *Hub) send(ctx context.Context, env *wire.Envelope) error {
	f, err := wire.NewFrame(env)
	if err != nil {
		return err
	}

	msg := &Message{Kind: KindEvent, Session: env.Session, Seq: env.Seq, Frame: f.Encode()}
	if err := h.fanout.Publish(ctx, msg); err != nil {
		metrics.FanoutDropped.Inc()

		return fmt.Errorf("fanout publish: %w", err)
	}

	return nil
}

// deliver handles one fanout message for the connections held here.
func (h *Hub) deliver(msg *Message) {
	switch msg.Kind {
	case KindEvent:
		for _, c := range h.sessionConns(msg.Session) {
			if err := c.deliver(msg.Seq, msg.Frame); err != nil {
				h.log.WithError(err).WithField("connection_id", c.id).Debug("dropping frame for closed connection")
			}
		}
	case KindEvict:
		c := h.lookup(msg.Session, msg.ConnectionID)
		if c == nil {
			return
		}

		h.log.WithFields(logrus.Fields{
			"session":       msg.Session,
			"connection_id": c.id,
			"reason":        msg.Reason,
		}).Info("closing evicted connection")

		c.writer.CloseGracefully(wire.ControlFrame(wire.EventReplaced, msg.Session, msg.Reason), msg.Reason)
	default:
		h.log.WithField("kind", msg.Kind).Warn("unknown fanout message")
	}
}

func (h *Hub) sessionConns(session string) []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := h.conns[session]
	out := make([]*conn, 0, len(m))

	for _, c := range m {
		out = append(out, c)
	}

	return out
}

func (h *Hub) lookup(session, id string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.conns[session][id]
}

package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// FollowerRelay dispatches events that the leader tab forwards over the bus.
// It never opens a transport. Durable events are de-duplicated by sequence
// since a new leader may replay events the followers already saw.
type FollowerRelay struct {
	bus      Bus
	tabID    string
	onEvent  func(*Event)
	onResync func()
	log      logrus.FieldLogger

	mu      sync.Mutex
	lastSeq int64
	stale   atomic.Int64
}

// NewFollowerRelay creates a relay reading from its own bus port. Messages
// posted by tabID itself are ignored.
func NewFollowerRelay(bus Bus, tabID string, onEvent func(*Event), onResync func(), log logrus.FieldLogger) *FollowerRelay {
	if log == nil {
		log = discardLogger()
	}

	return &FollowerRelay{
		bus:      bus,
		tabID:    tabID,
		onEvent:  onEvent,
		onResync: onResync,
		log:      log.WithField("tab", tabID),
	}
}

// LastSequence returns the highest durable sequence seen, forwarded or local.
func (r *FollowerRelay) LastSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// StaleDropped returns how many duplicate forwards were dropped.
func (r *FollowerRelay) StaleDropped() int64 { return r.stale.Load() }

// Observe records an event this tab dispatched itself while leader, so
// forwards of it from a later leader are recognized as duplicates.
func (r *FollowerRelay) Observe(seq int64) {
	r.mu.Lock()
	if seq > r.lastSeq {
		r.lastSeq = seq
	}
	r.mu.Unlock()
}

// Reset forgets the sequence position after a resync.
func (r *FollowerRelay) Reset() {
	r.mu.Lock()
	r.lastSeq = 0
	r.mu.Unlock()
}

// Run dispatches forwarded messages until ctx is cancelled or the port closes.
func (r *FollowerRelay) Run(ctx context.Context) {
	msgs := r.bus.Messages()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}

			r.handle(raw)
		}
	}
}

func (r *FollowerRelay) handle(raw []byte) {
	var msg busMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		r.log.WithError(err).Warn("dropping undecodable bus message")
		return
	}

	if msg.From == r.tabID {
		return
	}

	switch msg.Kind {
	case kindResync:
		r.Reset()
		if r.onResync != nil {
			r.onResync()
		}

	case kindEvent:
		if msg.Event == nil {
			return
		}

		if msg.Event.Durable() {
			r.mu.Lock()
			if msg.Event.Seq <= r.lastSeq {
				r.mu.Unlock()
				r.stale.Add(1)
				r.log.WithError(ErrStaleEvent).WithField("seq", msg.Event.Seq).Debug("dropping forwarded event")
				return
			}
			r.lastSeq = msg.Event.Seq
			r.mu.Unlock()
		}

		if r.onEvent != nil {
			r.onEvent(msg.Event)
		}
	}
}

package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/models"
	"github.com/streamgate/streamgate/internal/replay"
	"github.com/streamgate/streamgate/internal/stream"
	"github.com/streamgate/streamgate/wire"
)

// AttachRequest describes a connection attempt by an authorized caller.
type AttachRequest struct {
	Session     models.SessionKey
	InstanceID  string
	LastEventID int64
	RemoteAddr  string
	// Open creates the transport once the connection is admitted.
	Open func() (stream.Transport, error)
}

// Stream is the handle of an attached connection.
type Stream struct {
	ID        string
	Admission *models.Admission
	writer    *stream.Writer
}

// Done is closed once the connection is torn down and released.
func (s *Stream) Done() <-chan struct{} { return s.writer.Done() }

// Err returns why the connection ended.
func (s *Stream) Err() error { return s.writer.Err() }

// Close tears the connection down and waits for it to be released.
func (s *Stream) Close(reason string) { s.writer.Close(reason) }

// Attach admits a connection, evicts whatever the registry chose, opens the
// transport and replays what the client missed since req.LastEventID.
func (h *Hub) Attach(ctx context.Context, req *AttachRequest) (*Stream, error) {
	if err := req.Session.Validate(); err != nil {
		return nil, err
	}

	if err := models.ValidateInstanceID(req.InstanceID); err != nil {
		return nil, err
	}

	h.mu.RLock()
	closing := h.closing
	h.mu.RUnlock()

	if closing {
		return nil, ErrShuttingDown
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.AdmissionTimeout)
	defer cancel()

	id := uuid.NewString()
	key := req.Session.String()
	log := h.log.WithFields(logrus.Fields{
		"session":       key,
		"instance_id":   req.InstanceID,
		"connection_id": id,
	})

	adm, err := h.reg.Register(ctx, req.Session, req.InstanceID, id)
	if err != nil {
		metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()

		if errors.Is(err, models.ErrAdmissionRejected) {
			h.record(models.AuditRejected, req.Session, id, req.InstanceID, map[string]any{"remote_addr": req.RemoteAddr})
		}

		return nil, fmt.Errorf("registering connection: %w", err)
	}

	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()

	for _, ev := range adm.Evicted {
		h.evict(ctx, req.Session, ev)
	}

	t, err := req.Open()
	if err != nil {
		h.release(req.Session, id)

		return nil, fmt.Errorf("opening transport: %w", err)
	}

	c := &conn{
		id:         id,
		instance:   req.InstanceID,
		session:    req.Session,
		backfill:   h.backfiller(req.Session),
		gapWait:    gapWait,
		log:        log,
		catchingUp: true,
	}
	c.writer = stream.NewWriter(t, stream.Options{
		WriteTimeout:      h.opts.WriteTimeout,
		HeartbeatInterval: h.opts.HeartbeatInterval,
		QueueSize:         h.opts.QueueSize,
		Heartbeat:         func() []byte { return wire.ControlFrame(wire.EventHeartbeat, key, "") },
		OnTick:            h.refresher(req.Session, id),
		OnClose:           func(_ *stream.Writer, cause error) { h.detach(c, cause) },
		Log:               log,
	})

	// Registered before catch-up so live frames published meanwhile are parked.
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		t.Close("server shutting down") //nolint:errcheck // best-effort close on teardown
		h.release(req.Session, id)

		return nil, ErrShuttingDown
	}

	if h.conns[key] == nil {
		h.conns[key] = make(map[string]*conn)
	}
	h.conns[key][id] = c
	h.mu.Unlock()

	metrics.Connections.Inc()
	c.writer.Start()

	h.record(models.AuditAdmitted, req.Session, id, req.InstanceID, map[string]any{
		"remote_addr":   req.RemoteAddr,
		"last_event_id": req.LastEventID,
		"active":        adm.Active,
	})
	log.WithField("active", adm.Active).Info("connection admitted")

	h.catchup(ctx, c, req.LastEventID, log)

	return &Stream{ID: id, Admission: adm, writer: c.writer}, nil
}

func (h *Hub) refresher(session models.SessionKey, id string) func(context.Context) error {
	return func(ctx context.Context) error {
		ok, err := h.reg.Refresh(ctx, session, id)
		if err != nil {
			return err
		}

		if !ok {
			return models.ErrConnectionNotFound
		}

		return nil
	}
}

// evict asks the instance holding ev to close it with a replaced frame.
func (h *Hub) evict(ctx context.Context, session models.SessionKey, ev models.Eviction) {
	metrics.EvictionsTotal.WithLabelValues(string(ev.Reason)).Inc()

	action := models.AuditEvicted
	if ev.Reason == models.ReasonReplaced {
		action = models.AuditReplaced
	}

	h.record(action, session, ev.ConnectionID, ev.InstanceID, map[string]any{"reason": string(ev.Reason)})

	msg := &Message{Kind: KindEvict, Session: session.String(), ConnectionID: ev.ConnectionID, Reason: string(ev.Reason)}
	if err := h.fanout.Publish(ctx, msg); err != nil {
		// The evicted writer notices on its next refresh.
		h.log.WithError(err).WithField("connection_id", ev.ConnectionID).Warn("eviction notice not sent")
	}
}

func (h *Hub) catchup(ctx context.Context, c *conn, after int64, log *logrus.Entry) {
	key := c.session.String()

	events, err := replay.Catchup(ctx, h.store, c.session, after)

	switch {
	case errors.Is(err, models.ErrResyncRequired):
		metrics.ResyncsTotal.Inc()
		log.WithField("last_event_id", after).Info("replay window exceeded, requesting resync")

		err = c.finishCatchup(0, nil, [][]byte{
			wire.ControlFrame(wire.EventResyncRequired, key, "replay window exceeded"),
		})
	case err != nil:
		log.WithError(err).Warn("catch-up failed, closing connection")
		c.writer.CloseGracefully(nil, "catch-up failed")

		return
	default:
		frames := make([]pendingFrame, 0, len(events))

		for i := range events {
			f, ferr := eventFrame(key, &events[i])
			if ferr != nil {
				log.WithError(ferr).WithField("seq", events[i].Sequence).Error("skipping unencodable event")
				continue
			}

			frames = append(frames, pendingFrame{seq: events[i].Sequence, frame: f})
		}

		metrics.ReplayedEvents.Add(float64(len(frames)))
		err = c.finishCatchup(after, frames, nil)
	}

	if err != nil {
		log.WithError(err).Debug("connection closed during catch-up")
	}
}

// backfiller reads missed sequences for a live connection with a hole.
func (h *Hub) backfiller(session models.SessionKey) backfillFunc {
	return func(ctx context.Context, after int64) ([]models.Event, error) {
		return replay.Catchup(ctx, h.store, session, after)
	}
}

// detach runs once per connection after its writer stopped.
func (h *Hub) detach(c *conn, cause error) {
	key := c.session.String()
	c.close()

	h.mu.Lock()
	if m := h.conns[key]; m[c.id] == c {
		delete(m, c.id)

		if len(m) == 0 {
			delete(h.conns, key)
		}

		metrics.Connections.Dec()
	}
	h.mu.Unlock()

	removed := h.release(c.session, c.id)

	action := models.AuditRemoved
	if errors.Is(cause, models.ErrWriteTimeout) {
		action = models.AuditWriteTimeout
	}

	detail := map[string]any{"released": removed}
	if cause != nil {
		detail["cause"] = cause.Error()
	}

	h.record(action, c.session, c.id, c.instance, detail)

	h.log.WithFields(logrus.Fields{
		"session":       key,
		"connection_id": c.id,
		"cause":         cause,
	}).Info("connection closed")
}

// release drops the registry entry. The writer's timers are already stopped.
func (h *Hub) release(session models.SessionKey, id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.AdmissionTimeout)
	defer cancel()

	removed, err := h.reg.Remove(ctx, session, id)
	if err != nil {
		h.log.WithError(err).WithField("connection_id", id).Warn("registry remove failed, entry will expire")
	}

	return removed
}

func (h *Hub) record(action string, session models.SessionKey, connID, instanceID string, detail map[string]any) {
	if h.audit == nil {
		return
	}

	h.audit.Enqueue(&models.AuditEntry{
		UserID:       session.UserID,
		ProjectID:    session.ProjectID,
		Action:       action,
		ConnectionID: connID,
		InstanceID:   instanceID,
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	})
}

// Shutdown sends a shutdown frame to every connection, waits up to the drain
// timeout for them to flush and then closes what is left.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closing = true

	var all []*conn
	for _, m := range h.conns {
		for _, c := range m {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	if len(all) == 0 {
		return
	}

	h.log.WithField("connections", len(all)).Info("draining stream connections")

	for _, c := range all {
		c.writer.CloseGracefully(wire.ControlFrame(wire.EventShutdown, c.session.String(), "server shutting down"), "server shutting down")
	}

	deadline := time.NewTimer(h.opts.DrainTimeout)
	defer deadline.Stop()

	expired := false

	for _, c := range all {
		if !expired {
			select {
			case <-c.writer.Done():
				continue
			case <-deadline.C:
				h.log.Warn("drain timeout, closing remaining connections")

				expired = true
			}
		}

		c.writer.Close("server shutting down")
	}
}

package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/models"
	"github.com/streamgate/streamgate/internal/stream"
	"github.com/streamgate/streamgate/wire"
)

const (
	// gapWait is how long frames that skipped ahead are held before the
	// missing sequences are read back from the replay log.
	gapWait = 250 * time.Millisecond
	// maxGapTries bounds the backfill attempts for one hole. A sequence that
	// is still missing after that was allocated but never appended.
	maxGapTries     = 3
	backfillTimeout = 2 * time.Second
)

type pendingFrame struct {
	seq   int64
	frame []byte
}

// backfillFunc reads the retained events after a sequence, as Catchup does.
type backfillFunc func(ctx context.Context, after int64) ([]models.Event, error)

// conn is a locally held connection. While catching up, live frames are
// parked in pending and merged with the replay batch afterwards.
//
// Durable frames reach the writer in sequence order. Publishes from other
// instances can arrive out of order, so a frame past lastSeq+1 waits in ahead
// until its predecessors arrive or are backfilled.
type conn struct {
	id       string
	instance string
	session  models.SessionKey
	writer   *stream.Writer
	backfill backfillFunc
	gapWait  time.Duration
	log      logrus.FieldLogger

	mu         sync.Mutex
	catchingUp bool
	closed     bool
	pending    []pendingFrame
	lastSeq    int64 // 0 until the first durable frame fixes the position
	ahead      map[int64][]byte
	gapTimer   *time.Timer
	gapGen     int
	gapTries   int
}

// deliver forwards a live frame, dropping durable ones already sent.
func (c *conn) deliver(seq int64, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.catchingUp {
		c.pending = append(c.pending, pendingFrame{seq: seq, frame: frame})

		return nil
	}

	if seq <= 0 {
		return c.writer.Submit(frame)
	}

	c.holdLocked(seq, frame)

	return c.flushLocked(nil)
}

// finishCatchup writes lead, then the replayed and parked durable frames in
// sequence order from base, then the parked ephemeral frames.
func (c *conn) finishCatchup(base int64, replay []pendingFrame, lead [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.catchingUp = false
	pending := c.pending
	c.pending = nil

	if base > c.lastSeq {
		c.lastSeq = base
	}

	for _, p := range replay {
		c.holdLocked(p.seq, p.frame)
	}

	var ephemeral [][]byte

	for _, p := range pending {
		if p.seq > 0 {
			c.holdLocked(p.seq, p.frame)
		} else {
			ephemeral = append(ephemeral, p.frame)
		}
	}

	if err := c.flushLocked(lead); err != nil {
		return err
	}

	for _, f := range ephemeral {
		if err := c.writer.Submit(f); err != nil {
			return err
		}
	}

	return nil
}

func (c *conn) holdLocked(seq int64, frame []byte) {
	if seq <= c.lastSeq {
		return
	}

	if c.ahead == nil {
		c.ahead = make(map[int64][]byte)
	}

	if _, ok := c.ahead[seq]; !ok {
		c.ahead[seq] = frame
	}
}

// flushLocked submits lead plus the held run continuing lastSeq as one batch.
// Whatever stays held behind a hole arms the gap timer.
func (c *conn) flushLocked(lead [][]byte) error {
	if c.lastSeq == 0 && len(c.ahead) > 0 {
		c.lastSeq = lowest(c.ahead) - 1
	}

	batch := lead

	for {
		f, ok := c.ahead[c.lastSeq+1]
		if !ok {
			break
		}

		delete(c.ahead, c.lastSeq+1)
		batch = append(batch, f)
		c.lastSeq++
	}

	if len(c.ahead) == 0 {
		c.stopGapLocked()
		c.gapTries = 0
	} else if c.gapTimer == nil && !c.closed {
		gen := c.gapGen
		c.gapTimer = time.AfterFunc(c.gapWait, func() { c.fillGap(gen) })
	}

	switch len(batch) {
	case 0:
		return nil
	case 1:
		return c.writer.Submit(batch[0])
	default:
		return c.writer.SubmitBatch(batch)
	}
}

// fillGap reads the missing sequences from the replay log. A window that no
// longer reaches the hole turns into a resync; a hole the log never fills is
// skipped after maxGapTries.
func (c *conn) fillGap(gen int) {
	c.mu.Lock()
	if gen != c.gapGen || c.closed {
		c.mu.Unlock()
		return
	}
	after := c.lastSeq
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	events, err := c.backfill(ctx, after)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gapGen || c.closed {
		return
	}

	c.gapTimer = nil
	c.gapGen++

	key := c.session.String()
	log := c.log.WithField("last_seq", c.lastSeq)

	var lead [][]byte

	switch {
	case errors.Is(err, models.ErrResyncRequired):
		metrics.ResyncsTotal.Inc()
		log.Info("replay window no longer covers gap, requesting resync")

		lead = [][]byte{wire.ControlFrame(wire.EventResyncRequired, key, "replay window exceeded")}
		c.lastSeq = 0
		c.gapTries = 0
	case err != nil:
		log.WithError(err).Warn("gap backfill failed")
	default:
		for i := range events {
			if _, ok := c.ahead[events[i].Sequence]; ok || events[i].Sequence <= c.lastSeq {
				continue
			}

			f, ferr := eventFrame(key, &events[i])
			if ferr != nil {
				log.WithError(ferr).WithField("seq", events[i].Sequence).Error("skipping unencodable event")
				continue
			}

			c.holdLocked(events[i].Sequence, f)
		}
	}

	if _, ok := c.ahead[c.lastSeq+1]; !ok && c.lastSeq > 0 && len(c.ahead) > 0 {
		c.gapTries++

		if c.gapTries >= maxGapTries {
			next := lowest(c.ahead)
			log.WithField("next_seq", next).Warn("skipping sequences never appended")

			c.lastSeq = next - 1
			c.gapTries = 0
		}
	}

	if err := c.flushLocked(lead); err != nil {
		log.WithError(err).Debug("connection closed during backfill")
	}
}

func (c *conn) stopGapLocked() {
	if c.gapTimer != nil {
		c.gapTimer.Stop()
		c.gapTimer = nil
	}

	c.gapGen++
}

// close stops backfilling once the writer is gone.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.ahead = nil
	c.stopGapLocked()
}

func lowest(m map[int64][]byte) int64 {
	var lo int64

	for seq := range m {
		if lo == 0 || seq < lo {
			lo = seq
		}
	}

	return lo
}

// eventFrame encodes a retained event for the session key.
func eventFrame(key string, e *models.Event) ([]byte, error) {
	f, err := wire.NewFrame(&wire.Envelope{
		Session: key,
		Type:    e.Type,
		Seq:     e.Sequence,
		Payload: e.Payload,
		TS:      e.Time,
	})
	if err != nil {
		return nil, err
	}

	return f.Encode(), nil
}

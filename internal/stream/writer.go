// Package stream owns the single outbound transport of a connection and
// serializes every producer's frames onto it.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/metrics"
	"github.com/streamgate/streamgate/internal/models"
	"github.com/streamgate/streamgate/wire"
)

// Writer defaults.
const (
	DefaultWriteTimeout      = 2 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultQueueSize         = 256
	tickTimeout              = 5 * time.Second
)

// Teardown causes reported by Err.
var (
	ErrClosed          = errors.New("writer closed")
	ErrSlowConsumer    = errors.New("write queue full")
	ErrTransportClosed = errors.New("transport closed")
	ErrEvicted         = errors.New("connection no longer registered")
)

// Transport is a one-directional frame sink.
type Transport interface {
	// WriteFrame writes one complete encoded frame and flushes it.
	WriteFrame(ctx context.Context, frame []byte) error
	// Close releases the transport. It must unblock a pending WriteFrame.
	Close(reason string) error
	// Done is closed when the peer goes away.
	Done() <-chan struct{}
}

// Options configures a Writer.
type Options struct {
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	QueueSize         int

	// Heartbeat builds the frame submitted on every tick.
	Heartbeat func() []byte
	// OnTick runs after each heartbeat, typically a registry refresh.
	// Returning models.ErrConnectionNotFound tears the writer down.
	OnTick func(ctx context.Context) error
	// OnClose runs once after the transport is closed. It must not call Close.
	OnClose func(w *Writer, cause error)

	Log *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}

	if o.Heartbeat == nil {
		o.Heartbeat = func() []byte { return wire.ControlFrame(wire.EventHeartbeat, "", "") }
	}

	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	return o
}

// batch is one queue item. Its frames are written back to back.
type batch struct {
	frames [][]byte
	final  bool
	reason string
}

// Writer drains a FIFO of frames onto one Transport, one write at a time.
type Writer struct {
	t     Transport
	opts  Options
	queue chan batch

	ctx    context.Context //nolint:containedctx // lifetime of the writer goroutines.
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu       sync.Mutex
	closing  bool
	cause    error
	reason   string
	once     sync.Once
	startOne sync.Once
}

// NewWriter creates a Writer for t. Call Start to begin draining.
func NewWriter(t Transport, opts Options) *Writer {
	ctx, cancel := context.WithCancel(context.Background())

	opts = opts.withDefaults()

	return &Writer{
		t:      t,
		opts:   opts,
		queue:  make(chan batch, opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the drain loop and the heartbeat ticker.
func (w *Writer) Start() {
	w.startOne.Do(func() {
		w.wg.Add(2)

		go w.drain()
		go w.heartbeat()
		go w.reap()
	})
}

// Submit enqueues one frame.
func (w *Writer) Submit(frame []byte) error {
	return w.enqueue(batch{frames: [][]byte{frame}})
}

// SubmitBatch enqueues frames as one unit: nothing submitted concurrently can
// land between them.
func (w *Writer) SubmitBatch(frames [][]byte) error {
	if len(frames) == 0 {
		return nil
	}

	return w.enqueue(batch{frames: frames})
}

// CloseGracefully writes frame, if any, after everything already queued and
// then closes the transport with reason. It does not wait.
func (w *Writer) CloseGracefully(frame []byte, reason string) {
	b := batch{final: true, reason: reason}
	if frame != nil {
		b.frames = [][]byte{frame}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing || w.cause != nil {
		return
	}

	w.closing = true

	select {
	case w.queue <- b:
	default:
		w.finishLocked(ErrClosed, reason)
	}
}

func (w *Writer) enqueue(b batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing || w.cause != nil {
		return ErrClosed
	}

	select {
	case w.queue <- b:
		return nil
	default:
	}

	w.finishLocked(ErrSlowConsumer, "slow consumer")

	return ErrSlowConsumer
}

// Close stops the heartbeat and drain loop, closes the transport and waits for
// OnClose to return. It is safe to call more than once.
func (w *Writer) Close(reason string) {
	w.finish(ErrClosed, reason)
	w.Start()
	<-w.done
}

// Done is closed after the writer has fully torn down.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Err returns the teardown cause, or nil while the writer is running.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.cause
}

func (w *Writer) finish(cause error, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.finishLocked(cause, reason)
}

func (w *Writer) finishLocked(cause error, reason string) {
	if w.cause != nil {
		return
	}

	w.cause = cause
	w.reason = reason
	w.cancel()
}

func (w *Writer) reap() {
	w.wg.Wait()

	w.mu.Lock()
	cause, reason := w.cause, w.reason
	w.mu.Unlock()

	w.once.Do(func() {
		if err := w.t.Close(reason); err != nil {
			w.opts.Log.WithError(err).Debug("closing transport")
		}

		if w.opts.OnClose != nil {
			w.opts.OnClose(w, cause)
		}

		close(w.done)
	})
}

func (w *Writer) drain() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}

		select {
		case <-w.ctx.Done():
			return
		case <-w.t.Done():
			w.finish(ErrTransportClosed, "peer gone")

			return
		case b := <-w.queue:
			for _, f := range b.frames {
				if err := w.write(f); err != nil {
					return
				}
			}

			if b.final {
				w.finish(ErrClosed, b.reason)

				return
			}
		}
	}
}

// write issues one frame and races it against the fuse and the transport
// closing. Writer shutdown cancels the write context; the transport is
// expected to return promptly when it does.
func (w *Writer) write(frame []byte) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.opts.WriteTimeout)
	defer cancel()

	fuse := time.NewTimer(w.opts.WriteTimeout)
	defer fuse.Stop()

	errc := make(chan error, 1)

	go func() { errc <- w.t.WriteFrame(ctx, frame) }()

	select {
	case err := <-errc:
		switch {
		case err == nil:
			return nil
		case w.ctx.Err() != nil:
			return w.ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return w.timedOut()
		}

		w.opts.Log.WithError(err).Debug("write failed")
		w.finish(err, "write failed")

		return err
	case <-fuse.C:
		return w.timedOut()
	case <-w.t.Done():
		w.finish(ErrTransportClosed, "peer gone")

		return ErrTransportClosed
	}
}

func (w *Writer) timedOut() error {
	metrics.WriteTimeouts.Inc()
	w.opts.Log.WithField("timeout", w.opts.WriteTimeout).Warn("write timed out, tearing down connection")
	w.finish(models.ErrWriteTimeout, "write timeout")

	return models.ErrWriteTimeout
}

func (w *Writer) heartbeat() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.Submit(w.opts.Heartbeat()); err != nil {
				return
			}

			if w.opts.OnTick == nil {
				continue
			}

			ctx, cancel := context.WithTimeout(w.ctx, tickTimeout)
			err := w.opts.OnTick(ctx)
			cancel()

			switch {
			case err == nil:
			case errors.Is(err, models.ErrConnectionNotFound):
				w.finish(ErrEvicted, "evicted")

				return
			case w.ctx.Err() != nil:
				return
			default:
				w.opts.Log.WithError(err).Warn("heartbeat refresh failed")
			}
		}
	}
}

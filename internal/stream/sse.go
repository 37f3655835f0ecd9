package stream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// SSETransport writes frames to an HTTP response as text/event-stream.
type SSETransport struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu     sync.Mutex
	closed bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSSETransport sends the stream headers and returns a transport bound to
// the request's lifetime. retry is advertised to the client when positive.
func NewSSETransport(ctx context.Context, w http.ResponseWriter, retry time.Duration) (*SSETransport, error) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	t := &SSETransport{
		w:    w,
		rc:   http.NewResponseController(w),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-t.stop:
		}

		close(t.done)
	}()

	if retry > 0 {
		if _, err := w.Write([]byte("retry: " + strconv.FormatInt(retry.Milliseconds(), 10) + "\n\n")); err != nil {
			return nil, err
		}
	}

	if err := t.rc.Flush(); err != nil {
		return nil, err
	}

	return t, nil
}

// WriteFrame writes and flushes one frame, honoring the context deadline.
func (t *SSETransport) WriteFrame(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}

	if _, err := t.w.Write(frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	if err := t.rc.Flush(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return err
	}

	return nil
}

// Close unblocks any pending write and marks the transport closed. The HTTP
// handler owning the response returns once the writer is done.
func (t *SSETransport) Close(string) error {
	t.closeOnce.Do(func() {
		// Past deadline fails the in-flight write instead of waiting on it.
		_ = t.rc.SetWriteDeadline(time.Now())

		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		close(t.stop)
	})

	return nil
}

// Done is closed when the request ends or Close is called.
func (t *SSETransport) Done() <-chan struct{} { return t.done }

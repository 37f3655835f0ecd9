package stream

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// maxCloseReason is the largest close reason a control frame can carry.
const maxCloseReason = 123

// WSTransport sends each frame as one text message. Frames keep their
// event-stream encoding so clients share a single decoder.
type WSTransport struct {
	conn      *websocket.Conn
	ctx       context.Context //nolint:containedctx // canceled when the peer closes.
	closeOnce sync.Once
}

// NewWSTransport wraps an accepted connection. Inbound data messages are not
// part of the protocol; the read side only watches for the peer closing.
func NewWSTransport(ctx context.Context, conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn, ctx: conn.CloseRead(ctx)}
}

// WriteFrame sends one frame.
func (t *WSTransport) WriteFrame(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

// Close sends a close frame carrying reason.
func (t *WSTransport) Close(reason string) error {
	var err error

	t.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}

		status := websocket.StatusNormalClosure
		if reason == "write timeout" || reason == "slow consumer" {
			status = websocket.StatusTryAgainLater
		}

		err = t.conn.Close(status, reason)
		if err != nil {
			t.conn.CloseNow() //nolint:errcheck // best-effort close on teardown
		}
	})

	return err
}

// Done is closed when the peer disconnects.
func (t *WSTransport) Done() <-chan struct{} { return t.ctx.Done() }

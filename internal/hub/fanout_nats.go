package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// DefaultNatsSubject is the core NATS subject shared by all instances.
const DefaultNatsSubject = "streamgate.fanout"

// NatsFanout relays messages over a core NATS subject.
type NatsFanout struct {
	nc      *nats.Conn
	subject string
	log     *logrus.Logger
}

// DialNats connects to the comma-separated servers in url.
func DialNats(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return nc, nil
}

// NewNatsFanout creates a NatsFanout on subject.
func NewNatsFanout(nc *nats.Conn, subject string, log *logrus.Logger) *NatsFanout {
	if subject == "" {
		subject = DefaultNatsSubject
	}

	return &NatsFanout{nc: nc, subject: subject, log: log}
}

// Publish sends msg on the subject.
func (f *NatsFanout) Publish(_ context.Context, msg *Message) error {
	data, err := msg.marshal()
	if err != nil {
		return err
	}

	if err := f.nc.Publish(f.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}

	return nil
}

// Subscribe registers deliver and flushes so the interest is live on return.
func (f *NatsFanout) Subscribe(ctx context.Context, deliver func(*Message)) error {
	sub, err := f.nc.Subscribe(f.subject, func(m *nats.Msg) {
		msg, err := unmarshalMessage(m.Data)
		if err != nil {
			f.log.WithError(err).Warn("dropping malformed fanout message")
			return
		}

		deliver(msg)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := f.nc.FlushWithContext(ctx); err != nil {
		sub.Unsubscribe() //nolint:errcheck // subscription never became live.

		return fmt.Errorf("nats flush: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe() //nolint:errcheck // best-effort on shutdown
	}()

	return nil
}

// Close drains the connection.
func (f *NatsFanout) Close() error {
	if err := f.nc.Drain(); err != nil {
		return fmt.Errorf("draining nats: %w", err)
	}

	return nil
}

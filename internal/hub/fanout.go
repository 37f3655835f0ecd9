package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind distinguishes fanout messages.
type Kind string

// Fanout message kinds.
const (
	KindEvent Kind = "event" // deliver Frame to every local connection of Session
	KindEvict Kind = "evict" // gracefully close ConnectionID
)

// Message travels between server instances.
type Message struct {
	Kind         Kind   `json:"kind"`
	Session      string `json:"session"`
	Seq          int64  `json:"seq,omitempty"`
	Frame        []byte `json:"frame,omitempty"`
	ConnectionID string `json:"conn,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (m *Message) marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding fanout message: %w", err)
	}

	return data, nil
}

func unmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding fanout message: %w", err)
	}

	return &m, nil
}

// Fanout carries messages to whichever instance holds the target connection.
type Fanout interface {
	// Publish sends msg to every subscribed instance, including this one.
	Publish(ctx context.Context, msg *Message) error
	// Subscribe registers deliver. It returns once the subscription is live;
	// delivery stops when ctx is done.
	Subscribe(ctx context.Context, deliver func(*Message)) error
	Close() error
}

// LocalFanout delivers in-process. It serves single-instance deployments and tests.
type LocalFanout struct {
	mu       sync.RWMutex
	handlers map[int]func(*Message)
	next     int
}

// NewLocalFanout creates a LocalFanout.
func NewLocalFanout() *LocalFanout {
	return &LocalFanout{handlers: make(map[int]func(*Message))}
}

// Publish calls every handler synchronously.
func (f *LocalFanout) Publish(_ context.Context, msg *Message) error {
	f.mu.RLock()
	handlers := make([]func(*Message), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}

	return nil
}

// Subscribe registers deliver until ctx is done.
func (f *LocalFanout) Subscribe(ctx context.Context, deliver func(*Message)) error {
	f.mu.Lock()
	id := f.next
	f.next++
	f.handlers[id] = deliver
	f.mu.Unlock()

	go func() {
		<-ctx.Done()

		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}()

	return nil
}

// Close drops every handler.
func (f *LocalFanout) Close() error {
	f.mu.Lock()
	f.handlers = make(map[int]func(*Message))
	f.mu.Unlock()

	return nil
}

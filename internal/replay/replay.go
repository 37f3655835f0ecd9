// Package replay allocates per-session sequence numbers and keeps the bounded
// window of durable events used to catch up reconnecting clients.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/streamgate/streamgate/internal/models"
)

// Defaults for the replay window.
const (
	DefaultMaxLen = 1000
	DefaultTTL    = 1 * time.Hour
)

// Store combines the sequence allocator and the replay log of a session.
type Store interface {
	// NextSequence atomically allocates the next sequence number, starting at 1.
	NextSequence(ctx context.Context, session models.SessionKey) (int64, error)
	// LastSequence returns the last allocated sequence, or 0 when none is live.
	LastSequence(ctx context.Context, session models.SessionKey) (int64, error)
	// Append adds a durable event to the window, trimming by length.
	Append(ctx context.Context, session models.SessionKey, evt *models.Event) error
	// GetSince returns retained events with sequence > after, ascending.
	GetSince(ctx context.Context, session models.SessionKey, after int64) ([]models.Event, error)
	// OldestSequence returns the lowest retained sequence, or 0 when the
	// window is empty.
	OldestSequence(ctx context.Context, session models.SessionKey) (int64, error)
}

// Catchup returns the events a client positioned at after has missed.
//
// A client at position 0 has seen nothing and gets nothing: it starts from a
// fresh snapshot. ErrResyncRequired is returned when the window no longer
// reaches back to after+1, or when the client is ahead of the server's
// counter (the session expired and restarted).
//
// The result may stop short of LastSequence or skip a sequence: a publish
// allocates before it appends, so an event can be in flight. Its live frame
// covers it.
func Catchup(ctx context.Context, store Store, session models.SessionKey, after int64) ([]models.Event, error) {
	if after <= 0 {
		return nil, nil
	}

	last, err := store.LastSequence(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("reading last sequence: %w", err)
	}

	if after > last {
		return nil, models.ErrResyncRequired
	}

	if after == last {
		return nil, nil
	}

	events, err := store.GetSince(ctx, session, after)
	if err != nil {
		return nil, fmt.Errorf("reading replay window: %w", err)
	}

	// Read after the events: the head only moves forward, so a head at or
	// below after+1 now was there when events were read.
	oldest, err := store.OldestSequence(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("reading window head: %w", err)
	}

	if oldest == 0 || oldest > after+1 {
		return nil, models.ErrResyncRequired
	}

	return events, nil
}

// trimExpired drops the prefix of events older than maxAge.
func trimExpired(events []models.Event, maxAge time.Duration, now time.Time) []models.Event {
	cutoff := now.Add(-maxAge)

	start := 0
	for start < len(events) && events[start].Time.Before(cutoff) {
		start++
	}

	return events[start:]
}

// Package events provides the persistent, channel-routed event stream that
// connects producers (the orchestrator, mutations) to live subscribers.
package events

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the broker's unit of record. The pair (Timestamp, Sequence) is the
// cursor and is strictly increasing per channel.
type Event struct {
	ID        string         `json:"id"`
	Channel   string         `json:"channel"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // millisecond epoch
	Sequence  int64          `json:"sequence"`  // per-channel monotonic
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Cursor returns the event's position in its channel.
func (e *Event) Cursor() Cursor {
	return Cursor{Timestamp: e.Timestamp, Sequence: e.Sequence}
}

// NewEvent creates an event with a fresh ID and creation time. Timestamp and
// Sequence are assigned by the broker on publish.
func NewEvent(channel, eventType string, payload map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Channel:   channel,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Cursor identifies a position in a channel. The zero Cursor precedes every
// published event.
type Cursor struct {
	Timestamp int64 `json:"timestamp"`
	Sequence  int64 `json:"sequence"`
}

// Before reports whether c is strictly before other in (timestamp, sequence)
// lexicographic order.
func (c Cursor) Before(other Cursor) bool {
	if c.Timestamp != other.Timestamp {
		return c.Timestamp < other.Timestamp
	}
	return c.Sequence < other.Sequence
}

// IsZero reports whether the cursor is unset.
func (c Cursor) IsZero() bool {
	return c.Timestamp == 0 && c.Sequence == 0
}

// String encodes the cursor as "timestamp:sequence".
func (c Cursor) String() string {
	return strconv.FormatInt(c.Timestamp, 10) + ":" + strconv.FormatInt(c.Sequence, 10)
}

// ParseCursor decodes a cursor produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	ts, seq, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}, fmt.Errorf("invalid cursor: %q", s)
	}
	t, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp: %q", s)
	}
	q, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor sequence: %q", s)
	}
	return Cursor{Timestamp: t, Sequence: q}, nil
}

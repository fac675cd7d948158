package events

import "context"

// Repository persists events per channel in cursor order.
type Repository interface {
	// Append stores one event. The event's channel, timestamp and sequence
	// must already be assigned.
	Append(ctx context.Context, event *Event) error

	// ListAfter returns up to limit events on channel strictly after the
	// cursor, in cursor order. A zero cursor returns from the beginning.
	ListAfter(ctx context.Context, channel string, after Cursor, limit int) ([]*Event, error)

	// ListLast returns the most recent n events on channel, in cursor order.
	ListLast(ctx context.Context, channel string, n int) ([]*Event, error)

	// LastCursor returns the cursor of the newest event on channel, or a
	// zero cursor when the channel has no persisted events.
	LastCursor(ctx context.Context, channel string) (Cursor, error)

	// Count returns the number of persisted events on channel.
	Count(ctx context.Context, channel string) (int64, error)

	// Bounds returns the ids of the oldest and newest events on channel.
	// Empty strings when the channel has no persisted events.
	Bounds(ctx context.Context, channel string) (firstID, lastID string, err error)

	// DeleteAllButLast removes all but the newest keepLast events on channel
	// and returns the number deleted.
	DeleteAllButLast(ctx context.Context, channel string, keepLast int) (int64, error)

	// Channels returns the distinct channel names with persisted events.
	Channels(ctx context.Context) ([]string, error)
}

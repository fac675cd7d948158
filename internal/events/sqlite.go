package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SQLiteRepository stores events in the shared SQLite database.
type SQLiteRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLiteRepository creates the repository and initializes its schema.
func NewSQLiteRepository(writer, reader *sqlx.DB) (*SQLiteRepository, error) {
	repo := &SQLiteRepository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return repo, nil
}

func (r *SQLiteRepository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		sequence INTEGER NOT NULL,
		payload TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_channel_cursor ON events(channel, timestamp, sequence);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_channel_sequence ON events(channel, sequence);
	`)
	return err
}

// Append stores one event.
func (r *SQLiteRepository) Append(ctx context.Context, event *Event) error {
	payloadJSON := "{}"
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to serialize event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, channel, type, timestamp, sequence, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Channel, event.Type, event.Timestamp, event.Sequence, payloadJSON, event.CreatedAt)
	return err
}

// ListAfter returns up to limit events strictly after the cursor.
func (r *SQLiteRepository) ListAfter(ctx context.Context, channel string, after Cursor, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, channel, type, timestamp, sequence, payload, created_at
		FROM events
		WHERE channel = ? AND (timestamp > ? OR (timestamp = ? AND sequence > ?))
		ORDER BY timestamp ASC, sequence ASC
		LIMIT ?
	`, channel, after.Timestamp, after.Timestamp, after.Sequence, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// ListLast returns the most recent n events in cursor order.
func (r *SQLiteRepository) ListLast(ctx context.Context, channel string, n int) ([]*Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, channel, type, timestamp, sequence, payload, created_at FROM (
			SELECT id, channel, type, timestamp, sequence, payload, created_at
			FROM events WHERE channel = ?
			ORDER BY timestamp DESC, sequence DESC
			LIMIT ?
		) ORDER BY timestamp ASC, sequence ASC
	`, channel, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// LastCursor returns the cursor of the newest event on channel.
func (r *SQLiteRepository) LastCursor(ctx context.Context, channel string) (Cursor, error) {
	var cur Cursor
	err := r.ro.QueryRowContext(ctx, `
		SELECT timestamp, sequence FROM events
		WHERE channel = ? ORDER BY timestamp DESC, sequence DESC LIMIT 1
	`, channel).Scan(&cur.Timestamp, &cur.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, err
	}
	return cur, nil
}

// Count returns the number of persisted events on channel.
func (r *SQLiteRepository) Count(ctx context.Context, channel string) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE channel = ?`, channel).Scan(&count)
	return count, err
}

// Bounds returns the ids of the oldest and newest events on channel.
func (r *SQLiteRepository) Bounds(ctx context.Context, channel string) (string, string, error) {
	var firstID, lastID string
	err := r.ro.QueryRowContext(ctx, `
		SELECT id FROM events WHERE channel = ? ORDER BY timestamp ASC, sequence ASC LIMIT 1
	`, channel).Scan(&firstID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	err = r.ro.QueryRowContext(ctx, `
		SELECT id FROM events WHERE channel = ? ORDER BY timestamp DESC, sequence DESC LIMIT 1
	`, channel).Scan(&lastID)
	if err != nil {
		return "", "", err
	}
	return firstID, lastID, nil
}

// DeleteAllButLast removes all but the newest keepLast events on channel.
func (r *SQLiteRepository) DeleteAllButLast(ctx context.Context, channel string, keepLast int) (int64, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM events WHERE channel = ? AND id NOT IN (
			SELECT id FROM events WHERE channel = ?
			ORDER BY timestamp DESC, sequence DESC LIMIT ?
		)
	`, channel, channel, keepLast)
	if err != nil {
		return 0, err
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// Channels returns the distinct channel names with persisted events.
func (r *SQLiteRepository) Channels(ctx context.Context) ([]string, error) {
	rows, err := r.ro.QueryContext(ctx, `SELECT DISTINCT channel FROM events ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		event := &Event{}
		var payloadJSON string
		if err := rows.Scan(&event.ID, &event.Channel, &event.Type, &event.Timestamp,
			&event.Sequence, &payloadJSON, &event.CreatedAt); err != nil {
			return nil, err
		}
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to deserialize event payload: %w", err)
			}
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

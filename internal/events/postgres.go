package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// PostgresRepository archives events in PostgreSQL. Used instead of the
// SQLite repository when several quilld instances share one event log.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates the repository and initializes its schema.
func NewPostgresRepository(db *sqlx.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		sequence BIGINT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_channel_cursor ON events(channel, timestamp, sequence);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_channel_sequence ON events(channel, sequence);
	`)
	return err
}

// Append stores one event.
func (r *PostgresRepository) Append(ctx context.Context, event *Event) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.Channel, event.Type, event.Timestamp, event.Sequence, payloadJSON, event.CreatedAt)
	return err
}

// ListAfter returns up to limit events strictly after the cursor.
func (r *PostgresRepository) ListAfter(ctx context.Context, channel string, after Cursor, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel, type, timestamp, sequence, payload, created_at
		FROM events
		WHERE channel = $1 AND (timestamp > $2 OR (timestamp = $2 AND sequence > $3))
		ORDER BY timestamp ASC, sequence ASC
		LIMIT $4
	`, channel, after.Timestamp, after.Sequence, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPostgresEvents(rows)
}

// ListLast returns the most recent n events in cursor order.
func (r *PostgresRepository) ListLast(ctx context.Context, channel string, n int) ([]*Event, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel, type, timestamp, sequence, payload, created_at FROM (
			SELECT id, channel, type, timestamp, sequence, payload, created_at
			FROM events WHERE channel = $1
			ORDER BY timestamp DESC, sequence DESC
			LIMIT $2
		) recent ORDER BY timestamp ASC, sequence ASC
	`, channel, n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPostgresEvents(rows)
}

// LastCursor returns the cursor of the newest event on channel.
func (r *PostgresRepository) LastCursor(ctx context.Context, channel string) (Cursor, error) {
	var cur Cursor
	err := r.db.QueryRowContext(ctx, `
		SELECT timestamp, sequence FROM events
		WHERE channel = $1 ORDER BY timestamp DESC, sequence DESC LIMIT 1
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
func (r *PostgresRepository) Count(ctx context.Context, channel string) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE channel = $1`, channel).Scan(&count)
	return count, err
}

// Bounds returns the ids of the oldest and newest events on channel.
func (r *PostgresRepository) Bounds(ctx context.Context, channel string) (string, string, error) {
	var firstID, lastID string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM events WHERE channel = $1 ORDER BY timestamp ASC, sequence ASC LIMIT 1
	`, channel).Scan(&firstID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	err = r.db.QueryRowContext(ctx, `
		SELECT id FROM events WHERE channel = $1 ORDER BY timestamp DESC, sequence DESC LIMIT 1
	`, channel).Scan(&lastID)
	if err != nil {
		return "", "", err
	}
	return firstID, lastID, nil
}

// DeleteAllButLast removes all but the newest keepLast events on channel.
func (r *PostgresRepository) DeleteAllButLast(ctx context.Context, channel string, keepLast int) (int64, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM events WHERE channel = $1 AND id NOT IN (
			SELECT id FROM events WHERE channel = $1
			ORDER BY timestamp DESC, sequence DESC LIMIT $2
		)
	`, channel, keepLast)
	if err != nil {
		return 0, err
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// Channels returns the distinct channel names with persisted events.
func (r *PostgresRepository) Channels(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT channel FROM events ORDER BY channel`)
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

func scanPostgresEvents(rows *sql.Rows) ([]*Event, error) {
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

package events

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/db"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "events.db")

	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
	})

	repo, err := NewSQLiteRepository(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)

	broker := NewBroker(repo, newTestLogger(t), opts...)
	t.Cleanup(broker.Close)
	return broker
}

func collect(t *testing.T, sub *Subscription, n int) []*Event {
	t.Helper()
	var got []*Event
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case event, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription closed after %d events, wanted %d", len(got), n)
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("timed out after %d events, wanted %d", len(got), n)
		}
	}
	return got
}

func TestBroker_CursorMonotonicity(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	var prev Cursor
	for i := 0; i < 200; i++ {
		event, err := broker.Publish(ctx, "sessions", "session-created", map[string]any{"i": i})
		require.NoError(t, err)
		require.True(t, prev.Before(event.Cursor()),
			"cursor %s must be after %s", event.Cursor(), prev)
		prev = event.Cursor()
	}
}

func TestBroker_LiveDeliveryInOrder(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "sessions", nil)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		_, err := broker.Publish(ctx, "sessions", "session-created", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	got := collect(t, sub, 10)
	for i, event := range got {
		require.Equal(t, float64(i), event.Payload["i"])
	}
}

func TestBroker_ReplayCompleteness(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	var cursors []Cursor
	for i := 0; i < 200; i++ {
		event, err := broker.Publish(ctx, "sessions", "session-created", map[string]any{"i": float64(i)})
		require.NoError(t, err)
		cursors = append(cursors, event.Cursor())
	}

	// Subscribe from event #100: expect exactly #101..#200, then live events.
	from := cursors[99]
	sub, err := broker.Subscribe(ctx, "sessions", &from)
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 100)
	for i, event := range got {
		require.Equal(t, float64(100+i), event.Payload["i"])
	}

	// Continues with new publishes.
	_, err = broker.Publish(ctx, "sessions", "session-created", map[string]any{"i": float64(200)})
	require.NoError(t, err)
	tail := collect(t, sub, 1)
	require.Equal(t, float64(200), tail[0].Payload["i"])
}

func TestBroker_ReplayLiveHandoffNoDuplicates(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	first, err := broker.Publish(ctx, "sessions", "session-created", map[string]any{"i": float64(0)})
	require.NoError(t, err)

	from := Cursor{} // from the beginning
	sub, err := broker.Subscribe(ctx, "sessions", &from)
	require.NoError(t, err)
	defer sub.Close()

	// Publish while replay may be in flight.
	for i := 1; i <= 20; i++ {
		_, err := broker.Publish(ctx, "sessions", "session-created", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	got := collect(t, sub, 21)
	seen := map[float64]bool{}
	prev := Cursor{}
	for _, event := range got {
		i := event.Payload["i"].(float64)
		require.False(t, seen[i], "duplicate event %v", i)
		seen[i] = true
		require.True(t, prev.Before(event.Cursor()))
		prev = event.Cursor()
	}
	require.Equal(t, first.Payload["i"], got[0].Payload["i"])
}

func TestBroker_SubscribeWithHistory(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := broker.Publish(ctx, "bash:all", "bash-output", map[string]any{"i": float64(i)})
		require.NoError(t, err)
	}

	sub, err := broker.SubscribeWithHistory(ctx, "bash:all", 3)
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 3)
	require.Equal(t, float64(7), got[0].Payload["i"])
	require.Equal(t, float64(9), got[2].Payload["i"])
}

func TestBroker_SlowSubscriberDropped(t *testing.T) {
	broker := newTestBroker(t, WithSubscriberBuffer(5))
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "sessions", nil)
	require.NoError(t, err)

	// Nobody reads sub.C(); pump moves one event into the unbuffered out
	// channel, the rest queue in the live buffer until it overflows.
	for i := 0; i < 20; i++ {
		_, err := broker.Publish(ctx, "sessions", "session-created", nil)
		require.NoError(t, err)
	}

	// The subscription terminates: draining C() must reach a closed channel.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}
}

func TestBroker_ChannelIsolation(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	sub, err := broker.Subscribe(ctx, "session:a", nil)
	require.NoError(t, err)
	defer sub.Close()

	_, err = broker.Publish(ctx, "session:b", "session-updated", nil)
	require.NoError(t, err)
	_, err = broker.Publish(ctx, "session:a", "session-updated", map[string]any{"want": true})
	require.NoError(t, err)

	got := collect(t, sub, 1)
	require.Equal(t, true, got[0].Payload["want"])
}

func TestBroker_InfoAndCleanup(t *testing.T) {
	broker := newTestBroker(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := broker.Publish(ctx, "config:updates", "config-updated", nil)
		require.NoError(t, err)
	}

	info, err := broker.Info(ctx, "config:updates")
	require.NoError(t, err)
	require.Equal(t, int64(25), info.PersistedCount)
	require.NotEmpty(t, info.FirstEventID)
	require.NotEmpty(t, info.LastEventID)
	require.NotEqual(t, info.FirstEventID, info.LastEventID)

	deleted, err := broker.CleanupChannel(ctx, "config:updates", 10)
	require.NoError(t, err)
	require.Equal(t, int64(15), deleted)

	info, err = broker.Info(ctx, "config:updates")
	require.NoError(t, err)
	require.Equal(t, int64(10), info.PersistedCount)
}

func TestParseCursor(t *testing.T) {
	cur := Cursor{Timestamp: 1700000000123, Sequence: 42}
	parsed, err := ParseCursor(cur.String())
	require.NoError(t, err)
	require.Equal(t, cur, parsed)

	for _, bad := range []string{"", "abc", "1:", ":2", "1:2:3"} {
		_, err := ParseCursor(bad)
		require.Error(t, err, fmt.Sprintf("expected error for %q", bad))
	}
}

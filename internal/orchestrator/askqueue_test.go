package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/events"
)

func TestAskQueueAnswerResolves(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewAskQueue(pub)
	ctx := context.Background()

	answered := make(chan string, 1)
	go func() {
		answer, err := q.Ask(ctx, "s1", "Proceed?", []string{"yes", "no"})
		if err == nil {
			answered <- answer
		}
	}()

	var askID string
	require.Eventually(t, func() bool {
		pending := q.Pending("s1")
		if len(pending) != 1 {
			return false
		}
		askID = pending[0]["askId"].(string)
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, q.Answer(ctx, "s1", askID, "yes"))
	select {
	case answer := <-answered:
		require.Equal(t, "yes", answer)
	case <-time.After(5 * time.Second):
		t.Fatal("ask never resolved")
	}

	require.Empty(t, q.Pending("s1"))
	require.NotEmpty(t, pub.byType(events.TypeAskCreated))
	require.NotEmpty(t, pub.byType(events.TypeAskAnswered))
}

func TestAskQueueAnswerUnknown(t *testing.T) {
	q := NewAskQueue(nil)
	require.False(t, q.Answer(context.Background(), "s1", "missing", "x"))
}

func TestAskQueueClearSessionDismisses(t *testing.T) {
	q := NewAskQueue(nil)
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := q.Ask(ctx, "s1", "Still there?", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return len(q.Pending("s1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	q.ClearSession("s1")
	select {
	case err := <-errs:
		require.Error(t, err)
		require.Contains(t, err.Error(), "dismissed")
	case <-time.After(5 * time.Second):
		t.Fatal("ask never failed")
	}
}

func TestAskQueueContextCancel(t *testing.T) {
	q := NewAskQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		_, err := q.Ask(ctx, "s1", "Question", nil)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return len(q.Pending("s1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errs:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ask never cancelled")
	}
	require.Empty(t, q.Pending("s1"))
}

func TestStatusManagerPriority(t *testing.T) {
	pub := &recordingPublisher{}
	ctx := context.Background()
	m := newStatusManager(ctx, pub, "s1")

	m.SetTool(ctx, "Running ls")
	m.SetTodo(ctx, "Fixing the parser")
	m.SetTodo(ctx, "")
	m.Close(ctx)

	statuses := pub.byType(events.TypeSessionStatus)
	require.GreaterOrEqual(t, len(statuses), 5)
	require.Equal(t, defaultStatus, statuses[0].Payload["status"])
	require.Equal(t, "Running ls", statuses[1].Payload["status"])
	require.Equal(t, "Fixing the parser", statuses[2].Payload["status"])
	require.Equal(t, "Running ls", statuses[3].Payload["status"])

	final := statuses[len(statuses)-1]
	require.Equal(t, "", final.Payload["status"])
	require.Equal(t, false, final.Payload["active"])
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/quillhq/quill/internal/events"
)

// defaultStatus is shown when nothing more specific is happening.
const defaultStatus = "Thinking…"

// StatusManager publishes a consolidated "what is the session doing" line on
// the session channel while a stream is active. Priority: in-progress todo,
// then current tool label, then the default. A ticker republishes the
// running duration every second.
type StatusManager struct {
	publisher Publisher
	sessionID string
	startedAt time.Time

	mu    sync.Mutex
	todo  string
	tool  string
	done  chan struct{}
	close sync.Once
}

// newStatusManager starts the status loop for one stream.
func newStatusManager(ctx context.Context, pub Publisher, sessionID string) *StatusManager {
	m := &StatusManager{
		publisher: pub,
		sessionID: sessionID,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	m.publish(ctx)
	go m.tick()
	return m
}

// SetTool records the running tool's label; empty clears it.
func (m *StatusManager) SetTool(ctx context.Context, label string) {
	m.mu.Lock()
	m.tool = label
	m.mu.Unlock()
	m.publish(ctx)
}

// SetTodo records the in-progress todo's active form; empty clears it.
func (m *StatusManager) SetTodo(ctx context.Context, activeForm string) {
	m.mu.Lock()
	m.todo = activeForm
	m.mu.Unlock()
	m.publish(ctx)
}

// Close stops the ticker and publishes a final idle status.
func (m *StatusManager) Close(ctx context.Context) {
	m.close.Do(func() {
		close(m.done)
		if m.publisher != nil {
			_, _ = m.publisher.Publish(ctx, events.ChannelSession(m.sessionID), events.TypeSessionStatus, map[string]any{
				"sessionId": m.sessionID,
				"status":    "",
				"active":    false,
			})
		}
	})
}

func (m *StatusManager) tick() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.publish(context.Background())
		}
	}
}

func (m *StatusManager) publish(ctx context.Context) {
	if m.publisher == nil {
		return
	}
	m.mu.Lock()
	status := defaultStatus
	if m.tool != "" {
		status = m.tool
	}
	if m.todo != "" {
		status = m.todo
	}
	m.mu.Unlock()

	_, _ = m.publisher.Publish(ctx, events.ChannelSession(m.sessionID), events.TypeSessionStatus, map[string]any{
		"sessionId": m.sessionID,
		"status":    status,
		"active":    true,
		"duration":  int64(time.Since(m.startedAt) / time.Millisecond),
	})
}

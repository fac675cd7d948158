package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/events"
)

// pendingAsk is one question waiting for the user.
type pendingAsk struct {
	id       string
	question string
	answer   chan string
}

// AskQueue routes ask-tool questions to the user and answers back. Asks are
// in-memory only; deleting or compacting a session fails its outstanding
// asks.
type AskQueue struct {
	publisher Publisher

	mu       sync.Mutex
	bySessID map[string]map[string]*pendingAsk
}

// NewAskQueue creates the queue.
func NewAskQueue(pub Publisher) *AskQueue {
	return &AskQueue{publisher: pub, bySessID: make(map[string]map[string]*pendingAsk)}
}

// Ask publishes the question on the session channel and blocks until Answer
// resolves it, the session clears, or ctx is done.
func (q *AskQueue) Ask(ctx context.Context, sessionID, question string, options []string) (string, error) {
	ask := &pendingAsk{
		id:       uuid.New().String(),
		question: question,
		answer:   make(chan string, 1),
	}

	q.mu.Lock()
	if q.bySessID[sessionID] == nil {
		q.bySessID[sessionID] = make(map[string]*pendingAsk)
	}
	q.bySessID[sessionID][ask.id] = ask
	q.mu.Unlock()

	if q.publisher != nil {
		_, _ = q.publisher.Publish(ctx, events.ChannelSession(sessionID), events.TypeAskCreated, map[string]any{
			"askId":    ask.id,
			"question": question,
			"options":  options,
		})
	}

	defer func() {
		q.mu.Lock()
		if asks, ok := q.bySessID[sessionID]; ok {
			delete(asks, ask.id)
			if len(asks) == 0 {
				delete(q.bySessID, sessionID)
			}
		}
		q.mu.Unlock()
	}()

	select {
	case answer, ok := <-ask.answer:
		if !ok {
			return "", fmt.Errorf("question was dismissed")
		}
		return answer, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Answer resolves one pending ask. Returns false when the ask is unknown.
func (q *AskQueue) Answer(ctx context.Context, sessionID, askID, answer string) bool {
	q.mu.Lock()
	asks := q.bySessID[sessionID]
	ask, ok := asks[askID]
	if ok {
		delete(asks, askID)
		if len(asks) == 0 {
			delete(q.bySessID, sessionID)
		}
	}
	q.mu.Unlock()
	if !ok {
		return false
	}

	ask.answer <- answer
	if q.publisher != nil {
		_, _ = q.publisher.Publish(ctx, events.ChannelSession(sessionID), events.TypeAskAnswered, map[string]any{
			"askId": askID,
		})
	}
	return true
}

// Pending lists outstanding asks for a session.
func (q *AskQueue) Pending(sessionID string) []map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]map[string]any, 0, len(q.bySessID[sessionID]))
	for _, ask := range q.bySessID[sessionID] {
		out = append(out, map[string]any{"askId": ask.id, "question": ask.question})
	}
	return out
}

// ClearSession fails all outstanding asks for a session.
func (q *AskQueue) ClearSession(sessionID string) {
	q.mu.Lock()
	asks := q.bySessID[sessionID]
	delete(q.bySessID, sessionID)
	q.mu.Unlock()
	for _, ask := range asks {
		close(ask.answer)
	}
}

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/session/models"
	"github.com/quillhq/quill/internal/session/repository"
)

// Publisher is the slice of the event broker the tools need.
type Publisher interface {
	Publish(ctx context.Context, channel, eventType string, payload map[string]any) (*events.Event, error)
}

// TodoTool replaces the session's entire todo list atomically. The same
// write path backs the todo.update mutation.
type TodoTool struct {
	store     repository.Store
	publisher Publisher
}

// NewTodoTool creates the tool.
func NewTodoTool(store repository.Store, pub Publisher) *TodoTool {
	return &TodoTool{store: store, publisher: pub}
}

func (t *TodoTool) Name() string { return "todo" }

func (t *TodoTool) Description() string {
	return "Replace the session todo list. Pass the complete list every time; omitted items are removed. Keep exactly one item in_progress while working."
}

func (t *TodoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":         map[string]any{"type": "integer", "description": "Existing todo id; omit for new items"},
						"content":    map[string]any{"type": "string"},
						"activeForm": map[string]any{"type": "string", "description": "Present-tense label shown while in progress"},
						"status":     map[string]any{"type": "string", "enum": []any{"pending", "in_progress", "completed"}},
					},
					"required": []any{"content", "status"},
				},
			},
		},
		"required": []any{"todos"},
	}
}

func (t *TodoTool) Label(map[string]any) string { return "Updating todos" }

func (t *TodoTool) Execute(ctx context.Context, sessionID string, input map[string]any) (string, error) {
	todos, err := t.Replace(ctx, sessionID, input)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("todo list updated (%d items)", len(todos)), nil
}

// Replace parses the payload, allocates ids for new items, swaps the list,
// and publishes the updated snapshot on the session channel.
func (t *TodoTool) Replace(ctx context.Context, sessionID string, input map[string]any) ([]*models.Todo, error) {
	rawList, ok := input["todos"].([]any)
	if !ok {
		return nil, fmt.Errorf("todos must be an array")
	}

	todos := make([]*models.Todo, 0, len(rawList))
	missing := 0
	for _, raw := range rawList {
		item, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("todo items must be objects")
		}
		todo := &models.Todo{
			SessionID:  sessionID,
			Content:    stringInput(item, "content"),
			ActiveForm: stringInput(item, "activeForm"),
			Status:     models.TodoStatus(stringInput(item, "status")),
			CreatedAt:  time.Now().UTC(),
		}
		if todo.Content == "" {
			return nil, fmt.Errorf("todo content is required")
		}
		switch todo.Status {
		case models.TodoPending, models.TodoInProgress, models.TodoCompleted:
		default:
			return nil, fmt.Errorf("invalid todo status %q", todo.Status)
		}
		if id, ok := item["id"].(float64); ok && id > 0 {
			todo.ID = int64(id)
		} else {
			missing++
		}
		todos = append(todos, todo)
	}

	if missing > 0 {
		first, err := t.store.AllocateTodoIDs(ctx, sessionID, missing)
		if err != nil {
			return nil, err
		}
		next := first
		for _, todo := range todos {
			if todo.ID == 0 {
				todo.ID = next
				next++
			}
		}
	}

	if err := t.store.ReplaceTodos(ctx, sessionID, todos); err != nil {
		return nil, err
	}

	if t.publisher != nil {
		payload := map[string]any{"sessionId": sessionID, "todos": todos}
		_, _ = t.publisher.Publish(ctx, events.ChannelSession(sessionID), events.TypeSessionUpdated, payload)
	}
	return todos, nil
}

// ActiveForm returns the in-progress todo's label, if any.
func ActiveForm(todos []*models.Todo) string {
	for _, todo := range todos {
		if todo.Status == models.TodoInProgress {
			if todo.ActiveForm != "" {
				return todo.ActiveForm
			}
			return todo.Content
		}
	}
	return ""
}

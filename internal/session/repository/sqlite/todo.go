package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillhq/quill/internal/session/models"
)

// ReplaceTodos swaps the session's todo list in one transaction. The caller
// is responsible for id allocation; completed_at is stamped here for items
// arriving completed without one.
func (r *Repository) ReplaceTodos(ctx context.Context, sessionID string, todos []*models.Todo) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, todo := range todos {
		if todo.CreatedAt.IsZero() {
			todo.CreatedAt = now
		}
		if todo.Status == models.TodoCompleted && todo.CompletedAt == nil {
			completedAt := now
			todo.CompletedAt = &completedAt
		}
		if todo.Status != models.TodoCompleted {
			todo.CompletedAt = nil
		}
		todo.Ordering = i

		metadata, err := marshalJSON(todo.Metadata, "{}")
		if err != nil {
			return fmt.Errorf("failed to serialize todo metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO todos (id, session_id, content, active_form, status, ordering,
				metadata, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, todo.ID, sessionID, todo.Content, todo.ActiveForm, todo.Status, todo.Ordering,
			metadata, todo.CreatedAt, todo.CompletedAt); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		now, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListTodos returns the session's todos in list order.
func (r *Repository) ListTodos(ctx context.Context, sessionID string) ([]*models.Todo, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, session_id, content, active_form, status, ordering, metadata,
			created_at, completed_at
		FROM todos WHERE session_id = ? ORDER BY ordering ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Todo
	for rows.Next() {
		todo := &models.Todo{}
		var metadata string
		if err := rows.Scan(&todo.ID, &todo.SessionID, &todo.Content, &todo.ActiveForm,
			&todo.Status, &todo.Ordering, &metadata, &todo.CreatedAt, &todo.CompletedAt); err != nil {
			return nil, err
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &todo.Metadata); err != nil {
				return nil, fmt.Errorf("failed to deserialize todo metadata: %w", err)
			}
		}
		result = append(result, todo)
	}
	return result, rows.Err()
}

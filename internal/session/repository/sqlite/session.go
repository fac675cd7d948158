package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillhq/quill/internal/session/models"
	"github.com/quillhq/quill/internal/session/repository"
)

const defaultListLimit = 20

// CreateSession inserts a new session.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	ruleIDs, err := marshalJSON(session.EnabledRuleIDs, "[]")
	if err != nil {
		return fmt.Errorf("failed to serialize enabled rule ids: %w", err)
	}
	flags, err := marshalJSON(session.Flags, "{}")
	if err != nil {
		return fmt.Errorf("failed to serialize flags: %w", err)
	}
	queue, err := marshalJSON(session.MessageQueue, "[]")
	if err != nil {
		return fmt.Errorf("failed to serialize message queue: %w", err)
	}
	toolIDs, err := marshalNullableJSON(session.EnabledToolIDs)
	if err != nil {
		return fmt.Errorf("failed to serialize enabled tool ids: %w", err)
	}

	if session.NextTodoID == 0 {
		session.NextTodoID = 1
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, provider_id, model_id, agent_id, enabled_rule_ids,
			enabled_tool_ids, next_todo_id, flags, base_context_tokens, total_tokens,
			message_queue, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.Title, session.ProviderID, session.ModelID, session.AgentID,
		ruleIDs, toolIDs, session.NextTodoID, flags, session.BaseContextTokens,
		session.TotalTokens, queue, session.CreatedAt, session.UpdatedAt)
	return err
}

// GetSession returns a session by id, or nil if it does not exist.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, `
		SELECT id, title, provider_id, model_id, agent_id, enabled_rule_ids, enabled_tool_ids,
			next_todo_id, flags, base_context_tokens, total_tokens, message_queue,
			created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

// GetLastSession returns the most recently updated session, or nil when the
// store is empty.
func (r *Repository) GetLastSession(ctx context.Context) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, `
		SELECT id, title, provider_id, model_id, agent_id, enabled_rule_ids, enabled_tool_ids,
			next_todo_id, flags, base_context_tokens, total_tokens, message_queue,
			created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id DESC LIMIT 1
	`)
	return scanSession(row)
}

// ListRecentSessions returns session summaries ordered by update time
// descending, with cursor-based pagination. The second return value reports
// whether more pages exist.
func (r *Repository) ListRecentSessions(ctx context.Context, opts repository.ListSessionsOptions) ([]*models.SessionSummary, bool, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > 100 {
		limit = 100
	}

	query := `
		SELECT id, title, provider_id, model_id, agent_id, total_tokens, created_at, updated_at
		FROM sessions`
	args := []any{}
	if opts.Cursor != "" {
		// Page after the cursor session's (updated_at, id) position.
		query += `
		WHERE (updated_at, id) < (SELECT updated_at, id FROM sessions WHERE id = ?)`
		args = append(args, opts.Cursor)
	}
	query += `
		ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = rows.Close() }()

	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(summaries) > limit
	if hasMore {
		summaries = summaries[:limit]
	}
	return summaries, hasMore, nil
}

// SearchSessions returns summaries whose title or message text matches the
// query substring, case-insensitively, newest first.
func (r *Repository) SearchSessions(ctx context.Context, query string, limit int) ([]*models.SessionSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, title, provider_id, model_id, agent_id, total_tokens, created_at, updated_at
		FROM sessions
		WHERE title LIKE '%' || ? || '%' COLLATE NOCASE
		   OR id IN (
			SELECT m.session_id
			FROM messages m
			JOIN message_steps s ON s.message_id = m.id
			JOIN step_parts p ON p.step_id = s.id
			WHERE p.content LIKE '%' || ? || '%' COLLATE NOCASE
		   )
		ORDER BY updated_at DESC, id DESC LIMIT ?
	`, query, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSummaries(rows)
}

// CountSessions returns the total number of sessions.
func (r *Repository) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}

// UpdateSession persists the mutable session fields and bumps updated_at.
func (r *Repository) UpdateSession(ctx context.Context, session *models.Session) error {
	ruleIDs, err := marshalJSON(session.EnabledRuleIDs, "[]")
	if err != nil {
		return fmt.Errorf("failed to serialize enabled rule ids: %w", err)
	}
	flags, err := marshalJSON(session.Flags, "{}")
	if err != nil {
		return fmt.Errorf("failed to serialize flags: %w", err)
	}
	queue, err := marshalJSON(session.MessageQueue, "[]")
	if err != nil {
		return fmt.Errorf("failed to serialize message queue: %w", err)
	}
	toolIDs, err := marshalNullableJSON(session.EnabledToolIDs)
	if err != nil {
		return fmt.Errorf("failed to serialize enabled tool ids: %w", err)
	}

	session.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, provider_id = ?, model_id = ?, agent_id = ?,
			enabled_rule_ids = ?, enabled_tool_ids = ?, next_todo_id = ?, flags = ?,
			base_context_tokens = ?, total_tokens = ?, message_queue = ?, updated_at = ?
		WHERE id = ?
	`, session.Title, session.ProviderID, session.ModelID, session.AgentID,
		ruleIDs, toolIDs, session.NextTodoID, flags, session.BaseContextTokens,
		session.TotalTokens, queue, session.UpdatedAt, session.ID)
	if err != nil {
		return err
	}
	return requireRow(result, "session", session.ID)
}

// DeleteSession removes a session. Messages, steps, parts, and todos cascade.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(result, "session", id)
}

// DeleteAllSessions removes every session and returns the count removed.
func (r *Repository) DeleteAllSessions(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, err
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// SetSessionTokens updates the session's token accounting without touching
// the other mutable fields.
func (r *Repository) SetSessionTokens(ctx context.Context, id string, totalTokens int64, baseContextTokens *int64) error {
	var result sql.Result
	var err error
	if baseContextTokens != nil {
		result, err = r.db.ExecContext(ctx, `
			UPDATE sessions SET total_tokens = ?, base_context_tokens = ?, updated_at = ? WHERE id = ?
		`, totalTokens, *baseContextTokens, time.Now().UTC(), id)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE sessions SET total_tokens = ?, updated_at = ? WHERE id = ?
		`, totalTokens, time.Now().UTC(), id)
	}
	if err != nil {
		return err
	}
	return requireRow(result, "session", id)
}

// AllocateTodoIDs reserves n session-local todo ids and returns the first of
// the contiguous block. The single writer connection makes the
// read-increment pair atomic.
func (r *Repository) AllocateTodoIDs(ctx context.Context, sessionID string, n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("todo id allocation count must be positive, got %d", n)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var first int64
	if err := tx.QueryRowContext(ctx, `SELECT next_todo_id FROM sessions WHERE id = ?`, sessionID).Scan(&first); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("session %s not found", sessionID)
		}
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET next_todo_id = ? WHERE id = ?`,
		first+int64(n), sessionID); err != nil {
		return 0, err
	}
	return first, tx.Commit()
}

// AppendQueuedMessage adds one queued message to the session's queue.
func (r *Repository) AppendQueuedMessage(ctx context.Context, sessionID string, queued models.QueuedMessage) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var queueJSON string
	if err := tx.QueryRowContext(ctx, `SELECT message_queue FROM sessions WHERE id = ?`, sessionID).Scan(&queueJSON); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("session %s not found", sessionID)
		}
		return err
	}

	var queue []models.QueuedMessage
	if queueJSON != "" && queueJSON != "[]" {
		if err := json.Unmarshal([]byte(queueJSON), &queue); err != nil {
			return fmt.Errorf("failed to deserialize message queue: %w", err)
		}
	}
	queue = append(queue, queued)
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to serialize message queue: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET message_queue = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// DrainMessageQueue atomically empties the session's queue and returns what
// was pending, in FIFO order.
func (r *Repository) DrainMessageQueue(ctx context.Context, sessionID string) ([]models.QueuedMessage, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var queueJSON string
	if err := tx.QueryRowContext(ctx, `SELECT message_queue FROM sessions WHERE id = ?`, sessionID).Scan(&queueJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return nil, err
	}

	var queue []models.QueuedMessage
	if queueJSON != "" && queueJSON != "[]" {
		if err := json.Unmarshal([]byte(queueJSON), &queue); err != nil {
			return nil, fmt.Errorf("failed to deserialize message queue: %w", err)
		}
	}
	if len(queue) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET message_queue = '[]', updated_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID); err != nil {
		return nil, err
	}
	return queue, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var ruleIDs, flags, queue string
	var toolIDs sql.NullString
	err := row.Scan(&session.ID, &session.Title, &session.ProviderID, &session.ModelID,
		&session.AgentID, &ruleIDs, &toolIDs, &session.NextTodoID, &flags,
		&session.BaseContextTokens, &session.TotalTokens, &queue,
		&session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(ruleIDs, &session.EnabledRuleIDs); err != nil {
		return nil, fmt.Errorf("failed to deserialize enabled rule ids: %w", err)
	}
	if err := unmarshalJSON(flags, &session.Flags); err != nil {
		return nil, fmt.Errorf("failed to deserialize flags: %w", err)
	}
	if err := unmarshalJSON(queue, &session.MessageQueue); err != nil {
		return nil, fmt.Errorf("failed to deserialize message queue: %w", err)
	}
	if toolIDs.Valid {
		if err := unmarshalJSON(toolIDs.String, &session.EnabledToolIDs); err != nil {
			return nil, fmt.Errorf("failed to deserialize enabled tool ids: %w", err)
		}
		if session.EnabledToolIDs == nil {
			session.EnabledToolIDs = []string{}
		}
	}
	return session, nil
}

func scanSummaries(rows *sql.Rows) ([]*models.SessionSummary, error) {
	var result []*models.SessionSummary
	for rows.Next() {
		summary := &models.SessionSummary{}
		if err := rows.Scan(&summary.ID, &summary.Title, &summary.ProviderID, &summary.ModelID,
			&summary.AgentID, &summary.TotalTokens, &summary.CreatedAt, &summary.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, summary)
	}
	return result, rows.Err()
}

func marshalJSON(v any, empty string) (string, error) {
	if isNilValue(v) {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// marshalNullableJSON preserves the nil/empty distinction: nil maps to SQL
// NULL, an empty slice to "[]".
func marshalNullableJSON(v []string) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalJSON(s string, dest any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dest)
}

func isNilValue(v any) bool {
	switch val := v.(type) {
	case []string:
		return val == nil
	case map[string]bool:
		return val == nil
	case map[string]any:
		return val == nil
	case []models.QueuedMessage:
		return val == nil
	default:
		return v == nil
	}
}

func requireRow(result sql.Result, kind, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillhq/quill/internal/session/models"
)

// CreateMessage inserts a message, assigning the next ordering value within
// the session when none is set.
func (r *Repository) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.Status == "" {
		message.Status = models.StatusActive
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if message.Ordering == 0 {
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(ordering), 0) + 1 FROM messages WHERE session_id = ?
		`, message.SessionID).Scan(&message.Ordering); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, ordering, status, finish_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, message.ID, message.SessionID, message.Role, message.Ordering, message.Status,
		message.FinishReason, message.CreatedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), message.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetMessage returns a message by id, or nil if it does not exist.
func (r *Repository) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	message := &models.Message{}
	err := r.ro.QueryRowContext(ctx, `
		SELECT id, session_id, role, ordering, status, finish_reason, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&message.ID, &message.SessionID, &message.Role, &message.Ordering,
		&message.Status, &message.FinishReason, &message.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return message, nil
}

// UpdateMessageStatus moves a message to a terminal (or back to active)
// status, recording the finish reason when given.
func (r *Repository) UpdateMessageStatus(ctx context.Context, id string, status models.Status, finishReason *string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, finish_reason = ? WHERE id = ?
	`, status, finishReason, id)
	if err != nil {
		return err
	}
	return requireRow(result, "message", id)
}

// ListMessages returns a session's messages in conversation order.
func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, session_id, role, ordering, status, finish_reason, created_at
		FROM messages WHERE session_id = ? ORDER BY ordering ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		message := &models.Message{}
		if err := rows.Scan(&message.ID, &message.SessionID, &message.Role, &message.Ordering,
			&message.Status, &message.FinishReason, &message.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, message)
	}
	return result, rows.Err()
}

// ListMessageTrees returns the full conversation: every message with its
// steps, each step with its parts and usage, all in order.
func (r *Repository) ListMessageTrees(ctx context.Context, sessionID string) ([]*models.MessageTree, error) {
	messages, err := r.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	steps, err := r.listStepsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	parts, err := r.listPartsForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	usage, err := r.listUsageForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	partsByStep := map[string][]*models.Part{}
	for _, part := range parts {
		partsByStep[part.StepID] = append(partsByStep[part.StepID], part)
	}

	stepsByMessage := map[string][]*models.StepTree{}
	for _, step := range steps {
		stepsByMessage[step.MessageID] = append(stepsByMessage[step.MessageID], &models.StepTree{
			Step:  step,
			Parts: partsByStep[step.ID],
			Usage: usage[step.ID],
		})
	}

	trees := make([]*models.MessageTree, 0, len(messages))
	for _, message := range messages {
		trees = append(trees, &models.MessageTree{
			Message: message,
			Steps:   stepsByMessage[message.ID],
		})
	}
	return trees, nil
}

// CountMessages returns the total message count across all sessions.
func (r *Repository) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := r.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// CreateStep inserts a new step for a message.
func (r *Repository) CreateStep(ctx context.Context, step *models.Step) error {
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	if step.Status == "" {
		step.Status = models.StatusActive
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_steps (id, message_id, step_index, provider_id, model_id,
			system_prompt, status, finish_reason, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, step.ID, step.MessageID, step.StepIndex, step.ProviderID, step.ModelID,
		step.SystemPrompt, step.Status, step.FinishReason, step.StartedAt,
		step.EndedAt, step.DurationMS)
	return err
}

// FinalizeStep records a step's terminal status, finish reason, and timing.
func (r *Repository) FinalizeStep(ctx context.Context, step *models.Step) error {
	if step.EndedAt == nil {
		now := time.Now().UTC()
		step.EndedAt = &now
	}
	if step.DurationMS == 0 {
		step.DurationMS = step.EndedAt.Sub(step.StartedAt).Milliseconds()
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE message_steps SET status = ?, finish_reason = ?, ended_at = ?, duration_ms = ?
		WHERE id = ?
	`, step.Status, step.FinishReason, step.EndedAt, step.DurationMS, step.ID)
	if err != nil {
		return err
	}
	return requireRow(result, "step", step.ID)
}

// UpsertStepUsage stores or replaces a step's token usage.
func (r *Repository) UpsertStepUsage(ctx context.Context, usage *models.StepUsage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO step_usage (step_id, prompt_tokens, completion_tokens, total_tokens)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens
	`, usage.StepID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
	return err
}

// UpsertPart inserts a part or replaces its mutable fields. The orchestrator
// calls this repeatedly as content streams in.
func (r *Repository) UpsertPart(ctx context.Context, part *models.Part) error {
	if part.CreatedAt.IsZero() {
		part.CreatedAt = time.Now().UTC()
	}
	if part.Status == "" {
		part.Status = models.StatusActive
	}
	inputJSON, err := marshalJSON(part.Input, "{}")
	if err != nil {
		return fmt.Errorf("failed to serialize tool input: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO step_parts (id, step_id, ordering, type, status, content, duration_ms,
			tool_call_id, tool_name, input, result, error,
			file_path, media_type, file_size, file_b64, file_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			content = excluded.content,
			duration_ms = excluded.duration_ms,
			input = excluded.input,
			result = excluded.result,
			error = excluded.error,
			file_path = excluded.file_path,
			media_type = excluded.media_type,
			file_size = excluded.file_size,
			file_b64 = excluded.file_b64,
			file_id = excluded.file_id
	`, part.ID, part.StepID, part.Ordering, part.Type, part.Status, part.Content,
		part.DurationMS, part.ToolCallID, part.ToolName, inputJSON, part.Result, part.Error,
		part.FilePath, part.MediaType, part.FileSize, part.FileB64, part.FileID, part.CreatedAt)
	return err
}

// ListParts returns a step's parts in ordering.
func (r *Repository) ListParts(ctx context.Context, stepID string) ([]*models.Part, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, step_id, ordering, type, status, content, duration_ms,
			tool_call_id, tool_name, input, result, error,
			file_path, media_type, file_size, file_b64, file_id, created_at
		FROM step_parts WHERE step_id = ? ORDER BY ordering ASC
	`, stepID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanParts(rows)
}

func (r *Repository) listStepsForSession(ctx context.Context, sessionID string) ([]*models.Step, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT s.id, s.message_id, s.step_index, s.provider_id, s.model_id, s.system_prompt,
			s.status, s.finish_reason, s.started_at, s.ended_at, s.duration_ms
		FROM message_steps s
		JOIN messages m ON m.id = s.message_id
		WHERE m.session_id = ?
		ORDER BY m.ordering ASC, s.step_index ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Step
	for rows.Next() {
		step := &models.Step{}
		if err := rows.Scan(&step.ID, &step.MessageID, &step.StepIndex, &step.ProviderID,
			&step.ModelID, &step.SystemPrompt, &step.Status, &step.FinishReason,
			&step.StartedAt, &step.EndedAt, &step.DurationMS); err != nil {
			return nil, err
		}
		result = append(result, step)
	}
	return result, rows.Err()
}

func (r *Repository) listPartsForSession(ctx context.Context, sessionID string) ([]*models.Part, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT p.id, p.step_id, p.ordering, p.type, p.status, p.content, p.duration_ms,
			p.tool_call_id, p.tool_name, p.input, p.result, p.error,
			p.file_path, p.media_type, p.file_size, p.file_b64, p.file_id, p.created_at
		FROM step_parts p
		JOIN message_steps s ON s.id = p.step_id
		JOIN messages m ON m.id = s.message_id
		WHERE m.session_id = ?
		ORDER BY m.ordering ASC, s.step_index ASC, p.ordering ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanParts(rows)
}

func (r *Repository) listUsageForSession(ctx context.Context, sessionID string) (map[string]*models.StepUsage, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT u.step_id, u.prompt_tokens, u.completion_tokens, u.total_tokens
		FROM step_usage u
		JOIN message_steps s ON s.id = u.step_id
		JOIN messages m ON m.id = s.message_id
		WHERE m.session_id = ?
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := map[string]*models.StepUsage{}
	for rows.Next() {
		usage := &models.StepUsage{}
		if err := rows.Scan(&usage.StepID, &usage.PromptTokens, &usage.CompletionTokens,
			&usage.TotalTokens); err != nil {
			return nil, err
		}
		result[usage.StepID] = usage
	}
	return result, rows.Err()
}

func scanParts(rows *sql.Rows) ([]*models.Part, error) {
	var result []*models.Part
	for rows.Next() {
		part := &models.Part{}
		var inputJSON string
		if err := rows.Scan(&part.ID, &part.StepID, &part.Ordering, &part.Type, &part.Status,
			&part.Content, &part.DurationMS, &part.ToolCallID, &part.ToolName, &inputJSON,
			&part.Result, &part.Error, &part.FilePath, &part.MediaType, &part.FileSize,
			&part.FileB64, &part.FileID, &part.CreatedAt); err != nil {
			return nil, err
		}
		if inputJSON != "" && inputJSON != "{}" {
			if err := json.Unmarshal([]byte(inputJSON), &part.Input); err != nil {
				return nil, fmt.Errorf("failed to deserialize tool input: %w", err)
			}
		}
		result = append(result, part)
	}
	return result, rows.Err()
}

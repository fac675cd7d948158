// Package sqlite provides the SQLite-backed conversation store.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQLite-based conversation storage operations.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewWithDB creates a repository on existing writer/reader connections
// (shared ownership) and initializes the schema.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initMessageSchema(); err != nil {
		return err
	}
	return r.initTodoSchema()
}

func (r *Repository) initSessionSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT,
		provider_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT 'coder',
		enabled_rule_ids TEXT DEFAULT '[]',
		enabled_tool_ids TEXT,
		next_todo_id INTEGER NOT NULL DEFAULT 1,
		flags TEXT DEFAULT '{}',
		base_context_tokens INTEGER,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		message_queue TEXT DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
	`)
	return err
}

func (r *Repository) initMessageSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		ordering INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		finish_reason TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_session_ordering ON messages(session_id, ordering);

	CREATE TABLE IF NOT EXISTS message_steps (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		provider_id TEXT NOT NULL DEFAULT '',
		model_id TEXT NOT NULL DEFAULT '',
		system_prompt TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		finish_reason TEXT DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		duration_ms INTEGER DEFAULT 0,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
		UNIQUE(message_id, step_index)
	);

	CREATE INDEX IF NOT EXISTS idx_steps_message_id ON message_steps(message_id);

	CREATE TABLE IF NOT EXISTS step_usage (
		step_id TEXT PRIMARY KEY,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (step_id) REFERENCES message_steps(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS step_parts (
		id TEXT PRIMARY KEY,
		step_id TEXT NOT NULL,
		ordering INTEGER NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		content TEXT DEFAULT '',
		duration_ms INTEGER DEFAULT 0,
		tool_call_id TEXT DEFAULT '',
		tool_name TEXT DEFAULT '',
		input TEXT DEFAULT '{}',
		result TEXT DEFAULT '',
		error TEXT DEFAULT '',
		file_path TEXT DEFAULT '',
		media_type TEXT DEFAULT '',
		file_size INTEGER DEFAULT 0,
		file_b64 TEXT DEFAULT '',
		file_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (step_id) REFERENCES message_steps(id) ON DELETE CASCADE,
		UNIQUE(step_id, ordering)
	);

	CREATE INDEX IF NOT EXISTS idx_parts_step_id ON step_parts(step_id);
	CREATE INDEX IF NOT EXISTS idx_parts_tool_call_id ON step_parts(tool_call_id);
	`)
	return err
}

func (r *Repository) initTodoSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS todos (
		id INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL,
		active_form TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		ordering INTEGER NOT NULL DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_todos_session_id ON todos(session_id);
	`)
	return err
}

// Package models defines the conversation data model: sessions, messages,
// steps, parts, usage, and todos.
package models

import (
	"time"
)

// Status is the lifecycle status shared by messages and parts.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusAbort     Status = "abort"
)

// Terminal reports whether the status is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAbort
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// QueuedMessage is a pending user message waiting for the in-flight stream
// to finish.
type QueuedMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one conversation with its model/agent configuration.
type Session struct {
	ID                string          `json:"id"`
	Title             *string         `json:"title,omitempty"`
	ProviderID        string          `json:"provider_id"`
	ModelID           string          `json:"model_id"`
	AgentID           string          `json:"agent_id"`
	EnabledRuleIDs    []string        `json:"enabled_rule_ids,omitempty"`
	EnabledToolIDs    []string        `json:"enabled_tool_ids,omitempty"` // nil means all tools
	NextTodoID        int64           `json:"next_todo_id"`
	Flags             map[string]bool `json:"flags,omitempty"`
	BaseContextTokens *int64          `json:"base_context_tokens,omitempty"`
	TotalTokens       int64           `json:"total_tokens"`
	MessageQueue      []QueuedMessage `json:"message_queue,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Message is one user or assistant entry in a session. Assistant messages
// are "active" only while the orchestrator streams into them; exactly one
// terminal status is reached for every message.
type Message struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         Role      `json:"role"`
	Ordering     int64     `json:"ordering"`
	Status       Status    `json:"status"`
	FinishReason *string   `json:"finish_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Step models one provider request within a message. An assistant message
// grows a new step whenever the previous step finished with "tool-calls".
type Step struct {
	ID           string     `json:"id"`
	MessageID    string     `json:"message_id"`
	StepIndex    int        `json:"step_index"`
	ProviderID   string     `json:"provider_id"`
	ModelID      string     `json:"model_id"`
	SystemPrompt string     `json:"system_prompt,omitempty"` // snapshot of agent + rules in effect
	Status       Status     `json:"status"`
	FinishReason string     `json:"finish_reason,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
}

// StepUsage records token usage for one assistant step.
type StepUsage struct {
	StepID           string `json:"step_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// PartType discriminates the content variants inside a step.
type PartType string

const (
	PartTypeText      PartType = "text"
	PartTypeReasoning PartType = "reasoning"
	PartTypeTool      PartType = "tool"
	PartTypeFile      PartType = "file"
	PartTypeError     PartType = "error"
	// PartTypeAborted marks the visible end of an interrupted response.
	PartTypeAborted PartType = "aborted"
)

// Part is one ordered chunk of content inside a step. Parts are append-only
// within a step; status transitions active -> {completed, error, abort}
// exactly once.
type Part struct {
	ID       string   `json:"id"`
	StepID   string   `json:"step_id"`
	Ordering int      `json:"ordering"`
	Type     PartType `json:"type"`
	Status   Status   `json:"status"`

	// Text and reasoning parts; content grows by deltas. Reasoning parts
	// also carry a duration.
	Content    string `json:"content,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// Tool parts.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	// File parts: either an inline base64 blob or a reference into the
	// object store.
	FilePath  string `json:"file_path,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	FileSize  int64  `json:"file_size,omitempty"`
	FileB64   string `json:"file_b64,omitempty"`
	FileID    string `json:"file_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// StepTree is a step together with its parts and usage.
type StepTree struct {
	Step  *Step      `json:"step"`
	Parts []*Part    `json:"parts"`
	Usage *StepUsage `json:"usage,omitempty"`
}

// MessageTree is a message together with its steps.
type MessageTree struct {
	Message *Message    `json:"message"`
	Steps   []*StepTree `json:"steps"`
}

// TodoStatus is the lifecycle status of a todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoRemoved    TodoStatus = "removed"
)

// Todo is one item on a session's todo list. IDs are session-local integers
// allocated from the session's next-todo-id counter. completed_at is set iff
// status is completed.
type Todo struct {
	ID          int64          `json:"id"`
	SessionID   string         `json:"session_id"`
	Content     string         `json:"content"`
	ActiveForm  string         `json:"active_form"` // shown while in progress
	Status      TodoStatus     `json:"status"`
	Ordering    int            `json:"ordering"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SessionSummary is the lightweight listing shape returned by getRecent.
type SessionSummary struct {
	ID          string    `json:"id"`
	Title       *string   `json:"title,omitempty"`
	ProviderID  string    `json:"provider_id"`
	ModelID     string    `json:"model_id"`
	AgentID     string    `json:"agent_id"`
	TotalTokens int64     `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary projects a session to its listing shape.
func (s *Session) Summary() *SessionSummary {
	return &SessionSummary{
		ID:          s.ID,
		Title:       s.Title,
		ProviderID:  s.ProviderID,
		ModelID:     s.ModelID,
		AgentID:     s.AgentID,
		TotalTokens: s.TotalTokens,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

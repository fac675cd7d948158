// Package repository defines the persistence interface for the conversation
// data model.
package repository

import (
	"context"

	"github.com/quillhq/quill/internal/session/models"
)

// ListSessionsOptions controls getRecent pagination.
type ListSessionsOptions struct {
	Limit  int    // 1..100, default 20
	Cursor string // session id to page after (by updated_at desc)
}

// Store is the conversation persistence boundary. Implementations must make
// part upserts and step finalization atomic at the row level; the
// orchestrator relies on cascading delete for session.delete.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListRecentSessions(ctx context.Context, opts ListSessionsOptions) ([]*models.SessionSummary, bool, error)
	CountSessions(ctx context.Context) (int64, error)
	GetLastSession(ctx context.Context) (*models.Session, error)
	SearchSessions(ctx context.Context, query string, limit int) ([]*models.SessionSummary, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	DeleteAllSessions(ctx context.Context) (int64, error)

	// Session sub-fields written by the orchestrator.
	SetSessionTokens(ctx context.Context, id string, totalTokens int64, baseContextTokens *int64) error
	AllocateTodoIDs(ctx context.Context, sessionID string, n int) (first int64, err error)
	AppendQueuedMessage(ctx context.Context, sessionID string, queued models.QueuedMessage) error
	DrainMessageQueue(ctx context.Context, sessionID string) ([]models.QueuedMessage, error)

	// Messages.
	CreateMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status models.Status, finishReason *string) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	ListMessageTrees(ctx context.Context, sessionID string) ([]*models.MessageTree, error)
	CountMessages(ctx context.Context) (int64, error)

	// Steps.
	CreateStep(ctx context.Context, step *models.Step) error
	FinalizeStep(ctx context.Context, step *models.Step) error
	UpsertStepUsage(ctx context.Context, usage *models.StepUsage) error

	// Parts.
	UpsertPart(ctx context.Context, part *models.Part) error
	ListParts(ctx context.Context, stepID string) ([]*models.Part, error)

	// Todos. ReplaceTodos swaps the session's entire list atomically.
	ReplaceTodos(ctx context.Context, sessionID string, todos []*models.Todo) error
	ListTodos(ctx context.Context, sessionID string) ([]*models.Todo, error)
}

package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/db"
	"github.com/quillhq/quill/internal/session/models"
	"github.com/quillhq/quill/internal/session/repository"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
	})

	repo, err := NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	return repo
}

func newTestSession(t *testing.T, repo *Repository) *models.Session {
	t.Helper()
	session := &models.Session{
		ID:         uuid.NewString(),
		ProviderID: "anthropic",
		ModelID:    "claude-3-5-sonnet-latest",
		AgentID:    "coder",
	}
	require.NoError(t, repo.CreateSession(context.Background(), session))
	return session
}

func TestRepository_SessionCRUD(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := newTestSession(t, repo)
	require.Equal(t, int64(1), session.NextTodoID)

	got, err := repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, session.ID, got.ID)
	require.Nil(t, got.Title)
	require.Nil(t, got.EnabledToolIDs, "nil tool ids means all tools")

	title := "Fix the flaky test"
	got.Title = &title
	got.EnabledRuleIDs = []string{"style", "security"}
	got.EnabledToolIDs = []string{"bash", "todo"}
	got.Flags = map[string]bool{"web": true}
	require.NoError(t, repo.UpdateSession(ctx, got))

	got, err = repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, &title, got.Title)
	require.Equal(t, []string{"style", "security"}, got.EnabledRuleIDs)
	require.Equal(t, []string{"bash", "todo"}, got.EnabledToolIDs)
	require.True(t, got.Flags["web"])

	missing, err := repo.GetSession(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, repo.DeleteSession(ctx, session.ID))
	require.Error(t, repo.DeleteSession(ctx, session.ID))
}

func TestRepository_ListRecentPagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		title := fmt.Sprintf("session %d", i)
		session := &models.Session{
			ID:         fmt.Sprintf("s-%d", i),
			Title:      &title,
			ProviderID: "anthropic",
			ModelID:    "claude-3-5-sonnet-latest",
			AgentID:    "coder",
		}
		require.NoError(t, repo.CreateSession(ctx, session))
		time.Sleep(5 * time.Millisecond) // distinct updated_at
	}

	page, hasMore, err := repo.ListRecentSessions(ctx, repository.ListSessionsOptions{Limit: 2})
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Len(t, page, 2)
	require.Equal(t, "s-4", page[0].ID)
	require.Equal(t, "s-3", page[1].ID)

	page, hasMore, err = repo.ListRecentSessions(ctx, repository.ListSessionsOptions{
		Limit:  2,
		Cursor: page[1].ID,
	})
	require.NoError(t, err)
	require.True(t, hasMore)
	require.Equal(t, "s-2", page[0].ID)
	require.Equal(t, "s-1", page[1].ID)

	page, hasMore, err = repo.ListRecentSessions(ctx, repository.ListSessionsOptions{
		Limit:  2,
		Cursor: page[1].ID,
	})
	require.NoError(t, err)
	require.False(t, hasMore)
	require.Len(t, page, 1)
	require.Equal(t, "s-0", page[0].ID)
}

func TestRepository_SearchSessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i, title := range []string{"Refactor parser", "Parse config files", "Write docs"} {
		titleCopy := title
		session := &models.Session{
			ID:         fmt.Sprintf("s-%d", i),
			Title:      &titleCopy,
			ProviderID: "anthropic",
			ModelID:    "claude-3-5-sonnet-latest",
			AgentID:    "coder",
		}
		require.NoError(t, repo.CreateSession(ctx, session))
	}

	found, err := repo.SearchSessions(ctx, "pars", 10)
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = repo.SearchSessions(ctx, "docs", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "s-2", found[0].ID)

	// Message text matches too, not only titles.
	msg := &models.Message{ID: uuid.NewString(), SessionID: "s-2", Role: models.RoleUser, Status: models.StatusCompleted}
	require.NoError(t, repo.CreateMessage(ctx, msg))
	step := &models.Step{ID: uuid.NewString(), MessageID: msg.ID}
	require.NoError(t, repo.CreateStep(ctx, step))
	require.NoError(t, repo.UpsertPart(ctx, &models.Part{
		ID: uuid.NewString(), StepID: step.ID, Type: models.PartTypeText,
		Content: "please describe the websocket handshake docs",
	}))

	found, err = repo.SearchSessions(ctx, "WebSocket", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "s-2", found[0].ID)

	// A session matching on both title and content appears once.
	found, err = repo.SearchSessions(ctx, "docs", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestRepository_MessageQueue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := newTestSession(t, repo)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendQueuedMessage(ctx, session.ID, models.QueuedMessage{
			ID:        fmt.Sprintf("q-%d", i),
			Content:   fmt.Sprintf("queued %d", i),
			CreatedAt: time.Now().UTC(),
		}))
	}

	drained, err := repo.DrainMessageQueue(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, drained, 3)
	require.Equal(t, "q-0", drained[0].ID, "queue must drain in FIFO order")
	require.Equal(t, "q-2", drained[2].ID)

	drained, err = repo.DrainMessageQueue(ctx, session.ID)
	require.NoError(t, err)
	require.Empty(t, drained)
}

func TestRepository_AllocateTodoIDs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := newTestSession(t, repo)

	first, err := repo.AllocateTodoIDs(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	first, err = repo.AllocateTodoIDs(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Equal(t, int64(4), first)

	_, err = repo.AllocateTodoIDs(ctx, session.ID, 0)
	require.Error(t, err)
	_, err = repo.AllocateTodoIDs(ctx, "nope", 1)
	require.Error(t, err)
}

func TestRepository_MessageTree(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := newTestSession(t, repo)

	userMsg := &models.Message{ID: uuid.NewString(), SessionID: session.ID, Role: models.RoleUser, Status: models.StatusCompleted}
	require.NoError(t, repo.CreateMessage(ctx, userMsg))
	require.Equal(t, int64(1), userMsg.Ordering)

	asstMsg := &models.Message{ID: uuid.NewString(), SessionID: session.ID, Role: models.RoleAssistant}
	require.NoError(t, repo.CreateMessage(ctx, asstMsg))
	require.Equal(t, int64(2), asstMsg.Ordering)

	step := &models.Step{
		ID:         uuid.NewString(),
		MessageID:  asstMsg.ID,
		StepIndex:  0,
		ProviderID: "anthropic",
		ModelID:    "claude-3-5-sonnet-latest",
	}
	require.NoError(t, repo.CreateStep(ctx, step))

	textPart := &models.Part{
		ID:       uuid.NewString(),
		StepID:   step.ID,
		Ordering: 0,
		Type:     models.PartTypeText,
		Content:  "Hello",
	}
	require.NoError(t, repo.UpsertPart(ctx, textPart))

	// Streaming grows content through repeated upserts.
	textPart.Content = "Hello, world"
	textPart.Status = models.StatusCompleted
	require.NoError(t, repo.UpsertPart(ctx, textPart))

	toolPart := &models.Part{
		ID:         uuid.NewString(),
		StepID:     step.ID,
		Ordering:   1,
		Type:       models.PartTypeTool,
		ToolCallID: "call-1",
		ToolName:   "bash",
		Input:      map[string]any{"command": "ls"},
		Result:     "main.go",
		Status:     models.StatusCompleted,
	}
	require.NoError(t, repo.UpsertPart(ctx, toolPart))

	require.NoError(t, repo.UpsertStepUsage(ctx, &models.StepUsage{
		StepID: step.ID, PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120,
	}))

	step.Status = models.StatusCompleted
	step.FinishReason = "tool-calls"
	require.NoError(t, repo.FinalizeStep(ctx, step))

	reason := "stop"
	require.NoError(t, repo.UpdateMessageStatus(ctx, asstMsg.ID, models.StatusCompleted, &reason))

	trees, err := repo.ListMessageTrees(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, trees, 2)
	require.Equal(t, models.RoleUser, trees[0].Message.Role)
	require.Empty(t, trees[0].Steps)

	asst := trees[1]
	require.Equal(t, models.StatusCompleted, asst.Message.Status)
	require.Equal(t, &reason, asst.Message.FinishReason)
	require.Len(t, asst.Steps, 1)

	gotStep := asst.Steps[0]
	require.Equal(t, "tool-calls", gotStep.Step.FinishReason)
	require.NotNil(t, gotStep.Step.EndedAt)
	require.Len(t, gotStep.Parts, 2)
	require.Equal(t, "Hello, world", gotStep.Parts[0].Content)
	require.Equal(t, "ls", gotStep.Parts[1].Input["command"])
	require.NotNil(t, gotStep.Usage)
	require.Equal(t, int64(120), gotStep.Usage.TotalTokens)
}

func TestRepository_DeleteSessionCascades(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := newTestSession(t, repo)

	message := &models.Message{ID: uuid.NewString(), SessionID: session.ID, Role: models.RoleAssistant}
	require.NoError(t, repo.CreateMessage(ctx, message))
	step := &models.Step{ID: uuid.NewString(), MessageID: message.ID}
	require.NoError(t, repo.CreateStep(ctx, step))
	require.NoError(t, repo.UpsertPart(ctx, &models.Part{
		ID: uuid.NewString(), StepID: step.ID, Type: models.PartTypeText,
	}))
	require.NoError(t, repo.ReplaceTodos(ctx, session.ID, []*models.Todo{
		{ID: 1, Content: "one"},
	}))

	require.NoError(t, repo.DeleteSession(ctx, session.ID))

	gotMsg, err := repo.GetMessage(ctx, message.ID)
	require.NoError(t, err)
	require.Nil(t, gotMsg)
	parts, err := repo.ListParts(ctx, step.ID)
	require.NoError(t, err)
	require.Empty(t, parts)
	todos, err := repo.ListTodos(ctx, session.ID)
	require.NoError(t, err)
	require.Empty(t, todos)
}

func TestRepository_ReplaceTodos(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	session := newTestSession(t, repo)

	require.NoError(t, repo.ReplaceTodos(ctx, session.ID, []*models.Todo{
		{ID: 1, Content: "write tests", ActiveForm: "Writing tests", Status: models.TodoPending},
		{ID: 2, Content: "run linter", ActiveForm: "Running linter", Status: models.TodoInProgress},
	}))

	todos, err := repo.ListTodos(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, todos, 2)
	require.Equal(t, int64(1), todos[0].ID)
	require.Nil(t, todos[0].CompletedAt)

	require.NoError(t, repo.ReplaceTodos(ctx, session.ID, []*models.Todo{
		{ID: 1, Content: "write tests", ActiveForm: "Writing tests", Status: models.TodoCompleted},
	}))

	todos, err = repo.ListTodos(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, todos, 1)
	require.Equal(t, models.TodoCompleted, todos[0].Status)
	require.NotNil(t, todos[0].CompletedAt, "completed todos must carry completed_at")
}

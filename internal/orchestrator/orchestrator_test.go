package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/agents"
	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/ai/aitest"
	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/db"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/orchestrator/tools"
	"github.com/quillhq/quill/internal/session/models"
	"github.com/quillhq/quill/internal/session/repository/sqlite"
)

type recordedEvent struct {
	Channel string
	Type    string
	Payload map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, channel, eventType string, payload map[string]any) (*events.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Channel: channel, Type: eventType, Payload: payload})
	return &events.Event{Channel: channel, Type: eventType}, nil
}

func (p *recordingPublisher) byType(eventType string) []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) all() []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedEvent(nil), p.events...)
}

type providerFactory struct {
	provider *aitest.Provider
	err      error
}

func (f *providerFactory) CreateClient(_ context.Context, _, modelID string) (ai.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.provider.CreateClient(nil, modelID)
}

func (f *providerFactory) ModelCapabilities(_ context.Context, _, modelID string) (ai.CapabilitySet, error) {
	if f.provider == nil {
		return nil, nil
	}
	return f.provider.ModelCapabilities(modelID), nil
}

// wordCounter is a deterministic stand-in for the tiktoken estimator.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(text) / 4 }

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input back" }
func (echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"value": map[string]any{"type": "string"}},
	}
}
func (echoTool) Label(map[string]any) string { return "Echoing" }
func (echoTool) Execute(_ context.Context, _ string, input map[string]any) (string, error) {
	if v, ok := input["value"].(string); ok {
		return "echoed:" + v, nil
	}
	return "", fmt.Errorf("value is required")
}

type fixture struct {
	orch  *Orchestrator
	store *sqlite.Repository
	pub   *recordingPublisher
}

func newFixture(t *testing.T, provider *aitest.Provider) *fixture {
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
	store, err := sqlite.NewWithDB(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)

	agentMgr, err := agents.NewManager("", "")
	require.NoError(t, err)

	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register(echoTool{}))

	pub := &recordingPublisher{}
	orch := New(
		store, nil, pub,
		&providerFactory{provider: provider},
		agentMgr, toolReg, NewAskQueue(pub),
		func(string) (TokenCounter, error) { return wordCounter{}, nil },
		logger.Default(),
		Config{
			DefaultProviderID: "aitest",
			DefaultModelID:    "scripted-1",
			FirstEventTimeout: 5 * time.Second,
			PartPublishEvery:  1,
		},
	)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	})
	return &fixture{orch: orch, store: store, pub: pub}
}

func (f *fixture) waitIdle(t *testing.T, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !f.orch.IsStreaming(sessionID)
	}, 10*time.Second, 10*time.Millisecond)
	// Side goroutines (title generation) are on the same wait group.
	f.orch.wg.Wait()
}

func textInput(text string) StreamInput {
	return StreamInput{Parts: []InputPart{{Type: "text", Text: text}}}
}

// toolRequests filters out side requests: the main loop always advertises
// the tool catalog, side requests never do.
func toolRequests(p *aitest.Provider) []ai.Request {
	var out []ai.Request
	for _, req := range p.Requests {
		if len(req.Tools) > 0 {
			out = append(out, req)
		}
	}
	return out
}

func TestStreamTextResponse(t *testing.T) {
	provider := aitest.New(aitest.TextScript("Hello there", &ai.Usage{
		PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15,
	}))
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("hi"))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.False(t, result.Queued)
	f.waitIdle(t, result.SessionID)

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, trees, 2)
	require.Equal(t, models.RoleUser, trees[0].Message.Role)
	require.Equal(t, models.RoleAssistant, trees[1].Message.Role)
	require.Equal(t, models.StatusCompleted, trees[1].Message.Status)

	require.Len(t, trees[1].Steps, 1)
	step := trees[1].Steps[0]
	require.Equal(t, models.StatusCompleted, step.Step.Status)
	require.Equal(t, ai.FinishStop, step.Step.FinishReason)
	require.NotEmpty(t, step.Step.SystemPrompt)

	var text string
	for _, part := range step.Parts {
		if part.Type == models.PartTypeText {
			text = part.Content
			require.Equal(t, models.StatusCompleted, part.Status)
		}
	}
	require.Equal(t, "Hello there", text)

	require.NotNil(t, step.Usage)
	require.Equal(t, int64(15), step.Usage.TotalTokens)

	session, err := f.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, int64(15), session.TotalTokens)
	require.NotNil(t, session.BaseContextTokens)

	require.NotEmpty(t, f.pub.byType(events.TypeAssistantMessageCreated))
	require.NotEmpty(t, f.pub.byType(events.TypePartUpdated))
	require.NotEmpty(t, f.pub.byType(events.TypeMessageUpdated))
	require.NotEmpty(t, f.pub.byType(events.TypeSessionTokensUpdated))
}

func TestStreamToolCallLoop(t *testing.T) {
	provider := aitest.New(
		aitest.ToolCallScript("call-1", "echo", map[string]any{"value": "ping"}, nil),
		aitest.TextScript("done", &ai.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10}),
	)
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("run the echo tool"))
	require.NoError(t, err)
	require.True(t, result.Success)
	f.waitIdle(t, result.SessionID)

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, trees, 2)
	assistant := trees[1]
	require.Equal(t, models.StatusCompleted, assistant.Message.Status)
	require.Len(t, assistant.Steps, 2)

	var toolPart *models.Part
	for _, part := range assistant.Steps[0].Parts {
		if part.Type == models.PartTypeTool {
			toolPart = part
		}
	}
	require.NotNil(t, toolPart)
	require.Equal(t, "echo", toolPart.ToolName)
	require.Equal(t, models.StatusCompleted, toolPart.Status)
	require.Equal(t, "echoed:ping", toolPart.Result)

	// The follow-up request must carry the tool result back to the model.
	main := toolRequests(provider)
	require.Len(t, main, 2)
	var sawResult bool
	for _, msg := range main[1].Messages {
		for _, part := range msg.Parts {
			if part.Type == ai.MessagePartToolResult && part.Result == "echoed:ping" {
				sawResult = true
			}
		}
	}
	require.True(t, sawResult)

	require.NotEmpty(t, f.pub.byType(events.TypeToolCall))
	require.NotEmpty(t, f.pub.byType(events.TypeToolResult))
}

func TestStreamUnknownToolFails(t *testing.T) {
	provider := aitest.New(
		aitest.ToolCallScript("call-1", "nope", map[string]any{}, nil),
		aitest.TextScript("recovered", &ai.Usage{TotalTokens: 6}),
	)
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("call a tool that does not exist"))
	require.NoError(t, err)
	f.waitIdle(t, result.SessionID)

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	var toolPart *models.Part
	for _, part := range trees[1].Steps[0].Parts {
		if part.Type == models.PartTypeTool {
			toolPart = part
		}
	}
	require.NotNil(t, toolPart)
	require.Equal(t, models.StatusError, toolPart.Status)
	require.Contains(t, toolPart.Error, "unknown tool")

	// The loop keeps going; the error is surfaced to the model, not fatal.
	require.Equal(t, models.StatusCompleted, trees[1].Message.Status)
}

func TestStreamQueuesWhileBusy(t *testing.T) {
	provider := aitest.New(
		aitest.TextScript("first answer", &ai.Usage{TotalTokens: 4}),
		aitest.TextScript("second answer", &ai.Usage{TotalTokens: 4}),
	)
	provider.Hold = make(chan struct{})
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("first"))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.True(t, f.orch.IsStreaming(result.SessionID))

	queued, err := f.orch.Stream(ctx, StreamInput{
		SessionID: result.SessionID,
		Parts:     []InputPart{{Type: "text", Text: "second"}},
	})
	require.NoError(t, err)
	require.True(t, queued.Queued)

	close(provider.Hold)
	f.waitIdle(t, result.SessionID)

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	// first user, first assistant, drained user, second assistant.
	require.Len(t, trees, 4)
	require.Equal(t, models.RoleUser, trees[2].Message.Role)
	require.Equal(t, models.RoleAssistant, trees[3].Message.Role)
	require.Equal(t, models.StatusCompleted, trees[3].Message.Status)

	cleared := f.pub.byType(events.TypeQueueCleared)
	require.NotEmpty(t, cleared)
	require.Equal(t, events.ChannelSessionStream(result.SessionID), cleared[0].Channel)

	session, err := f.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.Empty(t, session.MessageQueue)
}

func TestAbortActiveStream(t *testing.T) {
	provider := aitest.New(aitest.TextScript("never delivered", nil))
	provider.Hold = make(chan struct{})
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("start"))
	require.NoError(t, err)
	require.True(t, f.orch.IsStreaming(result.SessionID))

	require.True(t, f.orch.Abort(result.SessionID))
	f.waitIdle(t, result.SessionID)
	require.False(t, f.orch.Abort(result.SessionID))

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	assistant := trees[len(trees)-1]
	require.Equal(t, models.RoleAssistant, assistant.Message.Role)
	require.Equal(t, models.StatusAbort, assistant.Message.Status)

	// The interruption is marked with its own part type, not an error part.
	var sawAbortMarker bool
	for _, step := range assistant.Steps {
		for _, part := range step.Parts {
			require.NotEqual(t, models.PartTypeError, part.Type)
			if part.Type == models.PartTypeAborted {
				sawAbortMarker = true
				require.Equal(t, models.StatusAbort, part.Status)
			}
		}
	}
	require.True(t, sawAbortMarker)
}

func TestProviderNotConfigured(t *testing.T) {
	f := newFixture(t, aitest.New())
	f.orch.clients = &providerFactory{err: fmt.Errorf("no api key")}
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("hello"))
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "not configured")
	require.False(t, f.orch.IsStreaming(result.SessionID))

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, trees, 2)
	assistant := trees[1]
	require.Equal(t, models.StatusError, assistant.Message.Status)
	require.Len(t, assistant.Steps, 1)
	require.Equal(t, models.PartTypeError, assistant.Steps[0].Parts[0].Type)
}

func TestInlineTitleDirective(t *testing.T) {
	provider := aitest.New(aitest.Script{
		{Kind: ai.ChunkTextStart},
		{Kind: ai.ChunkTextDelta, Text: "<title>Echo experiments</title>Sure, "},
		{Kind: ai.ChunkTextDelta, Text: "let's go."},
		{Kind: ai.ChunkTextEnd},
		{Kind: ai.ChunkFinish, FinishReason: ai.FinishStop, Usage: &ai.Usage{TotalTokens: 9}},
	})
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("untitled session"))
	require.NoError(t, err)
	f.waitIdle(t, result.SessionID)

	session, err := f.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session.Title)
	require.Equal(t, "Echo experiments", *session.Title)

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	var text string
	for _, part := range trees[1].Steps[0].Parts {
		if part.Type == models.PartTypeText {
			text = part.Content
		}
	}
	require.Equal(t, "Sure, let's go.", text)
}

func TestStreamRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, aitest.New())
	_, err := f.orch.Stream(context.Background(), StreamInput{})
	require.Error(t, err)
}

func TestStreamContinuesExistingSession(t *testing.T) {
	provider := aitest.New(
		aitest.TextScript("one", &ai.Usage{TotalTokens: 3}),
		aitest.TextScript("two", &ai.Usage{TotalTokens: 3}),
	)
	f := newFixture(t, provider)
	ctx := context.Background()

	first, err := f.orch.Stream(ctx, textInput("first"))
	require.NoError(t, err)
	f.waitIdle(t, first.SessionID)

	second, err := f.orch.Stream(ctx, StreamInput{
		SessionID: first.SessionID,
		Parts:     []InputPart{{Type: "text", Text: "again"}},
	})
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)
	f.waitIdle(t, second.SessionID)

	trees, err := f.store.ListMessageTrees(ctx, first.SessionID)
	require.NoError(t, err)
	require.Len(t, trees, 4)

	// The second request sees the first exchange in its history.
	main := toolRequests(provider)
	require.Len(t, main, 2)
	require.Greater(t, len(main[1].Messages), len(main[0].Messages))
}

func TestStreamLifecycleEventChannels(t *testing.T) {
	provider := aitest.New(aitest.TextScript("routing check", &ai.Usage{TotalTokens: 5}))
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("hello"))
	require.NoError(t, err)
	f.waitIdle(t, result.SessionID)

	stream := events.ChannelSessionStream(result.SessionID)
	lifecycle := map[string]bool{
		events.TypeUserMessageCreated:      false,
		events.TypeAssistantMessageCreated: false,
		events.TypePartUpdated:             false,
		events.TypeMessageUpdated:          false,
		events.TypeSessionTokensUpdated:    false,
	}
	for _, e := range f.pub.all() {
		if _, ok := lifecycle[e.Type]; ok {
			// part-updated is mirrored on the per-message channel.
			if e.Type == events.TypePartUpdated && strings.HasPrefix(e.Channel, "message:") {
				continue
			}
			require.Equal(t, stream, e.Channel, e.Type)
			lifecycle[e.Type] = true
		}
		// The model-level channel carries session metadata and status only.
		if e.Channel == events.ChannelSession(result.SessionID) {
			require.Contains(t, []string{events.TypeSessionStatus, events.TypeSessionUpdated}, e.Type)
		}
	}
	for kind, seen := range lifecycle {
		require.True(t, seen, kind)
	}
}

func TestParallelTitleGeneration(t *testing.T) {
	provider := aitest.New(aitest.TextScript("Sure, let's plan.", &ai.Usage{TotalTokens: 5}))
	provider.EnqueueSide(aitest.TextScript("Refactor planning", nil))
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("help me plan a refactor"))
	require.NoError(t, err)
	f.waitIdle(t, result.SessionID)

	session, err := f.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session.Title)
	require.Equal(t, "Refactor planning", *session.Title)

	// The title request runs beside the main one, without the tool catalog.
	var side *ai.Request
	for i := range provider.Requests {
		if len(provider.Requests[i].Tools) == 0 {
			side = &provider.Requests[i]
		}
	}
	require.NotNil(t, side)
	require.Contains(t, side.System, "title")

	var onSession, onSessions bool
	for _, e := range f.pub.byType(events.TypeSessionUpdated) {
		if e.Payload["title"] != "Refactor planning" {
			continue
		}
		switch e.Channel {
		case events.ChannelSession(result.SessionID):
			onSession = true
		case events.ChannelSessions:
			onSessions = true
		}
	}
	require.True(t, onSession)
	require.True(t, onSessions)
}

func TestToolsGatedByCapabilities(t *testing.T) {
	provider := aitest.New()
	provider.Caps = ai.NewCapabilitySet(ai.CapabilityImageInput)
	provider.EnqueueSide(
		aitest.TextScript("plain answer", &ai.Usage{TotalTokens: 5}),
		aitest.TextScript("Plain chat", nil),
	)
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("hello"))
	require.NoError(t, err)
	f.waitIdle(t, result.SessionID)

	// A model without the tools capability never sees the catalog.
	require.NotEmpty(t, provider.Requests)
	for _, req := range provider.Requests {
		require.Empty(t, req.Tools)
	}

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, trees[1].Message.Status)
}

func TestFinishWithoutUsageIsError(t *testing.T) {
	provider := aitest.New(aitest.TextScript("no receipt", nil))
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("hello"))
	require.NoError(t, err)
	f.waitIdle(t, result.SessionID)

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.StatusError, trees[1].Message.Status)

	updated := f.pub.byType(events.TypeMessageUpdated)
	require.NotEmpty(t, updated)
	last := updated[len(updated)-1]
	require.Contains(t, last.Payload["error"], "usage")
}

func TestToolInputParseFailureFallsBack(t *testing.T) {
	provider := aitest.New(
		aitest.Script{
			{Kind: ai.ChunkToolInputStart, ToolCallID: "call-1", ToolName: "echo"},
			{Kind: ai.ChunkToolInputDelta, ToolCallID: "call-1", InputDelta: `{"value": "pi`},
			{Kind: ai.ChunkToolInputEnd, ToolCallID: "call-1", ToolName: "echo"},
			{Kind: ai.ChunkFinish, FinishReason: ai.FinishToolCalls},
		},
		aitest.TextScript("recovered", &ai.Usage{TotalTokens: 5}),
	)
	f := newFixture(t, provider)
	ctx := context.Background()

	result, err := f.orch.Stream(ctx, textInput("call echo with truncated input"))
	require.NoError(t, err)
	f.waitIdle(t, result.SessionID)

	trees, err := f.store.ListMessageTrees(ctx, result.SessionID)
	require.NoError(t, err)
	var toolPart *models.Part
	for _, part := range trees[1].Steps[0].Parts {
		if part.Type == models.PartTypeTool {
			toolPart = part
		}
	}
	require.NotNil(t, toolPart)

	// Truncated JSON becomes an empty arguments object; the tool's own
	// validation reports what is missing and the loop recovers.
	require.Empty(t, toolPart.Input)
	require.Equal(t, models.StatusError, toolPart.Status)
	require.Contains(t, toolPart.Error, "value is required")
	require.Equal(t, models.StatusCompleted, trees[1].Message.Status)
}

func TestEveryDeltaPersisted(t *testing.T) {
	f := newFixture(t, aitest.New())
	f.orch.cfg.PartPublishEvery = 4
	ctx := context.Background()

	now := time.Now().UTC()
	session := &models.Session{
		ID: uuid.New().String(), ProviderID: "aitest", ModelID: "scripted-1",
		AgentID: "coder", NextTodoID: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateSession(ctx, session))
	msg := &models.Message{
		ID: uuid.New().String(), SessionID: session.ID, Role: models.RoleAssistant,
		Ordering: now.UnixNano(), Status: models.StatusActive, CreatedAt: now,
	}
	require.NoError(t, f.store.CreateMessage(ctx, msg))
	step := &models.Step{
		ID: uuid.New().String(), MessageID: msg.ID,
		ProviderID: "aitest", ModelID: "scripted-1",
		Status: models.StatusActive, StartedAt: now,
	}
	require.NoError(t, f.store.CreateStep(ctx, step))

	runner := &stepRunner{o: f.orch, session: session, msg: msg, step: step}
	var outcome stepOutcome
	runner.handle(ctx, ai.Chunk{Kind: ai.ChunkTextStart}, &outcome)
	for _, delta := range []string{"a", "b", "c"} {
		runner.handle(ctx, ai.Chunk{Kind: ai.ChunkTextDelta, Text: delta}, &outcome)
	}

	// Three deltas below the publish threshold: no new events, yet every
	// delta reached the store.
	require.Len(t, f.pub.byType(events.TypePartUpdated), 2)
	trees, err := f.store.ListMessageTrees(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, trees, 1)
	require.Equal(t, "abc", trees[0].Steps[0].Parts[0].Content)

	// The fourth delta crosses the threshold and goes out on both channels.
	runner.handle(ctx, ai.Chunk{Kind: ai.ChunkTextDelta, Text: "d"}, &outcome)
	require.Len(t, f.pub.byType(events.TypePartUpdated), 4)
}

func TestHistoryImageEncodingByCapability(t *testing.T) {
	tree := &models.MessageTree{
		Message: &models.Message{Role: models.RoleUser},
		Steps: []*models.StepTree{{
			Step: &models.Step{},
			Parts: []*models.Part{{
				Type: models.PartTypeFile, MediaType: "image/png",
				FileB64: "aGk=", FilePath: "shot.png",
				Status: models.StatusCompleted,
			}},
		}},
	}

	noImages := ai.NewCapabilitySet(ai.CapabilityTools)
	history := buildHistory([]*models.MessageTree{tree}, noImages)
	require.Len(t, history, 1)
	require.Len(t, history[0].Parts, 1)
	require.Equal(t, ai.MessagePartText, history[0].Parts[0].Type)
	require.Contains(t, history[0].Parts[0].Text, `media-type="image/png"`)
	require.Contains(t, history[0].Parts[0].Text, "aGk=")

	withImages := ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput)
	history = buildHistory([]*models.MessageTree{tree}, withImages)
	require.Equal(t, ai.MessagePartFile, history[0].Parts[0].Type)

	// An unknown capability set leaves attachments typed.
	history = buildHistory([]*models.MessageTree{tree}, nil)
	require.Equal(t, ai.MessagePartFile, history[0].Parts[0].Type)
}

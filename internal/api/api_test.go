package api

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/agents"
	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/ai/aitest"
	"github.com/quillhq/quill/internal/aiconfig"
	"github.com/quillhq/quill/internal/bash"
	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/db"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/files"
	"github.com/quillhq/quill/internal/orchestrator"
	"github.com/quillhq/quill/internal/orchestrator/tools"
	"github.com/quillhq/quill/internal/rpc"
	"github.com/quillhq/quill/internal/secrets"
	"github.com/quillhq/quill/internal/session/models"
	"github.com/quillhq/quill/internal/session/repository/sqlite"
)

type apiFixture struct {
	dispatcher *rpc.Dispatcher
	provider   *aitest.Provider
	broker     *events.Broker
	store      *sqlite.Repository
}

// newAPIFixture wires the full service stack over a temp sqlite database and
// registers the catalog, so tests exercise procedures through the dispatcher
// exactly as the transports do.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	log := logger.Default()

	writerDB, err := db.OpenSQLite(filepath.Join(dir, "quill.db"))
	require.NoError(t, err)
	readerDB, err := db.OpenSQLiteReader(filepath.Join(dir, "quill.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = writerDB.Close()
		_ = readerDB.Close()
	})
	writer := sqlx.NewDb(writerDB, "sqlite3")
	reader := sqlx.NewDb(readerDB, "sqlite3")

	store, err := sqlite.NewWithDB(writer, reader)
	require.NoError(t, err)

	eventRepo, err := events.NewSQLiteRepository(writer, reader)
	require.NoError(t, err)
	broker := events.NewBroker(eventRepo, log)
	t.Cleanup(broker.Close)

	fileRepo, err := files.NewSQLiteRepository(writer, reader)
	require.NoError(t, err)
	objects, err := files.NewDiskStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	fileSvc := files.NewService(fileRepo, objects, 24*time.Hour, log)

	provider := aitest.New()
	providers := ai.NewRegistry()
	require.NoError(t, providers.Register(provider))

	crypto, err := secrets.NewMasterKeyProvider(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	secretStore, err := secrets.NewStore(writer, reader, crypto)
	require.NoError(t, err)
	configs, err := aiconfig.NewManager(writer, reader, secretStore, providers)
	require.NoError(t, err)

	agentMgr, err := agents.NewManager("", "")
	require.NoError(t, err)

	bashMgr := bash.NewManager(broker, log)
	t.Cleanup(bashMgr.Shutdown)

	todoTool := tools.NewTodoTool(store, broker)
	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register(todoTool))

	asks := orchestrator.NewAskQueue(broker)
	orch := orchestrator.New(
		store, fileSvc, broker, configs, agentMgr, toolReg, asks,
		nil, log,
		orchestrator.Config{
			DefaultProviderID: "aitest",
			DefaultModelID:    "scripted-1",
			FirstEventTimeout: 5 * time.Second,
		},
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	catalog := New(Options{
		Store:        store,
		Broker:       broker,
		Orchestrator: orch,
		Bash:         bashMgr,
		Files:        fileSvc,
		Configs:      configs,
		Providers:    providers,
		Agents:       agentMgr,
		Todos:        todoTool,
		Logger:       log,
	})
	registry := rpc.NewRegistry()
	catalog.Register(registry)

	return &apiFixture{
		dispatcher: rpc.NewDispatcher(registry, log),
		provider:   provider,
		broker:     broker,
		store:      store,
	}
}

func (f *apiFixture) call(t *testing.T, path string, input map[string]any) map[string]any {
	t.Helper()
	out, err := f.dispatcher.Call(context.Background(), path, input, rpc.CallOptions{})
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok, "expected object result from %s", path)
	return result
}

func (f *apiFixture) createSession(t *testing.T) *models.Session {
	t.Helper()
	result := f.call(t, "session.create", map[string]any{
		"providerId": "aitest",
		"modelId":    "scripted-1",
	})
	session, ok := result["session"].(*models.Session)
	require.True(t, ok)
	return session
}

func TestSessionLifecycleOverCatalog(t *testing.T) {
	f := newAPIFixture(t)

	created := f.createSession(t)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "coder", created.AgentID)

	got := f.call(t, "session.getById", map[string]any{"sessionId": created.ID})
	require.Equal(t, created.ID, got["session"].(*models.Session).ID)
	require.Contains(t, []any{"available", "unavailable", "unknown"}, got["modelStatus"])

	f.call(t, "session.updateTitle", map[string]any{"sessionId": created.ID, "title": "Renamed"})
	got = f.call(t, "session.getById", map[string]any{"sessionId": created.ID})
	session := got["session"].(*models.Session)
	require.NotNil(t, session.Title)
	require.Equal(t, "Renamed", *session.Title)

	recent := f.call(t, "session.getRecent", map[string]any{})
	require.Len(t, recent["sessions"].([]*models.SessionSummary), 1)

	count := f.call(t, "session.getCount", nil)
	require.EqualValues(t, 1, count["count"])

	last := f.call(t, "session.getLast", nil)
	require.Equal(t, created.ID, last["session"].(*models.Session).ID)

	f.call(t, "session.delete", map[string]any{"sessionId": created.ID})
	_, err := f.dispatcher.Call(context.Background(), "session.getById",
		map[string]any{"sessionId": created.ID}, rpc.CallOptions{})
	require.Equal(t, rpc.KindNotFound, rpc.KindOf(err))
}

func TestSessionCreateValidation(t *testing.T) {
	f := newAPIFixture(t)

	_, err := f.dispatcher.Call(context.Background(), "session.create",
		map[string]any{"providerId": "aitest"}, rpc.CallOptions{})
	require.Equal(t, rpc.KindValidation, rpc.KindOf(err))

	_, err = f.dispatcher.Call(context.Background(), "session.create",
		map[string]any{"providerId": "nope", "modelId": "m"}, rpc.CallOptions{})
	require.Equal(t, rpc.KindNotFound, rpc.KindOf(err))
}

func TestTriggerStreamOverCatalog(t *testing.T) {
	f := newAPIFixture(t)
	f.provider.Enqueue(aitest.TextScript("catalog says hi", &ai.Usage{TotalTokens: 7}))

	out, err := f.dispatcher.Call(context.Background(), "message.triggerStream", map[string]any{
		"parts": []any{map[string]any{"type": "text", "text": "hello"}},
	}, rpc.CallOptions{})
	require.NoError(t, err)
	result, ok := out.(*orchestrator.StreamResult)
	require.True(t, ok)
	require.True(t, result.Success)
	require.NotEmpty(t, result.SessionID)

	require.Eventually(t, func() bool {
		listed := f.call(t, "message.getBySession", map[string]any{"sessionId": result.SessionID})
		trees := listed["messages"].([]*models.MessageTree)
		return len(trees) == 2 && trees[1].Message.Status == models.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)
}

func TestTodoUpdateOverCatalog(t *testing.T) {
	f := newAPIFixture(t)
	session := f.createSession(t)

	result := f.call(t, "todo.update", map[string]any{
		"sessionId": session.ID,
		"todos": []any{
			map[string]any{"content": "write tests", "activeForm": "Writing tests", "status": "in_progress"},
		},
	})
	todos := result["todos"].([]*models.Todo)
	require.Len(t, todos, 1)
	require.EqualValues(t, 1, todos[0].ID)
	require.Equal(t, models.TodoInProgress, todos[0].Status)

	listed := f.call(t, "todo.getBySession", map[string]any{"sessionId": session.ID})
	require.Len(t, listed["todos"].([]*models.Todo), 1)

	_, err := f.dispatcher.Call(context.Background(), "todo.update", map[string]any{
		"sessionId": "missing", "todos": []any{},
	}, rpc.CallOptions{})
	require.Equal(t, rpc.KindNotFound, rpc.KindOf(err))
}

func TestFileUploadDownloadOverCatalog(t *testing.T) {
	f := newAPIFixture(t)
	payload := base64.StdEncoding.EncodeToString([]byte("file body"))

	uploaded := f.call(t, "file.upload", map[string]any{
		"path":      "docs/a.txt",
		"mediaType": "text/plain",
		"dataB64":   payload,
	})
	fileID := uploaded["fileId"].(string)
	require.NotEmpty(t, uploaded["sha256"])
	require.Equal(t, "/files/"+fileID, uploaded["url"])

	downloaded := f.call(t, "file.download", map[string]any{"fileId": fileID})
	require.Equal(t, payload, downloaded["dataB64"])

	meta := f.call(t, "file.getMetadata", map[string]any{"fileId": fileID})
	content := meta["metadata"].(*files.FileContent)
	require.Equal(t, "text/plain", content.MediaType)

	_, err := f.dispatcher.Call(context.Background(), "file.download",
		map[string]any{"fileId": "missing"}, rpc.CallOptions{})
	require.Equal(t, rpc.KindNotFound, rpc.KindOf(err))
}

func TestBashProceduresOverCatalog(t *testing.T) {
	f := newAPIFixture(t)

	executed := f.call(t, "bash.execute", map[string]any{
		"command": "echo catalog",
		"mode":    "background",
	})
	bashID := executed["bashId"].(string)
	require.NotEmpty(t, bashID)

	require.Eventually(t, func() bool {
		got := f.call(t, "bash.get", map[string]any{"bashId": bashID})
		return got["process"].(*bash.BashProcess).Status == bash.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	listed := f.call(t, "bash.list", nil)
	require.NotEmpty(t, listed["processes"])

	length := f.call(t, "bash.getActiveQueueLength", nil)
	require.EqualValues(t, 0, length["length"])

	_, err := f.dispatcher.Call(context.Background(), "bash.get",
		map[string]any{"bashId": "missing"}, rpc.CallOptions{})
	require.Equal(t, rpc.KindNotFound, rpc.KindOf(err))
}

func TestConfigZeroKnowledgeOverCatalog(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	// Secret fields submitted through save must be dropped, not stored.
	f.call(t, "config.save", map[string]any{
		"providers": map[string]any{
			"aitest": map[string]any{"api_key": "sneaky", "region": "eu"},
		},
	})
	loaded := f.call(t, "config.load", nil)
	views := loaded["providers"].([]*aiconfig.ProviderView)
	require.Len(t, views, 1)
	require.Equal(t, "eu", views[0].Config["region"])
	require.NotContains(t, views[0].Config, "api_key")
	require.Empty(t, views[0].SecretsSet)

	f.call(t, "config.setProviderSecret", map[string]any{
		"providerId": "aitest", "field": "api_key", "value": "real-key",
	})
	loaded = f.call(t, "config.load", nil)
	views = loaded["providers"].([]*aiconfig.ProviderView)
	require.Equal(t, []string{"api_key"}, views[0].SecretsSet)
	require.NotContains(t, views[0].Config, "api_key")

	// Only schema-declared secret fields may go through setProviderSecret.
	_, err := f.dispatcher.Call(ctx, "config.setProviderSecret", map[string]any{
		"providerId": "aitest", "field": "region", "value": "x",
	}, rpc.CallOptions{})
	require.Equal(t, rpc.KindValidation, rpc.KindOf(err))

	f.call(t, "config.removeProvider", map[string]any{"providerId": "aitest"})
	loaded = f.call(t, "config.load", nil)
	views = loaded["providers"].([]*aiconfig.ProviderView)
	require.Empty(t, views[0].Config)
	require.Empty(t, views[0].SecretsSet)
}

func TestConfigGetModelsCaches(t *testing.T) {
	f := newAPIFixture(t)

	first := f.call(t, "config.getModels", map[string]any{"providerId": "aitest"})
	modelList := first["models"].([]ai.Model)
	require.Len(t, modelList, 1)
	require.Equal(t, "scripted-1", modelList[0].ID)

	second := f.call(t, "config.getModels", map[string]any{"providerId": "aitest"})
	require.Len(t, second["models"].([]ai.Model), 1)

	_, err := f.dispatcher.Call(context.Background(), "config.getModels",
		map[string]any{"providerId": "nope"}, rpc.CallOptions{})
	require.Equal(t, rpc.KindNotFound, rpc.KindOf(err))
}

func TestEventsSubscribeOverCatalog(t *testing.T) {
	f := newAPIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := f.dispatcher.Subscribe(ctx, "events.subscribe", map[string]any{
		"channel": events.ChannelSessions,
	}, rpc.CallOptions{})
	require.NoError(t, err)

	created := f.createSession(t)

	select {
	case item := <-stream:
		require.NoError(t, item.Err)
		frame := item.Value.(map[string]any)
		require.Equal(t, events.ChannelSessions, frame["channel"])
		require.Equal(t, events.TypeSessionCreated, frame["type"])
		require.NotEmpty(t, frame["cursor"])
		payload := frame["payload"].(map[string]any)
		require.Equal(t, created.ID, payload["session"].(*models.SessionSummary).ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventsSubscribeRejectsBadCursor(t *testing.T) {
	f := newAPIFixture(t)

	_, err := f.dispatcher.Subscribe(context.Background(), "events.subscribe", map[string]any{
		"channel":    events.ChannelSessions,
		"fromCursor": "garbage",
	}, rpc.CallOptions{})
	require.Equal(t, rpc.KindValidation, rpc.KindOf(err))
}

func TestEventsChannelInfoOverCatalog(t *testing.T) {
	f := newAPIFixture(t)
	f.createSession(t)

	out, err := f.dispatcher.Call(context.Background(), "events.getChannelInfo",
		map[string]any{"channel": events.ChannelSessions}, rpc.CallOptions{})
	require.NoError(t, err)
	info := out.(*events.ChannelInfo)
	require.EqualValues(t, 1, info.PersistedCount)
}

func TestAdminProceduresOverCatalog(t *testing.T) {
	f := newAPIFixture(t)
	f.createSession(t)

	stats := f.call(t, "admin.getSystemStats", nil)
	require.EqualValues(t, 1, stats["sessions"])
	require.NotNil(t, stats["runtime"])

	health := f.call(t, "admin.getHealth", nil)
	require.Equal(t, "ok", health["status"])

	inventory := f.call(t, "admin.getAPIInventory", nil)
	paths := inventory["paths"].([]string)
	require.Contains(t, paths, "session.create")
	require.Contains(t, paths, "message.triggerStream")
	require.Contains(t, paths, "events.subscribe")

	docs := f.call(t, "admin.getAPIDocs", nil)
	require.Len(t, docs["procedures"].([]map[string]any), len(paths))

	deleted := f.call(t, "admin.deleteAllSessions", nil)
	require.EqualValues(t, 1, deleted["deleted"])
}

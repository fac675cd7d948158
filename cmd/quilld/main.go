// Package main is the entry point for quilld, the Quill server core.
// One binary runs the conversation store, event broker, bash manager,
// streaming orchestrator, and the RPC transports (HTTP, SSE, WebSocket).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quillhq/quill/internal/agents"
	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/ai/anthropic"
	"github.com/quillhq/quill/internal/ai/openai"
	"github.com/quillhq/quill/internal/ai/tokenizer"
	"github.com/quillhq/quill/internal/aiconfig"
	"github.com/quillhq/quill/internal/api"
	"github.com/quillhq/quill/internal/bash"
	"github.com/quillhq/quill/internal/common/config"
	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/common/tracing"
	"github.com/quillhq/quill/internal/db"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/files"
	"github.com/quillhq/quill/internal/orchestrator"
	"github.com/quillhq/quill/internal/orchestrator/tools"
	"github.com/quillhq/quill/internal/rpc"
	"github.com/quillhq/quill/internal/secrets"
	"github.com/quillhq/quill/internal/session/repository/sqlite"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting quilld...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database (single writer, concurrent readers)
	dbPath := expandHome(cfg.Database.Path)
	writerDB, err := db.OpenSQLite(dbPath)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", dbPath))
	}
	readerDB, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		log.Fatal("Failed to open database reader", zap.Error(err), zap.String("path", dbPath))
	}
	pool := db.NewPool(sqlx.NewDb(writerDB, "sqlite3"), sqlx.NewDb(readerDB, "sqlite3"))
	defer func() { _ = pool.Close() }()
	log.Info("Database initialized", zap.String("path", dbPath))

	store, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize conversation store", zap.Error(err))
	}

	// 4. Event broker: persistent archive plus live fan-out. The archive is
	// SQLite by default, PostgreSQL when events.postgresUrl is set; an
	// optional NATS mirror republishes every event for external consumers.
	var eventRepo events.Repository
	if cfg.Events.PostgresURL != "" {
		pgDB, err := db.OpenPostgres(cfg.Events.PostgresURL, cfg.Database.MaxConns)
		if err != nil {
			log.Fatal("Failed to connect to postgres event archive", zap.Error(err))
		}
		pg := sqlx.NewDb(pgDB, "pgx")
		defer func() { _ = pg.Close() }()
		eventRepo, err = events.NewPostgresRepository(pg)
		if err != nil {
			log.Fatal("Failed to initialize postgres event archive", zap.Error(err))
		}
		log.Info("Using postgres event archive")
	} else {
		eventRepo, err = events.NewSQLiteRepository(pool.Writer(), pool.Reader())
		if err != nil {
			log.Fatal("Failed to initialize event archive", zap.Error(err))
		}
	}

	brokerOpts := []events.Option{events.WithSubscriberBuffer(cfg.Events.SubscriberBuffer)}
	if cfg.Events.NATSURL != "" {
		mirror, err := events.NewNATSMirror(cfg.Events.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS mirror", zap.Error(err), zap.String("url", cfg.Events.NATSURL))
		}
		defer mirror.Close()
		brokerOpts = append(brokerOpts, events.WithMirror(mirror))
		log.Info("Event mirror connected", zap.String("url", cfg.Events.NATSURL))
	}
	broker := events.NewBroker(eventRepo, log, brokerOpts...)
	defer broker.Close()

	// 5. File service: content-addressed object store with orphan cleanup
	fileRepo, err := files.NewSQLiteRepository(pool.Writer(), pool.Reader())
	if err != nil {
		log.Fatal("Failed to initialize file metadata store", zap.Error(err))
	}
	objects, err := files.NewDiskStore(expandHome(cfg.Files.StorageDir))
	if err != nil {
		log.Fatal("Failed to initialize object store", zap.Error(err))
	}
	fileSvc := files.NewService(fileRepo, objects, cfg.Files.OrphanGraceDuration(), log)

	// 6. AI providers and zero-knowledge config
	providers := ai.NewRegistry()
	for _, p := range []ai.Provider{anthropic.New(), openai.New()} {
		if err := providers.Register(p); err != nil {
			log.Fatal("Failed to register provider", zap.Error(err))
		}
	}

	crypto, err := secrets.NewMasterKeyProvider(expandHome(cfg.AI.SecretsDir))
	if err != nil {
		log.Fatal("Failed to initialize master key", zap.Error(err))
	}
	secretStore, err := secrets.NewStore(pool.Writer(), pool.Reader(), crypto)
	if err != nil {
		log.Fatal("Failed to initialize secret store", zap.Error(err))
	}
	configs, err := aiconfig.NewManager(pool.Writer(), pool.Reader(), secretStore, providers)
	if err != nil {
		log.Fatal("Failed to initialize provider config", zap.Error(err))
	}

	// 7. Agent and rule catalogs
	agentsDir := expandHome(cfg.AI.AgentsDir)
	rulesDir := expandHome(cfg.AI.RulesDir)
	agentMgr, err := agents.NewManager(agentsDir, rulesDir)
	if err != nil {
		log.Fatal("Failed to load agent catalogs", zap.Error(err))
	}
	log.Info("Agent catalogs loaded",
		zap.Int("agents", len(agentMgr.Agents())),
		zap.Int("rules", len(agentMgr.Rules())))

	// 8. Bash process manager
	bashMgr := bash.NewManager(broker, log)
	defer bashMgr.Shutdown()

	// 9. Tool registry and the streaming orchestrator
	workspace, err := os.Getwd()
	if err != nil {
		log.Fatal("Failed to resolve workspace root", zap.Error(err))
	}

	asks := orchestrator.NewAskQueue(broker)
	todoTool := tools.NewTodoTool(store, broker)
	toolReg := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewBashTool(bashMgr),
		todoTool,
		tools.NewAskTool(asks),
		tools.NewReadFileTool(workspace),
		tools.NewWriteFileTool(workspace),
	} {
		if err := toolReg.Register(tool); err != nil {
			log.Fatal("Failed to register tool", zap.Error(err))
		}
	}

	estimators := func(model string) (orchestrator.TokenCounter, error) {
		return tokenizer.NewEstimator(model)
	}
	orch := orchestrator.New(store, fileSvc, broker, configs, agentMgr, toolReg, asks,
		estimators, log, orchestrator.Config{
			DefaultProviderID: cfg.AI.DefaultProvider,
			DefaultModelID:    cfg.AI.DefaultModel,
			DefaultAgentID:    cfg.AI.DefaultAgent,
		})

	// 10. Procedure catalog and RPC transports
	catalog := api.New(api.Options{
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
		AgentsDir:    agentsDir,
		RulesDir:     rulesDir,
	})
	registry := rpc.NewRegistry()
	catalog.Register(registry)
	dispatcher := rpc.NewDispatcher(registry, log)
	log.Info("Procedure catalog registered", zap.Int("procedures", len(registry.Paths())))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	dispatcher.RegisterHTTP(router)
	dispatcher.RegisterSSE(router)
	rpc.NewWSServer(dispatcher, log).Register(router)

	// Raw file downloads; the upload path is the file.upload procedure.
	router.GET("/files/:id", func(c *gin.Context) {
		content, data, err := fileSvc.Content(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(content.RelativePath)))
		c.Data(http.StatusOK, content.MediaType, data)
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "quilld"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Run until SIGINT/SIGTERM, then drain streams and close everything
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("rpc", "/rpc"),
			zap.String("sse", "/rpc/subscribe"),
			zap.String("websocket", "/rpc/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutting down quilld...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error("Orchestrator shutdown error", zap.Error(err))
		}
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Error("Tracing shutdown error", zap.Error(err))
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server failed", zap.Error(err))
	}
	log.Info("quilld stopped")
}

// expandHome resolves a leading ~/ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

// corsMiddleware allows browser clients on other origins; the rpc surface is
// local-first and fronted by a reverse proxy in shared deployments.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

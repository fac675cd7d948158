// Package api declares the public procedure catalog: every query, mutation,
// and subscription the server exposes, grouped by domain, over the rpc
// framework.
package api

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/agents"
	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/aiconfig"
	"github.com/quillhq/quill/internal/bash"
	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/files"
	"github.com/quillhq/quill/internal/orchestrator"
	"github.com/quillhq/quill/internal/orchestrator/tools"
	"github.com/quillhq/quill/internal/rpc"
	"github.com/quillhq/quill/internal/session/repository"
)

// Catalog builds the procedure tree over the application's services.
type Catalog struct {
	store     repository.Store
	broker    *events.Broker
	orch      *orchestrator.Orchestrator
	bash      *bash.Manager
	files     *files.Service
	configs   *aiconfig.Manager
	providers *ai.Registry
	agents    *agents.Manager
	todos     *tools.TodoTool
	log       *logger.Logger

	agentsDir string
	rulesDir  string

	registry  *rpc.Registry
	startedAt time.Time
}

// Options carries the collaborators the catalog closes over.
type Options struct {
	Store        repository.Store
	Broker       *events.Broker
	Orchestrator *orchestrator.Orchestrator
	Bash         *bash.Manager
	Files        *files.Service
	Configs      *aiconfig.Manager
	Providers    *ai.Registry
	Agents       *agents.Manager
	Todos        *tools.TodoTool
	Logger       *logger.Logger
	AgentsDir    string
	RulesDir     string
}

// New creates the catalog.
func New(opts Options) *Catalog {
	return &Catalog{
		store:     opts.Store,
		broker:    opts.Broker,
		orch:      opts.Orchestrator,
		bash:      opts.Bash,
		files:     opts.Files,
		configs:   opts.Configs,
		providers: opts.Providers,
		agents:    opts.Agents,
		todos:     opts.Todos,
		log:       opts.Logger.WithFields(zap.String("component", "api")),
		agentsDir: opts.AgentsDir,
		rulesDir:  opts.RulesDir,
		startedAt: time.Now().UTC(),
	}
}

// Register installs every procedure group into the registry. Called once at
// startup; a bad declaration panics.
func (c *Catalog) Register(reg *rpc.Registry) {
	c.registry = reg
	c.registerSession(reg)
	c.registerMessage(reg)
	c.registerTodo(reg)
	c.registerFile(reg)
	c.registerBash(reg)
	c.registerEvents(reg)
	c.registerConfig(reg)
	c.registerAdmin(reg)
}

// schema wraps a JSON Schema literal.
func schema(s string) json.RawMessage { return json.RawMessage(s) }

func strInput(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func intInput(input map[string]any, key string, fallback int) int {
	if v, ok := input[key].(float64); ok {
		return int(v)
	}
	return fallback
}

func boolInput(input map[string]any, key string) bool {
	v, _ := input[key].(bool)
	return v
}

func strSliceInput(input map[string]any, key string) ([]string, bool) {
	raw, ok := input[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

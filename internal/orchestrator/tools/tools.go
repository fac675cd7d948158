// Package tools is the server-side tool catalog offered to the model during
// streaming: shell execution, todo management, asking the user, and
// workspace file access.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is one callable exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// InputSchema is a JSON-Schema-shaped map describing the input object.
	InputSchema() map[string]any
	// Label renders the status line shown while the call runs.
	Label(input map[string]any) string
	Execute(ctx context.Context, sessionID string, input map[string]any) (string, error)
}

// Registry holds the tool catalog.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %s is already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools sorted by name, optionally filtered to enabled ids.
// A nil filter means all tools.
func (r *Registry) List(enabled []string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allow map[string]bool
	if enabled != nil {
		allow = make(map[string]bool, len(enabled))
		for _, id := range enabled {
			allow[id] = true
		}
	}

	out := make([]Tool, 0, len(r.tools))
	for name, tool := range r.tools {
		if allow != nil && !allow[name] {
			continue
		}
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func stringInput(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

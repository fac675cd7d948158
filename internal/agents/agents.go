// Package agents manages the agent and rule catalogs and builds system
// prompts from them.
package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Agent is one selectable assistant persona. Tools limits the tool catalog
// offered to the model; empty means all tools.
type Agent struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	Tools       []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Rule is one composable prompt fragment a session can enable.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Prompt      string `yaml:"prompt" json:"prompt"`
}

// defaultAgents ships with the binary so a fresh install can stream without
// any agent files on disk.
var defaultAgents = []*Agent{
	{
		ID:          "coder",
		Name:        "Coder",
		Description: "General-purpose coding assistant",
		Prompt: "You are a coding assistant working inside the user's project. " +
			"Be direct and precise. Prefer small, verifiable changes. " +
			"Use the available tools to inspect and modify the project instead of guessing.",
	},
	{
		ID:          "reviewer",
		Name:        "Reviewer",
		Description: "Code review focused assistant",
		Prompt: "You are reviewing code. Point out correctness issues first, then " +
			"style. Be specific: name the file and line, and suggest the fix.",
	},
}

// Manager holds the merged agent and rule catalogs. Catalogs are loaded once
// at startup; Reload replaces them wholesale.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	rules  map[string]*Rule
}

// NewManager loads agents and rules from the given directories. Either path
// may be empty or missing; embedded defaults always present.
func NewManager(agentsDir, rulesDir string) (*Manager, error) {
	m := &Manager{}
	if err := m.Reload(agentsDir, rulesDir); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads both catalogs from disk.
func (m *Manager) Reload(agentsDir, rulesDir string) error {
	agents := make(map[string]*Agent)
	for _, a := range defaultAgents {
		agents[a.ID] = a
	}
	if agentsDir != "" {
		loaded, err := loadYAMLDir[Agent](agentsDir)
		if err != nil {
			return fmt.Errorf("failed to load agents: %w", err)
		}
		for _, a := range loaded {
			if a.ID == "" {
				continue
			}
			agents[a.ID] = a
		}
	}

	rules := make(map[string]*Rule)
	if rulesDir != "" {
		loaded, err := loadYAMLDir[Rule](rulesDir)
		if err != nil {
			return fmt.Errorf("failed to load rules: %w", err)
		}
		for _, r := range loaded {
			if r.ID == "" {
				continue
			}
			rules[r.ID] = r
		}
	}

	m.mu.Lock()
	m.agents = agents
	m.rules = rules
	m.mu.Unlock()
	return nil
}

// Agent returns an agent by id.
func (m *Manager) Agent(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Agents returns the catalog sorted by id.
func (m *Manager) Agents() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Rule returns a rule by id.
func (m *Manager) Rule(id string) (*Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	return r, ok
}

// Rules returns the catalog sorted by id.
func (m *Manager) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BuildSystemPrompt composes the system prompt for an agent plus its enabled
// rules, in the order the rule ids are given. Unknown rule ids are skipped.
// The result is snapshotted onto each step so replays show the prompt that
// was actually sent.
func (m *Manager) BuildSystemPrompt(agentID string, ruleIDs []string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sections []string
	if agent, ok := m.agents[agentID]; ok && agent.Prompt != "" {
		sections = append(sections, agent.Prompt)
	} else if fallback, ok := m.agents["coder"]; ok {
		sections = append(sections, fallback.Prompt)
	}
	for _, id := range ruleIDs {
		if rule, ok := m.rules[id]; ok && rule.Prompt != "" {
			sections = append(sections, rule.Prompt)
		}
	}
	return strings.Join(sections, "\n\n")
}

func loadYAMLDir[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*T
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		item := new(T)
		if err := yaml.Unmarshal(data, item); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		out = append(out, item)
	}
	return out, nil
}

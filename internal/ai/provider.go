// Package ai defines the provider-neutral model layer: the provider adapter
// interface, capability sets, stream chunk types, and the provider registry.
package ai

import (
	"context"
	"sort"
)

// Capability tags describe what a model can accept or produce.
type Capability string

const (
	CapabilityTools            Capability = "tools"
	CapabilityImageInput       Capability = "image-input"
	CapabilityReasoning        Capability = "reasoning"
	CapabilityStructuredOutput Capability = "structured-output"
)

// CapabilitySet is an unordered set of capability tags.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from tags.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the tags in sorted order.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Model describes one model a provider can instantiate.
type Model struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	ContextWindow int           `json:"context_window"`
	MaxOutput     int           `json:"max_output"`
	Capabilities  CapabilitySet `json:"-"`
}

// ConfigField describes one entry of a provider's config schema. Fields
// marked Secret are subject to the zero-knowledge contract: never returned
// to clients and never accepted from them on ordinary config saves.
type ConfigField struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Type        string `json:"type"` // string | number | bool
	Required    bool   `json:"required"`
	Secret      bool   `json:"secret"`
	Description string `json:"description,omitempty"`
}

// ToolDefinition is one tool advertised to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// MessagePartType discriminates the content variants of a model message.
type MessagePartType string

const (
	MessagePartText       MessagePartType = "text"
	MessagePartFile       MessagePartType = "file"
	MessagePartToolCall   MessagePartType = "tool-call"
	MessagePartToolResult MessagePartType = "tool-result"
)

// MessagePart is one content element of a model message.
type MessagePart struct {
	Type MessagePartType `json:"type"`

	Text string `json:"text,omitempty"`

	// File parts carry base64 data; providers that cannot accept the media
	// type receive an XML-wrapped text rendering instead.
	MediaType string `json:"media_type,omitempty"`
	DataB64   string `json:"data_b64,omitempty"`
	FilePath  string `json:"file_path,omitempty"`

	// Tool call / result parts.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
}

// Message is one provider-neutral conversation entry.
type Message struct {
	Role  string        `json:"role"` // user | assistant
	Parts []MessagePart `json:"parts"`
}

// Request is one single-step streaming request.
type Request struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Client issues streaming requests against one configured provider/model
// pair. The returned channel is closed when the stream ends; a terminal
// error or finish chunk precedes the close.
type Client interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Provider is the adapter contract every model provider implements. Config
// maps hold the fields declared by ConfigSchema.
type Provider interface {
	ID() string
	Name() string
	Description() string
	ConfigSchema() []ConfigField
	IsConfigured(config map[string]any) bool
	FetchModels(ctx context.Context, config map[string]any) ([]Model, error)
	ModelDetails(modelID string) (*Model, bool)
	ModelCapabilities(modelID string) CapabilitySet
	CreateClient(config map[string]any, modelID string) (Client, error)
}

// ConfigString reads a string field from a provider config map.
func ConfigString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	if v, ok := config[key].(string); ok {
		return v
	}
	return ""
}

// Package openai adapts the OpenAI Chat Completions API to the provider
// interface.
package openai

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/quillhq/quill/internal/ai"
)

const (
	fetchModelsTimeout  = 10 * time.Second
	fetchModelsAttempts = 2
)

var catalog = []ai.Model{
	{
		ID:            "gpt-4o",
		Name:          "GPT-4o",
		ContextWindow: 128000,
		MaxOutput:     16384,
		Capabilities:  ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput, ai.CapabilityStructuredOutput),
	},
	{
		ID:            "gpt-4o-mini",
		Name:          "GPT-4o mini",
		ContextWindow: 128000,
		MaxOutput:     16384,
		Capabilities:  ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput, ai.CapabilityStructuredOutput),
	},
	{
		ID:            "o3-mini",
		Name:          "o3-mini",
		ContextWindow: 200000,
		MaxOutput:     100000,
		Capabilities:  ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityReasoning, ai.CapabilityStructuredOutput),
	},
}

// Provider implements ai.Provider for OpenAI.
type Provider struct{}

// New creates the OpenAI provider adapter.
func New() *Provider { return &Provider{} }

func (p *Provider) ID() string   { return "openai" }
func (p *Provider) Name() string { return "OpenAI" }

func (p *Provider) Description() string {
	return "GPT and o-series models via the OpenAI Chat Completions API"
}

func (p *Provider) ConfigSchema() []ai.ConfigField {
	return []ai.ConfigField{
		{Name: "api_key", Label: "API Key", Type: "string", Required: true, Secret: true},
		{Name: "base_url", Label: "Base URL", Type: "string"},
		{Name: "organization", Label: "Organization", Type: "string"},
	}
}

func (p *Provider) IsConfigured(config map[string]any) bool {
	return ai.ConfigString(config, "api_key") != ""
}

// FetchModels lists chat-capable models from the API, falling back to the
// embedded catalog after bounded retries.
func (p *Provider) FetchModels(ctx context.Context, config map[string]any) ([]ai.Model, error) {
	if !p.IsConfigured(config) {
		return nil, errors.New("openai provider is not configured")
	}
	client := newSDKClient(config)

	for attempt := 0; attempt < fetchModelsAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchModelsTimeout)
		list, err := client.ListModels(fetchCtx)
		cancel()
		if err != nil {
			continue
		}
		var models []ai.Model
		for _, m := range list.Models {
			if !isChatModel(m.ID) {
				continue
			}
			models = append(models, ai.Model{
				ID:            m.ID,
				Name:          m.ID,
				ContextWindow: contextWindowFor(m.ID),
				MaxOutput:     maxOutputFor(m.ID),
				Capabilities:  capabilitiesFor(m.ID),
			})
		}
		if len(models) > 0 {
			return models, nil
		}
	}
	return catalog, nil
}

func (p *Provider) ModelDetails(modelID string) (*ai.Model, bool) {
	for i := range catalog {
		if catalog[i].ID == modelID {
			m := catalog[i]
			return &m, true
		}
	}
	return nil, false
}

func (p *Provider) ModelCapabilities(modelID string) ai.CapabilitySet {
	return capabilitiesFor(modelID)
}

// CreateClient builds a streaming client bound to one model.
func (p *Provider) CreateClient(config map[string]any, modelID string) (ai.Client, error) {
	if !p.IsConfigured(config) {
		return nil, errors.New("openai provider is not configured")
	}
	if modelID == "" {
		return nil, errors.New("model id is required")
	}
	return &streamClient{sdk: newSDKClient(config), model: modelID}, nil
}

func newSDKClient(config map[string]any) *sdk.Client {
	cfg := sdk.DefaultConfig(ai.ConfigString(config, "api_key"))
	if baseURL := ai.ConfigString(config, "base_url"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if org := ai.ConfigString(config, "organization"); org != "" {
		cfg.OrgID = org
	}
	return sdk.NewClientWithConfig(cfg)
}

func isChatModel(id string) bool {
	return strings.HasPrefix(id, "gpt-") || strings.HasPrefix(id, "o1") ||
		strings.HasPrefix(id, "o3") || strings.HasPrefix(id, "o4")
}

func capabilitiesFor(modelID string) ai.CapabilitySet {
	for i := range catalog {
		if catalog[i].ID == modelID {
			return catalog[i].Capabilities
		}
	}
	if strings.HasPrefix(modelID, "o1") || strings.HasPrefix(modelID, "o3") || strings.HasPrefix(modelID, "o4") {
		return ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityReasoning)
	}
	return ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput)
}

func contextWindowFor(modelID string) int {
	for i := range catalog {
		if catalog[i].ID == modelID {
			return catalog[i].ContextWindow
		}
	}
	return 128000
}

func maxOutputFor(modelID string) int {
	for i := range catalog {
		if catalog[i].ID == modelID {
			return catalog[i].MaxOutput
		}
	}
	return 16384
}

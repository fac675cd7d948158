// Package anthropic adapts the Anthropic Messages API to the provider
// interface.
package anthropic

import (
	"context"
	"errors"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quillhq/quill/internal/ai"
)

const (
	fetchModelsTimeout  = 10 * time.Second
	fetchModelsAttempts = 2
)

// catalog is the embedded model metadata used when the models endpoint is
// unreachable.
var catalog = []ai.Model{
	{
		ID:            "claude-3-5-sonnet-latest",
		Name:          "Claude 3.5 Sonnet",
		ContextWindow: 200000,
		MaxOutput:     8192,
		Capabilities:  ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput, ai.CapabilityStructuredOutput),
	},
	{
		ID:            "claude-3-5-haiku-latest",
		Name:          "Claude 3.5 Haiku",
		ContextWindow: 200000,
		MaxOutput:     8192,
		Capabilities:  ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput),
	},
	{
		ID:            "claude-3-opus-latest",
		Name:          "Claude 3 Opus",
		ContextWindow: 200000,
		MaxOutput:     4096,
		Capabilities:  ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput),
	},
}

// Provider implements ai.Provider for Anthropic.
type Provider struct{}

// New creates the Anthropic provider adapter.
func New() *Provider { return &Provider{} }

func (p *Provider) ID() string   { return "anthropic" }
func (p *Provider) Name() string { return "Anthropic" }

func (p *Provider) Description() string {
	return "Claude models via the Anthropic Messages API"
}

func (p *Provider) ConfigSchema() []ai.ConfigField {
	return []ai.ConfigField{
		{Name: "api_key", Label: "API Key", Type: "string", Required: true, Secret: true},
		{Name: "base_url", Label: "Base URL", Type: "string"},
	}
}

func (p *Provider) IsConfigured(config map[string]any) bool {
	return ai.ConfigString(config, "api_key") != ""
}

// FetchModels lists models from the API, falling back to the embedded
// catalog after bounded retries.
func (p *Provider) FetchModels(ctx context.Context, config map[string]any) ([]ai.Model, error) {
	if !p.IsConfigured(config) {
		return nil, errors.New("anthropic provider is not configured")
	}
	client := newSDKClient(config)

	var lastErr error
	for attempt := 0; attempt < fetchModelsAttempts; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchModelsTimeout)
		page, err := client.Models.List(fetchCtx, sdk.ModelListParams{})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		var models []ai.Model
		for _, info := range page.Data {
			models = append(models, ai.Model{
				ID:           string(info.ID),
				Name:         info.DisplayName,
				Capabilities: capabilitiesFor(string(info.ID)),
				// The models endpoint carries no limits; reuse catalog values
				// when the id is known.
				ContextWindow: contextWindowFor(string(info.ID)),
				MaxOutput:     maxOutputFor(string(info.ID)),
			})
		}
		if len(models) > 0 {
			return models, nil
		}
	}
	if lastErr != nil {
		// Registry-embedded metadata keeps the provider usable offline.
		return catalog, nil
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
		return nil, errors.New("anthropic provider is not configured")
	}
	if modelID == "" {
		return nil, errors.New("model id is required")
	}
	client := newSDKClient(config)
	return &streamClient{sdk: client, model: modelID}, nil
}

func newSDKClient(config map[string]any) sdk.Client {
	opts := []option.RequestOption{option.WithAPIKey(ai.ConfigString(config, "api_key"))}
	if baseURL := ai.ConfigString(config, "base_url"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return sdk.NewClient(opts...)
}

func capabilitiesFor(modelID string) ai.CapabilitySet {
	for i := range catalog {
		if catalog[i].ID == modelID {
			return catalog[i].Capabilities
		}
	}
	// Unknown Claude models still accept tools and images.
	return ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput)
}

func contextWindowFor(modelID string) int {
	for i := range catalog {
		if catalog[i].ID == modelID {
			return catalog[i].ContextWindow
		}
	}
	return 200000
}

func maxOutputFor(modelID string) int {
	for i := range catalog {
		if catalog[i].ID == modelID {
			return catalog[i].MaxOutput
		}
	}
	return 4096
}

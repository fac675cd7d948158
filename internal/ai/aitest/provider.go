// Package aitest provides a scripted in-memory provider for orchestrator and
// API tests. Each Stream call plays back the next scripted chunk sequence.
package aitest

import (
	"context"
	"errors"
	"sync"

	"github.com/quillhq/quill/internal/ai"
)

// Script is the chunk sequence for one provider request.
type Script []ai.Chunk

// TextScript builds a script that streams text and finishes with stop.
func TextScript(text string, usage *ai.Usage) Script {
	return Script{
		{Kind: ai.ChunkTextStart},
		{Kind: ai.ChunkTextDelta, Text: text},
		{Kind: ai.ChunkTextEnd},
		{Kind: ai.ChunkFinish, FinishReason: ai.FinishStop, Usage: usage},
	}
}

// ToolCallScript builds a script that requests one tool call and finishes
// with tool-calls.
func ToolCallScript(callID, toolName string, input map[string]any, usage *ai.Usage) Script {
	return Script{
		{Kind: ai.ChunkToolInputStart, ToolCallID: callID, ToolName: toolName},
		{Kind: ai.ChunkToolInputEnd, ToolCallID: callID, ToolName: toolName},
		{Kind: ai.ChunkToolCall, ToolCallID: callID, ToolName: toolName, Input: input},
		{Kind: ai.ChunkFinish, FinishReason: ai.FinishToolCalls, Usage: usage},
	}
}

// Provider implements ai.Provider with scripted responses.
type Provider struct {
	mu          sync.Mutex
	scripts     []Script
	sideScripts []Script
	// Requests records every request passed to Stream, in order.
	Requests []ai.Request
	// Hold, when set, delays each script until the context is canceled or the
	// channel is closed. Used by abort tests.
	Hold chan struct{}
	// Caps overrides the advertised model capabilities when set.
	Caps ai.CapabilitySet

	configured bool
}

// New creates a configured scripted provider with the given playback queue.
func New(scripts ...Script) *Provider {
	return &Provider{scripts: scripts, configured: true}
}

// NewUnconfigured creates a provider whose IsConfigured is false.
func NewUnconfigured() *Provider {
	return &Provider{}
}

// Enqueue appends more scripts to the playback queue.
func (p *Provider) Enqueue(scripts ...Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, scripts...)
}

// EnqueueSide queues scripts for requests that advertise no tools, such as
// title generation. They play from their own queue so side requests never
// steal the main playback order.
func (p *Provider) EnqueueSide(scripts ...Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sideScripts = append(p.sideScripts, scripts...)
}

func (p *Provider) ID() string          { return "aitest" }
func (p *Provider) Name() string        { return "Scripted Test Provider" }
func (p *Provider) Description() string { return "plays back scripted chunk sequences" }

func (p *Provider) ConfigSchema() []ai.ConfigField {
	return []ai.ConfigField{
		{Name: "api_key", Label: "API Key", Type: "string", Required: true, Secret: true},
	}
}

func (p *Provider) IsConfigured(map[string]any) bool { return p.configured }

func (p *Provider) FetchModels(context.Context, map[string]any) ([]ai.Model, error) {
	return []ai.Model{{
		ID:            "scripted-1",
		Name:          "Scripted Model",
		ContextWindow: 100000,
		MaxOutput:     8192,
		Capabilities:  p.capabilities(),
	}}, nil
}

func (p *Provider) ModelDetails(modelID string) (*ai.Model, bool) {
	if modelID != "scripted-1" {
		return nil, false
	}
	return &ai.Model{ID: "scripted-1", Name: "Scripted Model", ContextWindow: 100000, MaxOutput: 8192,
		Capabilities: p.capabilities()}, true
}

func (p *Provider) ModelCapabilities(string) ai.CapabilitySet {
	return p.capabilities()
}

func (p *Provider) capabilities() ai.CapabilitySet {
	if p.Caps != nil {
		return p.Caps
	}
	return ai.NewCapabilitySet(ai.CapabilityTools, ai.CapabilityImageInput)
}

func (p *Provider) CreateClient(config map[string]any, modelID string) (ai.Client, error) {
	if !p.configured {
		return nil, errors.New("aitest provider is not configured")
	}
	return &scriptedClient{provider: p}, nil
}

type scriptedClient struct {
	provider *Provider
}

func (c *scriptedClient) Stream(ctx context.Context, req ai.Request) (<-chan ai.Chunk, error) {
	p := c.provider
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	var script Script
	if len(req.Tools) == 0 {
		if len(p.sideScripts) == 0 {
			p.mu.Unlock()
			return nil, errors.New("aitest: no side scripts left to play")
		}
		script = p.sideScripts[0]
		p.sideScripts = p.sideScripts[1:]
	} else {
		if len(p.scripts) == 0 {
			p.mu.Unlock()
			return nil, errors.New("aitest: no scripts left to play")
		}
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	hold := p.Hold
	p.mu.Unlock()

	chunks := make(chan ai.Chunk, len(script)+1)
	go func() {
		defer close(chunks)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				chunks <- ai.Chunk{Kind: ai.ChunkAbort}
				return
			}
		}
		for _, chunk := range script {
			select {
			case <-ctx.Done():
				chunks <- ai.Chunk{Kind: ai.ChunkAbort}
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, nil
}

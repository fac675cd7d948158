package tools

import (
	"context"
	"fmt"
)

// Asker blocks a question until the user answers (or the session goes away).
type Asker interface {
	Ask(ctx context.Context, sessionID, question string, options []string) (string, error)
}

// AskTool lets the model ask the user a question mid-stream. The call blocks
// until answerAsk resolves it.
type AskTool struct {
	asker Asker
}

// NewAskTool creates the tool.
func NewAskTool(asker Asker) *AskTool {
	return &AskTool{asker: asker}
}

func (t *AskTool) Name() string { return "ask" }

func (t *AskTool) Description() string {
	return "Ask the user a question and wait for their answer. Use when a decision genuinely needs user input; prefer acting on available information otherwise."
}

func (t *AskTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"question": map[string]any{"type": "string"},
			"options": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Optional suggested answers",
			},
		},
		"required": []any{"question"},
	}
}

func (t *AskTool) Label(map[string]any) string { return "Waiting for your answer" }

func (t *AskTool) Execute(ctx context.Context, sessionID string, input map[string]any) (string, error) {
	question := stringInput(input, "question")
	if question == "" {
		return "", fmt.Errorf("question is required")
	}
	var options []string
	if raw, ok := input["options"].([]any); ok {
		for _, o := range raw {
			if s, ok := o.(string); ok {
				options = append(options, s)
			}
		}
	}
	return t.asker.Ask(ctx, sessionID, question, options)
}

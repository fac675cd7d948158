package orchestrator

import (
	"fmt"
	"strings"

	"github.com/quillhq/quill/internal/ai"
	"github.com/quillhq/quill/internal/session/models"
)

// buildHistory converts the persisted session tree into the provider-neutral
// message sequence. Reasoning parts never re-enter the context; tool results
// follow the assistant message that requested them. The capability set gates
// file-vs-text encoding; an empty set assumes a fully capable model.
func buildHistory(trees []*models.MessageTree, caps ai.CapabilitySet) []ai.Message {
	var out []ai.Message
	for _, tree := range trees {
		switch tree.Message.Role {
		case models.RoleUser:
			if msg, ok := userMessage(tree, caps); ok {
				out = append(out, msg)
			}
		case models.RoleAssistant:
			out = append(out, assistantMessages(tree, caps)...)
		}
	}
	return out
}

func userMessage(tree *models.MessageTree, caps ai.CapabilitySet) (ai.Message, bool) {
	msg := ai.Message{Role: "user"}
	for _, step := range tree.Steps {
		for _, part := range step.Parts {
			switch part.Type {
			case models.PartTypeText:
				if part.Content != "" {
					msg.Parts = append(msg.Parts, ai.MessagePart{Type: ai.MessagePartText, Text: part.Content})
				}
			case models.PartTypeFile:
				msg.Parts = append(msg.Parts, filePart(part, caps))
			case models.PartTypeError:
				msg.Parts = append(msg.Parts, ai.MessagePart{
					Type: ai.MessagePartText,
					Text: fmt.Sprintf("[unavailable attachment: %s]", part.Error),
				})
			}
		}
	}
	return msg, len(msg.Parts) > 0
}

// assistantMessages renders one assistant message tree. Each step becomes an
// assistant entry; steps that called tools are followed by a user entry
// carrying the results.
func assistantMessages(tree *models.MessageTree, caps ai.CapabilitySet) []ai.Message {
	var out []ai.Message
	for _, step := range tree.Steps {
		assistant := ai.Message{Role: "assistant"}
		var results []ai.MessagePart
		for _, part := range step.Parts {
			switch part.Type {
			case models.PartTypeText:
				if part.Content != "" {
					assistant.Parts = append(assistant.Parts, ai.MessagePart{Type: ai.MessagePartText, Text: part.Content})
				}
			case models.PartTypeTool:
				assistant.Parts = append(assistant.Parts, ai.MessagePart{
					Type:       ai.MessagePartToolCall,
					ToolCallID: part.ToolCallID,
					ToolName:   part.ToolName,
					Input:      part.Input,
				})
				result := ai.MessagePart{
					Type:       ai.MessagePartToolResult,
					ToolCallID: part.ToolCallID,
					ToolName:   part.ToolName,
					Result:     part.Result,
				}
				if part.Status == models.StatusError {
					result.Result = part.Error
					result.IsError = true
				}
				results = append(results, result)
			case models.PartTypeFile:
				assistant.Parts = append(assistant.Parts, filePart(part, caps))
			}
		}
		if len(assistant.Parts) > 0 {
			out = append(out, assistant)
		}
		if len(results) > 0 {
			out = append(out, ai.Message{Role: "user", Parts: results})
		}
	}
	return out
}

// filePart encodes a file part for the model. Images go through as typed
// file entries only when the model accepts image input; otherwise the part
// degrades to XML-wrapped text.
func filePart(part *models.Part, caps ai.CapabilitySet) ai.MessagePart {
	if strings.HasPrefix(part.MediaType, "image/") &&
		len(caps) > 0 && !caps.Has(ai.CapabilityImageInput) {
		return ai.MessagePart{
			Type: ai.MessagePartText,
			Text: fmt.Sprintf("<file path=%q media-type=%q>%s</file>",
				part.FilePath, part.MediaType, part.FileB64),
		}
	}
	return ai.MessagePart{
		Type:      ai.MessagePartFile,
		Text:      part.Content,
		MediaType: part.MediaType,
		DataB64:   part.FileB64,
		FilePath:  part.FilePath,
	}
}

// toolDefinitions renders the catalog for a request.
func toolDefinitions(list []toolEntry) []ai.ToolDefinition {
	out := make([]ai.ToolDefinition, 0, len(list))
	for _, entry := range list {
		out = append(out, ai.ToolDefinition{
			Name:        entry.name,
			Description: entry.description,
			InputSchema: entry.schema,
		})
	}
	return out
}

type toolEntry struct {
	name        string
	description string
	schema      map[string]any
}

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/quillhq/quill/internal/ai"
)

// streamClient issues one streaming chat completion per Stream call.
type streamClient struct {
	sdk   *sdk.Client
	model string
}

func (c *streamClient) Stream(ctx context.Context, req ai.Request) (<-chan ai.Chunk, error) {
	request, err := encodeRequest(c.model, req)
	if err != nil {
		return nil, err
	}
	stream, err := c.sdk.CreateChatCompletionStream(ctx, *request)
	if err != nil {
		return nil, fmt.Errorf("openai stream open: %w", err)
	}

	chunks := make(chan ai.Chunk, 32)
	go translate(ctx, stream, chunks)
	return chunks, nil
}

// pendingTool accumulates one tool call across delta chunks.
type pendingTool struct {
	id      string
	name    string
	input   strings.Builder
	started bool
}

func translate(ctx context.Context, stream *sdk.ChatCompletionStream, chunks chan<- ai.Chunk) {
	defer close(chunks)
	defer func() { _ = stream.Close() }()

	emit := func(chunk ai.Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// OpenAI has no explicit text block boundaries; synthesize start/end
	// around the run of content deltas.
	textOpen := false
	tools := map[int]*pendingTool{}
	finishReason := ""
	var usage *ai.Usage

	flushTools := func() bool {
		for i := 0; i < len(tools); i++ {
			pt := tools[i]
			if pt == nil || pt.id == "" || pt.name == "" {
				continue
			}
			if !emit(ai.Chunk{Kind: ai.ChunkToolInputEnd, ToolCallID: pt.id, ToolName: pt.name}) {
				return false
			}
			if !emit(ai.Chunk{
				Kind:       ai.ChunkToolCall,
				ToolCallID: pt.id,
				ToolName:   pt.name,
				Input:      decodeToolInput(pt.input.String()),
			}) {
				return false
			}
		}
		tools = map[int]*pendingTool{}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			emitAbort(chunks)
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if textOpen && !emit(ai.Chunk{Kind: ai.ChunkTextEnd}) {
					return
				}
				if !flushTools() {
					return
				}
				emit(ai.Chunk{Kind: ai.ChunkFinish, FinishReason: mapFinishReason(finishReason), Usage: usage})
				return
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				emitAbort(chunks)
				return
			}
			select {
			case chunks <- ai.Chunk{Kind: ai.ChunkError, ErrorMessage: err.Error()}:
			default:
			}
			return
		}

		if response.Usage != nil {
			usage = &ai.Usage{
				PromptTokens:     int64(response.Usage.PromptTokens),
				CompletionTokens: int64(response.Usage.CompletionTokens),
				TotalTokens:      int64(response.Usage.TotalTokens),
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		delta := choice.Delta

		if delta.Content != "" {
			if !textOpen {
				textOpen = true
				if !emit(ai.Chunk{Kind: ai.ChunkTextStart}) {
					return
				}
			}
			if !emit(ai.Chunk{Kind: ai.ChunkTextDelta, Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pt := tools[index]
			if pt == nil {
				pt = &pendingTool{}
				tools[index] = pt
			}
			if tc.ID != "" {
				pt.id = tc.ID
			}
			if tc.Function.Name != "" {
				pt.name = tc.Function.Name
			}
			if !pt.started && pt.id != "" && pt.name != "" {
				pt.started = true
				if !emit(ai.Chunk{Kind: ai.ChunkToolInputStart, ToolCallID: pt.id, ToolName: pt.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				pt.input.WriteString(tc.Function.Arguments)
				if !emit(ai.Chunk{
					Kind:       ai.ChunkToolInputDelta,
					ToolCallID: pt.id,
					ToolName:   pt.name,
					InputDelta: tc.Function.Arguments,
				}) {
					return
				}
			}
		}
	}
}

func emitAbort(chunks chan<- ai.Chunk) {
	select {
	case chunks <- ai.Chunk{Kind: ai.ChunkAbort}:
	default:
	}
}

func decodeToolInput(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

func mapFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return ai.FinishToolCalls
	case "stop", "":
		return ai.FinishStop
	case "length":
		return ai.FinishLength
	default:
		return reason
	}
}

func encodeRequest(model string, req ai.Request) (*sdk.ChatCompletionRequest, error) {
	messages, err := encodeMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}
	request := &sdk.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		StreamOptions: &sdk.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		request.Tools = encodeTools(req.Tools)
	}
	return request, nil
}

func encodeMessages(system string, messages []ai.Message) ([]sdk.ChatCompletionMessage, error) {
	out := make([]sdk.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		role := sdk.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = sdk.ChatMessageRoleAssistant
		}

		var text strings.Builder
		var images []sdk.ChatMessagePart
		var toolCalls []sdk.ToolCall
		var toolResults []sdk.ChatCompletionMessage

		for _, part := range msg.Parts {
			switch part.Type {
			case ai.MessagePartText:
				text.WriteString(part.Text)
			case ai.MessagePartFile:
				if strings.HasPrefix(part.MediaType, "image/") {
					images = append(images, sdk.ChatMessagePart{
						Type: sdk.ChatMessagePartTypeImageURL,
						ImageURL: &sdk.ChatMessageImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", part.MediaType, part.DataB64),
						},
					})
				} else {
					text.WriteString(wrapFileAsText(part))
				}
			case ai.MessagePartToolCall:
				args, err := json.Marshal(part.Input)
				if err != nil {
					return nil, fmt.Errorf("openai: tool call input: %w", err)
				}
				toolCalls = append(toolCalls, sdk.ToolCall{
					ID:   part.ToolCallID,
					Type: sdk.ToolTypeFunction,
					Function: sdk.FunctionCall{
						Name:      part.ToolName,
						Arguments: string(args),
					},
				})
			case ai.MessagePartToolResult:
				toolResults = append(toolResults, sdk.ChatCompletionMessage{
					Role:       sdk.ChatMessageRoleTool,
					Content:    part.Result,
					ToolCallID: part.ToolCallID,
				})
			default:
				return nil, fmt.Errorf("openai: unsupported message part type %q", part.Type)
			}
		}

		message := sdk.ChatCompletionMessage{Role: role}
		if len(images) > 0 {
			parts := make([]sdk.ChatMessagePart, 0, len(images)+1)
			if text.Len() > 0 {
				parts = append(parts, sdk.ChatMessagePart{Type: sdk.ChatMessagePartTypeText, Text: text.String()})
			}
			parts = append(parts, images...)
			message.MultiContent = parts
		} else {
			message.Content = text.String()
		}
		message.ToolCalls = toolCalls

		if message.Content != "" || len(message.MultiContent) > 0 || len(message.ToolCalls) > 0 {
			out = append(out, message)
		}
		// Tool results follow the assistant message that requested them.
		out = append(out, toolResults...)
	}

	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []ai.ToolDefinition) []sdk.Tool {
	out := make([]sdk.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return out
}

func wrapFileAsText(part ai.MessagePart) string {
	var b strings.Builder
	b.WriteString("<attachment")
	if part.FilePath != "" {
		fmt.Fprintf(&b, " path=%q", part.FilePath)
	}
	fmt.Fprintf(&b, " media-type=%q>", part.MediaType)
	b.WriteString(part.Text)
	b.WriteString("</attachment>")
	return b.String()
}

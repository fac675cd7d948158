package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/quillhq/quill/internal/ai"
)

const defaultMaxTokens = 8192

// streamClient issues one streaming Messages request per Stream call.
type streamClient struct {
	sdk   sdk.Client
	model string
}

func (c *streamClient) Stream(ctx context.Context, req ai.Request) (<-chan ai.Chunk, error) {
	params, err := encodeRequest(c.model, req)
	if err != nil {
		return nil, err
	}
	stream := c.sdk.Messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream open: %w", err)
	}

	chunks := make(chan ai.Chunk, 32)
	go translate(ctx, stream, chunks)
	return chunks, nil
}

// translate converts SDK events into provider-neutral chunks and closes the
// channel when the stream ends.
func translate(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], chunks chan<- ai.Chunk) {
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

	// Per-index block type so content_block_stop knows what it closes.
	blockTypes := map[int]string{}
	toolBuffers := map[int]*toolBuffer{}
	var stopReason string
	var usage *ai.Usage

	for stream.Next() {
		select {
		case <-ctx.Done():
			emitAbort(chunks)
			return
		default:
		}

		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			// Input tokens arrive up front; output tokens on message_delta.
			usage = &ai.Usage{PromptTokens: ev.Message.Usage.InputTokens}

		case sdk.ContentBlockStartEvent:
			idx := int(ev.Index)
			switch start := ev.ContentBlock.AsAny().(type) {
			case sdk.ToolUseBlock:
				blockTypes[idx] = "tool"
				toolBuffers[idx] = &toolBuffer{id: start.ID, name: start.Name}
				if !emit(ai.Chunk{Kind: ai.ChunkToolInputStart, ToolCallID: start.ID, ToolName: start.Name}) {
					return
				}
			case sdk.ThinkingBlock:
				blockTypes[idx] = "reasoning"
				if !emit(ai.Chunk{Kind: ai.ChunkReasoningStart}) {
					return
				}
			default:
				blockTypes[idx] = "text"
				if !emit(ai.Chunk{Kind: ai.ChunkTextStart}) {
					return
				}
			}

		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(ai.Chunk{Kind: ai.ChunkTextDelta, Text: delta.Text}) {
					return
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if !emit(ai.Chunk{Kind: ai.ChunkReasoningDelta, Text: delta.Thinking}) {
					return
				}
			case sdk.InputJSONDelta:
				if delta.PartialJSON == "" {
					continue
				}
				tb := toolBuffers[idx]
				if tb == nil {
					continue
				}
				tb.fragments = append(tb.fragments, delta.PartialJSON)
				if !emit(ai.Chunk{
					Kind:       ai.ChunkToolInputDelta,
					ToolCallID: tb.id,
					ToolName:   tb.name,
					InputDelta: delta.PartialJSON,
				}) {
					return
				}
			}

		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			switch blockTypes[idx] {
			case "tool":
				tb := toolBuffers[idx]
				delete(toolBuffers, idx)
				if tb == nil {
					continue
				}
				input := decodeToolInput(tb.joined())
				if !emit(ai.Chunk{Kind: ai.ChunkToolInputEnd, ToolCallID: tb.id, ToolName: tb.name}) {
					return
				}
				if !emit(ai.Chunk{Kind: ai.ChunkToolCall, ToolCallID: tb.id, ToolName: tb.name, Input: input}) {
					return
				}
			case "reasoning":
				if !emit(ai.Chunk{Kind: ai.ChunkReasoningEnd}) {
					return
				}
			case "text":
				if !emit(ai.Chunk{Kind: ai.ChunkTextEnd}) {
					return
				}
			}
			delete(blockTypes, idx)

		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			if usage == nil {
				usage = &ai.Usage{}
			}
			if ev.Usage.InputTokens > 0 {
				usage.PromptTokens = ev.Usage.InputTokens
			}
			usage.CompletionTokens = ev.Usage.OutputTokens
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		case sdk.MessageStopEvent:
			emit(ai.Chunk{Kind: ai.ChunkFinish, FinishReason: mapStopReason(stopReason), Usage: usage})
			return
		}
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			emitAbort(chunks)
			return
		}
		select {
		case chunks <- ai.Chunk{Kind: ai.ChunkError, ErrorMessage: err.Error()}:
		default:
		}
	}
}

func emitAbort(chunks chan<- ai.Chunk) {
	select {
	case chunks <- ai.Chunk{Kind: ai.ChunkAbort}:
	default:
	}
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) joined() string {
	return strings.Join(tb.fragments, "")
}

// decodeToolInput parses accumulated JSON; malformed input yields an empty
// object so the tool still runs with its defaults.
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

func mapStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return ai.FinishToolCalls
	case "end_turn", "stop_sequence":
		return ai.FinishStop
	case "max_tokens":
		return ai.FinishLength
	case "":
		return ai.FinishStop
	default:
		return reason
	}
}

func encodeRequest(model string, req ai.Request) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(messages []ai.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Type {
			case ai.MessagePartText:
				if part.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(part.Text))
				}
			case ai.MessagePartFile:
				if strings.HasPrefix(part.MediaType, "image/") {
					blocks = append(blocks, sdk.NewImageBlockBase64(part.MediaType, part.DataB64))
				} else {
					blocks = append(blocks, sdk.NewTextBlock(wrapFileAsText(part)))
				}
			case ai.MessagePartToolCall:
				input := part.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(part.ToolCallID, input, part.ToolName))
			case ai.MessagePartToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(part.ToolCallID, part.Result, part.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported message part type %q", part.Type)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch msg.Role {
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []ai.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("anthropic: tool name is required")
		}
		schema := sdk.ToolInputSchemaParam{}
		if def.InputSchema != nil {
			schema.ExtraFields = def.InputSchema
		}
		tool := sdk.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil && def.Description != "" {
			tool.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, tool)
	}
	return out, nil
}

// wrapFileAsText renders a non-image attachment for models without native
// file input.
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

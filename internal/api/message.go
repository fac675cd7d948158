package api

import (
	"context"
	"encoding/base64"

	"github.com/quillhq/quill/internal/orchestrator"
	"github.com/quillhq/quill/internal/rpc"
)

func (c *Catalog) registerMessage(reg *rpc.Registry) {
	reg.MustRegister("message.triggerStream", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"sessionId": {"type": "string"},
				"providerId": {"type": "string"},
				"modelId": {"type": "string"},
				"agentId": {"type": "string"},
				"parts": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"properties": {
							"type": {"type": "string", "enum": ["text", "file"]},
							"text": {"type": "string"},
							"path": {"type": "string"},
							"mediaType": {"type": "string"},
							"dataB64": {"type": "string"},
							"fileId": {"type": "string"}
						},
						"required": ["type"]
					}
				}
			},
			"required": ["parts"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			streamInput := orchestrator.StreamInput{
				SessionID:  strInput(input, "sessionId"),
				ProviderID: strInput(input, "providerId"),
				ModelID:    strInput(input, "modelId"),
				AgentID:    strInput(input, "agentId"),
			}
			rawParts, _ := input["parts"].([]any)
			for _, raw := range rawParts {
				item, ok := raw.(map[string]any)
				if !ok {
					return nil, rpc.ValidationError("parts must be objects")
				}
				part, err := c.buildStreamPart(ctx, item)
				if err != nil {
					return nil, err
				}
				streamInput.Parts = append(streamInput.Parts, part)
			}

			result, err := c.orch.Stream(ctx, streamInput)
			if err != nil {
				return nil, rpc.AsError(err)
			}
			return result, nil
		},
	})

	reg.MustRegister("message.abortStream", &rpc.Procedure{
		Kind:        rpc.KindMutation,
		InputSchema: idSchema("sessionId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			aborted := c.orch.Abort(strInput(input, "sessionId"))
			return map[string]any{"aborted": aborted}, nil
		},
	})

	reg.MustRegister("message.getBySession", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("sessionId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			sessionID := strInput(input, "sessionId")
			if _, err := c.getSession(ctx, sessionID); err != nil {
				return nil, err
			}
			trees, err := c.store.ListMessageTrees(ctx, sessionID)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"messages": trees}, nil
		},
	})

	reg.MustRegister("message.answerAsk", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"sessionId": {"type": "string", "minLength": 1},
				"askId": {"type": "string", "minLength": 1},
				"answer": {"type": "string"}
			},
			"required": ["sessionId", "askId", "answer"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			answered := c.orch.Asks().Answer(ctx,
				strInput(input, "sessionId"), strInput(input, "askId"), strInput(input, "answer"))
			if !answered {
				return nil, rpc.NotFoundError("ask %s not found", strInput(input, "askId"))
			}
			return map[string]any{"answered": true}, nil
		},
	})

	reg.MustRegister("message.getPendingAsks", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("sessionId"),
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"asks": c.orch.Asks().Pending(strInput(input, "sessionId"))}, nil
		},
	})
}

// buildStreamPart maps one wire part to an orchestrator input part. A fileId
// reference is inlined from the object store.
func (c *Catalog) buildStreamPart(ctx context.Context, item map[string]any) (orchestrator.InputPart, error) {
	part := orchestrator.InputPart{
		Type:      strInput(item, "type"),
		Text:      strInput(item, "text"),
		Path:      strInput(item, "path"),
		MediaType: strInput(item, "mediaType"),
		DataB64:   strInput(item, "dataB64"),
	}
	fileID := strInput(item, "fileId")
	if part.Type == "file" && fileID != "" {
		content, data, err := c.files.Content(ctx, fileID)
		if err != nil {
			return part, rpc.NotFoundError("file %s not found", fileID)
		}
		part.DataB64 = base64.StdEncoding.EncodeToString(data)
		if part.MediaType == "" {
			part.MediaType = content.MediaType
		}
		if part.Path == "" {
			part.Path = content.RelativePath
		}
	}
	return part, nil
}

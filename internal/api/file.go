package api

import (
	"context"
	"encoding/base64"

	"github.com/quillhq/quill/internal/rpc"
)

func (c *Catalog) registerFile(reg *rpc.Registry) {
	reg.MustRegister("file.upload", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "minLength": 1},
				"mediaType": {"type": "string", "minLength": 1},
				"dataB64": {"type": "string", "minLength": 1}
			},
			"required": ["path", "mediaType", "dataB64"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			data, err := base64.StdEncoding.DecodeString(strInput(input, "dataB64"))
			if err != nil {
				return nil, rpc.ValidationError("dataB64 is not valid base64: %v", err)
			}
			content, err := c.files.Store(ctx, strInput(input, "path"), strInput(input, "mediaType"), data)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{
				"fileId": content.ID,
				"sha256": content.SHA256,
				"url":    "/files/" + content.ID,
			}, nil
		},
	})

	reg.MustRegister("file.download", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("fileId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			content, data, err := c.files.Content(ctx, strInput(input, "fileId"))
			if err != nil {
				return nil, rpc.NotFoundError("file %s not found", strInput(input, "fileId"))
			}
			return map[string]any{
				"metadata": content,
				"dataB64":  base64.StdEncoding.EncodeToString(data),
			}, nil
		},
	})

	reg.MustRegister("file.getMetadata", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("fileId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			content, err := c.files.Get(ctx, strInput(input, "fileId"))
			if err != nil {
				return nil, rpc.NotFoundError("file %s not found", strInput(input, "fileId"))
			}
			return map[string]any{"metadata": content}, nil
		},
	})

	// Orphan blobs older than the grace window; callers run this on their
	// own schedule, there is no background timer.
	reg.MustRegister("file.cleanupOrphans", &rpc.Procedure{
		Kind: rpc.KindMutation,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			removed, err := c.files.CleanupOrphans(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"removed": removed}, nil
		},
	})
}

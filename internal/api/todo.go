package api

import (
	"context"

	"github.com/quillhq/quill/internal/rpc"
)

func (c *Catalog) registerTodo(reg *rpc.Registry) {
	reg.MustRegister("todo.update", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"sessionId": {"type": "string", "minLength": 1},
				"todos": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"id": {"type": "integer"},
							"content": {"type": "string", "minLength": 1},
							"activeForm": {"type": "string"},
							"status": {"type": "string", "enum": ["pending", "in_progress", "completed"]}
						},
						"required": ["content", "status"]
					}
				}
			},
			"required": ["sessionId", "todos"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			sessionID := strInput(input, "sessionId")
			if _, err := c.getSession(ctx, sessionID); err != nil {
				return nil, err
			}
			todos, err := c.todos.Replace(ctx, sessionID, input)
			if err != nil {
				return nil, rpc.ValidationError("%v", err)
			}
			return map[string]any{"todos": todos}, nil
		},
	})

	reg.MustRegister("todo.getBySession", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("sessionId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			sessionID := strInput(input, "sessionId")
			if _, err := c.getSession(ctx, sessionID); err != nil {
				return nil, err
			}
			todos, err := c.store.ListTodos(ctx, sessionID)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"todos": todos}, nil
		},
	})
}

package api

import (
	"context"

	"github.com/quillhq/quill/internal/bash"
	"github.com/quillhq/quill/internal/rpc"
)

func (c *Catalog) registerBash(reg *rpc.Registry) {
	reg.MustRegister("bash.execute", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1},
				"mode": {"type": "string", "enum": ["active", "background"]},
				"cwd": {"type": "string"},
				"timeout": {"type": "integer", "minimum": 1, "maximum": 600},
				"pty": {"type": "boolean"}
			},
			"required": ["command"]
		}`),
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			mode := bash.ModeActive
			if strInput(input, "mode") == string(bash.ModeBackground) {
				mode = bash.ModeBackground
			}
			id, err := c.bash.Execute(strInput(input, "command"), bash.ExecuteOptions{
				Mode:           mode,
				Cwd:            strInput(input, "cwd"),
				TimeoutSeconds: intInput(input, "timeout", 0),
				PTY:            boolInput(input, "pty"),
			})
			if err != nil {
				return nil, rpc.ValidationError("%v", err)
			}
			proc, _ := c.bash.Get(id)
			return map[string]any{"bashId": id, "process": proc}, nil
		},
	})

	reg.MustRegister("bash.list", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"processes": c.bash.List()}, nil
		},
	})

	reg.MustRegister("bash.get", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("bashId"),
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			proc, ok := c.bash.Get(strInput(input, "bashId"))
			if !ok {
				return nil, rpc.NotFoundError("process %s not found", strInput(input, "bashId"))
			}
			return map[string]any{"process": proc}, nil
		},
	})

	reg.MustRegister("bash.kill", &rpc.Procedure{
		Kind:        rpc.KindMutation,
		InputSchema: idSchema("bashId"),
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"killed": c.bash.Kill(strInput(input, "bashId"))}, nil
		},
	})

	reg.MustRegister("bash.demote", &rpc.Procedure{
		Kind:        rpc.KindMutation,
		InputSchema: idSchema("bashId"),
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"demoted": c.bash.Demote(strInput(input, "bashId"))}, nil
		},
	})

	reg.MustRegister("bash.promote", &rpc.Procedure{
		Kind:        rpc.KindMutation,
		InputSchema: idSchema("bashId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"promoted": c.bash.Promote(ctx, strInput(input, "bashId"))}, nil
		},
	})

	reg.MustRegister("bash.getActive", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			proc, ok := c.bash.GetActive()
			if !ok {
				return map[string]any{"process": nil}, nil
			}
			return map[string]any{"process": proc}, nil
		},
	})

	reg.MustRegister("bash.getActiveQueueLength", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"length": c.bash.GetActiveQueueLength()}, nil
		},
	})
}

package api

import (
	"context"
	"time"

	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/rpc"
)

func (c *Catalog) registerConfig(reg *rpc.Registry) {
	// load returns only sanitized views: secret values never leave the
	// server, only which secret fields are set.
	reg.MustRegister("config.load", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			views, err := c.configs.Views(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{
				"providers": views,
				"agents":    c.agents.Agents(),
				"rules":     c.agents.Rules(),
			}, nil
		},
	})

	// save accepts a config map per provider. Secret fields in the payload
	// are ignored; setProviderSecret is the only write path for them.
	reg.MustRegister("config.save", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"providers": {
					"type": "object",
					"additionalProperties": {"type": "object"}
				}
			},
			"required": ["providers"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			providers, _ := input["providers"].(map[string]any)
			for providerID, raw := range providers {
				config, ok := raw.(map[string]any)
				if !ok {
					return nil, rpc.ValidationError("config for %s must be an object", providerID)
				}
				if err := c.configs.SaveConfig(ctx, providerID, config); err != nil {
					return nil, rpc.AsError(err)
				}
			}
			c.publishConfigUpdated(ctx)
			return map[string]any{"saved": true}, nil
		},
	})

	reg.MustRegister("config.updateProviderConfig", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"providerId": {"type": "string", "minLength": 1},
				"config": {"type": "object"}
			},
			"required": ["providerId", "config"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			config, _ := input["config"].(map[string]any)
			providerID := strInput(input, "providerId")
			if err := c.configs.SaveConfig(ctx, providerID, config); err != nil {
				return nil, rpc.AsError(err)
			}
			c.publishConfigUpdated(ctx)
			view, err := c.configs.View(ctx, providerID)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"provider": view}, nil
		},
	})

	reg.MustRegister("config.setProviderSecret", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"providerId": {"type": "string", "minLength": 1},
				"field": {"type": "string", "minLength": 1},
				"value": {"type": "string"}
			},
			"required": ["providerId", "field", "value"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			err := c.configs.SetSecret(ctx,
				strInput(input, "providerId"), strInput(input, "field"), strInput(input, "value"))
			if err != nil {
				return nil, rpc.ValidationError("%v", err)
			}
			c.publishConfigUpdated(ctx)
			return map[string]any{"saved": true}, nil
		},
	})

	reg.MustRegister("config.removeProvider", &rpc.Procedure{
		Kind:        rpc.KindMutation,
		InputSchema: idSchema("providerId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			if err := c.configs.RemoveProvider(ctx, strInput(input, "providerId")); err != nil {
				return nil, rpc.AsError(err)
			}
			c.publishConfigUpdated(ctx)
			return map[string]any{"removed": true}, nil
		},
	})

	reg.MustRegister("config.getProviders", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			views, err := c.configs.Views(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"providers": views}, nil
		},
	})

	reg.MustRegister("config.getModels", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("providerId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			providerID := strInput(input, "providerId")
			provider, ok := c.providers.Get(providerID)
			if !ok {
				return nil, rpc.NotFoundError("unknown provider %s", providerID)
			}
			if cached, ok := c.providers.CachedModels(providerID); ok {
				return map[string]any{"models": cached}, nil
			}
			config, err := c.configs.Resolved(ctx, providerID)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			if !provider.IsConfigured(config) {
				return nil, rpc.NewError(rpc.KindProviderNotConfigured, "provider %s is not configured", providerID)
			}
			fetchCtx, cancel := context.WithTimeout(ctx, modelFetchTimeout)
			defer cancel()
			models, err := provider.FetchModels(fetchCtx, config)
			if err != nil {
				return nil, rpc.NewError(rpc.KindProviderStreamError, "failed to fetch models: %v", err)
			}
			c.providers.CacheModels(providerID, models)
			return map[string]any{"models": models}, nil
		},
	})

	reg.MustRegister("config.getAgents", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"agents": c.agents.Agents()}, nil
		},
	})

	reg.MustRegister("config.getRules", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"rules": c.agents.Rules()}, nil
		},
	})

	reg.MustRegister("config.reloadCatalogs", &rpc.Procedure{
		Kind: rpc.KindMutation,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			if err := c.agents.Reload(c.agentsDir, c.rulesDir); err != nil {
				return nil, rpc.NewError(rpc.KindInternal, "%v", err)
			}
			c.publishConfigUpdated(ctx)
			return map[string]any{
				"agents": len(c.agents.Agents()),
				"rules":  len(c.agents.Rules()),
			}, nil
		},
	})
}

func (c *Catalog) publishConfigUpdated(ctx context.Context) {
	c.publish(ctx, events.ChannelConfig, events.TypeConfigUpdated, map[string]any{
		"updatedAt": time.Now().UTC(),
	})
}

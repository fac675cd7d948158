package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/rpc"
	"github.com/quillhq/quill/internal/session/models"
	"github.com/quillhq/quill/internal/session/repository"
)

// modelFetchTimeout bounds the provider metadata call behind getById.
const modelFetchTimeout = 10 * time.Second

// compactDigestLimit caps how much conversation text the compaction summary
// carries into the new session.
const compactDigestLimit = 8 * 1024

func (c *Catalog) registerSession(reg *rpc.Registry) {
	reg.MustRegister("session.getRecent", &rpc.Procedure{
		Kind: rpc.KindQuery,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 100},
				"cursor": {"type": "string"}
			}
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			sessions, hasMore, err := c.store.ListRecentSessions(ctx, repository.ListSessionsOptions{
				Limit:  intInput(input, "limit", 0),
				Cursor: strInput(input, "cursor"),
			})
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"sessions": sessions, "hasMore": hasMore}, nil
		},
	})

	reg.MustRegister("session.getById", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("sessionId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			session, err := c.getSession(ctx, strInput(input, "sessionId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"session":     session,
				"modelStatus": c.modelStatus(ctx, session.ProviderID, session.ModelID),
			}, nil
		},
		Subscribe: func(ctx context.Context, input map[string]any) (<-chan rpc.StreamItem, error) {
			sessionID := strInput(input, "sessionId")
			if _, err := c.getSession(ctx, sessionID); err != nil {
				return nil, err
			}
			sub, err := c.broker.Subscribe(ctx, events.ChannelSession(sessionID), nil)
			if err != nil {
				return nil, rpc.NewError(rpc.KindInternal, "%v", err)
			}

			out := make(chan rpc.StreamItem)
			go func() {
				defer close(out)
				defer sub.Close()

				emit := func() bool {
					session, err := c.store.GetSession(ctx, sessionID)
					if err != nil || session == nil {
						return false
					}
					select {
					case out <- rpc.StreamItem{Value: map[string]any{"session": session}}:
						return true
					case <-ctx.Done():
						return false
					}
				}
				if !emit() {
					return
				}
				for {
					select {
					case <-ctx.Done():
						return
					case event, ok := <-sub.C():
						if !ok {
							return
						}
						switch event.Type {
						case events.TypeSessionDeleted:
							return
						case events.TypeSessionUpdated, events.TypeSessionTokensUpdated, events.TypeSessionCompacted:
							if !emit() {
								return
							}
						}
					}
				}
			}()
			return out, nil
		},
	})

	reg.MustRegister("session.getCount", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			count, err := c.store.CountSessions(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"count": count}, nil
		},
	})

	reg.MustRegister("session.getLast", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(ctx context.Context, _ map[string]any) (any, error) {
			session, err := c.store.GetLastSession(ctx)
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"session": session}, nil
		},
	})

	reg.MustRegister("session.search", &rpc.Procedure{
		Kind: rpc.KindQuery,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["query"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			sessions, err := c.store.SearchSessions(ctx, strInput(input, "query"), intInput(input, "limit", 20))
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"sessions": sessions}, nil
		},
	})

	reg.MustRegister("session.create", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"providerId": {"type": "string", "minLength": 1},
				"modelId": {"type": "string", "minLength": 1},
				"agentId": {"type": "string"},
				"title": {"type": "string"}
			},
			"required": ["providerId", "modelId"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			providerID := strInput(input, "providerId")
			if _, ok := c.providers.Get(providerID); !ok {
				return nil, rpc.NotFoundError("unknown provider %s", providerID)
			}
			agentID := strInput(input, "agentId")
			if agentID == "" {
				agentID = "coder"
			}
			now := time.Now().UTC()
			session := &models.Session{
				ID:         uuid.New().String(),
				ProviderID: providerID,
				ModelID:    strInput(input, "modelId"),
				AgentID:    agentID,
				NextTodoID: 1,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if title := strInput(input, "title"); title != "" {
				session.Title = &title
			}
			if err := c.store.CreateSession(ctx, session); err != nil {
				return nil, rpc.StorageError(err)
			}
			c.publish(ctx, events.ChannelSessions, events.TypeSessionCreated, map[string]any{
				"session": session.Summary(),
			})
			return map[string]any{"session": session}, nil
		},
	})

	c.registerSessionMutator(reg, "session.updateTitle", `{"title": {"type": "string"}}`, "title",
		func(session *models.Session, input map[string]any) error {
			title := strInput(input, "title")
			if title == "" {
				session.Title = nil
			} else {
				session.Title = &title
			}
			return nil
		})

	c.registerSessionMutator(reg, "session.updateModel", `{"modelId": {"type": "string", "minLength": 1}}`, "modelId",
		func(session *models.Session, input map[string]any) error {
			session.ModelID = strInput(input, "modelId")
			session.BaseContextTokens = nil
			return nil
		})

	c.registerSessionMutator(reg, "session.updateProvider", `{"providerId": {"type": "string", "minLength": 1}}`, "providerId",
		func(session *models.Session, input map[string]any) error {
			providerID := strInput(input, "providerId")
			if _, ok := c.providers.Get(providerID); !ok {
				return rpc.NotFoundError("unknown provider %s", providerID)
			}
			session.ProviderID = providerID
			session.BaseContextTokens = nil
			return nil
		})

	c.registerSessionMutator(reg, "session.updateRules", `{"ruleIds": {"type": "array", "items": {"type": "string"}}}`, "ruleIds",
		func(session *models.Session, input map[string]any) error {
			ids, ok := strSliceInput(input, "ruleIds")
			if !ok {
				return rpc.ValidationError("ruleIds must be an array of strings")
			}
			session.EnabledRuleIDs = ids
			session.BaseContextTokens = nil
			return nil
		})

	c.registerSessionMutator(reg, "session.updateAgent", `{"agentId": {"type": "string", "minLength": 1}}`, "agentId",
		func(session *models.Session, input map[string]any) error {
			agentID := strInput(input, "agentId")
			if _, ok := c.agents.Agent(agentID); !ok {
				return rpc.NotFoundError("unknown agent %s", agentID)
			}
			session.AgentID = agentID
			session.BaseContextTokens = nil
			return nil
		})

	c.registerSessionMutator(reg, "session.updateTools", `{"toolIds": {"type": ["array", "null"], "items": {"type": "string"}}}`, "toolIds",
		func(session *models.Session, input map[string]any) error {
			if input["toolIds"] == nil {
				session.EnabledToolIDs = nil
				return nil
			}
			ids, ok := strSliceInput(input, "toolIds")
			if !ok {
				return rpc.ValidationError("toolIds must be an array of strings or null")
			}
			session.EnabledToolIDs = ids
			return nil
		})

	reg.MustRegister("session.delete", &rpc.Procedure{
		Kind:        rpc.KindMutation,
		InputSchema: idSchema("sessionId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			sessionID := strInput(input, "sessionId")
			if _, err := c.getSession(ctx, sessionID); err != nil {
				return nil, err
			}
			c.orch.Abort(sessionID)
			c.orch.Asks().ClearSession(sessionID)
			if err := c.store.DeleteSession(ctx, sessionID); err != nil {
				return nil, rpc.StorageError(err)
			}
			payload := map[string]any{"sessionId": sessionID}
			c.publish(ctx, events.ChannelSession(sessionID), events.TypeSessionDeleted, payload)
			c.publish(ctx, events.ChannelSessions, events.TypeSessionDeleted, payload)
			return map[string]any{"deleted": true}, nil
		},
	})

	reg.MustRegister("session.compact", &rpc.Procedure{
		Kind:        rpc.KindMutation,
		InputSchema: idSchema("sessionId"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			return c.compactSession(ctx, strInput(input, "sessionId"))
		},
	})
}

// registerSessionMutator declares one optimistic session field mutation. All
// of them share the load-mutate-store-publish shape.
func (c *Catalog) registerSessionMutator(reg *rpc.Registry, path, fieldSchema, field string, apply func(*models.Session, map[string]any) error) {
	reg.MustRegister(path, &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(fmt.Sprintf(`{
			"type": "object",
			"properties": {
				"sessionId": {"type": "string", "minLength": 1},
				%s
			},
			"required": ["sessionId", %q]
		}`, strings.TrimSuffix(strings.TrimPrefix(fieldSchema, "{"), "}"), field)),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			session, err := c.getSession(ctx, strInput(input, "sessionId"))
			if err != nil {
				return nil, err
			}
			if err := apply(session, input); err != nil {
				return nil, err
			}
			session.UpdatedAt = time.Now().UTC()
			if err := c.store.UpdateSession(ctx, session); err != nil {
				return nil, rpc.StorageError(err)
			}
			c.publish(ctx, events.ChannelSession(session.ID), events.TypeSessionUpdated, map[string]any{
				"sessionId": session.ID,
				"session":   session,
			})
			c.publish(ctx, events.ChannelSessions, events.TypeSessionUpdated, map[string]any{
				"sessionId": session.ID,
			})
			return map[string]any{"session": session}, nil
		},
	})
}

// compactSession folds the conversation into a digest, starts a fresh
// session carrying it, and deletes the original. The message queue and any
// pending asks do not survive compaction.
func (c *Catalog) compactSession(ctx context.Context, sessionID string) (any, error) {
	old, err := c.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	c.orch.Abort(sessionID)
	c.orch.Asks().ClearSession(sessionID)

	trees, err := c.store.ListMessageTrees(ctx, sessionID)
	if err != nil {
		return nil, rpc.StorageError(err)
	}
	digest := conversationDigest(trees)

	now := time.Now().UTC()
	fresh := &models.Session{
		ID:             uuid.New().String(),
		Title:          old.Title,
		ProviderID:     old.ProviderID,
		ModelID:        old.ModelID,
		AgentID:        old.AgentID,
		EnabledRuleIDs: old.EnabledRuleIDs,
		EnabledToolIDs: old.EnabledToolIDs,
		NextTodoID:     1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateSession(ctx, fresh); err != nil {
		return nil, rpc.StorageError(err)
	}
	if digest != "" {
		if err := c.seedDigestMessage(ctx, fresh.ID, digest); err != nil {
			return nil, rpc.StorageError(err)
		}
	}
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return nil, rpc.StorageError(err)
	}

	c.publish(ctx, events.ChannelSession(sessionID), events.TypeSessionDeleted, map[string]any{"sessionId": sessionID})
	c.publish(ctx, events.ChannelSessions, events.TypeSessionDeleted, map[string]any{"sessionId": sessionID})
	c.publish(ctx, events.ChannelSessions, events.TypeSessionCreated, map[string]any{"session": fresh.Summary()})
	c.publish(ctx, events.ChannelSessions, events.TypeSessionCompacted, map[string]any{
		"oldSessionId": sessionID,
		"newSessionId": fresh.ID,
	})
	return map[string]any{"session": fresh}, nil
}

func (c *Catalog) seedDigestMessage(ctx context.Context, sessionID, digest string) error {
	now := time.Now().UTC()
	msg := &models.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Ordering:  now.UnixNano(),
		Status:    models.StatusCompleted,
		CreatedAt: now,
	}
	if err := c.store.CreateMessage(ctx, msg); err != nil {
		return err
	}
	step := &models.Step{
		ID:        uuid.New().String(),
		MessageID: msg.ID,
		Status:    models.StatusCompleted,
		StartedAt: now,
		EndedAt:   &now,
	}
	if err := c.store.CreateStep(ctx, step); err != nil {
		return err
	}
	return c.store.UpsertPart(ctx, &models.Part{
		ID:        uuid.New().String(),
		StepID:    step.ID,
		Type:      models.PartTypeText,
		Status:    models.StatusCompleted,
		Content:   "Summary of the previous conversation:\n\n" + digest,
		CreatedAt: now,
	})
}

// conversationDigest renders the transcript's text parts, newest last,
// truncated from the front to the digest limit.
func conversationDigest(trees []*models.MessageTree) string {
	var b strings.Builder
	for _, tree := range trees {
		for _, step := range tree.Steps {
			for _, part := range step.Parts {
				if part.Type != models.PartTypeText || part.Content == "" {
					continue
				}
				fmt.Fprintf(&b, "[%s] %s\n", tree.Message.Role, part.Content)
			}
		}
	}
	digest := b.String()
	if len(digest) > compactDigestLimit {
		digest = "…" + digest[len(digest)-compactDigestLimit:]
	}
	return strings.TrimSpace(digest)
}

// modelStatus derives whether the session's model is currently usable.
// Unconfigured providers and fetch failures report unknown rather than
// unavailable.
func (c *Catalog) modelStatus(ctx context.Context, providerID, modelID string) string {
	provider, ok := c.providers.Get(providerID)
	if !ok {
		return "unknown"
	}
	if _, ok := provider.ModelDetails(modelID); ok {
		return "available"
	}
	if cached, ok := c.providers.CachedModels(providerID); ok {
		for _, model := range cached {
			if model.ID == modelID {
				return "available"
			}
		}
	}

	config, err := c.configs.Resolved(ctx, providerID)
	if err != nil || !provider.IsConfigured(config) {
		return "unknown"
	}
	fetchCtx, cancel := context.WithTimeout(ctx, modelFetchTimeout)
	defer cancel()
	fetched, err := provider.FetchModels(fetchCtx, config)
	if err != nil {
		return "unknown"
	}
	c.providers.CacheModels(providerID, fetched)
	for _, model := range fetched {
		if model.ID == modelID {
			return "available"
		}
	}
	return "unavailable"
}

func (c *Catalog) getSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, rpc.ValidationError("sessionId is required")
	}
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, rpc.StorageError(err)
	}
	if session == nil {
		return nil, rpc.NotFoundError("session %s not found", sessionID)
	}
	return session, nil
}

func (c *Catalog) publish(ctx context.Context, channel, eventType string, payload map[string]any) {
	if _, err := c.broker.Publish(ctx, channel, eventType, payload); err != nil {
		c.log.WithError(err).Warn("Failed to publish event")
	}
}

// idSchema is the one-required-string-field input schema shared by many
// procedures.
func idSchema(field string) []byte {
	return schema(fmt.Sprintf(`{
		"type": "object",
		"properties": {%q: {"type": "string", "minLength": 1}},
		"required": [%q]
	}`, field, field))
}

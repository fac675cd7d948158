package api

import (
	"context"

	"github.com/quillhq/quill/internal/events"
	"github.com/quillhq/quill/internal/rpc"
)

// maxReplayLast caps history replay on the session subscriptions.
const maxReplayLast = 100

func (c *Catalog) registerEvents(reg *rpc.Registry) {
	reg.MustRegister("events.subscribe", &rpc.Procedure{
		Kind: rpc.KindSubscription,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"channel": {"type": "string", "minLength": 1},
				"fromCursor": {"type": "string"}
			},
			"required": ["channel"]
		}`),
		Subscribe: func(ctx context.Context, input map[string]any) (<-chan rpc.StreamItem, error) {
			var fromCursor *events.Cursor
			if raw := strInput(input, "fromCursor"); raw != "" {
				cursor, err := events.ParseCursor(raw)
				if err != nil {
					return nil, rpc.ValidationError("invalid cursor %q: %v", raw, err)
				}
				fromCursor = &cursor
			}
			sub, err := c.broker.Subscribe(ctx, strInput(input, "channel"), fromCursor)
			if err != nil {
				return nil, rpc.NewError(rpc.KindInternal, "%v", err)
			}
			return c.streamSubscription(ctx, sub), nil
		},
	})

	reg.MustRegister("events.subscribeToSession", &rpc.Procedure{
		Kind: rpc.KindSubscription,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"sessionId": {"type": "string", "minLength": 1},
				"replayLast": {"type": "integer", "minimum": 0, "maximum": 100}
			},
			"required": ["sessionId"]
		}`),
		Subscribe: func(ctx context.Context, input map[string]any) (<-chan rpc.StreamItem, error) {
			return c.subscribeWithHistory(ctx, events.ChannelSession(strInput(input, "sessionId")), input)
		},
	})

	reg.MustRegister("events.subscribeToSessionStream", &rpc.Procedure{
		Kind: rpc.KindSubscription,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"sessionId": {"type": "string", "minLength": 1},
				"replayLast": {"type": "integer", "minimum": 0, "maximum": 100}
			},
			"required": ["sessionId"]
		}`),
		Subscribe: func(ctx context.Context, input map[string]any) (<-chan rpc.StreamItem, error) {
			return c.subscribeWithHistory(ctx, events.ChannelSessionStream(strInput(input, "sessionId")), input)
		},
	})

	reg.MustRegister("events.subscribeToAllSessions", &rpc.Procedure{
		Kind: rpc.KindSubscription,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"replayLast": {"type": "integer", "minimum": 0, "maximum": 100}
			}
		}`),
		Subscribe: func(ctx context.Context, input map[string]any) (<-chan rpc.StreamItem, error) {
			return c.subscribeWithHistory(ctx, events.ChannelSessions, input)
		},
	})

	reg.MustRegister("events.getChannelInfo", &rpc.Procedure{
		Kind:        rpc.KindQuery,
		InputSchema: idSchema("channel"),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			info, err := c.broker.Info(ctx, strInput(input, "channel"))
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return info, nil
		},
	})

	reg.MustRegister("events.cleanupChannel", &rpc.Procedure{
		Kind: rpc.KindMutation,
		InputSchema: schema(`{
			"type": "object",
			"properties": {
				"channel": {"type": "string", "minLength": 1},
				"keepLast": {"type": "integer", "minimum": 0}
			},
			"required": ["channel"]
		}`),
		Resolve: func(ctx context.Context, input map[string]any) (any, error) {
			removed, err := c.broker.CleanupChannel(ctx, strInput(input, "channel"), intInput(input, "keepLast", 0))
			if err != nil {
				return nil, rpc.StorageError(err)
			}
			return map[string]any{"removed": removed}, nil
		},
	})
}

func (c *Catalog) subscribeWithHistory(ctx context.Context, channel string, input map[string]any) (<-chan rpc.StreamItem, error) {
	replay := intInput(input, "replayLast", 0)
	if replay > maxReplayLast {
		replay = maxReplayLast
	}
	sub, err := c.broker.SubscribeWithHistory(ctx, channel, replay)
	if err != nil {
		return nil, rpc.NewError(rpc.KindInternal, "%v", err)
	}
	return c.streamSubscription(ctx, sub), nil
}

// streamSubscription adapts a broker subscription to a procedure stream.
// Each event becomes one frame carrying its cursor so the client can resume.
func (c *Catalog) streamSubscription(ctx context.Context, sub *events.Subscription) <-chan rpc.StreamItem {
	out := make(chan rpc.StreamItem)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.C():
				if !ok {
					if err := sub.Err(); err != nil {
						select {
						case out <- rpc.StreamItem{Err: rpc.NewError(rpc.KindInternal, "%v", err)}:
						case <-ctx.Done():
						}
					}
					return
				}
				select {
				case out <- rpc.StreamItem{Value: eventFrame(event)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// eventFrame is the wire shape of one event on every subscription transport.
func eventFrame(event *events.Event) map[string]any {
	return map[string]any{
		"id":        event.ID,
		"cursor":    event.Cursor().String(),
		"channel":   event.Channel,
		"type":      event.Type,
		"timestamp": event.Timestamp,
		"payload":   event.Payload,
	}
}

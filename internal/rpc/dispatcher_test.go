package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/common/logger"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *Registry) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	registry := NewRegistry()
	return NewDispatcher(registry, log), registry
}

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"count": {"type": "integer", "minimum": 1}
	},
	"required": ["name"]
}`)

func TestDispatcherCallValidatesInput(t *testing.T) {
	d, registry := newTestDispatcher(t)
	require.NoError(t, registry.Register("test.echo", &Procedure{
		Kind:        KindQuery,
		InputSchema: echoSchema,
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			return map[string]any{"echoed": input["name"]}, nil
		},
	}))

	out, err := d.Call(context.Background(), "test.echo", map[string]any{"name": "quill"}, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"echoed": "quill"}, out)

	_, err = d.Call(context.Background(), "test.echo", map[string]any{"count": 3}, CallOptions{})
	require.Error(t, err)
	require.Equal(t, KindValidation, KindOf(err))

	_, err = d.Call(context.Background(), "test.echo", map[string]any{"name": "x", "count": 0}, CallOptions{})
	require.Equal(t, KindValidation, KindOf(err))

	_, err = d.Call(context.Background(), "test.missing", nil, CallOptions{})
	require.Equal(t, KindNotFound, KindOf(err))
}

func TestDispatcherWrapsUntypedErrors(t *testing.T) {
	d, registry := newTestDispatcher(t)
	require.NoError(t, registry.Register("test.fail", &Procedure{
		Kind: KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
	}))
	require.NoError(t, registry.Register("test.notfound", &Procedure{
		Kind: KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return nil, NotFoundError("session s1 not found")
		},
	}))

	_, err := d.Call(context.Background(), "test.fail", nil, CallOptions{})
	require.Equal(t, KindInternal, KindOf(err))

	_, err = d.Call(context.Background(), "test.notfound", nil, CallOptions{})
	require.Equal(t, KindNotFound, KindOf(err))
	var typed *Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, "session s1 not found", typed.Message)
}

func TestDispatcherFieldSelection(t *testing.T) {
	d, registry := newTestDispatcher(t)
	require.NoError(t, registry.Register("test.session", &Procedure{
		Kind: KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return map[string]any{
				"id":    "s1",
				"title": "hello",
				"usage": map[string]any{"prompt": 10, "completion": 20},
			}, nil
		},
	}))

	out, err := d.Call(context.Background(), "test.session", nil, CallOptions{
		Select: Select{"id": true, "usage": Select{"prompt": true}, "unknown": true},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"id":    "s1",
		"usage": map[string]any{"prompt": float64(10)},
	}, out)
}

func TestDispatcherSubscription(t *testing.T) {
	d, registry := newTestDispatcher(t)
	require.NoError(t, registry.Register("test.ticks", &Procedure{
		Kind: KindSubscription,
		Subscribe: func(ctx context.Context, _ map[string]any) (<-chan StreamItem, error) {
			out := make(chan StreamItem, 3)
			out <- StreamItem{Value: map[string]any{"n": 1, "noise": "x"}}
			out <- StreamItem{Value: map[string]any{"n": 2, "noise": "y"}}
			close(out)
			return out, nil
		},
	}))

	items, err := d.Subscribe(context.Background(), "test.ticks", nil, CallOptions{
		Select: Select{"n": true},
	})
	require.NoError(t, err)

	var got []any
	for item := range items {
		require.NoError(t, item.Err)
		got = append(got, item.Value)
	}
	require.Equal(t, []any{
		map[string]any{"n": float64(1)},
		map[string]any{"n": float64(2)},
	}, got, "selection applies to every update")
}

func TestDispatcherSubscriptionTerminalError(t *testing.T) {
	d, registry := newTestDispatcher(t)
	require.NoError(t, registry.Register("test.failing", &Procedure{
		Kind: KindSubscription,
		Subscribe: func(ctx context.Context, _ map[string]any) (<-chan StreamItem, error) {
			out := make(chan StreamItem, 2)
			out <- StreamItem{Value: map[string]any{"n": 1}}
			out <- StreamItem{Err: NewError(KindProviderStreamError, "upstream hung up")}
			close(out)
			return out, nil
		},
	}))

	items, err := d.Subscribe(context.Background(), "test.failing", nil, CallOptions{Select: Select{"n": true}})
	require.NoError(t, err)

	first := <-items
	require.NoError(t, first.Err)
	second := <-items
	require.Equal(t, KindProviderStreamError, KindOf(second.Err))
	_, open := <-items
	require.False(t, open, "errors are terminal")
}

func TestRegistryRejectsBadDeclarations(t *testing.T) {
	registry := NewRegistry()
	require.Error(t, registry.Register("", &Procedure{Resolve: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
	require.Error(t, registry.Register("x.y", &Procedure{}), "no resolver")
	require.Error(t, registry.Register("x.z", &Procedure{
		InputSchema: json.RawMessage(`{"type": 42}`),
		Resolve:     func(context.Context, map[string]any) (any, error) { return nil, nil },
	}), "schema compiles at registration")

	ok := &Procedure{Resolve: func(context.Context, map[string]any) (any, error) { return nil, nil }}
	require.NoError(t, registry.Register("x.ok", ok))
	require.Error(t, registry.Register("x.ok", ok), "duplicate path")
	require.Equal(t, []string{"x.ok"}, registry.Paths())
}

func TestProcedureDualNature(t *testing.T) {
	d, registry := newTestDispatcher(t)
	require.NoError(t, registry.Register("test.dual", &Procedure{
		Kind: KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return map[string]any{"snapshot": true}, nil
		},
		Subscribe: func(ctx context.Context, _ map[string]any) (<-chan StreamItem, error) {
			out := make(chan StreamItem, 1)
			out <- StreamItem{Value: map[string]any{"live": true}}
			close(out)
			return out, nil
		},
	}))

	out, err := d.Call(context.Background(), "test.dual", nil, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"snapshot": true}, out)

	items, err := d.Subscribe(context.Background(), "test.dual", nil, CallOptions{})
	require.NoError(t, err)
	item := <-items
	require.Equal(t, map[string]any{"live": true}, item.Value)
}

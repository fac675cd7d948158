// Package client is the caller side of the rpc framework: an entity cache
// with optimistic mutations, and transports for in-process and websocket
// connections.
package client

import (
	"context"

	"github.com/quillhq/quill/internal/rpc"
)

// Transport carries calls and subscriptions to a procedure catalog.
type Transport interface {
	Call(ctx context.Context, path string, kind rpc.Kind, input map[string]any, sel rpc.Select) (any, error)
	Subscribe(ctx context.Context, path string, input map[string]any, sel rpc.Select) (<-chan rpc.StreamItem, error)
	Close() error
}

// LocalTransport dispatches directly against an in-process catalog with
// zero serialization.
type LocalTransport struct {
	dispatcher *rpc.Dispatcher
}

// NewLocalTransport wraps a dispatcher.
func NewLocalTransport(d *rpc.Dispatcher) *LocalTransport {
	return &LocalTransport{dispatcher: d}
}

func (t *LocalTransport) Call(ctx context.Context, path string, _ rpc.Kind, input map[string]any, sel rpc.Select) (any, error) {
	return t.dispatcher.Call(ctx, path, input, rpc.CallOptions{Select: sel})
}

func (t *LocalTransport) Subscribe(ctx context.Context, path string, input map[string]any, sel rpc.Select) (<-chan rpc.StreamItem, error) {
	return t.dispatcher.Subscribe(ctx, path, input, rpc.CallOptions{Select: sel})
}

func (t *LocalTransport) Close() error { return nil }

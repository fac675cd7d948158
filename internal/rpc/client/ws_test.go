package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/common/logger"
	"github.com/quillhq/quill/internal/rpc"
)

func newWSFixture(t *testing.T) (*WSTransport, *rpc.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	registry := rpc.NewRegistry()
	dispatcher := rpc.NewDispatcher(registry, log)
	router := gin.New()
	rpc.NewWSServer(dispatcher, log).Register(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/rpc/ws"
	transport, err := DialWS(url, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport, registry
}

func TestWSTransportCall(t *testing.T) {
	transport, registry := newWSFixture(t)
	require.NoError(t, registry.Register("test.add", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(_ context.Context, input map[string]any) (any, error) {
			a, _ := input["a"].(float64)
			b, _ := input["b"].(float64)
			return map[string]any{"sum": a + b}, nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := transport.Call(ctx, "test.add", rpc.KindQuery, map[string]any{"a": 2, "b": 3}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"sum": float64(5)}, out)
}

func TestWSTransportTypedError(t *testing.T) {
	transport, registry := newWSFixture(t)
	require.NoError(t, registry.Register("test.gone", &rpc.Procedure{
		Kind: rpc.KindQuery,
		Resolve: func(context.Context, map[string]any) (any, error) {
			return nil, rpc.NotFoundError("session s9 not found")
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := transport.Call(ctx, "test.gone", rpc.KindQuery, nil, nil)
	require.Equal(t, rpc.KindNotFound, rpc.KindOf(err), "typed errors survive the wire")
}

func TestWSTransportSubscription(t *testing.T) {
	transport, registry := newWSFixture(t)
	require.NoError(t, registry.Register("test.counter", &rpc.Procedure{
		Kind: rpc.KindSubscription,
		Subscribe: func(ctx context.Context, _ map[string]any) (<-chan rpc.StreamItem, error) {
			out := make(chan rpc.StreamItem, 3)
			for i := 1; i <= 3; i++ {
				out <- rpc.StreamItem{Value: map[string]any{"n": i}}
			}
			close(out)
			return out, nil
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	items, err := transport.Subscribe(ctx, "test.counter", nil, nil)
	require.NoError(t, err)

	var got []float64
	for item := range items {
		require.NoError(t, item.Err)
		value := item.Value.(map[string]any)
		got = append(got, value["n"].(float64))
	}
	require.Equal(t, []float64{1, 2, 3}, got)
}

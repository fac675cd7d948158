package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/quill/internal/rpc"
)

// fakeTransport routes calls to a per-test handler.
type fakeTransport struct {
	handler func(path string, input map[string]any) (any, error)
}

func (f *fakeTransport) Call(_ context.Context, path string, _ rpc.Kind, input map[string]any, _ rpc.Select) (any, error) {
	return f.handler(path, input)
}

func (f *fakeTransport) Subscribe(context.Context, string, map[string]any, rpc.Select) (<-chan rpc.StreamItem, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) Close() error { return nil }

var sessionKey = EntityKey{Type: "session", ID: "s1"}

func titleOptimistic() *Optimistic {
	return &Optimistic{
		Entity: "session",
		ID:     "s1",
		Apply: func(draft map[string]any, input map[string]any, _ time.Time) {
			draft["title"] = input["title"]
		},
	}
}

func TestCacheWatch(t *testing.T) {
	cache := NewCache()
	ch, stop := cache.Watch(sessionKey)
	defer stop()

	cache.Put(sessionKey, map[string]any{"title": "one"})
	got := <-ch
	require.Equal(t, "one", got["title"])

	// Watcher copies are isolated from the cache.
	got["title"] = "mutated"
	cached, ok := cache.Get(sessionKey)
	require.True(t, ok)
	require.Equal(t, "one", cached["title"])
}

func TestOptimisticMutationSuccess(t *testing.T) {
	transport := &fakeTransport{
		handler: func(_ string, input map[string]any) (any, error) {
			return map[string]any{"title": input["title"], "version": float64(2)}, nil
		},
	}
	c := New(transport)
	c.Cache().Put(sessionKey, map[string]any{"title": "old", "version": float64(1)})

	ch, stop := c.Cache().Watch(sessionKey)
	defer stop()

	out, err := c.Mutate(context.Background(), "session.updateTitle",
		map[string]any{"title": "new"}, MutateOptions{Optimistic: titleOptimistic()})
	require.NoError(t, err)

	// First notification is the optimistic draft, before the server returns.
	draft := <-ch
	require.Equal(t, "new", draft["title"])
	require.Equal(t, float64(1), draft["version"])

	authoritative := <-ch
	require.Equal(t, "new", authoritative["title"])
	require.Equal(t, float64(2), authoritative["version"])
	require.Equal(t, authoritative, out)
}

func TestOptimisticMutationFailureReverts(t *testing.T) {
	transport := &fakeTransport{
		handler: func(string, map[string]any) (any, error) {
			return nil, rpc.StorageError(errors.New("disk full"))
		},
	}
	c := New(transport)
	c.Cache().Put(sessionKey, map[string]any{"title": "old"})

	_, err := c.Mutate(context.Background(), "session.updateTitle",
		map[string]any{"title": "new"}, MutateOptions{Optimistic: titleOptimistic()})
	require.Equal(t, rpc.KindStorage, rpc.KindOf(err))

	cached, ok := c.Cache().Get(sessionKey)
	require.True(t, ok)
	require.Equal(t, "old", cached["title"], "failed draft reverted")
}

func TestOptimisticStackUnwindsLIFO(t *testing.T) {
	releases := map[string]chan error{
		"first":  make(chan error, 1),
		"second": make(chan error, 1),
	}
	transport := &fakeTransport{
		handler: func(_ string, input map[string]any) (any, error) {
			if err := <-releases[input["title"].(string)]; err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
	c := New(transport)
	c.Cache().Put(sessionKey, map[string]any{"title": "base"})

	first := make(chan error, 1)
	go func() {
		_, err := c.Mutate(context.Background(), "session.updateTitle",
			map[string]any{"title": "first"}, MutateOptions{Optimistic: titleOptimistic()})
		first <- err
	}()
	// Wait for the first draft to land before stacking the second.
	require.Eventually(t, func() bool {
		v, ok := c.Cache().Get(sessionKey)
		return ok && v["title"] == "first"
	}, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := c.Mutate(context.Background(), "session.updateTitle",
			map[string]any{"title": "second"}, MutateOptions{Optimistic: titleOptimistic()})
		second <- err
	}()
	require.Eventually(t, func() bool {
		v, ok := c.Cache().Get(sessionKey)
		return ok && v["title"] == "second"
	}, time.Second, 5*time.Millisecond)

	// Fail the second (top) mutation: the cache unwinds to the first draft.
	releases["second"] <- errors.New("second failed")
	require.Error(t, <-second)
	v, _ := c.Cache().Get(sessionKey)
	require.Equal(t, "first", v["title"])

	// Fail the first too: back to base.
	releases["first"] <- errors.New("first failed")
	require.Error(t, <-first)
	v, _ = c.Cache().Get(sessionKey)
	require.Equal(t, "base", v["title"])
}

func TestDefaultOptimisticCatalog(t *testing.T) {
	spec := DefaultOptimistic("session.updateTitle", map[string]any{"sessionId": "s1", "title": "new"})
	require.NotNil(t, spec)
	require.Equal(t, "session", spec.Entity)
	require.Equal(t, "s1", spec.ID)

	now := time.Now().UTC()
	draft := map[string]any{"title": "old"}
	spec.Apply(draft, map[string]any{"sessionId": "s1", "title": "new"}, now)
	require.Equal(t, "new", draft["title"])
	require.Equal(t, now, draft["updatedAt"])

	// Every session-mutating procedure ships a spec.
	for _, path := range []string{
		"session.updateTitle", "session.updateModel", "session.updateProvider",
		"session.updateRules", "session.updateAgent", "session.updateTools",
		"todo.update",
	} {
		require.NotNil(t, DefaultOptimistic(path, map[string]any{"sessionId": "s1"}), path)
	}

	require.Nil(t, DefaultOptimistic("session.updateTitle", map[string]any{"title": "x"}), "no session id")
	require.Nil(t, DefaultOptimistic("session.delete", map[string]any{"sessionId": "s1"}), "deletes are not optimistic")
}

func TestMutateUsesShippedOptimistic(t *testing.T) {
	release := make(chan error, 1)
	transport := &fakeTransport{
		handler: func(string, map[string]any) (any, error) { return nil, <-release },
	}
	c := New(transport)
	c.Cache().Put(sessionKey, map[string]any{"modelId": "old-model"})

	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(context.Background(), "session.updateModel",
			map[string]any{"sessionId": "s1", "modelId": "new-model"}, MutateOptions{})
		done <- err
	}()

	// The draft lands before the server answers, without an explicit spec.
	require.Eventually(t, func() bool {
		v, ok := c.Cache().Get(sessionKey)
		return ok && v["modelId"] == "new-model"
	}, time.Second, 5*time.Millisecond)

	release <- errors.New("rejected")
	require.Error(t, <-done)
	v, _ := c.Cache().Get(sessionKey)
	require.Equal(t, "old-model", v["modelId"])
}

package client

import (
	"context"
	"sync"
	"time"

	"github.com/quillhq/quill/internal/rpc"
)

// Optimistic describes the local side-effect of a mutation: apply the
// expected change to a draft of the cached entity immediately, reconcile
// with the authoritative result later.
type Optimistic struct {
	Entity string
	ID     string
	Apply  func(draft map[string]any, input map[string]any, now time.Time)
}

// optimisticLayer is one pending update on an entity's LIFO stack. before
// is the cache value the layer was applied over.
type optimisticLayer struct {
	before map[string]any
}

// Client is the rpc caller: transport plus cache plus optimism.
type Client struct {
	transport Transport
	cache     *Cache

	mu     sync.Mutex
	stacks map[EntityKey][]*optimisticLayer
}

// New creates a client over a transport.
func New(transport Transport) *Client {
	return &Client{
		transport: transport,
		cache:     NewCache(),
		stacks:    make(map[EntityKey][]*optimisticLayer),
	}
}

// Cache exposes the entity cache for subscription reconciliation.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Query performs a one-shot query.
func (c *Client) Query(ctx context.Context, path string, input map[string]any, sel rpc.Select) (any, error) {
	return c.transport.Call(ctx, path, rpc.KindQuery, input, sel)
}

// MutateOptions carry the optional optimistic spec and selection.
type MutateOptions struct {
	Select     rpc.Select
	Optimistic *Optimistic
}

// Mutate performs a mutation. With an optimistic spec the cached entity is
// updated before the server round-trip; failure reverts the draft, and
// stacked concurrent updates on the same entity unwind in LIFO order.
// Session-mutating paths without an explicit spec use the shipped catalog.
func (c *Client) Mutate(ctx context.Context, path string, input map[string]any, opts MutateOptions) (any, error) {
	var key EntityKey
	var layer *optimisticLayer

	if opts.Optimistic == nil {
		opts.Optimistic = DefaultOptimistic(path, input)
	}
	if opts.Optimistic != nil {
		key = EntityKey{Type: opts.Optimistic.Entity, ID: opts.Optimistic.ID}
		current, _ := c.cache.Get(key)
		draft := deepCopy(current)
		if draft == nil {
			draft = map[string]any{}
		}
		opts.Optimistic.Apply(draft, input, time.Now().UTC())

		layer = &optimisticLayer{before: current}
		c.mu.Lock()
		c.stacks[key] = append(c.stacks[key], layer)
		c.mu.Unlock()
		c.cache.Put(key, draft)
	}

	out, err := c.transport.Call(ctx, path, rpc.KindMutation, input, opts.Select)
	if opts.Optimistic == nil {
		return out, err
	}

	if err != nil {
		c.revert(key, layer)
		return nil, err
	}

	c.settle(key, layer, out)
	return out, nil
}

// settle removes the layer and installs the authoritative value when the
// settled layer is the top of the stack.
func (c *Client) settle(key EntityKey, layer *optimisticLayer, out any) {
	c.mu.Lock()
	stack := c.stacks[key]
	top := len(stack) > 0 && stack[len(stack)-1] == layer
	kept := stack[:0]
	for _, l := range stack {
		if l != layer {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(c.stacks, key)
	} else {
		c.stacks[key] = kept
	}
	c.mu.Unlock()

	// A still-pending newer draft wins over this result; it settles later.
	if !top {
		return
	}
	if authoritative, ok := out.(map[string]any); ok && authoritative != nil {
		c.cache.Put(key, authoritative)
	}
}

// revert unwinds the failed layer. Layers stacked above it were applied on
// top of the failed draft, so they unwind with it (LIFO).
func (c *Client) revert(key EntityKey, layer *optimisticLayer) {
	c.mu.Lock()
	stack := c.stacks[key]
	idx := -1
	for i, l := range stack {
		if l == layer {
			idx = i
			break
		}
	}
	if idx == -1 {
		c.mu.Unlock()
		return
	}
	if idx == 0 {
		delete(c.stacks, key)
	} else {
		c.stacks[key] = stack[:idx]
	}
	c.mu.Unlock()

	if layer.before == nil {
		c.cache.Delete(key)
		return
	}
	c.cache.Put(key, layer.before)
}

// Subscribe opens a subscription through the transport.
func (c *Client) Subscribe(ctx context.Context, path string, input map[string]any, sel rpc.Select) (<-chan rpc.StreamItem, error) {
	return c.transport.Subscribe(ctx, path, input, sel)
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

package client

import (
	"encoding/json"
	"sync"
)

// EntityKey identifies one cached entity.
type EntityKey struct {
	Type string
	ID   string
}

// Cache is the client-side entity cache. Values are JSON-shaped maps so
// optimistic drafts and server payloads reconcile uniformly.
type Cache struct {
	mu       sync.Mutex
	entities map[EntityKey]map[string]any
	watchers map[EntityKey][]chan map[string]any
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entities: make(map[EntityKey]map[string]any),
		watchers: make(map[EntityKey][]chan map[string]any),
	}
}

// Get returns a deep copy of the cached entity.
func (c *Cache) Get(key EntityKey) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entities[key]
	if !ok {
		return nil, false
	}
	return deepCopy(value), true
}

// Put stores a value and notifies watchers with their own copies.
func (c *Cache) Put(key EntityKey, value map[string]any) {
	c.mu.Lock()
	c.entities[key] = deepCopy(value)
	watchers := append([]chan map[string]any(nil), c.watchers[key]...)
	c.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- deepCopy(value):
		default:
		}
	}
}

// Delete removes an entity.
func (c *Cache) Delete(key EntityKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, key)
}

// Watch returns a channel receiving each new value for key. Stop releases
// the watcher.
func (c *Cache) Watch(key EntityKey) (<-chan map[string]any, func()) {
	ch := make(chan map[string]any, 16)
	c.mu.Lock()
	c.watchers[key] = append(c.watchers[key], ch)
	c.mu.Unlock()

	stop := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		kept := c.watchers[key][:0]
		for _, w := range c.watchers[key] {
			if w != ch {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(c.watchers, key)
		} else {
			c.watchers[key] = kept
		}
	}
	return ch, stop
}

// deepCopy clones a JSON-shaped value through encoding round-trip.
func deepCopy(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		out := make(map[string]any, len(value))
		for k, v := range value {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return value
	}
	return out
}

package cache

import (
	"container/list"
	"sync"

	"github.com/c360/telemetryrelay/errors"
	"github.com/c360/telemetryrelay/metric"
)

// EvictCallback is called, outside the cache lock, when an entry is evicted
// or deleted.
type EvictCallback[V any] func(key string, value V)

// Option configures an LRU.
type Option[V any] func(*LRU[V]) error

// WithMetrics exports the cache statistics under the component label prefix.
// A nil registry or empty prefix leaves metrics off.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(c *LRU[V]) error {
		if registry == nil || prefix == "" {
			return nil
		}
		inst, err := registerInstruments(registry, prefix)
		if err != nil {
			return errors.Wrap(err, "cache", "WithMetrics", "register "+prefix)
		}
		c.stats.inst = inst
		return nil
	}
}

// WithEvictionCallback sets the callback invoked for every evicted or deleted entry.
func WithEvictionCallback[V any](fn EvictCallback[V]) Option[V] {
	return func(c *LRU[V]) error {
		c.onEvict = fn
		return nil
	}
}

type entry[V any] struct {
	key   string
	value V
}

// LRU is a thread-safe cache holding at most a fixed number of entries,
// evicting the least recently used first.
type LRU[V any] struct {
	mu      sync.Mutex
	limit   int
	index   map[string]*list.Element
	recency *list.List // front is most recent
	stats   *Statistics
	onEvict EvictCallback[V]
}

// NewLRU creates a cache holding at most limit entries.
func NewLRU[V any](limit int, opts ...Option[V]) (*LRU[V], error) {
	if limit <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "check limit")
	}
	c := &LRU[V]{
		limit:   limit,
		index:   make(map[string]*list.Element),
		recency: list.New(),
		stats:   &Statistics{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get returns the value under key and marks it most recently used.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.stats.miss()
		var zero V
		return zero, false
	}
	c.recency.MoveToFront(el)
	c.stats.hit()
	return el.Value.(*entry[V]).value, true
}

// Set stores value under key and reports whether a new entry was created.
func (c *LRU[V]) Set(key string, value V) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "check key")
	}

	var evicted []entry[V]
	c.mu.Lock()
	el, exists := c.index[key]
	if exists {
		el.Value.(*entry[V]).value = value
		c.recency.MoveToFront(el)
	} else {
		c.index[key] = c.recency.PushFront(&entry[V]{key: key, value: value})
		for len(c.index) > c.limit {
			evicted = append(evicted, c.removeLocked(c.recency.Back()))
			c.stats.evict()
		}
	}
	c.stats.set(len(c.index))
	c.mu.Unlock()

	c.notify(evicted...)
	return !exists, nil
}

// Delete removes key and reports whether it was present.
func (c *LRU[V]) Delete(key string) (bool, error) {
	if key == "" {
		return false, errors.WrapInvalid(errors.ErrInvalidData, "cache", "Delete", "check key")
	}

	c.mu.Lock()
	el, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	removed := c.removeLocked(el)
	c.stats.resize(len(c.index))
	c.mu.Unlock()

	c.notify(removed)
	return true, nil
}

// Len returns the number of entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Keys returns keys from most to least recently used.
func (c *LRU[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.index))
	for el := c.recency.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

// Stats returns the live statistics of the cache.
func (c *LRU[V]) Stats() *Statistics {
	return c.stats
}

func (c *LRU[V]) removeLocked(el *list.Element) entry[V] {
	e := c.recency.Remove(el).(*entry[V])
	delete(c.index, e.key)
	return *e
}

func (c *LRU[V]) notify(entries ...entry[V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range entries {
		c.onEvict(e.key, e.value)
	}
}

package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Defaults for the in-process tier.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 100000
	DefaultEvictBatch = 10000
)

type ttlEntry[V any] struct {
	value    V
	storedAt time.Time
}

// TTL is a bounded in-memory cache. Expired entries are dropped lazily on
// access; a Set that breaches the ceiling evicts the oldest batch of
// entries by insertion time.
type TTL[V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	evictBatch int
	entries    map[string]ttlEntry[V]
	now        func() time.Time
}

// TTLOption configures a TTL cache.
type TTLOption func(*ttlOptions)

type ttlOptions struct {
	ttl        time.Duration
	maxEntries int
	evictBatch int
	now        func() time.Time
}

// WithTTL sets the entry lifetime.
func WithTTL(d time.Duration) TTLOption {
	return func(o *ttlOptions) { o.ttl = d }
}

// WithMaxEntries sets the ceiling and eviction batch size.
func WithMaxEntries(max, batch int) TTLOption {
	return func(o *ttlOptions) {
		o.maxEntries = max
		o.evictBatch = batch
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) TTLOption {
	return func(o *ttlOptions) { o.now = now }
}

// NewTTL creates an in-memory TTL cache.
func NewTTL[V any](opts ...TTLOption) *TTL[V] {
	o := ttlOptions{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		evictBatch: DefaultEvictBatch,
		now:        time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.ttl <= 0 {
		o.ttl = DefaultTTL
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}
	if o.evictBatch <= 0 || o.evictBatch > o.maxEntries {
		o.evictBatch = max(1, o.maxEntries/10)
	}
	return &TTL[V]{
		ttl:        o.ttl,
		maxEntries: o.maxEntries,
		evictBatch: o.evictBatch,
		entries:    make(map[string]ttlEntry[V]),
		now:        o.now,
	}
}

func (c *TTL[V]) Get(_ context.Context, key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTL[V]) Set(_ context.Context, key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = ttlEntry[V]{value: v, storedAt: c.now()}
	if len(c.entries) > c.maxEntries {
		c.evictLocked()
	}
}

// Len returns the number of stored entries, expired or not.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops every expired entry and returns how many were removed.
func (c *TTL[V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *TTL[V]) evictLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	n := min(c.evictBatch, len(all))
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
}

// Package cache holds enrichment results keyed by entity dedup key: an
// in-process TTL tier and a durable JSON file tier.
package cache

import "context"

// Cache is one result tier.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, v V)
}

// Chain consults tiers in order. A hit in a lower tier is written back to
// every tier above it; Set writes to all tiers.
type Chain[V any] struct {
	tiers []Cache[V]
}

// NewChain builds a chain from the given tiers, fastest first.
func NewChain[V any](tiers ...Cache[V]) *Chain[V] {
	return &Chain[V]{tiers: tiers}
}

func (c *Chain[V]) Get(ctx context.Context, key string) (V, bool) {
	for i, t := range c.tiers {
		v, ok := t.Get(ctx, key)
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			c.tiers[j].Set(ctx, key, v)
		}
		return v, true
	}
	var zero V
	return zero, false
}

func (c *Chain[V]) Set(ctx context.Context, key string, v V) {
	for _, t := range c.tiers {
		t.Set(ctx, key, v)
	}
}

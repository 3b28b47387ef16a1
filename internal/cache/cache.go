// Package cache provides bounded, expire-after-write key/value stores.
//
// Expiry is measured from the most recent Put; Get never extends it. An
// expired entry is indistinguishable from one never written.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is a bounded, expiring map from string keys to V.
type Store[V any] interface {
	Put(ctx context.Context, key string, value V) error
	Get(ctx context.Context, key string) (V, bool, error)
}

// Options bound a store.
type Options struct {
	// MaxEntries caps the number of live entries. Default 10000.
	MaxEntries int
	// TTL is measured from the last write. Default 24h.
	TTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	return o
}

// LRU is an in-process Store. The least recently used entry is evicted
// once MaxEntries is exceeded.
type LRU[V any] struct {
	inner *expirable.LRU[string, V]
	opts  Options
}

var _ Store[int] = (*LRU[int])(nil)

func NewLRU[V any](opts Options) *LRU[V] {
	opts = opts.withDefaults()
	return &LRU[V]{inner: expirable.NewLRU[string, V](opts.MaxEntries, nil, opts.TTL), opts: opts}
}

func (c *LRU[V]) Put(_ context.Context, key string, value V) error {
	c.inner.Add(key, value)
	return nil
}

func (c *LRU[V]) Get(_ context.Context, key string) (V, bool, error) {
	v, ok := c.inner.Get(key)
	return v, ok, nil
}

// Len counts entries, including expired ones not yet purged.
func (c *LRU[V]) Len() int { return c.inner.Len() }

// Purge drops every entry.
func (c *LRU[V]) Purge() { c.inner.Purge() }

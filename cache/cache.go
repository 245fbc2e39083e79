// Package cache holds process-local copies of slowly changing shared state,
// such as the instance meta record. A Cache is loaded lazily, reloaded on a
// schedule by a Refresher and overwritten by pub/sub events delivered
// through a Subscriber.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader loads the authoritative value.
type Loader[T any] func(ctx context.Context) (T, error)

// Cache caches a single value of type T. Safe for concurrent use.
// Concurrent loads are coalesced into one call to the Loader.
type Cache[T any] struct {
	load Loader[T]
	sf   singleflight.Group

	mu     sync.RWMutex
	value  T
	loaded bool
}

// New returns an empty cache backed by load.
func New[T any](load Loader[T]) *Cache[T] {
	return &Cache[T]{load: load}
}

// Get returns the cached value without loading.
func (c *Cache[T]) Get() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.loaded
}

// Fetch returns the cached value, loading it first when the cache is empty.
func (c *Cache[T]) Fetch(ctx context.Context) (T, error) {
	if v, ok := c.Get(); ok {
		return v, nil
	}
	return c.Refresh(ctx)
}

// Refresh reloads the value and stores it. On error the previous value is
// kept.
func (c *Cache[T]) Refresh(ctx context.Context) (T, error) {
	v, err, _ := c.sf.Do("load", func() (any, error) {
		v, err := c.load(ctx)
		if err != nil {
			return v, err
		}
		c.Set(v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Set replaces the cached value.
func (c *Cache[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	c.loaded = true
	c.mu.Unlock()
}

// Invalidate drops the cached value; the next Fetch loads again.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	var zero T
	c.value = zero
	c.loaded = false
	c.mu.Unlock()
}

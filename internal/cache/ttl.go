// Package cache provides an in-process, generic TTL cache with
// single-flight loading. It backs the FX series cache and the symbol-intel
// cache, both keyed by composite keys.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value   V
	expires time.Time // zero = never
}

// TTL is a concurrency-safe map whose entries expire after a fixed
// duration. A zero TTL keeps entries for the life of the process.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]entry[V]
	group   singleflight.Group
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		ttl:     ttl,
		now:     o.now,
		entries: make(map[K]entry[V]),
	}
}

// Get returns the cached value for k if present and not expired.
func (c *TTL[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.entries, k)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores v under k.
func (c *TTL[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: v}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[k] = e
}

// Delete removes k.
func (c *TTL[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// Len returns the number of stored entries, including expired ones not
// yet purged.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops expired entries and returns how many were removed.
func (c *TTL[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// GetOrLoad returns the cached value for k, calling load on a miss.
// Concurrent misses for the same key share one load. Errors are not cached.
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, k K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(fmt.Sprint(k), func() (interface{}, error) {
		if v, ok := c.Get(k); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(k, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

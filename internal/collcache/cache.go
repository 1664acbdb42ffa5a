// Package collcache implements the Collection Registry's process-local id
// cache and is reused by the mysql
// backend for its user-identity-pair -> numeric-id cache, which has the same
// immutable-binding-once-assigned property.
//
// A stale cache entry can never be wrong, only momentarily incomplete, since
// bindings are immutable once assigned. That lets every backend share one
// cache implementation safely: a map guarded by a RWMutex, no invalidation
// logic needed.
package collcache

import "sync"

// Cache is a process-wide, read-mostly map from K to V. The zero value is
// ready to use.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	byKey map[K]V
}

// Get returns the cached value for key, if present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byKey[key]
	return v, ok
}

// Put records key->value. Safe for concurrent callers racing to populate the
// same entry; the last write wins, which is harmless since the binding is
// immutable.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byKey == nil {
		c.byKey = make(map[K]V)
	}
	c.byKey[key] = value
}

/*
Copyright 2025 Vimeo Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lru

import "sync"

// DefaultMaxEntries is the capacity used by NewSync when maxEntries is not
// positive.
const DefaultMaxEntries = 20

// SyncCache is a goroutine-safe bounded MRU map keyed by normalized strings.
// Values are typically pointers with their own synchronization; the cache
// only guards its own map and ordering.
type SyncCache[V any] struct {
	mu        sync.Mutex
	normalize func(string) string
	lru       *TypedCache[string, V]
}

// NewSync constructs a SyncCache holding at most maxEntries values. A nil
// normalize leaves keys untouched.
func NewSync[V any](maxEntries int, normalize func(string) string) *SyncCache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	return &SyncCache[V]{
		normalize: normalize,
		lru:       TypedNew[string, V](maxEntries),
	}
}

// LookupOrCreate returns the value stored under key, promoting it to the MRU
// head. On a miss, create is called with the lock held and its result is
// inserted at the head, evicting from the tail while over capacity. The
// second return value reports whether create was called.
func (c *SyncCache[V]) LookupOrCreate(key string, create func() V) (V, bool) {
	nk := c.normalize(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.lru.checkInvariant()

	if v, ok := c.lru.Get(nk); ok {
		return v, false
	}
	v := create()
	c.lru.Add(nk, v)
	return v, true
}

// Lookup returns the value stored under key, promoting it on a hit.
func (c *SyncCache[V]) Lookup(key string) (V, bool) {
	nk := c.normalize(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.lru.checkInvariant()
	return c.lru.Get(nk)
}

// Contains reports whether key is present without promoting it.
func (c *SyncCache[V]) Contains(key string) bool {
	nk := c.normalize(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lru.Peek(nk)
	return ok
}

// Remove drops key, reporting whether anything was removed.
func (c *SyncCache[V]) Remove(key string) bool {
	nk := c.normalize(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.lru.checkInvariant()
	return c.lru.Remove(nk)
}

// RemoveAll empties the cache.
func (c *SyncCache[V]) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
	c.lru.checkInvariant()
}

func (c *SyncCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns the normalized keys, most recently used first.
func (c *SyncCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

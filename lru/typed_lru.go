/*
Copyright 2013 Google Inc.

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

// Package lru implements a bounded most-recently-used map.
//
// TypedCache is the unsynchronized building block; SyncCache wraps it with a
// mutex, key normalization and get-or-create semantics.
package lru // import "github.com/vimeo/photocache/lru"

import "fmt"

// TypedCache is an LRU cache. It is not safe for concurrent access.
type TypedCache[K comparable, V any] struct {
	// MaxEntries is the maximum number of cache entries before
	// an item is evicted. Zero means no limit.
	MaxEntries int

	// OnEvicted optionally specifies a callback function to be
	// executed when an entry is purged from the cache, whether by
	// the size limit, Remove or Clear.
	OnEvicted func(key K, value V)

	cache map[K]*llElem[typedEntry[K, V]]
	ll    linkedList[typedEntry[K, V]]
}

type typedEntry[K comparable, V any] struct {
	key   K
	value V
}

// TypedNew creates a new TypedCache.
// If maxEntries is zero, the cache has no limit and it's assumed
// that eviction is done by the caller.
func TypedNew[K comparable, V any](maxEntries int) *TypedCache[K, V] {
	return &TypedCache[K, V]{
		MaxEntries: maxEntries,
		cache:      make(map[K]*llElem[typedEntry[K, V]]),
	}
}

// Add inserts or replaces the value for key and moves it to the MRU head.
// When the cache grows past MaxEntries, entries are evicted from the tail
// until it is back at capacity.
func (c *TypedCache[K, V]) Add(key K, value V) {
	if c.cache == nil {
		c.cache = make(map[K]*llElem[typedEntry[K, V]])
	}
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		ele.value.value = value
		return
	}
	ele := c.ll.PushFront(typedEntry[K, V]{key, value})
	c.cache[key] = ele
	for c.MaxEntries != 0 && c.ll.Len() > c.MaxEntries {
		c.RemoveOldest()
	}
}

// Get looks up a key's value from the cache and promotes it to the MRU head.
func (c *TypedCache[K, V]) Get(key K) (value V, ok bool) {
	if c.cache == nil {
		return
	}
	if ele, hit := c.cache[key]; hit {
		c.ll.MoveToFront(ele)
		return ele.value.value, true
	}
	return
}

// Peek looks up a key's value without touching the MRU ordering.
func (c *TypedCache[K, V]) Peek(key K) (value V, ok bool) {
	if ele, hit := c.cache[key]; hit {
		return ele.value.value, true
	}
	return
}

// MostRecent returns the most recently used value
func (c *TypedCache[K, V]) MostRecent() *V {
	if c.Len() == 0 {
		return nil
	}
	return &c.ll.Front().value.value
}

// LeastRecent returns the least recently used value
func (c *TypedCache[K, V]) LeastRecent() *V {
	if c.Len() == 0 {
		return nil
	}
	return &c.ll.Back().value.value
}

// Remove removes the provided key from the cache, reporting whether it was
// present.
func (c *TypedCache[K, V]) Remove(key K) bool {
	if c.cache == nil {
		return false
	}
	ele, hit := c.cache[key]
	if !hit {
		return false
	}
	c.removeElement(ele)
	return true
}

// RemoveOldest removes the oldest item from the cache.
func (c *TypedCache[K, V]) RemoveOldest() {
	if c.cache == nil {
		return
	}
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
	}
}

func (c *TypedCache[K, V]) removeElement(e *llElem[typedEntry[K, V]]) {
	c.ll.Remove(e)
	kv := e.value
	delete(c.cache, kv.key)
	if c.OnEvicted != nil {
		c.OnEvicted(kv.key, kv.value)
	}
}

// Len returns the number of items in the cache.
func (c *TypedCache[K, V]) Len() int {
	return c.ll.Len()
}

// Keys returns the keys in MRU order, most recent first.
func (c *TypedCache[K, V]) Keys() []K {
	keys := make([]K, 0, c.ll.Len())
	for e := c.ll.Front(); e != nil; e = e.next {
		keys = append(keys, e.value.key)
	}
	return keys
}

// Clear purges all stored items from the cache.
func (c *TypedCache[K, V]) Clear() {
	if c.OnEvicted != nil {
		for e := c.ll.Front(); e != nil; e = e.next {
			c.OnEvicted(e.value.key, e.value.value)
		}
	}
	c.ll = linkedList[typedEntry[K, V]]{}
	c.cache = nil
}

// checkInvariant panics if the map and the MRU list disagree on cardinality.
func (c *TypedCache[K, V]) checkInvariant() {
	if len(c.cache) != c.ll.Len() {
		panic(fmt.Sprintf("lru: map holds %d entries but MRU list holds %d", len(c.cache), c.ll.Len()))
	}
}

/*
Copyright 2012 Google Inc.
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

// Package singleflight provides a duplicate function call suppression
// mechanism for work that completes asynchronously.
package singleflight

import (
	"context"
	"sync"
)

// Result is delivered to every waiter of a flight.
type Result[R any] struct {
	Val R
	Err error
	// Shared is true when the waiter joined a flight started by another
	// caller.
	Shared bool
}

// call is an in-flight DoChan call
type call[R any] struct {
	cancel context.CancelFunc

	// guarded by the group's mutex
	waiters []waiter[R]
	done    bool
}

type waiter[R any] struct {
	ch     chan Result[R]
	joined bool
}

// TypedGroup represents a class of work and forms a namespace in which
// units of work can be executed with duplicate suppression.
type TypedGroup[K comparable, R any] struct {
	mu sync.Mutex     // protects m and every call's waiters
	m  map[K]*call[R] // lazily initialized
}

// DoChan joins the flight for key, starting one with fn if none is running.
//
// fn is called at most once per flight, on the calling goroutine and
// without any lock held. It receives the flight's context and must
// eventually call complete exactly once; complete may be called before fn
// returns. The flight's context carries the values of the ctx that started
// it but is only cancelled once every waiter has left.
//
// A waiter leaves when its own ctx is done, receiving ctx.Err() on the
// returned channel. The remaining waiters are unaffected. A flight whose
// waiters have all left is forgotten, so the next caller starts afresh.
func (g *TypedGroup[K, R]) DoChan(ctx context.Context, key K, fn func(ctx context.Context, complete func(R, error))) <-chan Result[R] {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[R])
	}
	if c, ok := g.m[key]; ok {
		w := waiter[R]{ch: make(chan Result[R], 1), joined: true}
		c.waiters = append(c.waiters, w)
		g.mu.Unlock()
		return g.watch(ctx, key, c, w)
	}
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := waiter[R]{ch: make(chan Result[R], 1)}
	c := &call[R]{cancel: cancel, waiters: []waiter[R]{w}}
	g.m[key] = c
	g.mu.Unlock()

	var once sync.Once
	fn(fctx, func(val R, err error) {
		once.Do(func() { g.complete(key, c, val, err) })
	})

	return g.watch(ctx, key, c, w)
}

// Do executes and returns the results of the given function, making
// sure that only one execution is in-flight for a given key at a
// time. If a duplicate comes in, the duplicate caller waits for the
// original to complete and receives the same results.
func (g *TypedGroup[K, R]) Do(key K, fn func() (R, error)) (R, error) {
	r := <-g.DoChan(context.Background(), key, func(_ context.Context, complete func(R, error)) {
		complete(fn())
	})
	return r.Val, r.Err
}

// InFlight reports whether a flight for key is running.
func (g *TypedGroup[K, R]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

func (g *TypedGroup[K, R]) complete(key K, c *call[R], val R, err error) {
	g.mu.Lock()
	if g.m[key] == c {
		delete(g.m, key)
	}
	c.done = true
	waiters := c.waiters
	c.waiters = nil
	g.mu.Unlock()

	// notified outside the lock so a waiter may re-enter the group for the
	// same key.
	shared := len(waiters) > 1
	for _, w := range waiters {
		w.ch <- Result[R]{Val: val, Err: err, Shared: shared || w.joined}
	}
	c.cancel()
}

func (g *TypedGroup[K, R]) watch(ctx context.Context, key K, c *call[R], w waiter[R]) <-chan Result[R] {
	if ctx.Done() == nil {
		return w.ch
	}
	out := make(chan Result[R], 1)
	go func() {
		select {
		case r := <-w.ch:
			out <- r
		case <-ctx.Done():
			if r, ok := g.leave(key, c, w); ok {
				out <- r
				return
			}
			out <- Result[R]{Err: ctx.Err(), Shared: w.joined}
		}
	}()
	return out
}

// leave detaches w from c. If c already completed, w is about to receive
// its result and that result is returned instead. The flight's context is
// cancelled when its last waiter leaves.
func (g *TypedGroup[K, R]) leave(key K, c *call[R], w waiter[R]) (Result[R], bool) {
	g.mu.Lock()
	if c.done {
		g.mu.Unlock()
		return <-w.ch, true
	}
	for i, x := range c.waiters {
		if x.ch == w.ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	abandoned := len(c.waiters) == 0
	if abandoned && g.m[key] == c {
		delete(g.m, key)
	}
	g.mu.Unlock()

	if abandoned {
		c.cancel()
	}
	return Result[R]{}, false
}

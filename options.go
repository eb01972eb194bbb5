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

package photocache

import (
	"time"

	"github.com/vimeo/go-clocks"

	"github.com/vimeo/photocache/clientcache"
	"github.com/vimeo/photocache/loop"
)

const (
	// DefaultMaxEntries is the number of addresses remembered by default.
	DefaultMaxEntries = 20
	// DefaultSoftDeadline is how long a lookup waits for straggling
	// sources once one has answered.
	DefaultSoftDeadline = 3 * time.Second
)

// Option is an interface for implementing functional PhotoCache options
type Option interface {
	apply(*cacheOpts)
}

// cacheOpts contains optional fields for the PhotoCache (each with a
// default value if not set)
type cacheOpts struct {
	clientCache  *clientcache.Cache
	loop         *loop.Loop
	clock        clocks.Clock
	maxEntries   int
	softDeadline time.Duration
}

type funcOption struct {
	f func(*cacheOpts)
}

func (fo *funcOption) apply(o *cacheOpts) {
	fo.f(o)
}

func newFuncOption(f func(*cacheOpts)) *funcOption {
	return &funcOption{f: f}
}

// WithClientCache attaches the client cache that address-book backed
// sources share. It is exposed again through PhotoCache.ClientCache.
func WithClientCache(cc *clientcache.Cache) Option {
	return newFuncOption(func(o *cacheOpts) {
		o.clientCache = cc
	})
}

// WithLoop sets the task queue used for deferred cancellation. The
// PhotoCache does not stop a loop it was given.
func WithLoop(l *loop.Loop) Option {
	return newFuncOption(func(o *cacheOpts) {
		o.loop = l
	})
}

// WithClock overrides the clock used for the soft deadline; defaults to
// the system clock.
func WithClock(c clocks.Clock) Option {
	return newFuncOption(func(o *cacheOpts) {
		o.clock = c
	})
}

// WithMaxEntries bounds the number of addresses kept; defaults to 20
func WithMaxEntries(n int) Option {
	return newFuncOption(func(o *cacheOpts) {
		o.maxEntries = n
	})
}

// WithSoftDeadline sets how long after dispatch a lookup stops waiting for
// remaining sources; defaults to 3s. The deadline is only checked when a
// source answers.
func WithSoftDeadline(d time.Duration) Option {
	return newFuncOption(func(o *cacheOpts) {
		o.softDeadline = d
	})
}

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

package clientcache

import "github.com/vimeo/photocache/loop"

// Option is an interface for implementing functional Cache options
type Option interface {
	apply(*cacheOpts)
}

type cacheOpts struct {
	connectors map[string]Connector
	loop       *loop.Loop
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

// WithConnector sets the Connector used for extension. Requests for an
// extension without a connector fail with ErrNoConnector.
func WithConnector(extension string, conn Connector) Option {
	return newFuncOption(func(o *cacheOpts) {
		o.connectors[extension] = conn
	})
}

// WithLoop sets the loop notifications are dispatched on. By default the
// Cache starts its own and stops it on Close.
func WithLoop(l *loop.Loop) Option {
	return newFuncOption(func(o *cacheOpts) {
		o.loop = l
	})
}

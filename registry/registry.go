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

// Package registry is an in-memory registry of configured data sources.
// It implements clientcache.Registry.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vimeo/photocache/clientcache"
)

var log = logging.Logger("photocache/registry")

// ErrUnknownSource is returned for UIDs the registry does not hold.
var ErrUnknownSource = errors.New("registry: unknown source")

// Source is a configured data source. Sources are immutable; enablement is
// tracked by the Registry.
type Source struct {
	uid       string
	name      string
	extension string
	location  string
}

func (s *Source) UID() string         { return s.uid }
func (s *Source) DisplayName() string { return s.name }

// Extension is the kind of data the source serves.
func (s *Source) Extension() string { return s.extension }

// Location is the backend-specific address of the data, such as a
// database path.
func (s *Source) Location() string { return s.location }

func (s *Source) String() string { return s.name + " (" + s.uid + ")" }

type entry struct {
	src     *Source
	enabled bool
}

// Registry holds sources in insertion order.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	watchers map[int]func(clientcache.RegistryEvent)
	nextW    int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		watchers: make(map[int]func(clientcache.RegistryEvent)),
	}
}

// Add registers an enabled source with a fresh UID.
func (r *Registry) Add(name, extension, location string) *Source {
	src := &Source{
		uid:       uuid.New().String(),
		name:      name,
		extension: extension,
		location:  location,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[src.uid] = &entry{src: src, enabled: true}
	r.order = append(r.order, src.uid)
	log.Debugw("Source added", "source", src.uid, "name", name, "extension", extension)
	return src
}

// Lookup returns the source with uid.
func (r *Registry) Lookup(uid string) (*Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[uid]
	if !ok {
		return nil, false
	}
	return e.src, true
}

// Remove unregisters uid and notifies watchers.
func (r *Registry) Remove(uid string) error {
	r.mu.Lock()
	e, ok := r.entries[uid]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSource
	}
	delete(r.entries, uid)
	for i, u := range r.order {
		if u == uid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	fns := r.watchersLocked()
	r.mu.Unlock()

	notify(fns, clientcache.RegistryEvent{Kind: clientcache.SourceRemoved, Source: e.src})
	return nil
}

// SetEnabled enables or disables uid. Disabling an enabled source notifies
// watchers.
func (r *Registry) SetEnabled(uid string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.entries[uid]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSource
	}
	wasEnabled := e.enabled
	e.enabled = enabled
	fns := r.watchersLocked()
	r.mu.Unlock()

	if wasEnabled && !enabled {
		notify(fns, clientcache.RegistryEvent{Kind: clientcache.SourceDisabled, Source: e.src})
	}
	return nil
}

// Enabled reports whether uid is registered and enabled.
func (r *Registry) Enabled(uid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[uid]
	return ok && e.enabled
}

// ListEnabled returns the enabled sources serving extension, in insertion
// order. An empty extension matches every source.
func (r *Registry) ListEnabled(extension string) []*Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Source
	for _, uid := range r.order {
		e := r.entries[uid]
		if !e.enabled || (extension != "" && e.src.extension != extension) {
			continue
		}
		out = append(out, e.src)
	}
	return out
}

// Watch implements clientcache.Registry. Watchers run synchronously on the
// goroutine that changed the registry, without the registry's lock held.
func (r *Registry) Watch(fn func(clientcache.RegistryEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextW
	r.nextW++
	r.watchers[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.watchers, id)
	}
}

func (r *Registry) watchersLocked() []func(clientcache.RegistryEvent) {
	fns := make([]func(clientcache.RegistryEvent), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	return fns
}

func notify(fns []func(clientcache.RegistryEvent), ev clientcache.RegistryEvent) {
	for _, fn := range fns {
		fn(ev)
	}
}

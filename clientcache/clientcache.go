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

// Package clientcache shares backend clients between the parts of a
// program that use the same data source.
//
// A Cache holds at most one client per (source, extension) pair.
// Concurrent requests for a pair that is not connected yet share a single
// connect attempt. Backend notifications from cached clients are
// rebroadcast on the cache's loop; a client whose backend dies is dropped
// so the next request reconnects. Clients for a source are dropped when
// the registry reports the source removed or disabled.
package clientcache // import "github.com/vimeo/photocache/clientcache"

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"

	"github.com/vimeo/photocache/loop"
	"github.com/vimeo/photocache/singleflight"
)

var log = logging.Logger("photocache/clientcache")

var (
	// ErrInvalidArgument is returned for unsupported extension names.
	ErrInvalidArgument = errors.New("clientcache: unsupported extension")
	// ErrNoConnector is returned when no Connector serves an extension.
	ErrNoConnector = errors.New("clientcache: no connector for extension")
	// ErrClosed is returned by requests on a closed Cache.
	ErrClosed = errors.New("clientcache: closed")
)

type recordKey struct {
	extension string
	uid       string
}

// record is the cache entry for one (source, extension) pair. A record
// without a client is either absent or connecting; the connect attempt
// itself lives in Cache.connects.
type record struct {
	key recordKey
	src Source

	mu      sync.Mutex
	client  Client
	unwatch func()
	dead    bool
	dropped bool // removed from the table; never caches again
}

func (r *record) cachedClient() Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// Cache shares clients per (source, extension).
type Cache struct {
	reg        Registry
	opts       cacheOpts
	loop       *loop.Loop
	ownsLoop   bool
	unwatchReg func()

	// mu guards the tables only. It is never held together with a
	// record's lock.
	mu      sync.Mutex
	closed  bool
	records map[string]map[string]*record // extension -> source UID

	connects singleflight.TypedGroup[recordKey, Client]

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	// Stats are statistics on the cache.
	Stats Stats
}

// Stats are per-cache statistics.
type Stats struct {
	Connects      AtomicInt // connect attempts dispatched
	ConnectErrors AtomicInt
	Joins         AtomicInt // requests that joined a running connect
	CacheHits     AtomicInt
	BackendDeaths AtomicInt
}

// An AtomicInt is an int64 to be accessed atomically.
type AtomicInt int64

// Add atomically adds n to i.
func (i *AtomicInt) Add(n int64) {
	atomic.AddInt64((*int64)(i), n)
}

// Get atomically gets the value of i.
func (i *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(i))
}

func (i *AtomicInt) String() string {
	return strconv.FormatInt(i.Get(), 10)
}

// New constructs a Cache that watches reg for source removal.
func New(reg Registry, opts ...Option) *Cache {
	o := cacheOpts{connectors: make(map[string]Connector)}
	for _, opt := range opts {
		opt.apply(&o)
	}
	c := &Cache{
		reg:     reg,
		opts:    o,
		loop:    o.loop,
		records: make(map[string]map[string]*record, len(Extensions)),
		subs:    make(map[int]func(Event)),
	}
	for _, ext := range Extensions {
		c.records[ext] = make(map[string]*record)
	}
	if c.loop == nil {
		c.loop = loop.New()
		c.ownsLoop = true
	}
	if reg != nil {
		c.unwatchReg = reg.Watch(c.registryChanged)
	}
	return c
}

// Registry returns the registry given to New.
func (c *Cache) Registry() Registry {
	return c.reg
}

func (c *Cache) registryChanged(ev RegistryEvent) {
	switch ev.Kind {
	case SourceDisabled:
		c.EmitAllowAuthPrompt(ev.Source)
		c.dropSource(ev.Source.UID())
	case SourceRemoved:
		c.dropSource(ev.Source.UID())
	}
}

// lookupOrCreate returns the record for the pair, creating an absent one
// if needed. It returns nil once the cache is closed.
func (c *Cache) lookupOrCreate(src Source, extension string) *record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	tbl := c.records[extension]
	rec, ok := tbl[src.UID()]
	if !ok {
		rec = &record{key: recordKey{extension: extension, uid: src.UID()}, src: src}
		tbl[src.UID()] = rec
	}
	return rec
}

func (c *Cache) lookup(src Source, extension string) *record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[extension][src.UID()]
}

// GetClient returns the shared client for src and extension, connecting
// if there is none. It blocks until the client is available or ctx is
// done.
func (c *Cache) GetClient(ctx context.Context, src Source, extension string, wait time.Duration) (Client, error) {
	r := <-c.GetClientAsync(ctx, src, extension, wait)
	return r.Client, r.Err
}

// GetClientAsync is the non-blocking form of GetClient. Exactly one
// ClientResult is sent on the returned channel. An unsupported extension
// is reported immediately with ErrInvalidArgument.
//
// Concurrent requests for a pair share one connect attempt; the attempt
// is abandoned when every requester's ctx is done. A failed attempt is not
// retried.
func (c *Cache) GetClientAsync(ctx context.Context, src Source, extension string, wait time.Duration) <-chan ClientResult {
	out := make(chan ClientResult, 1)
	if !IsSupported(extension) {
		out <- ClientResult{Err: fmt.Errorf("%w: %q", ErrInvalidArgument, extension)}
		return out
	}
	ctx, _ = tag.New(ctx, tag.Insert(ExtensionKey, extension))

	rec := c.lookupOrCreate(src, extension)
	if rec == nil {
		out <- ClientResult{Err: ErrClosed}
		return out
	}
	if client := rec.cachedClient(); client != nil {
		c.Stats.CacheHits.Add(1)
		stats.Record(ctx, MCacheHits.M(1))
		out <- ClientResult{Client: client}
		return out
	}
	conn, ok := c.opts.connectors[extension]
	if !ok {
		out <- ClientResult{Err: fmt.Errorf("%w %q", ErrNoConnector, extension)}
		return out
	}

	started := false
	ch := c.connects.DoChan(ctx, rec.key, func(cctx context.Context, complete func(Client, error)) {
		started = true
		// a connect may have finished between the check above and here
		if client := rec.cachedClient(); client != nil {
			complete(client, nil)
			return
		}
		go func() {
			complete(c.connect(cctx, rec, conn, wait))
		}()
	})
	if !started {
		c.Stats.Joins.Add(1)
		stats.Record(ctx, MConnectsJoined.M(1))
	}

	go func() {
		r := <-ch
		out <- ClientResult{Client: r.Val, Err: r.Err}
	}()
	return out
}

func (c *Cache) connect(ctx context.Context, rec *record, conn Connector, wait time.Duration) (Client, error) {
	ctx, span := trace.StartSpan(ctx, "clientcache.(*Cache).connect "+rec.key.extension)
	defer span.End()

	c.Stats.Connects.Add(1)
	stats.Record(ctx, MConnects.M(1))
	log.Debugw("Connecting", "extension", rec.key.extension, "source", rec.key.uid)

	client, err := conn.Connect(ctx, rec.src, rec.key.extension, wait)
	if err == nil && client == nil {
		err = fmt.Errorf("connector for %q returned no client", rec.key.extension)
	}
	if err != nil {
		c.Stats.ConnectErrors.Add(1)
		stats.Record(ctx, MConnectErrors.M(1))
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnavailable, Message: err.Error()})
		if !errors.Is(err, context.Canceled) {
			log.Infow("Connect failed", "extension", rec.key.extension, "source", rec.key.uid, "err", err)
		}
		return nil, err
	}

	c.emit(Event{Kind: ClientConnected, Extension: rec.key.extension, Source: rec.src, Client: client})
	if c.install(rec, client) {
		c.dispatch(Event{Kind: ClientCreated, Extension: rec.key.extension, Source: rec.src, Client: client})
	}
	return client, nil
}

// install caches client in rec and starts relaying its notifications. It
// reports false if rec was dropped while connecting; the client is still
// handed to the waiters but not cached.
func (c *Cache) install(rec *record, client Client) bool {
	rec.mu.Lock()
	if rec.dropped {
		rec.mu.Unlock()
		return false
	}
	var stale func()
	if rec.client != nil && rec.client != client {
		stale = rec.unwatch
	}
	rec.client = client
	rec.dead = false
	rec.unwatch = client.Watch(func(ev ClientEvent) {
		c.clientEvent(rec, client, ev)
	})
	rec.mu.Unlock()

	if stale != nil {
		stale()
	}
	return true
}

func (c *Cache) clientEvent(rec *record, client Client, ev ClientEvent) {
	ext := rec.key.extension
	switch ev.Kind {
	case ClientBackendDied:
		rec.mu.Lock()
		var unwatch func()
		if rec.client == client {
			unwatch = rec.unwatch
			rec.client, rec.unwatch = nil, nil
			rec.dead = true
		}
		rec.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}

		c.Stats.BackendDeaths.Add(1)
		ctx, _ := tag.New(context.Background(), tag.Insert(ExtensionKey, ext))
		stats.Record(ctx, MBackendDeaths.M(1))
		log.Warnw("Backend died", "extension", ext, "source", rec.key.uid, "message", ev.Message)
		c.dispatch(Event{Kind: BackendDied, Extension: ext, Source: rec.src, Client: client,
			Alert: newAlert(ext, BackendDied, rec.src, ev.Message)})
	case ClientBackendError:
		log.Warnw("Backend error", "extension", ext, "source", rec.key.uid, "message", ev.Message)
		c.dispatch(Event{Kind: BackendError, Extension: ext, Source: rec.src, Client: client,
			Alert: newAlert(ext, BackendError, rec.src, ev.Message)})
	case ClientPropertyChanged:
		c.dispatch(Event{Kind: ClientNotify, Extension: ext, Source: rec.src, Client: client, Property: ev.Property})
	}
}

// dropSource forgets every record for uid across all extensions.
func (c *Cache) dropSource(uid string) {
	c.mu.Lock()
	var dropped []*record
	for _, tbl := range c.records {
		if rec, ok := tbl[uid]; ok {
			delete(tbl, uid)
			dropped = append(dropped, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range dropped {
		rec.drop()
	}
	if len(dropped) > 0 {
		log.Debugw("Dropped clients for source", "source", uid, "records", len(dropped))
	}
}

func (r *record) drop() {
	r.mu.Lock()
	unwatch := r.unwatch
	r.client, r.unwatch = nil, nil
	r.dropped = true
	r.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

// RefCachedClient returns the cached client for the pair without
// connecting, or nil.
func (c *Cache) RefCachedClient(src Source, extension string) Client {
	rec := c.lookup(src, extension)
	if rec == nil {
		return nil
	}
	return rec.cachedClient()
}

// ListCachedClients returns the cached clients for extension, or for every
// extension when extension is empty.
func (c *Cache) ListCachedClients(extension string) []Client {
	c.mu.Lock()
	var recs []*record
	for ext, tbl := range c.records {
		if extension != "" && ext != extension {
			continue
		}
		for _, rec := range tbl {
			recs = append(recs, rec)
		}
	}
	c.mu.Unlock()

	var clients []Client
	for _, rec := range recs {
		if client := rec.cachedClient(); client != nil {
			clients = append(clients, client)
		}
	}
	return clients
}

// IsBackendDead reports whether the last client for the pair lost its
// backend and has not been replaced since. It does not prevent GetClient
// from reconnecting.
func (c *Cache) IsBackendDead(src Source, extension string) bool {
	rec := c.lookup(src, extension)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.dead
}

// EmitAllowAuthPrompt dispatches an AllowAuthPrompt notification for src.
func (c *Cache) EmitAllowAuthPrompt(src Source) {
	c.dispatch(Event{Kind: AllowAuthPrompt, Source: src})
}

// Close drops every record and stops relaying notifications. Requests
// after Close fail with ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var recs []*record
	for ext, tbl := range c.records {
		for _, rec := range tbl {
			recs = append(recs, rec)
		}
		c.records[ext] = make(map[string]*record)
	}
	c.mu.Unlock()

	if c.unwatchReg != nil {
		c.unwatchReg()
	}
	for _, rec := range recs {
		rec.drop()
	}
	if c.ownsLoop {
		c.loop.Stop()
	}
	return nil
}

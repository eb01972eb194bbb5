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

// Package photocache provides contact photo lookup with caching and
// de-duplication across a set of pluggable photo sources.
//
// Each lookup first consults a small in-memory cache keyed by the
// normalized email address. On a miss, every registered Source is asked in
// parallel and the best answer wins: any photo beats any error, and among
// photos the highest source priority wins. Concurrent lookups for the same
// address share a single race. Once a source has answered and the soft
// deadline has passed, the remaining sources are cancelled.
//
// The winning photo is streamed to every waiting caller while a copy is
// captured; at end of stream the copy is stored so later lookups are
// answered without consulting any source. "No photo" is remembered too.
package photocache // import "github.com/vimeo/photocache"

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/vimeo/go-clocks"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"

	"github.com/vimeo/photocache/addrkey"
	"github.com/vimeo/photocache/clientcache"
	"github.com/vimeo/photocache/loop"
	"github.com/vimeo/photocache/lru"
	"github.com/vimeo/photocache/singleflight"
)

var log = logging.Logger("photocache")

// ErrClosed is returned by lookups on a closed PhotoCache.
var ErrClosed = errors.New("photocache: closed")

// A Source searches for a contact photo.
type Source interface {
	// GetPhoto looks up the photo for email. A nil stream with a nil
	// error means the source has no photo for the address. Higher
	// priorities win when several sources have a photo.
	//
	// GetPhoto is called concurrently for different addresses and must
	// return promptly once ctx is cancelled.
	GetPhoto(ctx context.Context, email string) (photo io.ReadCloser, priority int, err error)
}

// Result is the outcome of a lookup. A nil Photo with a nil Err means no
// source has a photo for the address.
type Result struct {
	Photo io.ReadCloser
	Err   error
}

// PhotoCache looks up contact photos.
type PhotoCache struct {
	opts     cacheOpts
	ownsLoop bool

	photos *lru.SyncCache[*photoRecord]
	races  singleflight.TypedGroup[string, *capture]

	sourcesMu sync.Mutex
	sources   []Source

	mu       sync.Mutex
	closed   bool
	captures map[string]*capture // by normalized address, until the copy is stored

	// Stats are statistics on the cache.
	Stats Stats
}

// Stats are per-cache statistics.
type Stats struct {
	Gets             AtomicInt // any lookup
	CacheHits        AtomicInt // answered from a known record
	RacesStarted     AtomicInt // lookups that dispatched to the sources
	RacesJoined      AtomicInt // lookups that attached to a running race
	SourceDispatches AtomicInt // individual source GetPhoto calls
	SourceErrors     AtomicInt // source errors, propagated or not
	EarlySettlements AtomicInt // races cut short by the soft deadline
}

// photoRecord is the cache entry for one address.
type photoRecord struct {
	mu    sync.Mutex
	known bool
	data  []byte
}

func (r *photoRecord) get() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.known
}

func (r *photoRecord) set(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// a "no photo" update does not discard bytes already held
	if data == nil && r.data != nil {
		return
	}
	r.data = data
	r.known = true
}

// New constructs a PhotoCache with no sources.
func New(opts ...Option) *PhotoCache {
	o := cacheOpts{
		maxEntries:   DefaultMaxEntries,
		softDeadline: DefaultSoftDeadline,
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.clock == nil {
		o.clock = clocks.DefaultClock()
	}
	pc := &PhotoCache{
		opts:     o,
		photos:   lru.NewSync[*photoRecord](o.maxEntries, addrkey.Normalize),
		captures: make(map[string]*capture),
	}
	if pc.opts.loop == nil {
		pc.opts.loop = loop.New()
		pc.ownsLoop = true
	}
	return pc
}

// ClientCache returns the client cache given to New, if any.
func (pc *PhotoCache) ClientCache() *clientcache.Cache {
	return pc.opts.clientCache
}

// AddSource registers src. Lookups already in progress do not consult it.
func (pc *PhotoCache) AddSource(src Source) {
	pc.sourcesMu.Lock()
	defer pc.sourcesMu.Unlock()
	pc.sources = append(pc.sources, src)
}

// RemoveSource unregisters src, reporting whether it was registered.
func (pc *PhotoCache) RemoveSource(src Source) bool {
	pc.sourcesMu.Lock()
	defer pc.sourcesMu.Unlock()
	i := slices.Index(pc.sources, src)
	if i < 0 {
		return false
	}
	pc.sources = slices.Delete(pc.sources, i, i+1)
	return true
}

// Sources returns the registered sources in registration order.
func (pc *PhotoCache) Sources() []Source {
	pc.sourcesMu.Lock()
	defer pc.sourcesMu.Unlock()
	return slices.Clone(pc.sources)
}

// AddPhoto stores data as the photo for email. A nil data records that the
// address has no photo, unless a photo is already stored for it.
func (pc *PhotoCache) AddPhoto(email string, data []byte) {
	if data != nil {
		data = bytes.Clone(data)
	}
	pc.storePhoto(email, data)
}

func (pc *PhotoCache) storePhoto(email string, data []byte) {
	rec, _ := pc.photos.LookupOrCreate(email, newPhotoRecord)
	rec.set(data)
}

func newPhotoRecord() *photoRecord {
	return &photoRecord{}
}

// RemovePhoto forgets whatever is known about email.
func (pc *PhotoCache) RemovePhoto(email string) bool {
	return pc.photos.Remove(email)
}

// GetPhoto looks up the photo for email, blocking until the lookup
// settles or ctx is done. A nil photo with a nil error means no source has
// a photo for the address. The caller must close a non-nil photo.
func (pc *PhotoCache) GetPhoto(ctx context.Context, email string) (io.ReadCloser, error) {
	r := <-pc.GetPhotoAsync(ctx, email)
	return r.Photo, r.Err
}

// GetPhotoAsync starts a lookup for email. Exactly one Result is sent on
// the returned channel. If ctx is done before the lookup settles the
// Result carries ctx.Err(); other callers waiting on the same address are
// unaffected.
func (pc *PhotoCache) GetPhotoAsync(ctx context.Context, email string) <-chan Result {
	out := make(chan Result, 1)

	ctx, _ = tag.New(ctx, tag.Insert(OperationKey, "get_photo"))
	ctx, span := trace.StartSpan(ctx, "photocache.(*PhotoCache).GetPhoto")
	startTime := time.Now()
	finish := func(r Result) {
		stats.Record(ctx, MRoundtripLatencyMilliseconds.M(sinceInMilliseconds(startTime)))
		if r.Err != nil {
			span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: r.Err.Error()})
		}
		span.End()
		out <- r
	}

	pc.Stats.Gets.Add(1)
	stats.Record(ctx, MGets.M(1))

	if pc.isClosed() {
		finish(Result{Err: ErrClosed})
		return out
	}

	rec, _ := pc.photos.LookupOrCreate(email, newPhotoRecord)
	if data, known := rec.get(); known {
		span.Annotatef(nil, "Cache hit")
		pc.Stats.CacheHits.Add(1)
		stats.Record(ctx, MCacheHits.M(1), MPhotoLength.M(int64(len(data))))
		finish(Result{Photo: photoStream(data)})
		return out
	}
	stats.Record(ctx, MCacheMisses.M(1))
	span.Annotatef(nil, "Cache miss")

	key := addrkey.Normalize(email)
	if c := pc.capturing(key); c != nil {
		// settled, but the winning photo is still being copied
		pc.Stats.RacesJoined.Add(1)
		stats.Record(ctx, MRacesJoined.M(1))
		finish(Result{Photo: c.newReader()})
		return out
	}

	started := false
	ch := pc.races.DoChan(ctx, key, func(rctx context.Context, complete func(*capture, error)) {
		started = true
		// a race may have settled since the checks above
		if c := pc.capturing(key); c != nil {
			complete(c, nil)
			return
		}
		if data, known := rec.get(); known {
			if data == nil {
				complete(nil, nil)
			} else {
				complete(storedCapture(data), nil)
			}
			return
		}
		pc.startRace(rctx, email, complete)
	})
	if !started {
		pc.Stats.RacesJoined.Add(1)
		stats.Record(ctx, MRacesJoined.M(1))
	}

	go func() {
		r := <-ch
		switch {
		case r.Err != nil:
			finish(Result{Err: r.Err})
		case r.Val == nil:
			finish(Result{})
		default:
			finish(Result{Photo: r.Val.newReader()})
		}
	}()
	return out
}

func photoStream(data []byte) io.ReadCloser {
	if data == nil {
		return nil
	}
	return io.NopCloser(bytes.NewReader(data))
}

func (pc *PhotoCache) isClosed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

// track registers c so lookups arriving before its copy is stored join it,
// and so Close can abort it. It reports false once the cache is closed.
// c must be tracked before its race's flight is forgotten.
func (pc *PhotoCache) track(c *capture) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return false
	}
	pc.captures[c.key] = c
	return true
}

// untrack runs after c has stored its copy, or failed.
func (pc *PhotoCache) untrack(c *capture) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.captures[c.key] == c {
		delete(pc.captures, c.key)
	}
}

func (pc *PhotoCache) capturing(key string) *capture {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.captures[key]
}

// Close drops every cached photo, aborts photo streams still being
// captured and stops the cache's own task queue. Lookups after Close fail
// with ErrClosed.
func (pc *PhotoCache) Close() error {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil
	}
	pc.closed = true
	captures := make([]*capture, 0, len(pc.captures))
	for _, c := range pc.captures {
		captures = append(captures, c)
	}
	pc.mu.Unlock()

	for _, c := range captures {
		c.abort()
	}
	pc.photos.RemoveAll()
	if pc.ownsLoop {
		pc.opts.loop.Stop()
	}
	return nil
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

func sourceName(src Source) string {
	if s, ok := src.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", src)
}

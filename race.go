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
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opencensus.io/stats"
)

type raceState int

const (
	raceDispatched raceState = iota // sources running, nothing to deliver yet
	raceHasResult                   // at least one photo queued
	raceComplete                    // settled; no further transitions
)

// subtask is one source's part of a race.
type subtask struct {
	src    Source
	ctx    context.Context
	cancel context.CancelFunc

	photo    io.ReadCloser
	priority int
	err      error
}

// race asks every source for one address and settles on the best answer.
type race struct {
	pc       *PhotoCache
	email    string
	start    time.Time
	complete func(*capture, error)

	mu            sync.Mutex
	state         raceState
	running       map[*subtask]struct{}
	results       []*subtask // photos by descending priority, then errors
	cancelsPosted bool
}

func (pc *PhotoCache) startRace(ctx context.Context, email string, complete func(*capture, error)) {
	pc.Stats.RacesStarted.Add(1)
	stats.Record(ctx, MRacesStarted.M(1))

	srcs := pc.Sources()
	if len(srcs) == 0 {
		pc.storePhoto(email, nil)
		complete(nil, nil)
		return
	}

	r := &race{
		pc:       pc,
		email:    email,
		start:    pc.opts.clock.Now(),
		complete: complete,
		running:  make(map[*subtask]struct{}, len(srcs)),
	}
	// Subtasks outlive the callers' request: the winner's stream is still
	// being captured after the race settles. watch and settle cancel them.
	base := context.WithoutCancel(ctx)
	tasks := make([]*subtask, len(srcs))
	for i, src := range srcs {
		st := &subtask{src: src}
		st.ctx, st.cancel = context.WithCancel(base)
		tasks[i] = st
		r.running[st] = struct{}{}
	}

	for _, st := range tasks {
		pc.Stats.SourceDispatches.Add(1)
		stats.Record(ctx, MSourceDispatches.M(1))
		go r.run(st)
	}
	go r.watch(ctx)
}

func (r *race) run(st *subtask) {
	photo, priority, err := st.src.GetPhoto(st.ctx, r.email)
	r.finish(st, photo, priority, err)
}

// watch cancels the remaining sources once every caller has left.
func (r *race) watch(ctx context.Context) {
	<-ctx.Done()
	r.mu.Lock()
	if r.state == raceComplete {
		r.mu.Unlock()
		return
	}
	pending := r.takeRunningLocked()
	r.mu.Unlock()
	r.cancelDeferred(pending)
}

func (r *race) finish(st *subtask, photo io.ReadCloser, priority int, err error) {
	if err != nil {
		r.pc.Stats.SourceErrors.Add(1)
		stats.Record(st.ctx, MSourceErrors.M(1))
		if photo != nil {
			photo.Close()
			photo = nil
		}
	}

	r.mu.Lock()
	delete(r.running, st)
	switch {
	case err != nil:
		st.err = fmt.Errorf("photo source %s: %w", sourceName(st.src), err)
		r.results = append(r.results, st)
	case photo == nil:
		// no match
		st.cancel()
	default:
		st.photo, st.priority = photo, priority
		r.insertLocked(st)
		if r.state == raceDispatched {
			r.state = raceHasResult
		}
	}

	// only a photo arriving can cut the race short; an error or a miss
	// past the deadline keeps waiting for sources that may still succeed
	var pending []*subtask
	if st.photo != nil && len(r.running) > 0 &&
		r.pc.opts.clock.Now().Sub(r.start) > r.pc.opts.softDeadline {
		pending = r.takeRunningLocked()
		if len(pending) > 0 {
			r.pc.Stats.EarlySettlements.Add(1)
			stats.Record(st.ctx, MEarlySettlements.M(1))
		}
	}

	settled := len(r.running) == 0 && r.state != raceComplete
	if settled {
		r.state = raceComplete
	}
	r.mu.Unlock()

	r.cancelDeferred(pending)
	if settled {
		r.settle()
	}
}

// insertLocked places a photo after every photo of equal or higher
// priority and before all errors.
func (r *race) insertLocked(st *subtask) {
	i := 0
	for ; i < len(r.results); i++ {
		other := r.results[i]
		if other.err != nil || other.priority < st.priority {
			break
		}
	}
	r.results = append(r.results, nil)
	copy(r.results[i+1:], r.results[i:])
	r.results[i] = st
}

// takeRunningLocked returns the subtasks whose cancellation has not been
// requested yet. Requests are only made once per race.
func (r *race) takeRunningLocked() []*subtask {
	if r.cancelsPosted {
		return nil
	}
	r.cancelsPosted = true
	pending := make([]*subtask, 0, len(r.running))
	for st := range r.running {
		pending = append(pending, st)
	}
	return pending
}

// cancelDeferred cancels subtasks from the cache's task queue rather than
// from the caller's stack, so no subtask completes while the caller still
// holds a lock.
func (r *race) cancelDeferred(pending []*subtask) {
	if len(pending) == 0 {
		return
	}
	cancelAll := func() {
		for _, st := range pending {
			st.cancel()
		}
	}
	if err := r.pc.opts.loop.Post(cancelAll); err != nil {
		go cancelAll()
	}
}

// settle delivers the head of the results. Only the settling goroutine
// reaches here, after the race is marked complete.
func (r *race) settle() {
	if len(r.results) == 0 {
		r.pc.storePhoto(r.email, nil)
		r.complete(nil, nil)
		return
	}

	head, rest := r.results[0], r.results[1:]
	var discarded error
	for _, st := range rest {
		if st.photo != nil {
			st.photo.Close()
		}
		st.cancel()
		if st.err != nil && !isCancellation(st.err) {
			discarded = multierror.Append(discarded, st.err)
		}
	}
	if discarded != nil {
		log.Warnw("Discarded photo source errors", "email", r.email, "err", discarded)
	}

	if head.err != nil {
		head.cancel()
		r.complete(nil, head.err)
		return
	}

	c := newCapture(r.pc, r.email, head.photo, head.cancel)
	if !r.pc.track(c) {
		head.photo.Close()
		head.cancel()
		r.complete(nil, ErrClosed)
		return
	}
	go c.pump()
	r.complete(c, nil)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

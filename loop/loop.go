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

// Package loop provides a serial task queue. Tasks posted to a Loop run one
// at a time, in posting order, on a single goroutine owned by the Loop.
//
// Caches use a Loop as their home context: notifications are dispatched on
// it, and work that must not run inline (such as cancelling sub-requests
// while a lock is held) is deferred to it.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/channelqueue"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("photocache/loop")

// ErrStopped is returned when posting to a stopped Loop.
var ErrStopped = errors.New("loop stopped")

// Loop runs posted tasks serially. Posting never blocks on task execution.
type Loop struct {
	mu      sync.Mutex
	stopped bool
	q       *channelqueue.ChannelQueue[func()]
	done    chan struct{}
}

// New starts a Loop.
func New() *Loop {
	l := &Loop{
		q:    channelqueue.New[func()](-1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for fn := range l.q.Out() {
		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// Post queues fn to run on the loop.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	l.q.In() <- fn
	return nil
}

// Flush waits until every task posted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	ran := make(chan struct{})
	if err := l.Post(func() { close(ran) }); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses further tasks. Tasks already queued still run; Done is closed
// once they have. Stop is idempotent and safe to call from a task.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.q.Close()
}

// Done is closed after Stop once the queue has drained.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	return l.q.Len()
}

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

package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	var g TypedGroup[string, string]
	v, err := g.Do("key", func() (string, error) {
		return "bar", nil
	})
	if v != "bar" || err != nil {
		t.Errorf("Do = %q, %v; want bar, nil", v, err)
	}
	if g.InFlight("key") {
		t.Error("flight still registered after Do returned")
	}
}

func TestDoErr(t *testing.T) {
	var g TypedGroup[string, any]
	someErr := errors.New("some error")
	v, err := g.Do("key", func() (any, error) {
		return nil, someErr
	})
	if err != someErr {
		t.Errorf("Do error = %v; want someErr", err)
	}
	if v != nil {
		t.Errorf("unexpected non-nil value %#v", v)
	}
}

func TestDoChanDupSuppress(t *testing.T) {
	var g TypedGroup[string, int]
	var calls int32
	release := make(chan struct{})
	start := func(_ context.Context, complete func(int, error)) {
		atomic.AddInt32(&calls, 1)
		go func() {
			<-release
			complete(42, nil)
		}()
	}

	const n = 10
	chans := make([]<-chan Result[int], n)
	for i := range chans {
		chans[i] = g.DoChan(context.Background(), "key", start)
	}
	close(release)

	for i, ch := range chans {
		r := <-ch
		if r.Val != 42 || r.Err != nil {
			t.Errorf("waiter %d got %d, %v", i, r.Val, r.Err)
		}
		if !r.Shared {
			t.Errorf("waiter %d: result not marked shared", i)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("number of calls = %d; want 1", got)
	}
}

func TestDoChanSynchronousComplete(t *testing.T) {
	var g TypedGroup[string, int]
	r := <-g.DoChan(context.Background(), "key", func(_ context.Context, complete func(int, error)) {
		complete(7, nil)
		// extra completions are ignored
		complete(8, nil)
	})
	if r.Val != 7 || r.Shared {
		t.Errorf("got %+v; want 7 unshared", r)
	}
}

func TestWaiterLeavesOthersStay(t *testing.T) {
	var g TypedGroup[string, int]
	release := make(chan struct{})
	var flightCtx context.Context
	start := func(ctx context.Context, complete func(int, error)) {
		flightCtx = ctx
		go func() {
			<-release
			complete(1, nil)
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	leaving := g.DoChan(ctx, "key", start)
	staying := g.DoChan(context.Background(), "key", start)

	cancel()
	r := <-leaving
	if !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("leaving waiter got %+v; want context.Canceled", r)
	}
	if flightCtx.Err() != nil {
		t.Fatal("flight cancelled while a waiter remained")
	}

	close(release)
	if r := <-staying; r.Err != nil || r.Val != 1 {
		t.Errorf("staying waiter got %+v", r)
	}
}

func TestLastWaiterCancelsFlight(t *testing.T) {
	var g TypedGroup[string, int]
	started := make(chan context.Context, 2)
	var wg sync.WaitGroup
	start := func(ctx context.Context, complete func(int, error)) {
		started <- ctx
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			complete(0, ctx.Err())
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := g.DoChan(ctx, "key", start)
	fctx := <-started
	cancel()
	if r := <-ch; !errors.Is(r.Err, context.Canceled) {
		t.Fatalf("got %+v; want context.Canceled", r)
	}

	select {
	case <-fctx.Done():
	case <-time.After(time.Second):
		t.Fatal("flight context not cancelled after the last waiter left")
	}
	if g.InFlight("key") {
		t.Error("abandoned flight still registered")
	}

	// a new caller starts a fresh flight
	ch = g.DoChan(context.Background(), "key", func(_ context.Context, complete func(int, error)) {
		complete(3, nil)
	})
	if r := <-ch; r.Val != 3 || r.Err != nil {
		t.Errorf("fresh flight got %+v", r)
	}
	wg.Wait()
}

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

package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Flush(context.Background()))

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestPostFromTask(t *testing.T) {
	l := New()
	defer l.Stop()

	done := make(chan struct{})
	require.NoError(t, l.Post(func() {
		// must not deadlock
		if err := l.Post(func() { close(done) }); err != nil {
			t.Error(err)
		}
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested task never ran")
	}
}

func TestPanickingTaskDoesNotKillLoop(t *testing.T) {
	l := New()
	defer l.Stop()

	require.NoError(t, l.Post(func() { panic("boom") }))
	ran := false
	require.NoError(t, l.Post(func() { ran = true }))
	require.NoError(t, l.Flush(context.Background()))
	require.True(t, ran)
}

func TestStopDrains(t *testing.T) {
	l := New()
	count := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Post(func() { count++ }))
	}
	l.Stop()
	l.Stop()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not drain after Stop")
	}
	require.Equal(t, 10, count)
	require.ErrorIs(t, l.Post(func() {}), ErrStopped)
	require.ErrorIs(t, l.Flush(context.Background()), ErrStopped)
}

func TestFlushHonorsContext(t *testing.T) {
	l := New()
	defer l.Stop()

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, l.Post(func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.Flush(ctx), context.DeadlineExceeded)
}

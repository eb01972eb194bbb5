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

package gravatar

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vimeo/photocache"
)

func TestHash(t *testing.T) {
	// reference value from the Gravatar documentation
	require.Equal(t, "0bc83cb571cd1c50ba6f3e8a78ef1346", Hash(" MyEmailAddress@example.com "))
}

func TestGetPhoto(t *testing.T) {
	known := Hash("jane@example.com")
	var lastQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastQuery.Store(r.URL.RawQuery)
		if strings.TrimPrefix(r.URL.Path, "/avatar/") != known {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	s, err := New(WithBaseURL(srv.URL+"/avatar/"), WithSize(48), WithPriority(7))
	require.NoError(t, err)

	photo, prio, err := s.GetPhoto(context.Background(), "Jane@Example.com")
	require.NoError(t, err)
	require.NotNil(t, photo)
	require.Equal(t, 7, prio)
	data, err := io.ReadAll(photo)
	require.NoError(t, err)
	require.NoError(t, photo.Close())
	require.Equal(t, "png-bytes", string(data))
	require.Equal(t, "d=404&s=48", lastQuery.Load())

	photo, _, err = s.GetPhoto(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	require.Nil(t, photo)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	s, err := New(WithBaseURL(srv.URL), WithRetry(3, time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	photo, _, err := s.GetPhoto(context.Background(), "jane@example.com")
	require.NoError(t, err)
	defer photo.Close()
	data, err := io.ReadAll(photo)
	require.NoError(t, err)
	require.Equal(t, "late", string(data))
	require.EqualValues(t, 3, calls.Load())
}

func TestServerErrorWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)
	photo, _, err := s.GetPhoto(context.Background(), "jane@example.com")
	require.Error(t, err)
	require.Nil(t, photo)
}

func TestBadOptions(t *testing.T) {
	_, err := New(WithSize(0))
	require.Error(t, err)
	_, err = New(WithBaseURL("://nope"))
	require.Error(t, err)
}

func TestAsPhotoCacheSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("avatar"))
	}))
	defer srv.Close()

	s, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)

	pc := photocache.New()
	defer pc.Close()
	pc.AddSource(s)

	photo, err := pc.GetPhoto(context.Background(), "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, photo)
	data, err := io.ReadAll(photo)
	require.NoError(t, err)
	photo.Close()
	require.Equal(t, "avatar", string(data))
}

func TestSlowBodyIsCachedWhole(t *testing.T) {
	const size = 256 << 10
	body := bytes.Repeat([]byte{0xAB}, size)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.Write(body[:1024])
		w.(http.Flusher).Flush()
		time.Sleep(100 * time.Millisecond)
		w.Write(body[1024:])
	}))
	defer srv.Close()

	s, err := New(WithBaseURL(srv.URL))
	require.NoError(t, err)
	pc := photocache.New()
	defer pc.Close()
	pc.AddSource(s)

	photo, err := pc.GetPhoto(context.Background(), "jane@example.com")
	require.NoError(t, err)
	require.NotNil(t, photo)
	data, err := io.ReadAll(photo)
	require.NoError(t, err)
	photo.Close()
	require.Len(t, data, size)

	require.Eventually(t, func() bool {
		photo, err := pc.GetPhoto(context.Background(), "jane@example.com")
		if err != nil || photo == nil {
			return false
		}
		defer photo.Close()
		data, err := io.ReadAll(photo)
		return err == nil && len(data) == size
	}, time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

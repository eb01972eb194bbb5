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
	"io"
	"os"
	"sync"

	"go.opencensus.io/stats"

	"github.com/vimeo/photocache/addrkey"
)

const captureChunkSize = 32 << 10

var errCaptureAborted = errors.New("photocache: photo capture aborted")

// capture tees a winning photo stream: every caller of the race reads the
// same bytes through its own reader while the full copy accumulates. At
// end of stream the copy is stored for the address.
type capture struct {
	pc      *PhotoCache
	email   string
	key     string
	src     io.ReadCloser
	release context.CancelFunc

	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	err  error // io.EOF once the copy is complete
}

func newCapture(pc *PhotoCache, email string, src io.ReadCloser, release context.CancelFunc) *capture {
	c := &capture{
		pc:      pc,
		email:   email,
		key:     addrkey.Normalize(email),
		src:     src,
		release: release,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// storedCapture serves data that is already in the table.
func storedCapture(data []byte) *capture {
	c := &capture{buf: data, err: io.EOF}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// pump copies the source into buf until it ends, independently of how fast
// (or whether) readers consume it. The photo is stored before readers are
// told about the end of stream.
func (c *capture) pump() {
	defer c.pc.untrack(c)
	defer c.release()
	defer c.src.Close()

	chunk := make([]byte, captureChunkSize)
	for {
		n, err := c.src.Read(chunk)

		c.mu.Lock()
		c.buf = append(c.buf, chunk[:n]...)
		aborted := c.err != nil
		c.cond.Broadcast()
		c.mu.Unlock()

		if aborted {
			return
		}
		if err == nil {
			continue
		}

		if err == io.EOF {
			data := c.bytes()
			stats.Record(context.Background(), MPhotoLength.M(int64(len(data))))
			c.pc.storePhoto(c.email, data)
		} else {
			log.Warnw("Photo stream failed", "email", c.email, "err", err)
		}

		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}
}

// bytes returns the complete copy. An empty photo is stored as an empty,
// non-nil slice so it is not mistaken for "no photo".
func (c *capture) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return []byte{}
	}
	return c.buf[:len(c.buf):len(c.buf)]
}

// abort fails the capture; readers see errCaptureAborted and nothing is
// stored.
func (c *capture) abort() {
	c.mu.Lock()
	if c.err == nil {
		c.err = errCaptureAborted
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.src.Close()
}

func (c *capture) newReader() io.ReadCloser {
	return &captureReader{c: c}
}

// captureReader is one caller's view of a capture.
type captureReader struct {
	c      *capture
	off    int
	closed bool // guarded by c.mu
}

func (r *captureReader) Read(p []byte) (int, error) {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for !r.closed && r.off >= len(c.buf) && c.err == nil {
		c.cond.Wait()
	}
	if r.closed {
		return 0, os.ErrClosed
	}
	if r.off < len(c.buf) {
		n := copy(p, c.buf[r.off:])
		r.off += n
		return n, nil
	}
	return 0, c.err
}

func (r *captureReader) Close() error {
	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	r.closed = true
	c.cond.Broadcast()
	return nil
}

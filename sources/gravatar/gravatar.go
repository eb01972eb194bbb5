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

// Package gravatar is a photo source that asks a Gravatar-compatible
// service for avatars. The service is told to answer 404 rather than serve
// a default image, so only real avatars count as matches.
package gravatar

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("photocache/gravatar")

// Source implements photocache.Source.
type Source struct {
	cfg    config
	client *http.Client
}

// New returns a Source configured by opts.
func New(opts ...Option) (*Source, error) {
	cfg, err := getOpts(opts)
	if err != nil {
		return nil, err
	}
	s := &Source{cfg: cfg, client: cfg.httpClient}
	if cfg.retryMax != 0 {
		rclient := &retryablehttp.Client{
			HTTPClient:   cfg.httpClient,
			RetryWaitMin: cfg.retryWaitMin,
			RetryWaitMax: cfg.retryWaitMax,
			RetryMax:     cfg.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
			Logger:       retryLogger{},
		}
		s.client = rclient.StandardClient()
	}
	return s, nil
}

func (s *Source) String() string {
	return "gravatar(" + s.cfg.baseURL.Host + ")"
}

// Hash returns the avatar hash for email.
func Hash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

// URL returns the avatar URL requested for email.
func (s *Source) URL(email string) string {
	u := s.cfg.baseURL.JoinPath(Hash(email))
	q := u.Query()
	q.Set("d", "404")
	q.Set("s", strconv.Itoa(s.cfg.size))
	u.RawQuery = q.Encode()
	return u.String()
}

// GetPhoto implements photocache.Source. The body is returned unread; the
// caller owns it.
func (s *Source) GetPhoto(ctx context.Context, email string) (io.ReadCloser, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(email), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "image/*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, s.cfg.priority, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, nil
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, 0, fmt.Errorf("non-success http status %s", resp.Status)
	}
}

// retryLogger routes retryablehttp's messages to the package logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) { log.Errorw(msg, kv...) }
func (retryLogger) Info(msg string, kv ...interface{})  { log.Debugw(msg, kv...) }
func (retryLogger) Debug(msg string, kv ...interface{}) { log.Debugw(msg, kv...) }
func (retryLogger) Warn(msg string, kv ...interface{})  { log.Warnw(msg, kv...) }

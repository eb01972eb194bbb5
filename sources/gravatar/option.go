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
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultBaseURL  = "https://www.gravatar.com/avatar/"
	DefaultSize     = 96
	DefaultPriority = 0
)

type config struct {
	baseURL      *url.URL
	size         int
	priority     int
	httpClient   *http.Client
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

func getOpts(opts []Option) (config, error) {
	base, _ := url.Parse(DefaultBaseURL)
	cfg := config{
		baseURL:      base,
		size:         DefaultSize,
		priority:     DefaultPriority,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		retryWaitMin: 100 * time.Millisecond,
		retryWaitMax: 2 * time.Second,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithBaseURL sets the URL that hashed addresses are appended to.
func WithBaseURL(u string) Option {
	return func(c *config) error {
		parsed, err := url.Parse(u)
		if err != nil {
			return fmt.Errorf("bad base url: %w", err)
		}
		c.baseURL = parsed
		return nil
	}
}

// WithSize sets the requested image edge length in pixels.
func WithSize(px int) Option {
	return func(c *config) error {
		if px <= 0 {
			return fmt.Errorf("size must be positive, got %d", px)
		}
		c.size = px
		return nil
	}
}

// WithPriority sets the priority reported with every photo.
func WithPriority(p int) Option {
	return func(c *config) error {
		c.priority = p
		return nil
	}
}

// WithHTTPClient sets the client requests go through.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) error {
		c.httpClient = hc
		return nil
	}
}

// WithRetry retries failed requests up to max times, waiting between
// waitMin and waitMax. A max of 0 disables retries.
func WithRetry(max int, waitMin, waitMax time.Duration) Option {
	return func(c *config) error {
		c.retryMax = max
		c.retryWaitMin = waitMin
		c.retryWaitMax = waitMax
		return nil
	}
}

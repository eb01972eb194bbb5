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

// Package bookphoto is a photo source backed by the enabled address books.
// Books are reached through a shared clientcache.Cache, so lookups reuse
// the connections every other user of the cache holds.
package bookphoto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"github.com/vimeo/photocache/clientcache"
	"github.com/vimeo/photocache/registry"
)

var log = logging.Logger("photocache/bookphoto")

// DefaultPriority ranks address book photos above network avatars.
const DefaultPriority = 10

// Book is the part of an address book client the source needs.
type Book interface {
	FindPhoto(ctx context.Context, email string) ([]byte, bool, error)
	ContainsEmail(ctx context.Context, email string) (bool, error)
}

// Source implements photocache.Source.
type Source struct {
	reg      *registry.Registry
	clients  *clientcache.Cache
	priority int
	wait     time.Duration
}

// New returns a Source searching the address books enabled in reg. wait is
// passed to every connect.
func New(reg *registry.Registry, clients *clientcache.Cache, priority int, wait time.Duration) *Source {
	return &Source{reg: reg, clients: clients, priority: priority, wait: wait}
}

func (s *Source) String() string { return "address-books" }

// books connects to each enabled address book in registry order. Books that
// fail to connect are skipped and their errors collected.
func (s *Source) books(ctx context.Context, yield func(*registry.Source, Book) (bool, error)) error {
	var errs error
	for _, src := range s.reg.ListEnabled(clientcache.ExtAddressBook) {
		client, err := s.clients.GetClient(ctx, src, clientcache.ExtAddressBook, s.wait)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.DisplayName(), err))
			continue
		}
		book, ok := client.(Book)
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%s: client %T cannot search contacts", src.DisplayName(), client))
			continue
		}
		done, err := yield(src, book)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.DisplayName(), err))
			continue
		}
		if done {
			return nil
		}
	}
	return errs
}

// GetPhoto implements photocache.Source. The first book with a photo for
// email wins. Failing books are only reported when no book has a photo.
func (s *Source) GetPhoto(ctx context.Context, email string) (io.ReadCloser, int, error) {
	var photo []byte
	err := s.books(ctx, func(src *registry.Source, b Book) (bool, error) {
		data, found, err := b.FindPhoto(ctx, email)
		if found {
			photo = data
			log.Debugw("Found photo", "book", src.UID(), "address", email)
		}
		return found, err
	})
	if photo != nil {
		return io.NopCloser(bytes.NewReader(photo)), s.priority, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return nil, 0, nil
}

// Contains reports whether any enabled address book has a contact with
// email.
func (s *Source) Contains(ctx context.Context, email string) (bool, error) {
	var found bool
	err := s.books(ctx, func(_ *registry.Source, b Book) (bool, error) {
		ok, err := b.ContainsEmail(ctx, email)
		found = found || ok
		return ok, err
	})
	if found {
		return true, nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		log.Warnw("Address book search incomplete", "address", email, "err", err)
	}
	return false, err
}

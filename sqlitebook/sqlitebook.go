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

// Package sqlitebook is an address book backend stored in SQLite. A Book
// is a clientcache.Client; Connector opens Books for the clientcache.
package sqlitebook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/vimeo/photocache/addrkey"
	"github.com/vimeo/photocache/clientcache"
)

var log = logging.Logger("photocache/sqlitebook")

// ErrClosed is returned by operations on a closed Book.
var ErrClosed = errors.New("sqlitebook: book closed")

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL,
	email_key  BLOB NOT NULL,
	photo      BLOB,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_contacts_email_key ON contacts(email_key);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}

// Book is an open address book.
type Book struct {
	src clientcache.Source
	db  *sqlx.DB

	mu       sync.Mutex
	closed   bool
	watchers map[int]func(clientcache.ClientEvent)
	nextW    int
}

// Open opens (or creates) the address book for src at path, enables WAL
// mode, and runs any pending schema migrations.
func Open(ctx context.Context, src clientcache.Source, path string) (*Book, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	b := &Book{
		src:      src,
		db:       db,
		watchers: make(map[int]func(clientcache.ClientEvent)),
	}
	if err := b.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return b, nil
}

func (b *Book) runMigrations(ctx context.Context) error {
	currentVersion := 0

	var tableCount int
	err := b.db.GetContext(ctx, &tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := b.db.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := b.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Source implements clientcache.Client
func (b *Book) Source() clientcache.Source {
	return b.src
}

// Watch implements clientcache.Client. Watchers run on the goroutine that
// caused the notification, without the Book's lock held.
func (b *Book) Watch(fn func(clientcache.ClientEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextW
	b.nextW++
	b.watchers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.watchers, id)
	}
}

func (b *Book) notify(ev clientcache.ClientEvent) {
	b.mu.Lock()
	fns := make([]func(clientcache.ClientEvent), 0, len(b.watchers))
	for _, fn := range b.watchers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Book) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// AddContact stores a contact. A nil photo stores the contact without one.
func (b *Book) AddContact(ctx context.Context, name, email string, photo []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	_, err := b.db.ExecContext(ctx,
		"INSERT INTO contacts (name, email, email_key, photo) VALUES (?, ?, ?, ?)",
		name, email, []byte(addrkey.Normalize(email)), photo)
	if err != nil {
		b.failed(err)
		return fmt.Errorf("inserting contact %q: %w", email, err)
	}
	b.notify(clientcache.ClientEvent{Kind: clientcache.ClientPropertyChanged, Property: "revision"})
	return nil
}

// FindPhoto returns the photo of the first contact with email that has
// one. found is false when no such contact exists.
func (b *Book) FindPhoto(ctx context.Context, email string) (photo []byte, found bool, err error) {
	if b.isClosed() {
		return nil, false, ErrClosed
	}
	err = b.db.GetContext(ctx, &photo,
		"SELECT photo FROM contacts WHERE email_key = ? AND photo IS NOT NULL ORDER BY id LIMIT 1",
		[]byte(addrkey.Normalize(email)))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		b.failed(err)
		return nil, false, fmt.Errorf("looking up photo for %q: %w", email, err)
	}
	if photo == nil {
		photo = []byte{}
	}
	return photo, true, nil
}

// ContainsEmail reports whether any contact has email.
func (b *Book) ContainsEmail(ctx context.Context, email string) (bool, error) {
	if b.isClosed() {
		return false, ErrClosed
	}
	var n int
	err := b.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM contacts WHERE email_key = ?", []byte(addrkey.Normalize(email)))
	if err != nil {
		b.failed(err)
		return false, fmt.Errorf("searching for %q: %w", email, err)
	}
	return n > 0, nil
}

// failed reports a query failure to watchers. Cancellations are not
// backend failures.
func (b *Book) failed(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	b.notify(clientcache.ClientEvent{Kind: clientcache.ClientBackendError, Message: err.Error()})
}

// Close closes the database. Watchers see the backend die.
func (b *Book) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.db.Close()
	b.notify(clientcache.ClientEvent{Kind: clientcache.ClientBackendDied, Message: "The address book was closed."})
	return err
}

// Locator is implemented by sources that know where their data lives.
type Locator interface {
	Location() string
}

// Connector opens Books for the address-book extension. Sources that
// implement Locator with a non-empty location are opened there; others
// are opened as <Dir>/<UID>.db.
type Connector struct {
	Dir string
}

// Connect implements clientcache.Connector. wait is ignored; a local
// database is either there or it isn't.
func (c *Connector) Connect(ctx context.Context, src clientcache.Source, extension string, wait time.Duration) (clientcache.Client, error) {
	if extension != clientcache.ExtAddressBook {
		return nil, fmt.Errorf("sqlitebook: cannot serve %q", extension)
	}
	path := ""
	if l, ok := src.(Locator); ok {
		path = l.Location()
	}
	if path == "" {
		path = filepath.Join(c.Dir, src.UID()+".db")
	}
	log.Debugw("Opening address book", "source", src.UID(), "path", path)
	b, err := Open(ctx, src, path)
	if err != nil {
		return nil, err
	}
	return b, nil
}

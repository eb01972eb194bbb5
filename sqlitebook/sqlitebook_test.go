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

package sqlitebook

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vimeo/photocache/clientcache"
	"github.com/vimeo/photocache/registry"
)

func TestFindPhoto(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	src := reg.Add("Home", clientcache.ExtAddressBook, filepath.Join(t.TempDir(), "home.db"))

	conn := &Connector{}
	client, err := conn.Connect(ctx, src, clientcache.ExtAddressBook, 0)
	require.NoError(t, err)
	b := client.(*Book)
	defer b.Close()
	require.Same(t, src, b.Source())

	require.NoError(t, b.AddContact(ctx, "No Photo", "plain@example.com", nil))
	require.NoError(t, b.AddContact(ctx, "Jane", "Jane@Example.com", []byte("jpeg")))

	photo, found, err := b.FindPhoto(ctx, "jane@example.COM")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("jpeg"), photo)

	_, found, err = b.FindPhoto(ctx, "plain@example.com")
	require.NoError(t, err)
	require.False(t, found)

	ok, err := b.ContainsEmail(ctx, "PLAIN@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.ContainsEmail(ctx, "stranger@example.com")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReopenKeepsContacts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	reg := registry.New()
	src := reg.Add("Home", clientcache.ExtAddressBook, "")
	conn := &Connector{Dir: dir}

	client, err := conn.Connect(ctx, src, clientcache.ExtAddressBook, 0)
	require.NoError(t, err)
	require.NoError(t, client.(*Book).AddContact(ctx, "Jane", "jane@example.com", []byte("jpeg")))
	require.NoError(t, client.(*Book).Close())
	require.FileExists(t, filepath.Join(dir, src.UID()+".db"))

	client, err = conn.Connect(ctx, src, clientcache.ExtAddressBook, 0)
	require.NoError(t, err)
	defer client.(*Book).Close()
	photo, found, err := client.(*Book).FindPhoto(ctx, "jane@example.com")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("jpeg"), photo)
}

func TestWrongExtension(t *testing.T) {
	reg := registry.New()
	src := reg.Add("Cal", clientcache.ExtCalendar, "")
	_, err := (&Connector{Dir: t.TempDir()}).Connect(context.Background(), src, clientcache.ExtCalendar, 0)
	require.Error(t, err)
}

func TestCloseNotifiesBackendDied(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	src := reg.Add("Home", clientcache.ExtAddressBook, filepath.Join(t.TempDir(), "home.db"))
	b, err := Open(ctx, src, src.Location())
	require.NoError(t, err)

	var events []clientcache.ClientEvent
	b.Watch(func(ev clientcache.ClientEvent) { events = append(events, ev) })

	require.NoError(t, b.AddContact(ctx, "Jane", "jane@example.com", nil))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	require.Len(t, events, 2)
	require.Equal(t, clientcache.ClientPropertyChanged, events[0].Kind)
	require.Equal(t, clientcache.ClientBackendDied, events[1].Kind)

	_, _, err = b.FindPhoto(ctx, "jane@example.com")
	require.ErrorIs(t, err, ErrClosed)
}

func TestThroughClientCache(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	src := reg.Add("Home", clientcache.ExtAddressBook, filepath.Join(t.TempDir(), "home.db"))
	cc := clientcache.New(reg, clientcache.WithConnector(clientcache.ExtAddressBook, &Connector{}))
	defer cc.Close()

	first, err := cc.GetClient(ctx, src, clientcache.ExtAddressBook, 0)
	require.NoError(t, err)
	require.NoError(t, first.(*Book).Close())
	require.True(t, cc.IsBackendDead(src, clientcache.ExtAddressBook))

	second, err := cc.GetClient(ctx, src, clientcache.ExtAddressBook, 0)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.NoError(t, second.(*Book).Close())
}

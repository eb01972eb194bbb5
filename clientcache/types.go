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

package clientcache

import (
	"context"
	"time"
)

// Supported extension names. Each names the kind of data a client serves.
const (
	ExtAddressBook = "address-book"
	ExtCalendar    = "calendar"
	ExtMemoList    = "memo-list"
	ExtTaskList    = "task-list"
)

// Extensions lists the supported extension names.
var Extensions = []string{ExtAddressBook, ExtCalendar, ExtMemoList, ExtTaskList}

// IsSupported reports whether extension is one of Extensions.
func IsSupported(extension string) bool {
	switch extension {
	case ExtAddressBook, ExtCalendar, ExtMemoList, ExtTaskList:
		return true
	}
	return false
}

// A Source is a configured data source.
type Source interface {
	// UID identifies the source; it is stable for the source's lifetime.
	UID() string
	DisplayName() string
}

// RegistryEventKind enumerates source registry notifications.
type RegistryEventKind int

const (
	SourceRemoved RegistryEventKind = iota + 1
	SourceDisabled
)

// RegistryEvent is a source registry notification.
type RegistryEvent struct {
	Kind   RegistryEventKind
	Source Source
}

// A Registry reports source removal and disabling.
type Registry interface {
	// Watch registers fn for registry notifications until the returned
	// function is called. fn may be called from any goroutine.
	Watch(fn func(RegistryEvent)) (cancel func())
}

// ClientEventKind enumerates backend notifications from a Client.
type ClientEventKind int

const (
	ClientBackendDied ClientEventKind = iota + 1
	ClientBackendError
	ClientPropertyChanged
)

// ClientEvent is a backend notification.
type ClientEvent struct {
	Kind ClientEventKind
	// Message is a human-readable description for died and error events.
	Message string
	// Property names the changed property for ClientPropertyChanged.
	Property string
}

// A Client is a connection to the backend serving one source.
type Client interface {
	Source() Source
	// Watch registers fn for backend notifications until the returned
	// function is called. fn may be called from any goroutine, and may
	// call the returned function.
	Watch(fn func(ClientEvent)) (cancel func())
}

// A Connector opens clients for one extension.
type Connector interface {
	// Connect opens a client for src. wait bounds how long to wait for
	// the backend to come online; zero means don't wait.
	Connect(ctx context.Context, src Source, extension string, wait time.Duration) (Client, error)
}

// ConnectorFunc implements Connector with a function.
type ConnectorFunc func(ctx context.Context, src Source, extension string, wait time.Duration) (Client, error)

// Connect implements Connector
func (f ConnectorFunc) Connect(ctx context.Context, src Source, extension string, wait time.Duration) (Client, error) {
	return f(ctx, src, extension, wait)
}

// ClientResult is the outcome of GetClientAsync.
type ClientResult struct {
	Client Client
	Err    error
}

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
	"fmt"
	"strings"
)

// EventKind enumerates Cache notifications.
type EventKind int

const (
	// ClientConnected is dispatched synchronously on the connecting
	// goroutine, before any waiter is told about the new client.
	ClientConnected EventKind = iota + 1
	// ClientCreated follows ClientConnected on the cache's loop.
	ClientCreated
	BackendDied
	BackendError
	// ClientNotify relays a client property change.
	ClientNotify
	// AllowAuthPrompt asks the front end to allow authentication
	// prompts for Source again.
	AllowAuthPrompt
)

func (k EventKind) String() string {
	switch k {
	case ClientConnected:
		return "client-connected"
	case ClientCreated:
		return "client-created"
	case BackendDied:
		return "backend-died"
	case BackendError:
		return "backend-error"
	case ClientNotify:
		return "client-notify"
	case AllowAuthPrompt:
		return "allow-auth-prompt"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a Cache notification. Client is nil for AllowAuthPrompt.
type Event struct {
	Kind      EventKind
	Extension string
	Source    Source
	Client    Client
	// Property is set for ClientNotify.
	Property string
	// Alert is set for BackendDied and BackendError.
	Alert *Alert
}

// Alert carries what a front end needs to show a backend failure.
type Alert struct {
	// ID is "system:<extension>-backend-died" or
	// "system:<extension>-backend-error".
	ID          string
	DisplayName string
	Message     string
}

func alertID(extension string, kind EventKind) string {
	return "system:" + extension + "-" + kind.String()
}

var extensionNouns = map[string]string{
	ExtAddressBook: "address book",
	ExtCalendar:    "calendar",
	ExtMemoList:    "memo list",
	ExtTaskList:    "task list",
}

func newAlert(extension string, kind EventKind, src Source, detail string) *Alert {
	name := src.DisplayName()
	var msg string
	if kind == BackendDied {
		msg = fmt.Sprintf("The backend for the %s %q has quit unexpectedly.", extensionNouns[extension], name)
	} else {
		msg = fmt.Sprintf("The backend for the %s %q reported an error.", extensionNouns[extension], name)
	}
	if detail = strings.TrimSpace(detail); detail != "" {
		msg += " " + detail
	}
	return &Alert{
		ID:          alertID(extension, kind),
		DisplayName: name,
		Message:     msg,
	}
}

// Subscribe registers fn for notifications until the returned function is
// called. Apart from ClientConnected, fn always runs on the cache's loop,
// one notification at a time.
func (c *Cache) Subscribe(fn func(Event)) (cancel func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Cache) subscribers() []func(Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	fns := make([]func(Event), 0, len(c.subs))
	for id := 0; id < c.nextSub; id++ {
		if fn, ok := c.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	return fns
}

// emit calls subscribers on the current goroutine.
func (c *Cache) emit(ev Event) {
	for _, fn := range c.subscribers() {
		fn(ev)
	}
}

// dispatch queues ev for delivery on the cache's loop.
func (c *Cache) dispatch(ev Event) {
	if err := c.loop.Post(func() { c.emit(ev) }); err != nil {
		log.Debugw("Dropped notification", "kind", ev.Kind, "err", err)
	}
}

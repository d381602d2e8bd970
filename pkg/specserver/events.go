// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package specserver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/homestakdev/iacengine/pkg/websocketutil"
)

// Event is a node-lifecycle notification broadcast to connected operators,
// supplementing spec.md's console output with a live feed for UIs, grounded
// on pkg/catch/catch.go's EventListener/PublishEvent shape.
type Event struct {
	Time     int64  `json:"time"`
	Manifest string `json:"manifest"`
	Node     string `json:"node"`
	Status   string `json:"status"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventBus fans out Events to any number of connected websocket clients.
type EventBus struct {
	mu        sync.Mutex
	listeners map[chan Event]struct{}
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[chan Event]struct{})}
}

// Publish broadcasts event to every connected listener, dropping it for any
// listener whose channel is full rather than blocking the publisher.
func (b *EventBus) Publish(event Event) {
	event.Time = time.Now().UnixMilli()
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *EventBus) subscribe() chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *EventBus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.listeners, ch)
	b.mu.Unlock()
	close(ch)
}

// ServeEvents upgrades the request to a websocket and streams events until
// the connection closes or the request context is cancelled.
func (b *EventBus) ServeEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	rw := websocketutil.NewConnReadWriteCloser(r.Context(), conn)
	defer rw.Close()

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := rw.Write(data); err != nil {
				log.Printf("specserver: event write failed: %v", err)
				return
			}
		case <-rw.DoneCh:
			return
		}
	}
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event implements the named events a request may subscribe to:
// per-event ordered push delivery to listeners, plus process-wide
// broadcasts carrying a UUID and a hop counter for loop-bounded
// propagation through multi-hop topologies.
package event

import (
	"sync"

	"github.com/google/uuid"

	"github.com/binderd/binderd/internal/u16id"
)

// Listener receives pushes for events it subscribed to, and broadcasts
// from the Hub it is attached to. Delivery per event per listener is in
// posting order.
type Listener interface {
	Push(e *Event, dataJSON string) error
	Broadcast(name, dataJSON string, uid [16]byte, hop uint8) error
}

// Event is a named event with a local 16-bit id and an ordered listener
// list.
type Event struct {
	id   uint16
	name string
	hub  *Hub

	mu        sync.Mutex
	listeners []Listener
}

func (e *Event) ID() uint16   { return e.id }
func (e *Event) Name() string { return e.name }

// Subscribe attaches l; duplicate subscriptions are collapsed.
func (e *Event) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, have := range e.listeners {
		if have == l {
			return
		}
	}
	e.listeners = append(e.listeners, l)
}

// Unsubscribe detaches l; after it returns l receives no further pushes
// for e.
func (e *Event) Unsubscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, have := range e.listeners {
		if have == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Push delivers dataJSON to every listener, in subscription order. The
// event's lock is held across the fan-out so pushes on the same event are
// observed by every listener in posting order.
func (e *Event) Push(dataJSON string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners {
		l.Push(e, dataJSON)
	}
}

// Unref returns the event's id to the hub; the event is dead afterwards.
func (e *Event) Unref() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
	e.hub.drop(e)
}

// Hub owns the event-id space and the broadcast listener list for one
// runtime.
type Hub struct {
	ids *u16id.Gen

	mu        sync.Mutex
	byID      map[uint16]*Event
	broadcast []Listener
}

func NewHub() *Hub {
	return &Hub{ids: u16id.New(0), byID: make(map[uint16]*Event)}
}

// Create mints a new named event with a fresh id.
func (h *Hub) Create(name string) (*Event, error) {
	id, err := h.ids.Alloc()
	if err != nil {
		return nil, err
	}
	e := &Event{id: id, name: name, hub: h}
	h.mu.Lock()
	h.byID[id] = e
	h.mu.Unlock()
	return e, nil
}

// Get returns the live event with the given id, if any.
func (h *Hub) Get(id uint16) (*Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byID[id]
	return e, ok
}

func (h *Hub) drop(e *Event) {
	h.mu.Lock()
	delete(h.byID, e.id)
	h.mu.Unlock()
	h.ids.Free(e.id)
}

// AddBroadcastListener attaches l to unnamed-event broadcasts.
func (h *Hub) AddBroadcastListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast = append(h.broadcast, l)
}

// RemoveBroadcastListener detaches l.
func (h *Hub) RemoveBroadcastListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, have := range h.broadcast {
		if have == l {
			h.broadcast = append(h.broadcast[:i], h.broadcast[i+1:]...)
			return
		}
	}
}

// Broadcast originates a broadcast: a fresh UUID identifies it for
// loop-detection by higher layers, and hop bounds how many further links
// it may cross.
func (h *Hub) Broadcast(name, dataJSON string, hop uint8) [16]byte {
	uid := [16]byte(uuid.New())
	h.Rebroadcast(name, dataJSON, uid, hop)
	return uid
}

// Rebroadcast propagates an already-identified broadcast to every
// broadcast listener without re-stamping its UUID.
func (h *Hub) Rebroadcast(name, dataJSON string, uid [16]byte, hop uint8) {
	h.mu.Lock()
	listeners := append([]Listener(nil), h.broadcast...)
	h.mu.Unlock()
	for _, l := range listeners {
		l.Broadcast(name, dataJSON, uid, hop)
	}
}

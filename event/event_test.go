// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import "testing"

type recorder struct {
	pushes     []string
	broadcasts []uint8
}

func (r *recorder) Push(e *Event, dataJSON string) error {
	r.pushes = append(r.pushes, dataJSON)
	return nil
}

func (r *recorder) Broadcast(name, dataJSON string, uid [16]byte, hop uint8) error {
	r.broadcasts = append(r.broadcasts, hop)
	return nil
}

func TestPushOrderAndUnsubscribe(t *testing.T) {
	hub := NewHub()
	ev, err := hub.Create("tick")
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	ev.Subscribe(rec)
	ev.Subscribe(rec) // collapsed

	ev.Push("1")
	ev.Push("2")
	ev.Unsubscribe(rec)
	ev.Push("3")

	if len(rec.pushes) != 2 || rec.pushes[0] != "1" || rec.pushes[1] != "2" {
		t.Fatalf("pushes = %v, want [1 2]", rec.pushes)
	}
}

func TestEventUnregisteredOnUnref(t *testing.T) {
	hub := NewHub()
	ev, err := hub.Create("once")
	if err != nil {
		t.Fatal(err)
	}
	id := ev.ID()
	if id == 0 {
		t.Fatal("event id must be nonzero")
	}
	if _, ok := hub.Get(id); !ok {
		t.Fatal("live event not found by id")
	}
	ev.Unref()
	if _, ok := hub.Get(id); ok {
		t.Fatal("dead event still registered")
	}
}

func TestBroadcastReachesListeners(t *testing.T) {
	hub := NewHub()
	rec := &recorder{}
	hub.AddBroadcastListener(rec)
	uid := hub.Broadcast("changed", "null", 2)
	if len(rec.broadcasts) != 1 || rec.broadcasts[0] != 2 {
		t.Fatalf("broadcasts = %v, want [2]", rec.broadcasts)
	}
	var zero [16]byte
	if uid == zero {
		t.Fatal("broadcast uuid not stamped")
	}
	hub.RemoveBroadcastListener(rec)
	hub.Broadcast("changed", "null", 2)
	if len(rec.broadcasts) != 1 {
		t.Fatalf("listener still receiving after removal: %v", rec.broadcasts)
	}
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package request

import (
	"testing"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/internal/bid"
)

type recordingItf struct {
	replies   []error
	unrefs    int
	subs      []*event.Event
	unsubs    []*event.Event
}

func (ri *recordingItf) Reply(req *Request, err error, replies []*data.Data) {
	ri.replies = append(ri.replies, err)
}
func (ri *recordingItf) Unref(req *Request) { ri.unrefs++ }
func (ri *recordingItf) Subscribe(req *Request, ev *event.Event) error {
	ri.subs = append(ri.subs, ev)
	return nil
}
func (ri *recordingItf) Unsubscribe(req *Request, ev *event.Event) error {
	ri.unsubs = append(ri.unsubs, ev)
	return nil
}

type verbImpl struct {
	verbs map[string]func(*Request) error
}

func (v *verbImpl) Process(req apiset.Request) error {
	r := req.(*Request)
	fn, ok := v.verbs[r.Verb()]
	if !ok {
		return bid.New(bid.UnknownVerb, "test", "no verb %q", r.Verb())
	}
	return fn(r)
}
func (v *verbImpl) ServiceStart() error   { return nil }
func (v *verbImpl) SetLogMask(uint32)     {}
func (v *verbImpl) GetLogMask() uint32    { return 0 }
func (v *verbImpl) Describe() interface{} { return nil }
func (v *verbImpl) Unref()                {}

func newSet(t *testing.T, impl *verbImpl) *apiset.APISet {
	t.Helper()
	set := apiset.Create(apiset.NewClassRegistry(), "test", 10)
	if _, err := set.Add("hello", impl, nil); err != nil {
		t.Fatal(err)
	}
	return set
}

func TestProcessRepliesOnce(t *testing.T) {
	impl := &verbImpl{verbs: map[string]func(*Request) error{
		"greet": func(r *Request) error { return r.Reply(nil, nil) },
	}}
	set := newSet(t, impl)
	itf := &recordingItf{}
	r := New(itf, "hello", "greet", nil)
	r.Process(set)
	if err := r.Reply(nil, nil); !bid.Is(err, bid.Invalid) {
		t.Fatalf("second Reply = %v, want Invalid", err)
	}
	r.Unref()
	if len(itf.replies) != 1 || itf.replies[0] != nil {
		t.Fatalf("replies = %v, want exactly one nil", itf.replies)
	}
	if itf.unrefs != 1 {
		t.Fatalf("unrefs = %d, want 1", itf.unrefs)
	}
}

func TestUnknownAPIAndVerb(t *testing.T) {
	impl := &verbImpl{verbs: map[string]func(*Request) error{}}
	set := newSet(t, impl)

	itf := &recordingItf{}
	r := New(itf, "nosuch", "greet", nil)
	r.Process(set)
	if len(itf.replies) != 1 || !bid.Is(itf.replies[0], bid.UnknownAPI) {
		t.Fatalf("replies = %v, want UnknownAPI", itf.replies)
	}
	r.Unref()

	itf = &recordingItf{}
	r = New(itf, "hello", "nosuch", nil)
	r.Process(set)
	if len(itf.replies) != 1 || !bid.Is(itf.replies[0], bid.UnknownVerb) {
		t.Fatalf("replies = %v, want UnknownVerb", itf.replies)
	}
	r.Unref()
}

func TestAbandonedRequestSynthesizesInternalError(t *testing.T) {
	itf := &recordingItf{}
	r := New(itf, "hello", "greet", nil)
	r.AddRef()
	r.Unref() // addref/unref is a no-op pair
	if len(itf.replies) != 0 {
		t.Fatalf("premature reply: %v", itf.replies)
	}
	r.Unref()
	if len(itf.replies) != 1 || !bid.Is(itf.replies[0], bid.InternalError) {
		t.Fatalf("replies = %v, want synthesized InternalError", itf.replies)
	}
	if itf.unrefs != 1 {
		t.Fatalf("unrefs = %d, want 1", itf.unrefs)
	}
}

func TestSubscribeAfterReplyRejected(t *testing.T) {
	hub := event.NewHub()
	ev, err := hub.Create("tick")
	if err != nil {
		t.Fatal(err)
	}
	itf := &recordingItf{}
	r := New(itf, "hello", "greet", nil)
	if err := r.Subscribe(ev); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := r.Unsubscribe(ev); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	r.Reply(nil, nil)
	if err := r.Subscribe(ev); !bid.Is(err, bid.Invalid) {
		t.Fatalf("Subscribe after reply = %v, want Invalid", err)
	}
	r.Unref()
}

func TestAsyncStackBounds(t *testing.T) {
	r := New(&recordingItf{}, "hello", "greet", nil)
	noop := func(*Request) {}
	for i := 0; i < 7; i++ {
		if !r.AsyncPush(noop) {
			t.Fatalf("push %d rejected below capacity", i)
		}
	}
	if r.AsyncPush(noop) {
		t.Fatal("push beyond capacity accepted")
	}
	for i := 0; i < 7; i++ {
		if r.AsyncPop() == nil {
			t.Fatalf("pop %d returned nil", i)
		}
	}
	if r.AsyncPop() != nil {
		t.Fatal("pop on empty stack returned a callback")
	}
	r.Reply(nil, nil)
	r.Unref()
}

func TestProcessOnBehalfBindsCredentials(t *testing.T) {
	var seen string
	impl := &verbImpl{verbs: map[string]func(*Request) error{
		"whoami": func(r *Request) error {
			if c := r.Credentials(); c != nil {
				seen = c.Export()
			}
			return r.Reply(nil, nil)
		},
	}}
	set := newSet(t, impl)
	r := New(&recordingItf{}, "hello", "whoami", nil)
	r.ProcessOnBehalf(set, "3e8:3e8:1a2b-System::User")
	if seen != "3e8:3e8:1a2b-System::User" {
		t.Fatalf("credentials seen = %q", seen)
	}
	r.Unref()
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/request"
	"github.com/binderd/binderd/rpc/wire"
	"github.com/binderd/binderd/session"
)

// replyRecorder is the request originator used by the tests: it funnels
// the single reply into a channel.
type replyRecorder struct {
	replies chan replyRecord
}

type replyRecord struct {
	err  error
	data string
}

func newRecorder() *replyRecorder {
	return &replyRecorder{replies: make(chan replyRecord, 1)}
}

func (rr *replyRecorder) Reply(req *request.Request, err error, replies []*data.Data) {
	rec := replyRecord{err: err}
	if len(replies) > 0 {
		rec.data, _ = replies[0].Payload().(string)
	}
	rr.replies <- rec
}
func (rr *replyRecorder) Unref(req *request.Request)                            {}
func (rr *replyRecorder) Subscribe(req *request.Request, ev *event.Event) error { return nil }
func (rr *replyRecorder) Unsubscribe(req *request.Request, ev *event.Event) error {
	return nil
}

// okImpl answers verb "Y" with {"ok":true}, subscribes the caller to its
// event on verb "watch"; other verbs fail.
type okImpl struct {
	ctx *data.TypeRingContext
	ev  *event.Event
}

func (o *okImpl) Process(req apiset.Request) error {
	r := req.(*request.Request)
	switch r.Verb() {
	case "Y":
		return r.Reply(nil, []*data.Data{o.ctx.CreateCopy(JSONType, `{"ok":true}`)})
	case "watch":
		if err := r.Subscribe(o.ev); err != nil {
			return err
		}
		return r.Reply(nil, nil)
	default:
		return bid.New(bid.UnknownVerb, "test", "no verb %q", r.Verb())
	}
}
func (o *okImpl) ServiceStart() error   { return nil }
func (o *okImpl) SetLogMask(uint32)     {}
func (o *okImpl) GetLogMask() uint32    { return 0 }
func (o *okImpl) Describe() interface{} { return map[string]interface{}{"verbs": []string{"Y"}} }
func (o *okImpl) Unref()                {}

type testPeer struct {
	server      *Server
	client      *Client
	serverHub   *event.Hub
	clientHub   *event.Hub
	impl        *okImpl
	srvSessions *session.Set
}

// newPeerPair wires a server stub exporting "X" and a client stub
// importing it over an in-memory pipe.
func newPeerPair(t *testing.T, serverVersions, clientVersions []uint8, onServerHangup, onClientHangup func()) *testPeer {
	t.Helper()
	sconn, cconn := net.Pipe()

	sctx := data.NewContext(data.NewTypeRegistry(), data.NewOpacifier())
	shub := event.NewHub()
	ev, err := shub.Create("tick")
	if err != nil {
		t.Fatal(err)
	}
	impl := &okImpl{ctx: sctx, ev: ev}
	apis := apiset.Create(apiset.NewClassRegistry(), "public", 10)
	if _, err := apis.Add("X", impl, nil); err != nil {
		t.Fatal(err)
	}
	srvSessions := session.New(10, 60)
	server, err := NewServer(ServerConfig{
		Name:      "X",
		Framer:    wire.NewStreamFramer(sconn, 0),
		APIs:      apis,
		Sessions:  srvSessions,
		Data:      sctx,
		Hub:       shub,
		Supported: serverVersions,
		OnHangup:  onServerHangup,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	cctx := data.NewContext(data.NewTypeRegistry(), data.NewOpacifier())
	chub := event.NewHub()
	client, err := NewClient(ClientConfig{
		Name:      "X",
		Framer:    wire.NewStreamFramer(cconn, 0),
		Data:      cctx,
		Hub:       chub,
		Supported: clientVersions,
		OnHangup:  onClientHangup,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Unref() })
	return &testPeer{server: server, client: client, serverHub: shub, clientHub: chub, impl: impl, srvSessions: srvSessions}
}

func TestSessionAnnouncedAndMappedOnServer(t *testing.T) {
	p := newPeerPair(t, nil, nil, nil, nil)
	local := session.New(10, 60)
	sess, err := local.Create(session.TimeoutInfinite)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		rr := newRecorder()
		r := request.New(rr, "X", "Y", nil)
		sess.AddRef()
		r.SetSession(local, sess)
		p.client.Process(r)
		select {
		case rec := <-rr.replies:
			if rec.err != nil {
				t.Fatalf("call %d: %v", i, rec.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d: no reply", i)
		}
		r.Unref()
	}

	// the announced session exists server-side under the same uuid.
	got, err := p.srvSessions.Search(sess.UUID())
	if err != nil {
		t.Fatalf("server session %q missing: %v", sess.UUID(), err)
	}
	if got.UUID() != sess.UUID() {
		t.Fatalf("server session uuid = %q, want %q", got.UUID(), sess.UUID())
	}
}

func TestCallRoundTrip(t *testing.T) {
	p := newPeerPair(t, nil, nil, nil, nil)

	rr := newRecorder()
	r := request.New(rr, "X", "Y", nil)
	if err := p.client.Process(r); err != nil {
		t.Fatalf("Process: %v", err)
	}
	select {
	case rec := <-rr.replies:
		if rec.err != nil {
			t.Fatalf("reply error = %v, want nil", rec.err)
		}
		if rec.data != `{"ok":true}` {
			t.Fatalf("reply data = %q", rec.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	r.Unref()
}

func TestUnknownVerbCrossesTheWire(t *testing.T) {
	p := newPeerPair(t, nil, nil, nil, nil)
	rr := newRecorder()
	r := request.New(rr, "X", "bogus", nil)
	p.client.Process(r)
	select {
	case rec := <-rr.replies:
		if !bid.Is(rec.err, bid.UnknownVerb) {
			t.Fatalf("reply error = %v, want UnknownVerb", rec.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	r.Unref()
}

func TestVersionNegotiationMismatchHangsUp(t *testing.T) {
	var serverHangups, clientHangups int32
	newPeerPair(t, []uint8{2}, []uint8{1},
		func() { atomic.AddInt32(&serverHangups, 1) },
		func() { atomic.AddInt32(&clientHangups, 1) })

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&serverHangups) == 0 || atomic.LoadInt32(&clientHangups) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hangups: server=%d client=%d, want 1 and 1",
				atomic.LoadInt32(&serverHangups), atomic.LoadInt32(&clientHangups))
		}
		time.Sleep(5 * time.Millisecond)
	}
	// settle and confirm exactly-once.
	time.Sleep(50 * time.Millisecond)
	if s, c := atomic.LoadInt32(&serverHangups), atomic.LoadInt32(&clientHangups); s != 1 || c != 1 {
		t.Fatalf("hangups: server=%d client=%d, want exactly 1 each", s, c)
	}
}

func TestVersionNegotiationPicksHighestCommon(t *testing.T) {
	p := newPeerPair(t, []uint8{1, 2}, []uint8{1, 2}, nil, nil)
	deadline := time.Now().Add(2 * time.Second)
	for p.client.Version() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("negotiation never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if v := p.client.Version(); v != 2 {
		t.Fatalf("client version = %d, want 2", v)
	}
	if v := p.server.Version(); v != 2 {
		t.Fatalf("server version = %d, want 2", v)
	}
}

func TestCallAfterHangupIsDisconnected(t *testing.T) {
	p := newPeerPair(t, nil, nil, nil, nil)
	// wait for negotiation so the call path is past waitVersion.
	deadline := time.Now().Add(2 * time.Second)
	for p.client.Version() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("negotiation never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.client.Unref() // closes the link
	for !p.clientHung(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rr := newRecorder()
	r := request.New(rr, "X", "Y", nil)
	p.client.Process(r)
	select {
	case rec := <-rr.replies:
		if !bid.Is(rec.err, bid.Disconnected) {
			t.Fatalf("reply error = %v, want Disconnected", rec.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	r.Unref()
}

func (p *testPeer) clientHung(deadline time.Time) bool {
	p.client.mu.Lock()
	defer p.client.mu.Unlock()
	return p.client.hung || time.Now().After(deadline)
}

func TestEventSubscribeAndPush(t *testing.T) {
	p := newPeerPair(t, nil, nil, nil, nil)

	rr := newRecorder()
	r := request.New(rr, "X", "watch", nil)
	p.client.Process(r)
	select {
	case rec := <-rr.replies:
		if rec.err != nil {
			t.Fatalf("watch reply = %v", rec.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to watch")
	}
	r.Unref()

	// the proxy for the server's event must exist client-side by now
	// (EVT_CREATE precedes the subscribe acknowledgement and the reply).
	proxy, ok := p.client.Event(p.impl.ev.ID())
	if !ok {
		t.Fatal("no client-side proxy for announced event")
	}
	got := make(chan string, 1)
	proxy.Subscribe(pushFunc(func(e *event.Event, dataJSON string) error {
		got <- dataJSON
		return nil
	}))

	p.impl.ev.Push(`{"n":1}`)
	select {
	case d := <-got:
		if d != `{"n":1}` {
			t.Fatalf("push data = %q", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push never arrived")
	}
}

// pushFunc adapts a function to event.Listener for tests.
type pushFunc func(e *event.Event, dataJSON string) error

func (f pushFunc) Push(e *event.Event, dataJSON string) error { return f(e, dataJSON) }
func (f pushFunc) Broadcast(name, dataJSON string, uid [16]byte, hop uint8) error {
	return nil
}

// hopRecorder counts broadcast deliveries into one hub.
type hopRecorder struct {
	got chan uint8
}

func (h *hopRecorder) Push(e *event.Event, dataJSON string) error { return nil }
func (h *hopRecorder) Broadcast(name, dataJSON string, uid [16]byte, hop uint8) error {
	h.got <- hop
	return nil
}

func TestBroadcastHopDecay(t *testing.T) {
	// chain of four hubs: A -> B -> C -> D, one link each.
	hubs := make([]*event.Hub, 4)
	recs := make([]*hopRecorder, 4)
	for i := range hubs {
		hubs[i] = event.NewHub()
		recs[i] = &hopRecorder{got: make(chan uint8, 4)}
		hubs[i].AddBroadcastListener(recs[i])
	}
	for i := 0; i < 3; i++ {
		sconn, cconn := net.Pipe()
		ctx := data.NewContext(data.NewTypeRegistry(), data.NewOpacifier())
		apis := apiset.Create(apiset.NewClassRegistry(), "chain", 10)
		if _, err := NewServer(ServerConfig{
			Name: "chain", Framer: wire.NewStreamFramer(sconn, 0),
			APIs: apis, Sessions: session.New(10, 60), Data: ctx, Hub: hubs[i],
		}); err != nil {
			t.Fatalf("NewServer %d: %v", i, err)
		}
		client, err := NewClient(ClientConfig{
			Name: "chain", Framer: wire.NewStreamFramer(cconn, 0),
			Data: ctx, Hub: hubs[i+1],
		})
		if err != nil {
			t.Fatalf("NewClient %d: %v", i, err)
		}
		t.Cleanup(func() { client.Unref() })
	}

	hubs[0].Broadcast("E", "null", 3)

	wantHops := []uint8{3, 2, 1, 0} // as observed by each hub's local listeners
	for i := 1; i < 4; i++ {
		select {
		case hop := <-recs[i].got:
			if hop != wantHops[i] {
				t.Fatalf("hub %d observed hop %d, want %d", i, hop, wantHops[i])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("hub %d never saw the broadcast", i)
		}
	}
	// hub D's stub-free tail: nothing further must arrive at hub D.
	select {
	case hop := <-recs[3].got:
		t.Fatalf("hub 3 saw a second delivery with hop %d", hop)
	case <-time.After(100 * time.Millisecond):
	}
}

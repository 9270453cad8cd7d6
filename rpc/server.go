// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"encoding/json"
	"sync"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
	"github.com/binderd/binderd/request"
	"github.com/binderd/binderd/rpc/wire"
	"github.com/binderd/binderd/sched"
	"github.com/binderd/binderd/session"
)

// ServerConfig assembles what a server stub needs to expose one local API
// to a peer.
type ServerConfig struct {
	// Name is the exported apiname incoming calls are routed to.
	Name string
	// Framer is the accepted peer link.
	Framer wire.Framer
	// APIs resolves the exported name (recursively, with start-on-call).
	APIs *apiset.APISet
	// Sessions backs SESSION_ADD bindings from the peer.
	Sessions *session.Set
	// Data creates the parameter data objects of incoming calls.
	Data *data.TypeRingContext
	// Hub is the local event hub; the stub listens on it for broadcasts
	// to forward.
	Hub *event.Hub
	// Sched, when non-nil, dispatches calls as scheduler jobs carrying
	// the target API's group; nil processes them on the read loop.
	Sched *sched.Scheduler
	// Creds carries the peer's socket credentials, used when a CALL
	// brings no on-behalf string. Ownership of the reference transfers
	// to the stub.
	Creds *session.Credentials
	// Supported protocol versions; nil accepts the full built-in range.
	Supported []uint8
	// OnHangup, if set, runs once at link teardown.
	OnHangup func()
}

// Server is the server-side stub for one peer link.
type Server struct {
	cfg ServerConfig

	mu        sync.Mutex
	cond      *sync.Cond
	fr        wire.Framer
	versioned bool
	version   uint8
	hung      bool
	sessions  map[uint16]*session.Session
	tokens    map[uint16]string
	announced map[uint16]bool // local event id announced over this link
	subCount  map[uint16]int  // local event id -> live subscriptions
	subEvents map[uint16]*event.Event
}

// NewServer starts serving the peer on cfg.Framer until hangup.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Framer == nil || cfg.APIs == nil || cfg.Sessions == nil || cfg.Data == nil || cfg.Hub == nil {
		return nil, bid.New(bid.Invalid, pkgPath, "server stub needs a framer, apiset, sessions, data context and hub")
	}
	if cfg.Supported == nil {
		cfg.Supported = wire.SupportedVersions()
	}
	s := &Server{
		cfg:       cfg,
		fr:        cfg.Framer,
		sessions:  make(map[uint16]*session.Session),
		tokens:    make(map[uint16]string),
		announced: make(map[uint16]bool),
		subCount:  make(map[uint16]int),
		subEvents: make(map[uint16]*event.Event),
	}
	s.cond = sync.NewCond(&s.mu)
	cfg.Hub.AddBroadcastListener(s)
	go s.readLoop()
	return s, nil
}

// Version returns the negotiated protocol version (0 before negotiation).
func (s *Server) Version() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Server) readLoop() {
	for {
		b, err := s.fr.ReadFrame()
		if err != nil {
			s.hangup()
			return
		}
		m, err := wire.Decode(b)
		if err != nil {
			blog.Errorf("rpc: server %q: %v", s.cfg.Name, err)
			s.fr.Close()
			s.hangup()
			return
		}
		s.mu.Lock()
		versioned := s.versioned
		s.mu.Unlock()
		if !versioned {
			offer, ok := m.(wire.VersionOffer)
			if !ok {
				blog.Errorf("rpc: server %q: frame %q before version negotiation", s.cfg.Name, m.Opcode())
				s.fr.Close()
				s.hangup()
				return
			}
			v, err := wire.PickVersion(offer, s.cfg.Supported)
			if err != nil {
				blog.Errorf("rpc: server %q: %v", s.cfg.Name, err)
				s.fr.Close()
				s.hangup()
				return
			}
			if err := s.fr.WriteFrame(wire.Encode(wire.VersionSet{Version: v})); err != nil {
				s.hangup()
				return
			}
			s.mu.Lock()
			s.versioned, s.version = true, v
			s.cond.Broadcast()
			s.mu.Unlock()
			continue
		}
		s.dispatch(m)
	}
}

func (s *Server) dispatch(m wire.Msg) {
	switch v := m.(type) {
	case wire.Call:
		s.onCall(v)
	case wire.SessionAdd:
		sess, _, err := s.cfg.Sessions.Get(v.Name, session.TimeoutInherit)
		if err != nil {
			blog.Errorf("rpc: server %q: session add %q: %v", s.cfg.Name, v.Name, err)
			return
		}
		s.mu.Lock()
		prev := s.sessions[v.SessionID]
		s.sessions[v.SessionID] = sess
		s.mu.Unlock()
		if prev != nil {
			s.cfg.Sessions.Unref(prev)
		}
	case wire.SessionDrop:
		s.mu.Lock()
		sess := s.sessions[v.SessionID]
		delete(s.sessions, v.SessionID)
		s.mu.Unlock()
		if sess != nil {
			s.cfg.Sessions.Unref(sess)
		}
	case wire.TokenAdd:
		s.mu.Lock()
		s.tokens[v.TokenID] = v.Name
		s.mu.Unlock()
	case wire.TokenDrop:
		s.mu.Lock()
		delete(s.tokens, v.TokenID)
		s.mu.Unlock()
	case wire.Describe:
		s.onDescribe(v)
	case wire.EventUnexpected:
		s.mu.Lock()
		ev := s.subEvents[v.EventID]
		delete(s.subEvents, v.EventID)
		delete(s.subCount, v.EventID)
		s.mu.Unlock()
		if ev != nil {
			ev.Unsubscribe(s)
		}
	default:
		blog.Debugf("rpc: server %q: unexpected opcode %q", s.cfg.Name, m.Opcode())
	}
}

// onCall builds the local request backed by this link and hands it to the
// registry, impersonating the carried on-behalf credentials when present.
func (s *Server) onCall(v wire.Call) {
	var params []*data.Data
	if v.Args != "" {
		params = []*data.Data{s.cfg.Data.CreateCopy(JSONType, v.Args)}
	}
	itf := &serverItf{s: s, callID: v.CallID}
	r := request.New(itf, s.cfg.Name, v.Verb, params)

	if v.SessionID != 0 {
		s.mu.Lock()
		sess := s.sessions[v.SessionID]
		s.mu.Unlock()
		if sess != nil {
			sess.AddRef()
			r.SetSession(s.cfg.Sessions, sess)
		}
	}
	if v.TokenID != 0 {
		s.mu.Lock()
		token := s.tokens[v.TokenID]
		s.mu.Unlock()
		r.SetToken(token)
	}
	switch {
	case v.UserCreds != "":
		creds, err := session.ParseExported(v.UserCreds)
		if err != nil {
			r.Reply(err, nil)
			r.Unref()
			return
		}
		r.SetCred(creds)
	case s.cfg.Creds != nil:
		s.cfg.Creds.AddRef()
		r.SetCred(s.cfg.Creds)
	}

	if s.cfg.Sched != nil {
		r.ProcessJob(s.cfg.APIs, s.cfg.Sched, 0, 0)
	} else {
		r.Process(s.cfg.APIs)
	}
	r.Unref()
}

// onDescribe answers asynchronously: the description may have to start
// the API, which must not stall the read loop.
func (s *Server) onDescribe(v wire.Describe) {
	reply := func(sig sched.Sig, _, _ interface{}) {
		if sig != sched.SigNone {
			return
		}
		text := "null"
		if d, err := s.cfg.APIs.GetAPI(s.cfg.Name, true, true); err == nil {
			if desc := d.Impl.Describe(); desc != nil {
				if b, err := json.Marshal(desc); err == nil {
					text = string(b)
				}
			}
		}
		s.writeFrame(wire.Encode(wire.Description{DescID: v.DescID, Data: text}))
	}
	if s.cfg.Sched != nil {
		if _, err := s.cfg.Sched.Post(nil, 0, 0, reply, nil, nil); err == nil {
			return
		}
	}
	go reply(sched.SigNone, nil, nil)
}

// writeFrame serializes a protocol frame onto the link, holding it back
// until version negotiation has completed so no non-V/v frame ever
// precedes VERSION_SET.
func (s *Server) writeFrame(b []byte) error {
	s.mu.Lock()
	for !s.versioned && !s.hung {
		s.cond.Wait()
	}
	hung := s.hung
	fr := s.fr
	s.mu.Unlock()
	if hung {
		return bid.New(bid.Disconnected, pkgPath, "link %q is down", s.cfg.Name)
	}
	return fr.WriteFrame(b)
}

// subscribe attaches this link to ev, announcing the event id on first
// use.
func (s *Server) subscribe(ev *event.Event) error {
	s.mu.Lock()
	if !s.announced[ev.ID()] {
		s.announced[ev.ID()] = true
		s.mu.Unlock()
		if err := s.writeFrame(wire.Encode(wire.EventCreate{EventID: ev.ID(), Name: ev.Name()})); err != nil {
			return err
		}
		s.mu.Lock()
	}
	s.subCount[ev.ID()]++
	first := s.subCount[ev.ID()] == 1
	if first {
		s.subEvents[ev.ID()] = ev
	}
	s.mu.Unlock()
	if first {
		ev.Subscribe(s)
	}
	return nil
}

func (s *Server) unsubscribe(ev *event.Event) {
	s.mu.Lock()
	if n := s.subCount[ev.ID()]; n > 1 {
		s.subCount[ev.ID()] = n - 1
		s.mu.Unlock()
		return
	}
	delete(s.subCount, ev.ID())
	delete(s.subEvents, ev.ID())
	delete(s.announced, ev.ID())
	s.mu.Unlock()
	ev.Unsubscribe(s)
	// the announcement is retracted with the last subscription; a later
	// subscribe re-announces with a fresh EVT_CREATE.
	s.writeFrame(wire.Encode(wire.EventRemove{EventID: ev.ID()}))
}

// Push implements event.Listener: subscribed event pushes serialize onto
// the link in posting order.
func (s *Server) Push(e *event.Event, dataJSON string) error {
	return s.writeFrame(wire.Encode(wire.EventPush{EventID: e.ID(), Data: dataJSON}))
}

// Broadcast implements event.Listener for hub broadcasts: a hop count of
// zero returns without sending, bounding propagation.
func (s *Server) Broadcast(name, dataJSON string, uid [16]byte, hop uint8) error {
	if hop == 0 {
		return nil
	}
	return s.writeFrame(wire.Encode(wire.EventBroadcast{Name: name, Data: dataJSON, UUID: uid, Hop: hop}))
}

// hangup releases everything the link held: listener registrations,
// session references, peer credentials.
func (s *Server) hangup() {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	s.cond.Broadcast()
	sessions := s.sessions
	s.sessions = make(map[uint16]*session.Session)
	s.tokens = make(map[uint16]string)
	subs := s.subEvents
	s.subEvents = make(map[uint16]*event.Event)
	s.subCount = make(map[uint16]int)
	s.mu.Unlock()

	s.cfg.Hub.RemoveBroadcastListener(s)
	for _, ev := range subs {
		ev.Unsubscribe(s)
	}
	for _, sess := range sessions {
		s.cfg.Sessions.Unref(sess)
	}
	if s.cfg.Creds != nil {
		s.cfg.Creds.Unref()
	}
	if s.cfg.OnHangup != nil {
		s.cfg.OnHangup()
	}
}

// serverItf is the request.QueryItf re-serializing a request's outcome
// over the link.
type serverItf struct {
	s      *Server
	callID uint16
}

func (i *serverItf) Reply(req *request.Request, err error, replies []*data.Data) {
	text, merr := marshalData(replies)
	if merr != nil && err == nil {
		err, text = merr, "null"
	}
	errStr, info := wireError(err)
	if werr := i.s.writeFrame(wire.Encode(wire.Reply{CallID: i.callID, Error: errStr, Info: info, Data: text})); werr != nil {
		blog.Debugf("rpc: server %q: reply for call %d lost: %v", i.s.cfg.Name, i.callID, werr)
	}
}

func (i *serverItf) Unref(req *request.Request) {}

func (i *serverItf) Subscribe(req *request.Request, ev *event.Event) error {
	if err := i.s.subscribe(ev); err != nil {
		return err
	}
	return i.s.writeFrame(wire.Encode(wire.EventSubscribe{CallID: i.callID, EventID: ev.ID()}))
}

func (i *serverItf) Unsubscribe(req *request.Request, ev *event.Event) error {
	i.s.unsubscribe(ev)
	return i.s.writeFrame(wire.Encode(wire.EventUnsubscribe{CallID: i.callID, EventID: ev.ID()}))
}

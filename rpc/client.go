// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
	"github.com/binderd/binderd/internal/u16id"
	"github.com/binderd/binderd/request"
	"github.com/binderd/binderd/rpc/wire"
)

// ClientConfig assembles what a client stub needs: the peer link, the
// apiname it imports, and the local data/event plumbing replies and
// event pushes are delivered through.
type ClientConfig struct {
	// Name is the imported apiname; the stub registers under it.
	Name string
	// Framer is the connected peer link.
	Framer wire.Framer
	// Data creates the reply data objects.
	Data *data.TypeRingContext
	// Hub hosts the event proxies the peer announces on this link.
	Hub *event.Hub
	// Supported protocol versions, lowest first; nil offers the full
	// built-in range.
	Supported []uint8
	// OnHangup, if set, runs once per link teardown that is not followed
	// by a successful reopen.
	OnHangup func()
}

// Client is the client-side stub: it satisfies apiset.Implementation, so
// registering it under its Name makes the remote API callable through the
// ordinary request path.
type Client struct {
	cfg ClientConfig

	mu        sync.Mutex
	cond      *sync.Cond
	fr        wire.Framer
	version   uint8
	versioned bool
	hung      bool
	logmask   uint32

	callIDs  *u16id.Gen
	pending  map[uint16]*request.Request
	descIDs  *u16id.Gen
	descs    map[uint16]chan wire.Description
	sessIDs  *u16id.Gen
	sessions map[string]uint16 // session uuid -> announced link id
	tokIDs   *u16id.Gen
	tokens   map[string]uint16 // token -> announced link id
	events   map[uint16]*event.Event

	reopen  func() (wire.Framer, error)
	release func()
}

// NewClient starts the stub on cfg.Framer: the version offer goes out
// immediately and the read loop runs until hangup.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Framer == nil || cfg.Data == nil || cfg.Hub == nil {
		return nil, bid.New(bid.Invalid, pkgPath, "client stub needs a framer, data context and hub")
	}
	if cfg.Supported == nil {
		cfg.Supported = wire.SupportedVersions()
	}
	c := &Client{
		cfg:      cfg,
		fr:       cfg.Framer,
		callIDs:  u16id.New(wire.MaxLiveIDs),
		pending:  make(map[uint16]*request.Request),
		descIDs:  u16id.New(wire.MaxLiveIDs),
		descs:    make(map[uint16]chan wire.Description),
		sessIDs:  u16id.New(0),
		sessions: make(map[string]uint16),
		tokIDs:   u16id.New(0),
		tokens:   make(map[string]uint16),
		events:   make(map[uint16]*event.Event),
	}
	c.cond = sync.NewCond(&c.mu)
	if err := c.fr.WriteFrame(wire.Encode(wire.VersionOffer{Magic: wire.Magic, Versions: cfg.Supported})); err != nil {
		return nil, err
	}
	go c.readLoop(c.fr)
	return c, nil
}

// SetRobust installs the transparent-reconnect pair: reopen dials a fresh
// link after a hangup, release runs when reconnection is abandoned.
func (c *Client) SetRobust(reopen func() (wire.Framer, error), release func()) {
	c.mu.Lock()
	c.reopen = reopen
	c.release = release
	c.mu.Unlock()
}

// Version returns the negotiated protocol version (0 before negotiation).
func (c *Client) Version() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// waitVersion blocks until version negotiation completes or the link is
// gone.
func (c *Client) waitVersion() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.versioned && !c.hung {
		c.cond.Wait()
	}
	if c.hung {
		return bid.New(bid.Disconnected, pkgPath, "link to %q is down", c.cfg.Name)
	}
	return nil
}

// Process implements apiset.Implementation: it serializes the request as
// a CALL frame and correlates the eventual REPLY back onto it.
func (c *Client) Process(req apiset.Request) error {
	r, ok := req.(*request.Request)
	if !ok {
		return bid.New(bid.Invalid, pkgPath, "foreign request type")
	}
	if err := c.call(r); err != nil {
		r.Reply(err, nil)
	}
	return nil
}

func (c *Client) call(r *request.Request) error {
	if err := c.waitVersion(); err != nil {
		return err
	}
	args, err := marshalData(r.Params())
	if err != nil {
		return err
	}
	sessionID, err := c.announceSession(r)
	if err != nil {
		return err
	}
	tokenID, err := c.announceToken(r)
	if err != nil {
		return err
	}
	callID, err := c.callIDs.Alloc()
	if err != nil {
		return bid.New(bid.Busy, pkgPath, "all call ids in use on link to %q", c.cfg.Name)
	}

	var creds string
	if cr := r.Credentials(); cr != nil {
		creds = cr.Export()
	}
	r.AddRef()
	c.mu.Lock()
	if c.hung {
		c.mu.Unlock()
		c.callIDs.Free(callID)
		r.Unref()
		return bid.New(bid.Disconnected, pkgPath, "link to %q hung up", c.cfg.Name)
	}
	fr := c.fr
	c.pending[callID] = r
	c.mu.Unlock()

	msg := wire.Call{CallID: callID, Verb: r.Verb(), SessionID: sessionID, TokenID: tokenID, Args: args, UserCreds: creds}
	if err := fr.WriteFrame(wire.Encode(msg)); err != nil {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
		c.callIDs.Free(callID)
		r.Unref()
		return bid.New(bid.Disconnected, pkgPath, "call %s/%s: %v", c.cfg.Name, r.Verb(), err)
	}
	return nil
}

// announceSession makes sure the request's session has a link id,
// sending SESSION_ADD the first time the session crosses this link.
func (c *Client) announceSession(r *request.Request) (uint16, error) {
	sess := r.Session()
	if sess == nil {
		return 0, nil
	}
	uuid := sess.UUID()
	c.mu.Lock()
	if id, ok := c.sessions[uuid]; ok {
		c.mu.Unlock()
		return id, nil
	}
	id, err := c.sessIDs.Alloc()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.sessions[uuid] = id
	fr := c.fr
	c.mu.Unlock()
	if err := fr.WriteFrame(wire.Encode(wire.SessionAdd{SessionID: id, Name: uuid})); err != nil {
		return 0, bid.New(bid.Disconnected, pkgPath, "announcing session: %v", err)
	}
	return id, nil
}

func (c *Client) announceToken(r *request.Request) (uint16, error) {
	token := r.Token()
	if token == "" {
		return 0, nil
	}
	c.mu.Lock()
	if id, ok := c.tokens[token]; ok {
		c.mu.Unlock()
		return id, nil
	}
	id, err := c.tokIDs.Alloc()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.tokens[token] = id
	fr := c.fr
	c.mu.Unlock()
	if err := fr.WriteFrame(wire.Encode(wire.TokenAdd{TokenID: id, Name: token})); err != nil {
		return 0, bid.New(bid.Disconnected, pkgPath, "announcing token: %v", err)
	}
	return id, nil
}

// DropSession retracts a session announcement from the link, freeing its
// id for reuse.
func (c *Client) DropSession(uuid string) error {
	c.mu.Lock()
	id, ok := c.sessions[uuid]
	if ok {
		delete(c.sessions, uuid)
	}
	fr := c.fr
	c.mu.Unlock()
	if !ok {
		return bid.New(bid.NotFound, pkgPath, "session %q not announced", uuid)
	}
	c.sessIDs.Free(id)
	return fr.WriteFrame(wire.Encode(wire.SessionDrop{SessionID: id}))
}

// DropToken retracts a token announcement from the link.
func (c *Client) DropToken(token string) error {
	c.mu.Lock()
	id, ok := c.tokens[token]
	if ok {
		delete(c.tokens, token)
	}
	fr := c.fr
	c.mu.Unlock()
	if !ok {
		return bid.New(bid.NotFound, pkgPath, "token not announced")
	}
	c.tokIDs.Free(id)
	return fr.WriteFrame(wire.Encode(wire.TokenDrop{TokenID: id}))
}

// ServiceStart has nothing to do: the link was established at
// construction.
func (c *Client) ServiceStart() error { return nil }

func (c *Client) SetLogMask(mask uint32) { c.mu.Lock(); c.logmask = mask; c.mu.Unlock() }
func (c *Client) GetLogMask() uint32     { c.mu.Lock(); defer c.mu.Unlock(); return c.logmask }

// Describe asks the peer for the API description, waiting a bounded time.
func (c *Client) Describe() interface{} {
	desc, err := c.DescribeJSON(5 * time.Second)
	if err != nil {
		return nil
	}
	return json.RawMessage(desc)
}

// DescribeJSON performs the DESCRIBE round trip, returning the JSON text.
func (c *Client) DescribeJSON(timeout time.Duration) (string, error) {
	if err := c.waitVersion(); err != nil {
		return "", err
	}
	id, err := c.descIDs.Alloc()
	if err != nil {
		return "", err
	}
	defer c.descIDs.Free(id)
	ch := make(chan wire.Description, 1)
	c.mu.Lock()
	c.descs[id] = ch
	fr := c.fr
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.descs, id)
		c.mu.Unlock()
	}()
	if err := fr.WriteFrame(wire.Encode(wire.Describe{DescID: id})); err != nil {
		return "", bid.New(bid.Disconnected, pkgPath, "describe: %v", err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case d, ok := <-ch:
		if !ok {
			return "", bid.New(bid.Disconnected, pkgPath, "link to %q hung up", c.cfg.Name)
		}
		return d.Data, nil
	case <-t.C:
		return "", bid.New(bid.Etimedout, pkgPath, "describe timed out after %s", timeout)
	}
}

// Unref tears the stub down; it runs when the descriptor leaves its
// apiset.
func (c *Client) Unref() {
	c.mu.Lock()
	c.reopen = nil
	fr := c.fr
	c.mu.Unlock()
	if fr != nil {
		fr.Close()
	}
}

func (c *Client) readLoop(fr wire.Framer) {
	for {
		b, err := fr.ReadFrame()
		if err != nil {
			c.hangup(fr)
			return
		}
		m, err := wire.Decode(b)
		if err != nil {
			blog.Errorf("rpc: client %q: %v", c.cfg.Name, err)
			fr.Close()
			c.hangup(fr)
			return
		}
		c.mu.Lock()
		versioned := c.versioned
		c.mu.Unlock()
		if !versioned {
			vs, ok := m.(wire.VersionSet)
			if !ok || !c.acceptVersion(vs.Version) {
				blog.Errorf("rpc: client %q: protocol violation before version set", c.cfg.Name)
				fr.Close()
				c.hangup(fr)
				return
			}
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) acceptVersion(v uint8) bool {
	ok := false
	for _, s := range c.cfg.Supported {
		if s == v {
			ok = true
		}
	}
	if !ok {
		return false
	}
	c.mu.Lock()
	c.version = v
	c.versioned = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return true
}

func (c *Client) dispatch(m wire.Msg) {
	switch v := m.(type) {
	case wire.Reply:
		c.onReply(v)
	case wire.Description:
		c.mu.Lock()
		ch := c.descs[v.DescID]
		c.mu.Unlock()
		if ch != nil {
			ch <- v
		}
	case wire.EventCreate:
		c.onEventCreate(v)
	case wire.EventRemove:
		c.mu.Lock()
		ev := c.events[v.EventID]
		delete(c.events, v.EventID)
		c.mu.Unlock()
		if ev != nil {
			ev.Unref()
		}
	case wire.EventPush:
		c.mu.Lock()
		ev := c.events[v.EventID]
		fr := c.fr
		c.mu.Unlock()
		if ev == nil {
			fr.WriteFrame(wire.Encode(wire.EventUnexpected{EventID: v.EventID}))
			return
		}
		ev.Push(v.Data)
	case wire.EventBroadcast:
		hop := v.Hop
		if hop > 0 {
			hop--
		}
		c.cfg.Hub.Rebroadcast(v.Name, v.Data, v.UUID, hop)
	case wire.EventSubscribe, wire.EventUnsubscribe:
		// subscription acknowledgements; bookkeeping only.
	default:
		blog.Debugf("rpc: client %q: unexpected opcode %q", c.cfg.Name, m.Opcode())
	}
}

func (c *Client) onReply(v wire.Reply) {
	c.mu.Lock()
	r := c.pending[v.CallID]
	delete(c.pending, v.CallID)
	c.mu.Unlock()
	if r == nil {
		blog.Debugf("rpc: client %q: reply for unknown call %d", c.cfg.Name, v.CallID)
		return
	}
	c.callIDs.Free(v.CallID)
	var replies []*data.Data
	if v.Data != "" {
		replies = []*data.Data{c.cfg.Data.CreateCopy(JSONType, v.Data)}
	}
	r.Reply(replyError(v.Error, v.Info), replies)
	r.Unref()
}

func (c *Client) onEventCreate(v wire.EventCreate) {
	ev, err := c.cfg.Hub.Create(v.Name)
	if err != nil {
		blog.Errorf("rpc: client %q: cannot proxy event %q: %v", c.cfg.Name, v.Name, err)
		return
	}
	c.mu.Lock()
	c.events[v.EventID] = ev
	c.mu.Unlock()
}

// Event returns the local proxy for the peer's event id, once announced.
func (c *Client) Event(peerID uint16) (*event.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.events[peerID]
	return ev, ok
}

// hangup tears down the link state: every pending call gets its one
// synthetic disconnected reply, describes fail, event proxies die. If a
// reopen function is installed the stub then tries to come back.
func (c *Client) hangup(fr wire.Framer) {
	c.mu.Lock()
	if c.hung || fr != c.fr {
		// a newer link already took over.
		c.mu.Unlock()
		return
	}
	c.hung = true
	pending := c.pending
	c.pending = make(map[uint16]*request.Request)
	descs := c.descs
	c.descs = make(map[uint16]chan wire.Description)
	events := c.events
	c.events = make(map[uint16]*event.Event)
	c.sessions = make(map[string]uint16)
	c.tokens = make(map[string]uint16)
	c.versioned = false
	c.version = 0
	reopen := c.reopen
	c.cond.Broadcast()
	c.mu.Unlock()

	for id, r := range pending {
		c.callIDs.Free(id)
		r.Reply(bid.New(bid.Disconnected, pkgPath, "link to %q hung up", c.cfg.Name), nil)
		r.Unref()
	}
	for _, ch := range descs {
		close(ch)
	}
	for _, ev := range events {
		ev.Unref()
	}

	if reopen != nil {
		if next, err := reopen(); err == nil && next != nil {
			if err := next.WriteFrame(wire.Encode(wire.VersionOffer{Magic: wire.Magic, Versions: c.cfg.Supported})); err == nil {
				c.mu.Lock()
				c.fr = next
				c.hung = false
				c.mu.Unlock()
				go c.readLoop(next)
				return
			}
			next.Close()
		}
		c.mu.Lock()
		release := c.release
		c.reopen, c.release = nil, nil
		c.mu.Unlock()
		if release != nil {
			release()
		}
	}
	if c.cfg.OnHangup != nil {
		c.cfg.OnHangup()
	}
}

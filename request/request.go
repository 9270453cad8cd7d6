// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package request implements the common request object brokering a call
// between a client and an API: it carries the (apiname, verbname) pair,
// parameter data, the client context (session, token, credentials), and
// guarantees exactly one reply per request even on abandonment.
package request

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
	"github.com/binderd/binderd/sched"
	"github.com/binderd/binderd/session"
)

const pkgPath = "request"

// asyncDepth is the capacity of the per-request chained-callback stack.
const asyncDepth = 7

// QueryItf is the interface a request's originator implements: it receives
// the single reply, the final unref, and subscription changes.
type QueryItf interface {
	// Reply delivers the outcome: err is nil on success, otherwise a
	// bid-kinded error; replies carries the reply data objects (ownership
	// transfers to the callee).
	Reply(req *Request, err error, replies []*data.Data)
	// Unref is called once the last reference to req is gone and its
	// reply has been delivered.
	Unref(req *Request)
	Subscribe(req *Request, ev *event.Event) error
	Unsubscribe(req *Request, ev *event.Event) error
}

// Request is the common request object. Create with New; release with
// Unref.
type Request struct {
	itf  QueryItf
	api  string
	verb string

	refcount int32

	mu        sync.Mutex
	replied   bool
	closing   bool
	validated bool
	sess      *session.Session
	sessSet   *session.Set
	token     string
	creds     *session.Credentials
	params    []*data.Data
	replies   []*data.Data
	async     []func(*Request)
}

// New builds a request with refcount 1. Ownership of the param references
// transfers in: the request unrefs them when it dies.
func New(itf QueryItf, api, verb string, params []*data.Data) *Request {
	return &Request{itf: itf, api: api, verb: verb, params: params, refcount: 1}
}

func (r *Request) API() string  { return r.api }
func (r *Request) Verb() string { return r.verb }

// Params returns the parameter data objects; the request keeps ownership.
func (r *Request) Params() []*data.Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// AddRef increments the request's reference count.
func (r *Request) AddRef() { atomic.AddInt32(&r.refcount, 1) }

// Unref drops one reference. When the last one goes while no reply has
// been made, an internal-error reply is synthesized first, so the
// one-reply guarantee holds even for abandoned requests; then the query
// interface's Unref runs and the held parameter/reply data is released.
func (r *Request) Unref() {
	if atomic.AddInt32(&r.refcount, -1) > 0 {
		return
	}
	r.mu.Lock()
	replied := r.replied
	r.closing = true
	r.mu.Unlock()
	if !replied {
		r.Reply(bid.New(bid.InternalError, pkgPath, "request %s/%s dropped without reply", r.api, r.verb), nil)
	}
	if r.itf != nil {
		r.itf.Unref(r)
	}
	r.mu.Lock()
	params, replies := r.params, r.replies
	r.params, r.replies = nil, nil
	sess, set := r.sess, r.sessSet
	r.sess = nil
	creds := r.creds
	r.creds = nil
	r.mu.Unlock()
	for _, p := range params {
		p.Unref()
	}
	for _, p := range replies {
		p.Unref()
	}
	if sess != nil && set != nil {
		set.Unref(sess)
	}
	if creds != nil {
		creds.Unref()
	}
}

// SetSession binds sess (already referenced by the caller on behalf of the
// request) from set, dropping any previous binding.
func (r *Request) SetSession(set *session.Set, sess *session.Session) {
	r.mu.Lock()
	prev, prevSet := r.sess, r.sessSet
	r.sess, r.sessSet = sess, set
	r.mu.Unlock()
	if prev != nil && prevSet != nil {
		prevSet.Unref(prev)
	}
}

// SetSessionString resolves uuid in set (creating the session if absent,
// inheriting the set's default timeout) and binds it.
func (r *Request) SetSessionString(set *session.Set, uuid string) error {
	sess, _, err := set.Get(uuid, session.TimeoutInherit)
	if err != nil {
		return err
	}
	r.SetSession(set, sess)
	return nil
}

// Session returns the bound session, if any.
func (r *Request) Session() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// SetToken replaces the request's authorization token.
func (r *Request) SetToken(token string) {
	r.mu.Lock()
	r.token = token
	r.validated = false
	r.mu.Unlock()
}

func (r *Request) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

// SetCred binds creds, taking over the reference; any previous binding is
// released.
func (r *Request) SetCred(creds *session.Credentials) {
	r.mu.Lock()
	prev := r.creds
	r.creds = creds
	r.mu.Unlock()
	if prev != nil {
		prev.Unref()
	}
}

func (r *Request) Credentials() *session.Credentials {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creds
}

// Reply delivers the request's single reply. A second call is rejected
// with bid.Invalid and delivers nothing.
func (r *Request) Reply(err error, replies []*data.Data) error {
	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		for _, p := range replies {
			p.Unref()
		}
		return bid.New(bid.Invalid, pkgPath, "request %s/%s already replied", r.api, r.verb)
	}
	r.replied = true
	r.replies = replies
	r.mu.Unlock()
	if r.itf != nil {
		r.itf.Reply(r, err, replies)
	}
	return nil
}

// Replied reports whether the reply has been made.
func (r *Request) Replied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied
}

// Subscribe attaches the request's originator to ev; rejected once the
// request has replied.
func (r *Request) Subscribe(ev *event.Event) error {
	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		return bid.New(bid.Invalid, pkgPath, "subscribe after reply on %s/%s", r.api, r.verb)
	}
	r.mu.Unlock()
	if r.itf == nil {
		return bid.New(bid.NotAvailable, pkgPath, "no query interface on %s/%s", r.api, r.verb)
	}
	return r.itf.Subscribe(r, ev)
}

// Unsubscribe detaches the request's originator from ev; rejected once
// the request has replied.
func (r *Request) Unsubscribe(ev *event.Event) error {
	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		return bid.New(bid.Invalid, pkgPath, "unsubscribe after reply on %s/%s", r.api, r.verb)
	}
	r.mu.Unlock()
	if r.itf == nil {
		return bid.New(bid.NotAvailable, pkgPath, "no query interface on %s/%s", r.api, r.verb)
	}
	return r.itf.Unsubscribe(r, ev)
}

// AsyncPush pushes fn on the request's chained-callback stack; reports
// false on overflow (the stack holds at most 7 entries).
func (r *Request) AsyncPush(fn func(*Request)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.async) >= asyncDepth {
		return false
	}
	r.async = append(r.async, fn)
	return true
}

// AsyncPop removes and returns the top of the chained-callback stack, or
// nil when empty.
func (r *Request) AsyncPop() func(*Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.async)
	if n == 0 {
		return nil
	}
	fn := r.async[n-1]
	r.async = r.async[:n-1]
	return fn
}

// Process resolves the request's API in set (starting it if needed) and
// invokes it synchronously. Resolution failures turn into the
// corresponding error reply; the request never escapes without one.
func (r *Request) Process(set *apiset.APISet) {
	d, err := r.resolve(set)
	if err != nil {
		r.Reply(err, nil)
		return
	}
	r.invoke(d)
}

// ProcessJob is Process dispatched through the scheduler: the job carries
// the descriptor's group so calls to a serialized API never overlap. The
// request holds an extra reference for the job's lifetime.
func (r *Request) ProcessJob(set *apiset.APISet, s *sched.Scheduler, timeout, delay int) error {
	d, err := r.resolve(set)
	if err != nil {
		r.Reply(err, nil)
		return err
	}
	var group sched.Group
	if d.Group != nil {
		group = d.Group
	}
	r.AddRef()
	_, err = s.Post(group, secs(delay), secs(timeout), func(sig sched.Sig, _, _ interface{}) {
		defer r.Unref()
		if sig != sched.SigNone {
			r.Reply(bid.New(bid.Eintr, pkgPath, "call %s/%s interrupted (%s)", r.api, r.verb, sig), nil)
			return
		}
		r.invoke(d)
	}, nil, nil)
	if err != nil {
		r.Unref()
		r.Reply(bid.New(bid.Busy, pkgPath, "cannot schedule %s/%s: %v", r.api, r.verb, err), nil)
		return err
	}
	return nil
}

// ProcessOnBehalf parses exported "uid:gid:pid-label" credentials, binds
// them, and processes the request.
func (r *Request) ProcessOnBehalf(set *apiset.APISet, exportedCreds string) {
	if exportedCreds != "" {
		creds, err := session.ParseExported(exportedCreds)
		if err != nil {
			r.Reply(err, nil)
			return
		}
		r.SetCred(creds)
	}
	r.Process(set)
}

func (r *Request) resolve(set *apiset.APISet) (*apiset.Descriptor, error) {
	d, err := set.GetAPI(r.api, true, true)
	if err == nil {
		return d, nil
	}
	switch bid.KindOf(err) {
	case bid.NotFound:
		return nil, bid.New(bid.UnknownAPI, pkgPath, "api %q unknown", r.api)
	case bid.BadAPIState:
		return nil, err
	default:
		return nil, bid.New(bid.NotAvailable, pkgPath, "api %q not available: %v", r.api, err)
	}
}

func (r *Request) invoke(d *apiset.Descriptor) {
	if err := d.Impl.Process(r); err != nil && !r.Replied() {
		blog.Debugf("request: %s/%s processing error: %v", r.api, r.verb, err)
		r.Reply(err, nil)
	}
}

func secs(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

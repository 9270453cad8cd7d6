// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the per-client session and credential model:
// UUID-identified sessions with cookies, Level of Assurance (LOA), token
// binding, and a bounded process-wide session set.
//
// A session is the per-client anchor for everything an API wants to
// remember about a client between calls; cookies keep that state keyed by
// opaque pointers so independent APIs never collide.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/binderd/binderd/internal/bid"
)

const pkgPath = "session"

// Special timeout sentinels, per the data model.
const (
	TimeoutInfinite = -1
	TimeoutInherit  = -2
)

const cookieBuckets = 8

// cookieKey is an arbitrary opaque pointer compared by identity, never by
// the value it points to.
type cookieKey = interface{}

type cookie struct {
	key     cookieKey
	value   interface{}
	free    func(interface{})
	loa     int
	hasLOA  bool
	hasVal  bool
}

// Session is identified by a UUID string and holds a small keyed cookie
// map. Safe for concurrent use.
type Session struct {
	uuid       string
	localID    uint16
	lang       string
	autoclose  bool

	mu         sync.Mutex
	refcount   int32
	closed     bool
	timeout    int
	expiresAt  time.Time
	buckets    [cookieBuckets][]*cookie
}

func pearsonHash(s string) uint8 {
	// 8-bit Pearson hash over the string, reused for cookie bucket
	// placement by the identity of the key (hashed via its fmt-ed form)
	// in bucketOf below.
	var t [256]uint8
	for i := range t {
		t[i] = uint8(i)
	}
	h := uint8(0)
	for i := 0; i < len(s); i++ {
		h = t[h^s[i]]
	}
	return h
}

func bucketOf(key cookieKey) int {
	// Bucket placement only needs to be deterministic for a given key;
	// exact matches are still resolved by interface identity (==) in the
	// bucket scan, so a %v-formatted hash is sufficient here even though
	// it is not a true pointer-address hash.
	h := pearsonHash(fmt.Sprintf("%v", key))
	return int(h) % cookieBuckets
}

func newSession(id string, localID uint16, timeout int) *Session {
	return &Session{
		uuid:      id,
		localID:   localID,
		refcount:  1,
		autoclose: true,
		timeout:   timeout,
	}
}

func (s *Session) UUID() string   { return s.uuid }
func (s *Session) LocalID() uint16 { return s.localID }

func (s *Session) SetLang(lang string) { s.mu.Lock(); s.lang = lang; s.mu.Unlock() }
func (s *Session) Lang() string        { s.mu.Lock(); defer s.mu.Unlock(); return s.lang }

func (s *Session) SetAutoclose(v bool) { s.mu.Lock(); s.autoclose = v; s.mu.Unlock() }

// Touch refreshes the session's expiration from its configured timeout.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

func (s *Session) touchLocked() {
	switch s.timeout {
	case TimeoutInfinite:
		s.expiresAt = time.Time{}
	default:
		t := s.timeout
		if t == TimeoutInherit {
			t = 0
		}
		s.expiresAt = time.Now().Add(time.Duration(t) * time.Second)
	}
}

// Expired reports whether s's expiration has passed. A zero expiresAt
// means "never expires".
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expiresAt.IsZero() && time.Now().After(s.expiresAt)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddRef increments the reference count.
func (s *Session) AddRef() { s.mu.Lock(); s.refcount++; s.mu.Unlock() }

// Close fires every cookie's free callback exactly once, marks the session
// closed; removal from the owning Set happens on its next Purge.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var frees []func()
	for b := range s.buckets {
		for _, c := range s.buckets[b] {
			if c.hasVal && c.free != nil {
				v, f := c.value, c.free
				frees = append(frees, func() { f(v) })
			}
		}
		s.buckets[b] = nil
	}
	s.mu.Unlock()
	for _, f := range frees {
		f()
	}
}

// CookieSet installs value under key with the given free callback and LOA,
// replacing (and firing the free callback of) any prior value for key.
// Returns 1 if the cookie was newly created, 0 if it replaced an existing
// one.
func (s *Session) CookieSet(key cookieKey, value interface{}, free func(interface{}), loa int) int {
	s.mu.Lock()
	b := bucketOf(key)
	for _, c := range s.buckets[b] {
		if c.key == key {
			created := 0
			if c.hasVal && c.free != nil {
				oldVal, oldFree := c.value, c.free
				s.mu.Unlock()
				oldFree(oldVal)
				s.mu.Lock()
			}
			c.value, c.free, c.hasVal = value, free, true
			c.loa, c.hasLOA = loa, true
			s.mu.Unlock()
			return created
		}
	}
	s.buckets[b] = append(s.buckets[b], &cookie{key: key, value: value, free: free, hasVal: true, loa: loa, hasLOA: true})
	s.mu.Unlock()
	return 1
}

// CookieGet returns the value stored under key, or ok=false if absent.
func (s *Session) CookieGet(key cookieKey) (value interface{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := bucketOf(key)
	for _, c := range s.buckets[b] {
		if c.key == key && c.hasVal {
			return c.value, true
		}
	}
	return nil, false
}

// CookieGetInit atomically tests-or-initialises the cookie at key: if
// absent, init is invoked (outside the session lock) and its result
// installed with no free callback and LOA 0.
func (s *Session) CookieGetInit(key cookieKey, init func() interface{}) interface{} {
	if v, ok := s.CookieGet(key); ok {
		return v
	}
	v := init()
	s.mu.Lock()
	b := bucketOf(key)
	for _, c := range s.buckets[b] {
		if c.key == key && c.hasVal {
			s.mu.Unlock()
			return c.value
		}
	}
	s.buckets[b] = append(s.buckets[b], &cookie{key: key, value: v, hasVal: true})
	s.mu.Unlock()
	return v
}

func (s *Session) CookieExists(key cookieKey) bool {
	_, ok := s.CookieGet(key)
	return ok
}

// DropKey removes the cookie at key entirely, firing its free callback
// (exactly once) and clearing any LOA recorded for it.
func (s *Session) DropKey(key cookieKey) {
	s.mu.Lock()
	b := bucketOf(key)
	bucket := s.buckets[b]
	for i, c := range bucket {
		if c.key == key {
			s.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			hadVal, val, free := c.hasVal, c.value, c.free
			s.mu.Unlock()
			if hadVal && free != nil {
				free(val)
			}
			return
		}
	}
	s.mu.Unlock()
}

// LOAGet returns the LOA recorded for key, or 0 if none.
func (s *Session) LOAGet(key cookieKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := bucketOf(key)
	for _, c := range s.buckets[b] {
		if c.key == key && c.hasLOA {
			return c.loa
		}
	}
	return 0
}

// LOASet records loa for key. Setting loa to 0 on a cookie with no value
// removes the cookie entirely and performs no allocation.
func (s *Session) LOASet(key cookieKey, loa int) {
	s.mu.Lock()
	b := bucketOf(key)
	bucket := s.buckets[b]
	for i, c := range bucket {
		if c.key == key {
			if loa == 0 && !c.hasVal {
				s.buckets[b] = append(bucket[:i], bucket[i+1:]...)
				s.mu.Unlock()
				return
			}
			c.loa, c.hasLOA = loa, true
			s.mu.Unlock()
			return
		}
	}
	if loa == 0 {
		s.mu.Unlock()
		return
	}
	s.buckets[b] = append(bucket, &cookie{key: key, loa: loa, hasLOA: true})
	s.mu.Unlock()
}

// Set is a bounded, process-wide container of Sessions, keyed by UUID.
type Set struct {
	mu              sync.Mutex
	byUUID          map[string]*Session
	max             int
	defaultTimeout  int
	nextLocalID     uint16
	onUnreferenced  func(*Session)
}

// New creates a Set bounded to [5,1000] live sessions (out-of-range values
// are clamped), with the given default per-session timeout in seconds.
func New(max, defaultTimeout int) *Set {
	if max < 5 {
		max = 5
	}
	if max > 1000 {
		max = 1000
	}
	return &Set{byUUID: make(map[string]*Session), max: max, defaultTimeout: defaultTimeout}
}

// Create allocates a fresh session with a newly generated UUID.
func (s *Set) Create(timeout int) (*Session, error) {
	sess, _, err := s.getOrCreate("", timeout)
	return sess, err
}

// Get returns the session for id, creating it if absent. wasCreated
// reports which branch was taken.
func (s *Set) Get(id string, timeout int) (sess *Session, wasCreated bool, err error) {
	return s.getOrCreate(id, timeout)
}

func (s *Set) getOrCreate(id string, timeout int) (*Session, bool, error) {
	s.mu.Lock()
	if id != "" {
		if sess, ok := s.byUUID[id]; ok {
			sess.AddRef()
			s.mu.Unlock()
			return sess, false, nil
		}
	}
	if len(s.byUUID) >= s.max {
		s.mu.Unlock()
		return nil, false, bid.New(bid.Busy, pkgPath, "session set at capacity (%d)", s.max)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if timeout == TimeoutInherit {
		timeout = s.defaultTimeout
	}
	s.nextLocalID++
	sess := newSession(id, s.nextLocalID, timeout)
	sess.touchLocked()
	s.byUUID[id] = sess
	s.mu.Unlock()
	return sess, true, nil
}

// Search performs a strict lookup, incrementing the session's reference
// count on a hit.
func (s *Set) Search(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byUUID[id]
	if !ok {
		return nil, bid.New(bid.NotFound, pkgPath, "session %q not found", id)
	}
	sess.AddRef()
	return sess, nil
}

// Unref decrements sess's reference count. At zero, if sess is marked
// autoclose it is closed; a closed session not present in s is a no-op
// here (actual removal happens in Purge) since the contract requires
// "not referenced AND not in the set" to trigger destruction, and
// membership is the set's own bookkeeping.
func (s *Set) Unref(sess *Session) {
	sess.mu.Lock()
	sess.refcount--
	rc := sess.refcount
	autoclose := sess.autoclose
	sess.mu.Unlock()
	if rc <= 0 && autoclose {
		sess.Close()
	}
}

// Purge removes every expired or closed session from s.
func (s *Set) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.byUUID {
		if sess.Closed() || sess.Expired() {
			delete(s.byUUID, id)
		}
	}
}

// Each invokes fn for every live session in s.
func (s *Set) Each(fn func(*Session)) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.byUUID))
	for _, sess := range s.byUUID {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		fn(sess)
	}
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byUUID)
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import "sync"

// EvMgr is the single shared event-manager role: at most one worker holds
// it at a time. In this Go rendering a "holder" is a goroutine
// id surrogate supplied by the caller (the worker's own small integer
// index), since goroutines have no public identity to key on.
type EvMgr struct {
	mu      sync.Mutex
	holder  int
	held    bool
	awaiters []chan struct{}
	wake    func(holder int) // best-effort nudge so the holder can release
}

const noHolder = -1

func NewEvMgr() *EvMgr { return &EvMgr{holder: noHolder} }

// SetWake installs a callback invoked (without the arbiter's lock held)
// when a new awaiter arrives, so the current holder's blocking wait (e.g.
// inside an OS-level poll) can be nudged to return and release.
func (e *EvMgr) SetWake(wake func(holder int)) {
	e.mu.Lock()
	e.wake = wake
	e.mu.Unlock()
}

// TryGet acquires the role for tid if it is free and nobody is waiting. A
// tid that already holds the role keeps it unless awaiters have queued up,
// in which case the role is handed to the first of them and TryGet reports
// false so the caller goes back to ordinary work.
func (e *EvMgr) TryGet(tid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held && e.holder == tid {
		if len(e.awaiters) == 0 {
			return true
		}
		next := e.awaiters[0]
		e.awaiters = e.awaiters[1:]
		e.holder = noHolder
		close(next)
		return false
	}
	if e.held || len(e.awaiters) > 0 {
		return false
	}
	e.held = true
	e.holder = tid
	return true
}

// Get blocks until tid holds the role, nudging the current holder to
// release first.
func (e *EvMgr) Get(tid int) {
	e.mu.Lock()
	if e.held && e.holder == tid {
		e.mu.Unlock()
		return
	}
	if !e.held && len(e.awaiters) == 0 {
		e.held = true
		e.holder = tid
		e.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	e.awaiters = append(e.awaiters, ch)
	wake, holder, wasHeld := e.wake, e.holder, e.held
	e.mu.Unlock()
	if wasHeld && wake != nil {
		wake(holder)
	}
	<-ch
	e.mu.Lock()
	e.held = true
	e.holder = tid
	e.mu.Unlock()
}

// Release clears the role if tid is the current holder and grants it to
// the next awaiter, if any.
func (e *EvMgr) Release(tid int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.held || e.holder != tid {
		return
	}
	if len(e.awaiters) == 0 {
		e.held = false
		e.holder = noHolder
		return
	}
	next := e.awaiters[0]
	e.awaiters = e.awaiters[1:]
	// holder stays "held"; ownership transfers to whichever tid calls
	// Get next and receives this wakeup. The awaiter's own Get call sets
	// holder once it returns from <-ch, so record a sentinel here and let
	// Get finish the handoff.
	e.holder = noHolder
	close(next)
}

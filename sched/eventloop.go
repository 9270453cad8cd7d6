// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import "time"

// EventLoop is the prepare/wait/dispatch cycle run by whichever worker
// currently holds the event-manager role. The fd-level poll machinery is
// an external collaborator; the scheduler only requires these four calls,
// serialized by the EvMgr arbiter.
type EventLoop interface {
	// Prepare is called before Wait, with the role held.
	Prepare()
	// Wait blocks until an event arrives, Wake is called, or timeout
	// elapses. A negative timeout means "block indefinitely".
	Wait(timeout time.Duration)
	// Dispatch handles whatever Wait observed; it may post new jobs.
	Dispatch()
	// Wake forces a concurrent Wait to return promptly. Callable from any
	// goroutine, with or without the role held.
	Wake()
}

// timerLoop is the built-in EventLoop used when no fd-backed one is
// supplied: it has no event sources, so Wait simply sleeps until woken or
// until the nearest job delay elapses.
type timerLoop struct {
	wake chan struct{}
}

func newTimerLoop() *timerLoop { return &timerLoop{wake: make(chan struct{}, 1)} }

func (l *timerLoop) Prepare()  {}
func (l *timerLoop) Dispatch() {}

func (l *timerLoop) Wait(timeout time.Duration) {
	if timeout < 0 {
		<-l.wake
		return
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.wake:
	case <-t.C:
	}
}

func (l *timerLoop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

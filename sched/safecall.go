// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"time"

	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
)

// safeCall is the signal/timeout monitor guarding every job callback. Go
// has no per-thread POSIX timer / signal-handler pair, but it has two
// native analogues:
//
//   - a caught runtime panic (nil deref, index out of range, divide by
//     zero) IS this process's SIGSEGV/SIGFPE/SIGBUS equivalent: recover()
//     converts it into a second, synchronous invocation of cb with
//     sig==SigPanic, exactly mirroring "re-invoke the callback with signum
//     nonzero to allow cleanup".
//   - a timeout is modeled with a time.Timer racing the callback's
//     completion. Go cannot force-preempt a running goroutine the way a
//     POSIX signal can a thread, so on timeout safeCall returns control to
//     the caller immediately (reporting SigTimeout) while best-effort
//     invoking cb(SigTimeout) from a second goroutine so a cooperative
//     callback gets a chance to observe the cancellation and clean up; a
//     callback that never returns still leaks its goroutine.
func safeCall(timeout time.Duration, cb Callback, arg1, arg2 interface{}) (sig Sig, err error) {
	done := make(chan struct{}, 1)
	var panicVal interface{}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
			done <- struct{}{}
		}()
		cb(SigNone, arg1, arg2)
	}()

	var timeoutCh <-chan time.Time
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
	}

	select {
	case <-done:
		if timer != nil {
			timer.Stop()
		}
		if panicVal != nil {
			blog.Errorf("sched: job callback panicked: %v", panicVal)
			safeInvokeCleanup(cb, SigPanic, arg1, arg2)
			return SigPanic, bid.New(bid.InternalError, pkgPath, "job callback panicked: %v", panicVal)
		}
		return SigNone, nil
	case <-timeoutCh:
		blog.Errorf("sched: job timed out after %s", timeout)
		go safeInvokeCleanup(cb, SigTimeout, arg1, arg2)
		return SigTimeout, bid.New(bid.Etimedout, pkgPath, "job timed out after %s", timeout)
	}
}

// safeInvokeCleanup re-enters cb with a nonzero sig so it can run its
// cleanup path; a second panic here is logged and swallowed since there is
// no further recovery frame to escalate to.
func safeInvokeCleanup(cb Callback, sig Sig, arg1, arg2 interface{}) {
	defer func() {
		if r := recover(); r != nil {
			blog.Errorf("sched: job cleanup callback (sig=%s) panicked: %v", sig, r)
		}
	}()
	cb(sig, arg1, arg2)
}

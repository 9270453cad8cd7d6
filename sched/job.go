// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sched implements the cooperative scheduler: a grouped FIFO job
// queue, a reservable worker pool, a single shared event-manager role
// held by one worker at a time, and signal/timeout monitoring of
// in-progress jobs.
package sched

import (
	"time"
)

const pkgPath = "sched"

// DefaultMaxJobs is the default queue capacity; HardMaxJobs is the hard
// ceiling no configuration may exceed.
const (
	DefaultMaxJobs = 64
	HardMaxJobs    = 65000
)

// Group is an opaque job-serialization token; jobs sharing a non-nil Group
// run strictly FIFO and never overlap.
type Group = interface{}

// NewGroupToken mints a fresh, unique Group value for callers that have no
// natural object (an API descriptor, a connection) to serialize on.
func NewGroupToken() Group { return new(int) }

// Callback is a unit of work. sig is SigNone on normal dispatch and
// nonzero (see the Sig constants) when the job is being cancelled or has
// timed out: the callback is re-entered once with the reason so it can
// clean up.
type Callback func(sig Sig, arg1, arg2 interface{})

// Sig mirrors the signal-like reasons a job callback may be re-entered.
type Sig int

const (
	SigNone Sig = iota
	SigAbrt
	SigTimeout
	SigPanic
)

func (s Sig) String() string {
	switch s {
	case SigAbrt:
		return "SIGABRT"
	case SigTimeout:
		return "SIGVTALRM"
	case SigPanic:
		return "SIGSEGV"
	default:
		return "none"
	}
}

type job struct {
	id      uint32
	group   Group
	delay   time.Time // zero = runnable immediately
	timeout time.Duration
	cb      Callback
	arg1    interface{}
	arg2    interface{}
	blocked bool
	active  bool
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"time"

	"github.com/binderd/binderd/internal/bid"
)

// syncJob backs one synchronous enter/leave barrier; Leave closes the
// channel so the waiter can race it against the timeout.
type syncJob struct {
	id   uint32
	mu   sync.Mutex
	done bool
	left chan struct{}
}

// Sync runs enter under the signal monitor and then blocks until some
// other party calls Leave with the lock id enter received, or timeout
// elapses (0 = no timeout). Returns nil when left, bid.Eintr when enter
// was torn down by a monitored signal, bid.Etimedout on expiry.
func (s *Scheduler) Sync(timeout time.Duration, enter func(sig Sig, lockID uint32, arg interface{}), arg interface{}) error {
	s.syncMu.Lock()
	s.syncGen++
	if s.syncGen == 0 {
		s.syncGen = 1
	}
	sj := &syncJob{id: s.syncGen, left: make(chan struct{})}
	s.syncJobs[sj.id] = sj
	s.syncMu.Unlock()
	defer func() {
		s.syncMu.Lock()
		delete(s.syncJobs, sj.id)
		s.syncMu.Unlock()
	}()

	sig, _ := safeCall(timeout, func(cbSig Sig, _, _ interface{}) {
		enter(cbSig, sj.id, arg)
	}, nil, nil)
	switch sig {
	case SigPanic:
		return bid.New(bid.Eintr, pkgPath, "sync enter interrupted")
	case SigTimeout:
		return bid.New(bid.Etimedout, pkgPath, "sync enter timed out after %s", timeout)
	}

	sj.mu.Lock()
	done := sj.done
	sj.mu.Unlock()
	if done {
		return nil
	}

	if timeout <= 0 {
		<-sj.left
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-sj.left:
		return nil
	case <-t.C:
		return bid.New(bid.Etimedout, pkgPath, "sync wait timed out after %s", timeout)
	}
}

// Leave releases the barrier identified by lockID, waking its waiter.
// Returns bid.NotFound for an unknown id and bid.Exists when the barrier
// was already left.
func (s *Scheduler) Leave(lockID uint32) error {
	s.syncMu.Lock()
	sj, ok := s.syncJobs[lockID]
	s.syncMu.Unlock()
	if !ok {
		return bid.New(bid.NotFound, pkgPath, "no sync barrier %d", lockID)
	}
	sj.mu.Lock()
	defer sj.mu.Unlock()
	if sj.done {
		return bid.New(bid.Exists, pkgPath, "sync barrier %d already left", lockID)
	}
	sj.done = true
	close(sj.left)
	return nil
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultReserveCount is the number of terminated workers kept dormant,
// ready for reactivation without spawning a fresh goroutine.
const DefaultReserveCount = 4

// jobStatus is what the scheduler's job-getter tells a worker to do next.
type jobStatus int

const (
	statusExec jobStatus = iota
	statusContinue
	statusIdle
	statusStop
)

type jobDesc struct {
	status jobStatus
	job    *job
}

// thread is one worker: a goroutine identified by a small integer tid,
// with its own condition variable for the asleep and reserve states.
type thread struct {
	tid     int
	stopped bool
	wake    *sync.Cond
	woken   bool
}

// pool is the bounded worker pool with a reserve of dormant threads.
// Each worker loops asking the job-getter what to do next:
// Exec/Continue/Idle/Stop.
type pool struct {
	getJob func(tid int) jobDesc
	runJob func(tid int, j *job)

	mu         sync.Mutex
	normalMax  int
	reserveMax int
	nextTID    int
	running    int
	asleep     []*thread // parked live workers, FIFO wakeup
	reserve    []*thread // dormant dead workers, ready for reactivation
	stopping   bool
	g          errgroup.Group
}

func newPool(normalMax, reserveMax int, getJob func(int) jobDesc, runJob func(int, *job)) *pool {
	if normalMax <= 0 {
		normalMax = 1
	}
	if reserveMax < 0 {
		reserveMax = DefaultReserveCount
	}
	return &pool{
		getJob:     getJob,
		runJob:     runJob,
		normalMax:  normalMax,
		reserveMax: reserveMax,
	}
}

// start ensures one more worker is live, reactivating a reserved thread
// when one is available, spawning a goroutine otherwise. Returns false if
// the pool is already at its normal count or stopping.
func (p *pool) start() bool {
	p.mu.Lock()
	if p.stopping || p.running >= p.normalMax {
		p.mu.Unlock()
		return false
	}
	p.running++
	if n := len(p.reserve); n > 0 {
		t := p.reserve[n-1]
		p.reserve = p.reserve[:n-1]
		p.mu.Unlock()
		t.wake.L.Lock()
		t.woken = true
		t.wake.Signal()
		t.wake.L.Unlock()
		return true
	}
	p.nextTID++
	t := &thread{tid: p.nextTID, wake: sync.NewCond(&sync.Mutex{})}
	p.mu.Unlock()
	p.g.Go(func() error {
		p.run(t)
		return nil
	})
	return true
}

// run is the worker loop from the concurrency contract: ask for work, then
// Exec / Continue / Idle / Stop. Termination parks the thread in the
// reserve when reserve space remains; otherwise the goroutine just ends.
func (p *pool) run(t *thread) {
	for {
		for !p.isStopped(t) {
			desc := p.getJob(t.tid)
			switch desc.status {
			case statusExec:
				p.runJob(t.tid, desc.job)
			case statusContinue:
			case statusIdle:
				if !p.sleep(t) {
					p.mu.Lock()
					p.running--
					p.mu.Unlock()
					return
				}
			case statusStop:
				p.setStopped(t)
			}
		}
		if !p.retire(t) {
			return
		}
	}
}

func (p *pool) isStopped(t *thread) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.stopped || p.stopping
}

func (p *pool) setStopped(t *thread) {
	p.mu.Lock()
	t.stopped = true
	p.mu.Unlock()
}

// sleep parks t on the asleep list until wakeupOne (or stopAll) signals
// it. Returns false if the pool is stopping and t should exit its loop.
func (p *pool) sleep(t *thread) bool {
	p.mu.Lock()
	if p.stopping || t.stopped {
		p.mu.Unlock()
		return false
	}
	p.asleep = append(p.asleep, t)
	p.mu.Unlock()

	t.wake.L.Lock()
	for !t.woken {
		t.wake.Wait()
	}
	t.woken = false
	t.wake.L.Unlock()

	p.mu.Lock()
	stopped := p.stopping || t.stopped
	p.mu.Unlock()
	return !stopped
}

// retire moves a stopped t into the reserve if space remains, blocking
// there until reactivated by start; returns false when the thread is done
// for good (reserve full or pool stopping).
func (p *pool) retire(t *thread) bool {
	p.mu.Lock()
	p.running--
	if p.stopping || len(p.reserve) >= p.reserveMax {
		p.mu.Unlock()
		return false
	}
	t.stopped = false
	p.reserve = append(p.reserve, t)
	p.mu.Unlock()

	t.wake.L.Lock()
	for !t.woken {
		t.wake.Wait()
	}
	t.woken = false
	t.wake.L.Unlock()

	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	return !stopping
}

// wakeupOne signals the head of the asleep list. Returns false when no
// worker was asleep.
func (p *pool) wakeupOne() bool {
	p.mu.Lock()
	if len(p.asleep) == 0 {
		p.mu.Unlock()
		return false
	}
	t := p.asleep[0]
	p.asleep = p.asleep[1:]
	p.mu.Unlock()
	t.wake.L.Lock()
	t.woken = true
	t.wake.Signal()
	t.wake.L.Unlock()
	return true
}

// stopAll marks every worker stopped and wakes them all, including the
// reserve, which drains for good.
func (p *pool) stopAll() {
	p.mu.Lock()
	p.stopping = true
	all := append(append([]*thread(nil), p.asleep...), p.reserve...)
	p.asleep = nil
	p.reserve = nil
	p.mu.Unlock()
	for _, t := range all {
		t.wake.L.Lock()
		t.woken = true
		t.wake.Signal()
		t.wake.L.Unlock()
	}
}

// wait blocks until every worker goroutine has returned.
func (p *pool) wait() { p.g.Wait() }

func (p *pool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *pool) asleepCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.asleep)
}

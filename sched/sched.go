// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"time"

	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
)

// Options tunes a Scheduler at construction time.
type Options struct {
	// MaxJobs bounds the pending-job queue; 0 means DefaultMaxJobs, and
	// anything above HardMaxJobs is clamped.
	MaxJobs int
	// NormalThreads bounds how many workers may run at once; 0 means 1.
	NormalThreads int
	// ReserveThreads sizes the dormant-thread reserve; negative means
	// DefaultReserveCount.
	ReserveThreads int
	// EventLoop supplies the prepare/wait/dispatch cycle run by the
	// event-manager holder; nil installs the built-in timer-only loop.
	EventLoop EventLoop
}

// Scheduler combines the grouped FIFO job queue, the reservable worker
// pool, and the single event-manager role into the process's cooperative
// scheduler.
type Scheduler struct {
	queue *queue
	ev    *EvMgr
	loop  EventLoop
	pool  *pool

	mu       sync.Mutex
	started  bool
	exiting  bool
	exitCode int
	onExit   func(code int)

	syncMu   sync.Mutex
	syncGen  uint32
	syncJobs map[uint32]*syncJob
}

// New builds a Scheduler; call Start before posting jobs.
func New(opts Options) *Scheduler {
	s := &Scheduler{
		queue:    newQueue(opts.MaxJobs),
		ev:       NewEvMgr(),
		loop:     opts.EventLoop,
		syncJobs: make(map[uint32]*syncJob),
	}
	if s.loop == nil {
		s.loop = newTimerLoop()
	}
	s.pool = newPool(opts.NormalThreads, opts.ReserveThreads, s.getJob, s.runJob)
	s.ev.SetWake(func(int) { s.loop.Wake() })
	return s
}

// Start spins up the first worker, which immediately takes the
// event-manager role since the queue is empty. Further workers start on
// demand as jobs are posted, up to the normal count.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.pool.start()
}

// SetOnExit installs the handler fired (once) after Wait observes every
// worker gone; code is the value recorded by Exit.
func (s *Scheduler) SetOnExit(fn func(code int)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Post enqueues a job. A non-nil group serializes it FIFO behind every
// pending job sharing that group; delay defers its eligibility; timeout
// bounds its execution (0 = unbounded). Returns the job id.
func (s *Scheduler) Post(group Group, delay, timeout time.Duration, cb Callback, arg1, arg2 interface{}) (uint32, error) {
	s.mu.Lock()
	if s.exiting {
		s.mu.Unlock()
		return 0, bid.New(bid.Busy, pkgPath, "scheduler is exiting")
	}
	s.mu.Unlock()
	id, err := s.queue.post(group, delay, timeout, cb, arg1, arg2)
	if err != nil {
		return 0, err
	}
	s.signalWork()
	return id, nil
}

// Abort cancels the pending job id: its callback runs once with SigAbrt so
// it can release whatever the job owned. Active jobs report Busy.
func (s *Scheduler) Abort(id uint32) error {
	j, err := s.queue.abort(id)
	if err != nil {
		return err
	}
	s.cancel(j)
	return nil
}

func (s *Scheduler) cancel(j *job) {
	safeInvokeCleanup(j.cb, SigAbrt, j.arg1, j.arg2)
	s.queue.release(j)
	s.signalWork()
}

// Pending returns the number of queued, not-yet-dispatched jobs.
func (s *Scheduler) Pending() int { return s.queue.len() }

// Exit initiates shutdown, recording code. When force is set, every
// pending job is cancelled (callback invoked with SigAbrt) and workers
// stop as soon as their current job completes; otherwise workers first
// drain the queue. Wait blocks until the pool is gone.
func (s *Scheduler) Exit(code int, force bool) {
	s.mu.Lock()
	if s.exiting {
		s.mu.Unlock()
		return
	}
	s.exiting = true
	s.exitCode = code
	s.mu.Unlock()
	if force {
		for _, j := range s.queue.drain() {
			safeInvokeCleanup(j.cb, SigAbrt, j.arg1, j.arg2)
		}
	}
	// wake everything so workers observe the exit.
	s.loop.Wake()
	for s.pool.wakeupOne() {
	}
}

// Wait blocks until every worker has returned, then fires the exit
// handler with the recorded code and returns it.
func (s *Scheduler) Wait() int {
	s.pool.wait()
	s.mu.Lock()
	code, fn := s.exitCode, s.onExit
	s.onExit = nil
	s.mu.Unlock()
	if fn != nil {
		fn(code)
	}
	return code
}

// signalWork makes sure the new work is noticed: wake an idle worker or
// grow the pool, and always nudge the event-loop holder so its wait
// deadline accounts for whatever was just posted. Before Start nothing is
// woken: posted jobs stay pending until Start spins up the first worker.
func (s *Scheduler) signalWork() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	if !s.pool.wakeupOne() {
		s.pool.start()
	}
	s.loop.Wake()
}

// getJob is the pool's job-getter: hand out a runnable job, or take the
// event-manager role and run one prepare/wait/dispatch cycle, or park.
func (s *Scheduler) getJob(tid int) jobDesc {
	j, delay := s.queue.dequeue()
	if j != nil {
		s.ev.Release(tid)
		return jobDesc{status: statusExec, job: j}
	}
	s.mu.Lock()
	exiting := s.exiting
	s.mu.Unlock()
	if exiting && s.queue.len() == 0 {
		s.ev.Release(tid)
		s.pool.stopAll()
		return jobDesc{status: statusStop}
	}
	if s.ev.TryGet(tid) {
		s.loop.Prepare()
		s.loop.Wait(delay)
		s.loop.Dispatch()
		return jobDesc{status: statusContinue}
	}
	return jobDesc{status: statusIdle}
}

// runJob executes j under the signal/timeout monitor, then releases it,
// unblocking the next job of its group if any.
func (s *Scheduler) runJob(tid int, j *job) {
	if sig, err := safeCall(j.timeout, j.cb, j.arg1, j.arg2); sig != SigNone {
		blog.Debugf("sched: job %d ended with sig=%s: %v", j.id, sig, err)
	}
	s.queue.release(j)
	s.signalWork()
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/binderd/binderd/internal/bid"
)

func startScheduler(t *testing.T, opts Options) *Scheduler {
	s := New(opts)
	s.Start()
	t.Cleanup(func() {
		s.Exit(0, true)
		s.Wait()
	})
	return s
}

func TestGroupSerialization(t *testing.T) {
	s := startScheduler(t, Options{NormalThreads: 4})
	group := NewGroupToken()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	begin := time.Now()
	for i := 1; i <= 3; i++ {
		i := i
		_, err := s.Post(group, 0, 0, func(sig Sig, _, _ interface{}) {
			defer wg.Done()
			if sig != SigNone {
				return
			}
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, nil, nil)
		if err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	wg.Wait()
	elapsed := time.Since(begin)

	if elapsed < 150*time.Millisecond {
		t.Fatalf("grouped jobs overlapped: 3x50ms took %s", elapsed)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i+1 {
			t.Fatalf("execution order %v, want [1 2 3]", order)
		}
	}
}

func TestUngroupedJobsRunConcurrently(t *testing.T) {
	s := startScheduler(t, Options{NormalThreads: 4})

	var wg sync.WaitGroup
	wg.Add(3)
	begin := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := s.Post(nil, 0, 0, func(sig Sig, _, _ interface{}) {
			defer wg.Done()
			if sig == SigNone {
				time.Sleep(50 * time.Millisecond)
			}
		}, nil, nil); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	wg.Wait()
	if elapsed := time.Since(begin); elapsed >= 140*time.Millisecond {
		t.Fatalf("ungrouped jobs serialized: 3x50ms took %s", elapsed)
	}
}

func TestJobTimeoutReentersCallback(t *testing.T) {
	s := startScheduler(t, Options{NormalThreads: 2})

	release := make(chan struct{})
	timedOut := make(chan Sig, 1)
	if _, err := s.Post(nil, 0, 100*time.Millisecond, func(sig Sig, _, _ interface{}) {
		if sig != SigNone {
			timedOut <- sig
			close(release)
			return
		}
		<-release // never closed on the first entry: the monitor must intervene
	}, nil, nil); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case sig := <-timedOut:
		if sig != SigTimeout {
			t.Fatalf("re-entered with sig=%s, want %s", sig, SigTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout re-entry never happened")
	}
	deadline := time.Now().Add(time.Second)
	for s.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue not empty after timeout: %d pending", s.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueCapacityBusy(t *testing.T) {
	s := New(Options{MaxJobs: 8, NormalThreads: 1})
	// not started: jobs stay pending so the bound is observable.
	for i := 0; i < 8; i++ {
		if _, err := s.Post(nil, 0, 0, func(Sig, interface{}, interface{}) {}, nil, nil); err != nil {
			t.Fatalf("Post %d: %v", i, err)
		}
	}
	if _, err := s.Post(nil, 0, 0, func(Sig, interface{}, interface{}) {}, nil, nil); !bid.Is(err, bid.Busy) {
		t.Fatalf("Post beyond capacity = %v, want Busy", err)
	}
}

func TestAbortCancelsPendingJob(t *testing.T) {
	s := New(Options{NormalThreads: 1})
	got := make(chan Sig, 1)
	id, err := s.Post(nil, time.Hour, 0, func(sig Sig, _, _ interface{}) {
		got <- sig
	}, nil, nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := s.Abort(id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if sig := <-got; sig != SigAbrt {
		t.Fatalf("cancelled callback saw sig=%s, want %s", sig, SigAbrt)
	}
	if err := s.Abort(id); !bid.Is(err, bid.NotFound) {
		t.Fatalf("second Abort = %v, want NotFound", err)
	}
}

func TestDelayedJobRuns(t *testing.T) {
	s := startScheduler(t, Options{NormalThreads: 2})
	ran := make(chan time.Time, 1)
	begin := time.Now()
	if _, err := s.Post(nil, 60*time.Millisecond, 0, func(sig Sig, _, _ interface{}) {
		if sig == SigNone {
			ran <- time.Now()
		}
	}, nil, nil); err != nil {
		t.Fatalf("Post: %v", err)
	}
	select {
	case at := <-ran:
		if d := at.Sub(begin); d < 55*time.Millisecond {
			t.Fatalf("delayed job ran after only %s", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestSyncBarrier(t *testing.T) {
	s := startScheduler(t, Options{NormalThreads: 2})

	lockCh := make(chan uint32, 1)
	errs := make(chan error, 1)
	go func() {
		errs <- s.Sync(time.Second, func(sig Sig, lockID uint32, _ interface{}) {
			if sig == SigNone {
				lockCh <- lockID
			}
		}, nil)
	}()

	var lock uint32
	select {
	case lock = <-lockCh:
	case <-time.After(time.Second):
		t.Fatal("enter callback never ran")
	}
	if err := s.Leave(lock); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := s.Leave(lock); !bid.Is(err, bid.NotFound) {
		t.Fatalf("Leave after completion = %v, want NotFound", err)
	}
}

func TestExitDrainsGracefully(t *testing.T) {
	s := New(Options{NormalThreads: 2})
	s.Start()
	var mu sync.Mutex
	ran := 0
	for i := 0; i < 5; i++ {
		if _, err := s.Post(nil, 0, 0, func(sig Sig, _, _ interface{}) {
			if sig == SigNone {
				mu.Lock()
				ran++
				mu.Unlock()
			}
		}, nil, nil); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	s.Exit(7, false)
	code := -1
	s.SetOnExit(func(c int) { code = c })
	if got := s.Wait(); got != 7 {
		t.Fatalf("Wait = %d, want 7", got)
	}
	if code != 7 {
		t.Fatalf("exit handler saw %d, want 7", code)
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Fatalf("%d of 5 jobs ran before graceful exit", ran)
	}
}

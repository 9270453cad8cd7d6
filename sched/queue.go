// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"
	"time"

	"github.com/binderd/binderd/internal/bid"
)

// queue is the single FIFO job list: a slice-backed list for ordering
// plus a map for O(1) id lookup.
type queue struct {
	mu     sync.Mutex
	nextID uint32
	jobs   []*job
	byID   map[uint32]*job
	active map[Group]bool // groups with a running job
	max    int
}

func newQueue(max int) *queue {
	if max <= 0 {
		max = DefaultMaxJobs
	}
	if max > HardMaxJobs {
		max = HardMaxJobs
	}
	return &queue{byID: make(map[uint32]*job), active: make(map[Group]bool), max: max}
}

// post inserts a new job at the tail, assigning a fresh nonzero 31-bit id.
// A job sharing a non-nil group with an existing pending or active job of
// the same group is marked blocked, so dequeue will skip it until its
// predecessor completes.
func (q *queue) post(group Group, delay time.Duration, timeout time.Duration, cb Callback, arg1, arg2 interface{}) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) >= q.max {
		return 0, bid.New(bid.Busy, pkgPath, "job queue at capacity (%d)", q.max)
	}
	id := q.allocID()
	j := &job{id: id, group: group, timeout: timeout, cb: cb, arg1: arg1, arg2: arg2}
	if delay > 0 {
		j.delay = time.Now().Add(delay)
	}
	if group != nil {
		if q.active[group] {
			j.blocked = true
		} else {
			for _, other := range q.jobs {
				if other.group == group {
					j.blocked = true
					break
				}
			}
		}
	}
	q.jobs = append(q.jobs, j)
	q.byID[id] = j
	return id, nil
}

func (q *queue) allocID() uint32 {
	for {
		q.nextID++
		if q.nextID == 0 || q.nextID>>31 != 0 {
			q.nextID = 1
		}
		if _, taken := q.byID[q.nextID]; !taken {
			return q.nextID
		}
	}
}

// dequeue returns the first runnable (non-blocked, non-delayed-or-due) job,
// removing it from the queue and marking it active. If none is runnable
// but delayed jobs remain, it returns (nil, delay-until-nearest); if the
// queue has nothing at all, it returns (nil, -1) meaning "block
// indefinitely".
func (q *queue) dequeue() (*job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	nearest := time.Duration(-1)
	for i, j := range q.jobs {
		if j.blocked || j.active {
			continue
		}
		if !j.delay.IsZero() && j.delay.After(now) {
			d := j.delay.Sub(now)
			if nearest < 0 || d < nearest {
				nearest = d
			}
			continue
		}
		q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
		j.active = true
		if j.group != nil {
			q.active[j.group] = true
		}
		return j, 0
	}
	return nil, nearest
}

// dequeueMultiple fills buf with up to len(buf) runnable jobs and returns
// the count placed plus the same delay semantics as dequeue.
func (q *queue) dequeueMultiple(buf []*job) (int, time.Duration) {
	n := 0
	delay := time.Duration(-1)
	for n < len(buf) {
		j, d := q.dequeue()
		if j == nil {
			delay = d
			break
		}
		buf[n] = j
		n++
	}
	return n, delay
}

// release marks a completed job as no longer active and, if it belongs to
// a non-nil group, unblocks the earliest subsequent job sharing that
// group.
func (q *queue) release(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.byID, j.id)
	if j.group == nil {
		return
	}
	delete(q.active, j.group)
	for _, other := range q.jobs {
		if other.group == j.group && other.blocked {
			other.blocked = false
			return
		}
	}
}

// abort cancels id if it is still pending (not yet dequeued/active),
// returning bid.NotFound if unknown and bid.Busy if already active.
func (q *queue) abort(id uint32) (*job, error) {
	q.mu.Lock()
	j, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return nil, bid.New(bid.NotFound, pkgPath, "job %d not found", id)
	}
	if j.active {
		q.mu.Unlock()
		return nil, bid.New(bid.Busy, pkgPath, "job %d already active", id)
	}
	for i, other := range q.jobs {
		if other.id == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	delete(q.byID, id)
	q.mu.Unlock()
	return j, nil
}

// drain removes and returns every still-pending job, for use at process
// exit; every posted job is exactly-once run, cancelled, or drained.
func (q *queue) drain() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	q.byID = make(map[uint32]*job)
	return out
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

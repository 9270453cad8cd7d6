// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package u16id allocates nonzero 16-bit ids: monotonic generation with
// wraparound, collision skipping, and a cap on live ids. It is the shared
// infrastructure behind RPC call-ids, describe-ids, event-ids and the
// session/token id spaces of the wire protocol.
package u16id

import (
	"sync"

	"github.com/binderd/binderd/internal/bid"
)

const pkgPath = "u16id"

// Gen hands out ids. The zero id is never produced.
type Gen struct {
	mu    sync.Mutex
	next  uint16
	live  map[uint16]struct{}
	limit int
}

// New builds a Gen capped at limit live ids (0 = the full 65535).
func New(limit int) *Gen {
	if limit <= 0 || limit > 0xFFFF {
		limit = 0xFFFF
	}
	return &Gen{live: make(map[uint16]struct{}), limit: limit}
}

// Alloc returns a fresh id, or bid.Busy when the live cap is reached.
func (g *Gen) Alloc() (uint16, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.live) >= g.limit {
		return 0, bid.New(bid.Busy, pkgPath, "all %d ids in use", g.limit)
	}
	for {
		g.next++
		if g.next == 0 {
			continue
		}
		if _, taken := g.live[g.next]; taken {
			continue
		}
		g.live[g.next] = struct{}{}
		return g.next, nil
	}
}

// Free releases id for reuse.
func (g *Gen) Free(id uint16) {
	g.mu.Lock()
	delete(g.live, id)
	g.mu.Unlock()
}

// Has reports whether id is currently live.
func (g *Gen) Has(id uint16) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.live[id]
	return ok
}

// Len returns the number of live ids.
func (g *Gen) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"sync"

	"github.com/binderd/binderd/internal/bid"
)

const maxOpaqueIDs = 1<<15 - 1 // INT16_MAX

// Opacifier is a process-wide u16 -> Data map used to pass data references
// across a trust boundary (e.g. into a wire opaque-id field) without
// exposing the pointer itself.
type Opacifier struct {
	mu   sync.Mutex
	gen  uint16
	byID map[uint16]*Data
}

func NewOpacifier() *Opacifier { return &Opacifier{byID: make(map[uint16]*Data)} }

// Opacify assigns (lazily, on first call) a monotonically generated,
// wraparound-safe, nonzero id to d and returns it; calling Opacify again
// on the same live d returns the same id.
func (o *Opacifier) Opacify(d *Data) (uint16, error) {
	d.mu.Lock()
	if d.opaqueID != 0 {
		id := d.opaqueID
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.byID) >= maxOpaqueIDs {
		return 0, bid.New(bid.TooBig, pkgPath, "opacifier at capacity (%d)", maxOpaqueIDs)
	}
	for i := 0; i < 1<<16; i++ {
		o.gen++
		if o.gen == 0 {
			continue
		}
		if _, taken := o.byID[o.gen]; taken {
			continue
		}
		id := o.gen
		o.byID[id] = d
		d.mu.Lock()
		d.opaqueID = id
		d.mu.Unlock()
		return id, nil
	}
	return 0, bid.New(bid.TooBig, pkgPath, "no free opaque id")
}

// GetOpacified looks up id and returns an addref'd Data and its type, or
// bid.NotFound if id is unassigned.
func (o *Opacifier) GetOpacified(id uint16) (*Data, string, error) {
	o.mu.Lock()
	d, ok := o.byID[id]
	o.mu.Unlock()
	if !ok {
		return nil, "", bid.New(bid.NotFound, pkgPath, "opaque id %d not assigned", id)
	}
	d.AddRef()
	return d, d.Type, nil
}

// drop releases the id->Data binding; called from Data.destroy.
func (o *Opacifier) drop(id uint16) {
	o.mu.Lock()
	delete(o.byID, id)
	o.mu.Unlock()
}

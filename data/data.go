// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package data implements the reference-counted, type-tagged value
// containers carried as request parameters and replies: lazy
// convertibility across registered Types via a "conversion ring" of
// equivalent representations, aliasing, locking, and opaque-ID handles
// that let a value cross a trust boundary (package data's Opacifier).
package data

import (
	"sync"
	"sync/atomic"

	"github.com/binderd/binderd/internal/bid"
)

const pkgPath = "data"

// Flags are the per-Data state bits from the data model.
type Flags uint8

const (
	Volatile Flags = 1 << iota
	Constant
	Valid
	Locked
	Alias
)

// ConvertFunc converts fromData (of type fromType) into a representation
// of toType, or returns an error if no conversion is known.
type ConvertFunc func(fromType string, fromData interface{}, toType string) (interface{}, error)

// UpdateFunc pushes a change in srcData (of type srcType) into dstData (of
// type dstType) in place; only valid on non-Constant mutable targets.
type UpdateFunc func(srcType string, srcData interface{}, dstType string, dstData interface{}) error

// Type is a globally registered named value kind carrying conversion and
// update functions.
type Type struct {
	Name    string
	Convert ConvertFunc
	Update  UpdateFunc
}

// TypeRegistry is the process-wide name -> Type table ("registered
// globally by name" in the data model); held as an explicit object per the
// "no package-level global state" re-architecture rule (see apiset's
// ClassRegistry for the same idiom).
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

func NewTypeRegistry() *TypeRegistry { return &TypeRegistry{types: make(map[string]*Type)} }

func (r *TypeRegistry) Register(t *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.Name] = t
}

func (r *TypeRegistry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Data wraps (type, payload) with reference counting, a dependency list,
// and membership in a circular "conversion ring" of equivalent
// representations of the same logical value across types.
type Data struct {
	reg     *TypeRingContext
	Type    string
	payload interface{}
	dispose func(interface{})

	mu        sync.Mutex
	refcount  int32
	depcount  int32
	flags     Flags
	opaqueID  uint16 // 0 = unassigned
	ringNext  *Data
	ringPrev  *Data
	dependsOn []*Data
	aliasOf   *Data
}

// TypeRingContext bundles the shared services a Data needs at creation
// time: its type registry (for Convert/Update) and its owning Opacifier
// (for opacify/deopacify). Every Data created from the same context can
// interoperate in conversion rings; Data from different contexts cannot.
type TypeRingContext struct {
	Types     *TypeRegistry
	Opacifier *Opacifier
	locker    *lockAny
}

func NewContext(types *TypeRegistry, op *Opacifier) *TypeRingContext {
	return &TypeRingContext{Types: types, Opacifier: op, locker: newLockAny()}
}

// CreateRaw wraps an existing payload, transferring ownership: on success
// the Data now owns disposal; dispose is still invoked if CreateRaw itself
// fails validation (there is none today, kept for contract symmetry).
func (c *TypeRingContext) CreateRaw(typ string, payload interface{}, dispose func(interface{})) *Data {
	d := &Data{reg: c, Type: typ, payload: payload, dispose: dispose, refcount: 1, flags: Valid}
	d.ringNext, d.ringPrev = d, d
	return d
}

// CreateCopy is CreateRaw over a value the caller doesn't need disposed
// (a Go value already owned by the GC); dispose is nil.
func (c *TypeRingContext) CreateCopy(typ string, value interface{}) *Data {
	return c.CreateRaw(typ, value, nil)
}

// CreateAlias makes a Data with no payload of its own: it depends on
// other and joins other's conversion ring, mirroring the data model's
// "Alias data has no payload; its pointer is the aliased target".
func (c *TypeRingContext) CreateAlias(typ string, other *Data) *Data {
	other.addDep()
	d := &Data{reg: c, Type: typ, flags: Valid | Alias, aliasOf: other, refcount: 1}
	d.dependsOn = append(d.dependsOn, other)
	other.mu.Lock()
	splice(other, d)
	other.mu.Unlock()
	return d
}

func splice(head, node *Data) {
	node.ringNext = head.ringNext
	node.ringPrev = head
	head.ringNext.ringPrev = node
	head.ringNext = node
}

// AddRef increments d's reference count.
func (d *Data) AddRef() { atomic.AddInt32(&d.refcount, 1) }

// Unref decrements d's reference count, destroying d (and cascading a
// dependency-decrement to whatever it aliases or depends on) once
// refcount, depcount, and every ring peer's refcount/depcount all reach
// zero.
func (d *Data) Unref() {
	if atomic.AddInt32(&d.refcount, -1) > 0 {
		return
	}
	d.maybeDestroy()
}

func (d *Data) addDep() { atomic.AddInt32(&d.depcount, 1) }

func (d *Data) dropDep() {
	if atomic.AddInt32(&d.depcount, -1) <= 0 {
		d.maybeDestroy()
	}
}

func (d *Data) refcountLive() bool {
	return atomic.LoadInt32(&d.refcount) > 0 || atomic.LoadInt32(&d.depcount) > 0
}

// maybeDestroy destroys the ring once it is fully dead: refcount and
// depcount zero on d and on every ring peer.
func (d *Data) maybeDestroy() {
	if d.refcountLive() {
		return
	}
	// a dead alias leaves the ring at once: it is not a cached
	// representation anyone can rediscover, and its dependency on the
	// target would otherwise keep the whole ring pinned.
	d.mu.Lock()
	if d.flags&Alias != 0 {
		d.mu.Unlock()
		d.isolate()
		d.destroy()
		return
	}
	for n := d.ringNext; n != d; n = n.ringNext {
		if n.refcountLive() {
			d.mu.Unlock()
			return
		}
	}
	// unlink every ring node and destroy it.
	nodes := []*Data{d}
	for n := d.ringNext; n != d; n = n.ringNext {
		nodes = append(nodes, n)
	}
	d.ringNext, d.ringPrev = d, d
	d.mu.Unlock()
	for _, n := range nodes {
		n.destroy()
	}
}

func (d *Data) destroy() {
	if d.reg.Opacifier != nil && d.opaqueID != 0 {
		d.reg.Opacifier.drop(d.opaqueID)
	}
	for _, dep := range d.dependsOn {
		dep.dropDep()
	}
	if d.flags&Alias == 0 && d.dispose != nil {
		d.dispose(d.payload)
	}
}

func (d *Data) Flags() Flags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

// SetVolatile marks d Volatile, which forbids it from ever being cached
// into a conversion ring; this isolates it from any ring it might
// currently be in (splicing it out).
func (d *Data) SetVolatile() {
	d.mu.Lock()
	d.flags |= Volatile
	d.mu.Unlock()
	d.isolate()
}

func (d *Data) isolate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ringNext == d {
		return
	}
	d.ringPrev.ringNext = d.ringNext
	d.ringNext.ringPrev = d.ringPrev
	d.ringNext, d.ringPrev = d, d
}

func (d *Data) Payload() interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flags&Alias != 0 {
		return d.aliasOf.Payload()
	}
	return d.payload
}

// Convert returns a Data of targetType equivalent to d: a ring hit is
// addref'd and returned; otherwise the registered Type's Convert function
// runs and (unless d is Volatile) the result is spliced into d's ring.
func (d *Data) Convert(targetType string) (*Data, error) {
	d.mu.Lock()
	if d.flags&Valid == 0 {
		d.mu.Unlock()
		return nil, bid.New(bid.Invalid, pkgPath, "convert: source data is not valid")
	}
	if targetType == d.Type {
		d.mu.Unlock()
		d.AddRef()
		return d, nil
	}
	for n := d.ringNext; n != d; n = n.ringNext {
		if n.Type == targetType {
			d.mu.Unlock()
			n.AddRef()
			return n, nil
		}
	}
	srcType, srcPayload, volatile := d.Type, d.payload, d.flags&Volatile != 0
	d.mu.Unlock()

	typ, ok := d.reg.Types.Lookup(srcType)
	if !ok || typ.Convert == nil {
		return nil, bid.New(bid.Invalid, pkgPath, "no converter registered for type %q", srcType)
	}
	out, err := typ.Convert(srcType, srcPayload, targetType)
	if err != nil {
		return nil, err
	}
	result := d.reg.CreateCopy(targetType, out)
	if !volatile {
		d.mu.Lock()
		splice(d, result)
		d.mu.Unlock()
	}
	return result, nil
}

// Update pushes a conversion of src into dst in place via the registered
// Type's Update function; only valid when dst is mutable (non-Constant).
func Update(src, dst *Data) error {
	dst.mu.Lock()
	if dst.flags&Constant != 0 {
		dst.mu.Unlock()
		return bid.New(bid.Invalid, pkgPath, "update: destination is constant")
	}
	dst.mu.Unlock()
	typ, ok := src.reg.Types.Lookup(src.Type)
	if !ok || typ.Update == nil {
		return bid.New(bid.Invalid, pkgPath, "no updater registered for type %q", src.Type)
	}
	return typ.Update(src.Type, src.Payload(), dst.Type, dst.Payload())
}

// NotifyChanged implements the invalidation cascade: every ring peer that
// is still referenced is marked !Valid (its disposer cleared, since a
// stale cached conversion must never run stale cleanup logic); every
// unreferenced peer is destroyed outright.
func (d *Data) NotifyChanged() {
	d.mu.Lock()
	peers := []*Data{}
	for n := d.ringNext; n != d; n = n.ringNext {
		peers = append(peers, n)
	}
	d.mu.Unlock()
	for _, n := range peers {
		n.mu.Lock()
		if n.refcountLive() {
			n.flags &^= Valid
			n.dispose = nil
			n.mu.Unlock()
		} else {
			n.mu.Unlock()
			n.isolate()
			n.destroy()
		}
	}
}

// DependsOn records that d depends on other, holding a reference that
// keeps other alive at least as long as d (released on d's destruction).
func (d *Data) DependsOn(other *Data) {
	other.addDep()
	d.mu.Lock()
	d.dependsOn = append(d.dependsOn, other)
	d.mu.Unlock()
}

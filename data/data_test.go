// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"testing"

	"github.com/binderd/binderd/internal/bid"
)

func newTestContext() *TypeRingContext {
	types := NewTypeRegistry()
	types.Register(&Type{
		Name: "int",
		Convert: func(fromType string, fromData interface{}, toType string) (interface{}, error) {
			if toType == "string" {
				return "converted", nil
			}
			return nil, bid.New(bid.Invalid, pkgPath, "no conversion")
		},
	})
	return NewContext(types, NewOpacifier())
}

func TestConvertCachesInRing(t *testing.T) {
	ctx := newTestContext()
	d := ctx.CreateCopy("int", 42)

	out1, err := d.Convert("string")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	out2, err := d.Convert("string")
	if err != nil {
		t.Fatalf("Convert (cached): %v", err)
	}
	if out1 != out2 {
		t.Fatalf("second convert should hit the ring cache and return the same Data")
	}
}

func TestDestroyOnZeroRefAndDep(t *testing.T) {
	ctx := newTestContext()
	disposed := false
	d := ctx.CreateRaw("int", 42, func(interface{}) { disposed = true })
	d.Unref()
	if !disposed {
		t.Fatalf("dispose should have run when refcount hit zero")
	}
}

func TestAliasDropsDependencyOnDestroy(t *testing.T) {
	ctx := newTestContext()
	target := ctx.CreateCopy("int", 1)
	target.AddRef() // keep target alive independent of the alias's dep
	alias := ctx.CreateAlias("int", target)

	alias.Unref() // destroys the alias, dropping its dependency on target
	if !target.refcountLive() {
		t.Fatalf("target should still be alive via its own refs")
	}
	target.Unref()
	target.Unref()
	if target.refcountLive() {
		t.Fatalf("target should be destroyable once its last ref drops")
	}
}

func TestOpacifyIdempotent(t *testing.T) {
	ctx := newTestContext()
	d := ctx.CreateCopy("int", 1)
	id1, err := ctx.Opacifier.Opacify(d)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := ctx.Opacifier.Opacify(d)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("Opacify should be idempotent: got %d and %d", id1, id2)
	}
	if id1 == 0 {
		t.Fatalf("opaque id should never be zero")
	}
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import "testing"

func TestCookieExactlyOnceFree(t *testing.T) {
	set := New(5, TimeoutInfinite)
	sess, err := set.Create(TimeoutInfinite)
	if err != nil {
		t.Fatal(err)
	}

	var freed []string
	free := func(v interface{}) { freed = append(freed, v.(string)) }

	key := new(int)
	sess.CookieSet(key, "v", free, 0)
	sess.CookieSet(key, "v2", free, 0) // replace fires free("v")
	sess.Close()                       // fires free("v2")

	if len(freed) != 2 || freed[0] != "v" || freed[1] != "v2" {
		t.Fatalf("freed = %v, want [v v2]", freed)
	}
}

func TestLOASetZeroNoValueRemovesCookie(t *testing.T) {
	set := New(5, TimeoutInfinite)
	sess, _ := set.Create(TimeoutInfinite)
	key := new(int)

	sess.LOASet(key, 0)
	if sess.CookieExists(key) {
		t.Fatalf("cookie should not exist after LOASet(0) on absent key")
	}

	sess.LOASet(key, 5)
	if got := sess.LOAGet(key); got != 5 {
		t.Fatalf("LOAGet = %d, want 5", got)
	}
	sess.LOASet(key, 0)
	if sess.CookieExists(key) {
		t.Fatalf("cookie with no value and LOA 0 should be removed")
	}
}

func TestSessionSetCapacity(t *testing.T) {
	set := New(5, TimeoutInfinite)
	for i := 0; i < 5; i++ {
		if _, err := set.Create(TimeoutInfinite); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if _, err := set.Create(TimeoutInfinite); err == nil {
		t.Fatalf("6th create should fail with Busy")
	}
}

func TestGetOrCreateSameUUID(t *testing.T) {
	set := New(5, TimeoutInfinite)
	sess, err := set.Create(TimeoutInfinite)
	if err != nil {
		t.Fatal(err)
	}
	got, err := set.Search(sess.UUID())
	if err != nil || got != sess {
		t.Fatalf("Search = %v, %v; want %v, nil", got, err, sess)
	}
}

// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/binderd/binderd/internal/bid"
)

// Credentials are a peer's identity: either recovered from a connected
// socket's SO_PEERCRED, or reconstructed from an "on-behalf" exported
// string of the form "uid:gid:pid-label" (hex fields).
type Credentials struct {
	UID, GID, PID int
	User          string
	Label         string
	ID            string

	refcount int32
}

// NewCredentials builds a Credentials with refcount 1.
func NewCredentials(uid, gid, pid int, user, label string) *Credentials {
	return &Credentials{UID: uid, GID: gid, PID: pid, User: user, Label: label, refcount: 1}
}

func (c *Credentials) AddRef() { atomic.AddInt32(&c.refcount, 1) }
func (c *Credentials) Unref()  { atomic.AddInt32(&c.refcount, -1) }

// Export renders c in the "%x:%x:%x-%s" on-behalf wire form carried by the
// RPC CALL frame's user_creds field.
func (c *Credentials) Export() string {
	return fmt.Sprintf("%x:%x:%x-%s", c.UID, c.GID, c.PID, c.Label)
}

// ParseExported parses the "uid:gid:pid-label" hex-field form produced by
// Export back into a Credentials.
func ParseExported(s string) (*Credentials, error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return nil, bid.New(bid.InvalidRequest, pkgPath, "malformed exported credentials %q", s)
	}
	label := s[dash+1:]
	fields := strings.Split(s[:dash], ":")
	if len(fields) != 3 {
		return nil, bid.New(bid.InvalidRequest, pkgPath, "malformed exported credentials %q", s)
	}
	vals := make([]int, 3)
	for i, f := range fields {
		v, err := strconv.ParseInt(f, 16, 64)
		if err != nil {
			return nil, bid.New(bid.InvalidRequest, pkgPath, "malformed exported credentials field %q: %v", f, err)
		}
		vals[i] = int(v)
	}
	return NewCredentials(vals[0], vals[1], vals[2], "", label), nil
}

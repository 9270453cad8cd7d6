// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"strings"

	"github.com/binderd/binderd/internal/bid"
)

// URI is the parsed form of the socket collaborator's address syntax:
//
//	scheme:host:port/apiname?as-api=name[&import=...][&export=...]
//
// For unix sockets the host part is the socket path (a leading '@' selects
// the abstract namespace) and no port is present.
type URI struct {
	Scheme string
	Host   string
	Port   string
	API    string
	AsAPI  string
	Import []string
	Export []string
}

// ParseURI splits s into its URI parts. Unrecognized schemes parse fine —
// delegating them is the caller's business.
func ParseURI(s string) (*URI, error) {
	u := &URI{}
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" {
		return nil, bid.New(bid.Invalid, pkgPath, "uri %q has no scheme", s)
	}
	u.Scheme = scheme
	if rest, u.API, ok = cutLast(rest, '/'); !ok || u.API == "" {
		return nil, bid.New(bid.Invalid, pkgPath, "uri %q has no apiname", s)
	}
	if q, query, hasQuery := strings.Cut(u.API, "?"); hasQuery {
		u.API = q
		for _, kv := range strings.Split(query, "&") {
			key, val, _ := strings.Cut(kv, "=")
			switch key {
			case "as-api":
				u.AsAPI = val
			case "import":
				u.Import = append(u.Import, val)
			case "export":
				u.Export = append(u.Export, val)
			}
		}
	}
	if scheme == "unix" {
		u.Host = rest
	} else {
		u.Host, u.Port, _ = cutLast(rest, ':')
	}
	if u.AsAPI == "" {
		u.AsAPI = u.API
	}
	return u, nil
}

// cutLast splits s at the last occurrence of sep.
func cutLast(s string, sep byte) (before, after string, found bool) {
	if i := strings.LastIndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// Network and Address give the net.Dial / net.Listen pair for u.
func (u *URI) Network() string {
	if u.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

func (u *URI) Address() string {
	if u.Scheme == "unix" {
		return u.Host
	}
	return u.Host + ":" + u.Port
}

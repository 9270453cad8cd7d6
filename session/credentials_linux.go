// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package session

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/binderd/binderd/internal/bid"
)

// FromPeerConn recovers the Credentials of the process on the other end
// of an AF_UNIX stream connection via SO_PEERCRED.
func FromPeerConn(conn *net.UnixConn) (*Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, bid.New(bid.InternalError, pkgPath, "syscall conn: %v", err)
	}
	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, bid.New(bid.InternalError, pkgPath, "control: %v", err)
	}
	if sockErr != nil {
		return nil, bid.New(bid.InternalError, pkgPath, "SO_PEERCRED: %v", sockErr)
	}
	return NewCredentials(int(ucred.Uid), int(ucred.Gid), int(ucred.Pid), "", ""), nil
}

// FromConn recovers peer credentials when conn is an AF_UNIX stream
// socket; other transports carry none.
func FromConn(conn net.Conn) *Credentials {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}
	creds, err := FromPeerConn(uc)
	if err != nil {
		return nil
	}
	return creds
}

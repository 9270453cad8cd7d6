// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package envvar defines the environment variables recognized by the
// binder runtime.
package envvar

import (
	"os"
	"strconv"
	"strings"
)

const (
	// ListenFDs is the service-manager fd-passing count: the number of
	// pre-opened sockets handed to this process, starting at fd 3.
	ListenFDs = "LISTEN_FDS"

	// ListenPID addresses the fd passing to one process; the variables
	// are ignored unless it names this process.
	ListenPID = "LISTEN_PID"

	// ListenFDNames carries the colon-separated names of the pre-opened
	// sockets, index-aligned with the fds.
	ListenFDNames = "LISTEN_FDNAMES"
)

// listenFDStart is the first file descriptor passed by the service
// manager.
const listenFDStart = 3

// PassedFDs returns the name -> fd map of pre-opened sockets addressed to
// this process, empty when fd passing is absent or meant for another pid.
func PassedFDs() map[string]uintptr {
	out := make(map[string]uintptr)
	if pid, err := strconv.Atoi(os.Getenv(ListenPID)); err != nil || pid != os.Getpid() {
		return out
	}
	n, err := strconv.Atoi(os.Getenv(ListenFDs))
	if err != nil || n <= 0 {
		return out
	}
	names := strings.Split(os.Getenv(ListenFDNames), ":")
	for i := 0; i < n; i++ {
		name := "unknown"
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		out[name] = uintptr(listenFDStart + i)
	}
	return out
}

// PassedFD returns the pre-opened socket registered under name.
func PassedFD(name string) (uintptr, bool) {
	fd, ok := PassedFDs()[name]
	return fd, ok
}

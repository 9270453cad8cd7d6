// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bid defines the stable error-kind taxonomy shared by every
// component of the binder runtime, and a lightweight identified-error type
// that carries one of those kinds across package boundaries without the
// caller ever needing a type assertion.
//
// Call sites build errors with New(Kind, pkgPath, format, args...)
// instead of fmt.Errorf, and callers recover the Kind with KindOf. There
// is no i18n catalogue; translation of runtime errors is outside the
// scope of this runtime.
package bid

import "fmt"

// Kind is one of the stable error kinds from the external error-handling
// contract. Numeric values are an implementation detail; never persisted
// or compared across processes.
type Kind int

const (
	OK Kind = iota
	OutOfMemory
	Busy
	Exists
	NotFound
	Invalid
	TooBig
	Epipe
	Eintr
	Etimedout
	Eoverflow
	Eexist
	Disconnected
	UnknownAPI
	UnknownVerb
	BadAPIState
	NotAvailable
	InvalidToken
	InsufficientScope
	InvalidRequest
	InternalError
	NoItem
)

var kindNames = map[Kind]string{
	OK:                "ok",
	OutOfMemory:       "out-of-memory",
	Busy:              "busy",
	Exists:            "exists",
	NotFound:          "not-found",
	Invalid:           "invalid",
	TooBig:            "too-big",
	Epipe:             "epipe",
	Eintr:             "eintr",
	Etimedout:         "etimedout",
	Eoverflow:         "eoverflow",
	Eexist:            "eexist",
	Disconnected:      "disconnected",
	UnknownAPI:        "unknown-api",
	UnknownVerb:       "unknown-verb",
	BadAPIState:       "bad-api-state",
	NotAvailable:      "not-available",
	InvalidToken:      "invalid-token",
	InsufficientScope: "insufficient-scope",
	InvalidRequest:    "invalid-request",
	InternalError:     "internal-error",
	NoItem:            "no-item",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown-kind"
}

// Err is the concrete error type returned by every fallible operation in
// this runtime. It is never panicked; it is always returned.
type Err struct {
	Kind    Kind
	pkgPath string
	msg     string
}

func (e *Err) Error() string {
	if e.pkgPath == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.pkgPath, e.Kind, e.msg)
}

// New builds an *Err of the given Kind, in the manner of verror.Register +
// verror.New collapsed into one call: pkgPath identifies the component
// raising the error (e.g. "apiset", "sched/job"), format/args describe the
// specific failure.
func New(kind Kind, pkgPath, format string, args ...interface{}) *Err {
	return &Err{Kind: kind, pkgPath: pkgPath, msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind carried by err, or OK if err is nil, or
// InternalError if err is a foreign error type this package didn't build.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Err); ok {
		return e.Kind
	}
	return InternalError
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Parse maps a name produced by Kind.String back to its Kind. Unknown
// names (a newer peer, a foreign error string) come back as InternalError
// so they still satisfy the taxonomy at this boundary.
func Parse(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return InternalError
}

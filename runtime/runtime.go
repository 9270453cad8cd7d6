// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package runtime assembles the binder core into one explicit context
// object: the class registry, the public apiset, the session set, the
// data-object context, the event hub, and the scheduler. Nothing in the
// core is package-global; every collaborator hangs off a Runtime.
package runtime

import (
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/discovery"
	"github.com/binderd/binderd/envvar"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
	"github.com/binderd/binderd/rpc"
	"github.com/binderd/binderd/rpc/wire"
	"github.com/binderd/binderd/sched"
	"github.com/binderd/binderd/session"
)

const pkgPath = "runtime"

// Options tunes a Runtime.
type Options struct {
	// MaxSessions bounds the session set (clamped to [5,1000]).
	MaxSessions int
	// SessionTimeout is the default session timeout in seconds.
	SessionTimeout int
	// APITimeout is the apiset's default verb-call timeout in seconds.
	APITimeout int
	// Threads bounds the scheduler's worker pool.
	Threads int
	// MaxJobs bounds the pending-job queue.
	MaxJobs int
	// Secure seals every exported and imported link.
	Secure bool
	// Discovery, when non-nil, advertises exports and resolves lookup
	// misses to remote peers.
	Discovery *discovery.Discovery
}

// Runtime owns the core registries of one binder process.
type Runtime struct {
	Classes   *apiset.ClassRegistry
	APIs      *apiset.APISet
	Sessions  *session.Set
	Types     *data.TypeRegistry
	Opacifier *data.Opacifier
	Data      *data.TypeRingContext
	Hub       *event.Hub
	Sched     *sched.Scheduler

	opts      Options
	g         errgroup.Group
	listeners []net.Listener
}

// New wires a Runtime; Serve starts it.
func New(opts Options) *Runtime {
	classes := apiset.NewClassRegistry()
	types := data.NewTypeRegistry()
	op := data.NewOpacifier()
	r := &Runtime{
		Classes:   classes,
		APIs:      apiset.Create(classes, "public", opts.APITimeout),
		Sessions:  session.New(opts.MaxSessions, opts.SessionTimeout),
		Types:     types,
		Opacifier: op,
		Data:      data.NewContext(types, op),
		Hub:       event.NewHub(),
		Sched:     sched.New(sched.Options{MaxJobs: opts.MaxJobs, NormalThreads: opts.Threads}),
		opts:      opts,
	}
	if opts.Discovery != nil {
		resolver := &discovery.Resolver{
			Discovery: opts.Discovery,
			Data:      r.Data,
			Hub:       r.Hub,
			Secure:    opts.Secure,
		}
		r.APIs.SetOnLack(resolver.OnLack)
	}
	return r
}

// Serve starts the scheduler and every registered service.
func (r *Runtime) Serve() error {
	r.Sched.Start()
	return r.APIs.StartAllServices()
}

// Shutdown closes the listeners and drains the scheduler; force skips the
// drain.
func (r *Runtime) Shutdown(code int, force bool) int {
	for _, l := range r.listeners {
		l.Close()
	}
	r.Sched.Exit(code, force)
	code = r.Sched.Wait()
	r.APIs.Unref()
	if r.opts.Discovery != nil {
		r.opts.Discovery.Stop()
	}
	return code
}

// Export listens on uri and serves the API it names to every accepted
// peer, advertising the export when discovery is up. A pre-opened socket
// passed by the service manager under the API's name is used instead of a
// fresh listen.
func (r *Runtime) Export(uri string) error {
	u, err := rpc.ParseURI(uri)
	if err != nil {
		return err
	}
	ln, err := r.listen(u)
	if err != nil {
		return err
	}
	r.listeners = append(r.listeners, ln)
	if r.opts.Discovery != nil {
		if err := r.opts.Discovery.Advertise(u.AsAPI, uri); err != nil {
			blog.Warnf("runtime: cannot advertise %q: %v", u.AsAPI, err)
		}
	}
	r.g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return nil // listener closed
			}
			r.g.Go(func() error {
				r.serveConn(u, conn)
				return nil
			})
		}
	})
	blog.Infof("runtime: exporting %q on %s", u.AsAPI, uri)
	return nil
}

func (r *Runtime) listen(u *rpc.URI) (net.Listener, error) {
	if fd, ok := envvar.PassedFD(u.AsAPI); ok {
		f := os.NewFile(fd, u.AsAPI)
		defer f.Close()
		ln, err := net.FileListener(f)
		if err != nil {
			return nil, bid.New(bid.Invalid, pkgPath, "passed fd for %q: %v", u.AsAPI, err)
		}
		return ln, nil
	}
	ln, err := net.Listen(u.Network(), u.Address())
	if err != nil {
		return nil, bid.New(bid.NotAvailable, pkgPath, "listen %s: %v", u.Address(), err)
	}
	return ln, nil
}

func (r *Runtime) serveConn(u *rpc.URI, conn net.Conn) {
	var fr wire.Framer = wire.NewStreamFramer(conn, 0)
	if r.opts.Secure {
		sfr, err := wire.NewSecureFramer(fr)
		if err != nil {
			blog.Errorf("runtime: secure handshake on %q: %v", u.AsAPI, err)
			fr.Close()
			return
		}
		fr = sfr
	}
	creds := session.FromConn(conn)
	if _, err := rpc.NewServer(rpc.ServerConfig{
		Name:     u.AsAPI,
		Framer:   fr,
		APIs:     r.APIs,
		Sessions: r.Sessions,
		Data:     r.Data,
		Hub:      r.Hub,
		Sched:    r.Sched,
		Creds:    creds,
	}); err != nil {
		blog.Errorf("runtime: serving %q: %v", u.AsAPI, err)
		fr.Close()
	}
}

// Import dials uri and registers a client stub for the API it names.
func (r *Runtime) Import(uri string) error {
	u, err := rpc.ParseURI(uri)
	if err != nil {
		return err
	}
	dial := func() (wire.Framer, error) {
		conn, err := net.DialTimeout(u.Network(), u.Address(), 5*time.Second)
		if err != nil {
			return nil, bid.New(bid.Disconnected, pkgPath, "dial %s: %v", u.Address(), err)
		}
		var fr wire.Framer = wire.NewStreamFramer(conn, 0)
		if r.opts.Secure {
			sfr, err := wire.NewSecureFramer(fr)
			if err != nil {
				fr.Close()
				return nil, err
			}
			fr = sfr
		}
		return fr, nil
	}
	fr, err := dial()
	if err != nil {
		return err
	}
	client, err := rpc.NewClient(rpc.ClientConfig{
		Name:   u.AsAPI,
		Framer: fr,
		Data:   r.Data,
		Hub:    r.Hub,
	})
	if err != nil {
		fr.Close()
		return err
	}
	client.SetRobust(dial, func() {
		blog.Warnf("runtime: giving up on import %q (%s)", u.AsAPI, uri)
	})
	if _, err := r.APIs.Add(u.AsAPI, client, nil); err != nil {
		client.Unref()
		return err
	}
	blog.Infof("runtime: imported %q from %s", u.AsAPI, uri)
	return nil
}

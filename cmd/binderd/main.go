// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// binderd hosts a binder runtime: it exports local APIs over unix or tcp
// sockets, imports remote ones, and optionally advertises everything over
// mDNS. Configuration is deliberately a handful of flags; anything richer
// is an outer collaborator's business.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/binderd/binderd/discovery"
	"github.com/binderd/binderd/internal/blog"
	"github.com/binderd/binderd/runtime"
)

var (
	exports        = flag.String("export", "", "comma-separated export URIs (scheme:host:port/apiname?as-api=name)")
	imports        = flag.String("import", "", "comma-separated import URIs")
	maxSessions    = flag.Int("max-sessions", 200, "maximum live client sessions")
	sessionTimeout = flag.Int("session-timeout", 3600, "default session timeout in seconds")
	apiTimeout     = flag.Int("api-timeout", 60, "default verb-call timeout in seconds")
	threads        = flag.Int("threads", 4, "worker threads")
	maxJobs        = flag.Int("max-jobs", 0, "pending-job bound (0 = default)")
	secure         = flag.Bool("secure", false, "seal peer links with authenticated encryption")
	mdnsName       = flag.String("mdns", "", "mDNS identity; empty disables discovery")
	verbose        = flag.Bool("v", false, "verbose logging")
)

func main() {
	flag.Parse()
	if *verbose {
		blog.SetLevel(logrus.DebugLevel)
	}

	opts := runtime.Options{
		MaxSessions:    *maxSessions,
		SessionTimeout: *sessionTimeout,
		APITimeout:     *apiTimeout,
		Threads:        *threads,
		MaxJobs:        *maxJobs,
		Secure:         *secure,
	}
	if *mdnsName != "" {
		d, err := discovery.New(*mdnsName, false, 0)
		if err != nil {
			blog.Errorf("binderd: %v", err)
			os.Exit(1)
		}
		opts.Discovery = d
	}
	rt := runtime.New(opts)

	for _, uri := range split(*imports) {
		if err := rt.Import(uri); err != nil {
			blog.Errorf("binderd: import %s: %v", uri, err)
			os.Exit(1)
		}
	}
	for _, uri := range split(*exports) {
		if err := rt.Export(uri); err != nil {
			blog.Errorf("binderd: export %s: %v", uri, err)
			os.Exit(1)
		}
	}
	if err := rt.Serve(); err != nil {
		blog.Errorf("binderd: %v", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigs
		blog.Infof("binderd: %s, draining", sig)
		go rt.Shutdown(0, false)
		// a second signal is the rescue path: stop without draining.
		sig = <-sigs
		blog.Errorf("binderd: %s during drain, stopping now", sig)
		os.Exit(1)
	}()

	os.Exit(rt.Sched.Wait())
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

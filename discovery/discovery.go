// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package discovery advertises exported APIs over mDNS and browses for
// the ones a process is missing, so an apiset's on-lack hook can
// synthesize a client stub on demand.
//
// One MDNS instance serves the whole process: a per-service member watch
// channel learns peers, TXT records carry the payload.
package discovery

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/presotto/go-mdns-sd"

	"github.com/binderd/binderd/apiset"
	"github.com/binderd/binderd/data"
	"github.com/binderd/binderd/event"
	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
	"github.com/binderd/binderd/rpc"
	"github.com/binderd/binderd/rpc/wire"
)

const pkgPath = "discovery"

// serviceSuffix distinguishes binder API advertisements from other mDNS
// traffic; the advertised service for API "weather" is "weather-binder".
const serviceSuffix = "-binder"

// Discovery owns one mDNS instance, advertising local APIs and learning
// remote ones.
type Discovery struct {
	mu      sync.Mutex
	mdns    *mdns.MDNS
	watched map[string]bool
	found   map[string]string // apiname -> uri
	gen     int
	change  *sync.Cond
	done    chan struct{}
}

// New starts an mDNS instance under identity. A non-zero port pins the
// multicast sockets to 224.0.0.251:port / [FF02::FB]:port; zero picks
// ephemeral ports. loopback confines traffic to the local host.
func New(identity string, loopback bool, port uint16) (*Discovery, error) {
	var ipv4hp, ipv6hp string
	if port != 0 {
		ipv4hp = "224.0.0.251:" + strconv.Itoa(int(port))
		ipv6hp = "[FF02::FB]:" + strconv.Itoa(int(port))
	}
	m, err := mdns.NewMDNS(identity, ipv4hp, ipv6hp, loopback, 0)
	if err != nil {
		return nil, bid.New(bid.NotAvailable, pkgPath, "mdns startup: %v", err)
	}
	d := &Discovery{
		mdns:    m,
		watched: make(map[string]bool),
		found:   make(map[string]string),
		done:    make(chan struct{}),
	}
	d.change = sync.NewCond(&d.mu)
	return d, nil
}

// Stop shuts the mDNS instance down.
func (d *Discovery) Stop() {
	d.mu.Lock()
	m := d.mdns
	d.mdns = nil
	d.mu.Unlock()
	if m != nil {
		m.Stop()
		close(d.done)
	}
}

// Advertise publishes apiname as reachable at uri.
func (d *Discovery) Advertise(apiname, uri string) error {
	d.mu.Lock()
	m := d.mdns
	d.mu.Unlock()
	if m == nil {
		return bid.New(bid.NotAvailable, pkgPath, "discovery stopped")
	}
	m.AddService(apiname+serviceSuffix, "", 0, "uri:"+uri)
	return nil
}

// watch subscribes to the service for apiname and records learned URIs.
func (d *Discovery) watch(apiname string) {
	d.mu.Lock()
	if d.watched[apiname] || d.mdns == nil {
		d.mu.Unlock()
		return
	}
	d.watched[apiname] = true
	m := d.mdns
	d.mu.Unlock()

	service := apiname + serviceSuffix
	c, stop := m.ServiceMemberWatch(service)
	m.SubscribeToService(service)
	go func() {
		defer stop()
		for {
			select {
			case si := <-c:
				uri := ""
				for _, rr := range si.TxtRRs {
					for _, txt := range rr.Txt {
						if v, ok := strings.CutPrefix(txt, "uri:"); ok {
							uri = v
						}
					}
				}
				if uri == "" {
					continue
				}
				d.mu.Lock()
				d.found[apiname] = uri
				d.gen++
				d.change.Broadcast()
				d.mu.Unlock()
			case <-d.done:
				return
			}
		}
	}()
}

// Browse returns the URI advertised for apiname, waiting up to timeout
// for an advertisement to arrive.
func (d *Discovery) Browse(apiname string, timeout time.Duration) (string, error) {
	d.watch(apiname)
	deadline := time.Now().Add(timeout)
	// bound the cond wait so a silent network doesn't hold the caller.
	wakeup := time.AfterFunc(timeout, func() {
		d.mu.Lock()
		d.change.Broadcast()
		d.mu.Unlock()
	})
	defer wakeup.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if uri, ok := d.found[apiname]; ok {
			return uri, nil
		}
		if time.Now().After(deadline) {
			return "", bid.New(bid.NotFound, pkgPath, "no advertisement for %q within %s", apiname, timeout)
		}
		gen := d.gen
		for gen == d.gen && !time.Now().After(deadline) {
			d.change.Wait()
		}
	}
}

// Resolver turns discovery hits into registered client stubs; its OnLack
// method is a ready-made apiset on-lack callback.
type Resolver struct {
	Discovery *Discovery
	Data      *data.TypeRingContext
	Hub       *event.Hub
	// Timeout bounds the browse; zero means one second.
	Timeout time.Duration
	// Secure wraps dialed links in the sealed framer.
	Secure bool
}

// OnLack browses for name and, when a peer advertises it, dials the peer,
// builds a client stub and registers it in set under name.
func (r *Resolver) OnLack(set *apiset.APISet, name string) (*apiset.Descriptor, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	uri, err := r.Discovery.Browse(name, timeout)
	if err != nil {
		return nil, err
	}
	u, err := rpc.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	fr, err := dial(u, r.Secure)
	if err != nil {
		return nil, err
	}
	client, err := rpc.NewClient(rpc.ClientConfig{
		Name:   name,
		Framer: fr,
		Data:   r.Data,
		Hub:    r.Hub,
	})
	if err != nil {
		fr.Close()
		return nil, err
	}
	reopen := func() (wire.Framer, error) { return dial(u, r.Secure) }
	client.SetRobust(reopen, func() {
		blog.Warnf("discovery: giving up on link to %q (%s)", name, uri)
	})
	d, err := set.Add(name, client, nil)
	if err != nil {
		client.Unref()
		return nil, err
	}
	blog.Infof("discovery: resolved %q to %s", name, uri)
	return d, nil
}

func dial(u *rpc.URI, secure bool) (wire.Framer, error) {
	if u.Scheme == "ws" || u.Scheme == "wss" {
		fr, err := wire.DialWebSocket(u.Scheme + "://" + u.Address() + "/" + u.API)
		if err != nil {
			return nil, err
		}
		return maybeSecure(fr, secure)
	}
	conn, err := net.DialTimeout(u.Network(), u.Address(), 5*time.Second)
	if err != nil {
		return nil, bid.New(bid.Disconnected, pkgPath, "dial %s: %v", u.Address(), err)
	}
	return maybeSecure(wire.NewStreamFramer(conn, 0), secure)
}

func maybeSecure(fr wire.Framer, secure bool) (wire.Framer, error) {
	if !secure {
		return fr, nil
	}
	sfr, err := wire.NewSecureFramer(fr)
	if err != nil {
		fr.Close()
		return nil, err
	}
	return sfr, nil
}

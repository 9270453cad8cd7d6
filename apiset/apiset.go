// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package apiset implements the namespaced, reference-counted directory of
// APIs: descriptors with aliases, class-based provide/require
// dependencies, staged initialization, and a recursive fallback chain of
// subsets.
//
// Names are flat, so descriptors live in a name-sorted array resolved by
// case-insensitive binary search rather than a path tree.
package apiset

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/binderd/binderd/internal/bid"
	"github.com/binderd/binderd/internal/blog"
)

const pkgPath = "apiset"

// Status is the monotonic initialization state of a Descriptor.
type Status int32

const (
	NotStarted Status = iota
	Starting
	Started
	Failed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is the minimal shape apiset needs from a caller's request object
// to dispatch a call; the full contract lives in package request. Kept as
// an interface here so apiset has no import-cycle dependency on request.
type Request interface {
	Verb() string
}

// Implementation is the vtable an API registers behind its Descriptor. It
// mirrors the {process, service_start, set_logmask, get_logmask, describe,
// unref} operation set from the data model.
type Implementation interface {
	// Process handles a single request for this API. Implementations
	// dispatch on req.Verb() themselves; apiset never interprets verbs.
	Process(req Request) error
	// ServiceStart runs the API's one-time startup. Returning an error
	// fails Started status for this descriptor permanently (barring a
	// future Reset, which this runtime does not provide).
	ServiceStart() error
	SetLogMask(mask uint32)
	GetLogMask() uint32
	// Describe returns a JSON-encodable description of the API surface,
	// used to answer wire DESCRIBE requests.
	Describe() interface{}
	Unref()
}

// Group is an opaque serialization token a Descriptor may carry; see the
// scheduler package for how a non-nil Group forces FIFO, non-overlapping
// execution of jobs sharing it.
type Group struct{ name string }

func NewGroup(name string) *Group { return &Group{name: name} }

// Descriptor is immutable after registration except for its Status, which
// only ever advances NotStarted -> Starting -> {Started, Failed}.
type Descriptor struct {
	Name  string
	Impl  Implementation
	Group *Group

	mu             sync.Mutex
	status         Status
	failErr        error
	requireClasses []string
	requireAPIs    []string
}

func newDescriptor(name string, impl Implementation, group *Group) *Descriptor {
	return &Descriptor{Name: name, Impl: impl, Group: group}
}

func (d *Descriptor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// FailErr returns the error that caused Failed status, if any.
func (d *Descriptor) FailErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failErr
}

func (d *Descriptor) requiresClass(class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.requireClasses {
		if c == class {
			return
		}
	}
	d.requireClasses = append(d.requireClasses, class)
}

func (d *Descriptor) requiresAPI(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.requireAPIs {
		if n == name {
			return
		}
	}
	d.requireAPIs = append(d.requireAPIs, name)
}

type alias struct {
	name   string
	target string
}

// ClassRegistry is the process-global bipartite relation between classes
// and the APIs that provide them. The design notes call classes
// "process-global"; rather than a package-level var (forbidden by the
// "explicit runtime context" re-architecture), a ClassRegistry is an
// explicit object shared by every APIset created from the same Runtime —
// see Runtime below.
type ClassRegistry struct {
	mu        sync.Mutex
	providers map[string][]*boundDescriptor
}

type boundDescriptor struct {
	set  *APISet
	desc *Descriptor
}

func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{providers: make(map[string][]*boundDescriptor)}
}

func (c *ClassRegistry) provide(class string, set *APISet, d *Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bd := range c.providers[class] {
		if bd.desc == d {
			return
		}
	}
	c.providers[class] = append(c.providers[class], &boundDescriptor{set: set, desc: d})
}

func (c *ClassRegistry) removeProvider(d *Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for class, bds := range c.providers {
		out := bds[:0]
		for _, bd := range bds {
			if bd.desc != d {
				out = append(out, bd)
			}
		}
		c.providers[class] = out
	}
}

func (c *ClassRegistry) providersOf(class string) []*boundDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*boundDescriptor, len(c.providers[class]))
	copy(out, c.providers[class])
	return out
}

// OnLack is invoked when a lookup misses; it may synthesize a Descriptor on
// demand (e.g. by dialing a discovered peer, see package discovery) and is
// retried at most once per level of the subset chain.
type OnLack func(set *APISet, name string) (*Descriptor, error)

// APISet is a named, reference-counted container of descriptors and
// aliases, with an optional subset forming a lookup chain.
type APISet struct {
	name     string
	classes  *ClassRegistry
	timeout  int // default verb-call timeout, seconds
	onLack   OnLack
	refcount int32

	mu      sync.RWMutex
	descs   []*Descriptor // sorted by lower(Name)
	aliases []*alias      // sorted by lower(name)
	subset  *APISet
}

// Create makes a new, empty APISet with refcount 1, sharing classes with
// every other set created from the same ClassRegistry.
func Create(classes *ClassRegistry, name string, timeoutSeconds int) *APISet {
	return &APISet{name: name, classes: classes, timeout: timeoutSeconds, refcount: 1}
}

func (s *APISet) Name() string { return s.name }

func (s *APISet) SetOnLack(cb OnLack) { s.onLack = cb }

func (s *APISet) AddRef() { atomic.AddInt32(&s.refcount, 1) }

// Unref decrements the reference count; at zero it releases every
// descriptor (via Impl.Unref), then drops its aliases.
func (s *APISet) Unref() {
	if atomic.AddInt32(&s.refcount, -1) != 0 {
		return
	}
	s.mu.Lock()
	descs := s.descs
	s.descs = nil
	s.aliases = nil
	s.mu.Unlock()
	for _, d := range descs {
		s.classes.removeProvider(d)
		d.Impl.Unref()
	}
}

func lowerIdx(names []string, name string) int {
	lname := strings.ToLower(name)
	return sort.Search(len(names), func(i int) bool { return names[i] >= lname })
}

func descNames(descs []*Descriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = strings.ToLower(d.Name)
	}
	return out
}

func aliasNames(aliases []*alias) []string {
	out := make([]string, len(aliases))
	for i, a := range aliases {
		out[i] = strings.ToLower(a.name)
	}
	return out
}

// nameExistsLocked reports whether lname (already lower-cased) is a
// descriptor or alias name in s, without locking (caller holds s.mu).
func (s *APISet) nameExistsLocked(lname string) bool {
	names := descNames(s.descs)
	if i := lowerIdx(names, lname); i < len(names) && names[i] == lname {
		return true
	}
	for _, a := range s.aliases {
		if strings.ToLower(a.name) == lname {
			return true
		}
	}
	return false
}

// Add registers a new descriptor under name. Returns bid.Exists if the name
// (case-insensitively) is already taken by a descriptor or alias in s.
func (s *APISet) Add(name string, impl Implementation, group *Group) (*Descriptor, error) {
	if !ValidName(name) {
		return nil, bid.New(bid.Invalid, pkgPath, "invalid api name %q", name)
	}
	lname := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameExistsLocked(lname) {
		return nil, bid.New(bid.Exists, pkgPath, "name %q already registered in %q", name, s.name)
	}
	d := newDescriptor(name, impl, group)
	names := descNames(s.descs)
	i := lowerIdx(names, lname)
	s.descs = append(s.descs, nil)
	copy(s.descs[i+1:], s.descs[i:])
	s.descs[i] = d
	return d, nil
}

// AddAlias registers alias as an additional, case-insensitive name for the
// descriptor currently registered under target in s (not searched
// recursively through the subset chain: an alias binds to a name visible in
// this set only).
func (s *APISet) AddAlias(target, aliasName string) error {
	if !ValidName(aliasName) {
		return bid.New(bid.Invalid, pkgPath, "invalid alias name %q", aliasName)
	}
	ltarget := strings.ToLower(target)
	lalias := strings.ToLower(aliasName)
	s.mu.Lock()
	defer s.mu.Unlock()
	names := descNames(s.descs)
	i := lowerIdx(names, ltarget)
	if i >= len(names) || names[i] != ltarget {
		return bid.New(bid.NotFound, pkgPath, "target %q not found in %q", target, s.name)
	}
	if s.nameExistsLocked(lalias) {
		return bid.New(bid.Exists, pkgPath, "alias %q already registered in %q", aliasName, s.name)
	}
	a := &alias{name: aliasName, target: s.descs[i].Name}
	anames := aliasNames(s.aliases)
	j := lowerIdx(anames, lalias)
	s.aliases = append(s.aliases, nil)
	copy(s.aliases[j+1:], s.aliases[j:])
	s.aliases[j] = a
	return nil
}

// Del removes name from s: if it names a descriptor, every alias pointing
// to it is removed first, then the descriptor is dropped from every class's
// provider list and its Impl.Unref is invoked; if it names only an alias,
// just the alias is removed.
func (s *APISet) Del(name string) error {
	lname := strings.ToLower(name)
	s.mu.Lock()
	names := descNames(s.descs)
	if i := lowerIdx(names, lname); i < len(names) && names[i] == lname {
		d := s.descs[i]
		s.descs = append(s.descs[:i], s.descs[i+1:]...)
		// drop every alias pointing at d
		kept := s.aliases[:0]
		for _, a := range s.aliases {
			if strings.ToLower(a.target) != lname {
				kept = append(kept, a)
			}
		}
		s.aliases = kept
		s.mu.Unlock()
		s.classes.removeProvider(d)
		d.Impl.Unref()
		return nil
	}
	anames := aliasNames(s.aliases)
	if j := lowerIdx(anames, lname); j < len(anames) && anames[j] == lname {
		s.aliases = append(s.aliases[:j], s.aliases[j+1:]...)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return bid.New(bid.NotFound, pkgPath, "name %q not found in %q", name, s.name)
}

// resolveLocal looks up name (case-insensitive, descriptor first then
// alias) within s only, not descending into the subset.
func (s *APISet) resolveLocal(lname string) *Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := descNames(s.descs)
	if i := lowerIdx(names, lname); i < len(names) && names[i] == lname {
		return s.descs[i]
	}
	anames := aliasNames(s.aliases)
	if j := lowerIdx(anames, lname); j < len(anames) && anames[j] == lname {
		target := strings.ToLower(s.aliases[j].target)
		tnames := descNames(s.descs)
		if k := lowerIdx(tnames, target); k < len(tnames) && tnames[k] == target {
			return s.descs[k]
		}
	}
	return nil
}

// GetAPI resolves name within s, consulting on-lack then descending into
// the subset chain when recursive is set. When mustStart, the resolved
// descriptor's Start procedure is run before it is returned.
func (s *APISet) GetAPI(name string, recursive, mustStart bool) (*Descriptor, error) {
	lname := strings.ToLower(name)
	d := s.resolveLocal(lname)
	if d == nil && s.onLack != nil {
		synth, err := s.onLack(s, name)
		if err == nil && synth != nil {
			d = synth
		}
		// retried once implicitly: resolveLocal again in case onLack
		// registered the descriptor into s rather than returning it.
		if d == nil {
			d = s.resolveLocal(lname)
		}
	}
	if d == nil {
		if recursive {
			s.mu.RLock()
			sub := s.subset
			s.mu.RUnlock()
			if sub != nil {
				return sub.GetAPI(name, recursive, mustStart)
			}
		}
		return nil, bid.New(bid.NotFound, pkgPath, "api %q not found", name)
	}
	if !mustStart {
		return d, nil
	}
	if err := s.startAPI(d); err != nil {
		return nil, err
	}
	if st := d.Status(); st == Failed {
		return nil, bid.New(bid.BadAPIState, pkgPath, "api %q failed to start: %v", name, d.FailErr())
	}
	return d, nil
}

// Require appends required (another API name) to the descriptor currently
// registered as name, deduplicated.
func (s *APISet) Require(name, required string) error {
	d := s.resolveLocal(strings.ToLower(name))
	if d == nil {
		return bid.New(bid.NotFound, pkgPath, "api %q not found in %q", name, s.name)
	}
	d.requiresAPI(required)
	return nil
}

// RequireClass records that the descriptor named name requires class to be
// started before it can start.
func (s *APISet) RequireClass(name, class string) error {
	d := s.resolveLocal(strings.ToLower(name))
	if d == nil {
		return bid.New(bid.NotFound, pkgPath, "api %q not found in %q", name, s.name)
	}
	d.requiresClass(class)
	return nil
}

// ProvideClass records that the descriptor named name provides class.
func (s *APISet) ProvideClass(name, class string) error {
	d := s.resolveLocal(strings.ToLower(name))
	if d == nil {
		return bid.New(bid.NotFound, pkgPath, "api %q not found in %q", name, s.name)
	}
	s.classes.provide(class, s, d)
	return nil
}

// SetSubset links s to sub for recursive lookups, failing with bid.NotFound
// if doing so would create a cycle in the subset chain.
func (s *APISet) SetSubset(sub *APISet) error {
	for cur := sub; cur != nil; {
		if cur == s {
			return bid.New(bid.NotFound, pkgPath, "subset assignment would create a cycle")
		}
		cur.mu.RLock()
		next := cur.subset
		cur.mu.RUnlock()
		cur = next
	}
	s.mu.Lock()
	s.subset = sub
	s.mu.Unlock()
	return nil
}

// startAPI implements the start procedure from the data model: classes and
// API dependencies are started first (re-entrantly, tolerating cycles by
// treating an already-Starting provider as satisfied), then the
// descriptor's own ServiceStart runs.
func (s *APISet) startAPI(d *Descriptor) error {
	d.mu.Lock()
	if d.status != NotStarted {
		status := d.status
		d.mu.Unlock()
		if status == Failed {
			return d.FailErr()
		}
		return nil
	}
	d.status = Starting
	classes := append([]string(nil), d.requireClasses...)
	apis := append([]string(nil), d.requireAPIs...)
	d.mu.Unlock()

	ok := true
	var failErr error
	if err := s.startClasses(classes); err != nil {
		ok, failErr = false, err
	}
	if ok {
		if err := s.startAPIs(apis); err != nil {
			ok, failErr = false, err
		}
	}
	if ok {
		if err := d.Impl.ServiceStart(); err != nil {
			ok, failErr = false, err
		}
	}

	d.mu.Lock()
	if ok {
		d.status = Started
	} else {
		d.status = Failed
		d.failErr = failErr
	}
	d.mu.Unlock()
	if !ok {
		blog.Errorf("apiset: %q failed to start: %v", d.Name, failErr)
		return failErr
	}
	return nil
}

func (s *APISet) startClasses(classes []string) error {
	for _, class := range classes {
		providers := s.classes.providersOf(class)
		if len(providers) == 0 {
			return bid.New(bid.NotFound, pkgPath, "no provider for required class %q", class)
		}
		started := false
		var lastErr error
		for _, bd := range providers {
			if bd.desc.Status() == Starting {
				// cycle break: treat as satisfied for now, the
				// cycle's initiator will observe the final status.
				started = true
				continue
			}
			if err := bd.set.startAPI(bd.desc); err != nil {
				lastErr = err
				continue
			}
			if bd.desc.Status() == Started {
				started = true
			}
		}
		if !started {
			if lastErr != nil {
				return lastErr
			}
			return bid.New(bid.NotFound, pkgPath, "no started provider for required class %q", class)
		}
	}
	return nil
}

func (s *APISet) startAPIs(names []string) error {
	for _, name := range names {
		d, err := s.GetAPI(name, true, false)
		if err != nil {
			return bid.New(bid.NotFound, pkgPath, "required api %q not found: %v", name, err)
		}
		if d.Status() == Starting {
			continue // cycle break
		}
		if err := s.startAPI(d); err != nil {
			return err
		}
		if d.Status() != Started {
			return bid.New(bid.BadAPIState, pkgPath, "required api %q did not start", name)
		}
	}
	return nil
}

// StartClass starts every API currently providing class.
func (s *APISet) StartClass(class string) error {
	providers := s.classes.providersOf(class)
	if len(providers) == 0 {
		return bid.New(bid.NotFound, pkgPath, "class %q has no provider", class)
	}
	for _, bd := range providers {
		if bd.desc.Status() == Starting {
			continue
		}
		if err := bd.set.startAPI(bd.desc); err != nil {
			return err
		}
	}
	return nil
}

// StartAllServices iterates the whole set chain (s then its subsets, in
// order) starting every NotStarted API.
func (s *APISet) StartAllServices() error {
	for cur := s; cur != nil; {
		cur.mu.RLock()
		descs := append([]*Descriptor(nil), cur.descs...)
		next := cur.subset
		cur.mu.RUnlock()
		for _, d := range descs {
			if d.Status() == NotStarted {
				if err := cur.startAPI(d); err != nil {
					return err
				}
			}
		}
		cur = next
	}
	return nil
}

// NameKind selects which namespace GetNames/Enum should visit.
type NameKind int

const (
	KindDescriptors NameKind = 1 << iota
	KindAliases
	KindAll = KindDescriptors | KindAliases
)

// GetNames returns every visible name in s (and, if recursive, its subset
// chain), sorted case-insensitively and de-duplicated so a name shadowed by
// a higher set is listed only once.
func (s *APISet) GetNames(recursive bool, kind NameKind) []string {
	seen := make(map[string]bool)
	var out []string
	s.enumNames(recursive, kind, func(name string, _ bool) {
		l := strings.ToLower(name)
		if !seen[l] {
			seen[l] = true
			out = append(out, name)
		}
	})
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

// EnumFunc is invoked once per visible name during Enum.
type EnumFunc func(set *APISet, name string, isAlias bool)

// Enum visits every name visible from s (and, if recursive, its subset
// chain), skipping a name already produced by a higher set in the chain.
func (s *APISet) Enum(recursive bool, kind NameKind, fn EnumFunc) {
	seen := make(map[string]bool)
	s.enumNames(recursive, kind, func(name string, isAlias bool) {
		l := strings.ToLower(name)
		if seen[l] {
			return
		}
		seen[l] = true
		fn(s, name, isAlias)
	})
}

func (s *APISet) enumNames(recursive bool, kind NameKind, emit func(name string, isAlias bool)) {
	for cur := s; cur != nil; {
		cur.mu.RLock()
		descs := append([]*Descriptor(nil), cur.descs...)
		aliases := append([]*alias(nil), cur.aliases...)
		next := cur.subset
		cur.mu.RUnlock()
		if kind&KindDescriptors != 0 {
			for _, d := range descs {
				emit(d.Name, false)
			}
		}
		if kind&KindAliases != 0 {
			for _, a := range aliases {
				emit(a.name, true)
			}
		}
		if !recursive {
			return
		}
		cur = next
	}
}

// ValidName reports whether name is an acceptable API/alias/class name:
// non-empty, ASCII letters/digits/'_'/'-'/'.' only, and not starting with a
// digit.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}


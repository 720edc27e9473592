/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resolve implements the IP Resolver Adapter (spec §4.6): a
// streaming note_lookup/note_ip/note_ips receiver contract in front of a
// good/bad address cache, so a selector's resolution loop never has to
// reason about DNS directly.
package resolve

import (
	"context"
	"net"
	"sync"
	"time"
)

// Receiver is implemented by whatever is driving a lookup — ordinarily a
// selector.
type Receiver interface {
	// NoteLookup fires once, before any NoteIP, naming what is being
	// resolved.
	NoteLookup(details LookupDetails)
	// NoteIP fires once per discovered address, always before NoteIPsEnd
	// for the same lookup.
	NoteIP(ip net.IP)
	// NoteIPsEnd fires exactly once per lookup, after every NoteIP. cached
	// is the resulting address set (nil on failure); err is non-nil only
	// on outright lookup failure.
	NoteIPsEnd(cached *Addresses, err error)
}

// LookupDetails names what is being resolved.
type LookupDetails struct {
	Host string
}

// Adapter issues DNS lookups and funnels results to a Receiver, maintaining
// a small per-host cache of addresses tagged good/bad so a selector that
// marks an address bad can immediately move on to the next without
// re-resolving.
type Adapter struct {
	resolver *net.Resolver
	timeout  time.Duration

	mu    sync.Mutex
	cache map[string]*Addresses
}

// New builds an Adapter. timeout bounds each underlying DNS lookup; zero
// means no per-lookup timeout beyond the caller's context.
func New(timeout time.Duration) *Adapter {
	return &Adapter{resolver: net.DefaultResolver, timeout: timeout}
}

// Lookup resolves host and drives recv's callbacks in order:
// NoteLookup, zero or more NoteIP, then exactly one NoteIPsEnd.
func (a *Adapter) Lookup(ctx context.Context, host string, recv Receiver) {
	recv.NoteLookup(LookupDetails{Host: host})

	if addrs := a.cachedGood(host); addrs != nil {
		for _, ip := range addrs.Good() {
			recv.NoteIP(ip)
		}
		recv.NoteIPsEnd(addrs, nil)
		return
	}

	lookupCtx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		lookupCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	ips, err := a.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		recv.NoteIPsEnd(nil, err)
		return
	}
	addrs := newAddresses(ips)
	a.mu.Lock()
	if a.cache == nil {
		a.cache = make(map[string]*Addresses)
	}
	a.cache[host] = addrs
	a.mu.Unlock()

	for _, ip := range addrs.All() {
		recv.NoteIP(ip)
	}
	recv.NoteIPsEnd(addrs, nil)
}

func (a *Adapter) cachedGood(host string) *Addresses {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs, ok := a.cache[host]
	if !ok {
		return nil
	}
	if len(addrs.Good()) == 0 {
		return nil
	}
	return addrs
}

// MarkBad flags ip as bad for host, per spec §4.6's cursor contract.
func (a *Adapter) MarkBad(host string, ip net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addrs, ok := a.cache[host]; ok {
		addrs.MarkBad(ip)
	}
}

// ForgetMarking is MarkBad's inverse.
func (a *Adapter) ForgetMarking(host string, ip net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if addrs, ok := a.cache[host]; ok {
		addrs.ForgetMarking(ip)
	}
}

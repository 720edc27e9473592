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

package resolve

import (
	"net"
	"sync"
)

type addrEntry struct {
	ip  net.IP
	bad bool
}

// Addresses is the per-host cache of resolved addresses, each tagged good
// or bad, with a cursor into the "next address to try" position (spec
// §4.6's IP cache contract).
type Addresses struct {
	mu      sync.Mutex
	entries []addrEntry
	cursor  int
}

func newAddresses(ips []net.IPAddr) *Addresses {
	entries := make([]addrEntry, len(ips))
	for i, a := range ips {
		entries[i] = addrEntry{ip: a.IP}
	}
	return &Addresses{entries: entries}
}

// All returns every cached address, good or bad, in resolution order.
func (a *Addresses) All() []net.IP {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]net.IP, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.ip
	}
	return out
}

// Good returns only the addresses not currently marked bad, in order.
func (a *Addresses) Good() []net.IP {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]net.IP, 0, len(a.entries))
	for _, e := range a.entries {
		if !e.bad {
			out = append(out, e.ip)
		}
	}
	return out
}

// Cursor returns the index of the next address the resolution loop should
// try. It always refers to a good address if one exists at or after it;
// callers should treat Cursor() == len(entries) as "nothing left to try".
func (a *Addresses) Cursor() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor
}

// MarkBad flags ip as bad. If ip sits exactly at the current cursor
// position, the cursor advances past consecutive bad entries — but never
// past the last good entry remaining in the list: the advance loop only
// ever steps onto an entry it has just found to be bad, so it can reach
// "end of list" only when truly nothing good remains, never skip over a
// good entry that hasn't been examined yet.
func (a *Addresses) MarkBad(ip net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(ip)
	if idx < 0 {
		return
	}
	a.entries[idx].bad = true
	if idx != a.cursor {
		return
	}
	for a.cursor < len(a.entries) && a.entries[a.cursor].bad {
		a.cursor++
	}
}

// ForgetMarking clears ip's bad tag and, if that uncovers an earlier
// position than the current cursor, rewinds the cursor to it so the
// resolution loop can retry it.
func (a *Addresses) ForgetMarking(ip net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.indexOf(ip)
	if idx < 0 {
		return
	}
	a.entries[idx].bad = false
	if idx < a.cursor {
		a.cursor = idx
	}
}

func (a *Addresses) indexOf(ip net.IP) int {
	for i, e := range a.entries {
		if e.ip.Equal(ip) {
			return i
		}
	}
	return -1
}

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

// Package netdb is the in-memory net-distance database: a store of
// (origin, peer) RTT/hops measurements used to bias direct-vs-parent
// selection. The actual RTT measurement (ICMP or otherwise) is an external
// collaborator's job; this package only keeps the numbers it is told.
package netdb

import "sync"

// Sample is a single origin's best known distance.
type Sample struct {
	RTTMs float64
	Hops  float64
}

// DB is the net-distance lookup the selector consults and updates.
type DB interface {
	// HostRTT returns the best (lowest) known RTT in milliseconds to host,
	// or ok=false if nothing is known yet.
	HostRTT(host string) (rttMs float64, ok bool)
	// HostHops returns the hop count recorded with that best RTT, or
	// ok=false.
	HostHops(host string) (hops float64, ok bool)
	// UpdatePeer offers a fresh RTT/hops measurement for host as observed
	// via peer (an ICP/HTCP miss-RTT hint, typically); it replaces the
	// stored sample only when its RTT is lower.
	UpdatePeer(host, peer string, rttMs, hops float64)
}

// memDB is the default process-wide implementation: a plain mutex-guarded
// map, in the same spirit as the teacher's measurements map in
// ptp/sptp/client/measurements.go.
type memDB struct {
	mu      sync.Mutex
	samples map[string]Sample
}

// New returns an empty in-memory net-distance database.
func New() DB {
	return &memDB{samples: map[string]Sample{}}
}

func (d *memDB) HostRTT(host string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.samples[host]
	return s.RTTMs, ok
}

func (d *memDB) HostHops(host string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.samples[host]
	return s.Hops, ok
}

func (d *memDB) UpdatePeer(host, _ string, rttMs, hops float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.samples[host]
	if !ok || rttMs < cur.RTTMs {
		d.samples[host] = Sample{RTTMs: rttMs, Hops: hops}
	}
}

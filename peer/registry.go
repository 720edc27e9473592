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

package peer

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
)

// failureThreshold and cooldown mirror the original's default
// "forget dead peers for a while" behaviour; both are overridable so tests
// don't have to sleep through a real cooldown window.
const (
	defaultFailureThreshold = 3
	defaultCooldown         = 30 * time.Second
)

// Registry is the Peer Registry (spec §4.2): a slab of peers plus the
// selector-class predicates the policy chain consults. Safe for concurrent
// use; reload-by-replacement (a fresh Registry swapped in by the config
// loader) is how membership changes are meant to happen, not in-place
// mutation of a live one.
type Registry struct {
	mu    sync.RWMutex
	peers map[ID]*Peer
	byKey map[string]ID // "host:udpport" -> ID, for PeerByAddr

	nextID atomic.Uint32

	carpRing       *ring
	userhashRing   *ring
	sourcehashRing *ring

	failureThreshold int
	cooldown         time.Duration
}

// NewRegistry builds a Registry from the given peer configs. A config error
// on any entry aborts the whole load (spec §6: config is all-or-nothing).
func NewRegistry(configs []Config) (*Registry, error) {
	r := &Registry{
		peers:            make(map[ID]*Peer),
		byKey:            make(map[string]ID),
		carpRing:         newRing(128),
		userhashRing:     newRing(128),
		sourcehashRing:   newRing(128),
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
	}
	for _, c := range configs {
		id := ID(r.nextID.Add(1))
		p, err := c.toPeer(id)
		if err != nil {
			return nil, err
		}
		key := fmt.Sprintf("%s:%d", p.Host, p.UDPPort)
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("duplicate peer address %s", key)
		}
		r.peers[id] = p
		r.byKey[key] = id
	}
	r.rebuildRings()
	return r, nil
}

func (r *Registry) rebuildRings() {
	carp := make(map[ID]*Peer)
	userhash := make(map[ID]*Peer)
	sourcehash := make(map[ID]*Peer)
	for id, p := range r.peers {
		if p.Flags.CARP {
			carp[id] = p
		}
		if p.Flags.Userhash {
			userhash[id] = p
		}
		if p.Flags.Sourcehash {
			sourcehash[id] = p
		}
	}
	r.carpRing.Rebuild(carp)
	r.userhashRing.Rebuild(userhash)
	r.sourcehashRing.Rebuild(sourcehash)
}

// Get returns the peer for id, or ok=false if it no longer exists — the
// weak-handle tolerance spec §9 requires of anything holding an ID across
// an async boundary.
func (r *Registry) Get(id ID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// PeerByAddr resolves a reply's source address back to a peer ID, used by
// the messenger's dispatch path.
func (r *Registry) PeerByAddr(addr *net.UDPAddr) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[fmt.Sprintf("%s:%d", addr.IP.String(), addr.Port)]
	return id, ok
}

// NeighborsCount returns the total number of configured peers, parents and
// siblings combined.
func (r *Registry) NeighborsCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// NeighborType reports whether id is a parent or sibling.
func (r *Registry) NeighborType(id ID) (Kind, bool) {
	p, ok := r.Get(id)
	if !ok {
		return 0, false
	}
	return p.Kind, true
}

// EligibleForPing reports whether a peer should receive a query this round:
// configured for querying, domain-scoped to host, alive, and not cooling
// down from a prior round of silence (spec §4.2/§4.3).
func (r *Registry) EligibleForPing(id ID, host string, now time.Time) bool {
	p, ok := r.Get(id)
	if !ok || p.Flags.NoQuery {
		return false
	}
	if !domainMatches(p.Domains, host) {
		return false
	}
	if !p.SatisfiesVersion(p.AdvertisedVersion()) {
		return false
	}
	if !p.Health.IsAlive() {
		return false
	}
	return !p.Health.InCooldown(now)
}

// AllIDs returns every configured peer ID in registration order (IDs are
// allocated in ascending order as NewRegistry walks its configs).
func (r *Registry) AllIDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Selector-class predicates. Each answers "which peer, if any, does this
// selection rule pick right now", consulted by the selector's policy chain
// (spec §4.7 step 6) once querying concludes without a HIT.

// FirstUpParent returns the first alive, non-cooling-down parent whose
// domain scoping admits host, walking ids in the order given (registration
// order when ids comes from AllIDs). This is the FIRSTUP_PARENT rule;
// DefaultParent is the separate DEFAULT_PARENT rule.
func (r *Registry) FirstUpParent(host string, now time.Time, ids []ID) (ID, bool) {
	for _, id := range ids {
		p, ok := r.Get(id)
		if !ok || p.Kind != Parent {
			continue
		}
		if !domainMatches(p.Domains, host) {
			continue
		}
		if p.Health.IsAlive() && !p.Health.InCooldown(now) {
			return id, true
		}
	}
	return 0, false
}

// DefaultParent returns the operator-designated default parent, in
// registration order among those flagged Default, regardless of health —
// it is the parent of last resort.
func (r *Registry) DefaultParent(ids []ID) (ID, bool) {
	for _, id := range ids {
		p, ok := r.Get(id)
		if !ok {
			continue
		}
		if p.Kind == Parent && p.Flags.Default {
			return id, true
		}
	}
	return 0, false
}

// RoundRobinParent picks the next alive, RoundRobin-flagged parent among
// ids, cycling via the caller-supplied counter so repeated calls that share
// a counter fan out evenly.
func (r *Registry) RoundRobinParent(ids []ID, counter *atomic.Uint64) (ID, bool) {
	candidates := r.filterAliveParents(ids)
	if len(candidates) == 0 {
		return 0, false
	}
	n := counter.Add(1) - 1
	return candidates[int(n%uint64(len(candidates)))], true
}

// WeightedRRParent picks the next parent using each peer's own monotonic
// counter weighted by Weight, per spec §3's supplemented weighted-RR rule:
// a peer with weight 3 is picked three times for every one time a weight-1
// peer is picked, in a smooth (not bursty) interleaving.
func (r *Registry) WeightedRRParent(ids []ID) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Peer
	var bestScore float64
	for _, id := range ids {
		p, ok := r.peers[id]
		if !ok || p.Kind != Parent || !p.Flags.WeightedRR {
			continue
		}
		if !p.Health.IsAlive() {
			continue
		}
		score := float64(p.rrCounter) / float64(p.Weight)
		if best == nil || score < bestScore {
			best = p
			bestScore = score
		}
	}
	if best == nil {
		return 0, false
	}
	best.rrCounter++
	return best.ID, true
}

// CARPParent picks a parent for key via the CARP consistent-hash ring.
func (r *Registry) CARPParent(key string) (ID, bool) { return r.carpRing.Pick(key) }

// UserhashParent picks a parent for a proxy-authenticated username.
func (r *Registry) UserhashParent(username string) (ID, bool) { return r.userhashRing.Pick(username) }

// SourcehashParent picks a parent for a client source address.
func (r *Registry) SourcehashParent(clientIP net.IP) (ID, bool) {
	if clientIP == nil {
		return 0, false
	}
	return r.sourcehashRing.Pick(clientIP.String())
}

func (r *Registry) filterAliveParents(ids []ID) []ID {
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		p, ok := r.Get(id)
		if ok && p.Kind == Parent && p.Health.IsAlive() && p.Flags.RoundRobin {
			out = append(out, id)
		}
	}
	return out
}

// OnPingRoundComplete applies spec §4.2's health bookkeeping once a ping
// round has closed (either all expected replies arrived, or the wheel fired
// the round's timeout).
func (r *Registry) OnPingRoundComplete(id ID, expectedReplies, receivedReplies int, now time.Time) {
	p, ok := r.Get(id)
	if !ok {
		return
	}
	p.Health.onRoundComplete(expectedReplies, receivedReplies, r.failureThreshold, r.cooldown, now)
}

// RecordMissRTT folds an observed miss RTT into a peer's running average.
// The average is reported by Dump; the selector's net-distance heuristic
// reads the netdb store, not this value.
func (r *Registry) RecordMissRTT(id ID, rttMs float64) {
	if p, ok := r.Get(id); ok {
		p.Health.recordMissRTT(rttMs)
	}
}

// RecordSendFatal implements icp.PeerHealthSink: a non-transient send
// failure increments the peer's consecutive-failure counter and records the
// failure time. It does not itself start a cooldown; only
// OnPingRoundComplete does that once the threshold is reached.
func (r *Registry) RecordSendFatal(addr *net.UDPAddr) {
	id, ok := r.PeerByAddr(addr)
	if !ok {
		return
	}
	if p, ok := r.Get(id); ok {
		p.Health.recordSendFatal(time.Now())
	}
}

// Dump renders a human-readable table of every configured peer and its
// current health, the way an operator debug endpoint would print it.
func (r *Registry) Dump() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := &stringWriter{}
	table := tablewriter.NewWriter(out)
	table.Header("ID", "Host", "Kind", "Proto", "Alive", "Fails", "MeanMissRTT(ms)")
	for id, p := range r.peers {
		table.Append([]string{
			fmt.Sprintf("%d", id),
			fmt.Sprintf("%s:%d", p.Host, p.UDPPort),
			p.Kind.String(),
			protocolString(p.Protocol),
			fmt.Sprintf("%v", p.Health.IsAlive()),
			fmt.Sprintf("%d", p.Health.ConsecutiveFailures),
			fmt.Sprintf("%.2f", p.Health.MeanMissRTT()),
		})
	}
	table.Render()
	return out.String()
}

func protocolString(p Protocol) string {
	if p == HTCP {
		return "htcp"
	}
	return "icp"
}

// stringWriter is the minimal io.Writer tablewriter needs to render into a
// string without pulling in bytes.Buffer just for this.
type stringWriter struct{ s string }

func (w *stringWriter) Write(b []byte) (int, error) {
	w.s += string(b)
	return len(b), nil
}

func (w *stringWriter) String() string { return w.s }

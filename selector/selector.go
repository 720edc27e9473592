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

// Package selector implements the Peer Selector (spec §4.7): the central
// state machine that turns a request into an ordered list of destinations,
// probing neighbors over ICP/HTCP, consulting the ACL Gate and net-distance
// heuristic, and resolving the result through the IP Resolver Adapter.
//
// Each Selector is single-owner and guards its own state with a mutex
// rather than relying on a single host-wide event loop thread: outbound
// calls into collaborators (ACL Gate, Messenger, Resolver) always happen
// with the lock released, so a synchronous callback from one of them can
// safely re-enter the selector.
package selector

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cachemesh/peercore/acl"
	"github.com/cachemesh/peercore/forward"
	"github.com/cachemesh/peercore/icp"
	"github.com/cachemesh/peercore/netdb"
	"github.com/cachemesh/peercore/peer"
	"github.com/cachemesh/peercore/pingwheel"
	"github.com/cachemesh/peercore/reqctx"
	"github.com/cachemesh/peercore/resolve"
)

// State is one node of the selector's state machine (spec §4.7 states).
type State int

const (
	Fresh State = iota
	ResolvePolicy
	PingNone
	PingWaiting
	PingDone
	Selecting
	Resolving
	Emitting
	Done
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "FRESH"
	case ResolvePolicy:
		return "RESOLVE_POLICY"
	case PingNone:
		return "PING_NONE"
	case PingWaiting:
		return "PING_WAITING"
	case PingDone:
		return "PING_DONE"
	case Selecting:
		return "SELECT_DIRECT/PARENT"
	case Resolving:
		return "RESOLVING"
	case Emitting:
		return "EMITTING"
	default:
		return "DONE"
	}
}

// Direct is the parallel policy-verdict axis (spec §4.7).
type Direct int

const (
	DirectUnknown Direct = iota
	DirectNo
	DirectMaybe
	DirectYes
)

// CacheEntry coordinates ping state with an external cache layer, per spec
// §4.7's "Inputs" section.
type CacheEntry struct {
	PingStatus PingStatus
}

// PingStatus mirrors the cache_entry ping coordination field.
type PingStatus int

const (
	PingStatusNone PingStatus = iota
	PingStatusWaiting
	PingStatusDone
)

// pingRound is the per-selector probe bookkeeping (spec §4.7 "Ping
// state").
type pingRound struct {
	start             time.Time
	timeout           time.Duration
	sent              int
	received          int
	expected           int
	timedOut          bool
	firstParentMiss   peer.ID
	hasFirstMiss      bool
	closestParentMiss peer.ID
	hasClosestMiss    bool
	closestMissRTT    float64
	hitPeer           peer.ID
	hasHit            bool
	hitIsSibling      bool
	reqnum            uint32
	registered        bool
}

// ID is a weak handle to a live selector, issued by the owning Hub.
type ID uint64

// Hub is the process-wide surface a Selector needs from its owner
// (corectx): reqnum allocation/indexing, the shared ICP socket, and the
// Ping Wheel. Singletons all, per spec §5/§9.
type Hub interface {
	NextReqNum() uint32
	IndexReqNum(reqnum uint32, id ID)
	UnindexReqNum(reqnum uint32)
	SendICPQuery(dst *net.UDPAddr, b []byte) error
	MonitorDeadline(id ID, deadline time.Time)
	ForgetDeadline(id ID)
	// Release drops id from the hub's selector slab once it is fully torn
	// down; a stale Notify/OnReply lookup after this just misses.
	Release(id ID)
}

// Selector runs one request's destination-selection algorithm to
// completion, emitting destinations through Forwarder.
type Selector struct {
	id  ID
	gen uint64 // generation tag; bumped on destroy, the weak-handle cancellation signal

	hub      Hub
	registry *peer.Registry
	gate     *acl.Gate
	resolver *resolve.Adapter
	netdb    netdb.DB
	cfg      Config

	request    *reqctx.Request
	logHandle  any
	cacheEntry *CacheEntry
	forwarder  forward.Forwarder

	state  State
	direct Direct
	ping   pingRound

	fwdList      []forward.FwdServer
	foundPaths   int
	emitted      int
	lastErr      error
	destroyed    bool

	lock sync.Mutex
}

// New constructs a Selector. id must be unique among currently-live
// selectors sharing hub (corectx allocates it from its own slab).
func New(id ID, hub Hub, registry *peer.Registry, gate *acl.Gate, resolver *resolve.Adapter, db netdb.DB, cfg Config) *Selector {
	return &Selector{
		id:       id,
		hub:      hub,
		registry: registry,
		gate:     gate,
		resolver: resolver,
		netdb:    db,
		cfg:      cfg,
		state:    Fresh,
		direct:   DirectUnknown,
	}
}

// ID returns the selector's weak handle.
func (s *Selector) ID() ID { return s.id }

// Start begins the algorithm for request, per spec §4.7 "Inputs".
func (s *Selector) Start(request *reqctx.Request, logHandle any, cacheEntry *CacheEntry, forwarder forward.Forwarder) {
	s.mu().Lock()
	s.request = request
	s.logHandle = logHandle
	s.cacheEntry = cacheEntry
	s.forwarder = forwarder
	s.state = ResolvePolicy
	s.mu().Unlock()

	s.classifyDirect()
}

// destroy marks the selector dead; any in-flight wheel registration is
// unregistered and the generation bumped so stale callbacks are ignored
// (spec §4.7 step 9 / §5 cancellation).
func (s *Selector) destroy() {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	s.destroyed = true
	s.gen++
	wasRegistered := s.ping.registered
	s.ping.registered = false
	reqnum := s.ping.reqnum
	s.mu().Unlock()

	if wasRegistered {
		s.hub.ForgetDeadline(s.id)
	}
	if reqnum != 0 {
		s.hub.UnindexReqNum(reqnum)
	}
	s.hub.Release(s.id)
}

// mu exists only to make "the lock" greppable at call sites; selectors are
// owned by exactly one goroutine tree at a time in practice (corectx
// dispatches serially per reqnum/handle), but a real sync.Mutex is kept
// rather than assuming that to stay safe under concurrent reply/timeout
// delivery.
func (s *Selector) mu() *sync.Mutex { return &s.lock }

// step 1: direct classification
func (s *Selector) classifyDirect() {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	if s.direct != DirectUnknown {
		s.mu().Unlock()
		s.afterDirect()
		return
	}
	req := s.request
	s.mu().Unlock()

	s.gate.Check(acl.AlwaysDirect, req, func(v acl.Verdict) {
		s.onAlwaysDirect(v)
	})
}

func (s *Selector) onAlwaysDirect(v acl.Verdict) {
	if v == acl.Allowed {
		s.setDirect(DirectYes)
		s.afterDirect()
		return
	}
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	req := s.request
	s.mu().Unlock()
	s.gate.Check(acl.NeverDirect, req, func(v acl.Verdict) {
		s.onNeverDirect(v)
	})
}

func (s *Selector) onNeverDirect(v acl.Verdict) {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	req := s.request
	s.mu().Unlock()

	if v == acl.Denied {
		s.setDirect(DirectNo)
		s.afterDirect()
		return
	}

	// Request-flag overrides, then net-distance heuristic (spec §4.7 step 1).
	switch {
	case req.Flags.NoDirect:
		s.setDirect(DirectNo)
	case req.Flags.LoopDetected:
		s.setDirect(DirectYes)
	case s.netDistancePrefersDirect(req):
		s.setDirect(DirectYes)
	default:
		s.setDirect(DirectMaybe)
	}
	s.afterDirect()
}

func (s *Selector) setDirect(d Direct) {
	s.mu().Lock()
	s.direct = d
	s.mu().Unlock()
}

// netDistancePrefersDirect implements the net-distance heuristic described
// under spec §4.7: RTT/hops below configured minimums favor going direct.
func (s *Selector) netDistancePrefersDirect(req *reqctx.Request) bool {
	rtt, rttOK := s.netdb.HostRTT(req.Host)
	hops, hopsOK := s.netdb.HostHops(req.Host)
	if rttOK && s.cfg.MinimumDirectRTT > 0 && rtt <= s.cfg.MinimumDirectRTT {
		return true
	}
	if hopsOK && s.cfg.MinimumDirectHops > 0 && hops <= float64(s.cfg.MinimumDirectHops) {
		return true
	}
	return false
}

// compareNetDistanceToParentMiss implements the second half of the
// net-distance heuristic: direct wins outright if it's closer than the
// best parent-miss RTT captured during probing.
func (s *Selector) compareNetDistanceToParentMiss(req *reqctx.Request, parentRTT float64) bool {
	rtt, ok := s.netdb.HostRTT(req.Host)
	return ok && rtt < parentRTT
}

// step 2/3: pinned + neighbor probe
func (s *Selector) afterDirect() {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	req := s.request

	if req.PinnedConn != nil {
		s.appendFwd(forward.FwdServer{Code: forward.CodePinned})
		s.cacheEntry.PingStatus = PingStatusDone
		s.state = PingDone
		s.mu().Unlock()
		s.onProbeComplete()
		return
	}

	if s.direct == DirectYes {
		s.state = PingDone
		s.mu().Unlock()
		s.onProbeComplete()
		return
	}

	if s.registry == nil || s.registry.NeighborsCount() == 0 {
		s.state = PingDone
		s.mu().Unlock()
		s.onProbeComplete()
		return
	}
	s.mu().Unlock()
	s.beginPingRound(req)
}

func (s *Selector) beginPingRound(req *reqctx.Request) {
	ids := s.registry.AllIDs()
	now := time.Now()
	eligible := make([]peer.ID, 0, len(ids))
	for _, id := range ids {
		if s.registry.EligibleForPing(id, req.Host, now) {
			eligible = append(eligible, id)
		}
	}
	if len(eligible) == 0 {
		s.mu().Lock()
		s.state = PingDone
		s.mu().Unlock()
		s.onProbeComplete()
		return
	}

	timeout := s.cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	reqnum := s.hub.NextReqNum()

	s.mu().Lock()
	s.ping = pingRound{start: now, timeout: timeout, expected: len(eligible), reqnum: reqnum}
	s.state = PingWaiting
	s.mu().Unlock()

	s.hub.IndexReqNum(reqnum, s.id)
	s.hub.MonitorDeadline(s.id, now.Add(timeout))
	s.mu().Lock()
	s.ping.registered = true
	s.mu().Unlock()

	var g errgroup.Group
	for _, pid := range eligible {
		pid := pid
		g.Go(func() error {
			p, ok := s.registry.Get(pid)
			if !ok {
				return nil
			}
			b := icp.BuildQuery(reqnum, icp.FlagSrcRTT, req.ClientIP, req.RawURL)
			if err := s.hub.SendICPQuery(p.UDPAddr(), b); err != nil {
				log.Warnf("selector: send to peer %d failed fatally: %v", pid, err)
				return nil
			}
			s.mu().Lock()
			s.ping.sent++
			s.mu().Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// OnReply handles an inbound ICP/HTCP reply matched to this selector by
// reqnum, per spec §4.7 step 4. Replies arriving after PING_DONE are
// discarded; they do not update peer health.
func (s *Selector) OnReply(reply icp.Reply, from *net.UDPAddr, pid peer.ID, kind peer.Kind) {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	alreadyDone := s.state != PingWaiting
	s.mu().Unlock()

	if alreadyDone {
		return
	}

	s.mu().Lock()
	s.ping.received++
	if kind == peer.Parent {
		switch reply.Opcode {
		case icp.OpHit:
			if !s.ping.hasHit {
				s.ping.hasHit = true
				s.ping.hitPeer = pid
				s.ping.hitIsSibling = false
			}
		case icp.OpMiss, icp.OpDEcho:
			if reply.RTTMs != nil {
				s.netdb.UpdatePeer(s.request.Host, from.String(), *reply.RTTMs, valueOrZero(reply.Hops))
			}
			p, ok := s.registry.Get(pid)
			if ok && p.Health.InCooldown(time.Now()) {
				break // a cooling-down peer is never a miss witness
			}
			if !s.ping.hasFirstMiss {
				s.ping.hasFirstMiss = true
				s.ping.firstParentMiss = pid
			}
			if ok && !p.Flags.ClosestOnly && reply.RTTMs != nil {
				if !s.ping.hasClosestMiss || *reply.RTTMs < s.ping.closestMissRTT {
					s.ping.hasClosestMiss = true
					s.ping.closestParentMiss = pid
					s.ping.closestMissRTT = *reply.RTTMs
				}
			}
		}
	} else if reply.Opcode == icp.OpHit {
		if !s.ping.hasHit {
			s.ping.hasHit = true
			s.ping.hitPeer = pid
			s.ping.hitIsSibling = true
		}
	}
	done := s.ping.received >= s.ping.expected || s.ping.hasHit
	s.mu().Unlock()

	if done {
		s.completeProbe(false)
	}
}

func valueOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// OnPingTimeout is invoked by the Hub/Ping Wheel when this selector's
// window elapses. Per spec §4.3's edge case, a timeout arriving when the
// selector is no longer PING_WAITING is ignored (it is a stale wake, or the
// selector has since been destroyed).
func (s *Selector) OnPingTimeout() {
	s.mu().Lock()
	if s.destroyed || s.state != PingWaiting {
		s.mu().Unlock()
		return
	}
	s.ping.timedOut = true
	s.ping.registered = false // the wheel already popped this entry
	s.mu().Unlock()
	s.completeProbe(true)
}

func (s *Selector) completeProbe(fromTimeout bool) {
	s.mu().Lock()
	if s.destroyed || s.state != PingWaiting {
		s.mu().Unlock()
		return
	}
	s.state = PingDone
	expected, received := s.ping.expected, s.ping.received
	reqnum := s.ping.reqnum
	needsForget := s.ping.registered && !fromTimeout
	s.ping.registered = false
	s.mu().Unlock()

	if needsForget {
		s.hub.ForgetDeadline(s.id)
	}
	s.hub.UnindexReqNum(reqnum)

	for _, pid := range s.probedPeerIDs() {
		s.registry.OnPingRoundComplete(pid, expected, received, time.Now())
	}

	s.onProbeComplete()
}

// probedPeerIDs is a best-effort reconstruction of who was queried this
// round, used only for health bookkeeping; exact membership doesn't affect
// correctness of destination selection.
func (s *Selector) probedPeerIDs() []peer.ID {
	if s.registry == nil || s.request == nil {
		return nil
	}
	now := time.Now()
	ids := s.registry.AllIDs()
	out := make([]peer.ID, 0, len(ids))
	for _, id := range ids {
		if s.registry.EligibleForPing(id, s.request.Host, now) {
			out = append(out, id)
		}
	}
	return out
}

// step 5: probe completion -> step 6: policy chain -> step 7: override
func (s *Selector) onProbeComplete() {
	s.mu().Lock()
	if s.destroyed {
		s.mu().Unlock()
		return
	}
	req := s.request
	s.state = Selecting
	s.mu().Unlock()

	// Re-check net distance against the best parent miss captured. Only a
	// net-distance override or an outright HIT short-circuits the policy
	// chain (single destination, per spec §8 property 3/S2); a miss witness
	// (closest or first parent miss) is appended as a fallback candidate and
	// the policy chain still runs afterward, same as the original's
	// selectSomeNeighborReplies() followed unconditionally by switch(direct).
	switch {
	case s.ping.hasClosestMiss && s.compareNetDistanceToParentMiss(req, s.ping.closestMissRTT):
		s.appendFwd(forward.FwdServer{Code: forward.CodeClosestDirect})
	case s.ping.hasHit:
		code := forward.CodeParentHit
		if s.ping.hitIsSibling {
			code = forward.CodeSiblingHit
		}
		s.appendFwdPeer(code, s.ping.hitPeer)
	default:
		if s.ping.hasClosestMiss {
			s.appendFwdPeer(forward.CodeClosestParentMiss, s.ping.closestParentMiss)
		} else if s.ping.hasFirstMiss {
			s.appendFwdPeer(forward.CodeFirstParentMiss, s.ping.firstParentMiss)
		}
		s.runPolicyChain(req)
	}

	s.applyInterceptedOverride(req)
	s.beginResolution()
}

// step 6: policy chain, only reached when probing produced no immediate
// winner.
func (s *Selector) runPolicyChain(req *reqctx.Request) {
	switch s.direct {
	case DirectYes:
		if !req.WAIS {
			s.appendFwd(forward.FwdServer{Code: forward.CodeHierDirect, Host: req.Host, Port: s.directPort(req)})
		}
	case DirectNo:
		s.appendParentChain(req)
		s.appendAnyOldParents(req)
		s.appendDefaultParent()
	case DirectMaybe:
		if s.cfg.PreferDirect && !req.WAIS {
			s.appendFwd(forward.FwdServer{Code: forward.CodeHierDirect, Host: req.Host, Port: s.directPort(req)})
		}
		if !s.cfg.NonhierarchicalDirect || s.direct != DirectMaybe {
			s.appendParentChain(req)
		}
		if !s.cfg.PreferDirect && !req.WAIS {
			s.appendFwd(forward.FwdServer{Code: forward.CodeHierDirect, Host: req.Host, Port: s.directPort(req)})
		}
	}
}

func (s *Selector) directPort(req *reqctx.Request) int {
	if req.Port > 0 {
		return req.Port
	}
	return s.cfg.HTTPPort
}

// appendParentChain runs the fixed-order selector-class predicates (spec
// §4.7 step 6), taking the first that returns a peer.
func (s *Selector) appendParentChain(req *reqctx.Request) {
	if s.registry == nil {
		return
	}
	ids := s.registry.AllIDs()
	if id, ok := s.registry.SourcehashParent(req.ClientIP); ok {
		s.appendFwdPeer(forward.CodeSourcehashParent, id)
		return
	}
	if id, ok := s.registry.UserhashParent(req.ClientIP.String()); ok {
		s.appendFwdPeer(forward.CodeUserhashParent, id)
		return
	}
	if id, ok := s.registry.CARPParent(req.RawURL); ok {
		s.appendFwdPeer(forward.CodeCARPParent, id)
		return
	}
	if id, ok := s.registry.RoundRobinParent(ids, &rrCounter); ok {
		s.appendFwdPeer(forward.CodeRoundRobinParent, id)
		return
	}
	if id, ok := s.registry.WeightedRRParent(ids); ok {
		s.appendFwdPeer(forward.CodeWeightedRRParent, id)
		return
	}
	if id, ok := s.registry.FirstUpParent(req.Host, time.Now(), ids); ok {
		s.appendFwdPeer(forward.CodeFirstUpParent, id)
		return
	}
	if id, ok := s.registry.DefaultParent(ids); ok {
		s.appendFwdPeer(forward.CodeDefaultParent, id)
	}
}

func (s *Selector) appendAnyOldParents(req *reqctx.Request) {
	if s.registry == nil {
		return
	}
	now := time.Now()
	for _, id := range s.registry.AllIDs() {
		p, ok := s.registry.Get(id)
		if !ok || p.Kind != peer.Parent {
			continue
		}
		if p.Health.IsAlive() && !p.Health.InCooldown(now) {
			s.appendFwdPeer(forward.CodeAnyOldParent, id)
		}
	}
}

func (s *Selector) appendDefaultParent() {
	if s.registry == nil {
		return
	}
	if id, ok := s.registry.DefaultParent(s.registry.AllIDs()); ok {
		s.appendFwdPeer(forward.CodeDefaultParent, id)
	}
}

// step 7: intercepted-direct override
func (s *Selector) applyInterceptedOverride(req *reqctx.Request) {
	s.mu().Lock()
	defer s.mu().Unlock()
	if len(s.fwdList) == 0 || s.fwdList[0].Code != forward.CodeHierDirect {
		return
	}
	if !req.ClientDstPassthruApplies(s.cfg.ClientDstPassthru) {
		return
	}
	s.fwdList[0] = forward.FwdServer{
		Code: forward.CodeOriginalDst,
		Host: req.OriginalDstIP.String(),
		Port: req.OriginalDstPort,
	}
}

// appendFwd and appendFwdPeer enforce spec §4.7's duplicate-suppression
// rule before adding to the list.
func (s *Selector) appendFwd(f forward.FwdServer) {
	s.mu().Lock()
	defer s.mu().Unlock()
	for _, existing := range s.fwdList {
		if forward.SameTarget(existing, f) {
			return
		}
	}
	s.fwdList = append(s.fwdList, f)
}

func (s *Selector) appendFwdPeer(code forward.SelectionCode, id peer.ID) {
	p, ok := s.registry.Get(id)
	f := forward.FwdServer{Code: code, Peer: id, HasPeer: true}
	if ok {
		f.Host = p.Host
		f.Port = p.HTTPPort
	}
	s.appendFwd(f)
}

// rrCounter is the process-wide round-robin cursor shared across all
// selectors and requests, so repeated selections actually cycle instead of
// resetting per request.
var rrCounter atomic.Uint64

// ErrNoDestinations is returned via note_destinations_end when resolution
// produced zero destinations (spec §4.7 "Failure semantics" / §7 DNS_FAIL).
var ErrNoDestinations = errors.New("selector: no destinations resolved")

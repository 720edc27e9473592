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

// Package corectx is the CoreContext spec §9 calls for: the one place
// process-wide singletons are allowed to live (the Ping Wheel, the wire
// sockets, the reqnum→selector index), replacing the original's
// C-linkage globals. Selectors reach it only through the selector.Hub
// interface and are addressed by ID; they never hold pointers to each other.
package corectx

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cachemesh/peercore/acl"
	"github.com/cachemesh/peercore/forward"
	"github.com/cachemesh/peercore/icp"
	"github.com/cachemesh/peercore/netdb"
	"github.com/cachemesh/peercore/peer"
	"github.com/cachemesh/peercore/pingwheel"
	"github.com/cachemesh/peercore/reqctx"
	"github.com/cachemesh/peercore/resolve"
	"github.com/cachemesh/peercore/selector"
)

// Context owns every process-wide singleton and is the only type that
// constructs selectors.
type Context struct {
	messenger *icp.Messenger
	wheel     *pingwheel.Wheel
	registry  *peer.Registry
	gate      *acl.Gate
	resolver  *resolve.Adapter
	netdb     netdb.DB
	cfg       selector.Config

	reqnumCounter atomic.Uint32

	mu         sync.RWMutex
	reqnumIdx  map[uint32]selector.ID
	selectors  map[selector.ID]*selector.Selector
	nextSelID  atomic.Uint64
}

// Options bundles the collaborators a Context wires together. Messenger is
// optional: while it is nil, SendICPQuery drops every query and reports
// success, so ping rounds still start and close only on their timeout. The
// rest are required.
type Options struct {
	Messenger *icp.Messenger
	Registry  *peer.Registry
	Gate      *acl.Gate
	Resolver  *resolve.Adapter
	NetDB     netdb.DB
	Config    selector.Config
}

// New builds a Context and starts its Ping Wheel.
func New(opts Options) *Context {
	c := &Context{
		messenger: opts.Messenger,
		registry:  opts.Registry,
		gate:      opts.Gate,
		resolver:  opts.Resolver,
		netdb:     opts.NetDB,
		cfg:       opts.Config,
		reqnumIdx: make(map[uint32]selector.ID),
		selectors: make(map[selector.ID]*selector.Selector),
	}
	c.wheel = pingwheel.New(pingwheel.NotifierFunc(c.notify))
	return c
}

// SetMessenger attaches the ICP messenger once it has been constructed.
// Messenger construction needs the Context as its reply receiver and health
// sink, so the two are built in two steps: New (without a messenger), build
// icp.NewMessenger(..., ctx, ctx), then SetMessenger.
func (c *Context) SetMessenger(m *icp.Messenger) {
	c.messenger = m
}

// NewSelector allocates a fresh selector ID and constructs a Selector bound
// to this Context as its Hub.
func (c *Context) NewSelector() *selector.Selector {
	id := selector.ID(c.nextSelID.Add(1))
	sel := selector.New(id, c, c.registry, c.gate, c.resolver, c.netdb, c.cfg)
	c.mu.Lock()
	c.selectors[id] = sel
	c.mu.Unlock()
	return sel
}

// Dispatch begins a request's selection, constructing a fresh selector and
// starting it. This is the only entry point callers outside the core need.
func (c *Context) Dispatch(req *reqctx.Request, logHandle any, cacheEntry *selector.CacheEntry, fwd forward.Forwarder) *selector.Selector {
	sel := c.NewSelector()
	sel.Start(req, logHandle, cacheEntry, fwd)
	return sel
}

// --- selector.Hub ---

func (c *Context) NextReqNum() uint32 {
	n := c.reqnumCounter.Add(1)
	if n == 0 {
		n = c.reqnumCounter.Add(1)
	}
	return n
}

func (c *Context) IndexReqNum(reqnum uint32, id selector.ID) {
	c.mu.Lock()
	c.reqnumIdx[reqnum] = id
	c.mu.Unlock()
}

func (c *Context) UnindexReqNum(reqnum uint32) {
	c.mu.Lock()
	delete(c.reqnumIdx, reqnum)
	c.mu.Unlock()
}

func (c *Context) SendICPQuery(dst *net.UDPAddr, b []byte) error {
	if c.messenger == nil {
		return nil
	}
	return c.messenger.SendQuery(dst, b)
}

func (c *Context) MonitorDeadline(id selector.ID, deadline time.Time) {
	c.wheel.Monitor(pingwheel.Handle(id), deadline)
}

func (c *Context) ForgetDeadline(id selector.ID) {
	c.wheel.Forget(pingwheel.Handle(id))
}

func (c *Context) Release(id selector.ID) {
	c.mu.Lock()
	delete(c.selectors, id)
	c.mu.Unlock()
}

// --- pingwheel.Notifier ---

func (c *Context) notify(h pingwheel.Handle) {
	id, ok := h.(selector.ID)
	if !ok {
		return
	}
	c.mu.RLock()
	sel, ok := c.selectors[id]
	c.mu.RUnlock()
	if !ok {
		return // destroyed between fire() and dispatch; stale wake, ignore
	}
	sel.OnPingTimeout()
}

// --- icp.ReplyReceiver ---

// OnReply implements icp.ReplyReceiver: matches an inbound datagram to the
// selector that owns its reqnum and to the peer it came from, then
// dispatches. A reply from an unknown address, or for a reqnum with no
// live selector (already PING_DONE, or destroyed), is dropped after still
// updating nothing — health billing for silence is handled by the ping
// round's own completion path, not per-datagram.
func (c *Context) OnReply(reply icp.Reply, from *net.UDPAddr) {
	pid, ok := c.registry.PeerByAddr(from)
	if !ok {
		log.Debugf("corectx: reply from unknown peer address %v, dropping", from)
		return
	}
	kind, _ := c.registry.NeighborType(pid)

	c.mu.RLock()
	id, ok := c.reqnumIdx[reply.ReqNum]
	c.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.RLock()
	sel, ok := c.selectors[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	sel.OnReply(reply, from, pid, kind)
}

// --- icp.PeerHealthSink ---

// RecordSendFatal delegates straight to the registry, which is the actual
// owner of peer health state; corectx only sits on the wire.
func (c *Context) RecordSendFatal(addr *net.UDPAddr) {
	c.registry.RecordSendFatal(addr)
}

// Close stops the Ping Wheel and the ICP messenger. Selectors in flight at
// shutdown are abandoned; corectx makes no promise to drain them.
func (c *Context) Close() error {
	c.wheel.Stop()
	if c.messenger != nil {
		return c.messenger.Close()
	}
	return nil
}

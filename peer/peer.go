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

// Package peer is the Peer Registry: the static set of upstream peers
// selectors may consult, their health, and the selector-class predicates
// (first-up, round-robin, CARP, ...) that the policy chain runs.
//
// Peers live in a slab indexed by ID (spec §9's "arena-plus-index" note,
// replacing the original's cyclic pointer graph): selectors hold an ID, not
// a pointer, and must tolerate Get returning ok=false if config reload has
// since removed the peer.
package peer

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/eclesh/welford"
	version "github.com/hashicorp/go-version"

	"github.com/cachemesh/peercore/icp"
)

// ID is a weak handle into the registry's peer slab.
type ID uint32

// Kind distinguishes parents (may fetch on our behalf) from siblings
// (hits only).
type Kind int

const (
	Parent Kind = iota
	Sibling
)

func (k Kind) String() string {
	if k == Sibling {
		return "sibling"
	}
	return "parent"
}

// Protocol selects which wire codec a peer is queried with.
type Protocol int

const (
	ICP Protocol = iota
	HTCP
)

// Flags bundles the per-peer boolean switches from spec §3.
type Flags struct {
	ClosestOnly bool
	NoTproxy    bool
	NoQuery     bool
	CARP        bool
	Userhash    bool
	Sourcehash  bool
	RoundRobin  bool
	WeightedRR  bool
	Default     bool
}

// Health is the small per-peer record spec §3 describes.
type Health struct {
	mu                  sync.Mutex
	Alive               bool
	ConsecutiveFailures int
	LastFailure         time.Time
	cooldownUntil       time.Time
	missRTT             *welford.Stats
}

func newHealth() *Health {
	return &Health{Alive: true, missRTT: welford.New()}
}

// InCooldown reports whether the peer is currently excluded from querying
// due to repeated failed rounds.
func (h *Health) InCooldown(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Before(h.cooldownUntil)
}

// IsAlive reports the last-known alive flag (independent of cooldown: a
// peer can be alive but cooling down after repeated silent rounds, or marked
// dead outright by out-of-band health checks).
func (h *Health) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Alive
}

// recordMissRTT folds a fresh miss-RTT hint into the running mean, the same
// way the teacher's Math.Prepare folds clock-quality samples through a
// welford accumulator. It does not change the peer's BaseRTTOffsetMs.
func (h *Health) recordMissRTT(rttMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.missRTT.Add(rttMs)
}

// MeanMissRTT returns the running mean miss RTT in milliseconds, or 0 if no
// samples have been recorded yet.
func (h *Health) MeanMissRTT() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.missRTT.Count() == 0 {
		return 0
	}
	return h.missRTT.Mean()
}

// onRoundComplete applies spec §4.2's health rule: a peer that was asked
// (expected>0) but never answered (received==0) gets its failure counter
// bumped; past a threshold it cools down for cooldown duration. At most one
// increment per round, per spec §8 property 6.
func (h *Health) onRoundComplete(expected, received int, threshold int, cooldown time.Duration, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if expected == 0 {
		return
	}
	if received > 0 {
		h.ConsecutiveFailures = 0
		return
	}
	h.ConsecutiveFailures++
	h.LastFailure = now
	if h.ConsecutiveFailures >= threshold {
		h.cooldownUntil = now.Add(cooldown)
	}
}

func (h *Health) recordSendFatal(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ConsecutiveFailures++
	h.LastFailure = now
}

// Peer is an upstream proxy the core may consult.
type Peer struct {
	ID ID

	Host     string
	HTTPPort int
	UDPPort  int

	Kind     Kind
	Protocol Protocol
	Flags    Flags
	Weight   int

	BaseRTTOffsetMs float64

	Domains []string // domain scoping: Host must be within one of these (empty = any)

	// ProtocolVersionConstraint, when set, is an operator-supplied
	// hashicorp/go-version constraint (e.g. ">= 2.0, < 3.0") the peer's
	// advertised wire version must satisfy before it is queried at all.
	ProtocolVersionConstraint *version.Constraints

	Health *Health

	// rrCounter backs the weighted round-robin selector (spec §3
	// "supplemented" rule: each peer tracks its own monotonic counter).
	rrCounter uint64
}

// Config is the static, operator-supplied description of one peer; it is
// parsed by config.ReadConfig (the "peers" list) and turned into a Peer by
// NewRegistry.
type Config struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
	UDPPort  int    `yaml:"udp_port"`

	Kind     string `yaml:"kind"`     // "parent" | "sibling"
	Protocol string `yaml:"protocol"` // "icp" | "htcp"

	ClosestOnly bool `yaml:"closest_only"`
	NoTproxy    bool `yaml:"no_tproxy"`
	NoQuery     bool `yaml:"no_query"`
	CARP        bool `yaml:"carp"`
	Userhash    bool `yaml:"userhash"`
	Sourcehash  bool `yaml:"sourcehash"`
	RoundRobin  bool `yaml:"round_robin"`
	WeightedRR  bool `yaml:"weighted_round_robin"`
	Default     bool `yaml:"default"`

	Weight          int      `yaml:"weight"`
	BaseRTTOffsetMs float64  `yaml:"base_rtt_offset_ms"`
	Domains         []string `yaml:"domains"`

	ProtocolVersion string `yaml:"protocol_version"` // e.g. ">= 2.0"
}

func (c Config) toPeer(id ID) (*Peer, error) {
	p := &Peer{
		ID:       id,
		Host:     c.Host,
		HTTPPort: c.HTTPPort,
		UDPPort:  c.UDPPort,
		Weight:   c.Weight,
		BaseRTTOffsetMs: c.BaseRTTOffsetMs,
		Domains:  c.Domains,
		Health:   newHealth(),
		Flags: Flags{
			ClosestOnly: c.ClosestOnly,
			NoTproxy:    c.NoTproxy,
			NoQuery:     c.NoQuery,
			CARP:        c.CARP,
			Userhash:    c.Userhash,
			Sourcehash:  c.Sourcehash,
			RoundRobin:  c.RoundRobin,
			WeightedRR:  c.WeightedRR,
			Default:     c.Default,
		},
	}
	switch strings.ToLower(c.Kind) {
	case "", "parent":
		p.Kind = Parent
	case "sibling":
		p.Kind = Sibling
	default:
		return nil, fmt.Errorf("peer %q: unknown kind %q", c.Host, c.Kind)
	}
	switch strings.ToLower(c.Protocol) {
	case "", "icp":
		p.Protocol = ICP
	case "htcp":
		p.Protocol = HTCP
	default:
		return nil, fmt.Errorf("peer %q: unknown protocol %q", c.Host, c.Protocol)
	}
	if c.ProtocolVersion != "" {
		cst, err := version.NewConstraint(c.ProtocolVersion)
		if err != nil {
			return nil, fmt.Errorf("peer %q: bad protocol_version constraint: %w", c.Host, err)
		}
		p.ProtocolVersionConstraint = &cst
	}
	if p.Weight <= 0 {
		p.Weight = 1
	}
	return p, nil
}

// UDPAddr returns the address queries are sent to.
func (p *Peer) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(p.Host), Port: p.UDPPort}
}

// SatisfiesVersion reports whether advertised (e.g. "2.0") satisfies the
// peer's configured protocol version constraint, if any.
func (p *Peer) SatisfiesVersion(advertised string) bool {
	if p.ProtocolVersionConstraint == nil {
		return true
	}
	v, err := version.NewVersion(advertised)
	if err != nil {
		return false
	}
	return p.ProtocolVersionConstraint.Check(v)
}

// AdvertisedVersion returns the wire-protocol version this core speaks to
// the peer. ICP/HTCP carry a fixed version per spec §4.4, not one
// negotiated per datagram, so this is a property of our own implementation
// rather than something read off the wire — it is what
// ProtocolVersionConstraint is checked against.
func (p *Peer) AdvertisedVersion() string {
	if p.Protocol == HTCP {
		return icp.HTCPVersion
	}
	return fmt.Sprintf("%d.0", icp.Version)
}

func domainMatches(domains []string, host string) bool {
	if len(domains) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(d, "."))
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

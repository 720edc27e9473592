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

// Package forward defines the Forwarder Interface (spec §4.8): the
// contract exposed to the core's caller, and the FwdServer/Destination
// shapes the selector's policy chain assembles before resolution.
package forward

import (
	"net"

	"github.com/cachemesh/peercore/peer"
)

// SelectionCode names why a destination was chosen, carried through to
// logging/debugging the way the original's selection codes do.
type SelectionCode int

const (
	CodeUnknown SelectionCode = iota
	CodePinned
	CodeHierDirect
	CodeOriginalDst
	CodeCDParentHit
	CodeCDSiblingHit
	CodeClosestParent
	CodeClosestDirect
	CodeClosestParentMiss
	CodeFirstParentMiss
	CodeParentHit
	CodeSiblingHit
	CodeSourcehashParent
	CodeUserhashParent
	CodeCARPParent
	CodeRoundRobinParent
	CodeWeightedRRParent
	CodeFirstUpParent
	CodeAnyOldParent
	CodeDefaultParent
)

func (c SelectionCode) String() string {
	switch c {
	case CodePinned:
		return "PINNED"
	case CodeHierDirect:
		return "HIER_DIRECT"
	case CodeOriginalDst:
		return "ORIGINAL_DST"
	case CodeCDParentHit:
		return "CD_PARENT_HIT"
	case CodeCDSiblingHit:
		return "CD_SIBLING_HIT"
	case CodeClosestParent:
		return "CLOSEST_PARENT"
	case CodeClosestDirect:
		return "CLOSEST_DIRECT"
	case CodeClosestParentMiss:
		return "CLOSEST_PARENT_MISS"
	case CodeFirstParentMiss:
		return "FIRST_PARENT_MISS"
	case CodeParentHit:
		return "PARENT_HIT"
	case CodeSiblingHit:
		return "SIBLING_HIT"
	case CodeSourcehashParent:
		return "SOURCEHASH_PARENT"
	case CodeUserhashParent:
		return "USERHASH_PARENT"
	case CodeCARPParent:
		return "CARP_PARENT"
	case CodeRoundRobinParent:
		return "ROUNDROBIN_PARENT"
	case CodeWeightedRRParent:
		return "WEIGHTED_RR_PARENT"
	case CodeFirstUpParent:
		return "FIRSTUP_PARENT"
	case CodeAnyOldParent:
		return "ANY_OLD_PARENT"
	case CodeDefaultParent:
		return "DEFAULT_PARENT"
	default:
		return "UNKNOWN"
	}
}

// OutgoingHint carries the locally-bound source address a destination
// should be dialed from, when one applies (TPROXY / multi-homed egress).
// V4ControlMessage/V6ControlMessage (controlmsg.go) turn it into
// golang.org/x/net's IPv4/IPv6 control messages so the actual dialer can
// attach it to a socket without re-deriving the family.
type OutgoingHint struct {
	SourceIP net.IP
}

// FwdServer is one candidate peer-or-direct hop in the selector's policy
// chain output, prior to DNS resolution (spec §4.7 step 6/8).
type FwdServer struct {
	Code SelectionCode

	// Peer is set for every non-direct, non-pinned entry.
	Peer   peer.ID
	HasPeer bool

	// Host/Port are what gets resolved: the peer's host for a peer entry,
	// or the request's origin host for a direct entry. Port is the HTTP
	// port to connect to once an IP is known.
	Host string
	Port int

	Hint OutgoingHint
}

// Destination is a single resolved hop handed to note_destination.
// A nil *Destination (not this struct) signals PINNED in the
// Forwarder.NoteDestination contract — see forward.go's doc comment.
type Destination struct {
	IP       net.IP
	Port     int
	Peer     peer.ID
	HasPeer  bool
	Code     SelectionCode
	Hint     OutgoingHint
}

// Forwarder is the contract exposed to the core's caller (spec §4.8).
type Forwarder interface {
	// NoteDestination is called zero or more times. dst == nil means "use
	// the pinned connection" (PINNED); otherwise dst carries everything
	// needed to dial out.
	NoteDestination(dst *Destination)

	// NoteDestinationsEnd is terminal: called exactly once, after every
	// NoteDestination. err is nil iff at least one NoteDestination call
	// preceded it.
	NoteDestinationsEnd(err error)
}

// SameTarget reports whether two FwdServer entries would collide under
// spec §4.7's duplicate-suppression rule: both PINNED, or both referring
// to the same peer handle.
func SameTarget(a, b FwdServer) bool {
	if a.Code == CodePinned && b.Code == CodePinned {
		return true
	}
	if a.HasPeer && b.HasPeer {
		return a.Peer == b.Peer
	}
	return false
}

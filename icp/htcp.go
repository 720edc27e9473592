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

package icp

// HTCPVersion is the only HTCP version this core speaks (RFC 2756).
const HTCPVersion = "1.0"

// HTCPReply is the decoded form of an HTCP response. The core treats the
// HTCP datagram itself as opaque (decoded by an external collaborator) and
// only consumes this variant, per spec §4.4/§6.
type HTCPReply struct {
	ReqNum uint32
	Hit    bool
	RTTMs  *float64 // cto.rtt, optional
	Hops   *float64 // cto.hops, optional
}

// Reply is the protocol-agnostic view a selector acts on, produced from
// either an ICP Header+Payload or an HTCPReply. Unifying here is what spec
// §9 calls for instead of "#if ICP_V2 / ICP_V3" branching: one small trait
// both wire formats funnel into.
type Reply struct {
	ReqNum  uint32
	Opcode  Opcode // OpHit / OpMiss / OpErr / OpDenied / OpDEcho, translated for HTCP too
	RTTMs   *float64
	Hops    *float64
	FromURL string
}

// FromICP adapts a decoded ICP header+payload into the unified Reply shape.
func FromICP(h Header, p Payload) Reply {
	return Reply{ReqNum: h.ReqNum, Opcode: h.Opcode, FromURL: p.URL}
}

// FromHTCP adapts a decoded HTCP reply into the unified Reply shape.
func FromHTCP(r HTCPReply) Reply {
	op := OpMiss
	if r.Hit {
		op = OpHit
	}
	return Reply{ReqNum: r.ReqNum, Opcode: op, RTTMs: r.RTTMs, Hops: r.Hops}
}

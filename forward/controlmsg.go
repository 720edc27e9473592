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

package forward

import (
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// V4ControlMessage builds the ipv4 control message a PacketConn-based
// dialer attaches to an outgoing packet to force its source address,
// implementing the OutgoingHint half of spec §4.7 step 8 ("attach
// outgoing-address config").
func (h OutgoingHint) V4ControlMessage() *ipv4.ControlMessage {
	if h.SourceIP == nil {
		return nil
	}
	if ip4 := h.SourceIP.To4(); ip4 != nil {
		return &ipv4.ControlMessage{Src: ip4}
	}
	return nil
}

// V6ControlMessage is V4ControlMessage's IPv6 counterpart.
func (h OutgoingHint) V6ControlMessage() *ipv6.ControlMessage {
	if h.SourceIP == nil {
		return nil
	}
	if ip4 := h.SourceIP.To4(); ip4 != nil {
		return nil
	}
	return &ipv6.ControlMessage{Src: h.SourceIP}
}

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
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemesh/peercore/peer"
)

func TestSameTargetBothPinned(t *testing.T) {
	require.True(t, SameTarget(FwdServer{Code: CodePinned}, FwdServer{Code: CodePinned}))
}

func TestSameTargetSamePeerHandle(t *testing.T) {
	a := FwdServer{Code: CodeParentHit, HasPeer: true, Peer: peer.ID(7)}
	b := FwdServer{Code: CodeSiblingHit, HasPeer: true, Peer: peer.ID(7)}
	require.True(t, SameTarget(a, b))
}

func TestSameTargetDifferentPeerHandle(t *testing.T) {
	a := FwdServer{HasPeer: true, Peer: peer.ID(1)}
	b := FwdServer{HasPeer: true, Peer: peer.ID(2)}
	require.False(t, SameTarget(a, b))
}

func TestSameTargetNeitherHasPeerNorPinned(t *testing.T) {
	require.False(t, SameTarget(FwdServer{}, FwdServer{}))
}

func TestOutgoingHintControlMessagesMatchFamily(t *testing.T) {
	v4 := OutgoingHint{SourceIP: net.ParseIP("10.0.0.1")}
	require.NotNil(t, v4.V4ControlMessage())
	require.Nil(t, v4.V6ControlMessage())

	v6 := OutgoingHint{SourceIP: net.ParseIP("fe80::1")}
	require.Nil(t, v6.V4ControlMessage())
	require.NotNil(t, v6.V6ControlMessage())
}

func TestOutgoingHintNilSourceProducesNoControlMessage(t *testing.T) {
	h := OutgoingHint{}
	require.Nil(t, h.V4ControlMessage())
	require.Nil(t, h.V6ControlMessage())
}

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

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueryRoundTrip(t *testing.T) {
	client := net.ParseIP("10.1.2.3")
	b := BuildQuery(42, FlagSrcRTT, client, "http://example.com/a")
	h, p, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, uint32(42), h.ReqNum)
	require.Equal(t, FlagSrcRTT, h.Flags)
	require.Equal(t, OpQuery, h.Opcode)
	require.Equal(t, Version, h.Version)
	require.Equal(t, "http://example.com/a", p.URL)
	require.True(t, p.ClientIP.Equal(client.To4()))
}

func TestReplyRoundTrip(t *testing.T) {
	b := BuildReply(OpHit, 7, 0, "http://example.com/a")
	h, p, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, uint32(7), h.ReqNum)
	require.Equal(t, OpHit, h.Opcode)
	require.Equal(t, "http://example.com/a", p.URL)
	require.Nil(t, p.ClientIP)
}

func TestDecodeMalformedTruncated(t *testing.T) {
	b := BuildReply(OpMiss, 1, 0, "http://example.com/a")
	_, _, err := Decode(b[:len(b)-3])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMalformedShortHeader(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestHTCPReplyAdapter(t *testing.T) {
	rtt := 12.5
	r := FromHTCP(HTCPReply{ReqNum: 9, Hit: false, RTTMs: &rtt})
	require.Equal(t, OpMiss, r.Opcode)
	require.Equal(t, uint32(9), r.ReqNum)
	require.NotNil(t, r.RTTMs)
	require.Equal(t, 12.5, *r.RTTMs)

	hit := FromHTCP(HTCPReply{ReqNum: 10, Hit: true})
	require.Equal(t, OpHit, hit.Opcode)
}

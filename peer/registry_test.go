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
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) (*Registry, []ID) {
	t.Helper()
	reg, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130, Kind: "parent", Default: true},
		{Host: "10.0.0.2", UDPPort: 3130, Kind: "parent", RoundRobin: true},
		{Host: "10.0.0.3", UDPPort: 3130, Kind: "parent", RoundRobin: true},
		{Host: "10.0.0.4", UDPPort: 3130, Kind: "sibling"},
	})
	require.NoError(t, err)
	return reg, reg.AllIDs()
}

func TestDuplicateAddressRejected(t *testing.T) {
	_, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130},
		{Host: "10.0.0.1", UDPPort: 3130},
	})
	require.Error(t, err)
}

func TestEligibleForPingRespectsDomainAndCooldown(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130, Domains: []string{"example.com"}},
	})
	require.NoError(t, err)
	id := reg.AllIDs()[0]
	now := time.Now()
	require.True(t, reg.EligibleForPing(id, "www.example.com", now))
	require.False(t, reg.EligibleForPing(id, "other.org", now))

	reg.OnPingRoundComplete(id, 1, 0, now)
	reg.OnPingRoundComplete(id, 1, 0, now)
	reg.OnPingRoundComplete(id, 1, 0, now)
	require.False(t, reg.EligibleForPing(id, "www.example.com", now))
	require.True(t, reg.EligibleForPing(id, "www.example.com", now.Add(time.Hour)))
}

func TestHealthIncrementsAtMostOncePerRound(t *testing.T) {
	reg, ids := testRegistry(t)
	id := ids[0]
	now := time.Now()
	reg.OnPingRoundComplete(id, 1, 0, now)
	p, _ := reg.Get(id)
	require.Equal(t, 1, p.Health.ConsecutiveFailures)
	reg.OnPingRoundComplete(id, 1, 1, now)
	require.Equal(t, 0, p.Health.ConsecutiveFailures)
}

func TestDefaultParentByRegistrationOrder(t *testing.T) {
	reg, ids := testRegistry(t)
	id, ok := reg.DefaultParent(ids)
	require.True(t, ok)
	p, _ := reg.Get(id)
	require.Equal(t, "10.0.0.1", p.Host)
}

func TestRoundRobinParentCyclesEvenly(t *testing.T) {
	reg, ids := testRegistry(t)
	var counter atomic.Uint64
	seen := map[ID]int{}
	for i := 0; i < 10; i++ {
		id, ok := reg.RoundRobinParent(ids, &counter)
		require.True(t, ok)
		seen[id]++
	}
	require.Len(t, seen, 2)
	for _, n := range seen {
		require.InDelta(t, 5, n, 1)
	}
}

func TestWeightedRRParentFavorsHigherWeight(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130, Kind: "parent", WeightedRR: true, Weight: 1},
		{Host: "10.0.0.2", UDPPort: 3130, Kind: "parent", WeightedRR: true, Weight: 3},
	})
	require.NoError(t, err)
	ids := reg.AllIDs()
	counts := map[ID]int{}
	for i := 0; i < 8; i++ {
		id, ok := reg.WeightedRRParent(ids)
		require.True(t, ok)
		counts[id]++
	}
	var heavy, light ID
	for _, id := range ids {
		p, _ := reg.Get(id)
		if p.Weight == 3 {
			heavy = id
		} else {
			light = id
		}
	}
	require.Equal(t, 6, counts[heavy])
	require.Equal(t, 2, counts[light])
}

func TestCARPParentStableForSameKey(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130, Kind: "parent", CARP: true},
		{Host: "10.0.0.2", UDPPort: 3130, Kind: "parent", CARP: true},
		{Host: "10.0.0.3", UDPPort: 3130, Kind: "parent", CARP: true},
	})
	require.NoError(t, err)
	id1, ok := reg.CARPParent("http://example.com/a")
	require.True(t, ok)
	id2, _ := reg.CARPParent("http://example.com/a")
	require.Equal(t, id1, id2)
}

func TestSourcehashParentNilClientIP(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130, Kind: "parent", Sourcehash: true},
	})
	require.NoError(t, err)
	_, ok := reg.SourcehashParent(nil)
	require.False(t, ok)
	_, ok = reg.SourcehashParent(net.ParseIP("1.2.3.4"))
	require.True(t, ok)
}

func TestRecordSendFatalViaAddr(t *testing.T) {
	reg, ids := testRegistry(t)
	id := ids[0]
	p, _ := reg.Get(id)
	reg.RecordSendFatal(p.UDPAddr())
	require.Equal(t, 1, p.Health.ConsecutiveFailures)
}

func TestProtocolVersionConstraint(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130, ProtocolVersion: ">= 2.0, < 3.0"},
	})
	require.NoError(t, err)
	p, _ := reg.Get(reg.AllIDs()[0])
	require.True(t, p.SatisfiesVersion("2.0"))
	require.False(t, p.SatisfiesVersion("3.0"))
}

func TestEligibleForPingRejectsUnsatisfiedVersionConstraint(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{Host: "10.0.0.1", UDPPort: 3130, ProtocolVersion: ">= 3.0"},
	})
	require.NoError(t, err)
	id := reg.AllIDs()[0]
	require.False(t, reg.EligibleForPing(id, "www.example.com", time.Now()))
}

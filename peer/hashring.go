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
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ring implements the consistent-hash selection CARP, userhash and
// sourcehash all reduce to (spec §3 "supplemented" rule): each member peer
// gets replicas*Weight points on a circle, and Pick walks clockwise from the
// hash of the lookup key to the first point.
//
// It hashes with the same xxhash function ickey.KeyOf uses for cache keys.
type ring struct {
	mu       sync.RWMutex
	replicas int
	points   []ringPoint
}

type ringPoint struct {
	hash uint64
	peer ID
}

func newRing(replicas int) *ring {
	if replicas <= 0 {
		replicas = 128
	}
	return &ring{replicas: replicas}
}

// Rebuild replaces the ring's membership wholesale. Called whenever the
// registry's CARP/userhash/sourcehash member set changes.
func (r *ring) Rebuild(members map[ID]*Peer) {
	points := make([]ringPoint, 0, len(members)*r.replicas)
	for id, p := range members {
		weight := p.Weight
		if weight <= 0 {
			weight = 1
		}
		for i := 0; i < r.replicas*weight; i++ {
			label := fmt.Sprintf("%s:%d-%d", p.Host, p.UDPPort, i)
			points = append(points, ringPoint{hash: xxhash.Sum64String(label), peer: id})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	r.mu.Lock()
	r.points = points
	r.mu.Unlock()
}

// Pick returns the member peer ID owning key, or (0, false) if the ring is
// empty.
func (r *ring) Pick(key string) (ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return 0, false
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].peer, true
}

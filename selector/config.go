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

package selector

import "time"

// Config bundles the policy-chain and probe-behavior knobs spec §6 lists.
type Config struct {
	MinimumDirectHops int
	MinimumDirectRTT  float64

	// ForwardMaxTries caps found_paths; negative means unlimited.
	ForwardMaxTries int

	ICPHitStale     bool
	QueryICMP       bool
	TestReachability bool

	PreferDirect           bool
	NonhierarchicalDirect  bool
	ClientDstPassthru      bool

	// Host is the local address used to build OutgoingHint for destinations
	// when no more specific per-peer hint applies.
	Host string

	DefaultTimeout time.Duration
	HTTPPort       int // direct-connection port when URL carries none
}

// DefaultConfig mirrors the teacher's pattern of a zero-dependency
// constructor for sane defaults, validated at load time by the config
// package rather than here.
func DefaultConfig() Config {
	return Config{
		ForwardMaxTries: 3,
		DefaultTimeout:  2 * time.Second,
		HTTPPort:        80,
	}
}

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

// Package config reads the daemon's YAML configuration: listen address,
// selection policy knobs, peer list, and ACL rules.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/cachemesh/peercore/acl"
	"github.com/cachemesh/peercore/peer"
)

// ACLRule is the YAML shape of one acl.Rule.
type ACLRule struct {
	Name         string `yaml:"name"`
	Policy       string `yaml:"policy"` // "always_direct" or "never_direct"
	Expression   string `yaml:"expression"`
	RequiresAuth bool   `yaml:"requires_auth"`
}

// Config specifies the peer daemon's run options.
type Config struct {
	Listen   string `yaml:"listen"`
	HTTPPort int    `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`

	MinimumDirectHops int     `yaml:"minimum_direct_hops"`
	MinimumDirectRTT  float64 `yaml:"minimum_direct_rtt"`
	ForwardMaxTries   int     `yaml:"forward_max_tries"`

	ICPHitStale      bool `yaml:"icp_hit_stale"`
	QueryICMP        bool `yaml:"query_icmp"`
	TestReachability bool `yaml:"test_reachability"`

	PreferDirect          bool `yaml:"prefer_direct"`
	NonhierarchicalDirect bool `yaml:"nonhierarchical_direct"`
	ClientDstPassthru     bool `yaml:"client_dst_passthru"`

	DefaultTimeout time.Duration `yaml:"default_timeout"`

	Peers []peer.Config `yaml:"peers"`
	ACL   []ACLRule      `yaml:"acl"`

	MonitoringPort int `yaml:"monitoring_port"`
}

// ReadConfig reads config from the file, seeded with the same defaults as
// DefaultConfig so omitted YAML keys behave sanely.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultConfig returns sane defaults for every knob a YAML file may omit.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "0.0.0.0:3130",
		HTTPPort:        80,
		LogLevel:        "info",
		ForwardMaxTries: 3,
		DefaultTimeout:  2 * time.Second,
		MonitoringPort:  9105,
	}
}

// Validate rejects configs that would leave the daemon unable to start or
// the selector unable to make forward progress.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	if c.ForwardMaxTries == 0 {
		return fmt.Errorf("config: forward_max_tries must be nonzero (negative means unlimited)")
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		key := fmt.Sprintf("%s:%d", p.Host, p.UDPPort)
		if seen[key] {
			return fmt.Errorf("config: duplicate peer address %s", key)
		}
		seen[key] = true
	}
	for _, r := range c.ACL {
		switch r.Policy {
		case "always_direct", "never_direct":
		default:
			return fmt.Errorf("config: acl rule %q has invalid policy %q", r.Name, r.Policy)
		}
	}
	return nil
}

// ACLPolicy maps the YAML policy string to the acl package's enum.
func ACLPolicy(s string) acl.Policy {
	if s == "never_direct" {
		return acl.NeverDirect
	}
	return acl.AlwaysDirect
}

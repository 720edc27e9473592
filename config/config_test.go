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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemesh/peercore/acl"
	"github.com/cachemesh/peercore/peer"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsEmptyListen(t *testing.T) {
	c := DefaultConfig()
	c.Listen = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsZeroForwardMaxTries(t *testing.T) {
	c := DefaultConfig()
	c.ForwardMaxTries = 0
	require.Error(t, c.Validate())
}

func TestValidateRejectsDuplicatePeerAddress(t *testing.T) {
	c := DefaultConfig()
	c.Peers = []peer.Config{
		{Host: "parent.example.com", UDPPort: 3130, Kind: "parent"},
		{Host: "parent.example.com", UDPPort: 3130, Kind: "sibling"},
	}
	require.Error(t, c.Validate())
}

func TestValidateRejectsUnknownACLPolicy(t *testing.T) {
	c := DefaultConfig()
	c.ACL = []ACLRule{{Name: "bogus", Policy: "sometimes", Expression: "true"}}
	require.Error(t, c.Validate())
}

func TestACLPolicyMapsStrings(t *testing.T) {
	require.Equal(t, acl.NeverDirect, ACLPolicy("never_direct"))
	require.Equal(t, acl.AlwaysDirect, ACLPolicy("always_direct"))
	require.Equal(t, acl.AlwaysDirect, ACLPolicy("anything-else"))
}

func TestReadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corepeerd.yaml")
	data := []byte("listen: \"0.0.0.0:4130\"\nforward_max_tries: 2\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:4130", c.Listen)
	require.Equal(t, 2, c.ForwardMaxTries)
	require.Equal(t, "info", c.LogLevel) // default preserved for omitted key
}

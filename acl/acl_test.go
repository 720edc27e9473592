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

package acl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cachemesh/peercore/reqctx"
)

func req(host string) *reqctx.Request {
	return &reqctx.Request{Host: host, ClientIP: net.ParseIP("127.0.0.1")}
}

func TestCheckAllowsMatchingAlwaysDirect(t *testing.T) {
	rule, err := NewRule("local", AlwaysDirect, `host =~ "\\.corp\\.internal$"`, false)
	require.NoError(t, err)
	g := NewGate([]*Rule{rule}, nil)

	var got Verdict
	g.Check(AlwaysDirect, req("svc.corp.internal"), func(v Verdict) { got = v })
	require.Equal(t, Allowed, got)
}

func TestCheckDunnoOnNoMatch(t *testing.T) {
	rule, err := NewRule("local", AlwaysDirect, `host =~ "\\.corp\\.internal$"`, false)
	require.NoError(t, err)
	g := NewGate([]*Rule{rule}, nil)

	var got Verdict
	g.Check(AlwaysDirect, req("example.com"), func(v Verdict) { got = v })
	require.Equal(t, Dunno, got)
}

func TestCheckDeniedOnNeverDirectMatch(t *testing.T) {
	rule, err := NewRule("blocked", NeverDirect, `host == "blocked.example.com"`, false)
	require.NoError(t, err)
	g := NewGate([]*Rule{rule}, nil)

	var got Verdict
	g.Check(NeverDirect, req("blocked.example.com"), func(v Verdict) { got = v })
	require.Equal(t, Denied, got)
}

func TestCheckNoRulesIsDunno(t *testing.T) {
	g := NewGate(nil, nil)
	var got Verdict
	g.Check(AlwaysDirect, req("example.com"), func(v Verdict) { got = v })
	require.Equal(t, Dunno, got)
}

type fakeAuth struct{ ok bool }

func (f fakeAuth) CheckAuth(r *reqctx.Request, done func(bool)) { done(f.ok) }

func TestCheckAsyncAuthRuleMatches(t *testing.T) {
	rule, err := NewRule("needs-auth", AlwaysDirect, `host == "internal.example.com"`, true)
	require.NoError(t, err)
	g := NewGate([]*Rule{rule}, fakeAuth{ok: true})

	var got Verdict
	g.Check(AlwaysDirect, req("internal.example.com"), func(v Verdict) { got = v })
	require.Equal(t, Allowed, got)
}

func TestCheckMissingAuthCheckerFoldsToDunno(t *testing.T) {
	rule, err := NewRule("needs-auth", AlwaysDirect, `host == "internal.example.com"`, true)
	require.NoError(t, err)
	g := NewGate([]*Rule{rule}, nil)

	var got Verdict
	g.Check(AlwaysDirect, req("internal.example.com"), func(v Verdict) { got = v })
	require.Equal(t, Dunno, got)
}

func TestCheckBadExpressionTreatedAsNonMatch(t *testing.T) {
	rule, err := NewRule("always-allow", AlwaysDirect, `1 == 1`, false)
	require.NoError(t, err)
	blocked, err := NewRule("bad", NeverDirect, `nonexistent_field == "x"`, false)
	require.NoError(t, err)
	g := NewGate([]*Rule{blocked}, nil)

	var got Verdict
	g.Check(NeverDirect, req("example.com"), func(v Verdict) { got = v })
	require.Equal(t, Dunno, got)
	_ = rule
}

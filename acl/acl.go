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

// Package acl implements the ACL Gate (spec §4.5): asynchronous evaluation
// of always_direct/never_direct policy against a request, using compiled
// boolean expressions over request attributes rather than a bespoke rule
// VM.
package acl

import (
	"fmt"

	"github.com/Knetic/govaluate"
	log "github.com/sirupsen/logrus"

	"github.com/cachemesh/peercore/reqctx"
)

// Policy selects which named rule set is being evaluated.
type Policy int

const (
	AlwaysDirect Policy = iota
	NeverDirect
)

func (p Policy) String() string {
	if p == NeverDirect {
		return "never_direct"
	}
	return "always_direct"
}

// Verdict is the result handed to a continuation.
type Verdict int

const (
	Dunno Verdict = iota
	Allowed
	Denied
	AuthRequired
)

func (v Verdict) String() string {
	switch v {
	case Allowed:
		return "ALLOWED"
	case Denied:
		return "DENIED"
	case AuthRequired:
		return "AUTH_REQUIRED"
	default:
		return "DUNNO"
	}
}

// Continuation receives the outcome of a Check call. It may be invoked
// synchronously (inline, before Check returns) or asynchronously from
// another goroutine — callers must tolerate either, per spec §4.5.
type Continuation func(Verdict)

// AuthChecker is consulted only for rules that reference authentication
// state (e.g. "proxy_auth"); it models the async lookup spec §4.5 allows a
// Gate to perform. A nil AuthChecker makes such rules always DUNNO.
type AuthChecker interface {
	// CheckAuth resolves asynchronously; it must call done exactly once.
	CheckAuth(r *reqctx.Request, done func(ok bool))
}

// Rule is one named, compiled ACL predicate: e.g. local-nets wanting
// always_direct, or a blocked-destination list for never_direct.
type Rule struct {
	Name       string
	Policy     Policy
	Expression *govaluate.EvaluableExpression
	// RequiresAuth marks a rule whose expression references "proxy_auth";
	// evaluating it triggers an AuthChecker round-trip.
	RequiresAuth bool
}

// NewRule compiles expr (govaluate syntax, e.g. `host =~ "\\.corp\\.internal$"`)
// into a Rule for policy.
func NewRule(name string, policy Policy, expr string, requiresAuth bool) (*Rule, error) {
	e, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("acl: compiling rule %q: %w", name, err)
	}
	return &Rule{Name: name, Policy: policy, Expression: e, RequiresAuth: requiresAuth}, nil
}

// Gate evaluates always_direct/never_direct policy for requests against a
// configured rule set. It never blocks the selector: evaluation either
// settles inline (no auth-dependent rule matched) or parks until the
// AuthChecker calls back.
type Gate struct {
	rules map[Policy][]*Rule
	auth  AuthChecker
}

// NewGate builds a Gate from rules, grouped by policy as each was
// constructed with.
func NewGate(rules []*Rule, auth AuthChecker) *Gate {
	g := &Gate{rules: make(map[Policy][]*Rule), auth: auth}
	for _, r := range rules {
		g.rules[r.Policy] = append(g.rules[r.Policy], r)
	}
	return g
}

func requestParams(r *reqctx.Request) map[string]interface{} {
	return map[string]interface{}{
		"method":        r.Method,
		"scheme":        r.Scheme,
		"host":          r.Host,
		"port":          r.Port,
		"path":          r.Path,
		"client_ip":     r.ClientIP.String(),
		"intercepted":   r.Flags.Intercepted,
		"redirected":    r.Flags.Redirected,
		"host_verified": r.Flags.HostVerified,
		"hierarchical":  r.Flags.Hierarchical,
		"cacheable":     r.Flags.Cacheable,
	}
}

// Check evaluates policy against r and invokes cont exactly once with
// ALLOWED, DENIED, or DUNNO. A rule requiring auth that cannot be resolved
// is logged as a warning and folded into DUNNO before cont ever sees it, as
// spec §4.5 requires. cont may fire inline (no rule required an async auth
// lookup) or later; callers must tolerate both.
func (g *Gate) Check(policy Policy, r *reqctx.Request, cont Continuation) {
	rules := g.rules[policy]
	if len(rules) == 0 {
		cont(Dunno)
		return
	}
	params := requestParams(r)
	g.evalFrom(rules, 0, r, params, cont)
}

func (g *Gate) evalFrom(rules []*Rule, i int, r *reqctx.Request, params map[string]interface{}, cont Continuation) {
	for ; i < len(rules); i++ {
		rule := rules[i]
		if rule.RequiresAuth {
			if g.auth == nil {
				log.Warnf("acl: rule %q is AUTH_REQUIRED with no auth checker configured, treating as DUNNO", rule.Name)
				continue
			}
			idx := i
			g.auth.CheckAuth(r, func(ok bool) {
				if !ok {
					log.Warnf("acl: rule %q requires auth, auth check failed: treating as DUNNO", rule.Name)
					g.evalFrom(rules, idx+1, r, params, cont)
					return
				}
				if matched, verdict := g.evalRule(rule, params); matched {
					cont(verdict)
					return
				}
				g.evalFrom(rules, idx+1, r, params, cont)
			})
			return
		}
		if matched, verdict := g.evalRule(rule, params); matched {
			cont(verdict)
			return
		}
	}
	cont(Dunno)
}

// evalRule reports (matched, verdict): matched is false when the
// expression evaluates falsy (the rule does not apply) or errors out
// (logged and treated as non-match, never a crash).
func (g *Gate) evalRule(rule *Rule, params map[string]interface{}) (bool, Verdict) {
	result, err := rule.Expression.Evaluate(params)
	if err != nil {
		log.Warnf("acl: rule %q failed to evaluate: %v", rule.Name, err)
		return false, Dunno
	}
	hit, ok := result.(bool)
	if !ok || !hit {
		return false, Dunno
	}
	if rule.Policy == NeverDirect {
		return true, Denied
	}
	return true, Allowed
}

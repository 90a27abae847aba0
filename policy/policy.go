// Package policy defines the contract for the external policy engine the
// dispatcher consults before accepting a task, plus small built-in
// implementations for development and tests. Only the allow/deny verdict is
// consumed here; the decision logic itself lives outside the engine.
package policy

import "context"

// Verdict is the binary outcome of a policy check.
type Verdict int

const (
	// Deny rejects the action. Zero value so an unset verdict fails closed.
	Deny Verdict = iota
	// Allow permits the action.
	Allow
)

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	if v == Allow {
		return "allow"
	}
	return "deny"
}

// Engine is the policy decision point consulted before dispatch.
type Engine interface {
	Check(ctx context.Context, actor, action, resource string) Verdict
}

// AllowAll permits every action. Suitable for local development only.
type AllowAll struct{}

// Check implements Engine.
func (AllowAll) Check(context.Context, string, string, string) Verdict { return Allow }

// Rule grants an actor a set of actions on a set of resources. The "*"
// wildcard matches any actor, action or resource.
type Rule struct {
	Actor     string
	Actions   []string
	Resources []string
}

func (r Rule) matches(actor, action, resource string) bool {
	if r.Actor != "*" && r.Actor != actor {
		return false
	}
	if !containsOrWildcard(r.Actions, action) {
		return false
	}
	return containsOrWildcard(r.Resources, resource)
}

func containsOrWildcard(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == "*" || candidate == v {
			return true
		}
	}
	return false
}

// Static is a rule-list policy engine. An action is allowed if any rule
// matches; absence of a match denies.
type Static struct {
	rules []Rule
}

// NewStatic creates a static policy engine from the given rules.
func NewStatic(rules ...Rule) *Static {
	return &Static{rules: rules}
}

// Check implements Engine.
func (s *Static) Check(_ context.Context, actor, action, resource string) Verdict {
	for _, r := range s.rules {
		if r.matches(actor, action, resource) {
			return Allow
		}
	}
	return Deny
}

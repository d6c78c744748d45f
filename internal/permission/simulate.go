package permission

import "strings"

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

type Decision struct {
	Effect   string `json:"effect"`
	Identity string `json:"identity"`
	GrantID  string `json:"grant_id,omitempty"`
	Reason   string `json:"reason"`
}

func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// Simulate evaluates one request against one identity. Anything not granted
// is denied.
func Simulate(id Identity, action, resource string) Decision {
	for _, g := range id.Grants {
		if !matchAny(g.Actions, action, true) {
			continue
		}
		if !matchAny(g.Resources, resource, false) {
			continue
		}
		return Decision{Effect: EffectAllow, Identity: id.Name, GrantID: g.ID, Reason: "grant_match"}
	}
	return Decision{Effect: EffectDeny, Identity: id.Name, Reason: "implicit_deny"}
}

// Simulate looks up the identity for purpose and evaluates against it.
func (s Spec) Simulate(p Purpose, action, resource string) Decision {
	id, ok := s.Identity(p)
	if !ok {
		return Decision{Effect: EffectDeny, Reason: "no_identity"}
	}
	return Simulate(id, action, resource)
}

func matchAny(patterns []string, value string, foldCase bool) bool {
	for _, p := range patterns {
		if foldCase {
			if globMatch(strings.ToLower(p), strings.ToLower(value)) {
				return true
			}
			continue
		}
		if globMatch(p, value) {
			return true
		}
	}
	return false
}

// globMatch implements IAM-style wildcards: '*' spans any run of characters
// including '/', '?' matches exactly one.
func globMatch(pattern, value string) bool {
	p, v := 0, 0
	star, mark := -1, 0
	for v < len(value) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, v
			p++
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == value[v]):
			p++
			v++
		case star >= 0:
			p = star + 1
			mark++
			v = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

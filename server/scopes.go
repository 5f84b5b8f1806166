package server

import "strings"

// ScopeSet is an ordered, duplicate-free set of scope tokens. The wire
// form is the space-separated string of RFC 6749 §3.3; storage encodes
// it as a JSON array. Engine code never touches the raw encodings.
type ScopeSet []string

// ParseScopes splits a space-separated scope string, dropping duplicates
// while preserving first-seen order.
func ParseScopes(s string) ScopeSet {
	return NewScopeSet(strings.Fields(s)...)
}

// NewScopeSet builds a ScopeSet from individual tokens.
func NewScopeSet(tokens ...string) ScopeSet {
	out := make(ScopeSet, 0, len(tokens))
	for _, tok := range tokens {
		if tok == "" || out.Contains(tok) {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// String renders the space-separated wire form.
func (s ScopeSet) String() string {
	return strings.Join(s, " ")
}

// Contains reports membership.
func (s ScopeSet) Contains(scope string) bool {
	for _, tok := range s {
		if tok == scope {
			return true
		}
	}
	return false
}

// Empty reports whether the set has no tokens.
func (s ScopeSet) Empty() bool {
	return len(s) == 0
}

// Intersect keeps the receiver's tokens that are also in other,
// preserving the receiver's order.
func (s ScopeSet) Intersect(other ScopeSet) ScopeSet {
	out := make(ScopeSet, 0, len(s))
	for _, tok := range s {
		if other.Contains(tok) {
			out = append(out, tok)
		}
	}
	return out
}

// Clone returns an independent copy.
func (s ScopeSet) Clone() ScopeSet {
	out := make(ScopeSet, len(s))
	copy(out, s)
	return out
}

// Negotiate intersects a client's registered scope set, the requested
// scope set, and the user's permitted scope set into the final grant.
// The client registration restricts unconditionally; an empty permitted
// set means the permission layer imposed no scope restriction. The
// result follows the requested order, so it is independent of how the
// other two sets happen to be ordered.
func Negotiate(registered, requested, permitted ScopeSet) ScopeSet {
	granted := requested.Intersect(registered)
	if !permitted.Empty() {
		granted = granted.Intersect(permitted)
	}
	return granted
}

// Package scope implements the scope set algebra and the role-based
// scope resolution used by the authorization server.
//
// A scope string is a space-separated list of scope values as defined by
// RFC 6749 Section 3.3. All set operations treat the string form as an
// unordered set of unique tokens.
package scope

import "strings"

// Set is an unordered collection of scope values.
type Set map[string]struct{}

// ToSet splits a scope string on whitespace and returns the unique values.
// An empty string yields an empty, non-nil set.
func ToSet(scope string) Set {
	set := make(Set)
	for _, v := range strings.Fields(scope) {
		set[v] = struct{}{}
	}
	return set
}

// FromSet joins the values of a set with single spaces.
// The order of values in the result is unspecified; callers must not
// depend on it.
func FromSet(set Set) string {
	if len(set) == 0 {
		return ""
	}
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	return strings.Join(values, " ")
}

// Intersect returns the values present in both sets.
func Intersect(a, b Set) Set {
	if len(b) < len(a) {
		a, b = b, a
	}
	result := make(Set, len(a))
	for v := range a {
		if _, ok := b[v]; ok {
			result[v] = struct{}{}
		}
	}
	return result
}

// Union returns the values present in either set.
func Union(a, b Set) Set {
	result := make(Set, len(a)+len(b))
	for v := range a {
		result[v] = struct{}{}
	}
	for v := range b {
		result[v] = struct{}{}
	}
	return result
}

// Allowed narrows a requested scope string to the values present in own.
// An empty request is returned as-is without consulting own, so a client
// that asks for nothing is granted nothing rather than everything.
func Allowed(own Set, requested string) string {
	if requested == "" {
		return ""
	}
	return FromSet(Intersect(own, ToSet(requested)))
}

// Contains reports whether every value of sub is present in set.
func Contains(set Set, sub Set) bool {
	for v := range sub {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

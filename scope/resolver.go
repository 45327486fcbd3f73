package scope

import (
	"context"
	"fmt"
)

// Role is implemented by entities that declare scope values and may
// delegate further values to child roles. Roles form a directed graph
// through the child relation.
type Role interface {
	// RoleName returns the unique programmatic name of the role.
	RoleName() string

	// ScopeValues returns the scope values declared directly on the role.
	ScopeValues() []string

	// ChildRoleNames returns the names of the role's child roles.
	ChildRoleNames() []string
}

// RoleSource resolves role names to role entities. It is implemented by
// the role store.
type RoleSource interface {
	RoleByName(ctx context.Context, name string) (Role, error)
}

// Resolver computes effective scopes over a role graph.
type Resolver struct {
	source RoleSource
}

// NewResolver creates a resolver backed by the given role source.
func NewResolver(source RoleSource) *Resolver {
	return &Resolver{source: source}
}

// ResolveRole returns the effective scope of a role: its own declared
// values unioned with the effective scope of every descendant.
//
// The traversal keeps a visited set, so a role graph that contains a
// cycle resolves to the union over the strongly connected component
// instead of recursing without bound.
func (r *Resolver) ResolveRole(ctx context.Context, role Role) (Set, error) {
	visited := make(map[string]struct{})
	return r.resolve(ctx, role, visited)
}

// ResolveRoles returns the union of the effective scopes of the named
// roles. A user's effective scope is ResolveRoles over its assigned
// role names.
func (r *Resolver) ResolveRoles(ctx context.Context, names []string) (Set, error) {
	visited := make(map[string]struct{})
	result := make(Set)

	for _, name := range names {
		role, err := r.source.RoleByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", name, err)
		}
		set, err := r.resolve(ctx, role, visited)
		if err != nil {
			return nil, err
		}
		result = Union(result, set)
	}

	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, role Role, visited map[string]struct{}) (Set, error) {
	if _, ok := visited[role.RoleName()]; ok {
		return make(Set), nil
	}
	visited[role.RoleName()] = struct{}{}

	result := make(Set, len(role.ScopeValues()))
	for _, v := range role.ScopeValues() {
		result[v] = struct{}{}
	}

	for _, name := range role.ChildRoleNames() {
		child, err := r.source.RoleByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve child role %q of %q: %w", name, role.RoleName(), err)
		}
		childSet, err := r.resolve(ctx, child, visited)
		if err != nil {
			return nil, err
		}
		result = Union(result, childSet)
	}

	return result, nil
}

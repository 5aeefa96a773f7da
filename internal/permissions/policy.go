package permissions

import (
	"errors"
	"strings"
)

// Scopes name the resource classes a policy can guard.
const (
	ScopeRecords = "records"
	ScopeDevice  = "device"
)

// Roles recognized by the default policy.
const (
	RoleAdmin    = "admin"
	RoleEditor   = "editor"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// ErrUnknownScope indicates a scope the policy has no rule for.
var ErrUnknownScope = errors.New("permissions: unknown scope")

// Policy maps scopes to the roles allowed to collaborate within them. An
// identity needs at least one allowed role; unknown scopes deny.
type Policy struct {
	allowed map[string]map[string]struct{}
}

// NewPolicy builds a policy from scope to role-list rules.
func NewPolicy(rules map[string][]string) *Policy {
	allowed := make(map[string]map[string]struct{}, len(rules))
	for scope, roles := range rules {
		roleSet := make(map[string]struct{}, len(roles))
		for _, role := range roles {
			normalized := strings.ToLower(strings.TrimSpace(role))
			if normalized != "" {
				roleSet[normalized] = struct{}{}
			}
		}
		allowed[strings.ToLower(strings.TrimSpace(scope))] = roleSet
	}
	return &Policy{allowed: allowed}
}

// NewDefaultPolicy returns the standard rules: record collaboration for
// editors and admins, device document collaboration for operators and admins.
func NewDefaultPolicy() *Policy {
	return NewPolicy(map[string][]string{
		ScopeRecords: {RoleEditor, RoleAdmin},
		ScopeDevice:  {RoleOperator, RoleAdmin},
	})
}

// Allows reports whether any of the roles grants collaboration in the scope.
func (p *Policy) Allows(scope string, roles []string) (bool, error) {
	roleSet, ok := p.allowed[strings.ToLower(strings.TrimSpace(scope))]
	if !ok {
		return false, ErrUnknownScope
	}
	for _, role := range roles {
		if _, ok := roleSet[strings.ToLower(strings.TrimSpace(role))]; ok {
			return true, nil
		}
	}
	return false, nil
}

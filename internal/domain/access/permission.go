package access

import "fmt"

// Any matches every action or every resource
const Any = "*"

// PermissionKind tags how a permission entry matches
type PermissionKind int

const (
	// Exact grants one action on one resource
	Exact PermissionKind = iota
	// ResourceWildcard grants one action on every resource
	ResourceWildcard
	// ActionWildcard grants every action on one resource
	ActionWildcard
	// Full grants everything
	Full
)

func (k PermissionKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case ResourceWildcard:
		return "resource_wildcard"
	case ActionWildcard:
		return "action_wildcard"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Permission is one entry of a context's permission set. Entries with
// Allowed=false grant nothing; there are no deny entries.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Allowed  bool   `json:"allowed"`
	kind     PermissionKind
}

// NewPermission tags the entry by its wildcard shape
func NewPermission(action, resource string, allowed bool) Permission {
	p := Permission{Action: action, Resource: resource, Allowed: allowed}
	switch {
	case action == Any && resource == Any:
		p.kind = Full
	case resource == Any:
		p.kind = ResourceWildcard
	case action == Any:
		p.kind = ActionWildcard
	default:
		p.kind = Exact
	}
	return p
}

// Grant is NewPermission with Allowed set
func Grant(action, resource string) Permission {
	return NewPermission(action, resource, true)
}

// Kind returns the variant computed by NewPermission
func (p Permission) Kind() PermissionKind {
	return p.kind
}

func (p Permission) String() string {
	return fmt.Sprintf("%s(%s:%s)", p.kind, p.Action, p.Resource)
}

type grantKey struct {
	action   string
	resource string
}

// grantSet indexes the allowed entries by variant
type grantSet struct {
	exact      map[grantKey]struct{}
	byAction   map[string]struct{}
	byResource map[string]struct{}
	full       bool
}

func compile(perms []Permission) grantSet {
	g := grantSet{
		exact:      make(map[grantKey]struct{}),
		byAction:   make(map[string]struct{}),
		byResource: make(map[string]struct{}),
	}
	for _, p := range perms {
		if !p.Allowed {
			continue
		}
		// struct literals and decoded entries carry no kind
		switch NewPermission(p.Action, p.Resource, true).kind {
		case Exact:
			g.exact[grantKey{p.Action, p.Resource}] = struct{}{}
		case ResourceWildcard:
			g.byAction[p.Action] = struct{}{}
		case ActionWildcard:
			g.byResource[p.Resource] = struct{}{}
		case Full:
			g.full = true
		}
	}
	return g
}

// match evaluates in precedence order Exact, ResourceWildcard,
// ActionWildcard, Full and reports the variant that granted access
func (g grantSet) match(action, resource string) (PermissionKind, bool) {
	if _, ok := g.exact[grantKey{action, resource}]; ok {
		return Exact, true
	}
	if _, ok := g.byAction[action]; ok {
		return ResourceWildcard, true
	}
	if _, ok := g.byResource[resource]; ok {
		return ActionWildcard, true
	}
	if g.full {
		return Full, true
	}
	return 0, false
}

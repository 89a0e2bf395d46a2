package roles

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
)

// Policy is a declarative set of auth items and their children, as read from
// a YAML policy file:
//
//	roles:
//	  - name: admin
//	    children: [editor, manageRoles]
//	permissions:
//	  - name: viewUsers
//	    children: [/users, /users/*]
//
// Children starting with a slash are routes and are created implicitly.
type Policy struct {
	Roles       []PolicyItem `yaml:"roles"`
	Permissions []PolicyItem `yaml:"permissions"`
	Routes      []string     `yaml:"routes"`
}

// PolicyItem declares a role or permission.
type PolicyItem struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Children    []string `yaml:"children"`
}

// PolicyEdge is a resolved parent/child pair.
type PolicyEdge struct {
	Parent string
	Child  string
}

// Plan is a validated policy ready to be written.
type Plan struct {
	Items []Item
	Edges []PolicyEdge
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(r io.Reader) (Policy, error) {
	var policy Policy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&policy); err != nil {
		if err == io.EOF {
			return Policy{}, nil
		}
		return Policy{}, fmt.Errorf("roles: parse policy: %w", err)
	}
	return policy, nil
}

// Plan validates the policy and flattens it into items and edges. Route names
// are normalized with prefix. Children must be declared in the same document.
func (p Policy) Plan(prefix string) (Plan, error) {
	types := make(map[string]rbac.ItemType)
	var plan Plan
	add := func(name, description string, t rbac.ItemType) error {
		if name == "" {
			return fmt.Errorf("roles: policy: empty %s name", t)
		}
		if existing, ok := types[name]; ok {
			if existing == t && t == rbac.TypeRoute {
				return nil
			}
			return fmt.Errorf("roles: policy: %s %q declared twice", t, name)
		}
		types[name] = t
		plan.Items = append(plan.Items, Item{Name: name, Type: t, Description: description})
		return nil
	}

	for _, role := range p.Roles {
		if err := add(strings.TrimSpace(role.Name), role.Description, rbac.TypeRole); err != nil {
			return Plan{}, err
		}
	}
	for _, perm := range p.Permissions {
		if err := add(strings.TrimSpace(perm.Name), perm.Description, rbac.TypePermission); err != nil {
			return Plan{}, err
		}
	}
	for _, route := range p.Routes {
		if err := add(rbac.NormalizeRoute(route, prefix), "", rbac.TypeRoute); err != nil {
			return Plan{}, err
		}
	}

	children := make(map[string][]string)
	link := func(parent PolicyItem) error {
		name := strings.TrimSpace(parent.Name)
		for _, raw := range parent.Children {
			child := strings.TrimSpace(raw)
			if strings.HasPrefix(child, "/") {
				child = rbac.NormalizeRoute(child, prefix)
				if err := add(child, "", rbac.TypeRoute); err != nil {
					return err
				}
			}
			childType, ok := types[child]
			if !ok {
				return fmt.Errorf("roles: policy: %q references undeclared item %q", name, child)
			}
			if !CanHaveChild(types[name], childType) {
				return fmt.Errorf("%w: %s %q cannot contain %s %q", ErrInvalidChild, types[name], name, childType, child)
			}
			children[name] = append(children[name], child)
			plan.Edges = append(plan.Edges, PolicyEdge{Parent: name, Child: child})
		}
		return nil
	}
	for _, role := range p.Roles {
		if err := link(role); err != nil {
			return Plan{}, err
		}
	}
	for _, perm := range p.Permissions {
		if err := link(perm); err != nil {
			return Plan{}, err
		}
	}

	for _, item := range plan.Items {
		if reaches(children, item.Name, item.Name, map[string]bool{}) {
			return Plan{}, fmt.Errorf("%w: %q", ErrCycle, item.Name)
		}
	}
	return plan, nil
}

func reaches(children map[string][]string, from, target string, seen map[string]bool) bool {
	for _, child := range children[from] {
		if child == target {
			return true
		}
		if seen[child] {
			continue
		}
		seen[child] = true
		if reaches(children, child, target, seen) {
			return true
		}
	}
	return false
}
